package scenario

import (
	"context"
	"io"

	"github.com/gagliardetto/solana-go"
	"go.firedancer.io/ledgergen/pkg/metrics"
	"go.firedancer.io/ledgergen/pkg/programs"
	"go.firedancer.io/ledgergen/pkg/rpcclient"
	"go.firedancer.io/ledgergen/pkg/slotsync"
)

const (
	NameFullLifecycle = "full-lifecycle"
	NameSameSlot      = "deploy-invoke-same-slot"
)

type OpKind string

const (
	OpDeploy  OpKind = "deploy"
	OpInvoke  OpKind = "invoke"
	OpUpgrade OpKind = "upgrade"
	OpClose   OpKind = "close"
)

type Expectation int

const (
	// MustSucceed steps abort the scenario on any failure.
	MustSucceed Expectation = iota
	// MayFail steps record whatever the ledger decides.
	MayFail
	// ExpectRejection steps exist to land a rejected transaction.
	ExpectRejection
)

func (e Expectation) String() string {
	switch e {
	case MustSucceed:
		return "must-succeed"
	case MayFail:
		return "may-fail"
	case ExpectRejection:
		return "expect-rejection"
	default:
		return "unknown"
	}
}

type SubmitMode int

const (
	Confirm SubmitMode = iota
	NoPreflight
)

func (m SubmitMode) String() string {
	if m == NoPreflight {
		return "no-preflight"
	}
	return "confirm"
}

// Step is one ledger operation of a scenario.
type Step struct {
	Name         string
	Label        string
	Kind         OpKind
	PreWaitSlots uint64
	Expect       Expectation
	Mode         SubmitMode
	// DeferOutcome skips the status poll after a no-preflight submission.
	// The outcome is filled in by the driver once later steps are sent.
	DeferOutcome bool
}

const (
	bufferDeploy   = "deploy"
	bufferUpgrade  = "upgrade"
	bufferRedeploy = "redeploy"
)

var (
	stepDeploy = Step{Name: "deploy", Label: "Deployed Program", Kind: OpDeploy,
		PreWaitSlots: 1, Expect: MustSucceed, Mode: Confirm}
	stepInvoke = Step{Name: "invoke", Label: "Invoked Program", Kind: OpInvoke,
		PreWaitSlots: 1, Expect: MayFail, Mode: NoPreflight}
	stepUpgrade = Step{Name: "upgrade", Label: "Upgraded Program", Kind: OpUpgrade,
		PreWaitSlots: 1, Expect: MustSucceed, Mode: Confirm}
	stepInvokeUpgraded = Step{Name: "invoke-upgraded", Label: "Invoked Program", Kind: OpInvoke,
		PreWaitSlots: 1, Expect: MayFail, Mode: NoPreflight}
	stepClose = Step{Name: "close", Label: "Closed Program", Kind: OpClose,
		PreWaitSlots: 1, Expect: MustSucceed, Mode: Confirm}
	stepUpgradeClosed = Step{Name: "upgrade-after-close", Label: "Tried Upgrading on Closed Program", Kind: OpUpgrade,
		PreWaitSlots: 1, Expect: ExpectRejection, Mode: NoPreflight}
	stepRedeployClosed = Step{Name: "deploy-existing-identity", Label: "Tried Deploying on Closed Program", Kind: OpDeploy,
		PreWaitSlots: 1, Expect: ExpectRejection, Mode: NoPreflight}

	stepSameSlotDeploy = Step{Name: "deploy", Label: "Deployed Program", Kind: OpDeploy,
		PreWaitSlots: 1, Expect: MayFail, Mode: NoPreflight, DeferOutcome: true}
	stepSameSlotInvoke = Step{Name: "invoke", Label: "Invoked Program", Kind: OpInvoke,
		PreWaitSlots: 0, Expect: MayFail, Mode: NoPreflight, DeferOutcome: true}
)

// FullLifecycleSteps lists the steps FullLifecycle submits, in order.
var FullLifecycleSteps = []Step{
	stepDeploy,
	stepInvoke,
	stepUpgrade,
	stepInvokeUpgraded,
	stepClose,
	stepUpgradeClosed,
	stepRedeployClosed,
}

// SameSlotSteps lists the steps SameSlotDeployInvoke submits, in order.
var SameSlotSteps = []Step{
	stepSameSlotDeploy,
	stepSameSlotInvoke,
}

type Gateway interface {
	slotsync.SlotSource
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SubmitAndConfirm(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	SubmitNoPreflight(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	SignatureOutcome(ctx context.Context, sig solana.Signature) (rpcclient.Outcome, error)
}

type Builder interface {
	Payer() solana.PublicKey
	StageBuffer(ctx context.Context, programData []byte) (programs.Buffer, error)
	DeployInstructions(ctx context.Context, existing *solana.PrivateKey, buffer programs.Buffer, programLen uint64) (solana.PrivateKey, []solana.Instruction, error)
	InvokeInstructions(ctx context.Context, program solana.PublicKey, accountData []byte) (solana.PrivateKey, []solana.Instruction, error)
	UpgradeInstructions(buffer programs.Buffer, program solana.PublicKey) ([]solana.Instruction, error)
	CloseInstructions(program solana.PublicKey) ([]solana.Instruction, error)
}

type SlotWaiter interface {
	WaitAtLeast(ctx context.Context, n uint64) error
}

// Env holds the collaborators a scenario runs against. Metrics may be nil.
type Env struct {
	Gateway Gateway
	Builder Builder
	Payer   solana.PrivateKey
	Waiter  SlotWaiter
	Out     io.Writer
	Metrics *metrics.Metrics
}

type Input struct {
	ProgramData []byte
	AccountData []byte
}

// StepResult is what a step left on the ledger. Signature is the
// transaction id even when the node refused the transaction.
type StepResult struct {
	Step      Step
	Signature solana.Signature
	Slot      uint64
	Outcome   rpcclient.Outcome
	Err       error
	Program   solana.PublicKey
	Buffer    *solana.PublicKey
	Tx        *solana.Transaction
}

// Report is the fixture produced by one scenario run.
type Report struct {
	Scenario  string
	ProgramID solana.PublicKey
	Buffers   []programs.Buffer
	Steps     []StepResult
}
