package scenario

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.firedancer.io/ledgergen/pkg/ledgertest"
	"go.firedancer.io/ledgergen/pkg/metrics"
	"go.firedancer.io/ledgergen/pkg/programs"
	"go.firedancer.io/ledgergen/pkg/rpcclient"
	"go.firedancer.io/ledgergen/pkg/slotsync"
)

// events records the order of waits and submissions.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(ev string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, ev)
}

type recordingWaiter struct {
	inner SlotWaiter
	ev    *events
}

func (w *recordingWaiter) WaitAtLeast(ctx context.Context, n uint64) error {
	w.ev.add("wait")
	return w.inner.WaitAtLeast(ctx, n)
}

type recordingGateway struct {
	*ledgertest.Ledger
	ev              *events
	failNoPreflight error
	// recordReads adds slot reads and status polls to the event log
	recordReads bool
	// forceOutcome, if set, replaces every observed status
	forceOutcome *rpcclient.Outcome
}

func (g *recordingGateway) CurrentSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	if g.recordReads {
		g.ev.add("slot")
	}
	return g.Ledger.CurrentSlot(ctx, commitment)
}

func (g *recordingGateway) SignatureOutcome(ctx context.Context, sig solana.Signature) (rpcclient.Outcome, error) {
	if g.recordReads {
		g.ev.add("outcome")
	}
	if g.forceOutcome != nil {
		return *g.forceOutcome, nil
	}
	return g.Ledger.SignatureOutcome(ctx, sig)
}

func (g *recordingGateway) SubmitAndConfirm(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	g.ev.add("submit")
	return g.Ledger.SubmitAndConfirm(ctx, tx)
}

func (g *recordingGateway) SubmitNoPreflight(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	g.ev.add("submit")
	if g.failNoPreflight != nil {
		return solana.Signature{}, g.failNoPreflight
	}
	return g.Ledger.SubmitNoPreflight(ctx, tx)
}

type testEnv struct {
	Env
	ledger  *ledgertest.Ledger
	gateway *recordingGateway
	ev      *events
	out     *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	payer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	ledger := ledgertest.New(500, payer.PublicKey())
	ev := new(events)
	gateway := &recordingGateway{Ledger: ledger, ev: ev}
	out := new(bytes.Buffer)

	waiter := slotsync.NewWaiter(ledger, slotsync.Policy{PollInterval: time.Millisecond, MaxAttempts: 20, Timeout: time.Second})
	return &testEnv{
		Env: Env{
			Gateway: gateway,
			// staging goes straight to the ledger so only scenario steps are recorded
			Builder: programs.NewBuilder(ledger, payer, programs.Options{WriteChunkSize: 200, WriteConcurrency: 3}),
			Payer:   payer,
			Waiter:  &recordingWaiter{inner: waiter, ev: ev},
			Out:     out,
			Metrics: metrics.New(),
		},
		ledger:  ledger,
		gateway: gateway,
		ev:      ev,
		out:     out,
	}
}

func testInput() Input {
	program := make([]byte, 700)
	for i := range program {
		program[i] = byte(i)
	}
	return Input{ProgramData: program, AccountData: []byte("ledgergen account data")}
}

func outcomes(report *Report) map[string]rpcclient.Outcome {
	out := make(map[string]rpcclient.Outcome)
	for _, step := range report.Steps {
		out[step.Step.Name] = step.Outcome
	}
	return out
}

func TestFullLifecycle_Outcomes(t *testing.T) {
	env := newTestEnv(t)

	report, err := FullLifecycle(context.Background(), env.Env, testInput())
	require.NoError(t, err)
	require.Len(t, report.Steps, len(FullLifecycleSteps))
	assert.Len(t, report.Buffers, 3)

	for i, step := range FullLifecycleSteps {
		assert.Equal(t, step.Name, report.Steps[i].Step.Name)
	}

	assert.Equal(t, map[string]rpcclient.Outcome{
		"deploy":                   rpcclient.OutcomeCommitted,
		"invoke":                   rpcclient.OutcomeCommitted,
		"upgrade":                  rpcclient.OutcomeCommitted,
		"invoke-upgraded":          rpcclient.OutcomeCommitted,
		"close":                    rpcclient.OutcomeCommitted,
		"upgrade-after-close":      rpcclient.OutcomeRejected,
		"deploy-existing-identity": rpcclient.OutcomeRejected,
	}, outcomes(report))

	// the rejected steps still landed, so the fixture holds them
	for _, step := range report.Steps[5:] {
		rec, ok := env.ledger.Record(step.Signature)
		require.True(t, ok, step.Step.Name)
		assert.Error(t, rec.Err)
	}
}

func TestFullLifecycle_SlotsMonotonic(t *testing.T) {
	env := newTestEnv(t)

	report, err := FullLifecycle(context.Background(), env.Env, testInput())
	require.NoError(t, err)

	for i := 1; i < len(report.Steps); i++ {
		assert.GreaterOrEqual(t, report.Steps[i].Slot, report.Steps[i-1].Slot)
	}
}

func TestFullLifecycle_BuffersConsumedOnce(t *testing.T) {
	env := newTestEnv(t)

	report, err := FullLifecycle(context.Background(), env.Env, testInput())
	require.NoError(t, err)

	consumed := make(map[solana.PublicKey]string)
	for _, step := range report.Steps {
		if step.Buffer == nil || step.Outcome == rpcclient.OutcomeRejected {
			continue
		}
		prev, seen := consumed[*step.Buffer]
		assert.False(t, seen, "buffer %s consumed by %s and %s", step.Buffer, prev, step.Step.Name)
		consumed[*step.Buffer] = step.Step.Name
	}
	assert.Len(t, consumed, 2)
}

func TestFullLifecycle_WaitsBeforeEveryStep(t *testing.T) {
	env := newTestEnv(t)

	_, err := FullLifecycle(context.Background(), env.Env, testInput())
	require.NoError(t, err)

	want := make([]string, 0, 2*len(FullLifecycleSteps))
	for range FullLifecycleSteps {
		want = append(want, "wait", "submit")
	}
	assert.Equal(t, want, env.ev.log)
}

func TestFullLifecycle_SlotReadBeforeStatusPoll(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.recordReads = true

	_, err := FullLifecycle(context.Background(), env.Env, testInput())
	require.NoError(t, err)

	var want []string
	for _, step := range FullLifecycleSteps {
		want = append(want, "wait", "submit", "slot")
		if step.Mode == NoPreflight {
			want = append(want, "outcome")
		}
	}
	assert.Equal(t, want, env.ev.log)
}

func TestFullLifecycle_UnexpectedOutcomeStillRecorded(t *testing.T) {
	for _, outcome := range []rpcclient.Outcome{rpcclient.OutcomeUnknown, rpcclient.OutcomeCommitted} {
		t.Run(outcome.String(), func(t *testing.T) {
			env := newTestEnv(t)
			env.gateway.forceOutcome = &outcome

			report, err := FullLifecycle(context.Background(), env.Env, testInput())
			require.NoError(t, err)
			require.Len(t, report.Steps, len(FullLifecycleSteps))

			got := outcomes(report)
			assert.Equal(t, outcome, got["upgrade-after-close"])
			assert.Equal(t, outcome, got["deploy-existing-identity"])

			// the final step reused the redeploy buffer and still went out
			last := report.Steps[len(report.Steps)-1]
			assert.Equal(t, "deploy-existing-identity", last.Step.Name)
			assert.Equal(t, report.Steps[len(report.Steps)-2].Buffer, last.Buffer)
			_, ok := env.ledger.Record(last.Signature)
			assert.True(t, ok)
		})
	}
}

func TestFullLifecycle_Output(t *testing.T) {
	env := newTestEnv(t)

	report, err := FullLifecycle(context.Background(), env.Env, testInput())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(env.out.String()), "\n")
	require.Len(t, lines, len(FullLifecycleSteps))
	assert.True(t, strings.HasPrefix(lines[0], "Deployed Program Signature: "+report.Steps[0].Signature.String()))
	assert.True(t, strings.HasPrefix(lines[6], "Tried Deploying on Closed Program Signature: "))
}

func TestFullLifecycle_Metrics(t *testing.T) {
	env := newTestEnv(t)

	_, err := FullLifecycle(context.Background(), env.Env, testInput())
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(env.Metrics.Registry(), "ledgergen_steps_total")
	require.NoError(t, err)
	assert.Equal(t, len(FullLifecycleSteps), count)
}

func TestFullLifecycle_EmptyProgram_Failure(t *testing.T) {
	env := newTestEnv(t)

	report, err := FullLifecycle(context.Background(), env.Env, Input{})
	assert.ErrorIs(t, err, ErrEmptyProgram)
	assert.Empty(t, report.Steps)
}

func TestFullLifecycle_TransportError_Fatal(t *testing.T) {
	env := newTestEnv(t)
	boom := errors.New("dial tcp 127.0.0.1:8899: connection refused")
	env.gateway.failNoPreflight = boom

	report, err := FullLifecycle(context.Background(), env.Env, testInput())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "invoke", stepErr.Step)
	// the deploy completed and the invoke that hit the transport error is kept
	require.Len(t, report.Steps, 2)
	failed := report.Steps[1]
	assert.Equal(t, "invoke", failed.Step.Name)
	assert.Equal(t, rpcclient.OutcomeUnknown, failed.Outcome)
	assert.ErrorIs(t, failed.Err, boom)
	assert.NotNil(t, failed.Tx)
}

type closeWithoutAuthority struct {
	Builder
}

func (b closeWithoutAuthority) CloseInstructions(program solana.PublicKey) ([]solana.Instruction, error) {
	stranger := solana.NewWallet().PublicKey()
	instr, err := programs.CloseProgramInstruction(program, b.Payer(), stranger)
	if err != nil {
		return nil, err
	}
	return []solana.Instruction{instr}, nil
}

func TestFullLifecycle_MustSucceedRejected_Fatal(t *testing.T) {
	env := newTestEnv(t)
	env.Builder = closeWithoutAuthority{Builder: env.Builder}

	report, err := FullLifecycle(context.Background(), env.Env, testInput())
	require.Error(t, err)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "close", stepErr.Step)
	assert.True(t, rpcclient.IsRejection(err))

	// the rejected close is part of the report so the fixture carries it
	require.Len(t, report.Steps, 5)
	closed := report.Steps[4]
	assert.Equal(t, "close", closed.Step.Name)
	assert.Equal(t, rpcclient.OutcomeRejected, closed.Outcome)
	assert.NotEqual(t, solana.Signature{}, closed.Signature)
	require.NotNil(t, closed.Tx)
	assert.Equal(t, closed.Signature, closed.Tx.Signatures[0])
	assert.Error(t, closed.Err)
}

func TestSameSlot_InvokeFollowsDeployWithoutWait(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.recordReads = true

	report, err := SameSlotDeployInvoke(context.Background(), env.Env, testInput())
	require.NoError(t, err)
	require.Len(t, report.Steps, 2)

	// no wait or status poll between the two sends
	assert.Equal(t, []string{"wait", "submit", "slot", "submit", "slot", "outcome", "outcome"}, env.ev.log)
	assert.Equal(t, map[string]rpcclient.Outcome{
		"deploy": rpcclient.OutcomeCommitted,
		"invoke": rpcclient.OutcomeCommitted,
	}, outcomes(report))

	count, err := testutil.GatherAndCount(env.Metrics.Registry(), "ledgergen_steps_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	invoke := report.Steps[1]
	require.NotNil(t, invoke.Tx)
	var invoked bool
	for _, instr := range invoke.Tx.Message.Instructions {
		if invoke.Tx.Message.AccountKeys[instr.ProgramIDIndex].Equals(report.ProgramID) {
			invoked = true
		}
	}
	assert.True(t, invoked, "invoke must call the program the deploy step created")
	assert.Equal(t, report.Steps[0].Program, report.ProgramID)

	assert.Contains(t, env.out.String(), "Program Id: "+report.ProgramID.String())
}

func TestSubmit_MissingFeePayer_Fatal(t *testing.T) {
	env := newTestEnv(t)
	r := newRun("test", env.Env)

	runKey, instrs, err := env.Builder.InvokeInstructions(context.Background(), solana.NewWallet().PublicKey(), []byte{1})
	require.NoError(t, err)

	step := Step{Name: "invoke", Label: "Invoked Program", Expect: MustSucceed, Mode: Confirm}
	_, err = r.submit(context.Background(), step, instrs, []solana.PrivateKey{runKey}, solana.PublicKey{}, nil)
	require.Error(t, err)

	var rpcErr *jsonrpc.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32003, rpcErr.Code)
	assert.Empty(t, env.ledger.Records())
}

func TestSubmit_MissingSigner_RecordedWhenAllowedToFail(t *testing.T) {
	env := newTestEnv(t)
	r := newRun("test", env.Env)

	_, instrs, err := env.Builder.InvokeInstructions(context.Background(), solana.NewWallet().PublicKey(), []byte{1})
	require.NoError(t, err)

	step := Step{Name: "invoke", Label: "Invoked Program", Expect: MayFail, Mode: NoPreflight}
	result, err := r.submit(context.Background(), step, instrs, []solana.PrivateKey{env.Payer}, solana.PublicKey{}, nil)
	require.NoError(t, err)
	assert.Equal(t, rpcclient.OutcomeRejected, result.Outcome)
	assert.Error(t, result.Err)
	assert.Contains(t, env.out.String(), "Invoked Program Rejected: ")
}

func TestBufferLedger_OnlyCommittedMustSucceedConsumes(t *testing.T) {
	ledger := newBufferLedger()
	buffer := solana.NewWallet().PublicKey()

	upgrade := Step{Name: "upgrade", Expect: MustSucceed}
	ledger.settle(buffer, upgrade, rpcclient.OutcomeRejected)
	require.NoError(t, ledger.check(buffer, "upgrade"))

	upgradeClosed := Step{Name: "upgrade-after-close", Expect: ExpectRejection}
	for _, outcome := range []rpcclient.Outcome{rpcclient.OutcomeRejected, rpcclient.OutcomeUnknown, rpcclient.OutcomeCommitted} {
		ledger.settle(buffer, upgradeClosed, outcome)
		require.NoError(t, ledger.check(buffer, "deploy-existing-identity"), outcome.String())
	}

	ledger.settle(buffer, upgrade, rpcclient.OutcomeCommitted)
	err := ledger.check(buffer, "again")
	assert.ErrorIs(t, err, ErrBufferReused)
}

func TestSteps_WaitPolicy(t *testing.T) {
	for _, step := range FullLifecycleSteps {
		assert.Equal(t, uint64(1), step.PreWaitSlots, step.Name)
		if step.Expect == MustSucceed {
			assert.Equal(t, Confirm, step.Mode, step.Name)
		} else {
			assert.Equal(t, NoPreflight, step.Mode, step.Name)
		}
	}

	assert.Equal(t, uint64(0), SameSlotSteps[1].PreWaitSlots)
	for _, step := range SameSlotSteps {
		assert.Equal(t, NoPreflight, step.Mode, step.Name)
	}
}
