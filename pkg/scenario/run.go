package scenario

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.firedancer.io/ledgergen/pkg/programs"
	"go.firedancer.io/ledgergen/pkg/rpcclient"
	"go.firedancer.io/ledgergen/pkg/txn"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

type run struct {
	name     string
	env      Env
	buffers  *bufferLedger
	report   *Report
	// deferred indexes report.Steps entries still waiting for an outcome
	deferred []int
}

func newRun(name string, env Env) *run {
	return &run{
		name:    name,
		env:     env,
		buffers: newBufferLedger(),
		report:  &Report{Scenario: name},
	}
}

func (r *run) fail(step string, err error) error {
	return &StepError{Scenario: r.name, Step: step, Err: err}
}

// stage creates one buffer per role. The buffers do not depend on each other,
// so they are staged concurrently.
func (r *run) stage(ctx context.Context, programData []byte, roles ...string) (map[string]programs.Buffer, error) {
	if len(programData) == 0 {
		return nil, r.fail("stage", ErrEmptyProgram)
	}

	staged := make([]programs.Buffer, len(roles))
	group, gctx := errgroup.WithContext(ctx)
	for i, role := range roles {
		i, role := i, role
		group.Go(func() error {
			buffer, err := r.env.Builder.StageBuffer(gctx, programData)
			if err != nil {
				return fmt.Errorf("staging %s buffer: %w", role, err)
			}
			staged[i] = buffer
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, r.fail("stage", err)
	}

	byRole := make(map[string]programs.Buffer, len(roles))
	for i, role := range roles {
		byRole[role] = staged[i]
		r.report.Buffers = append(r.report.Buffers, staged[i])
		r.env.Metrics.ObserveStagedBuffer(r.name)
		klog.Infof("%s: staged %s buffer %s", r.name, role, staged[i].Address)
	}
	return byRole, nil
}

// submit waits, composes, submits and records one step. Only failures that
// make the scenario meaningless are returned; rejections of steps that may
// fail are recorded in the result. Once a transaction has been sent it is
// recorded in the report even when the step aborts the scenario.
func (r *run) submit(ctx context.Context, step Step, instrs []solana.Instruction, signers []solana.PrivateKey, program solana.PublicKey, buffer *programs.Buffer) (StepResult, error) {
	result := StepResult{Step: step, Program: program}
	if buffer != nil {
		result.Buffer = buffer.Address.ToPointer()
		if err := r.buffers.check(buffer.Address, step.Name); err != nil {
			return result, r.fail(step.Name, err)
		}
	}

	if step.PreWaitSlots > 0 {
		if err := r.env.Waiter.WaitAtLeast(ctx, step.PreWaitSlots); err != nil {
			return result, r.fail(step.Name, err)
		}
		r.env.Metrics.ObserveSlotWait(r.name)
	}

	blockhash, err := r.env.Gateway.LatestBlockhash(ctx)
	if err != nil {
		return result, r.fail(step.Name, err)
	}

	tx, err := txn.Compose(instrs, r.env.Payer.PublicKey(), signers, blockhash)
	if err != nil {
		return result, r.fail(step.Name, err)
	}
	result.Tx = tx
	result.Signature = tx.Signatures[0]

	var sig solana.Signature
	switch step.Mode {
	case Confirm:
		sig, err = r.env.Gateway.SubmitAndConfirm(ctx, tx)
		if err == nil {
			result.Outcome = rpcclient.OutcomeCommitted
		}
	case NoPreflight:
		sig, err = r.env.Gateway.SubmitNoPreflight(ctx, tx)
	}

	if err != nil {
		result.Err = err
		if rpcclient.IsRejection(err) {
			result.Outcome = rpcclient.OutcomeRejected
		}
		if !rpcclient.IsRejection(err) || step.Expect == MustSucceed {
			return result, r.abort(result, sig, err)
		}
	}

	// the slot observed right after the send, before any status poll
	result.Slot, err = r.env.Gateway.CurrentSlot(ctx, rpc.CommitmentProcessed)
	if err != nil {
		return result, r.abort(result, sig, err)
	}

	if step.Mode == NoPreflight && result.Err == nil && !step.DeferOutcome {
		result.Outcome, err = r.env.Gateway.SignatureOutcome(ctx, sig)
		if err != nil {
			return result, r.abort(result, sig, fmt.Errorf("observing outcome of %s: %w", sig, err))
		}
	}

	if buffer != nil {
		r.buffers.settle(buffer.Address, step, result.Outcome)
	}

	r.print(result, sig)
	if step.DeferOutcome && result.Outcome == rpcclient.OutcomeUnknown && result.Err == nil {
		r.deferred = append(r.deferred, len(r.report.Steps))
	} else {
		r.env.Metrics.ObserveStep(r.name, step.Name, result.Outcome.String(), result.Slot)
	}
	r.report.Steps = append(r.report.Steps, result)
	return result, nil
}

// abort records a step whose transaction went out before the scenario had to
// stop, so the fixture keeps the failing transaction.
func (r *run) abort(result StepResult, sig solana.Signature, err error) error {
	if result.Err == nil {
		result.Err = err
	}
	klog.Errorf("%s: step %s aborted after sending %s: %v", r.name, result.Step.Name, result.Signature, err)
	r.print(result, sig)
	r.env.Metrics.ObserveStep(r.name, result.Step.Name, result.Outcome.String(), result.Slot)
	r.report.Steps = append(r.report.Steps, result)
	return r.fail(result.Step.Name, err)
}

// resolve polls the outcome of every deferred step, in submission order.
func (r *run) resolve(ctx context.Context) error {
	for _, i := range r.deferred {
		result := &r.report.Steps[i]
		outcome, err := r.env.Gateway.SignatureOutcome(ctx, result.Signature)
		if err != nil {
			return r.fail(result.Step.Name, fmt.Errorf("observing outcome of %s: %w", result.Signature, err))
		}
		result.Outcome = outcome
		klog.Infof("%s: step %s resolved %s", r.name, result.Step.Name, outcome)
		r.env.Metrics.ObserveStep(r.name, result.Step.Name, outcome.String(), result.Slot)
	}
	r.deferred = nil
	return nil
}

func (r *run) print(result StepResult, sig solana.Signature) {
	step := result.Step
	if step.Expect == ExpectRejection && result.Outcome == rpcclient.OutcomeCommitted {
		klog.Warningf("%s: step %s was expected to be rejected but committed in %s", r.name, step.Name, sig)
	}

	klog.Infof("%s: step %s (%s) %s", r.name, step.Name, step.Expect, result.Outcome)

	if r.env.Out == nil {
		return
	}
	if sig == (solana.Signature{}) {
		fmt.Fprintf(r.env.Out, "%s Rejected: %s (%v) - Slot: %d\n", step.Label, result.Signature, result.Err, result.Slot)
		return
	}
	fmt.Fprintf(r.env.Out, "%s Signature: %s - Slot: %d\n", step.Label, sig, result.Slot)
}
