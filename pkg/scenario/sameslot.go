package scenario

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// SameSlotDeployInvoke deploys a program and invokes it right away, with no
// slot wait between the two transactions. Both are sent without preflight so
// the ledger decides whether the invoke can see the fresh deployment. Their
// outcomes are polled only after the invoke is sent.
func SameSlotDeployInvoke(ctx context.Context, env Env, input Input) (*Report, error) {
	r := newRun(NameSameSlot, env)

	buffers, err := r.stage(ctx, input.ProgramData, bufferDeploy)
	if err != nil {
		return r.report, err
	}

	deployBuffer := buffers[bufferDeploy]
	programKey, instrs, err := env.Builder.DeployInstructions(ctx, nil, deployBuffer, uint64(len(input.ProgramData)))
	if err != nil {
		return r.report, r.fail(stepSameSlotDeploy.Name, err)
	}
	program := programKey.PublicKey()
	r.report.ProgramID = program

	// built up front so nothing but the send separates the two steps
	runKey, invokeInstrs, err := env.Builder.InvokeInstructions(ctx, program, input.AccountData)
	if err != nil {
		return r.report, r.fail(stepSameSlotInvoke.Name, err)
	}

	_, err = r.submit(ctx, stepSameSlotDeploy, instrs, []solana.PrivateKey{env.Payer, programKey}, program, &deployBuffer)
	if err != nil {
		return r.report, err
	}
	_, err = r.submit(ctx, stepSameSlotInvoke, invokeInstrs, []solana.PrivateKey{env.Payer, runKey}, program, nil)
	if err != nil {
		return r.report, err
	}

	if err := r.resolve(ctx); err != nil {
		return r.report, err
	}

	if env.Out != nil {
		fmt.Fprintf(env.Out, "Program Id: %s\n", program)
	}
	return r.report, nil
}
