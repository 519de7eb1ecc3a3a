package scenario

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// FullLifecycle stages three buffers, deploys, invokes, upgrades, invokes
// again and closes the program, then lands an upgrade and a redeploy against
// the closed program. Those last two are expected to be rejected.
//
// The returned report covers every step that completed, including when an
// error aborts the scenario.
func FullLifecycle(ctx context.Context, env Env, input Input) (*Report, error) {
	r := newRun(NameFullLifecycle, env)
	payer := env.Payer

	buffers, err := r.stage(ctx, input.ProgramData, bufferDeploy, bufferUpgrade, bufferRedeploy)
	if err != nil {
		return r.report, err
	}
	programLen := uint64(len(input.ProgramData))

	// deploy
	deployBuffer := buffers[bufferDeploy]
	programKey, instrs, err := env.Builder.DeployInstructions(ctx, nil, deployBuffer, programLen)
	if err != nil {
		return r.report, r.fail(stepDeploy.Name, err)
	}
	program := programKey.PublicKey()
	r.report.ProgramID = program
	_, err = r.submit(ctx, stepDeploy, instrs, []solana.PrivateKey{payer, programKey}, program, &deployBuffer)
	if err != nil {
		return r.report, err
	}

	// invoke
	err = r.invoke(ctx, stepInvoke, program, input.AccountData)
	if err != nil {
		return r.report, err
	}

	// upgrade
	upgradeBuffer := buffers[bufferUpgrade]
	instrs, err = env.Builder.UpgradeInstructions(upgradeBuffer, program)
	if err != nil {
		return r.report, r.fail(stepUpgrade.Name, err)
	}
	_, err = r.submit(ctx, stepUpgrade, instrs, []solana.PrivateKey{payer}, program, &upgradeBuffer)
	if err != nil {
		return r.report, err
	}

	// invoke the upgraded program
	err = r.invoke(ctx, stepInvokeUpgraded, program, input.AccountData)
	if err != nil {
		return r.report, err
	}

	// close
	instrs, err = env.Builder.CloseInstructions(program)
	if err != nil {
		return r.report, r.fail(stepClose.Name, err)
	}
	_, err = r.submit(ctx, stepClose, instrs, []solana.PrivateKey{payer}, program, nil)
	if err != nil {
		return r.report, err
	}

	// upgrade the closed program
	redeployBuffer := buffers[bufferRedeploy]
	instrs, err = env.Builder.UpgradeInstructions(redeployBuffer, program)
	if err != nil {
		return r.report, r.fail(stepUpgradeClosed.Name, err)
	}
	_, err = r.submit(ctx, stepUpgradeClosed, instrs, []solana.PrivateKey{payer}, program, &redeployBuffer)
	if err != nil {
		return r.report, err
	}

	// deploy again under the closed program's identity
	reusedKey, instrs, err := env.Builder.DeployInstructions(ctx, &programKey, redeployBuffer, programLen)
	if err != nil {
		return r.report, r.fail(stepRedeployClosed.Name, err)
	}
	if !reusedKey.PublicKey().Equals(program) {
		return r.report, r.fail(stepRedeployClosed.Name, fmt.Errorf("%w: builder returned %s instead of %s", ErrUnexpectedState, reusedKey.PublicKey(), program))
	}
	_, err = r.submit(ctx, stepRedeployClosed, instrs, []solana.PrivateKey{payer, reusedKey}, program, &redeployBuffer)
	if err != nil {
		return r.report, err
	}

	return r.report, nil
}

func (r *run) invoke(ctx context.Context, step Step, program solana.PublicKey, accountData []byte) error {
	runKey, instrs, err := r.env.Builder.InvokeInstructions(ctx, program, accountData)
	if err != nil {
		return r.fail(step.Name, err)
	}
	_, err = r.submit(ctx, step, instrs, []solana.PrivateKey{r.env.Payer, runKey}, program, nil)
	return err
}
