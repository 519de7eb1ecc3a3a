package rpcclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"k8s.io/klog/v2"
)

var errPending = errors.New("signature status pending")

// SubmitAndConfirm sends tx with preflight checks and waits until it reaches
// the configured commitment. An on-chain failure is returned as
// *TransactionError.
func (c *RpcClient) SubmitAndConfirm(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentProcessed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sendTransaction: %w", err)
	}

	outcome, err := c.pollStatus(ctx, sig, c.confirm.MaxAttempts)
	if err != nil {
		return sig, err
	}
	if outcome == OutcomeUnknown {
		return sig, fmt.Errorf("%w: %s", ErrNotConfirmed, sig)
	}

	return sig, nil
}

// SubmitNoPreflight sends tx without simulation and returns once the node has
// accepted it.
func (c *RpcClient) SubmitNoPreflight(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: rpc.CommitmentProcessed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sendTransaction (skip preflight): %w", err)
	}
	return sig, nil
}

// SignatureOutcome polls the status of sig until it is committed or failed.
// A transaction that never shows up within the poll budget is reported as
// OutcomeUnknown without error.
func (c *RpcClient) SignatureOutcome(ctx context.Context, sig solana.Signature) (Outcome, error) {
	outcome, err := c.pollStatus(ctx, sig, c.confirm.MaxAttempts)
	var txErr *TransactionError
	if errors.As(err, &txErr) {
		return OutcomeRejected, nil
	}
	return outcome, err
}

func (c *RpcClient) pollStatus(ctx context.Context, sig solana.Signature, maxAttempts uint64) (Outcome, error) {
	outcome := OutcomeUnknown

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.confirm.PollInterval), maxAttempts),
		ctx,
	)

	err := backoff.Retry(func() error {
		result, err := c.client.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("getSignatureStatuses: %w", err))
		}
		if result == nil || len(result.Value) == 0 || result.Value[0] == nil {
			klog.V(2).Infof("signature %s not yet visible", sig)
			return errPending
		}

		status := result.Value[0]
		if status.Err != nil {
			outcome = OutcomeRejected
			return backoff.Permanent(&TransactionError{Signature: sig, Slot: status.Slot, Err: status.Err})
		}
		if !reachedCommitment(status.ConfirmationStatus, c.confirm.Commitment) {
			klog.V(2).Infof("signature %s at %s, waiting for %s", sig, status.ConfirmationStatus, c.confirm.Commitment)
			return errPending
		}

		outcome = OutcomeCommitted
		return nil
	}, policy)

	if errors.Is(err, errPending) {
		return OutcomeUnknown, nil
	}
	return outcome, err
}

func reachedCommitment(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	switch want {
	case rpc.CommitmentFinalized:
		return status == rpc.ConfirmationStatusFinalized
	case rpc.CommitmentConfirmed:
		return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized
	default:
		return status != ""
	}
}
