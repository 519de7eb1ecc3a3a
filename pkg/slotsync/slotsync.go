package slotsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go/rpc"
	"k8s.io/klog/v2"
)

var ErrSlotWaitExceeded = errors.New("ledger did not advance enough slots within the wait budget")

var errBehind = errors.New("slot target not reached")

type SlotSource interface {
	CurrentSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

// Policy bounds a wait. Either limit may be zero to disable it, but not both.
type Policy struct {
	PollInterval time.Duration
	MaxAttempts  uint64
	Timeout      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		PollInterval: 100 * time.Millisecond,
		MaxAttempts:  600,
		Timeout:      90 * time.Second,
	}
}

type Waiter struct {
	source SlotSource
	policy Policy
}

func NewWaiter(source SlotSource, policy Policy) *Waiter {
	return &Waiter{source: source, policy: policy}
}

// WaitAtLeast blocks until the processed slot is at least n past the slot
// observed on entry.
func (w *Waiter) WaitAtLeast(ctx context.Context, n uint64) error {
	start, err := w.source.CurrentSlot(ctx, rpc.CommitmentProcessed)
	if err != nil {
		return fmt.Errorf("reading start slot: %w", err)
	}
	if n == 0 {
		return nil
	}

	target := start + n
	parent := ctx
	if w.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.policy.Timeout)
		defer cancel()
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(w.policy.PollInterval)
	if w.policy.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, w.policy.MaxAttempts)
	}

	var last uint64
	err = backoff.Retry(func() error {
		slot, err := w.source.CurrentSlot(ctx, rpc.CommitmentProcessed)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return backoff.Permanent(fmt.Errorf("polling slot: %w", err))
		}
		last = slot
		if slot < target {
			klog.V(2).Infof("slot %d, waiting for %d", slot, target)
			return errBehind
		}
		return nil
	}, backoff.WithContext(b, ctx))

	switch {
	case err == nil:
		return nil
	case parent.Err() != nil:
		return parent.Err()
	case errors.Is(err, errBehind), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: started at %d, wanted %d, last saw %d", ErrSlotWaitExceeded, start, target, last)
	default:
		return err
	}
}
