package slotsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ticker advances by step on every read.
type ticker struct {
	mu    sync.Mutex
	slot  uint64
	step  uint64
	reads int
	err   error
}

func (t *ticker) CurrentSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if commitment != rpc.CommitmentProcessed {
		return 0, errors.New("unexpected commitment")
	}
	if t.err != nil && t.reads > 0 {
		return 0, t.err
	}
	t.reads++
	current := t.slot
	t.slot += t.step
	return current, nil
}

func fastPolicy() Policy {
	return Policy{PollInterval: time.Millisecond, MaxAttempts: 50, Timeout: time.Second}
}

func TestWaitAtLeast_Advances(t *testing.T) {
	src := &ticker{slot: 100, step: 1}
	w := NewWaiter(src, fastPolicy())

	err := w.WaitAtLeast(context.Background(), 3)
	require.NoError(t, err)

	// entry read plus polls at 101, 102, 103
	assert.Equal(t, 4, src.reads)
	assert.GreaterOrEqual(t, src.slot, uint64(103))
}

func TestWaitAtLeast_Zero(t *testing.T) {
	src := &ticker{slot: 5, step: 0}
	w := NewWaiter(src, fastPolicy())

	assert.NoError(t, w.WaitAtLeast(context.Background(), 0))
	assert.Equal(t, 1, src.reads)
}

func TestWaitAtLeast_StalledLedger_MaxAttempts(t *testing.T) {
	src := &ticker{slot: 7, step: 0}
	w := NewWaiter(src, Policy{PollInterval: time.Millisecond, MaxAttempts: 5})

	err := w.WaitAtLeast(context.Background(), 1)
	assert.ErrorIs(t, err, ErrSlotWaitExceeded)
	// entry read, first poll, five retries
	assert.Equal(t, 7, src.reads)
}

func TestWaitAtLeast_StalledLedger_Timeout(t *testing.T) {
	src := &ticker{slot: 7, step: 0}
	w := NewWaiter(src, Policy{PollInterval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond})

	start := time.Now()
	err := w.WaitAtLeast(context.Background(), 1)
	assert.ErrorIs(t, err, ErrSlotWaitExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitAtLeast_SourceError_Fatal(t *testing.T) {
	boom := errors.New("connection refused")
	src := &ticker{slot: 1, step: 0, err: boom}
	w := NewWaiter(src, fastPolicy())

	err := w.WaitAtLeast(context.Background(), 1)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrSlotWaitExceeded)
}

func TestWaitAtLeast_Cancelled(t *testing.T) {
	src := &ticker{slot: 1, step: 0}
	w := NewWaiter(src, Policy{PollInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := w.WaitAtLeast(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
