package scenario

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"go.firedancer.io/ledgergen/pkg/rpcclient"
)

// bufferLedger tracks which staged buffers a step has consumed. Only a
// committed MustSucceed step consumes its buffer. Steps that may fail or are
// expected to be rejected record whatever the cluster did without claiming
// the buffer, so a later step referencing it still gets submitted.
type bufferLedger struct {
	consumedBy map[solana.PublicKey]string
}

func newBufferLedger() *bufferLedger {
	return &bufferLedger{consumedBy: make(map[solana.PublicKey]string)}
}

func (b *bufferLedger) check(buffer solana.PublicKey, step string) error {
	if prev, ok := b.consumedBy[buffer]; ok {
		return fmt.Errorf("%w: %s used by %s, referenced again by %s", ErrBufferReused, buffer, prev, step)
	}
	return nil
}

func (b *bufferLedger) settle(buffer solana.PublicKey, step Step, outcome rpcclient.Outcome) {
	if step.Expect != MustSucceed || outcome != rpcclient.OutcomeCommitted {
		return
	}
	b.consumedBy[buffer] = step.Name
}
