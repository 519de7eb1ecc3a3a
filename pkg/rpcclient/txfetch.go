package rpcclient

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// GetTransactionMeta returns the slot and status meta of a landed
// transaction. A transaction the node does not know wraps rpc.ErrNotFound.
func (c *RpcClient) GetTransactionMeta(ctx context.Context, sig solana.Signature) (uint64, *rpc.TransactionMeta, error) {
	maxSupportedTxVer := uint64(0)
	tx, err := c.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxSupportedTxVer,
	})

	if err != nil {
		return 0, nil, fmt.Errorf("getTransaction %s: %w", sig, err)
	}

	return tx.Slot, tx.Meta, nil
}
