package rpcclient

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

func (c *RpcClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	result, err := c.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("getLatestBlockhash: %w", err)
	}
	return result.Value.Blockhash, nil
}

func (c *RpcClient) CurrentSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	slot, err := c.client.GetSlot(ctx, commitment)
	if err != nil {
		return 0, fmt.Errorf("getSlot: %w", err)
	}
	return slot, nil
}

func (c *RpcClient) MinimumBalanceForRentExemption(ctx context.Context, dataLen uint64) (uint64, error) {
	lamports, err := c.client.GetMinimumBalanceForRentExemption(ctx, dataLen, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("getMinimumBalanceForRentExemption(%d): %w", dataLen, err)
	}
	return lamports, nil
}

// AccountData returns the data and owner of an account, or ErrAccountNotFound.
func (c *RpcClient) AccountData(ctx context.Context, pubkey solana.PublicKey) ([]byte, solana.PublicKey, error) {
	result, err := c.client.GetAccountInfoWithOpts(ctx, pubkey, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		if err == rpc.ErrNotFound {
			return nil, solana.PublicKey{}, ErrAccountNotFound
		}
		return nil, solana.PublicKey{}, fmt.Errorf("getAccountInfo %s: %w", pubkey, err)
	}
	if result == nil || result.Value == nil {
		return nil, solana.PublicKey{}, ErrAccountNotFound
	}

	return result.Value.Data.GetBinary(), result.Value.Owner, nil
}
