package rpcclient

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrNotConfirmed    = errors.New("transaction not confirmed within poll budget")
)

// TransactionError is an on-chain failure reported in a signature status.
type TransactionError struct {
	Signature solana.Signature
	Slot      uint64
	Err       interface{}
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s failed in slot %d: %v", e.Signature, e.Slot, e.Err)
}

// IsRejection reports whether err means the ledger (or the node's sanity
// checks) refused the transaction, as opposed to the request never being
// answered.
func IsRejection(err error) bool {
	var txErr *TransactionError
	if errors.As(err, &txErr) {
		return true
	}

	var rpcErr *jsonrpc.RPCError
	return errors.As(err, &rpcErr)
}
