package rpcclient

import (
	"time"

	"github.com/gagliardetto/solana-go/rpc"
)

// ConfirmPolicy bounds how long SubmitAndConfirm and SignatureOutcome poll
// signature statuses.
type ConfirmPolicy struct {
	PollInterval time.Duration
	MaxAttempts  uint64
	Commitment   rpc.CommitmentType
}

func DefaultConfirmPolicy() ConfirmPolicy {
	return ConfirmPolicy{
		PollInterval: 250 * time.Millisecond,
		MaxAttempts:  120,
		Commitment:   rpc.CommitmentConfirmed,
	}
}

type RpcClient struct {
	client  *rpc.Client
	confirm ConfirmPolicy
}

func NewRpcClient(endpoint string) *RpcClient {
	client := rpc.New(endpoint)
	return &RpcClient{client: client, confirm: DefaultConfirmPolicy()}
}

func (c *RpcClient) SetConfirmPolicy(policy ConfirmPolicy) {
	c.confirm = policy
}
