package programs_test

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.firedancer.io/ledgergen/pkg/ledgertest"
	"go.firedancer.io/ledgergen/pkg/programs"
	"go.firedancer.io/ledgergen/pkg/txn"
)

func newBuilder(t *testing.T, opts programs.Options) (*programs.Builder, *ledgertest.Ledger, solana.PrivateKey) {
	payer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	ledger := ledgertest.New(1000, payer.PublicKey())
	return programs.NewBuilder(ledger, payer, opts), ledger, payer
}

func programBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 31)
	}
	return data
}

func TestBuilder_StageBuffer(t *testing.T) {
	builder, ledger, payer := newBuilder(t, programs.Options{WriteChunkSize: 100, WriteConcurrency: 4})
	data := programBytes(1050)

	buffer, err := builder.StageBuffer(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), buffer.ProgramLen)

	acct, ok := ledger.Account(buffer.Address)
	require.True(t, ok)
	assert.Equal(t, programs.BpfLoaderUpgradeableAddr, acct.Owner)
	assert.Equal(t, data, acct.Data[programs.UpgradeableLoaderSizeOfBufferMetaData:])

	state, err := programs.FetchLoaderState(context.Background(), ledger, buffer.Address)
	require.NoError(t, err)
	assert.Equal(t, uint32(programs.UpgradeableLoaderStateTypeBuffer), state.Type)
	assert.Equal(t, payer.PublicKey(), *state.Buffer.AuthorityAddress)

	// create+init, then eleven writes
	assert.Len(t, ledger.Records(), 12)
}

// rotatingLedger hands out a new blockhash on every request.
type rotatingLedger struct {
	*ledgertest.Ledger
	mu    sync.Mutex
	calls int
}

func (l *rotatingLedger) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	var hash solana.Hash
	hash[0], hash[1] = byte(l.calls), byte(l.calls>>8)
	return hash, nil
}

func TestBuilder_StageBuffer_FreshBlockhashPerWrite(t *testing.T) {
	payer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	ledger := &rotatingLedger{Ledger: ledgertest.New(1000, payer.PublicKey())}
	builder := programs.NewBuilder(ledger, payer, programs.Options{WriteChunkSize: 100, WriteConcurrency: 4})

	_, err = builder.StageBuffer(context.Background(), programBytes(1050))
	require.NoError(t, err)

	records := ledger.Records()
	require.Len(t, records, 12)
	seen := make(map[solana.Hash]bool)
	for _, rec := range records {
		seen[rec.Tx.Message.RecentBlockhash] = true
	}
	assert.Len(t, seen, len(records))
}

func TestBuilder_StageBuffer_ProgressOutput(t *testing.T) {
	progress := new(bytes.Buffer)
	builder, _, _ := newBuilder(t, programs.Options{WriteChunkSize: 64, Progress: progress})

	buffer, err := builder.StageBuffer(context.Background(), programBytes(300))
	require.NoError(t, err)
	assert.Equal(t, uint64(300), buffer.ProgramLen)
}

func TestBuilder_StageBuffer_Empty_Failure(t *testing.T) {
	builder, ledger, _ := newBuilder(t, programs.Options{})

	_, err := builder.StageBuffer(context.Background(), nil)
	assert.Error(t, err)
	assert.Empty(t, ledger.Records())
}

func TestBuilder_DeployUpgradeClose(t *testing.T) {
	ctx := context.Background()
	builder, ledger, payer := newBuilder(t, programs.Options{WriteChunkSize: 128})
	data := programBytes(500)

	deployBuffer, err := builder.StageBuffer(ctx, data)
	require.NoError(t, err)
	upgradeBuffer, err := builder.StageBuffer(ctx, data)
	require.NoError(t, err)

	submit := func(instrs []solana.Instruction, signers ...solana.PrivateKey) error {
		blockhash, err := ledger.LatestBlockhash(ctx)
		require.NoError(t, err)
		tx, err := txn.Compose(instrs, payer.PublicKey(), append([]solana.PrivateKey{payer}, signers...), blockhash)
		require.NoError(t, err)
		_, err = ledger.SubmitAndConfirm(ctx, tx)
		return err
	}

	programKey, instrs, err := builder.DeployInstructions(ctx, nil, deployBuffer, deployBuffer.ProgramLen)
	require.NoError(t, err)
	require.NoError(t, submit(instrs, programKey))

	state, err := programs.FetchLoaderState(ctx, ledger, programKey.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, uint32(programs.UpgradeableLoaderStateTypeProgram), state.Type)
	_, ok := ledger.Account(deployBuffer.Address)
	assert.False(t, ok, "deploy consumes its buffer")

	runKey, instrs, err := builder.InvokeInstructions(ctx, programKey.PublicKey(), []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, submit(instrs, runKey))
	run, ok := ledger.Account(runKey.PublicKey())
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), run.Data)

	instrs, err = builder.UpgradeInstructions(upgradeBuffer, programKey.PublicKey())
	require.NoError(t, err)
	require.NoError(t, submit(instrs))

	instrs, err = builder.CloseInstructions(programKey.PublicKey())
	require.NoError(t, err)
	require.NoError(t, submit(instrs))

	programData, err := programs.ProgramDataAddress(programKey.PublicKey())
	require.NoError(t, err)
	_, ok = ledger.Account(programData)
	assert.False(t, ok, "close removes programdata")

	// a consumed buffer cannot be used again
	instrs, err = builder.UpgradeInstructions(upgradeBuffer, programKey.PublicKey())
	require.NoError(t, err)
	assert.Error(t, submit(instrs))
}

func TestBuilder_DeployInstructions_ReusesIdentity(t *testing.T) {
	builder, _, _ := newBuilder(t, programs.Options{})
	existing, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	buffer := programs.Buffer{Address: solana.NewWallet().PublicKey(), ProgramLen: 10}
	programKey, instrs, err := builder.DeployInstructions(context.Background(), &existing, buffer, 10)
	require.NoError(t, err)

	assert.Equal(t, existing.PublicKey(), programKey.PublicKey())
	require.Len(t, instrs, 2)
	assert.Equal(t, solana.SystemProgramID, instrs[0].ProgramID())
	assert.Equal(t, programs.BpfLoaderUpgradeableAddr, instrs[1].ProgramID())
}
