package programs

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/alitto/pond"
	"github.com/gagliardetto/solana-go"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"go.firedancer.io/ledgergen/pkg/txn"
	"k8s.io/klog/v2"
)

const DefaultWriteChunkSize = 900
const DefaultWriteConcurrency = 8

// Ledger is the subset of the RPC gateway the builder needs for staging and
// rent queries.
type Ledger interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	MinimumBalanceForRentExemption(ctx context.Context, dataLen uint64) (uint64, error)
	SubmitAndConfirm(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	AccountData(ctx context.Context, pubkey solana.PublicKey) ([]byte, solana.PublicKey, error)
}

// Buffer is a staged upgradeable loader buffer holding ProgramLen bytes.
type Buffer struct {
	Address    solana.PublicKey
	ProgramLen uint64
}

type Options struct {
	WriteChunkSize   int
	WriteConcurrency int
	// Progress receives buffer write progress bars. Nil disables them.
	Progress io.Writer
}

type Builder struct {
	ledger Ledger
	payer  solana.PrivateKey
	opts   Options
}

func NewBuilder(ledger Ledger, payer solana.PrivateKey, opts Options) *Builder {
	if opts.WriteChunkSize <= 0 {
		opts.WriteChunkSize = DefaultWriteChunkSize
	}
	if opts.WriteConcurrency <= 0 {
		opts.WriteConcurrency = DefaultWriteConcurrency
	}
	return &Builder{ledger: ledger, payer: payer, opts: opts}
}

func (b *Builder) Payer() solana.PublicKey {
	return b.payer.PublicKey()
}

// StageBuffer creates a buffer account with the payer as authority and
// writes programData into it. Chunks are written concurrently; each write is
// confirmed before StageBuffer returns. Every write is bound to a blockhash
// fetched just before it is sent, so large programs do not outlive the one
// used to create the buffer.
func (b *Builder) StageBuffer(ctx context.Context, programData []byte) (Buffer, error) {
	if len(programData) == 0 {
		return Buffer{}, fmt.Errorf("empty program data")
	}

	bufferKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		return Buffer{}, err
	}
	buffer := Buffer{Address: bufferKey.PublicKey(), ProgramLen: uint64(len(programData))}

	size := SizeOfBuffer(buffer.ProgramLen)
	lamports, err := b.ledger.MinimumBalanceForRentExemption(ctx, size)
	if err != nil {
		return Buffer{}, err
	}

	blockhash, err := b.ledger.LatestBlockhash(ctx)
	if err != nil {
		return Buffer{}, err
	}

	instrs := []solana.Instruction{
		CreateAccountInstruction(b.Payer(), buffer.Address, BpfLoaderUpgradeableAddr, lamports, size),
		InitializeBufferInstruction(buffer.Address, b.Payer()),
	}
	tx, err := txn.Compose(instrs, b.Payer(), []solana.PrivateKey{b.payer, bufferKey}, blockhash)
	if err != nil {
		return Buffer{}, err
	}

	sig, err := b.ledger.SubmitAndConfirm(ctx, tx)
	if err != nil {
		return Buffer{}, fmt.Errorf("creating buffer %s: %w", buffer.Address, err)
	}
	klog.Infof("created buffer %s (%d bytes) in %s", buffer.Address, buffer.ProgramLen, sig)

	err = b.writeChunks(ctx, buffer, programData)
	if err != nil {
		return Buffer{}, err
	}

	state, err := FetchLoaderState(ctx, b.ledger, buffer.Address)
	if err != nil {
		return Buffer{}, err
	}
	if state.Type != UpgradeableLoaderStateTypeBuffer ||
		state.Buffer.AuthorityAddress == nil || !state.Buffer.AuthorityAddress.Equals(b.Payer()) {
		return Buffer{}, fmt.Errorf("buffer %s has unexpected state %s", buffer.Address, state)
	}

	return buffer, nil
}

func (b *Builder) writeChunks(ctx context.Context, buffer Buffer, programData []byte) error {
	var progress *mpb.Progress
	var bar *mpb.Bar
	if b.opts.Progress != nil {
		progress = mpb.NewWithContext(ctx, mpb.WithOutput(b.opts.Progress), mpb.WithWidth(48))
		bar = progress.AddBar(int64(len(programData)),
			mpb.PrependDecorators(decor.Name(buffer.Address.Short(4), decor.WCSyncSpaceR)),
			mpb.AppendDecorators(decor.CountersKibiByte("% .1f / % .1f")),
		)
	}

	numChunks := (len(programData) + b.opts.WriteChunkSize - 1) / b.opts.WriteChunkSize
	pool := pond.New(b.opts.WriteConcurrency, numChunks)
	defer pool.StopAndWait()

	var mu sync.Mutex
	latency := ewma.NewMovingAverage()

	group, gctx := pool.GroupContext(ctx)
	for offset := 0; offset < len(programData); offset += b.opts.WriteChunkSize {
		end := min(offset+b.opts.WriteChunkSize, len(programData))
		chunk := programData[offset:end]
		chunkOffset := uint32(offset)

		group.Submit(func() error {
			start := time.Now()
			err := b.writeChunk(gctx, buffer, chunkOffset, chunk)
			if err != nil {
				return err
			}
			mu.Lock()
			latency.Add(float64(time.Since(start)))
			mu.Unlock()
			if bar != nil {
				bar.IncrBy(len(chunk))
			}
			return nil
		})
	}

	err := group.Wait()
	if progress != nil {
		if err != nil {
			bar.Abort(false)
		}
		progress.Wait()
	}
	if err == nil {
		klog.V(1).Infof("wrote %d chunks to %s, write confirm latency ~%s",
			numChunks, buffer.Address, time.Duration(latency.Value()))
	}
	return err
}

func (b *Builder) writeChunk(ctx context.Context, buffer Buffer, offset uint32, chunk []byte) error {
	instr, err := WriteInstruction(buffer.Address, b.Payer(), offset, chunk)
	if err != nil {
		return err
	}

	blockhash, err := b.ledger.LatestBlockhash(ctx)
	if err != nil {
		return err
	}

	tx, err := txn.Compose([]solana.Instruction{instr}, b.Payer(), []solana.PrivateKey{b.payer}, blockhash)
	if err != nil {
		return err
	}

	_, err = b.ledger.SubmitAndConfirm(ctx, tx)
	if err != nil {
		return fmt.Errorf("writing %d bytes at offset %d of buffer %s: %w", len(chunk), offset, buffer.Address, err)
	}
	return nil
}

// DeployInstructions creates the program account and deploys buffer into it.
// A nil existing generates a fresh program keypair; passing one reuses that
// identity.
func (b *Builder) DeployInstructions(ctx context.Context, existing *solana.PrivateKey, buffer Buffer, programLen uint64) (solana.PrivateKey, []solana.Instruction, error) {
	var programKey solana.PrivateKey
	if existing != nil {
		programKey = *existing
	} else {
		key, err := solana.NewRandomPrivateKey()
		if err != nil {
			return nil, nil, err
		}
		programKey = key
	}

	lamports, err := b.ledger.MinimumBalanceForRentExemption(ctx, UpgradeableLoaderSizeOfProgram)
	if err != nil {
		return nil, nil, err
	}

	deploy, err := DeployWithMaxDataLenInstruction(b.Payer(), programKey.PublicKey(), buffer.Address, b.Payer(), programLen)
	if err != nil {
		return nil, nil, err
	}

	return programKey, []solana.Instruction{
		CreateAccountInstruction(b.Payer(), programKey.PublicKey(), BpfLoaderUpgradeableAddr, lamports, UpgradeableLoaderSizeOfProgram),
		deploy,
	}, nil
}

// InvokeInstructions creates a run account owned by program, sized for
// accountData, and calls program with it.
func (b *Builder) InvokeInstructions(ctx context.Context, program solana.PublicKey, accountData []byte) (solana.PrivateKey, []solana.Instruction, error) {
	runKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, nil, err
	}

	space := uint64(len(accountData))
	lamports, err := b.ledger.MinimumBalanceForRentExemption(ctx, space)
	if err != nil {
		return nil, nil, err
	}

	return runKey, []solana.Instruction{
		CreateAccountInstruction(b.Payer(), runKey.PublicKey(), program, lamports, space),
		InvokeInstruction(program, runKey.PublicKey(), b.Payer(), accountData),
	}, nil
}

func (b *Builder) UpgradeInstructions(buffer Buffer, program solana.PublicKey) ([]solana.Instruction, error) {
	upgrade, err := UpgradeInstruction(program, buffer.Address, b.Payer(), b.Payer())
	if err != nil {
		return nil, err
	}
	return []solana.Instruction{upgrade}, nil
}

func (b *Builder) CloseInstructions(program solana.PublicKey) ([]solana.Instruction, error) {
	closeInstr, err := CloseProgramInstruction(program, b.Payer(), b.Payer())
	if err != nil {
		return nil, err
	}
	return []solana.Instruction{closeInstr}, nil
}

type accountReader interface {
	AccountData(ctx context.Context, pubkey solana.PublicKey) ([]byte, solana.PublicKey, error)
}

// FetchLoaderState reads and decodes the upgradeable loader state of an
// account owned by the loader.
func FetchLoaderState(ctx context.Context, ledger accountReader, pubkey solana.PublicKey) (*UpgradeableLoaderState, error) {
	data, owner, err := ledger.AccountData(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	if !owner.Equals(BpfLoaderUpgradeableAddr) {
		return nil, fmt.Errorf("account %s is owned by %s, not the upgradeable loader", pubkey, owner)
	}
	return UnmarshalUpgradeableLoaderState(data)
}
