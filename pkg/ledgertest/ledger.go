// Package ledgertest provides an in-memory ledger that executes the system
// and upgradeable loader instructions ledgergen emits. It is shared by tests
// of the builder and the scenario drivers.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"go.firedancer.io/ledgergen/pkg/programs"
	"go.firedancer.io/ledgergen/pkg/rpcclient"
)

var (
	ErrAccountInUse     = errors.New("account already in use")
	ErrMissingSignature = errors.New("missing required signature")
	ErrInvalidAccount   = errors.New("invalid account data for instruction")
	ErrIncorrectAuth    = errors.New("incorrect authority provided")
	ErrNotExecutable    = errors.New("program is not executable")
	ErrUnsupported      = errors.New("unsupported instruction")
)

type Account struct {
	Lamports   uint64
	Owner      solana.PublicKey
	Data       []byte
	Executable bool
}

func (a *Account) clone() *Account {
	c := *a
	c.Data = append([]byte(nil), a.Data...)
	return &c
}

// Record is a transaction that reached the ledger.
type Record struct {
	Signature solana.Signature
	Slot      uint64
	Err       error
	Tx        *solana.Transaction
	Preflight bool
}

type Ledger struct {
	mu        sync.Mutex
	slot      uint64
	blockhash solana.Hash
	accounts  map[solana.PublicKey]*Account
	records   []*Record
	bySig     map[solana.Signature]*Record

	// Rent decides the exemption minimum reported to callers and enforced
	// on every account a transaction writes.
	Rent Rent

	// SlotReads counts CurrentSlot calls.
	SlotReads int
	// FailTransport makes every submission fail as if the node were
	// unreachable.
	FailTransport error
}

// New returns a ledger at slot with payer funded.
func New(slot uint64, payer solana.PublicKey) *Ledger {
	l := &Ledger{
		slot:      slot,
		blockhash: solana.HashFromBytes([]byte("ledgertest-blockhash-0000000000!")),
		accounts:  make(map[solana.PublicKey]*Account),
		bySig:     make(map[solana.Signature]*Record),
		Rent:      DefaultRent,
	}
	l.accounts[payer] = &Account{Lamports: 1_000_000_000_000, Owner: solana.SystemProgramID}
	return l
}

func (l *Ledger) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	return l.blockhash, nil
}

// CurrentSlot advances the ledger by one slot on every read, so anything
// polling for progress observes it.
func (l *Ledger) CurrentSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.SlotReads++
	l.slot++
	return l.slot, nil
}

func (l *Ledger) MinimumBalanceForRentExemption(ctx context.Context, dataLen uint64) (uint64, error) {
	return l.Rent.MinimumBalance(dataLen), nil
}

func (l *Ledger) AccountData(ctx context.Context, pubkey solana.PublicKey) ([]byte, solana.PublicKey, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[pubkey]
	if !ok {
		return nil, solana.PublicKey{}, rpcclient.ErrAccountNotFound
	}
	return append([]byte(nil), acct.Data...), acct.Owner, nil
}

func (l *Ledger) Account(pubkey solana.PublicKey) (*Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[pubkey]
	if !ok {
		return nil, false
	}
	return acct.clone(), true
}

// SubmitAndConfirm simulates first; a failed simulation is returned as a
// JSON-RPC error and nothing lands.
func (l *Ledger) SubmitAndConfirm(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FailTransport != nil {
		return solana.Signature{}, l.FailTransport
	}
	if err := tx.VerifySignatures(); err != nil {
		return solana.Signature{}, &jsonrpc.RPCError{Code: -32003, Message: "Transaction signature verification failure"}
	}

	sig := tx.Signatures[0]
	next, err := l.execute(tx)
	if err != nil {
		return solana.Signature{}, &jsonrpc.RPCError{Code: -32002, Message: fmt.Sprintf("Transaction simulation failed: %s", err)}
	}

	l.accounts = next
	l.record(&Record{Signature: sig, Slot: l.slot, Tx: tx, Preflight: true})
	return sig, nil
}

// SubmitNoPreflight lands the transaction whether or not it executes.
func (l *Ledger) SubmitNoPreflight(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FailTransport != nil {
		return solana.Signature{}, l.FailTransport
	}
	if err := tx.VerifySignatures(); err != nil {
		return solana.Signature{}, &jsonrpc.RPCError{Code: -32003, Message: "Transaction signature verification failure"}
	}

	sig := tx.Signatures[0]
	next, err := l.execute(tx)
	if err == nil {
		l.accounts = next
	}
	l.record(&Record{Signature: sig, Slot: l.slot, Err: err, Tx: tx})
	return sig, nil
}

func (l *Ledger) SignatureOutcome(ctx context.Context, sig solana.Signature) (rpcclient.Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.bySig[sig]
	switch {
	case !ok:
		return rpcclient.OutcomeUnknown, nil
	case rec.Err != nil:
		return rpcclient.OutcomeRejected, nil
	default:
		return rpcclient.OutcomeCommitted, nil
	}
}

func (l *Ledger) Records() []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Record(nil), l.records...)
}

func (l *Ledger) Record(sig solana.Signature) (*Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.bySig[sig]
	return rec, ok
}

func (l *Ledger) record(rec *Record) {
	l.records = append(l.records, rec)
	l.bySig[rec.Signature] = rec
}

// execute runs tx against a copy of the account set and returns the copy.
func (l *Ledger) execute(tx *solana.Transaction) (map[solana.PublicKey]*Account, error) {
	accts := make(map[solana.PublicKey]*Account, len(l.accounts))
	for k, v := range l.accounts {
		accts[k] = v.clone()
	}

	ctx := &execCtx{ledger: l, tx: tx, accounts: accts}
	for i, instr := range tx.Message.Instructions {
		if int(instr.ProgramIDIndex) >= len(tx.Message.AccountKeys) {
			return nil, fmt.Errorf("instruction %d: program index out of range", i)
		}
		programID := tx.Message.AccountKeys[instr.ProgramIDIndex]

		keys := make([]solana.PublicKey, len(instr.Accounts))
		for j, idx := range instr.Accounts {
			keys[j] = tx.Message.AccountKeys[idx]
		}

		var err error
		switch {
		case programID.Equals(solana.SystemProgramID):
			err = ctx.systemInstr(keys, instr.Data)
		case programID.Equals(programs.BpfLoaderUpgradeableAddr):
			err = ctx.loaderInstr(keys, instr.Data)
		default:
			err = ctx.invoke(programID, keys, instr.Data)
		}
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
	}

	for _, key := range tx.Message.AccountKeys {
		acct, ok := accts[key]
		if !ok {
			continue
		}
		if err := l.Rent.checkRentState(acct); err != nil {
			return nil, fmt.Errorf("account %s: %w", key, err)
		}
	}

	return accts, nil
}

type execCtx struct {
	ledger   *Ledger
	tx       *solana.Transaction
	accounts map[solana.PublicKey]*Account
}

func (c *execCtx) isSigner(pubkey solana.PublicKey) bool {
	for i := 0; i < int(c.tx.Message.Header.NumRequiredSignatures); i++ {
		if c.tx.Message.AccountKeys[i].Equals(pubkey) {
			return true
		}
	}
	return false
}

func (c *execCtx) systemInstr(keys []solana.PublicKey, data []byte) error {
	decoder := bin.NewBinDecoder(data)
	instrType, err := decoder.ReadUint32(bin.LE)
	if err != nil {
		return err
	}
	if instrType != 0 || len(keys) < 2 {
		return ErrUnsupported
	}

	lamports, err := decoder.ReadUint64(bin.LE)
	if err != nil {
		return err
	}
	space, err := decoder.ReadUint64(bin.LE)
	if err != nil {
		return err
	}
	ownerBytes, err := decoder.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return err
	}

	funder, newAcct := keys[0], keys[1]
	if !c.isSigner(funder) || !c.isSigner(newAcct) {
		return ErrMissingSignature
	}
	if _, exists := c.accounts[newAcct]; exists {
		return ErrAccountInUse
	}

	from, ok := c.accounts[funder]
	if !ok || from.Lamports < lamports {
		return errors.New("insufficient funds")
	}
	from.Lamports -= lamports

	c.accounts[newAcct] = &Account{
		Lamports: lamports,
		Owner:    solana.PublicKeyFromBytes(ownerBytes),
		Data:     make([]byte, space),
	}
	return nil
}

func (c *execCtx) loaderState(pubkey solana.PublicKey) (*Account, *programs.UpgradeableLoaderState, error) {
	acct, ok := c.accounts[pubkey]
	if !ok || !acct.Owner.Equals(programs.BpfLoaderUpgradeableAddr) {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidAccount, pubkey)
	}
	state, err := programs.UnmarshalUpgradeableLoaderState(acct.Data)
	if err != nil {
		return nil, nil, err
	}
	return acct, state, nil
}

func (c *execCtx) storeState(acct *Account, state *programs.UpgradeableLoaderState) error {
	encoded, err := programs.MarshalUpgradeableLoaderState(state)
	if err != nil {
		return err
	}
	if len(acct.Data) < len(encoded) {
		return ErrInvalidAccount
	}
	copy(acct.Data, encoded)
	return nil
}

func (c *execCtx) loaderInstr(keys []solana.PublicKey, data []byte) error {
	instrType, err := programs.DecodeInstrType(data)
	if err != nil {
		return err
	}

	switch instrType {
	case programs.UpgradeableLoaderInstrTypeInitializeBuffer:
		return c.initializeBuffer(keys)
	case programs.UpgradeableLoaderInstrTypeWrite:
		var write programs.UpgradeableLoaderInstrWrite
		if err := write.UnmarshalWithDecoder(bin.NewBinDecoder(data[4:])); err != nil {
			return err
		}
		return c.write(keys, write)
	case programs.UpgradeableLoaderInstrTypeDeployWithMaxDataLen:
		var deploy programs.UpgradeableLoaderInstrDeployWithMaxDataLen
		if err := deploy.UnmarshalWithDecoder(bin.NewBinDecoder(data[4:])); err != nil {
			return err
		}
		return c.deploy(keys, deploy.MaxDataLen)
	case programs.UpgradeableLoaderInstrTypeUpgrade:
		return c.upgrade(keys)
	case programs.UpgradeableLoaderInstrTypeClose:
		return c.close(keys)
	default:
		return ErrUnsupported
	}
}

func (c *execCtx) initializeBuffer(keys []solana.PublicKey) error {
	acct, state, err := c.loaderState(keys[0])
	if err != nil {
		return err
	}
	if state.Type != programs.UpgradeableLoaderStateTypeUninitialized {
		return ErrAccountInUse
	}

	authority := keys[1]
	state.Type = programs.UpgradeableLoaderStateTypeBuffer
	state.Buffer.AuthorityAddress = authority.ToPointer()
	return c.storeState(acct, state)
}

func (c *execCtx) checkBufferAuthority(state *programs.UpgradeableLoaderState, authority solana.PublicKey) error {
	if state.Type != programs.UpgradeableLoaderStateTypeBuffer {
		return ErrInvalidAccount
	}
	if state.Buffer.AuthorityAddress == nil || !state.Buffer.AuthorityAddress.Equals(authority) {
		return ErrIncorrectAuth
	}
	if !c.isSigner(authority) {
		return ErrMissingSignature
	}
	return nil
}

func (c *execCtx) write(keys []solana.PublicKey, write programs.UpgradeableLoaderInstrWrite) error {
	acct, state, err := c.loaderState(keys[0])
	if err != nil {
		return err
	}
	if err := c.checkBufferAuthority(state, keys[1]); err != nil {
		return err
	}

	start := programs.UpgradeableLoaderSizeOfBufferMetaData + int(write.Offset)
	if start+len(write.Bytes) > len(acct.Data) {
		return errors.New("account data too small")
	}
	copy(acct.Data[start:], write.Bytes)
	return nil
}

func (c *execCtx) deploy(keys []solana.PublicKey, maxDataLen uint64) error {
	payer, programDataKey, programKey, bufferKey, authority := keys[0], keys[1], keys[2], keys[3], keys[7]

	programAcct, programState, err := c.loaderState(programKey)
	if err != nil {
		return err
	}
	if programState.Type != programs.UpgradeableLoaderStateTypeUninitialized {
		return ErrAccountInUse
	}

	bufferAcct, bufferState, err := c.loaderState(bufferKey)
	if err != nil {
		return err
	}
	if err := c.checkBufferAuthority(bufferState, authority); err != nil {
		return err
	}
	programBytes := bufferAcct.Data[programs.UpgradeableLoaderSizeOfBufferMetaData:]
	if uint64(len(programBytes)) > maxDataLen {
		return errors.New("max data length too small")
	}

	if _, exists := c.accounts[programDataKey]; exists {
		return ErrAccountInUse
	}
	expected, err := programs.ProgramDataAddress(programKey)
	if err != nil || !expected.Equals(programDataKey) {
		return ErrInvalidAccount
	}

	programDataLen := programs.SizeOfProgramData(maxDataLen)
	rentLamports := c.ledger.Rent.MinimumBalance(programDataLen)
	payerAcct, ok := c.accounts[payer]
	if !ok || payerAcct.Lamports < rentLamports {
		return ErrInsufficientFundsForRent
	}
	payerAcct.Lamports -= rentLamports

	programDataAcct := &Account{
		Lamports: rentLamports,
		Owner:    programs.BpfLoaderUpgradeableAddr,
		Data:     make([]byte, programDataLen),
	}
	err = c.storeState(programDataAcct, &programs.UpgradeableLoaderState{
		Type:        programs.UpgradeableLoaderStateTypeProgramData,
		ProgramData: programs.UpgradeableLoaderStateProgramData{Slot: c.ledger.slot, UpgradeAuthorityAddress: authority.ToPointer()},
	})
	if err != nil {
		return err
	}
	copy(programDataAcct.Data[programs.UpgradeableLoaderSizeOfProgramDataMetaData:], programBytes)
	c.accounts[programDataKey] = programDataAcct

	err = c.storeState(programAcct, &programs.UpgradeableLoaderState{
		Type:    programs.UpgradeableLoaderStateTypeProgram,
		Program: programs.UpgradeableLoaderStateProgram{ProgramDataAddress: programDataKey},
	})
	if err != nil {
		return err
	}
	programAcct.Executable = true

	c.drain(bufferKey, payer)
	return nil
}

func (c *execCtx) programData(programKey, programDataKey solana.PublicKey, authority solana.PublicKey) (*Account, *programs.UpgradeableLoaderState, error) {
	programAcct, programState, err := c.loaderState(programKey)
	if err != nil {
		return nil, nil, err
	}
	if !programAcct.Executable || programState.Type != programs.UpgradeableLoaderStateTypeProgram ||
		!programState.Program.ProgramDataAddress.Equals(programDataKey) {
		return nil, nil, ErrInvalidAccount
	}

	programDataAcct, programDataState, err := c.loaderState(programDataKey)
	if err != nil {
		return nil, nil, err
	}
	if programDataState.Type != programs.UpgradeableLoaderStateTypeProgramData {
		return nil, nil, ErrInvalidAccount
	}
	upgradeAuth := programDataState.ProgramData.UpgradeAuthorityAddress
	if upgradeAuth == nil || !upgradeAuth.Equals(authority) {
		return nil, nil, ErrIncorrectAuth
	}
	if !c.isSigner(authority) {
		return nil, nil, ErrMissingSignature
	}
	return programDataAcct, programDataState, nil
}

func (c *execCtx) upgrade(keys []solana.PublicKey) error {
	programDataKey, programKey, bufferKey, spill, authority := keys[0], keys[1], keys[2], keys[3], keys[6]

	programDataAcct, programDataState, err := c.programData(programKey, programDataKey, authority)
	if err != nil {
		return err
	}

	bufferAcct, bufferState, err := c.loaderState(bufferKey)
	if err != nil {
		return err
	}
	if err := c.checkBufferAuthority(bufferState, authority); err != nil {
		return err
	}
	programBytes := bufferAcct.Data[programs.UpgradeableLoaderSizeOfBufferMetaData:]
	if len(programBytes) > len(programDataAcct.Data)-programs.UpgradeableLoaderSizeOfProgramDataMetaData {
		return errors.New("programdata account too small")
	}

	programDataState.ProgramData.Slot = c.ledger.slot
	if err := c.storeState(programDataAcct, programDataState); err != nil {
		return err
	}
	body := programDataAcct.Data[programs.UpgradeableLoaderSizeOfProgramDataMetaData:]
	clear(body)
	copy(body, programBytes)

	c.drain(bufferKey, spill)
	return nil
}

func (c *execCtx) close(keys []solana.PublicKey) error {
	if len(keys) < 4 {
		return ErrUnsupported
	}
	programDataKey, recipient, authority, programKey := keys[0], keys[1], keys[2], keys[3]

	if _, _, err := c.programData(programKey, programDataKey, authority); err != nil {
		return err
	}

	c.drain(programDataKey, recipient)
	return nil
}

// drain moves all lamports of pubkey to recipient and removes the account.
func (c *execCtx) drain(pubkey, recipient solana.PublicKey) {
	acct, ok := c.accounts[pubkey]
	if !ok {
		return
	}
	if to, ok := c.accounts[recipient]; ok {
		to.Lamports += acct.Lamports
	}
	delete(c.accounts, pubkey)
}

// invoke succeeds when programID is a deployed, not closed, program. The
// instruction data is copied into the first account if it is owned by the
// program.
func (c *execCtx) invoke(programID solana.PublicKey, keys []solana.PublicKey, data []byte) error {
	programAcct, programState, err := c.loaderState(programID)
	if err != nil {
		return err
	}
	if !programAcct.Executable || programState.Type != programs.UpgradeableLoaderStateTypeProgram {
		return ErrNotExecutable
	}
	if _, ok := c.accounts[programState.Program.ProgramDataAddress]; !ok {
		return ErrNotExecutable
	}

	if len(keys) > 0 {
		if acct, ok := c.accounts[keys[0]]; ok && acct.Owner.Equals(programID) {
			copy(acct.Data, data)
		}
	}
	return nil
}
