package programs

import (
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

var BpfLoaderUpgradeableAddr = solana.BPFLoaderUpgradeableProgramID

// ProgramDataAddress derives the programdata account owned by the upgradeable
// loader for the given program.
func ProgramDataAddress(program solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := findProgramAddress([][]byte{program.Bytes()}, BpfLoaderUpgradeableAddr)
	return addr, err
}

func CreateAccountInstruction(payer, newAccount, owner solana.PublicKey, lamports, space uint64) solana.Instruction {
	return system.NewCreateAccountInstruction(lamports, space, owner, payer, newAccount).Build()
}

func InitializeBufferInstruction(buffer, authority solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		BpfLoaderUpgradeableAddr,
		solana.AccountMetaSlice{
			solana.Meta(buffer).WRITE(),
			solana.Meta(authority),
		},
		encodeInstrType(UpgradeableLoaderInstrTypeInitializeBuffer),
	)
}

func WriteInstruction(buffer, authority solana.PublicKey, offset uint32, chunk []byte) (solana.Instruction, error) {
	data, err := encodeInstr(&UpgradeableLoaderInstrWrite{Offset: offset, Bytes: chunk})
	if err != nil {
		return nil, err
	}

	return solana.NewInstruction(
		BpfLoaderUpgradeableAddr,
		solana.AccountMetaSlice{
			solana.Meta(buffer).WRITE(),
			solana.Meta(authority).SIGNER(),
		},
		data,
	), nil
}

func DeployWithMaxDataLenInstruction(payer, program, buffer, authority solana.PublicKey, maxDataLen uint64) (solana.Instruction, error) {
	programData, err := ProgramDataAddress(program)
	if err != nil {
		return nil, err
	}

	data, err := encodeInstr(&UpgradeableLoaderInstrDeployWithMaxDataLen{MaxDataLen: maxDataLen})
	if err != nil {
		return nil, err
	}

	return solana.NewInstruction(
		BpfLoaderUpgradeableAddr,
		solana.AccountMetaSlice{
			solana.Meta(payer).WRITE().SIGNER(),
			solana.Meta(programData).WRITE(),
			solana.Meta(program).WRITE(),
			solana.Meta(buffer).WRITE(),
			solana.Meta(solana.SysVarRentPubkey),
			solana.Meta(solana.SysVarClockPubkey),
			solana.Meta(solana.SystemProgramID),
			solana.Meta(authority).SIGNER(),
		},
		data,
	), nil
}

// UpgradeInstruction refunds the buffer's lamports to spill.
func UpgradeInstruction(program, buffer, spill, authority solana.PublicKey) (solana.Instruction, error) {
	programData, err := ProgramDataAddress(program)
	if err != nil {
		return nil, err
	}

	return solana.NewInstruction(
		BpfLoaderUpgradeableAddr,
		solana.AccountMetaSlice{
			solana.Meta(programData).WRITE(),
			solana.Meta(program).WRITE(),
			solana.Meta(buffer).WRITE(),
			solana.Meta(spill).WRITE(),
			solana.Meta(solana.SysVarRentPubkey),
			solana.Meta(solana.SysVarClockPubkey),
			solana.Meta(authority).SIGNER(),
		},
		encodeInstrType(UpgradeableLoaderInstrTypeUpgrade),
	), nil
}

// CloseProgramInstruction closes the programdata account of program and sends
// its lamports to recipient.
func CloseProgramInstruction(program, recipient, authority solana.PublicKey) (solana.Instruction, error) {
	programData, err := ProgramDataAddress(program)
	if err != nil {
		return nil, err
	}

	return solana.NewInstruction(
		BpfLoaderUpgradeableAddr,
		solana.AccountMetaSlice{
			solana.Meta(programData).WRITE(),
			solana.Meta(recipient).WRITE(),
			solana.Meta(authority).SIGNER(),
			solana.Meta(program).WRITE(),
		},
		encodeInstrType(UpgradeableLoaderInstrTypeClose),
	), nil
}

// InvokeInstruction calls program with accountData as instruction data. The
// run account is passed writable so the program can store into it.
func InvokeInstruction(program, runAccount, payer solana.PublicKey, accountData []byte) solana.Instruction {
	return solana.NewInstruction(
		program,
		solana.AccountMetaSlice{
			solana.Meta(runAccount).WRITE(),
			solana.Meta(payer).WRITE().SIGNER(),
		},
		accountData,
	)
}
