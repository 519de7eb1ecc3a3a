package programs

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	UpgradeableLoaderInstrTypeInitializeBuffer = iota
	UpgradeableLoaderInstrTypeWrite
	UpgradeableLoaderInstrTypeDeployWithMaxDataLen
	UpgradeableLoaderInstrTypeUpgrade
	UpgradeableLoaderInstrTypeSetAuthority
	UpgradeableLoaderInstrTypeClose
)

const (
	UpgradeableLoaderStateTypeUninitialized = iota
	UpgradeableLoaderStateTypeBuffer
	UpgradeableLoaderStateTypeProgram
	UpgradeableLoaderStateTypeProgramData
)

const UpgradeableLoaderSizeOfBufferMetaData = 37
const UpgradeableLoaderSizeOfProgram = 36
const UpgradeableLoaderSizeOfProgramDataMetaData = 45

var ErrInvalidLoaderState = errors.New("invalid upgradeable loader account state")

func SizeOfBuffer(programLen uint64) uint64 {
	return UpgradeableLoaderSizeOfBufferMetaData + programLen
}

func SizeOfProgramData(programLen uint64) uint64 {
	return UpgradeableLoaderSizeOfProgramDataMetaData + programLen
}

// instructions
type UpgradeableLoaderInstrWrite struct {
	Offset uint32
	Bytes  []byte
}

type UpgradeableLoaderInstrDeployWithMaxDataLen struct {
	MaxDataLen uint64
}

func (write *UpgradeableLoaderInstrWrite) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	var err error
	write.Offset, err = decoder.ReadUint32(bin.LE)
	if err != nil {
		return err
	}

	length, err := decoder.ReadUint64(bin.LE)
	if err != nil {
		return err
	}

	write.Bytes, err = decoder.ReadBytes(int(length))
	return err
}

func (write *UpgradeableLoaderInstrWrite) MarshalWithEncoder(encoder *bin.Encoder) error {
	var err error

	err = encoder.WriteUint32(UpgradeableLoaderInstrTypeWrite, bin.LE)
	if err != nil {
		return err
	}

	err = encoder.WriteUint32(write.Offset, bin.LE)
	if err != nil {
		return err
	}

	// bincode Vec<u8>: u64 length prefix
	err = encoder.WriteUint64(uint64(len(write.Bytes)), bin.LE)
	if err != nil {
		return err
	}

	err = encoder.WriteBytes(write.Bytes, false)
	return err
}

func (deploy *UpgradeableLoaderInstrDeployWithMaxDataLen) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	var err error
	deploy.MaxDataLen, err = decoder.ReadUint64(bin.LE)
	return err
}

func (deploy *UpgradeableLoaderInstrDeployWithMaxDataLen) MarshalWithEncoder(encoder *bin.Encoder) error {
	var err error

	err = encoder.WriteUint32(UpgradeableLoaderInstrTypeDeployWithMaxDataLen, bin.LE)
	if err != nil {
		return err
	}

	err = encoder.WriteUint64(deploy.MaxDataLen, bin.LE)
	return err
}

// upgradeable loader account states
type UpgradeableLoaderStateBuffer struct {
	AuthorityAddress *solana.PublicKey
}

type UpgradeableLoaderStateProgram struct {
	ProgramDataAddress solana.PublicKey
}

type UpgradeableLoaderStateProgramData struct {
	Slot                    uint64
	UpgradeAuthorityAddress *solana.PublicKey
}

type UpgradeableLoaderState struct {
	Type        uint32
	Buffer      UpgradeableLoaderStateBuffer
	Program     UpgradeableLoaderStateProgram
	ProgramData UpgradeableLoaderStateProgramData
}

func (state *UpgradeableLoaderState) String() string {
	switch state.Type {
	case UpgradeableLoaderStateTypeUninitialized:
		return "uninitialized"
	case UpgradeableLoaderStateTypeBuffer:
		return fmt.Sprintf("buffer (authority %s)", optionalKey(state.Buffer.AuthorityAddress))
	case UpgradeableLoaderStateTypeProgram:
		return fmt.Sprintf("program (programdata %s)", state.Program.ProgramDataAddress)
	case UpgradeableLoaderStateTypeProgramData:
		return fmt.Sprintf("programdata (slot %d, authority %s)", state.ProgramData.Slot, optionalKey(state.ProgramData.UpgradeAuthorityAddress))
	default:
		return fmt.Sprintf("unknown (%d)", state.Type)
	}
}

func optionalKey(pk *solana.PublicKey) string {
	if pk == nil {
		return "none"
	}
	return pk.String()
}

func readOptionalPubkey(decoder *bin.Decoder) (*solana.PublicKey, error) {
	hasPubkey, err := decoder.ReadBool()
	if err != nil {
		return nil, err
	}

	if !hasPubkey {
		return nil, nil
	}

	pkBytes, err := decoder.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return nil, err
	}
	pk := solana.PublicKeyFromBytes(pkBytes)
	return pk.ToPointer(), nil
}

func writeOptionalPubkey(encoder *bin.Encoder, pk *solana.PublicKey) error {
	if pk == nil {
		return encoder.WriteBool(false)
	}

	err := encoder.WriteBool(true)
	if err != nil {
		return err
	}

	return encoder.WriteBytes(pk.Bytes(), false)
}

func (state *UpgradeableLoaderState) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	var err error

	state.Type, err = decoder.ReadUint32(bin.LE)
	if err != nil {
		return err
	}

	switch state.Type {
	case UpgradeableLoaderStateTypeUninitialized:
		{
			// nothing to deserialize
		}

	case UpgradeableLoaderStateTypeBuffer:
		{
			state.Buffer.AuthorityAddress, err = readOptionalPubkey(decoder)
		}

	case UpgradeableLoaderStateTypeProgram:
		{
			var pkBytes []byte
			pkBytes, err = decoder.ReadBytes(solana.PublicKeyLength)
			if err == nil {
				copy(state.Program.ProgramDataAddress[:], pkBytes)
			}
		}

	case UpgradeableLoaderStateTypeProgramData:
		{
			state.ProgramData.Slot, err = decoder.ReadUint64(bin.LE)
			if err == nil {
				state.ProgramData.UpgradeAuthorityAddress, err = readOptionalPubkey(decoder)
			}
		}

	default:
		{
			err = ErrInvalidLoaderState
		}
	}

	return err
}

func (state *UpgradeableLoaderState) MarshalWithEncoder(encoder *bin.Encoder) error {
	err := encoder.WriteUint32(state.Type, bin.LE)
	if err != nil {
		return err
	}

	switch state.Type {
	case UpgradeableLoaderStateTypeUninitialized:
		{
			// nothing to serialize
		}

	case UpgradeableLoaderStateTypeBuffer:
		{
			err = writeOptionalPubkey(encoder, state.Buffer.AuthorityAddress)
		}

	case UpgradeableLoaderStateTypeProgram:
		{
			err = encoder.WriteBytes(state.Program.ProgramDataAddress[:], false)
		}

	case UpgradeableLoaderStateTypeProgramData:
		{
			err = encoder.WriteUint64(state.ProgramData.Slot, bin.LE)
			if err == nil {
				err = writeOptionalPubkey(encoder, state.ProgramData.UpgradeAuthorityAddress)
			}
		}

	default:
		{
			err = ErrInvalidLoaderState
		}
	}
	return err
}

func UnmarshalUpgradeableLoaderState(data []byte) (*UpgradeableLoaderState, error) {
	state := new(UpgradeableLoaderState)
	decoder := bin.NewBinDecoder(data)

	err := state.UnmarshalWithDecoder(decoder)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidLoaderState, err)
	}
	return state, nil
}

func MarshalUpgradeableLoaderState(state *UpgradeableLoaderState) ([]byte, error) {
	buffer := new(bytes.Buffer)
	encoder := bin.NewBinEncoder(buffer)

	err := state.MarshalWithEncoder(encoder)
	if err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}

func encodeInstrType(instrType uint32) []byte {
	buffer := new(bytes.Buffer)
	encoder := bin.NewBinEncoder(buffer)
	_ = encoder.WriteUint32(instrType, bin.LE)
	return buffer.Bytes()
}

type marshaler interface {
	MarshalWithEncoder(encoder *bin.Encoder) error
}

func encodeInstr(instr marshaler) ([]byte, error) {
	buffer := new(bytes.Buffer)
	encoder := bin.NewBinEncoder(buffer)

	err := instr.MarshalWithEncoder(encoder)
	if err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}

// DecodeInstrType returns the upgradeable loader instruction discriminant.
func DecodeInstrType(data []byte) (uint32, error) {
	decoder := bin.NewBinDecoder(data)
	return decoder.ReadUint32(bin.LE)
}
