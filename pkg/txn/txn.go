package txn

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var ErrNoInstructions = errors.New("transaction has no instructions")

// Compose builds a legacy transaction over instrs, paid for by feePayer and
// bound to blockhash, and signs it with every supplied signer whose key is a
// required signer of the message. Signers the message does not require are
// ignored. A required signer that is not supplied keeps a zero signature, so
// the transaction fails signature verification wherever it is checked.
func Compose(instrs []solana.Instruction, feePayer solana.PublicKey, signers []solana.PrivateKey, blockhash solana.Hash) (*solana.Transaction, error) {
	if len(instrs) == 0 {
		return nil, ErrNoInstructions
	}

	tx, err := solana.NewTransaction(instrs, blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return nil, fmt.Errorf("building message: %w", err)
	}

	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serializing message: %w", err)
	}

	numSigners := int(tx.Message.Header.NumRequiredSignatures)
	tx.Signatures = make([]solana.Signature, numSigners)

	for _, signer := range signers {
		idx := signerIndex(tx.Message.AccountKeys, numSigners, signer.PublicKey())
		if idx < 0 {
			continue
		}

		sig, err := signer.Sign(msg)
		if err != nil {
			return nil, fmt.Errorf("signing with %s: %w", signer.PublicKey(), err)
		}
		tx.Signatures[idx] = sig
	}

	return tx, nil
}

// MessageBytes returns the serialized message that signatures commit to.
func MessageBytes(tx *solana.Transaction) ([]byte, error) {
	return tx.Message.MarshalBinary()
}

// MissingSigners lists required signers of tx that have no signature.
func MissingSigners(tx *solana.Transaction) []solana.PublicKey {
	var missing []solana.PublicKey
	for i := 0; i < int(tx.Message.Header.NumRequiredSignatures); i++ {
		if i >= len(tx.Signatures) || tx.Signatures[i] == (solana.Signature{}) {
			missing = append(missing, tx.Message.AccountKeys[i])
		}
	}
	return missing
}

func signerIndex(keys solana.PublicKeySlice, numSigners int, pubkey solana.PublicKey) int {
	for i := 0; i < numSigners && i < len(keys); i++ {
		if keys[i].Equals(pubkey) {
			return i
		}
	}
	return -1
}
