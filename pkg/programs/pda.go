package programs

import (
	"errors"

	"filippo.io/edwards25519"
	"github.com/gagliardetto/solana-go"
	"github.com/minio/sha256-simd"
)

const maxSeeds = 16
const maxSeedLen = 32
const pdaMarker = "ProgramDerivedAddress"

var (
	ErrSeedLength   = errors.New("too many seeds or seed too long")
	ErrNoViableBump = errors.New("no bump seed yields an off-curve address")
)

// createProgramAddress hashes seeds under owner. ok is false when the result
// lands on the ed25519 curve and therefore could have a private key.
func createProgramAddress(seeds [][]byte, owner solana.PublicKey) (addr solana.PublicKey, ok bool, err error) {
	if len(seeds) > maxSeeds {
		return addr, false, ErrSeedLength
	}

	hasher := sha256.New()
	for _, seed := range seeds {
		if len(seed) > maxSeedLen {
			return addr, false, ErrSeedLength
		}
		hasher.Write(seed)
	}
	hasher.Write(owner[:])
	hasher.Write([]byte(pdaMarker))
	copy(addr[:], hasher.Sum(nil))

	return addr, !isOnCurve(addr[:]), nil
}

func isOnCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// findProgramAddress returns the first off-curve address, trying bump seeds
// from 255 down.
func findProgramAddress(seeds [][]byte, owner solana.PublicKey) (solana.PublicKey, uint8, error) {
	withBump := append(append([][]byte{}, seeds...), nil)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{uint8(bump)}
		addr, ok, err := createProgramAddress(withBump, owner)
		if err != nil {
			return solana.PublicKey{}, 0, err
		}
		if ok {
			return addr, uint8(bump), nil
		}
	}
	return solana.PublicKey{}, 0, ErrNoViableBump
}
