package ledgertest

import "errors"

// accountStorageOverhead is charged on top of the data length of every
// account.
const accountStorageOverhead = 128

var ErrInsufficientFundsForRent = errors.New("insufficient funds for rent")

// Rent mirrors the fields of the rent sysvar the ledger needs.
type Rent struct {
	LamportsPerByteYear uint64
	ExemptionThreshold  float64
}

var DefaultRent = Rent{LamportsPerByteYear: 3480, ExemptionThreshold: 2.0}

func (r Rent) MinimumBalance(dataLen uint64) uint64 {
	return uint64(float64((accountStorageOverhead+dataLen)*r.LamportsPerByteYear) * r.ExemptionThreshold)
}

func (r Rent) IsExempt(lamports, dataLen uint64) bool {
	return lamports >= r.MinimumBalance(dataLen)
}

// checkRentState rejects an account left funded but below the exemption
// threshold. Empty accounts are treated as uninitialized.
func (r Rent) checkRentState(acct *Account) error {
	if acct.Lamports == 0 || r.IsExempt(acct.Lamports, uint64(len(acct.Data))) {
		return nil
	}
	return ErrInsufficientFundsForRent
}
