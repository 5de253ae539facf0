package ledger

import (
	"crypto/sha256"

	"imchain/crypto"
)

// Well-known system addresses. Programs must compare supplied sysvar account
// keys against these constants before trusting their contents.
var (
	SystemProgramAddress = systemAddress("system-program")
	RentSysvarAddress    = systemAddress("sysvar:rent")
	ClockSysvarAddress   = systemAddress("sysvar:clock")
)

func systemAddress(label string) crypto.Address {
	return crypto.Address(sha256.Sum256([]byte("imchain/" + label)))
}

// AccountStorageOverhead is the per-account byte overhead charged by rent
// accounting on top of the stored data length.
const AccountStorageOverhead = 128

// Rent holds the ledger's storage-pricing parameters.
type Rent struct {
	// LamportsPerByteYear is the fee charged per byte-year of storage.
	LamportsPerByteYear uint64
	// ExemptionThreshold is the number of years of fees an account must hold
	// up front to be exempt from ongoing collection.
	ExemptionThreshold float64
}

// DefaultRent returns the network default rent parameters.
func DefaultRent() Rent {
	return Rent{
		LamportsPerByteYear: 3480,
		ExemptionThreshold:  2.0,
	}
}

// MinimumBalance is the deposit that makes an account of the given data size
// exempt from rent collection.
func (r Rent) MinimumBalance(space int) uint64 {
	bytes := uint64(AccountStorageOverhead + space)
	return uint64(float64(bytes*r.LamportsPerByteYear) * r.ExemptionThreshold)
}

// Clock is the wall-clock sysvar snapshot for one invocation.
type Clock struct {
	UnixTimestamp int64
}
