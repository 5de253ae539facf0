package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

// Program-derived addresses are hash outputs deliberately searched to fall
// outside the ed25519 curve, so no private key can ever authorize writes to
// them; only the owning program can, by presenting the derivation seeds plus
// the bump byte that made the search succeed.

const (
	// derivedAddressMarker domain-separates program address hashing from any
	// other sha256 use.
	derivedAddressMarker = "ProgramDerivedAddress"

	// MaxSeeds bounds the number of seed components in one derivation.
	MaxSeeds = 16
	// MaxSeedLen bounds the byte length of a single seed component.
	MaxSeedLen = 32
)

var (
	// ErrAddressOnCurve is returned when a seed combination hashes onto the
	// ed25519 curve and therefore cannot be used as a derived address.
	ErrAddressOnCurve = errors.New("crypto: derived address falls on the ed25519 curve")
	// ErrNoViableBump is returned when no bump byte in 255..0 produces an
	// off-curve address for the given seeds.
	ErrNoViableBump = errors.New("crypto: unable to find a viable bump seed")
)

// CreateProgramAddress deterministically maps the seed components plus the
// program identity to an address, failing if the result lands on the curve.
func CreateProgramAddress(seeds [][]byte, programID Address) (Address, error) {
	if len(seeds) > MaxSeeds {
		return Address{}, fmt.Errorf("crypto: too many seeds (%d > %d)", len(seeds), MaxSeeds)
	}
	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return Address{}, fmt.Errorf("crypto: seed too long (%d > %d bytes)", len(seed), MaxSeedLen)
		}
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write([]byte(derivedAddressMarker))

	var addr Address
	copy(addr[:], h.Sum(nil))
	if isOnCurve(addr) {
		return Address{}, ErrAddressOnCurve
	}
	return addr, nil
}

// FindProgramAddress searches bump bytes from 255 down to 0, appending the
// bump as a final single-byte seed, and returns the first off-curve address
// together with the bump that produced it. The search is deterministic: the
// same seeds and program always yield the same (address, bump) pair.
func FindProgramAddress(seeds [][]byte, programID Address) (Address, uint8, error) {
	if len(seeds) >= MaxSeeds {
		return Address{}, 0, fmt.Errorf("crypto: too many seeds (%d >= %d)", len(seeds), MaxSeeds)
	}
	for bump := 255; bump >= 0; bump-- {
		trial := make([][]byte, len(seeds), len(seeds)+1)
		copy(trial, seeds)
		trial = append(trial, []byte{uint8(bump)})
		addr, err := CreateProgramAddress(trial, programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, ErrAddressOnCurve) {
			return Address{}, 0, err
		}
	}
	return Address{}, 0, ErrNoViableBump
}

// isOnCurve reports whether b decodes as a valid ed25519 curve point, i.e.
// whether a private key could exist for it.
func isOnCurve(a Address) bool {
	_, err := new(edwards25519.Point).SetBytes(a[:])
	return err == nil
}
