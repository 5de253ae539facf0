package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
)

// AddressPrefix is the human-readable prefix used when rendering addresses.
const AddressPrefix = "im"

// AddressSize is the byte length of a ledger address.
const AddressSize = 32

// Address identifies an account on the ledger. Wallet addresses are ed25519
// public keys; program-derived addresses are hash outputs that provably lack a
// corresponding private key.
type Address [AddressSize]byte

func NewAddress(b []byte) Address {
	if len(b) != AddressSize {
		panic("address must be 32 bytes long")
	}
	var a Address
	copy(a[:], b)
	return a
}

// AddressFromBytes is the non-panicking variant of NewAddress.
func AddressFromBytes(b []byte) (Address, error) {
	if len(b) != AddressSize {
		return Address{}, fmt.Errorf("address must be %d bytes, got %d", AddressSize, len(b))
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

func (a Address) Bytes() []byte {
	out := make([]byte, AddressSize)
	copy(out, a[:])
	return out
}

// IsZero reports whether the address is the all-zero placeholder value.
func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(AddressPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != AddressPrefix {
		return Address{}, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return AddressFromBytes(conv)
}

// --- Key Management ---

type PrivateKey struct {
	key ed25519.PrivateKey
}

type PublicKey struct {
	key ed25519.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: key}, nil
}

// Bytes returns the 32-byte seed representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return k.key.Seed()
}

func (k *PrivateKey) PubKey() *PublicKey {
	pub := k.key.Public().(ed25519.PublicKey)
	return &PublicKey{key: pub}
}

// Sign produces an ed25519 signature over the message.
func (k *PrivateKey) Sign(message []byte) []byte {
	return ed25519.Sign(k.key, message)
}

func (p *PublicKey) Address() Address {
	return NewAddress(p.key)
}

// VerifySignature reports whether sig is a valid ed25519 signature over
// message by the key behind addr.
func VerifySignature(addr Address, message, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(addr[:]), message, sig)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key seed must be %d bytes, got %d", ed25519.SeedSize, len(b))
	}
	return &PrivateKey{key: ed25519.NewKeyFromSeed(b)}, nil
}
