package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"

	"imchain/crypto"
	"imchain/storage"
)

var accountPrefix = []byte("acct/")

// storedAccount is the RLP envelope persisted per account.
type storedAccount struct {
	Owner    []byte
	Lamports uint64
	Data     []byte
}

// Store persists ledger accounts in a key-value database keyed by address.
type Store struct {
	db storage.Database
}

func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func accountKey(addr crypto.Address) []byte {
	key := make([]byte, len(accountPrefix)+crypto.AddressSize)
	copy(key, accountPrefix)
	copy(key[len(accountPrefix):], addr[:])
	return key
}

// Get loads the account stored at addr. The second return value reports
// whether the account exists.
func (s *Store) Get(addr crypto.Address) (*Account, bool, error) {
	key := accountKey(addr)
	ok, err := s.db.Has(key)
	if err != nil {
		return nil, false, fmt.Errorf("ledger store: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	raw, err := s.db.Get(key)
	if err != nil {
		return nil, false, fmt.Errorf("ledger store: %w", err)
	}
	stored := new(storedAccount)
	if err := rlp.DecodeBytes(raw, stored); err != nil {
		return nil, false, fmt.Errorf("ledger store: corrupt account %s: %w", addr, err)
	}
	owner, err := crypto.AddressFromBytes(stored.Owner)
	if err != nil {
		return nil, false, fmt.Errorf("ledger store: corrupt account %s: %w", addr, err)
	}
	return &Account{Owner: owner, Lamports: stored.Lamports, Data: stored.Data}, true, nil
}

// Put writes the account at addr, replacing any previous record.
func (s *Store) Put(addr crypto.Address, acc *Account) error {
	encoded, err := rlp.EncodeToBytes(&storedAccount{
		Owner:    acc.Owner.Bytes(),
		Lamports: acc.Lamports,
		Data:     acc.Data,
	})
	if err != nil {
		return fmt.Errorf("ledger store: %w", err)
	}
	return s.db.Put(accountKey(addr), encoded)
}

// Checksum returns a blake3 fingerprint over the full account set in key
// order. Two stores with identical contents produce identical checksums.
func (s *Store) Checksum() ([32]byte, error) {
	hasher := blake3.New(32, nil)
	err := s.db.Iterate(func(key, value []byte) error {
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(key)))
		hasher.Write(lenBuf[:])
		hasher.Write(key)
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(value)))
		hasher.Write(lenBuf[:])
		hasher.Write(value)
		return nil
	})
	if err != nil {
		return [32]byte{}, err
	}
	var sum [32]byte
	copy(sum[:], hasher.Sum(nil))
	return sum, nil
}
