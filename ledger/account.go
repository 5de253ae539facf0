package ledger

import "imchain/crypto"

// Account is the persisted form of a ledger account: an owner-tagged byte
// region with a balance. An account that has never been created simply does
// not exist in the store; the runtime materializes it as a zero-length,
// system-owned record for the duration of an invocation.
type Account struct {
	Owner    crypto.Address
	Lamports uint64
	Data     []byte
}

func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	data := make([]byte, len(a.Data))
	copy(data, a.Data)
	return &Account{Owner: a.Owner, Lamports: a.Lamports, Data: data}
}

// AccountInfo is the per-invocation mutable view of an account handed to a
// program. Signer reports that the key holder signed this transaction;
// Writable that the transaction declared the account mutable. Programs mutate
// Data and Lamports in place; the runtime persists writable accounts only if
// the whole invocation succeeds.
type AccountInfo struct {
	Key      crypto.Address
	Owner    crypto.Address
	Lamports uint64
	Data     []byte
	Signer   bool
	Writable bool
}

// Initialized reports whether the account holds any data, i.e. whether it has
// been created and sized.
func (info *AccountInfo) Initialized() bool {
	return len(info.Data) > 0
}
