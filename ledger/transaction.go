package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"imchain/crypto"
)

// AccountMeta declares one account an instruction touches, with the access it
// requires. The order of metas is part of each program's wire contract.
type AccountMeta struct {
	Address  crypto.Address
	Signer   bool
	Writable bool
}

// NewAccountMeta returns a writable account meta.
func NewAccountMeta(addr crypto.Address, signer bool) AccountMeta {
	return AccountMeta{Address: addr, Signer: signer, Writable: true}
}

// NewReadonlyAccountMeta returns a read-only account meta.
func NewReadonlyAccountMeta(addr crypto.Address, signer bool) AccountMeta {
	return AccountMeta{Address: addr, Signer: signer, Writable: false}
}

// Instruction is one request to a program: the program's address, the ordered
// account list it may touch, and an opaque payload the program decodes itself.
type Instruction struct {
	ProgramID crypto.Address
	Accounts  []AccountMeta
	Data      []byte
}

// Signature pairs a wallet address with its ed25519 signature over the
// transaction message.
type Signature struct {
	Address   crypto.Address
	Signature []byte
}

// Transaction carries a single instruction plus the signatures authorizing it.
type Transaction struct {
	Instruction Instruction
	Signatures  []Signature
}

func NewTransaction(ix Instruction) *Transaction {
	return &Transaction{Instruction: ix}
}

// txMessage is the canonical signing encoding of an instruction.
type txMessage struct {
	ProgramID []byte
	Accounts  []txAccountMeta
	Data      []byte
}

type txAccountMeta struct {
	Address  []byte
	Signer   bool
	Writable bool
}

// Message returns the deterministic byte encoding signers commit to.
func (tx *Transaction) Message() ([]byte, error) {
	msg := txMessage{
		ProgramID: tx.Instruction.ProgramID.Bytes(),
		Data:      tx.Instruction.Data,
	}
	for _, meta := range tx.Instruction.Accounts {
		msg.Accounts = append(msg.Accounts, txAccountMeta{
			Address:  meta.Address.Bytes(),
			Signer:   meta.Signer,
			Writable: meta.Writable,
		})
	}
	encoded, err := rlp.EncodeToBytes(&msg)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode transaction message: %w", err)
	}
	return encoded, nil
}

// Sign appends a signature for each key over the transaction message.
func (tx *Transaction) Sign(keys ...*crypto.PrivateKey) error {
	msg, err := tx.Message()
	if err != nil {
		return err
	}
	for _, key := range keys {
		tx.Signatures = append(tx.Signatures, Signature{
			Address:   key.PubKey().Address(),
			Signature: key.Sign(msg),
		})
	}
	return nil
}
