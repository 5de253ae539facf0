package messaging

import (
	"imchain/crypto"
	"imchain/ledger"
)

// createPDAAccount allocates target as a program-owned account funded from
// funder, authorized by the derivation seed chain rather than a signature.
//
// Rent-exempt accounts deposit the full exemption minimum. Temporary accounts
// deposit roughly a seven-day holding period's worth of it instead: messages
// are numerous, and the deployer does not permanently escrow full exemption
// per message. Either way the deposit never falls below one unit.
func createPDAAccount(env *ledger.Env, funder, target *ledger.AccountInfo, rentExempt bool, space int, owner crypto.Address, seeds [][]byte) error {
	rent := env.Rent()
	balance := rent.MinimumBalance(space)
	if !rentExempt {
		balance = balance / uint64(rent.ExemptionThreshold*365) * 7
	}
	if balance < 1 {
		balance = 1
	}
	if err := env.CreateAccount(funder, target, balance, uint64(space), owner, seeds); err != nil {
		return allocationFailure(err)
	}
	return nil
}
