package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"imchain/crypto"
	"imchain/observability/metrics"
)

var (
	ErrUnknownProgram   = errors.New("ledger: program not registered")
	ErrBadSignature     = errors.New("ledger: transaction signature verification failed")
	ErrSignerMissing    = errors.New("ledger: required signer has not signed")
	ErrDuplicateAccount = errors.New("ledger: account listed twice in one transaction")

	ErrAccountInUse           = errors.New("ledger: create target is already in use")
	ErrInsufficientFunds      = errors.New("ledger: funder balance below requested deposit")
	ErrTargetNotWritable      = errors.New("ledger: create target is not writable")
	ErrUnauthorizedAllocation = errors.New("ledger: allocation authorized by neither signature nor seeds")
)

// ProcessFunc is a program entry point. It receives the invocation
// environment, its own program address, the ordered account views the
// transaction supplied, and the raw instruction payload.
type ProcessFunc func(env *Env, programID crypto.Address, accounts []*AccountInfo, data []byte) error

// Runtime executes transactions against a Store. Each transaction is one
// atomic state transition: either every mutation it makes is persisted, or
// none is. Conflicting transactions are serialized by a single execution
// lock, giving programs the per-account write-exclusivity they rely on.
type Runtime struct {
	mu       sync.Mutex
	store    *Store
	programs map[crypto.Address]ProcessFunc
	rent     Rent
	nowFn    func() int64
	logger   *slog.Logger
}

func NewRuntime(store *Store, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		store:    store,
		programs: make(map[crypto.Address]ProcessFunc),
		rent:     DefaultRent(),
		nowFn:    func() int64 { return time.Now().Unix() },
		logger:   logger,
	}
}

// RegisterProgram installs the entry point reachable at addr.
func (rt *Runtime) RegisterProgram(addr crypto.Address, fn ProcessFunc) {
	rt.programs[addr] = fn
}

// SetNowFunc overrides the time source used for the clock sysvar. Primarily
// intended for tests to provide deterministic timestamps.
func (rt *Runtime) SetNowFunc(now func() int64) {
	if now == nil {
		rt.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	rt.nowFn = now
}

// Store exposes the backing account store for read-only queries.
func (rt *Runtime) Store() *Store { return rt.store }

// Rent returns the runtime's rent parameters.
func (rt *Runtime) Rent() Rent { return rt.rent }

// Execute verifies the transaction's signatures, loads its account list,
// invokes the target program, and commits every writable account on success.
// Any error discards all of the invocation's writes.
func (rt *Runtime) Execute(tx *Transaction) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	program := tx.Instruction.ProgramID
	proc, ok := rt.programs[program]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProgram, program)
	}

	msg, err := tx.Message()
	if err != nil {
		return err
	}
	signers := make(map[crypto.Address]struct{}, len(tx.Signatures))
	for _, sig := range tx.Signatures {
		if !crypto.VerifySignature(sig.Address, msg, sig.Signature) {
			return fmt.Errorf("%w: %s", ErrBadSignature, sig.Address)
		}
		signers[sig.Address] = struct{}{}
	}

	seen := make(map[crypto.Address]struct{}, len(tx.Instruction.Accounts))
	infos := make([]*AccountInfo, 0, len(tx.Instruction.Accounts))
	for _, meta := range tx.Instruction.Accounts {
		if _, dup := seen[meta.Address]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateAccount, meta.Address)
		}
		seen[meta.Address] = struct{}{}

		_, signed := signers[meta.Address]
		if meta.Signer && !signed {
			return fmt.Errorf("%w: %s", ErrSignerMissing, meta.Address)
		}

		info := &AccountInfo{
			Key:      meta.Address,
			Owner:    SystemProgramAddress,
			Signer:   signed,
			Writable: meta.Writable,
		}
		acc, exists, err := rt.store.Get(meta.Address)
		if err != nil {
			return err
		}
		if exists {
			info.Owner = acc.Owner
			info.Lamports = acc.Lamports
			info.Data = append([]byte(nil), acc.Data...)
		}
		infos = append(infos, info)
	}

	env := &Env{runtime: rt, program: program}
	if err := proc(env, program, infos, tx.Instruction.Data); err != nil {
		metrics.Ledger().ObserveExecution(program.String(), false)
		rt.logger.Debug("transaction rejected",
			slog.String("program", program.String()),
			slog.Any("error", err))
		return err
	}

	for _, info := range infos {
		if !info.Writable {
			continue
		}
		acc := &Account{Owner: info.Owner, Lamports: info.Lamports, Data: info.Data}
		if err := rt.store.Put(info.Key, acc); err != nil {
			return err
		}
	}
	metrics.Ledger().ObserveExecution(program.String(), true)
	return nil
}

// Env is the host interface a program sees during one invocation.
type Env struct {
	runtime *Runtime
	program crypto.Address
}

// Rent returns the rent parameters in force for this invocation.
func (e *Env) Rent() Rent { return e.runtime.rent }

// Clock returns the wall-clock sysvar snapshot for this invocation.
func (e *Env) Clock() Clock {
	return Clock{UnixTimestamp: e.runtime.nowFn()}
}

// Logger returns the runtime logger.
func (e *Env) Logger() *slog.Logger { return e.runtime.logger }

// CreateAccount is the system-level account-creation primitive. The funder
// must have signed and carry the deposit; the target must be empty, writable,
// and either a signer itself or reproducible from seeds under the calling
// program (nonce authorization). On success the target is a zero-initialized
// account of the requested size owned by owner, funded from the funder.
func (e *Env) CreateAccount(funder, target *AccountInfo, lamports, space uint64, owner crypto.Address, seeds [][]byte) error {
	if !funder.Signer {
		return fmt.Errorf("%w: funder %s", ErrSignerMissing, funder.Key)
	}
	if !target.Writable {
		return fmt.Errorf("%w: %s", ErrTargetNotWritable, target.Key)
	}
	if len(target.Data) > 0 || target.Lamports > 0 {
		return fmt.Errorf("%w: %s", ErrAccountInUse, target.Key)
	}
	if !target.Signer {
		derived, err := crypto.CreateProgramAddress(seeds, e.program)
		if err != nil {
			return fmt.Errorf("ledger: seed derivation failed: %w", err)
		}
		if derived != target.Key {
			return fmt.Errorf("%w: %s", ErrUnauthorizedAllocation, target.Key)
		}
	}
	if funder.Lamports < lamports {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, funder.Lamports, lamports)
	}
	funder.Lamports -= lamports
	target.Lamports = lamports
	target.Owner = owner
	target.Data = make([]byte, space)
	return nil
}
