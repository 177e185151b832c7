// Package ledger implements the escrow settlement state machine.
//
// Each record moves Empty → Funded → {Fulfilled | Withdrawn}; Empty is both
// the initial state and the terminal state after withdrawal. The package is
// the executable reference for the deployed settlement contract: the
// simulated backend runs on it directly, and the contract binding decodes
// on-chain reverts into this package's errors so both paths fail identically.
//
// Ordering rule for every paying operation: commit the state change first,
// transfer value second, and roll the state back if the transfer fails. The
// whole operation is atomic under the ledger mutex.
package ledger

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/etchpay/internal/wei"
)

var (
	ErrAlreadyExists    = errors.New("ledger: escrow already exists")
	ErrNotWorker        = errors.New("ledger: caller is not the worker")
	ErrAlreadyFulfilled = errors.New("ledger: escrow already fulfilled")
	ErrNotSender        = errors.New("ledger: caller is not the escrow sender")
	ErrTooEarly         = errors.New("ledger: withdrawal delay has not elapsed")
	ErrNotOwner         = errors.New("ledger: caller is not the owner")
	ErrAmountOverflow   = errors.New("ledger: amount exceeds 128-bit value field")
	ErrTransferFailed   = errors.New("ledger: value transfer failed")
)

// WithdrawDelay is how long a payer must wait after funding before the
// escrow can be reclaimed. Fulfillment permanently closes the window.
const WithdrawDelay = time.Hour

// WithdrawDelaySeconds is WithdrawDelay for API responses.
const WithdrawDelaySeconds = int64(WithdrawDelay / time.Second)

// Record is a single escrow entry. A record whose Payer is the zero address
// does not exist; Value is always positive for existing records.
type Record struct {
	Value     *big.Int
	CreatedAt uint64 // unix seconds
	Fulfilled bool
	Payer     common.Address
}

// Exists reports whether the record represents a live escrow.
func (r *Record) Exists() bool {
	return r != nil && r.Payer != (common.Address{})
}

// TransferFunc moves value out of the ledger to an external account.
// A non-nil error aborts (reverts) the operation that triggered it.
type TransferFunc func(to common.Address, amount *big.Int) error

// Ledger holds escrow records and the contract's pooled balance.
type Ledger struct {
	mu       sync.Mutex
	owner    common.Address
	worker   common.Address
	records  map[common.Hash]*Record
	balance  *big.Int
	transfer TransferFunc
	now      func() time.Time
}

// New creates a ledger with the given owner and worker roles. transfer is
// invoked for every outbound payment; passing nil installs a no-op transfer
// (useful when only state transitions are under test).
func New(owner, worker common.Address, transfer TransferFunc) *Ledger {
	if transfer == nil {
		transfer = func(common.Address, *big.Int) error { return nil }
	}
	return &Ledger{
		owner:    owner,
		worker:   worker,
		records:  make(map[common.Hash]*Record),
		balance:  new(big.Int),
		transfer: transfer,
		now:      time.Now,
	}
}

// Fund creates an escrow record for id, funded by payer with amount wei.
// Fails with ErrAlreadyExists if the id is in use or the amount is zero,
// and with ErrAmountOverflow if the amount does not fit the 128-bit field.
func (l *Ledger) Fund(payer common.Address, id common.Hash, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return ErrAlreadyExists
	}
	if !wei.FitsUint128(amount) {
		return ErrAmountOverflow
	}
	if rec, ok := l.records[id]; ok && rec.Exists() {
		return ErrAlreadyExists
	}

	l.records[id] = &Record{
		Value:     new(big.Int).Set(amount),
		CreatedAt: uint64(l.now().Unix()),
		Payer:     payer,
	}
	l.balance.Add(l.balance, amount)
	return nil
}

// Fulfill marks the escrow fulfilled and pays its value to the worker.
// Only the worker role may call it. A missing record reports
// ErrAlreadyFulfilled: an absent record has payer == zero, which from the
// worker's perspective is a terminal state either way.
func (l *Ledger) Fulfill(caller common.Address, id common.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.worker {
		return ErrNotWorker
	}

	rec := l.records[id]
	if !rec.Exists() || rec.Fulfilled {
		return ErrAlreadyFulfilled
	}

	// Commit-then-pay: flip the flag before the external transfer so a
	// re-entrant call observes the terminal state. A failed transfer
	// reverts the flip, keeping fulfillment atomic with payment.
	rec.Fulfilled = true
	if err := l.transfer(l.worker, rec.Value); err != nil {
		rec.Fulfilled = false
		return errors.Join(ErrTransferFailed, err)
	}
	l.balance.Sub(l.balance, rec.Value)
	return nil
}

// Withdraw refunds the escrow to its payer after the withdrawal delay.
// Fulfilled escrows are never withdrawn.
func (l *Ledger) Withdraw(caller common.Address, id common.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.records[id]
	if !rec.Exists() || rec.Payer != caller {
		// Absent records have payer == zero, which never matches a caller.
		return ErrNotSender
	}
	if rec.Fulfilled {
		return ErrAlreadyFulfilled
	}
	if uint64(l.now().Unix()) < rec.CreatedAt+uint64(WithdrawDelaySeconds) {
		return ErrTooEarly
	}

	// Delete before transferring, same ordering rule as Fulfill.
	delete(l.records, id)
	if err := l.transfer(rec.Payer, rec.Value); err != nil {
		l.records[id] = rec
		return errors.Join(ErrTransferFailed, err)
	}
	l.balance.Sub(l.balance, rec.Value)
	return nil
}

// EmergencyWithdraw sweeps the ledger's entire held balance to the owner.
// This is an administrative override for stuck-funds recovery, not part of
// any per-escrow flow; records are left in place.
func (l *Ledger) EmergencyWithdraw(caller common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.owner {
		return ErrNotOwner
	}
	if l.balance.Sign() == 0 {
		return nil
	}

	amount := new(big.Int).Set(l.balance)
	l.balance.SetInt64(0)
	if err := l.transfer(l.owner, amount); err != nil {
		l.balance.Set(amount)
		return errors.Join(ErrTransferFailed, err)
	}
	return nil
}

// SetWorker rotates the worker role. Owner only.
func (l *Ledger) SetWorker(caller, worker common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.owner {
		return ErrNotOwner
	}
	l.worker = worker
	return nil
}

// SetOwner rotates the owner role. Owner only.
func (l *Ledger) SetOwner(caller, owner common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.owner {
		return ErrNotOwner
	}
	l.owner = owner
	return nil
}

// Escrow returns a copy of the record for id. Absent records come back as
// a zero record (payer == zero address), mirroring the contract's view call.
func (l *Ledger) Escrow(id common.Hash) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return Record{Value: new(big.Int)}
	}
	return Record{
		Value:     new(big.Int).Set(rec.Value),
		CreatedAt: rec.CreatedAt,
		Fulfilled: rec.Fulfilled,
		Payer:     rec.Payer,
	}
}

// Balance returns the ledger's pooled balance in wei.
func (l *Ledger) Balance() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance)
}

// Worker returns the current worker role.
func (l *Ledger) Worker() common.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.worker
}
