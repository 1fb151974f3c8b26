// Package ledger holds the donation pool state machine.
//
// A Ledger is not safe for concurrent use. The host (internal/core) delivers
// calls to it one at a time, and every operation either completes fully or
// returns an error without touching state.
package ledger

import (
	"fmt"

	"lukechampine.com/uint128"
)

// Ledger owns the beneficiary, the history and the pooled balance.
// The zero value is uninitialized; Initialize must be called before any
// mutating operation.
type Ledger struct {
	initialized bool
	beneficiary Identity
	history     History
	balance     uint128.Uint128

	// Running totals for the sum invariant, kept modulo 2^128.
	donated   uint128.Uint128
	withdrawn uint128.Uint128
}

// New returns an uninitialized ledger.
func New() *Ledger {
	return &Ledger{}
}

// Initialize sets the beneficiary. It may succeed once per ledger lifetime.
func (l *Ledger) Initialize(beneficiary Identity) error {
	if l.initialized {
		return ErrAlreadyInitialized
	}
	if !beneficiary.Valid() {
		return fmt.Errorf("beneficiary: %w", ErrInvalidIdentity)
	}

	l.initialized = true
	l.beneficiary = beneficiary
	l.history = History{}
	l.balance = uint128.Zero
	l.donated = uint128.Zero
	l.withdrawn = uint128.Zero
	return nil
}

// RecordDonation appends a Donation entry for caller and adds amount to the
// pooled balance. A zero amount is recorded like any other.
// The host has already escrowed amount; the ledger only books it.
func (l *Ledger) RecordDonation(caller Identity, amount uint128.Uint128) (Entry, error) {
	if !l.initialized {
		return Entry{}, ErrNotInitialized
	}
	if !caller.Valid() {
		return Entry{}, fmt.Errorf("caller: %w", ErrInvalidIdentity)
	}
	if amount.Cmp(uint128.Max.Sub(l.balance)) > 0 {
		return Entry{}, ErrBalanceOverflow
	}

	entry := Entry{Actor: caller, Kind: OperationDonation, Amount: amount}
	l.history.Append(entry)
	l.balance = l.balance.Add(amount)
	l.donated = l.donated.AddWrap(amount)
	return entry, nil
}

// Withdraw moves the whole pooled balance to the beneficiary. Only the
// beneficiary may call it. On success the balance is zero, one Withdrawal
// entry carrying the previous balance is appended, and the returned request
// tells the host what to transfer.
//
// Withdrawing an empty pool is allowed and records a zero-amount entry.
func (l *Ledger) Withdraw(caller Identity) (TransferRequest, error) {
	if !l.initialized {
		return TransferRequest{}, ErrNotInitialized
	}
	if caller != l.beneficiary {
		return TransferRequest{}, ErrUnauthorized
	}

	amount := l.balance
	l.balance = uint128.Zero
	l.history.Append(Entry{Actor: l.beneficiary, Kind: OperationWithdrawal, Amount: amount})
	l.withdrawn = l.withdrawn.AddWrap(amount)

	return TransferRequest{Beneficiary: l.beneficiary, Amount: amount}, nil
}

// History returns the full history in chronological order.
func (l *Ledger) History() []Entry {
	return l.history.All()
}

// HistoryPage returns a window of the history. Concatenating consecutive pages
// yields exactly History().
func (l *Ledger) HistoryPage(offset, limit int) []Entry {
	return l.history.Page(offset, limit)
}

// EntryAt returns the entry at position i.
func (l *Ledger) EntryAt(i int) (Entry, bool) {
	return l.history.At(i)
}

// Len returns the history length.
func (l *Ledger) Len() int {
	return l.history.Len()
}

// Balance returns the pooled balance.
func (l *Ledger) Balance() uint128.Uint128 {
	return l.balance
}

// Beneficiary returns the identity allowed to withdraw.
func (l *Ledger) Beneficiary() Identity {
	return l.beneficiary
}

// Initialized reports whether Initialize has succeeded.
func (l *Ledger) Initialized() bool {
	return l.initialized
}

// Restore rebuilds an initialized ledger from a persisted history.
// Balance and totals are derived from the entries, never taken on trust.
func Restore(beneficiary Identity, entries []Entry) (*Ledger, error) {
	l := New()
	if err := l.Initialize(beneficiary); err != nil {
		return nil, err
	}

	for i, e := range entries {
		switch e.Kind {
		case OperationDonation:
			if e.Amount.Cmp(uint128.Max.Sub(l.balance)) > 0 {
				return nil, fmt.Errorf("entry %d: %w", i, ErrBalanceOverflow)
			}
			l.balance = l.balance.Add(e.Amount)
			l.donated = l.donated.AddWrap(e.Amount)
		case OperationWithdrawal:
			if e.Actor != beneficiary {
				return nil, fmt.Errorf("entry %d: withdrawal by %s: %w", i, e.Actor, ErrUnauthorized)
			}
			if !e.Amount.Equals(l.balance) {
				return nil, fmt.Errorf("entry %d: withdrawal of %s does not drain balance %s", i, e.Amount, l.balance)
			}
			l.balance = uint128.Zero
			l.withdrawn = l.withdrawn.AddWrap(e.Amount)
		default:
			return nil, fmt.Errorf("entry %d: unknown kind %d", i, e.Kind)
		}
		l.history.Append(e)
	}

	return l, nil
}
