package core

import (
	"fmt"
	"sort"
	"time"

	"DonationLedger/internal/ledger"

	"github.com/google/uuid"
	"lukechampine.com/uint128"
)

// TransferStatus tracks a withdrawal transfer through host settlement.
type TransferStatus string

const (
	TransferPending TransferStatus = "pending"
	TransferSettled TransferStatus = "settled"
	TransferFailed  TransferStatus = "failed"
)

// ParseTransferStatus accepts the values stored in ledger.transfers.
func ParseTransferStatus(s string) (TransferStatus, error) {
	switch TransferStatus(s) {
	case TransferPending, TransferSettled, TransferFailed:
		return TransferStatus(s), nil
	default:
		return "", fmt.Errorf("unknown transfer status %q", s)
	}
}

// transferNamespace derives transfer ids from withdraw call ids, so replay
// reproduces the same id.
var transferNamespace = uuid.MustParse("6f1c3b2e-8d4a-5e7f-9a0b-1c2d3e4f5a6b")

// TransferIDFor returns the deterministic transfer id for a withdraw call.
func TransferIDFor(withdrawKey string) uuid.UUID {
	return uuid.NewSHA1(transferNamespace, []byte(withdrawKey))
}

// Transfer is the host-side record of a TransferRequest.
type Transfer struct {
	ID          uuid.UUID
	Sequence    int64 // sequence of the Withdraw call that requested it
	Beneficiary ledger.Identity
	Amount      uint128.Uint128
	Status      TransferStatus
	Reason      string
	UpdatedAt   time.Time
}

// TransferBook holds every transfer requested by a withdraw.
// Not thread-safe; only the dispatcher goroutine touches it.
type TransferBook struct {
	transfers map[uuid.UUID]*Transfer
	pending   int
}

func NewTransferBook() *TransferBook {
	return &TransferBook{
		transfers: make(map[uuid.UUID]*Transfer),
	}
}

// CheckNew reports whether id is free for a new transfer.
func (b *TransferBook) CheckNew(id uuid.UUID) error {
	if t, ok := b.transfers[id]; ok {
		return fmt.Errorf("%w: %s at sequence %d", ErrDuplicateTransfer, id, t.Sequence)
	}
	return nil
}

// Request records a new transfer. Zero-amount transfers have nothing to move
// and are settled on creation. An id already in the book is refused.
func (b *TransferBook) Request(id uuid.UUID, seq int64, req ledger.TransferRequest, ts time.Time) (*Transfer, error) {
	if err := b.CheckNew(id); err != nil {
		return nil, err
	}
	t := &Transfer{
		ID:          id,
		Sequence:    seq,
		Beneficiary: req.Beneficiary,
		Amount:      req.Amount,
		Status:      TransferPending,
		UpdatedAt:   ts,
	}
	if req.Amount.IsZero() {
		t.Status = TransferSettled
	} else {
		b.pending++
	}
	b.transfers[id] = t
	return t, nil
}

// Check reports whether id can be resolved, without changing anything.
func (b *TransferBook) Check(id uuid.UUID) error {
	t, ok := b.transfers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	if t.Status != TransferPending {
		return fmt.Errorf("%w: %s is %s", ErrTransferNotPending, id, t.Status)
	}
	return nil
}

// Resolve moves a pending transfer to settled or failed.
func (b *TransferBook) Resolve(id uuid.UUID, status TransferStatus, reason string, ts time.Time) (*Transfer, error) {
	if err := b.Check(id); err != nil {
		return nil, err
	}
	t := b.transfers[id]
	t.Status = status
	t.Reason = reason
	t.UpdatedAt = ts
	b.pending--
	return t, nil
}

// Get returns a copy of the transfer.
func (b *TransferBook) Get(id uuid.UUID) (Transfer, bool) {
	t, ok := b.transfers[id]
	if !ok {
		return Transfer{}, false
	}
	return *t, true
}

// Pending returns the number of unresolved transfers.
func (b *TransferBook) Pending() int {
	return b.pending
}

// All returns copies of every transfer ordered by sequence.
func (b *TransferBook) All() []Transfer {
	out := make([]Transfer, 0, len(b.transfers))
	for _, t := range b.transfers {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

// Restore replaces the book contents (snapshot restore).
func (b *TransferBook) Restore(transfers []Transfer) {
	b.transfers = make(map[uuid.UUID]*Transfer, len(transfers))
	b.pending = 0
	for i := range transfers {
		t := transfers[i]
		b.transfers[t.ID] = &t
		if t.Status == TransferPending {
			b.pending++
		}
	}
}
