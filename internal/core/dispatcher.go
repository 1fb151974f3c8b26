package core

import (
	"context"

	"DonationLedger/internal/event"
	"DonationLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"lukechampine.com/uint128"
)

// Dispatcher owns the Host and runs every call and every read on a single
// goroutine. A read submitted after a call returns observes that call.
type Dispatcher struct {
	host     *Host
	requests chan request
	done     chan struct{}
	logger   zerolog.Logger
}

type request struct {
	fn   func(h *Host)
	done chan struct{}
}

// HistoryPage is a slice of the full ordered history.
type HistoryPage struct {
	Entries      []ledger.Entry
	Offset       int
	Total        int
	AsOfSequence int64
}

// LedgerView is a consistent read of the scalar ledger state.
type LedgerView struct {
	Initialized  bool
	Beneficiary  ledger.Identity
	Balance      uint128.Uint128
	HistoryLen   int
	AsOfSequence int64
}

func NewDispatcher(host *Host, queueSize int, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		host:     host,
		requests: make(chan request, queueSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Run processes requests until ctx is cancelled. It must be started exactly
// once.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	d.logger.Info().Int64("next_sequence", d.host.GetSequence()).Msg("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Int64("next_sequence", d.host.GetSequence()).Msg("dispatcher stopped")
			return
		case req := <-d.requests:
			req.fn(d.host)
			close(req.done)
		}
	}
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) do(ctx context.Context, fn func(h *Host)) error {
	req := request{fn: fn, done: make(chan struct{})}

	select {
	case d.requests <- req:
	case <-d.done:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-d.done:
		// Run may have finished the request just before exiting.
		select {
		case <-req.done:
			return nil
		default:
			return ErrDispatcherClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit applies call and returns its receipt.
func (d *Dispatcher) Submit(ctx context.Context, call event.Call) (Receipt, error) {
	var (
		receipt Receipt
		err     error
	)
	if doErr := d.do(ctx, func(h *Host) {
		receipt, err = h.ProcessCall(call)
	}); doErr != nil {
		return Receipt{}, doErr
	}
	return receipt, err
}

// History returns the full ordered history.
func (d *Dispatcher) History(ctx context.Context) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	err := d.do(ctx, func(h *Host) {
		entries = h.Ledger().History()
	})
	return entries, err
}

// HistoryPage returns entries [offset, offset+limit). limit <= 0 reads to the end.
func (d *Dispatcher) HistoryPage(ctx context.Context, offset, limit int) (HistoryPage, error) {
	var page HistoryPage
	err := d.do(ctx, func(h *Host) {
		page = HistoryPage{
			Entries:      h.Ledger().HistoryPage(offset, limit),
			Offset:       offset,
			Total:        h.Ledger().Len(),
			AsOfSequence: h.GetSequence() - 1,
		}
	})
	return page, err
}

// View returns beneficiary, balance and history length read together.
func (d *Dispatcher) View(ctx context.Context) (LedgerView, error) {
	var view LedgerView
	err := d.do(ctx, func(h *Host) {
		l := h.Ledger()
		view = LedgerView{
			Initialized:  l.Initialized(),
			Beneficiary:  l.Beneficiary(),
			Balance:      l.Balance(),
			HistoryLen:   l.Len(),
			AsOfSequence: h.GetSequence() - 1,
		}
	})
	return view, err
}

// Balance returns the pooled balance.
func (d *Dispatcher) Balance(ctx context.Context) (uint128.Uint128, error) {
	view, err := d.View(ctx)
	return view.Balance, err
}

// Beneficiary returns the beneficiary, or ledger.ErrNotInitialized.
func (d *Dispatcher) Beneficiary(ctx context.Context) (ledger.Identity, error) {
	view, err := d.View(ctx)
	if err != nil {
		return "", err
	}
	if !view.Initialized {
		return "", ledger.ErrNotInitialized
	}
	return view.Beneficiary, nil
}

// Transfer returns a transfer record, or ErrUnknownTransfer.
func (d *Dispatcher) Transfer(ctx context.Context, id uuid.UUID) (Transfer, error) {
	var (
		t  Transfer
		ok bool
	)
	if err := d.do(ctx, func(h *Host) {
		t, ok = h.Transfer(id)
	}); err != nil {
		return Transfer{}, err
	}
	if !ok {
		return Transfer{}, ErrUnknownTransfer
	}
	return t, nil
}

// ExpectedNonce returns the next nonce caller must use.
func (d *Dispatcher) ExpectedNonce(ctx context.Context, caller ledger.Identity) (uint64, error) {
	var n uint64
	err := d.do(ctx, func(h *Host) {
		n = h.ExpectedNonce(caller)
	})
	return n, err
}

// Snapshot captures host state on the dispatcher goroutine.
func (d *Dispatcher) Snapshot(ctx context.Context) (*SnapshotState, error) {
	var snap *SnapshotState
	err := d.do(ctx, func(h *Host) {
		snap = h.CreateSnapshotState()
	})
	return snap, err
}
