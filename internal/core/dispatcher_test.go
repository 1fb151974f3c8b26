package core_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"DonationLedger/internal/core"
	"DonationLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func startDispatcher(t *testing.T) (*core.Dispatcher, context.CancelFunc) {
	t.Helper()
	h := core.NewHost(core.HostConfig{Logger: zerolog.Nop()})
	d := core.NewDispatcher(h, 64, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-d.Done()
	})
	return d, cancel
}

func TestDispatcher_ReadsObserveCompletedCalls(t *testing.T) {
	d, _ := startDispatcher(t)
	ctx := context.Background()

	if _, err := d.Beneficiary(ctx); !errors.Is(err, ledger.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}

	if _, err := d.Submit(ctx, mustInitialize("alice")); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := d.Submit(ctx, mustDonate("bob", 500, 0)); err != nil {
		t.Fatalf("donate: %v", err)
	}

	bal, err := d.Balance(ctx)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !bal.Equals64(500) {
		t.Errorf("balance: got %s, want 500", bal)
	}

	b, err := d.Beneficiary(ctx)
	if err != nil || b != "alice" {
		t.Errorf("beneficiary: got %q, %v", b, err)
	}

	hist, err := d.History(ctx)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 || hist[0].Actor != "bob" {
		t.Errorf("history: got %+v", hist)
	}

	page, err := d.HistoryPage(ctx, 0, 10)
	if err != nil {
		t.Fatalf("HistoryPage: %v", err)
	}
	if page.Total != 1 || page.AsOfSequence != 1 {
		t.Errorf("page: total %d as_of %d", page.Total, page.AsOfSequence)
	}
}

func TestDispatcher_ErrorsPassThrough(t *testing.T) {
	d, _ := startDispatcher(t)
	ctx := context.Background()
	d.Submit(ctx, mustInitialize("alice"))

	_, err := d.Submit(ctx, mustWithdraw("bob", 0))
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if _, err := d.Transfer(ctx, uuid.New()); !errors.Is(err, core.ErrUnknownTransfer) {
		t.Fatalf("expected ErrUnknownTransfer, got %v", err)
	}
}

func TestDispatcher_ConcurrentDonationsAllApplied(t *testing.T) {
	d, _ := startDispatcher(t)
	ctx := context.Background()
	d.Submit(ctx, mustInitialize("alice"))

	const workers, perWorker = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			caller := ledger.Identity(fmt.Sprintf("donor-%d", w))
			for i := 0; i < perWorker; i++ {
				if _, err := d.Submit(ctx, mustDonate(caller, 2, 0)); err != nil {
					t.Errorf("donate: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	view, err := d.View(ctx)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.HistoryLen != workers*perWorker {
		t.Errorf("history length: got %d, want %d", view.HistoryLen, workers*perWorker)
	}
	if !view.Balance.Equals64(2 * workers * perWorker) {
		t.Errorf("balance: got %s, want %d", view.Balance, 2*workers*perWorker)
	}
}

func TestDispatcher_ClosedAfterCancel(t *testing.T) {
	d, cancel := startDispatcher(t)
	cancel()

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	_, err := d.Submit(context.Background(), mustInitialize("alice"))
	if !errors.Is(err, core.ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed, got %v", err)
	}
}

func TestDispatcher_ContextCancelledWhileQueued(t *testing.T) {
	h := core.NewHost(core.HostConfig{Logger: zerolog.Nop()})
	d := core.NewDispatcher(h, 0, zerolog.Nop()) // never started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Submit(ctx, mustInitialize("alice"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}
