package core_test

import (
	"errors"
	"testing"

	"DonationLedger/internal/core"
	"DonationLedger/internal/ledger"
	"DonationLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func newMeteredHost(t *testing.T) (*core.Host, *observability.Metrics) {
	t.Helper()
	m := observability.NewMetrics(prometheus.NewRegistry())
	h := core.NewHost(core.HostConfig{
		PersistChan:    make(chan core.CoreOutput, 64),
		ProjectionChan: make(chan core.CoreOutput, 64),
		Metrics:        m,
		Logger:         zerolog.Nop(),
	})
	return h, m
}

func TestMetrics_AppliedAndRejected(t *testing.T) {
	h, m := newMeteredHost(t)

	process(t, h, mustInitialize("alice"))
	donation := mustDonate("bob", 500, 1)
	process(t, h, donation)
	process(t, h, mustDonate("carol", 300, 1))

	// Replay of the same call is a duplicate, not a second donation.
	if r := process(t, h, donation); !r.Duplicate {
		t.Fatal("expected duplicate receipt")
	}

	if _, err := h.ProcessCall(mustWithdraw("bob", 2)); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.ProcessCall(mustDonate("bob", 1, 5)); !errors.Is(err, core.ErrNonceGap) {
		t.Fatalf("expected ErrNonceGap, got %v", err)
	}

	process(t, h, mustWithdraw("alice", 1))

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"initialize applied", testutil.ToFloat64(m.CallsApplied.WithLabelValues("Initialize")), 1},
		{"donate applied", testutil.ToFloat64(m.CallsApplied.WithLabelValues("Donate")), 2},
		{"withdraw applied", testutil.ToFloat64(m.CallsApplied.WithLabelValues("Withdraw")), 1},
		{"duplicate rejected", testutil.ToFloat64(m.CallsRejected.WithLabelValues("Donate", "duplicate")), 1},
		{"unauthorized rejected", testutil.ToFloat64(m.CallsRejected.WithLabelValues("Withdraw", "unauthorized")), 1},
		{"nonce gap rejected", testutil.ToFloat64(m.CallsRejected.WithLabelValues("Donate", "nonce_gap")), 1},
		{"nonce gap counted", testutil.ToFloat64(m.NonceRejected.WithLabelValues("gap")), 1},
		{"lru duplicate", testutil.ToFloat64(m.IdempotencyDuplicates.WithLabelValues("Donate", "lru")), 1},
		{"donations", testutil.ToFloat64(m.DonationsTotal), 2},
		{"withdrawals", testutil.ToFloat64(m.WithdrawalsTotal), 1},
		{"transfers requested", testutil.ToFloat64(m.TransfersRequested), 1},
		{"transfers pending", testutil.ToFloat64(m.TransfersPending), 1},
		{"history length", testutil.ToFloat64(m.HistoryLength), 3},
		{"pool drained", testutil.ToFloat64(m.PooledBalance), 0},
		{"sequence", testutil.ToFloat64(m.Sequence), 4},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}

	if n := testutil.CollectAndCount(m.CallDuration); n != 3 {
		t.Errorf("expected duration series for 3 call types, got %d", n)
	}
}

func TestMetrics_NilIsAllowed(t *testing.T) {
	h, _, _ := newTestHost()
	process(t, h, mustInitialize("alice"))
	process(t, h, mustDonate("bob", 1, 1))
}
