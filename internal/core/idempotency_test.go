package core_test

import (
	"errors"
	"testing"

	"DonationLedger/internal/core"

	"github.com/rs/zerolog"
)

type fakeDBChecker struct {
	seen  map[string]bool
	err   error
	calls int
}

func (f *fakeDBChecker) IsDuplicate(callType, key string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.seen[core.CompositeKey(callType, key)], nil
}

func TestLRU_EvictsOldest(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Contains("a") // promote a
	lru.Add("c")      // evicts b

	if !lru.Contains("a") || !lru.Contains("c") {
		t.Error("expected a and c to remain")
	}
	if lru.Contains("b") {
		t.Error("expected b to be evicted")
	}
	if lru.Evictions() != 1 {
		t.Errorf("evictions: got %d, want 1", lru.Evictions())
	}
}

func TestLRU_KeysRoundTripPreservesOrder(t *testing.T) {
	lru := core.NewIdempotencyLRU(3)
	lru.WarmFromKeys([]string{"a", "b", "c"})

	warmed := core.NewIdempotencyLRU(2)
	warmed.WarmFromKeys(lru.Keys())

	// Capacity 2 keeps the two most recent keys.
	if warmed.Contains("a") {
		t.Error("oldest key should not survive a smaller cache")
	}
	if !warmed.Contains("b") || !warmed.Contains("c") {
		t.Error("recent keys missing")
	}
}

func TestIdempotencyChecker_TierTwoHitCachesInLRU(t *testing.T) {
	db := &fakeDBChecker{seen: map[string]bool{core.CompositeKey("Donate", "k1"): true}}
	ic := core.NewIdempotencyChecker(10, db, nil, zerolog.Nop())

	if !ic.IsDuplicate("Donate", "k1") {
		t.Fatal("expected postgres duplicate")
	}
	if !ic.IsDuplicate("Donate", "k1") {
		t.Fatal("expected lru duplicate")
	}
	if db.calls != 1 {
		t.Errorf("db lookups: got %d, want 1", db.calls)
	}
}

func TestIdempotencyChecker_KeysScopedByCallType(t *testing.T) {
	ic := core.NewIdempotencyChecker(10, nil, nil, zerolog.Nop())
	ic.MarkProcessed("TransferSettled", "t1")

	if ic.IsDuplicate("TransferFailed", "t1") {
		t.Error("keys of different call types must not collide")
	}
	if !ic.IsDuplicate("TransferSettled", "t1") {
		t.Error("expected duplicate")
	}
}

func TestIdempotencyChecker_TierTwoErrorTreatedAsNew(t *testing.T) {
	db := &fakeDBChecker{err: errors.New("connection refused")}
	ic := core.NewIdempotencyChecker(10, db, nil, zerolog.Nop())

	if ic.IsDuplicate("Donate", "k1") {
		t.Error("lookup failure must not report a duplicate")
	}
	if ic.Tier2Errors() != 1 {
		t.Errorf("tier2 errors: got %d, want 1", ic.Tier2Errors())
	}
}
