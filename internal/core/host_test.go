package core_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"DonationLedger/internal/core"
	"DonationLedger/internal/event"
	"DonationLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"lukechampine.com/uint128"
)

// --- Test helpers ---

// newTestHost creates a Host with buffered channels and no DB checker.
func newTestHost() (*core.Host, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	h := core.NewHost(core.HostConfig{
		PersistChan:    persistChan,
		ProjectionChan: projChan,
		Logger:         zerolog.Nop(),
	})
	return h, persistChan, projChan
}

var testClock = time.UnixMicro(1_700_000_000_000_000)

func ts(i int) time.Time {
	return testClock.Add(time.Duration(i) * time.Millisecond)
}

func mustInitialize(beneficiary ledger.Identity) *event.Initialize {
	return &event.Initialize{
		CallID:      uuid.New(),
		Caller:      "deployer",
		Beneficiary: beneficiary,
		Timestamp:   ts(0),
	}
}

func mustDonate(caller ledger.Identity, amount uint64, nonce uint64) *event.Donate {
	return &event.Donate{
		CallID:     uuid.New(),
		Caller:     caller,
		Amount:     uint128.From64(amount),
		FeeReserve: 1,
		Nonce:      nonce,
		Timestamp:  ts(int(nonce) + 1),
	}
}

func mustWithdraw(caller ledger.Identity, nonce uint64) *event.Withdraw {
	return &event.Withdraw{
		CallID:     uuid.New(),
		Caller:     caller,
		FeeReserve: 1,
		Nonce:      nonce,
		Timestamp:  ts(int(nonce) + 100),
	}
}

func process(t *testing.T, h *core.Host, call event.Call) core.Receipt {
	t.Helper()
	r, err := h.ProcessCall(call)
	if err != nil {
		t.Fatalf("ProcessCall(%s) failed: %v", call.CallType(), err)
	}
	return r
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func initAlice(t *testing.T) (*core.Host, chan core.CoreOutput) {
	t.Helper()
	h, persistCh, _ := newTestHost()
	process(t, h, mustInitialize("alice"))
	drainOutputs(persistCh)
	return h, persistCh
}

// ============================================================================
// Test: Calls end to end
// ============================================================================

func TestHost_DonationThroughHost(t *testing.T) {
	h, persistCh := initAlice(t)

	r := process(t, h, mustDonate("bob", 500, 0))
	if r.Entry == nil || r.Entry.Actor != "bob" || r.Entry.Kind != ledger.OperationDonation {
		t.Fatalf("unexpected entry: %+v", r.Entry)
	}
	if r.Position != 0 {
		t.Errorf("position: got %d, want 0", r.Position)
	}
	if !h.Ledger().Balance().Equals64(500) {
		t.Errorf("balance: got %s, want 500", h.Ledger().Balance())
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Envelope.CallType != event.CallTypeDonate {
		t.Errorf("call type: got %s, want Donate", outputs[0].Envelope.CallType)
	}
	if !outputs[0].Balance.Equals64(500) || outputs[0].HistoryLen != 1 {
		t.Errorf("output state: balance %s len %d", outputs[0].Balance, outputs[0].HistoryLen)
	}
}

func TestHost_NonBeneficiaryWithdraw_NoOutput(t *testing.T) {
	h, persistCh := initAlice(t)
	process(t, h, mustDonate("bob", 500, 0))
	drainOutputs(persistCh)
	seq := h.GetSequence()

	_, err := h.ProcessCall(mustWithdraw("bob", 0))
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if !h.Ledger().Balance().Equals64(500) || h.Ledger().Len() != 1 {
		t.Errorf("state changed: balance %s len %d", h.Ledger().Balance(), h.Ledger().Len())
	}
	if h.GetSequence() != seq {
		t.Errorf("sequence advanced on rejected call: got %d, want %d", h.GetSequence(), seq)
	}
	if out := drainOutputs(persistCh); len(out) != 0 {
		t.Errorf("expected no outputs, got %d", len(out))
	}
}

func TestHost_BeneficiaryWithdraw_RequestsTransfer(t *testing.T) {
	h, persistCh := initAlice(t)
	process(t, h, mustDonate("bob", 500, 0))
	drainOutputs(persistCh)

	w := mustWithdraw("alice", 0)
	r := process(t, h, w)

	if r.Transfer == nil {
		t.Fatal("expected a transfer")
	}
	if r.Transfer.Beneficiary != "alice" || !r.Transfer.Amount.Equals64(500) {
		t.Errorf("transfer: got %s/%s, want alice/500", r.Transfer.Beneficiary, r.Transfer.Amount)
	}
	if r.Transfer.Status != core.TransferPending {
		t.Errorf("status: got %s, want pending", r.Transfer.Status)
	}
	if r.Transfer.ID != core.TransferIDFor(w.IdempotencyKey()) {
		t.Errorf("transfer id not derived from call id")
	}
	if !h.Ledger().Balance().IsZero() {
		t.Errorf("balance: got %s, want 0", h.Ledger().Balance())
	}

	hist := h.Ledger().History()
	want := []ledger.Entry{
		{Actor: "bob", Kind: ledger.OperationDonation, Amount: uint128.From64(500)},
		{Actor: "alice", Kind: ledger.OperationWithdrawal, Amount: uint128.From64(500)},
	}
	if len(hist) != len(want) {
		t.Fatalf("history length: got %d, want %d", len(hist), len(want))
	}
	for i := range want {
		if hist[i] != want[i] {
			t.Errorf("entry %d: got %+v, want %+v", i, hist[i], want[i])
		}
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 || outputs[0].Transfer == nil {
		t.Fatalf("expected 1 output carrying the transfer, got %d", len(outputs))
	}
}

func TestHost_TwoDonationsThenWithdraw(t *testing.T) {
	h, _ := initAlice(t)
	process(t, h, mustDonate("bob", 100, 0))
	process(t, h, mustDonate("carol", 250, 0))
	r := process(t, h, mustWithdraw("alice", 0))

	if !r.Transfer.Amount.Equals64(350) {
		t.Errorf("withdrawn: got %s, want 350", r.Transfer.Amount)
	}
	if !h.Ledger().Balance().IsZero() || h.Ledger().Len() != 3 {
		t.Errorf("final state: balance %s len %d", h.Ledger().Balance(), h.Ledger().Len())
	}
	donated, withdrawn := ledger.SumByKind(h.Ledger().History())
	if !donated.Equals(withdrawn) {
		t.Errorf("donated %s != withdrawn %s", donated, withdrawn)
	}
}

func TestInitialize_Twice_Rejected(t *testing.T) {
	h, persistCh := initAlice(t)

	_, err := h.ProcessCall(mustInitialize("mallory"))
	if !errors.Is(err, ledger.ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	if h.Ledger().Beneficiary() != "alice" {
		t.Errorf("beneficiary: got %s, want alice", h.Ledger().Beneficiary())
	}
	if out := drainOutputs(persistCh); len(out) != 0 {
		t.Errorf("expected no outputs, got %d", len(out))
	}
}

// ============================================================================
// Test: Host admission
// ============================================================================

func TestDonate_WithoutFeeReserve_Rejected(t *testing.T) {
	h, _ := initAlice(t)
	d := mustDonate("bob", 500, 0)
	d.FeeReserve = 0

	_, err := h.ProcessCall(d)
	if !errors.Is(err, core.ErrInsufficientFeeReserve) {
		t.Fatalf("expected ErrInsufficientFeeReserve, got %v", err)
	}
	if h.Ledger().Len() != 0 {
		t.Errorf("history grew on rejected call")
	}
}

func TestCall_WithoutCaller_Rejected(t *testing.T) {
	h, _ := initAlice(t)
	_, err := h.ProcessCall(mustDonate("", 5, 0))
	if !errors.Is(err, core.ErrMissingCaller) {
		t.Fatalf("expected ErrMissingCaller, got %v", err)
	}
}

func TestDonate_BeforeInitialize_Rejected(t *testing.T) {
	h, _, _ := newTestHost()
	_, err := h.ProcessCall(mustDonate("bob", 5, 0))
	if !errors.Is(err, ledger.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if h.GetSequence() != 0 {
		t.Errorf("sequence: got %d, want 0", h.GetSequence())
	}
}

// ============================================================================
// Test: Idempotency & nonces
// ============================================================================

func TestIdempotency_DuplicateDonation_Ignored(t *testing.T) {
	h, persistCh := initAlice(t)
	d := mustDonate("bob", 500, 0)

	process(t, h, d)
	r := process(t, h, d)

	if !r.Duplicate {
		t.Error("expected duplicate receipt")
	}
	if !h.Ledger().Balance().Equals64(500) || h.Ledger().Len() != 1 {
		t.Errorf("duplicate applied: balance %s len %d", h.Ledger().Balance(), h.Ledger().Len())
	}
	if out := drainOutputs(persistCh); len(out) != 1 {
		t.Errorf("expected 1 output, got %d", len(out))
	}
}

func TestIdempotency_RejectedCallCanBeRetried(t *testing.T) {
	h, _, _ := newTestHost()
	d := mustDonate("bob", 500, 0)

	if _, err := h.ProcessCall(d); !errors.Is(err, ledger.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	process(t, h, mustInitialize("alice"))

	r := process(t, h, d)
	if r.Duplicate {
		t.Fatal("rejected call must not be remembered as processed")
	}
}

func TestNonce_GapAndStale(t *testing.T) {
	h, _ := initAlice(t)

	process(t, h, mustDonate("bob", 1, 1))
	process(t, h, mustDonate("bob", 1, 2))

	if _, err := h.ProcessCall(mustDonate("bob", 1, 4)); !errors.Is(err, core.ErrNonceGap) {
		t.Errorf("expected ErrNonceGap, got %v", err)
	}
	if _, err := h.ProcessCall(mustDonate("bob", 1, 2)); !errors.Is(err, core.ErrStaleNonce) {
		t.Errorf("expected ErrStaleNonce, got %v", err)
	}
	if got := h.ExpectedNonce("bob"); got != 3 {
		t.Errorf("expected nonce: got %d, want 3", got)
	}
	// Other callers are independent.
	process(t, h, mustDonate("carol", 1, 1))
}

func TestNonce_NotConsumedByFailedCall(t *testing.T) {
	h, _ := initAlice(t)
	process(t, h, mustDonate("bob", 10, 0))

	if _, err := h.ProcessCall(mustWithdraw("bob", 1)); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if got := h.ExpectedNonce("bob"); got != 1 {
		t.Errorf("expected nonce: got %d, want 1", got)
	}
}

// ============================================================================
// Test: Transfers
// ============================================================================

func TestTransfer_SettledAndFailed(t *testing.T) {
	h, persistCh := initAlice(t)
	process(t, h, mustDonate("bob", 10, 0))
	first := process(t, h, mustWithdraw("alice", 0))
	process(t, h, mustDonate("bob", 20, 0))
	second := process(t, h, mustWithdraw("alice", 0))
	drainOutputs(persistCh)

	r := process(t, h, &event.TransferSettled{TransferID: first.Transfer.ID, Timestamp: ts(500)})
	if r.Transfer.Status != core.TransferSettled {
		t.Errorf("status: got %s, want settled", r.Transfer.Status)
	}

	r = process(t, h, &event.TransferFailed{TransferID: second.Transfer.ID, Reason: "account missing", Timestamp: ts(501)})
	if r.Transfer.Status != core.TransferFailed || r.Transfer.Reason != "account missing" {
		t.Errorf("transfer: got %s/%q", r.Transfer.Status, r.Transfer.Reason)
	}

	// A failed transfer does not restore the pool.
	if !h.Ledger().Balance().IsZero() {
		t.Errorf("balance: got %s, want 0", h.Ledger().Balance())
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	for _, o := range outputs {
		if o.Entry != nil {
			t.Error("settlement calls must not append history")
		}
	}
}

func TestTransfer_ResolveTwice_Rejected(t *testing.T) {
	h, _ := initAlice(t)
	process(t, h, mustDonate("bob", 10, 0))
	w := process(t, h, mustWithdraw("alice", 0))
	process(t, h, &event.TransferSettled{TransferID: w.Transfer.ID, Timestamp: ts(1)})

	_, err := h.ProcessCall(&event.TransferFailed{TransferID: w.Transfer.ID, Reason: "late", Timestamp: ts(2)})
	if !errors.Is(err, core.ErrTransferNotPending) {
		t.Fatalf("expected ErrTransferNotPending, got %v", err)
	}
}

func TestTransfer_Unknown_Rejected(t *testing.T) {
	h, _ := initAlice(t)
	_, err := h.ProcessCall(&event.TransferSettled{TransferID: uuid.New(), Timestamp: ts(1)})
	if !errors.Is(err, core.ErrUnknownTransfer) {
		t.Fatalf("expected ErrUnknownTransfer, got %v", err)
	}
}

func TestWithdraw_EmptyPool_TransferSettledImmediately(t *testing.T) {
	h, _ := initAlice(t)
	r := process(t, h, mustWithdraw("alice", 0))

	if !r.Transfer.Amount.IsZero() {
		t.Errorf("amount: got %s, want 0", r.Transfer.Amount)
	}
	if r.Transfer.Status != core.TransferSettled {
		t.Errorf("status: got %s, want settled", r.Transfer.Status)
	}
	if h.Ledger().Len() != 1 {
		t.Errorf("history length: got %d, want 1", h.Ledger().Len())
	}
}

// ============================================================================
// Test: State Hash Chain
// ============================================================================

func fixedCalls() []event.Call {
	id := func(n byte) uuid.UUID { return uuid.UUID{15: n} }
	return []event.Call{
		&event.Initialize{CallID: id(1), Caller: "deployer", Beneficiary: "alice", Timestamp: ts(1)},
		&event.Donate{CallID: id(2), Caller: "bob", Amount: uint128.From64(100), FeeReserve: 1, Timestamp: ts(2)},
		&event.Donate{CallID: id(3), Caller: "carol", Amount: uint128.From64(250), FeeReserve: 1, Nonce: 1, Timestamp: ts(3)},
		&event.Withdraw{CallID: id(4), Caller: "alice", FeeReserve: 1, Timestamp: ts(4)},
		&event.TransferSettled{TransferID: core.TransferIDFor(id(4).String()), Timestamp: ts(5)},
	}
}

func TestStateHashChain_Deterministic(t *testing.T) {
	run := func() []core.CoreOutput {
		h, persistCh, _ := newTestHost()
		for _, c := range fixedCalls() {
			process(t, h, c)
		}
		return drainOutputs(persistCh)
	}

	a, b := run(), run()
	if len(a) != len(b) || len(a) != 5 {
		t.Fatalf("output counts: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Envelope.StateHash != b[i].Envelope.StateHash {
			t.Errorf("hash %d differs: %x vs %x", i, a[i].Envelope.StateHash, b[i].Envelope.StateHash)
		}
	}

	if a[0].Envelope.PrevHash != core.GenesisHash() {
		t.Error("first prev hash must be genesis")
	}
	for i := 1; i < len(a); i++ {
		if a[i].Envelope.PrevHash != a[i-1].Envelope.StateHash {
			t.Errorf("chain broken at %d", i)
		}
		if a[i].Envelope.Sequence != a[i-1].Envelope.Sequence+1 {
			t.Errorf("sequence not contiguous at %d", i)
		}
	}
}

// ============================================================================
// Test: Snapshot & Replay
// ============================================================================

func TestReplay_ReproducesStateWithoutEmitting(t *testing.T) {
	live, persistCh, _ := newTestHost()
	for _, c := range fixedCalls() {
		process(t, live, c)
	}
	outputs := drainOutputs(persistCh)

	records := make([]core.ReplayRecord, len(outputs))
	for i, o := range outputs {
		records[i] = core.ReplayRecord{Sequence: o.Envelope.Sequence, StateHash: o.Envelope.StateHash, Call: o.Call}
	}

	replayed, replayCh, _ := newTestHost()
	if err := replayed.Replay(records); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if out := drainOutputs(replayCh); len(out) != 0 {
		t.Errorf("replay emitted %d outputs", len(out))
	}
	if replayed.GetStateHash() != live.GetStateHash() {
		t.Error("replayed state hash differs from live")
	}
	if replayed.GetSequence() != live.GetSequence() {
		t.Errorf("sequence: got %d, want %d", replayed.GetSequence(), live.GetSequence())
	}

	// Replayed calls are remembered for dedup.
	r := process(t, replayed, fixedCalls()[1])
	if !r.Duplicate {
		t.Error("replayed call not deduplicated")
	}
}

func TestReplay_DetectsDivergence(t *testing.T) {
	h, _, _ := newTestHost()
	calls := fixedCalls()
	err := h.Replay([]core.ReplayRecord{{Sequence: 0, StateHash: [32]byte{1}, Call: calls[0]}})
	if !errors.Is(err, core.ErrReplayDiverged) {
		t.Fatalf("expected ErrReplayDiverged, got %v", err)
	}
}

func TestSnapshot_RestoreThenContinue(t *testing.T) {
	live, _, _ := newTestHost()
	calls := fixedCalls()
	for _, c := range calls[:3] {
		process(t, live, c)
	}
	snap := live.CreateSnapshotState()
	history := live.Ledger().History()

	restored, _, _ := newTestHost()
	if err := restored.RestoreFromSnapshot(snap, history); err != nil {
		t.Fatalf("RestoreFromSnapshot failed: %v", err)
	}

	for _, c := range calls[3:] {
		process(t, live, c)
		process(t, restored, c)
	}
	if restored.GetStateHash() != live.GetStateHash() {
		t.Error("restored host diverged from live host")
	}
	if got := restored.ExpectedNonce("carol"); got != 2 {
		t.Errorf("restored nonce: got %d, want 2", got)
	}
	if r := process(t, restored, calls[2]); !r.Duplicate {
		t.Error("restored LRU lost idempotency keys")
	}
}

func TestSnapshot_RestoreRejectsShortHistory(t *testing.T) {
	live, _, _ := newTestHost()
	for _, c := range fixedCalls()[:3] {
		process(t, live, c)
	}
	snap := live.CreateSnapshotState()

	restored, _, _ := newTestHost()
	err := restored.RestoreFromSnapshot(snap, live.Ledger().History()[:1])
	if err == nil || !strings.Contains(err.Error(), "history entries") {
		t.Fatalf("expected history length error, got %v", err)
	}
}

// ============================================================================
// Test: Invariant audit
// ============================================================================

func TestAudit_RunsAcrossManyCalls(t *testing.T) {
	h := core.NewHost(core.HostConfig{AuditInterval: 7, Logger: zerolog.Nop()})
	process(t, h, mustInitialize("alice"))

	for i := 0; i < 100; i++ {
		caller := ledger.Identity(fmt.Sprintf("donor-%d", i%5))
		process(t, h, mustDonate(caller, uint64(i), 0))
		if i%13 == 0 {
			process(t, h, mustWithdraw("alice", 0))
		}
	}
	if h.GetSequence() != 1+100+8 {
		t.Errorf("sequence: got %d, want %d", h.GetSequence(), 1+100+8)
	}
}

func TestWithdraw_RetryAfterLRUEviction_KeepsFirstTransfer(t *testing.T) {
	persistCh := make(chan core.CoreOutput, 64)
	h := core.NewHost(core.HostConfig{
		LRUCapacity: 1,
		PersistChan: persistCh,
		DBChecker:   &fakeDBChecker{err: errors.New("connection refused")},
		Logger:      zerolog.Nop(),
	})
	process(t, h, mustInitialize("alice"))
	process(t, h, mustDonate("bob", 500, 0))

	w := mustWithdraw("alice", 0)
	process(t, h, w)
	// Evicts the withdraw key from the single-slot LRU.
	process(t, h, mustDonate("carol", 7, 0))
	drainOutputs(persistCh)
	seqBefore := h.GetSequence()

	_, err := h.ProcessCall(w)
	if !errors.Is(err, core.ErrDuplicateTransfer) {
		t.Fatalf("expected ErrDuplicateTransfer, got %v", err)
	}

	if !h.Ledger().Balance().Equals64(7) {
		t.Errorf("balance: got %s, want 7", h.Ledger().Balance())
	}
	if h.Ledger().Len() != 3 {
		t.Errorf("history length: got %d, want 3", h.Ledger().Len())
	}
	if h.GetSequence() != seqBefore {
		t.Errorf("sequence advanced on rejected retry: %d -> %d", seqBefore, h.GetSequence())
	}
	if out := drainOutputs(persistCh); len(out) != 0 {
		t.Errorf("rejected retry emitted %d outputs", len(out))
	}

	tr, ok := h.Transfer(core.TransferIDFor(w.IdempotencyKey()))
	if !ok {
		t.Fatal("first transfer missing")
	}
	if !tr.Amount.Equals64(500) || tr.Status != core.TransferPending {
		t.Errorf("first transfer overwritten: amount %s status %s", tr.Amount, tr.Status)
	}
}
