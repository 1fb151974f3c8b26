package bridge_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"DonationLedger/internal/bridge"
	"DonationLedger/internal/core"
	"DonationLedger/internal/event"
	"DonationLedger/internal/ingestion"
	"DonationLedger/internal/ledger"
	"DonationLedger/internal/persistence"
	"DonationLedger/internal/projection"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"lukechampine.com/uint128"
)

// --- In-memory persistence ---

// memStore plays the Postgres side: it keeps event and entry rows in
// sequence order and the snapshots that were saved and verified.
type memStore struct {
	events    []persistence.EventRow
	entries   []persistence.EntryRow
	snapshots map[int64]*persistence.SnapshotData
	verified  map[int64]bool
}

func newMemStore() *memStore {
	return &memStore{
		snapshots: make(map[int64]*persistence.SnapshotData),
		verified:  make(map[int64]bool),
	}
}

func (m *memStore) append(out persistence.CoreOutput) {
	m.events = append(m.events, out.EventRow)
	if out.EntryRow != nil {
		m.entries = append(m.entries, *out.EntryRow)
	}
}

func (m *memStore) SaveSnapshot(_ context.Context, snap *persistence.SnapshotData) error {
	m.snapshots[snap.Sequence] = snap
	return nil
}

func (m *memStore) MarkVerified(_ context.Context, seq int64) error {
	m.verified[seq] = true
	return nil
}

func (m *memStore) LoadLatestSnapshot(context.Context) (*persistence.SnapshotData, error) {
	var best *persistence.SnapshotData
	for seq, s := range m.snapshots {
		if m.verified[seq] && (best == nil || seq > best.Sequence) {
			best = s
		}
	}
	return best, nil
}

func (m *memStore) LoadEntries(_ context.Context, upTo int) ([]persistence.EntryRow, error) {
	var out []persistence.EntryRow
	for _, e := range m.entries {
		if e.Position < int64(upTo) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) LoadEventsFrom(_ context.Context, from int64, limit int) ([]persistence.EventRow, error) {
	var out []persistence.EventRow
	for _, e := range m.events {
		if e.Sequence >= from && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

type fixedWatermark int64

func (w fixedWatermark) LastPersisted() int64 { return int64(w) }

// --- Helpers ---

var clock = time.UnixMicro(1_700_000_000_000_000).UTC()

func newHost(persist chan core.CoreOutput) *core.Host {
	return core.NewHost(core.HostConfig{PersistChan: persist, Logger: zerolog.Nop()})
}

// apply processes a call and moves its output into the store the way the
// bridge and persistence worker would.
func apply(t *testing.T, h *core.Host, ch chan core.CoreOutput, store *memStore, call event.Call) core.Receipt {
	t.Helper()
	r, err := h.ProcessCall(call)
	if err != nil {
		t.Fatalf("ProcessCall(%s): %v", call.CallType(), err)
	}
	out := <-ch
	row, err := bridge.ToPersistence(out)
	if err != nil {
		t.Fatalf("ToPersistence: %v", err)
	}
	store.append(row)
	return r
}

func donate(caller ledger.Identity, amt uint64, nonce uint64) *event.Donate {
	return &event.Donate{
		CallID: uuid.New(), Caller: caller, Amount: uint128.From64(amt),
		FeeReserve: 1, Nonce: nonce, Timestamp: clock.Add(time.Duration(nonce) * time.Second),
	}
}

func withdraw(caller ledger.Identity, nonce uint64) *event.Withdraw {
	return &event.Withdraw{
		CallID: uuid.New(), Caller: caller, FeeReserve: 1, Nonce: nonce,
		Timestamp: clock.Add(time.Hour + time.Duration(nonce)*time.Second),
	}
}

// buildHistory runs Alice-as-beneficiary traffic and snapshots after the
// first withdrawal when snapshotAt is true.
func buildHistory(t *testing.T, snapshotAt bool) (*core.Host, *memStore) {
	t.Helper()
	ch := make(chan core.CoreOutput, 1)
	h := newHost(ch)
	store := newMemStore()

	apply(t, h, ch, store, &event.Initialize{CallID: uuid.New(), Caller: "deployer", Beneficiary: "alice", Timestamp: clock})
	apply(t, h, ch, store, donate("bob", 500, 1))
	apply(t, h, ch, store, donate("carol", 300, 1))
	r := apply(t, h, ch, store, withdraw("alice", 1))
	apply(t, h, ch, store, &event.TransferSettled{TransferID: r.Transfer.ID, Timestamp: clock.Add(2 * time.Hour)})

	if snapshotAt {
		snapper := bridge.NewSnapshotter(bridge.HostSource{Host: h}, store, fixedWatermark(1<<62), nil, zerolog.Nop())
		if err := snapper.TakeSnapshot(context.Background()); err != nil {
			t.Fatalf("TakeSnapshot: %v", err)
		}
	}

	apply(t, h, ch, store, donate("bob", 100, 2))
	apply(t, h, ch, store, withdraw("alice", 2))
	apply(t, h, ch, store, donate("dave", 42, 1))
	return h, store
}

func assertSameState(t *testing.T, want, got *core.Host) {
	t.Helper()
	if got.GetSequence() != want.GetSequence() {
		t.Errorf("sequence: got %d, want %d", got.GetSequence(), want.GetSequence())
	}
	if got.GetStateHash() != want.GetStateHash() {
		t.Error("state hash differs after recovery")
	}
	if !got.Ledger().Balance().Equals(want.Ledger().Balance()) {
		t.Errorf("balance: got %s, want %s", got.Ledger().Balance(), want.Ledger().Balance())
	}
	if got.Ledger().Len() != want.Ledger().Len() {
		t.Errorf("history: got %d, want %d", got.Ledger().Len(), want.Ledger().Len())
	}
	if got.ExpectedNonce("bob") != want.ExpectedNonce("bob") {
		t.Errorf("bob nonce: got %d, want %d", got.ExpectedNonce("bob"), want.ExpectedNonce("bob"))
	}
}

// ============================================================================
// Test: Recovery
// ============================================================================

func TestRecover_FromSnapshotPlusTail(t *testing.T) {
	original, store := buildHistory(t, true)

	recovered := newHost(nil)
	res, err := bridge.Recover(context.Background(), recovered, store, nil, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.SnapshotSequence != 4 {
		t.Errorf("snapshot sequence: got %d, want 4", res.SnapshotSequence)
	}
	if res.Replayed != 3 || res.LastSequence != 7 {
		t.Errorf("replay: got replayed=%d last=%d, want 3/7", res.Replayed, res.LastSequence)
	}
	assertSameState(t, original, recovered)
}

func TestRecover_ColdStartReplaysEverything(t *testing.T) {
	original, store := buildHistory(t, false)

	recovered := newHost(nil)
	res, err := bridge.Recover(context.Background(), recovered, store, nil, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.SnapshotSequence != -1 || res.Replayed != 8 {
		t.Errorf("result: got %+v", res)
	}
	assertSameState(t, original, recovered)
}

func TestRecover_EmptyLog(t *testing.T) {
	h := newHost(nil)
	res, err := bridge.Recover(context.Background(), h, newMemStore(), nil, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.LastSequence != -1 || h.Ledger().Initialized() {
		t.Errorf("empty recovery: got %+v", res)
	}
}

func TestRecover_TamperedLogDiverges(t *testing.T) {
	_, store := buildHistory(t, false)
	store.events[3].StateHash = make([]byte, 32)

	_, err := bridge.Recover(context.Background(), newHost(nil), store, nil, 0, zerolog.Nop())
	if !errors.Is(err, core.ErrReplayDiverged) {
		t.Fatalf("got %v, want ErrReplayDiverged", err)
	}
}

func TestRecover_SnapshotWithMissingHistoryFails(t *testing.T) {
	_, store := buildHistory(t, true)
	store.entries = store.entries[:1]

	if _, err := bridge.Recover(context.Background(), newHost(nil), store, nil, 0, zerolog.Nop()); err == nil {
		t.Fatal("expected error when history rows are missing")
	}
}

// ============================================================================
// Test: Snapshots
// ============================================================================

func TestSnapshotData_RoundTrip(t *testing.T) {
	original, _ := buildHistory(t, false)
	snap := original.CreateSnapshotState()

	back, err := bridge.FromSnapshotData(bridge.ToSnapshotData(snap, clock))
	if err != nil {
		t.Fatalf("FromSnapshotData: %v", err)
	}
	if back.StateHash != snap.StateHash || !back.Balance.Equals(snap.Balance) || back.Beneficiary != "alice" {
		t.Errorf("snapshot: got %+v", back)
	}
	if len(back.Transfers) != 2 || back.Transfers[0].Status != core.TransferSettled || back.Transfers[1].Status != core.TransferPending {
		t.Errorf("transfers: got %+v", back.Transfers)
	}
	if back.Nonces["bob"] != snap.Nonces["bob"] {
		t.Errorf("nonces: got %v, want %v", back.Nonces, snap.Nonces)
	}
}

func TestSnapshotter_WaitsForPersistence(t *testing.T) {
	h, store := buildHistory(t, false)

	snapper := bridge.NewSnapshotter(bridge.HostSource{Host: h}, store, fixedWatermark(2), nil, zerolog.Nop())
	snapper.CatchUpTimeout = 50 * time.Millisecond

	err := snapper.TakeSnapshot(context.Background())
	if !errors.Is(err, bridge.ErrSnapshotAhead) {
		t.Fatalf("got %v, want ErrSnapshotAhead", err)
	}
	if len(store.snapshots) != 0 {
		t.Error("no snapshot may be saved ahead of the event log")
	}
}

func TestSnapshotter_MaybeSnapshotHonoursMinEvents(t *testing.T) {
	h, store := buildHistory(t, false)

	snapper := bridge.NewSnapshotter(bridge.HostSource{Host: h}, store, nil, nil, zerolog.Nop())
	snapper.MinEvents = 100

	took, err := snapper.MaybeSnapshot(context.Background())
	if err != nil || took {
		t.Fatalf("MaybeSnapshot: took=%v err=%v, want no snapshot", took, err)
	}

	snapper.MinEvents = 5
	took, err = snapper.MaybeSnapshot(context.Background())
	if err != nil || !took {
		t.Fatalf("MaybeSnapshot: took=%v err=%v, want snapshot", took, err)
	}
	if !store.verified[7] {
		t.Error("snapshot at sequence 7 should be verified")
	}
}

// ============================================================================
// Test: Output fan-out
// ============================================================================

func TestBridge_FansOutAndClosesOutputs(t *testing.T) {
	persistIn := make(chan core.CoreOutput, 8)
	projectionIn := make(chan core.CoreOutput, 8)
	h := core.NewHost(core.HostConfig{PersistChan: persistIn, ProjectionChan: projectionIn, Logger: zerolog.Nop()})

	if _, err := h.ProcessCall(&event.Initialize{CallID: uuid.New(), Caller: "deployer", Beneficiary: "alice", Timestamp: clock}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ProcessCall(donate("bob", 500, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ProcessCall(withdraw("alice", 1)); err != nil {
		t.Fatal(err)
	}
	close(persistIn)
	close(projectionIn)

	persistOut := make(chan persistence.CoreOutput, 8)
	projectionOut := make(chan projection.ProjectionOutput, 8)
	publishOut := make(chan ingestion.PublishableEvent, 8)
	bridge.New(persistOut, projectionOut, publishOut, nil, zerolog.Nop()).Run(persistIn, projectionIn)

	var rows []persistence.CoreOutput
	for r := range persistOut {
		rows = append(rows, r)
	}
	if len(rows) != 3 {
		t.Fatalf("persist rows: got %d, want 3", len(rows))
	}
	if rows[1].EntryRow == nil || rows[1].EntryRow.Amount != "500" || rows[1].EntryRow.Kind != "Donation" {
		t.Errorf("donation row: got %+v", rows[1].EntryRow)
	}
	if rows[2].TransferRow == nil || rows[2].TransferRow.Status != "pending" || rows[2].TransferRow.Amount != "500" {
		t.Errorf("withdraw transfer row: got %+v", rows[2].TransferRow)
	}
	if string(rows[2].EventRow.PrevHash) != string(rows[1].EventRow.StateHash) {
		t.Error("hash chain broken between consecutive rows")
	}

	var published []ingestion.PublishableEvent
	for p := range publishOut {
		published = append(published, p)
	}
	if len(published) != 3 || published[2].Transfer == nil || published[2].Balance != "0" {
		t.Errorf("published: got %+v", published)
	}

	var projected []projection.ProjectionOutput
	for p := range projectionOut {
		projected = append(projected, p)
	}
	if len(projected) > 3 {
		t.Errorf("projected: got %d outputs", len(projected))
	}
}

func TestBridge_AbortReleasesStuckPersistSend(t *testing.T) {
	persistIn := make(chan core.CoreOutput, 8)
	h := core.NewHost(core.HostConfig{PersistChan: persistIn, Logger: zerolog.Nop()})
	if _, err := h.ProcessCall(&event.Initialize{CallID: uuid.New(), Caller: "deployer", Beneficiary: "alice", Timestamp: clock}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ProcessCall(donate("bob", 500, 1)); err != nil {
		t.Fatal(err)
	}
	close(persistIn)

	// Nothing reads persistOut, as when the persistence worker has exited.
	persistOut := make(chan persistence.CoreOutput)
	abort := make(chan struct{})
	b := bridge.New(persistOut, nil, nil, nil, zerolog.Nop())
	b.Abort = abort

	finished := make(chan struct{})
	go func() {
		b.Run(persistIn, nil)
		close(finished)
	}()

	select {
	case <-finished:
		t.Fatal("bridge finished while persist send was blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(abort)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge still blocked after abort")
	}
	if _, ok := <-persistOut; ok {
		t.Error("persistOut should be closed after Run")
	}
}
