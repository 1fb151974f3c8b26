package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"DonationLedger/internal/amount"
	"DonationLedger/internal/core"
	"DonationLedger/internal/ledger"
	"DonationLedger/internal/observability"
	"DonationLedger/internal/persistence"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrSnapshotAhead is returned when the persistence worker has not yet
// committed the sequence a snapshot would cover.
var ErrSnapshotAhead = errors.New("snapshot ahead of persisted event log")

// StateSource yields the host state to snapshot. *core.Dispatcher
// satisfies it; HostSource covers the host once the dispatcher has stopped.
type StateSource interface {
	Snapshot(ctx context.Context) (*core.SnapshotState, error)
}

// HostSource reads the host directly. Only safe when no dispatcher is
// running.
type HostSource struct {
	Host *core.Host
}

func (s HostSource) Snapshot(context.Context) (*core.SnapshotState, error) {
	return s.Host.CreateSnapshotState(), nil
}

// SnapshotStore is the persistence surface the snapshotter writes to.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *persistence.SnapshotData) error
	MarkVerified(ctx context.Context, sequence int64) error
}

// PersistedWatermark reports the highest sequence committed to Postgres.
type PersistedWatermark interface {
	LastPersisted() int64
}

// Snapshotter captures host state and saves it once the event log has
// caught up, so a snapshot never refers to history rows that are not yet
// written.
type Snapshotter struct {
	source    StateSource
	store     SnapshotStore
	persisted PersistedWatermark
	metrics   *observability.Metrics
	logger    zerolog.Logger

	// MinEvents is how many sequences must pass between periodic snapshots.
	MinEvents int64
	// CatchUpTimeout bounds the wait for the persistence worker.
	CatchUpTimeout time.Duration

	mu      sync.Mutex // guards source and lastSeq
	lastSeq int64
}

func NewSnapshotter(
	source StateSource,
	store SnapshotStore,
	persisted PersistedWatermark,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Snapshotter {
	return &Snapshotter{
		source:         source,
		store:          store,
		persisted:      persisted,
		metrics:        metrics,
		logger:         logger,
		MinEvents:      100_000,
		CatchUpTimeout: 10 * time.Second,
		lastSeq:        -1,
	}
}

// SetSource swaps the state source, e.g. to HostSource for the final
// snapshot after the dispatcher has stopped.
func (s *Snapshotter) SetSource(source StateSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = source
}

// SetLastSequence records the sequence of the snapshot loaded at startup.
func (s *Snapshotter) SetLastSequence(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeq = seq
}

// Schedule registers a periodic MaybeSnapshot on c using a cron spec such
// as "@every 30s".
func (s *Snapshotter) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		if _, err := s.MaybeSnapshot(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Msg("periodic snapshot failed")
		}
	})
}

// MaybeSnapshot takes a snapshot if at least MinEvents sequences were applied
// since the last one. It reports whether a snapshot was written.
func (s *Snapshotter) MaybeSnapshot(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.source.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	if snap.Sequence < 0 || snap.Sequence-s.lastSeq < s.MinEvents {
		return false, nil
	}
	if err := s.save(ctx, snap); err != nil {
		return false, err
	}
	return true, nil
}

// TakeSnapshot captures and saves a snapshot unconditionally. A host that
// has applied nothing has nothing to snapshot.
func (s *Snapshotter) TakeSnapshot(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.source.Snapshot(ctx)
	if err != nil {
		return err
	}
	if snap.Sequence < 0 || snap.Sequence == s.lastSeq {
		return nil
	}
	return s.save(ctx, snap)
}

func (s *Snapshotter) save(ctx context.Context, snap *core.SnapshotState) error {
	start := time.Now()

	if err := s.waitPersisted(ctx, snap.Sequence); err != nil {
		return err
	}

	data := ToSnapshotData(snap, time.Now().UTC())
	if err := s.store.SaveSnapshot(ctx, data); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	// Built from live state whose events are committed.
	if err := s.store.MarkVerified(ctx, data.Sequence); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}

	s.lastSeq = snap.Sequence
	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Int("history_len", snap.HistoryLen).Msg("snapshot saved")
	return nil
}

func (s *Snapshotter) waitPersisted(ctx context.Context, seq int64) error {
	if s.persisted == nil || s.persisted.LastPersisted() >= seq {
		return nil
	}

	deadline := time.NewTimer(s.CatchUpTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: want %d, persisted %d", ErrSnapshotAhead, seq, s.persisted.LastPersisted())
		case <-tick.C:
			if s.persisted.LastPersisted() >= seq {
				return nil
			}
		}
	}
}

// ToSnapshotData converts core.SnapshotState to its stored form.
func ToSnapshotData(snap *core.SnapshotState, createdAt time.Time) *persistence.SnapshotData {
	stateHash := snap.StateHash
	data := &persistence.SnapshotData{
		Sequence:        snap.Sequence,
		StateHash:       stateHash[:],
		Initialized:     snap.Initialized,
		Beneficiary:     string(snap.Beneficiary),
		Balance:         snap.Balance.String(),
		HistoryLen:      snap.HistoryLen,
		Nonces:          make(map[string]uint64, len(snap.Nonces)),
		Transfers:       make([]persistence.TransferSnapshot, 0, len(snap.Transfers)),
		IdempotencyKeys: snap.IdempotencyKeys,
		CreatedAt:       createdAt,
	}

	for caller, nonce := range snap.Nonces {
		data.Nonces[string(caller)] = nonce
	}

	for _, t := range snap.Transfers {
		data.Transfers = append(data.Transfers, persistence.TransferSnapshot{
			TransferID:  t.ID.String(),
			Sequence:    t.Sequence,
			Beneficiary: string(t.Beneficiary),
			Amount:      t.Amount.String(),
			Status:      string(t.Status),
			Reason:      t.Reason,
			UpdatedAt:   t.UpdatedAt,
		})
	}

	return data
}

// FromSnapshotData is the inverse of ToSnapshotData.
func FromSnapshotData(data *persistence.SnapshotData) (*core.SnapshotState, error) {
	if len(data.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", data.Sequence, len(data.StateHash))
	}
	balance, err := amount.Parse(data.Balance)
	if err != nil {
		return nil, fmt.Errorf("snapshot %d balance: %w", data.Sequence, err)
	}

	snap := &core.SnapshotState{
		Sequence:        data.Sequence,
		Initialized:     data.Initialized,
		Beneficiary:     ledger.Identity(data.Beneficiary),
		Balance:         balance,
		HistoryLen:      data.HistoryLen,
		Nonces:          make(map[ledger.Identity]uint64, len(data.Nonces)),
		Transfers:       make([]core.Transfer, 0, len(data.Transfers)),
		IdempotencyKeys: data.IdempotencyKeys,
	}
	copy(snap.StateHash[:], data.StateHash)

	for caller, nonce := range data.Nonces {
		snap.Nonces[ledger.Identity(caller)] = nonce
	}

	for _, t := range data.Transfers {
		id, err := uuid.Parse(t.TransferID)
		if err != nil {
			return nil, fmt.Errorf("snapshot transfer id: %w", err)
		}
		amt, err := amount.Parse(t.Amount)
		if err != nil {
			return nil, fmt.Errorf("snapshot transfer %s amount: %w", t.TransferID, err)
		}
		status, err := core.ParseTransferStatus(t.Status)
		if err != nil {
			return nil, err
		}
		snap.Transfers = append(snap.Transfers, core.Transfer{
			ID:          id,
			Sequence:    t.Sequence,
			Beneficiary: ledger.Identity(t.Beneficiary),
			Amount:      amt,
			Status:      status,
			Reason:      t.Reason,
			UpdatedAt:   t.UpdatedAt,
		})
	}

	return snap, nil
}

// EntriesFromRows converts persisted history rows back into ledger entries,
// checking that positions are contiguous from zero.
func EntriesFromRows(rows []persistence.EntryRow) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(rows))
	for i, r := range rows {
		if r.Position != int64(i) {
			return nil, fmt.Errorf("history row %d has position %d", i, r.Position)
		}
		kind, err := ledger.ParseOperationKind(r.Kind)
		if err != nil {
			return nil, fmt.Errorf("history row %d: %w", i, err)
		}
		amt, err := amount.Parse(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("history row %d amount: %w", i, err)
		}
		entries = append(entries, ledger.Entry{
			Actor:  ledger.Identity(r.Actor),
			Kind:   kind,
			Amount: amt,
		})
	}
	return entries, nil
}
