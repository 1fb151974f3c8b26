package bridge

import (
	"context"
	"fmt"

	"DonationLedger/internal/core"
	"DonationLedger/internal/event"
	"DonationLedger/internal/ingestion"
	"DonationLedger/internal/persistence"

	"github.com/rs/zerolog"
)

// replayBatchSize is how many logged events are read per round trip.
const replayBatchSize = 1000

// RecoveryStore is the read side of persistence used at startup.
// *persistence.SnapshotManager satisfies it.
type RecoveryStore interface {
	LoadLatestSnapshot(ctx context.Context) (*persistence.SnapshotData, error)
	LoadEntries(ctx context.Context, upTo int) ([]persistence.EntryRow, error)
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

// RecentKeySource supplies idempotency keys for LRU warming.
type RecentKeySource interface {
	RecentKeys(ctx context.Context, n int) ([]string, error)
}

// RecoveryResult describes how the host was brought back.
type RecoveryResult struct {
	SnapshotSequence int64 // -1 on a cold start
	Replayed         int64
	LastSequence     int64 // last applied sequence, -1 if the log is empty
}

// Recover restores host state from the latest verified snapshot, if any,
// then replays every later call from the event log. It must run before the
// dispatcher starts.
func Recover(
	ctx context.Context,
	host *core.Host,
	store RecoveryStore,
	keys RecentKeySource,
	warmKeys int,
	logger zerolog.Logger,
) (RecoveryResult, error) {
	result := RecoveryResult{SnapshotSequence: -1}

	snap, err := store.LoadLatestSnapshot(ctx)
	if err != nil {
		return result, fmt.Errorf("load snapshot: %w", err)
	}

	if snap != nil {
		if err := restoreSnapshot(ctx, host, store, snap); err != nil {
			return result, err
		}
		result.SnapshotSequence = snap.Sequence
		logger.Info().
			Int64("sequence", snap.Sequence).
			Int("history_len", snap.HistoryLen).
			Msg("restored in-memory state from snapshot")
	} else {
		logger.Info().Msg("no snapshot found, replaying full event log")
	}

	replayed, err := ReplayFromLog(ctx, host, store, host.GetSequence())
	result.Replayed = replayed
	if err != nil {
		return result, err
	}

	if keys != nil && warmKeys > 0 {
		recent, err := keys.RecentKeys(ctx, warmKeys)
		if err != nil {
			logger.Warn().Err(err).Msg("LRU warm-up failed, relying on Postgres dedup")
		} else {
			host.WarmLRU(recent)
		}
	}

	result.LastSequence = host.GetSequence() - 1
	logger.Info().
		Int64("replayed", replayed).
		Int64("last_sequence", result.LastSequence).
		Msg("recovery complete")
	return result, nil
}

func restoreSnapshot(ctx context.Context, host *core.Host, store RecoveryStore, snap *persistence.SnapshotData) error {
	coreSnap, err := FromSnapshotData(snap)
	if err != nil {
		return err
	}
	rows, err := store.LoadEntries(ctx, snap.HistoryLen)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	entries, err := EntriesFromRows(rows)
	if err != nil {
		return err
	}
	if err := host.RestoreFromSnapshot(coreSnap, entries); err != nil {
		return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
	}
	return nil
}

// ReplayFromLog replays events from the event log starting at fromSequence.
// Used for warm restart (after a snapshot) and cold restart (from zero).
// Any divergence from the logged sequence or state hash is an error.
func ReplayFromLog(ctx context.Context, host *core.Host, store RecoveryStore, fromSequence int64) (int64, error) {
	var totalReplayed int64

	for {
		rows, err := store.LoadEventsFrom(ctx, fromSequence, replayBatchSize)
		if err != nil {
			return totalReplayed, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			return totalReplayed, nil
		}

		records := make([]core.ReplayRecord, 0, len(rows))
		for _, row := range rows {
			rec, err := ReplayRecordFromRow(row)
			if err != nil {
				return totalReplayed, err
			}
			records = append(records, rec)
		}

		if err := host.Replay(records); err != nil {
			return totalReplayed, err
		}

		totalReplayed += int64(len(records))
		fromSequence = rows[len(rows)-1].Sequence + 1
	}
}

// ReplayRecordFromRow decodes one logged event.
func ReplayRecordFromRow(row persistence.EventRow) (core.ReplayRecord, error) {
	ct := event.ParseCallType(row.CallType)
	if ct == event.CallTypeUnknown {
		return core.ReplayRecord{}, fmt.Errorf("seq %d: unknown call type %q", row.Sequence, row.CallType)
	}
	call, err := ingestion.ParseCall(ct, row.Payload)
	if err != nil {
		return core.ReplayRecord{}, fmt.Errorf("seq %d: %w", row.Sequence, err)
	}
	if len(row.StateHash) != 32 {
		return core.ReplayRecord{}, fmt.Errorf("seq %d: state hash has %d bytes", row.Sequence, len(row.StateHash))
	}

	rec := core.ReplayRecord{Sequence: row.Sequence, Call: call}
	copy(rec.StateHash[:], row.StateHash)
	return rec, nil
}
