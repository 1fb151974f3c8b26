package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"DonationLedger/internal/observability"

	"github.com/rs/zerolog"
)

// CoreOutput is the persistence view of one applied call. The bridge
// converts core outputs into this shape.
type CoreOutput struct {
	EventRow    EventRow
	EntryRow    *EntryRow
	TransferRow *TransferRow
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The host sends on that channel with a blocking send, so if this worker
// falls behind the host stalls and no call is lost.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	lastPersisted atomic.Int64
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	pw := &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
	pw.lastPersisted.Store(-1)
	return pw
}

// SetLastPersisted seeds the committed watermark after recovery.
func (pw *PersistenceWorker) SetLastPersisted(seq int64) {
	pw.lastPersisted.Store(seq)
}

// LastPersisted returns the highest sequence committed to Postgres.
// Safe to call from any goroutine.
func (pw *PersistenceWorker) LastPersisted() int64 {
	return pw.lastPersisted.Load()
}

// Run starts the persistence worker loop. It batches incoming outputs
// and flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled or the input channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("events", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Int("events", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, output)

			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
					if IsUniqueViolation(err) {
						return fmt.Errorf("persist batch: %w", err)
					}
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
					if IsUniqueViolation(err) {
						return fmt.Errorf("persist batch: %w", err)
					}
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made without ctx.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []CoreOutput) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(batch)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), batch)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}

		// A second row for an already logged call will never succeed.
		if IsUniqueViolation(err) {
			return err
		}

		pw.logger.Warn().Err(err).Msg("persistence flush failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []CoreOutput) error {
	start := time.Now()
	events, entries, transfers := SplitBatch(batch)

	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.recordError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.recordError("write_events")
		return err
	}

	if err := pw.writer.WriteEntryBatch(ctx, tx, entries); err != nil {
		pw.recordError("write_entries")
		return err
	}

	if err := pw.writer.UpsertTransfers(ctx, tx, transfers); err != nil {
		pw.recordError("write_transfers")
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.recordError("tx_commit")
		return err
	}

	last := events[len(events)-1].Sequence
	pw.lastPersisted.Store(last)

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistEntriesWritten.Add(float64(len(entries)))
		pw.metrics.PersistLastSequence.Set(float64(last))
	}

	return nil
}

func (pw *PersistenceWorker) recordError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}

// SplitBatch separates a batch into the rows of each table, collapsing
// transfer updates to their latest state.
func SplitBatch(batch []CoreOutput) ([]EventRow, []EntryRow, []TransferRow) {
	events := make([]EventRow, 0, len(batch))
	var entries []EntryRow
	var transfers []TransferRow

	for _, o := range batch {
		events = append(events, o.EventRow)
		if o.EntryRow != nil {
			entries = append(entries, *o.EntryRow)
		}
		if o.TransferRow != nil {
			transfers = append(transfers, *o.TransferRow)
		}
	}
	return events, entries, LatestTransfers(transfers)
}
