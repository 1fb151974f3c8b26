package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"DonationLedger/internal/observability"

	"github.com/rs/zerolog"
)

// WatermarkName identifies this worker's row in projections.watermark.
const WatermarkName = "donations"

// ProjectionOutput mirrors the data needed by projection workers.
// The bridge converts core.CoreOutput into this.
type ProjectionOutput struct {
	Sequence   int64
	CallType   string
	Entry      *EntryView
	Balance    string // base-10 u128, ledger balance after the call
	HistoryLen int
	Timestamp  time.Time
}

// EntryView is the history record appended by a call.
type EntryView struct {
	Actor  string
	Kind   string // "Donation" or "Withdrawal"
	Amount string
}

// ProjectionWorker updates projection tables from processed calls.
// The projection channel is non-blocking with drop, so the tables may lag
// or miss updates; Rebuild recomputes them from ledger.entries.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan ProjectionOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
		lastSeq:   -1,
	}
}

// SetLastSequence seeds the worker after recovery so already projected
// sequences are skipped.
func (pw *ProjectionWorker) SetLastSequence(seq int64) {
	pw.lastSeq = seq
}

// LastSequence returns the last sequence the worker applied.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.Apply(ctx, output)
		}
	}
}

// Apply projects a single output. Failures are logged and counted; the
// worker keeps going because projections are eventually consistent.
func (pw *ProjectionWorker) Apply(ctx context.Context, output ProjectionOutput) {
	if output.Sequence <= pw.lastSeq {
		return
	}
	if pw.lastSeq >= 0 && output.Sequence > pw.lastSeq+1 {
		pw.logger.Warn().
			Int64("expected", pw.lastSeq+1).
			Int64("got", output.Sequence).
			Msg("projection gap, outputs were dropped; rebuild to reconcile")
	}

	start := time.Now()
	if err := pw.processOutput(ctx, output); err != nil {
		pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
		if pw.metrics != nil {
			pw.metrics.ProjectionErrors.Inc()
		}
	} else if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.Observe(time.Since(start).Seconds())
	}

	pw.lastSeq = output.Sequence
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	donated, withdrawn := "0", "0"
	if e := output.Entry; e != nil {
		switch e.Kind {
		case "Donation":
			donated = e.Amount
			if err := pw.updateDonorTotal(ctx, tx, e, output); err != nil {
				return fmt.Errorf("donor projection: %w", err)
			}
		case "Withdrawal":
			withdrawn = e.Amount
		default:
			return fmt.Errorf("unknown entry kind %q", e.Kind)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool (id, balance, total_donated, total_withdrawn, entry_count, last_sequence, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			balance = $1,
			total_donated = projections.pool.total_donated + $2,
			total_withdrawn = projections.pool.total_withdrawn + $3,
			entry_count = $4,
			last_sequence = $5,
			updated_at = $6
	`, output.Balance, donated, withdrawn, output.HistoryLen, output.Sequence, output.Timestamp); err != nil {
		return fmt.Errorf("pool projection: %w", err)
	}

	if err := writeWatermark(ctx, tx, output.Sequence); err != nil {
		return err
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) updateDonorTotal(ctx context.Context, tx *sql.Tx, e *EntryView, output ProjectionOutput) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.donor_totals (donor, total_donated, donation_count, last_sequence, updated_at)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (donor) DO UPDATE SET
			total_donated = projections.donor_totals.total_donated + $2,
			donation_count = projections.donor_totals.donation_count + 1,
			last_sequence = $3,
			updated_at = $4
		WHERE projections.donor_totals.last_sequence < $3
	`, e.Actor, e.Amount, output.Sequence, output.Timestamp)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func writeWatermark(ctx context.Context, ex execer, seq int64) error {
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, WatermarkName, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// LoadWatermark returns the last projected sequence, or -1 if none.
func LoadWatermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = $1
	`, WatermarkName).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// RebuildProjections recomputes all projection tables from ledger.entries
// and returns the sequence the rebuilt tables reflect.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.donor_totals`,
		`DELETE FROM projections.pool`,
		`DELETE FROM projections.watermark WHERE projection_name = 'donations'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.donor_totals (donor, total_donated, donation_count, last_sequence, updated_at)
		SELECT actor, SUM(amount), COUNT(*), MAX(sequence), NOW()
		FROM ledger.entries
		WHERE kind = 'Donation'
		GROUP BY actor
	`); err != nil {
		return 0, fmt.Errorf("rebuild donor totals: %w", err)
	}

	var lastSeq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), -1) FROM event_log.events
	`).Scan(&lastSeq); err != nil {
		return 0, fmt.Errorf("latest sequence: %w", err)
	}

	// Balance is the sum of donations after the most recent withdrawal.
	if _, err := tx.ExecContext(ctx, `
		WITH last_withdrawal AS (
			SELECT COALESCE(MAX(position), -1) AS position
			FROM ledger.entries WHERE kind = 'Withdrawal'
		)
		INSERT INTO projections.pool (id, balance, total_donated, total_withdrawn, entry_count, last_sequence, updated_at)
		SELECT 1,
			COALESCE(SUM(e.amount) FILTER (WHERE e.kind = 'Donation' AND e.position > lw.position), 0),
			COALESCE(SUM(e.amount) FILTER (WHERE e.kind = 'Donation'), 0),
			COALESCE(SUM(e.amount) FILTER (WHERE e.kind = 'Withdrawal'), 0),
			COUNT(e.position),
			$1,
			NOW()
		FROM last_withdrawal lw
		LEFT JOIN ledger.entries e ON TRUE
		GROUP BY lw.position
	`, lastSeq); err != nil {
		return 0, fmt.Errorf("rebuild pool: %w", err)
	}

	if err := writeWatermark(ctx, tx, lastSeq); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	logger.Info().Int64("sequence", lastSeq).Msg("projection rebuild complete")
	return lastSeq, nil
}
