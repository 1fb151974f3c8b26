package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"DonationLedger/internal/amount"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a donor or transfer has no projected row.
var ErrNotFound = errors.New("not found")

// MaxLimit caps list queries.
const MaxLimit = 500

// QueryService provides read-only access to projection and ledger tables.
// Queries are served via gRPC and HTTP/JSON (gRPC-Gateway). All responses
// include as_of_sequence for freshness semantics.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// TopDonors returns the donors with the largest total contribution.
func (qs *QueryService) TopDonors(ctx context.Context, limit int) (*TopDonorsResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT donor, total_donated::TEXT, donation_count, last_sequence, updated_at
		FROM projections.donor_totals
		ORDER BY total_donated DESC, donor ASC
		LIMIT $1
	`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &TopDonorsResponse{Donors: []DonorTotalResponse{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		var d DonorTotalResponse
		if err := rows.Scan(&d.Donor, &d.TotalDonated, &d.DonationCount, &d.LastSequence, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.TotalHuman = humanize(d.TotalDonated)
		d.AsOfSequence = asOfSeq
		resp.Donors = append(resp.Donors, d)
	}

	return resp, rows.Err()
}

// DonorTotal returns a single donor's aggregate.
func (qs *QueryService) DonorTotal(ctx context.Context, donor string) (*DonorTotalResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	d := DonorTotalResponse{Donor: donor, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT total_donated::TEXT, donation_count, last_sequence, updated_at
		FROM projections.donor_totals
		WHERE donor = $1
	`, donor).Scan(&d.TotalDonated, &d.DonationCount, &d.LastSequence, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("donor %q: %w", donor, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	d.TotalHuman = humanize(d.TotalDonated)
	return &d, nil
}

// PoolSummary returns the projected pool. Before any call is projected the
// pool reads as empty.
func (qs *QueryService) PoolSummary(ctx context.Context) (*PoolSummaryResponse, error) {
	p := PoolSummaryResponse{
		Balance:        "0",
		TotalDonated:   "0",
		TotalWithdrawn: "0",
		AsOfSequence:   -1,
	}
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance::TEXT, total_donated::TEXT, total_withdrawn::TEXT, entry_count, last_sequence
		FROM projections.pool
		WHERE id = 1
	`).Scan(&p.Balance, &p.TotalDonated, &p.TotalWithdrawn, &p.EntryCount, &p.AsOfSequence)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	p.BalanceHuman = humanize(p.Balance)
	return &p, nil
}

// GetTransfer returns a transfer by id.
func (qs *QueryService) GetTransfer(ctx context.Context, id uuid.UUID) (*TransferResponse, error) {
	asOfSeq, err := qs.getLatestSequence(ctx)
	if err != nil {
		return nil, err
	}

	t := TransferResponse{AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT transfer_id, sequence, beneficiary, amount::TEXT, status, reason, updated_at
		FROM ledger.transfers
		WHERE transfer_id = $1
	`, id).Scan(&t.TransferID, &t.Sequence, &t.Beneficiary, &t.Amount, &t.Status, &t.Reason, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transfer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	t.AmountHuman = humanize(t.Amount)
	return &t, nil
}

// ListTransfers returns transfers newest first, optionally filtered by
// status, with cursor pagination on sequence.
func (qs *QueryService) ListTransfers(
	ctx context.Context,
	status string,
	limit int,
	beforeSequence *int64,
) ([]TransferResponse, error) {
	asOfSeq, err := qs.getLatestSequence(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT transfer_id, sequence, beneficiary, amount::TEXT, status, reason, updated_at
		FROM ledger.transfers
		WHERE TRUE
	`
	args := []any{}
	argIdx := 1

	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, status)
		argIdx++
	}

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transfers := []TransferResponse{}
	for rows.Next() {
		var t TransferResponse
		if err := rows.Scan(&t.TransferID, &t.Sequence, &t.Beneficiary, &t.Amount, &t.Status, &t.Reason, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.AmountHuman = humanize(t.Amount)
		t.AsOfSequence = asOfSeq
		transfers = append(transfers, t)
	}

	return transfers, rows.Err()
}

// DonorEntries returns one actor's persisted history entries in order,
// starting after the given position.
func (qs *QueryService) DonorEntries(
	ctx context.Context,
	actor string,
	limit int,
	afterPosition *int64,
) ([]EntryResponse, error) {
	query := `
		SELECT position, sequence, actor, kind, amount::TEXT, timestamp
		FROM ledger.entries
		WHERE actor = $1
	`
	args := []any{actor}
	argIdx := 2

	if afterPosition != nil {
		query += fmt.Sprintf(" AND position > $%d", argIdx)
		args = append(args, *afterPosition)
		argIdx++
	}

	query += " ORDER BY position ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []EntryResponse{}
	for rows.Next() {
		var e EntryResponse
		if err := rows.Scan(&e.Position, &e.Sequence, &e.Actor, &e.Kind, &e.Amount, &e.Timestamp); err != nil {
			return nil, err
		}
		e.AmountHuman = humanize(e.Amount)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and compares
// the projected pool balance with one recomputed from ledger.entries.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	asOfSeq, err := qs.getLatestSequence(ctx)
	if err != nil {
		return nil, err
	}
	report.AsOfSequence = asOfSeq

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var projected sql.NullString
	var recomputed string
	err = qs.db.QueryRowContext(ctx, `
		WITH last_withdrawal AS (
			SELECT COALESCE(MAX(position), -1) AS position
			FROM ledger.entries WHERE kind = 'Withdrawal'
		)
		SELECT
			(SELECT balance::TEXT FROM projections.pool WHERE id = 1),
			COALESCE((
				SELECT SUM(e.amount) FROM ledger.entries e, last_withdrawal lw
				WHERE e.kind = 'Donation' AND e.position > lw.position
			), 0)::TEXT
	`).Scan(&projected, &recomputed)
	if err != nil {
		return nil, err
	}
	if projected.Valid && projected.String != recomputed {
		report.PoolMismatch = &PoolMismatch{Projected: projected.String, Recomputed: recomputed}
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.PoolMismatch == nil
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = 'donations'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func (qs *QueryService) getLatestSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), -1) FROM event_log.events
	`).Scan(&seq)
	return seq, err
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// humanize renders a stored raw amount; malformed values render empty.
func humanize(raw string) string {
	v, err := amount.Parse(raw)
	if err != nil {
		return ""
	}
	return amount.Human(v)
}
