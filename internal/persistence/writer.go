package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes events, history entries and transfers to Postgres
// using multi-row INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	CallType       string
	IdempotencyKey string
	Caller         string
	Nonce          int64
	Payload        []byte // JSON-encoded call in wire format
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// EntryRow represents a row in ledger.entries (one History element)
type EntryRow struct {
	Position  int64
	Sequence  int64
	Actor     string
	Kind      string
	Amount    string // base-10 u128
	Timestamp time.Time
}

// TransferRow represents a row in ledger.transfers
type TransferRow struct {
	TransferID  string
	Sequence    int64
	Beneficiary string
	Amount      string
	Status      string
	Reason      string
	UpdatedAt   time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// DB returns the underlying handle.
func (w *EventLogWriter) DB() *sql.DB {
	return w.db
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex Execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 9
	query := `INSERT INTO event_log.events
		(sequence, call_type, idempotency_key, caller, nonce, payload, state_hash, prev_hash, timestamp)
		VALUES `

	args := make([]any, 0, len(events)*cols)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.CallType, e.IdempotencyKey, e.Caller, e.Nonce,
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += placeholders(len(events), cols)
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteEntryBatch appends history rows to ledger.entries.
func (w *EventLogWriter) WriteEntryBatch(ctx context.Context, ex Execer, entries []EntryRow) error {
	if len(entries) == 0 {
		return nil
	}

	const cols = 6
	query := `INSERT INTO ledger.entries
		(position, sequence, actor, kind, amount, timestamp)
		VALUES `

	args := make([]any, 0, len(entries)*cols)
	for _, e := range entries {
		args = append(args, e.Position, e.Sequence, e.Actor, e.Kind, e.Amount, e.Timestamp)
	}

	query += placeholders(len(entries), cols)
	query += " ON CONFLICT (position) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// UpsertTransfers writes transfer rows. Rows must have distinct ids; use
// LatestTransfers to collapse a batch first.
func (w *EventLogWriter) UpsertTransfers(ctx context.Context, ex Execer, transfers []TransferRow) error {
	if len(transfers) == 0 {
		return nil
	}

	const cols = 7
	query := `INSERT INTO ledger.transfers
		(transfer_id, sequence, beneficiary, amount, status, reason, updated_at)
		VALUES `

	args := make([]any, 0, len(transfers)*cols)
	for _, t := range transfers {
		args = append(args, t.TransferID, t.Sequence, t.Beneficiary, t.Amount, t.Status, t.Reason, t.UpdatedAt)
	}

	query += placeholders(len(transfers), cols)
	query += ` ON CONFLICT (transfer_id) DO UPDATE SET
		status = EXCLUDED.status,
		reason = EXCLUDED.reason,
		updated_at = EXCLUDED.updated_at`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// LatestTransfers keeps the last row per transfer id, preserving first-seen
// order. A single INSERT ... ON CONFLICT cannot touch the same row twice.
func LatestTransfers(rows []TransferRow) []TransferRow {
	idx := make(map[string]int, len(rows))
	out := make([]TransferRow, 0, len(rows))
	for _, r := range rows {
		if i, ok := idx[r.TransferID]; ok {
			out[i] = r
			continue
		}
		idx[r.TransferID] = len(out)
		out = append(out, r)
	}
	return out
}

// placeholders renders "($1, $2), ($3, $4)" for rows x cols parameters.
func placeholders(rows, cols int) string {
	var b strings.Builder
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", r*cols+c+1)
		}
		b.WriteByte(')')
	}
	return b.String()
}

// MarshalPayload JSON-encodes a payload for storage.
func MarshalPayload(v any) ([]byte, error) {
	return json.Marshal(v)
}
