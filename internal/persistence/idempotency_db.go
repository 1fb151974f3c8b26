package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresIdempotencyChecker implements DB-based deduplication against the
// event log's (call_type, idempotency_key) unique index.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate checks if the call exists in the Postgres event log
func (pic *PostgresIdempotencyChecker) IsDuplicate(callType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.events
		WHERE call_type = $1 AND idempotency_key = $2
		LIMIT 1
	`, callType, idempotencyKey).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns the composite keys of the last n applied calls, oldest
// first, for LRU warming on a cold start.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, n int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT call_type, idempotency_key FROM (
			SELECT sequence, call_type, idempotency_key
			FROM event_log.events
			ORDER BY sequence DESC
			LIMIT $1
		) recent
		ORDER BY sequence ASC
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0, n)
	for rows.Next() {
		var callType, key string
		if err := rows.Scan(&callType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, callType+":"+key)
	}
	return keys, rows.Err()
}

// IsUniqueViolation reports whether err is a Postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
