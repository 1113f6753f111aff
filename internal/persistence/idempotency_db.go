package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresIdempotencyChecker answers dedup lookups that miss the core's LRU.
// The unique index on (event_type, idempotency_key) backs both the lookup and
// the guarantee that a key is stored at most once.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB, timeout time.Duration) *PostgresIdempotencyChecker {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: timeout,
	}
}

// IsDuplicate checks if the event exists in the Postgres event log.
func (pic *PostgresIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.events
		WHERE event_type = $1 AND idempotency_key = $2
		LIMIT 1`,
		eventType, idempotencyKey,
	).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
