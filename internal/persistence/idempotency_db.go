package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker resolves cold idempotency lookups against the
// event log. It backs the core's in-memory LRU for keys old enough to have
// been evicted.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate reports whether an event with this type and key was already
// logged. The lookup is bounded: the core treats an error as "not
// duplicate" and relies on the log's unique constraint as the backstop.
func (c *PostgresIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var one int
	err := c.db.QueryRowContext(ctx, `
		SELECT 1 FROM clearing.events
		WHERE event_type = $1 AND idempotency_key = $2
		LIMIT 1`,
		eventType, idempotencyKey,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
