package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/eswenke/wikipulse/internal/processor"
)

var (
	// ErrDuplicateEvent indicates the event id already exists. This is
	// an expected steady-state condition, e.g. replay after a
	// reconnect, and must never end the ingestion loop.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrStoreUnavailable wraps any other insert failure.
	ErrStoreUnavailable = errors.New("durable store unavailable")
)

const uniqueViolationCode = "23505"

// RawEventRepository persists normalized change events, one immutable
// row per accepted event.
type RawEventRepository struct {
	db *DB
}

// NewRawEventRepository creates a repository over db.
func NewRawEventRepository(db *DB) *RawEventRepository {
	return &RawEventRepository{db: db}
}

// Insert writes one event row. The write is transactional per row: on
// failure it rolls back and the connection stays usable for the next
// event. A uniqueness violation on the source event id maps to
// ErrDuplicateEvent.
func (r *RawEventRepository) Insert(ctx context.Context, ev *processor.ChangeEvent) error {
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		sql := `
			INSERT INTO raw_events (
				event_id, domain, wiki, kind, namespace, title, comment,
				username, minor, bot, patrolled, log_type, length_delta, event_ts
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7,
				$8, $9, $10, $11, $12, $13, $14
			)
		`
		_, err := tx.Exec(ctx, sql,
			ev.ID,
			ev.Domain,
			ev.Wiki,
			string(ev.Kind),
			ev.Namespace,
			ev.Title,
			ev.Comment,
			ev.User,
			ev.Minor,
			ev.Bot,
			ev.Patrolled,
			ev.LogType,
			ev.LengthDelta,
			ev.Timestamp,
		)
		return err
	})
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, ev.ID)
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// Count returns the number of stored rows.
func (r *RawEventRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM raw_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count raw events: %w", err)
	}
	return n, nil
}

// DeleteOlderThan removes rows whose event time is older than
// now - horizon and returns how many were deleted.
func (r *RawEventRepository) DeleteOlderThan(ctx context.Context, horizon time.Duration) (int64, error) {
	cutoff := time.Now().Add(-horizon)
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM raw_events WHERE event_ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old raw events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Truncate clears the table. Destructive; local development only.
func (r *RawEventRepository) Truncate(ctx context.Context) error {
	if _, err := r.db.pool.Exec(ctx, `TRUNCATE raw_events`); err != nil {
		return fmt.Errorf("truncate raw events: %w", err)
	}
	return nil
}
