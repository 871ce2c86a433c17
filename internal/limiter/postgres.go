package limiter

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is a PostgreSQL-backed fixed-window send counter shared by all server instances.
type PG struct {
	pool     pgxQuerier
	window   time.Duration
	maxSends int
	now      func() time.Time
}

type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(pool *pgxpool.Pool, window time.Duration, maxSends int) *PG {
	return NewPGWithQuerier(pool, window, maxSends)
}

// NewPGWithQuerier constructs a PostgreSQL-backed limiter over any querier.
func NewPGWithQuerier(q pgxQuerier, window time.Duration, maxSends int) *PG {
	return &PG{pool: q, window: window, maxSends: maxSends, now: time.Now}
}

// Allow bumps the participant's counter, opening a new window when the old one expired.
func (l *PG) Allow(ctx context.Context, participantID uuid.UUID) (bool, time.Duration, error) {
	const q = `
INSERT INTO send_limiter (participant_id, window_start, sends)
VALUES ($1, now(), 1)
ON CONFLICT (participant_id) DO UPDATE
SET
  sends = CASE WHEN now() - send_limiter.window_start > $2::interval THEN 1 ELSE send_limiter.sends + 1 END,
  window_start = CASE WHEN now() - send_limiter.window_start > $2::interval THEN now() ELSE send_limiter.window_start END
RETURNING sends, window_start`
	var sends int
	var start time.Time
	if err := l.pool.QueryRow(ctx, q, participantID, l.window).Scan(&sends, &start); err != nil {
		return false, 0, err
	}
	if sends <= l.maxSends {
		return true, 0, nil
	}
	retry := start.Add(l.window).Sub(l.now())
	if retry < time.Second {
		retry = time.Second
	}
	return false, retry, nil
}
