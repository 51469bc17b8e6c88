package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLTier is the fallback fixed-window counter kept in Postgres. It runs on an
// isolated database/sql handle with its own small connection cap.
type SQLTier struct {
	db *sql.DB
}

// NewSQLTier wraps db.
func NewSQLTier(db *sql.DB) *SQLTier {
	return &SQLTier{db: db}
}

const upsertHitSQL = `INSERT INTO rate_limit_fallback (bucket_key, window_start, hits)
VALUES ($1, $2, 1)
ON CONFLICT (bucket_key, window_start) DO UPDATE SET hits = rate_limit_fallback.hits + 1
RETURNING hits`

// Hit increments the counter for the window containing now. The caller passes
// the already narrowed quota.
func (t *SQLTier) Hit(ctx context.Context, key string, q Quota, now time.Time) (Result, error) {
	if t == nil || t.db == nil {
		return Result{}, fmt.Errorf("ratelimit: sql tier not configured")
	}
	windowStart := now.UTC().Truncate(q.Window)
	var hits int
	if err := t.db.QueryRowContext(ctx, upsertHitSQL, key, windowStart).Scan(&hits); err != nil {
		return Result{}, fmt.Errorf("ratelimit: sql hit: %w", err)
	}
	reset := windowStart.Add(q.Window).Sub(now)
	if reset < 0 {
		reset = 0
	}
	return Result{Allowed: hits <= q.Requests, Count: hits, ResetIn: reset}, nil
}

// Prune removes windows that ended before cutoff.
func (t *SQLTier) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if t == nil || t.db == nil {
		return 0, nil
	}
	res, err := t.db.ExecContext(ctx, `DELETE FROM rate_limit_fallback WHERE window_start < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
