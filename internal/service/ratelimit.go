package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/promptforge/hub/internal/model"
)

// RateLimiter gates mutating tracker calls with a per-minute window counter
// keyed by (owner, endpoint, window). The counter lives in the backing store
// so it survives restarts and is shared across instances; the upsert is
// atomic, so concurrent requests cannot undercount. Fails closed to 429.
type RateLimiter struct {
	db        *sql.DB
	PerWindow int           // max calls per window
	Window    time.Duration // default 1 minute
}

func NewRateLimiter(db *sql.DB, perWindow int) *RateLimiter {
	return &RateLimiter{db: db, PerWindow: perWindow, Window: time.Minute}
}

// Allow increments the counter for (ownerID, endpoint) in the current window
// and returns a RateLimitedError once the window is exhausted.
func (rl *RateLimiter) Allow(ctx context.Context, ownerID, endpoint string) error {
	if rl.PerWindow <= 0 {
		return nil
	}

	windowStart := time.Now().UTC().Truncate(rl.Window).Format(time.RFC3339)

	if _, err := rl.db.ExecContext(ctx, `
		INSERT INTO rate_limits (owner_id, endpoint, window_start, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (owner_id, endpoint, window_start)
		DO UPDATE SET count = rate_limits.count + 1`,
		ownerID, endpoint, windowStart); err != nil {
		return fmt.Errorf("rate limit upsert: %w", err)
	}

	var count int
	if err := rl.db.QueryRowContext(ctx, `
		SELECT count FROM rate_limits
		WHERE owner_id = ? AND endpoint = ? AND window_start = ?`,
		ownerID, endpoint, windowStart).Scan(&count); err != nil {
		return fmt.Errorf("rate limit read: %w", err)
	}

	if count > rl.PerWindow {
		return &model.RateLimitedError{
			Endpoint:   endpoint,
			Limit:      rl.PerWindow,
			RetryAfter: rl.Window,
		}
	}
	return nil
}

// Prune drops windows older than two windows back. Called opportunistically
// by the watchdog so the table stays small.
func (rl *RateLimiter) Prune(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-2 * rl.Window).Format(time.RFC3339)
	_, err := rl.db.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE window_start < ?`, cutoff)
	return err
}
