package service

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/promptforge/hub/internal/config"
	"github.com/promptforge/hub/internal/model"
)

const DefaultWatchdogInterval = 30 * time.Second

// Watchdog periodically scans for traces stuck in status='running' for
// longer than the orphan threshold and marks them failed, releasing the
// trace mutex for that entry prompt. It is the coarse safety net behind the
// per-entry stale sweep that start_trace performs inline.
type Watchdog struct {
	db       *sql.DB
	sseMan   *SSEManager
	limiter  *RateLimiter
	policy   config.TracePolicy
	Interval time.Duration
}

// NewWatchdog creates a Watchdog. db and sseMan must not be nil.
func NewWatchdog(db *sql.DB, sseMan *SSEManager, limiter *RateLimiter, policy config.TracePolicy) *Watchdog {
	return &Watchdog{
		db:       db,
		sseMan:   sseMan,
		limiter:  limiter,
		policy:   policy,
		Interval: DefaultWatchdogInterval,
	}
}

// Start runs the watchdog loop until ctx is cancelled.
// It should be launched as a goroutine.
func (w *Watchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	log.Printf("watchdog started (orphan_after=%s interval=%s)", w.policy.OrphanAfter, w.Interval)

	for {
		select {
		case <-ctx.Done():
			log.Println("watchdog stopped")
			return
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				log.Printf("watchdog sweep error: %v", err)
			}
			if w.limiter != nil {
				if err := w.limiter.Prune(ctx); err != nil {
					log.Printf("watchdog prune rate windows: %v", err)
				}
			}
			if n := w.sseMan.Prune(w.policy.OrphanAfter); n > 0 {
				log.Printf("watchdog: pruned %d idle event buffer(s)", n)
			}
		}
	}
}

// orphanedTrace is a row returned by the sweep query.
type orphanedTrace struct {
	TraceID          string
	EntryPromptRowID string
	OwnerID          string
}

// Sweep runs one pass: find all traces past the orphan threshold and
// recover them.
func (w *Watchdog) Sweep(ctx context.Context) error {
	deadline := time.Now().UTC().Add(-w.policy.OrphanAfter).Format(time.RFC3339Nano)

	rows, err := w.db.QueryContext(ctx, `
		SELECT trace_id, entry_prompt_row_id, owner_id
		FROM execution_traces
		WHERE status = 'running' AND started_at < ?`, deadline)
	if err != nil {
		return fmt.Errorf("query orphaned traces: %w", err)
	}
	defer rows.Close()

	var victims []orphanedTrace
	for rows.Next() {
		var v orphanedTrace
		if err := rows.Scan(&v.TraceID, &v.EntryPromptRowID, &v.OwnerID); err != nil {
			log.Printf("watchdog scan row: %v", err)
			continue
		}
		victims = append(victims, v)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate rows: %w", err)
	}

	for _, v := range victims {
		w.recoverTrace(ctx, v)
	}
	return nil
}

// recoverTrace marks one orphaned trace as failed, which releases the
// per-entry-prompt mutex, then notifies any SSE clients still attached.
func (w *Watchdog) recoverTrace(ctx context.Context, v orphanedTrace) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	log.Printf("watchdog: recovering orphaned trace %s (prompt=%s)", v.TraceID, v.EntryPromptRowID)

	res, err := w.db.ExecContext(ctx, `
		UPDATE execution_traces
		SET status = 'failed', completed_at = ?, error_summary = 'orphaned'
		WHERE trace_id = ? AND status = 'running'`,
		now, v.TraceID)
	if err != nil {
		log.Printf("watchdog: update trace %s: %v", v.TraceID, err)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Finished between the sweep query and this update.
		return
	}

	// Close out any spans the dead run left open.
	if _, err := w.db.ExecContext(ctx, `
		UPDATE execution_spans SET status = 'failed', completed_at = ?
		WHERE trace_id = ? AND status = 'running'`, now, v.TraceID); err != nil {
		log.Printf("watchdog: close spans of %s: %v", v.TraceID, err)
	}

	errPayload := fmt.Sprintf(
		`{"error":"execution orphaned, no activity within %s","error_code":"TIMEOUT","trace_id":%q}`,
		w.policy.OrphanAfter, v.TraceID,
	)
	w.sseMan.Publish(v.TraceID, &model.RunEvent{
		TraceID:     v.TraceID,
		Seq:         -1,
		Ts:          now,
		Type:        "error",
		PayloadJSON: errPayload,
	})
	w.sseMan.Publish(v.TraceID, &model.RunEvent{
		TraceID:     v.TraceID,
		Seq:         -2,
		Ts:          now,
		Type:        "complete",
		PayloadJSON: `{"status":"failed","error_summary":"orphaned"}`,
	})
}
