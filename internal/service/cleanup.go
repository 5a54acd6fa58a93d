package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Task kinds.
const TaskDeleteProviderResponses = "delete_provider_responses"

// Queue task statuses.
const (
	taskQueued = "queued"
	taskDone   = "done"
	taskDead   = "dead"
)

const cleanupBaseBackoff = 30 * time.Second

// DeleteResponsesPayload is the payload for TaskDeleteProviderResponses.
type DeleteResponsesPayload struct {
	TraceID     string   `json:"trace_id"`
	OwnerID     string   `json:"owner_id"`
	ResponseIDs []string `json:"response_ids"`
}

// ResponseDeleter deletes one stored response on the external provider.
// Implemented by the provider registry; the queue stays decoupled from
// provider wiring.
type ResponseDeleter interface {
	DeleteResponse(ctx context.Context, ownerID, responseID string) error
}

// CleanupQueue is a DB-backed background task queue with retry/backoff and
// dead-letter logging. Replaced-trace provider-response deletion goes
// through here so the request path never blocks on cleanup latency.
type CleanupQueue struct {
	db          *sql.DB
	deleter     ResponseDeleter
	threads     *ThreadService
	MaxAttempts int
	Interval    time.Duration
}

func NewCleanupQueue(database *sql.DB, threads *ThreadService, maxAttempts int, interval time.Duration) *CleanupQueue {
	return &CleanupQueue{
		db:          database,
		threads:     threads,
		MaxAttempts: maxAttempts,
		Interval:    interval,
	}
}

// SetDeleter wires the provider registry in after construction (the queue
// is created before the providers during startup).
func (q *CleanupQueue) SetDeleter(d ResponseDeleter) {
	q.deleter = d
}

// Enqueue adds a task due immediately.
func (q *CleanupQueue) Enqueue(ctx context.Context, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO cleanup_tasks (task_id, kind, payload_json, attempts, next_attempt_at, status, created_at)
		VALUES (?, ?, ?, 0, ?, 'queued', ?)`,
		uuid.NewString(), kind, string(data), now, now)
	return err
}

// Start runs the worker loop until ctx is cancelled.
// It should be launched as a goroutine.
func (q *CleanupQueue) Start(ctx context.Context) {
	ticker := time.NewTicker(q.Interval)
	defer ticker.Stop()

	log.Printf("cleanup queue started (interval=%s max_attempts=%d)", q.Interval, q.MaxAttempts)

	for {
		select {
		case <-ctx.Done():
			log.Println("cleanup queue stopped")
			return
		case <-ticker.C:
			if err := q.RunDue(ctx); err != nil {
				log.Printf("cleanup queue pass error: %v", err)
			}
		}
	}
}

type cleanupTask struct {
	TaskID      string
	Kind        string
	PayloadJSON string
	Attempts    int
}

// RunDue executes every queued task whose next_attempt_at has passed.
func (q *CleanupQueue) RunDue(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows, err := q.db.QueryContext(ctx, `
		SELECT task_id, kind, payload_json, attempts
		FROM cleanup_tasks
		WHERE status = 'queued' AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC LIMIT 50`, now)
	if err != nil {
		return fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()

	var due []cleanupTask
	for rows.Next() {
		var t cleanupTask
		if err := rows.Scan(&t.TaskID, &t.Kind, &t.PayloadJSON, &t.Attempts); err != nil {
			log.Printf("cleanup queue scan row: %v", err)
			continue
		}
		due = append(due, t)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate rows: %w", err)
	}

	for _, t := range due {
		q.runTask(ctx, t)
	}
	return nil
}

func (q *CleanupQueue) runTask(ctx context.Context, t cleanupTask) {
	var err error
	switch t.Kind {
	case TaskDeleteProviderResponses:
		err = q.deleteProviderResponses(ctx, t.PayloadJSON)
	default:
		err = fmt.Errorf("unknown task kind %q", t.Kind)
	}

	if err == nil {
		_, _ = q.db.ExecContext(ctx,
			`UPDATE cleanup_tasks SET status = 'done' WHERE task_id = ?`, t.TaskID)
		return
	}

	attempts := t.Attempts + 1
	if attempts >= q.MaxAttempts {
		// Dead-letter: keep the row with its payload for operator inspection.
		log.Printf("cleanup queue: task %s (%s) dead after %d attempts: %v — payload=%s",
			t.TaskID, t.Kind, attempts, err, t.PayloadJSON)
		_, _ = q.db.ExecContext(ctx, `
			UPDATE cleanup_tasks SET status = 'dead', attempts = ?, last_error = ?
			WHERE task_id = ?`, attempts, err.Error(), t.TaskID)
		return
	}

	backoff := cleanupBaseBackoff * (1 << (attempts - 1))
	next := time.Now().UTC().Add(backoff).Format(time.RFC3339Nano)
	log.Printf("cleanup queue: task %s attempt %d failed: %v (retry in %s)", t.TaskID, attempts, err, backoff)
	_, _ = q.db.ExecContext(ctx, `
		UPDATE cleanup_tasks SET attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE task_id = ?`, attempts, next, err.Error(), t.TaskID)
}

// deleteProviderResponses deletes a replaced trace's external responses and
// clears any thread still pointing at one of them, so later runs never
// chain onto a deleted provider response.
func (q *CleanupQueue) deleteProviderResponses(ctx context.Context, payloadJSON string) error {
	var payload DeleteResponsesPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	var firstErr error
	for _, responseID := range payload.ResponseIDs {
		if q.deleter != nil {
			if err := q.deleter.DeleteResponse(ctx, payload.OwnerID, responseID); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("delete response %s: %w", responseID, err)
				}
				continue
			}
		}
		if err := q.threads.ClearThreadResponse(ctx, responseID); err != nil {
			log.Printf("cleanup queue: clear thread ref %s: %v", responseID, err)
		}
	}
	return firstErr
}
