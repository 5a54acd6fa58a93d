package service_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/promptforge/hub/internal/config"
	"github.com/promptforge/hub/internal/db"
	"github.com/promptforge/hub/internal/model"
	"github.com/promptforge/hub/internal/service"
)

// setupDB creates an in-memory SQLite DB with the real migrations applied.
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	database.SetMaxOpenConns(1)
	t.Cleanup(func() { database.Close() })

	if err := db.Migrate(database, "sqlite"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

// testPolicy keeps the force-clean window well under the stale window so
// each recovery path can be exercised separately.
func testPolicy() config.TracePolicy {
	return config.TracePolicy{
		StaleAfter:      2 * time.Minute,
		ForceCleanAfter: 30 * time.Second,
		OrphanAfter:     30 * time.Minute,
	}
}

// stack bundles the service instances most tests need.
type stack struct {
	db      *sql.DB
	prompts *service.PromptService
	threads *service.ThreadService
	cleanup *service.CleanupQueue
	tracker *service.Tracker
	limiter *service.RateLimiter
}

func newStack(t *testing.T) *stack {
	t.Helper()
	database := setupDB(t)
	prompts := service.NewPromptService(database)
	threads := service.NewThreadService(database)
	limiter := service.NewRateLimiter(database, 1000)
	cleanup := service.NewCleanupQueue(database, threads, 3, time.Second)
	tracker := service.NewTracker(database, testPolicy(), limiter, cleanup, prompts, threads)
	return &stack{
		db:      database,
		prompts: prompts,
		threads: threads,
		cleanup: cleanup,
		tracker: tracker,
		limiter: limiter,
	}
}

func seedPrompt(t *testing.T, s *stack, owner, parentRowID, name string) *model.PromptNode {
	t.Helper()
	node, err := s.prompts.Create(context.Background(), owner, service.CreatePromptInput{
		ParentRowID: parentRowID,
		PromptName:  name,
		PromptText:  "text of " + name,
	})
	if err != nil {
		t.Fatalf("seed prompt %s: %v", name, err)
	}
	return node
}

// backdateTrace rewrites started_at so sweep thresholds can be tested
// without sleeping.
func backdateTrace(t *testing.T, database *sql.DB, traceID string, age time.Duration) {
	t.Helper()
	ts := time.Now().UTC().Add(-age).Format(time.RFC3339Nano)
	if _, err := database.Exec(
		`UPDATE execution_traces SET started_at = ? WHERE trace_id = ?`, ts, traceID); err != nil {
		t.Fatalf("backdate trace %s: %v", traceID, err)
	}
}

func traceStatus(t *testing.T, database *sql.DB, traceID string) string {
	t.Helper()
	var status string
	if err := database.QueryRow(
		`SELECT status FROM execution_traces WHERE trace_id = ?`, traceID).Scan(&status); err != nil {
		t.Fatalf("query trace status: %v", err)
	}
	return status
}
