package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/promptforge/hub/internal/model"
	"github.com/promptforge/hub/internal/service"
)

func TestRateLimiter_AllowsUpToLimit(t *testing.T) {
	database := setupDB(t)
	rl := service.NewRateLimiter(database, 3)

	for i := 0; i < 3; i++ {
		if err := rl.Allow(context.Background(), owner, "start_trace"); err != nil {
			t.Fatalf("call %d should pass: %v", i+1, err)
		}
	}

	err := rl.Allow(context.Background(), owner, "start_trace")
	rle, ok := err.(*model.RateLimitedError)
	if !ok {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rle.Limit != 3 || rle.Endpoint != "start_trace" {
		t.Errorf("error detail: %+v", rle)
	}
}

func TestRateLimiter_EndpointsCountSeparately(t *testing.T) {
	database := setupDB(t)
	rl := service.NewRateLimiter(database, 1)

	if err := rl.Allow(context.Background(), owner, "start_trace"); err != nil {
		t.Fatalf("first endpoint: %v", err)
	}
	if err := rl.Allow(context.Background(), owner, "create_span"); err != nil {
		t.Fatalf("second endpoint should have its own window: %v", err)
	}
	if err := rl.Allow(context.Background(), "user2", "start_trace"); err != nil {
		t.Fatalf("second owner should have their own window: %v", err)
	}
}

func TestRateLimiter_DisabledWhenZero(t *testing.T) {
	database := setupDB(t)
	rl := service.NewRateLimiter(database, 0)
	for i := 0; i < 10; i++ {
		if err := rl.Allow(context.Background(), owner, "start_trace"); err != nil {
			t.Fatalf("disabled limiter must always allow: %v", err)
		}
	}
}

func TestRateLimiter_PruneDropsOldWindows(t *testing.T) {
	database := setupDB(t)
	rl := service.NewRateLimiter(database, 5)

	old := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Minute).Format(time.RFC3339)
	if _, err := database.Exec(
		`INSERT INTO rate_limits (owner_id, endpoint, window_start, count) VALUES (?, 'x', ?, 4)`,
		owner, old); err != nil {
		t.Fatalf("seed old window: %v", err)
	}

	if err := rl.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}
	var n int
	_ = database.QueryRow(`SELECT count(*) FROM rate_limits`).Scan(&n)
	if n != 0 {
		t.Errorf("old windows remaining: %d", n)
	}
}
