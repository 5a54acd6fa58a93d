package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.DBDriver != "sqlite" {
		t.Fatalf("expected sqlite default driver, got %q", cfg.DBDriver)
	}
	if cfg.Traces.StaleAfter != 2*time.Minute {
		t.Fatalf("expected 2m stale threshold, got %s", cfg.Traces.StaleAfter)
	}
	if cfg.Traces.ForceCleanAfter != 30*time.Second {
		t.Fatalf("expected 30s force-clean threshold, got %s", cfg.Traces.ForceCleanAfter)
	}
	if cfg.Traces.OrphanAfter != 30*time.Minute {
		t.Fatalf("expected 30m orphan threshold, got %s", cfg.Traces.OrphanAfter)
	}
	if cfg.RateLimitPerMinute != 60 {
		t.Fatalf("expected 60/min rate limit, got %d", cfg.RateLimitPerMinute)
	}
}

func TestLoadTracePolicyOverrides(t *testing.T) {
	t.Setenv("HUB_TRACE_STALE_AFTER", "45s")
	t.Setenv("HUB_TRACE_ORPHAN_AFTER", "1h")

	cfg := Load()
	if cfg.Traces.StaleAfter != 45*time.Second {
		t.Fatalf("expected 45s override, got %s", cfg.Traces.StaleAfter)
	}
	if cfg.Traces.OrphanAfter != time.Hour {
		t.Fatalf("expected 1h override, got %s", cfg.Traces.OrphanAfter)
	}
}

func TestLoadIgnoresMalformedDuration(t *testing.T) {
	t.Setenv("HUB_GENERATION_TIMEOUT", "not-a-duration")

	cfg := Load()
	if cfg.GenerationTimeout != 5*time.Minute {
		t.Fatalf("expected default generation timeout, got %s", cfg.GenerationTimeout)
	}
}
