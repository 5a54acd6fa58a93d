package config

import (
	"os"
	"strconv"
	"time"
)

// TracePolicy groups the execution-trace sweep thresholds in one place so
// the three formerly-independent magic numbers stay coordinated.
type TracePolicy struct {
	// StaleAfter: a 'running' trace for the same entry prompt older than
	// this is auto-failed before a new start_trace insert.
	StaleAfter time.Duration
	// ForceCleanAfter: on a mutex conflict, the conflicting trace is
	// force-failed and the insert retried once if it is older than this.
	ForceCleanAfter time.Duration
	// OrphanAfter: the watchdog's coarse safety net — any 'running' trace
	// older than this is failed regardless of retries.
	OrphanAfter time.Duration
}

type Config struct {
	// Server
	Port string

	// Database
	DBDriver string // "sqlite" | "postgres"
	DBPath   string // SQLite path
	DBUrl    string // Postgres DSN

	// Auth
	APIToken         string // static bearer token; empty = local open mode
	LocalUserID      string // principal injected in local open mode
	TokenExpiryHours int

	// Providers
	OpenAIAPIKey      string // system-level fallback; user credentials override
	AnthropicAPIKey   string
	WebhookSecret     string // HMAC secret for provider webhooks
	GenerationTimeout time.Duration
	LightCallTimeout  time.Duration

	// Trace lifecycle
	Traces TracePolicy

	// Rate limiting (per user+endpoint, sliding 1-minute window)
	RateLimitPerMinute int

	// Watchdog
	WatchdogInterval time.Duration

	// Cleanup queue
	CleanupInterval    time.Duration
	CleanupMaxAttempts int

	// Logging
	LogLevel string
}

func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		DBDriver: getEnv("HUB_DB_DRIVER", "sqlite"),
		DBPath:   getEnv("HUB_DB_PATH", "./data/hub.db"),
		DBUrl:    getEnv("HUB_DATABASE_URL", ""),

		APIToken:         getEnv("HUB_API_TOKEN", ""),
		LocalUserID:      getEnv("HUB_LOCAL_USER_ID", "local"),
		TokenExpiryHours: getEnvInt("HUB_TOKEN_EXPIRY_HOURS", 720),

		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		WebhookSecret:     getEnv("HUB_WEBHOOK_SECRET", ""),
		GenerationTimeout: getEnvDuration("HUB_GENERATION_TIMEOUT", 5*time.Minute),
		LightCallTimeout:  getEnvDuration("HUB_LIGHT_CALL_TIMEOUT", 30*time.Second),

		Traces: TracePolicy{
			StaleAfter:      getEnvDuration("HUB_TRACE_STALE_AFTER", 2*time.Minute),
			ForceCleanAfter: getEnvDuration("HUB_TRACE_FORCE_CLEAN_AFTER", 30*time.Second),
			OrphanAfter:     getEnvDuration("HUB_TRACE_ORPHAN_AFTER", 30*time.Minute),
		},

		RateLimitPerMinute: getEnvInt("HUB_RATE_LIMIT_PER_MINUTE", 60),

		WatchdogInterval: getEnvDuration("HUB_WATCHDOG_INTERVAL", 30*time.Second),

		CleanupInterval:    getEnvDuration("HUB_CLEANUP_INTERVAL", 15*time.Second),
		CleanupMaxAttempts: getEnvInt("HUB_CLEANUP_MAX_ATTEMPTS", 5),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
