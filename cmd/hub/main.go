package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/promptforge/hub/internal/config"
	"github.com/promptforge/hub/internal/db"
	"github.com/promptforge/hub/internal/provider"
	"github.com/promptforge/hub/internal/router"
	"github.com/promptforge/hub/internal/service"
)

func main() {
	cfg := config.Load()

	database, err := db.Open(cfg)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer database.Close()

	if err := db.Migrate(database, cfg.DBDriver); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	log.Println("database migrations applied")

	// Shared instances: the HTTP handlers, the watchdog and the cleanup
	// queue must all see the same SSEManager and queue state.
	sseMan := service.NewSSEManager()
	limiter := service.NewRateLimiter(database, cfg.RateLimitPerMinute)
	prompts := service.NewPromptService(database)
	threads := service.NewThreadService(database)
	assistants := service.NewAssistantService(database)
	cleanup := service.NewCleanupQueue(database, threads, cfg.CleanupMaxAttempts, cfg.CleanupInterval)
	tracker := service.NewTracker(database, cfg.Traces, limiter, cleanup, prompts, threads)

	creds := service.NewCredentialService(database, map[string]string{
		"openai":    cfg.OpenAIAPIKey,
		"anthropic": cfg.AnthropicAPIKey,
	})
	registry := provider.NewRegistry(creds, cfg.GenerationTimeout, cfg.LightCallTimeout)
	cleanup.SetDeleter(registry)

	recon := service.NewReconciler(database, threads, prompts, registry)
	runner := service.NewRunner(database, tracker, threads, prompts, assistants, registry, recon, sseMan)

	// Webhook secret: settings row wins over env, reloaded on verify failure.
	secrets := service.NewSecretCache(5*time.Minute, func(ctx context.Context) (string, error) {
		if v := service.Setting(ctx, database, "webhook.secret"); v != "" {
			return v, nil
		}
		if cfg.WebhookSecret != "" {
			return cfg.WebhookSecret, nil
		}
		return "", fmt.Errorf("no webhook secret configured")
	})

	watchdog := service.NewWatchdog(database, sseMan, limiter, cfg.Traces)
	watchdog.Interval = cfg.WatchdogInterval

	h := router.New(cfg, database, router.Deps{
		SSEMan:     sseMan,
		Tracker:    tracker,
		Runner:     runner,
		Recon:      recon,
		Secrets:    secrets,
		Prompts:    prompts,
		Assistants: assistants,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams need unlimited write timeout
		IdleTimeout:  120 * time.Second,
	}

	// Root context cancelled on shutdown — propagates to the loops.
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	go watchdog.Start(rootCtx)
	go cleanup.Start(rootCtx)

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("promptforge hub listening on :%s (driver=%s)", cfg.Port, cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-done
	log.Println("shutting down...")
	rootCancel() // stop watchdog and cleanup queue

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	log.Println("stopped")
}
