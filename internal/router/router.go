package router

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/promptforge/hub/internal/config"
	"github.com/promptforge/hub/internal/handler"
	"github.com/promptforge/hub/internal/middleware"
	"github.com/promptforge/hub/internal/service"
)

// Deps are the shared service instances main.go also hands to the
// background loops (watchdog, cleanup queue), so everything observes the
// same SSEManager and queue.
type Deps struct {
	SSEMan  *service.SSEManager
	Tracker *service.Tracker
	Runner  *service.Runner
	Recon   *service.Reconciler
	Secrets *service.SecretCache

	Prompts    *service.PromptService
	Assistants *service.AssistantService
}

// New builds the HTTP router.
func New(cfg *config.Config, db *sql.DB, d Deps) http.Handler {
	healthH := handler.NewHealthHandler(db, "0.3.0")
	promptH := handler.NewPromptHandler(d.Prompts, d.Assistants)
	traceH := handler.NewTraceHandler(d.Tracker)
	runH := handler.NewRunHandler(d.Runner, d.Tracker, d.SSEMan)
	webhookH := handler.NewWebhookHandler(d.Recon, d.Secrets)
	pollH := handler.NewPollHandler(d.Recon)

	requireAuth := middleware.AuthMiddleware(cfg.APIToken, cfg.LocalUserID)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)

	// Public
	r.Get("/v1/health", healthH.Health)
	r.Get("/v1/version", healthH.Version)
	// Signed by the provider, not bearer-authenticated.
	r.Post("/v1/webhooks/openai", webhookH.Receive)

	// Authenticated
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		// Run streams are long-lived; everything else gets a request timeout.
		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(30 * time.Second))

			r.Post("/v1/prompts", promptH.Create)
			r.Get("/v1/prompts/{prompt_row_id}", promptH.Get)
			r.Patch("/v1/prompts/{prompt_row_id}", promptH.Update)
			r.Delete("/v1/prompts/{prompt_row_id}", promptH.Delete)
			r.Get("/v1/prompts/{prompt_row_id}/children", promptH.ListChildren)
			r.Get("/v1/prompts/{prompt_row_id}/assistant", promptH.GetAssistant)
			r.Patch("/v1/prompts/{prompt_row_id}/assistant", promptH.UpdateAssistant)

			r.Post("/v1/trace/{action}", traceH.Action)
			r.Get("/v1/traces/{trace_id}", traceH.Get)

			r.Get("/v1/responses/{response_id}", pollH.Poll)

			r.Post("/v1/prompts/{prompt_row_id}/run/cancel", runH.Cancel)
		})

		r.Post("/v1/prompts/{prompt_row_id}/run", runH.Run)
		r.Get("/v1/traces/{trace_id}/events", runH.StreamEvents)
	})

	return r
}
