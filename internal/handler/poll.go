package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/promptforge/hub/internal/middleware"
	"github.com/promptforge/hub/internal/service"
)

// PollHandler is the client-driven fallback to the webhook path.
type PollHandler struct {
	recon *service.Reconciler
}

func NewPollHandler(recon *service.Reconciler) *PollHandler {
	return &PollHandler{recon: recon}
}

// GET /v1/responses/{response_id}
// Never touches the provider once the stored row is terminal.
func (h *PollHandler) Poll(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	responseID := chi.URLParam(r, "response_id")

	res, err := h.recon.Poll(r.Context(), user.UserID, responseID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
