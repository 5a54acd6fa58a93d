package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/promptforge/hub/internal/middleware"
	"github.com/promptforge/hub/internal/service"
)

// PromptHandler is the thin CRUD surface over the prompt-tree store plus
// the per-node assistant configuration.
type PromptHandler struct {
	prompts    *service.PromptService
	assistants *service.AssistantService
	validate   *validator.Validate
}

func NewPromptHandler(prompts *service.PromptService, assistants *service.AssistantService) *PromptHandler {
	return &PromptHandler{
		prompts:    prompts,
		assistants: assistants,
		validate:   validator.New(),
	}
}

// POST /v1/prompts
func (h *PromptHandler) Create(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())

	var in service.CreatePromptInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	node, err := h.prompts.Create(r.Context(), user.UserID, in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

// GET /v1/prompts/{prompt_row_id}
func (h *PromptHandler) Get(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	node, err := h.prompts.Get(r.Context(), user.UserID, chi.URLParam(r, "prompt_row_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// PATCH /v1/prompts/{prompt_row_id}
func (h *PromptHandler) Update(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())

	var in service.UpdatePromptInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	node, err := h.prompts.Update(r.Context(), user.UserID, chi.URLParam(r, "prompt_row_id"), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// DELETE /v1/prompts/{prompt_row_id}
func (h *PromptHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if err := h.prompts.Delete(r.Context(), user.UserID, chi.URLParam(r, "prompt_row_id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/prompts/{prompt_row_id}/children
func (h *PromptHandler) ListChildren(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	nodes, err := h.prompts.ListChildren(r.Context(), user.UserID, chi.URLParam(r, "prompt_row_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompts": nodes})
}

// GET /v1/prompts/{prompt_row_id}/assistant
func (h *PromptHandler) GetAssistant(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	a, err := h.assistants.GetOrCreate(r.Context(), user.UserID, chi.URLParam(r, "prompt_row_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// PATCH /v1/prompts/{prompt_row_id}/assistant
func (h *PromptHandler) UpdateAssistant(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())

	var in service.UpdateAssistantInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	a, err := h.assistants.Update(r.Context(), user.UserID, chi.URLParam(r, "prompt_row_id"), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
