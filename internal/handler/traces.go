package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/promptforge/hub/internal/middleware"
	"github.com/promptforge/hub/internal/service"
)

// TraceHandler exposes the tracker operations as POST /v1/trace/{action}.
type TraceHandler struct {
	tracker  *service.Tracker
	validate *validator.Validate
}

func NewTraceHandler(tracker *service.Tracker) *TraceHandler {
	return &TraceHandler{tracker: tracker, validate: validator.New()}
}

// POST /v1/trace/{action}
// Actions: start_trace, create_span, complete_span, fail_span,
// complete_trace, cleanup_orphaned.
func (h *TraceHandler) Action(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	action := chi.URLParam(r, "action")

	switch action {
	case "start_trace":
		var in service.StartTraceInput
		if !h.decode(w, r, &in) {
			return
		}
		res, err := h.tracker.StartTrace(r.Context(), user.UserID, in)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)

	case "create_span":
		var in service.CreateSpanInput
		if !h.decode(w, r, &in) {
			return
		}
		span, err := h.tracker.CreateSpan(r.Context(), user.UserID, in)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, span)

	case "complete_span":
		var in service.CompleteSpanInput
		if !h.decode(w, r, &in) {
			return
		}
		span, err := h.tracker.CompleteSpan(r.Context(), user.UserID, in)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, span)

	case "fail_span":
		var in service.FailSpanInput
		if !h.decode(w, r, &in) {
			return
		}
		if err := h.tracker.FailSpan(r.Context(), user.UserID, in); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})

	case "complete_trace":
		var in service.CompleteTraceInput
		if !h.decode(w, r, &in) {
			return
		}
		if err := h.tracker.CompleteTrace(r.Context(), user.UserID, in); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": in.Status})

	case "cleanup_orphaned":
		n, err := h.tracker.CleanupOrphanedTraces(r.Context(), user.UserID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"cleaned": n})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown trace action "+action)
	}
}

// GET /v1/trace/{trace_id}
func (h *TraceHandler) Get(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	trace, err := h.tracker.GetTrace(r.Context(), user.UserID, chi.URLParam(r, "trace_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

func (h *TraceHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeBody(r, dst); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return false
	}
	return true
}
