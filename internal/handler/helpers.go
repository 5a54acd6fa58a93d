package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/promptforge/hub/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func decodeBody(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// writeServiceError maps typed service errors to their HTTP status:
// NotFoundError→404, TraceConflictError/InvalidStateError→409,
// RateLimitedError→429 (+Retry-After), anything else→500.
func writeServiceError(w http.ResponseWriter, err error) {
	switch e := err.(type) {
	case *model.NotFoundError:
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case *model.TraceConflictError:
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": map[string]any{
				"code":      "RETRYABLE_CONFLICT",
				"message":   "another execution is already running for this prompt",
				"retryable": true,
				"meta": map[string]string{
					"entry_prompt_row_id": e.EntryPromptRowID,
					"running_trace_id":    e.RunningTraceID,
				},
			},
		})
	case *model.InvalidStateError:
		writeError(w, http.StatusConflict, "INVALID_STATE", err.Error())
	case *model.RateLimitedError:
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(e.RetryAfter.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": map[string]any{
				"code":      "RATE_LIMITED",
				"message":   err.Error(),
				"retryable": true,
				"meta": map[string]any{
					"endpoint":      e.Endpoint,
					"limit":         e.Limit,
					"retry_after_s": int(e.RetryAfter.Seconds()),
				},
			},
		})
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
