package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/promptforge/hub/internal/middleware"
	"github.com/promptforge/hub/internal/model"
	"github.com/promptforge/hub/internal/service"
)

// heartbeatInterval is the cosmetic keep-alive cadence on run streams.
const heartbeatInterval = 10 * time.Second

// RunHandler handles the run trigger, its SSE stream, and cancellation.
type RunHandler struct {
	runner   *service.Runner
	tracker  *service.Tracker
	sseMan   *service.SSEManager
	validate *validator.Validate
}

func NewRunHandler(runner *service.Runner, tracker *service.Tracker, sseMan *service.SSEManager) *RunHandler {
	return &RunHandler{
		runner:   runner,
		tracker:  tracker,
		sseMan:   sseMan,
		validate: validator.New(),
	}
}

// POST /v1/prompts/{prompt_row_id}/run
// Streams started → progress → heartbeat → complete|error SSE frames.
// Errors before the trace exists (404/409/429) come back as plain JSON.
func (h *RunHandler) Run(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())

	var in service.RunInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	in.ChildPromptRowID = chi.URLParam(r, "prompt_row_id")
	if err := h.validate.Struct(in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	// The run outlives the SSE connection: a dropped client reconnects and
	// replays via since_seq instead of killing the call mid-flight.
	runCtx := context.WithoutCancel(r.Context())
	traceCh := make(chan string, 1)
	in.TraceIDCh = traceCh

	type outcome struct {
		res *service.RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.runner.Run(runCtx, user.UserID, in)
		done <- outcome{res, err}
	}()

	var traceID string
	select {
	case traceID = <-traceCh:
	case o := <-done:
		// Failed before the trace row existed — plain JSON error.
		if o.err != nil {
			writeServiceError(w, o.err)
			return
		}
		writeJSON(w, http.StatusOK, o.res)
		return
	}

	h.stream(w, r, traceID, 0)
}

// GET /v1/traces/{trace_id}/events?since_seq=N
// Reconnect stream: replays buffered frames past since_seq, then follows.
func (h *RunHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	traceID := chi.URLParam(r, "trace_id")

	if _, err := h.tracker.GetTrace(r.Context(), user.UserID, traceID); err != nil {
		writeServiceError(w, err)
		return
	}

	sinceSeq, _ := strconv.Atoi(r.URL.Query().Get("since_seq"))
	// Last-Event-ID (sent by browsers on SSE reconnect) takes precedence.
	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		if v, err := strconv.Atoi(lastEventID); err == nil {
			sinceSeq = v
		}
	}
	h.stream(w, r, traceID, sinceSeq)
}

func (h *RunHandler) stream(w http.ResponseWriter, r *http.Request, traceID string, sinceSeq int) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}

	ctx := r.Context()
	ch, cancel := h.sseMan.Subscribe(ctx, traceID, sinceSeq)
	defer cancel()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			// Heartbeats are cosmetic keep-alives, never buffered or replayed.
			fmt.Fprintf(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()

		case event, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "id: %d\n", event.Seq)
			fmt.Fprintf(w, "event: %s\n", event.Type)
			fmt.Fprintf(w, "data: %s\n\n", event.PayloadJSON)
			flusher.Flush()
			if event.Type == "complete" || event.Type == "error" {
				return
			}
		}
	}
}

// POST /v1/prompts/{prompt_row_id}/run/cancel
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	promptRowID := chi.URLParam(r, "prompt_row_id")

	if err := h.runner.Cancel(r.Context(), user.UserID, promptRowID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": model.TraceCancelled})
}
