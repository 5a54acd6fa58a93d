package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/promptforge/hub/internal/model"
	"github.com/promptforge/hub/internal/provider"
)

// Runner orchestrates one user-triggered run: prompt and assistant
// resolution, trace start, family-thread resolution, template rendering,
// the provider call, and the persistence fan-out afterwards. Progress is
// published to the SSE manager as it happens; the HTTP handler streams it.
type Runner struct {
	db         *sql.DB
	tracker    *Tracker
	threads    *ThreadService
	prompts    *PromptService
	assistants *AssistantService
	registry   *provider.Registry
	recon      *Reconciler
	sse        *SSEManager

	seqMu sync.Mutex
	seqs  map[string]int
}

func NewRunner(database *sql.DB, tracker *Tracker, threads *ThreadService, prompts *PromptService,
	assistants *AssistantService, registry *provider.Registry, recon *Reconciler, sse *SSEManager) *Runner {
	return &Runner{
		db:         database,
		tracker:    tracker,
		threads:    threads,
		prompts:    prompts,
		assistants: assistants,
		registry:   registry,
		recon:      recon,
		sse:        sse,
		seqs:       map[string]int{},
	}
}

type RunInput struct {
	ChildPromptRowID  string            `json:"child_prompt_row_id" validate:"required,uuid4"`
	UserMessage       string            `json:"user_message"`
	TemplateVariables map[string]string `json:"template_variables"`
	ThreadRowID       string            `json:"thread_row_id" validate:"omitempty,uuid4"`
	Cascade           bool              `json:"cascade"`
	Background        bool              `json:"background"`

	// TraceIDCh, when non-nil, receives the trace id as soon as the trace
	// row exists, so a streaming caller can subscribe before the run ends.
	TraceIDCh chan<- string `json:"-"`
}

// RunResult is the payload of the terminal 'complete' frame.
type RunResult struct {
	TraceID     string         `json:"trace_id"`
	Response    string         `json:"response,omitempty"`
	Usage       provider.Usage `json:"usage"`
	ResponseID  string         `json:"response_id,omitempty"`
	ThreadRowID string         `json:"thread_row_id,omitempty"`
	Status      string         `json:"status"` // completed | pending (background dispatch)
}

// Run executes one run to completion (or to background dispatch), emitting
// SSE frames along the way. The returned error is also emitted as a
// terminal 'error' frame, so stream-only callers never miss it.
func (r *Runner) Run(ctx context.Context, ownerID string, in RunInput) (*RunResult, error) {
	entry, err := r.prompts.Get(ctx, ownerID, in.ChildPromptRowID)
	if err != nil {
		return nil, err
	}
	assistant, err := r.assistants.GetOrCreate(ctx, ownerID, entry.RowID)
	if err != nil {
		return nil, err
	}

	execType := model.ExecSingle
	if in.Cascade {
		execType = model.ExecCascadeTop
	}
	started, err := r.tracker.StartTrace(ctx, ownerID, StartTraceInput{
		EntryPromptRowID: entry.RowID,
		ExecutionType:    execType,
		ThreadRowID:      in.ThreadRowID,
	})
	if err != nil {
		return nil, err
	}
	traceID := started.TraceID
	if in.TraceIDCh != nil {
		in.TraceIDCh <- traceID
	}
	r.emit(traceID, "started", map[string]any{
		"trace_id":       traceID,
		"execution_type": execType,
		"prompt_row_id":  entry.RowID,
	})

	fail := func(stage string, ferr error) (*RunResult, error) {
		r.finishTrace(ctx, ownerID, traceID, model.TraceFailed, ferr.Error())
		r.emitError(traceID, ferr, "")
		return nil, fmt.Errorf("%s: %w", stage, ferr)
	}

	rootID, err := r.threads.ResolveRootPromptID(ctx, ownerID, entry.RowID)
	if err != nil {
		return fail("resolve root", err)
	}
	thread, err := r.threads.GetOrCreateFamilyThread(ctx, rootID, ownerID, entry.PromptName)
	if err != nil {
		return fail("resolve thread", err)
	}
	r.emit(traceID, "progress", map[string]any{
		"stage":          "thread_resolved",
		"thread_row_id":  thread.RowID,
		"thread_created": thread.Created,
	})

	env := &runEnv{
		ownerID:  ownerID,
		traceID:  traceID,
		thread:   thread,
		snapshot: started.ContextSnapshot,
		vars:     r.buildVars(ctx, entry, in.TemplateVariables),
	}

	if in.Cascade {
		return r.runCascade(ctx, env, entry, assistant, in)
	}
	return r.runSingle(ctx, env, entry, assistant, in)
}

// runEnv carries the per-run state shared across spans.
type runEnv struct {
	ownerID  string
	traceID  string
	thread   *ThreadResolution
	snapshot map[string]string
	vars     *TemplateVars
}

func (r *Runner) runSingle(ctx context.Context, env *runEnv, entry *model.PromptNode, assistant *model.Assistant, in RunInput) (*RunResult, error) {
	res, err := r.executePrompt(ctx, env, entry, assistant, in.UserMessage, in.Background)
	if err != nil {
		r.finishTrace(ctx, env.ownerID, env.traceID, model.TraceFailed, err.Error())
		r.emitError(env.traceID, err, errCodeOf(err))
		return nil, err
	}
	if res.Status == "pending" {
		// Background dispatch: the reconciler finishes the trace when the
		// webhook or a poll observes completion.
		r.emit(env.traceID, "complete", res)
		return res, nil
	}

	r.finishTrace(ctx, env.ownerID, env.traceID, model.TraceCompleted, "")
	r.emit(env.traceID, "complete", res)
	return res, nil
}

// runCascade runs the entry prompt and then each of its live children in
// creation order inside one cascade_top trace. Later children see earlier
// outputs through the trace context snapshot.
func (r *Runner) runCascade(ctx context.Context, env *runEnv, entry *model.PromptNode, assistant *model.Assistant, in RunInput) (*RunResult, error) {
	children, err := r.prompts.ListChildren(ctx, env.ownerID, entry.RowID)
	if err != nil {
		r.finishTrace(ctx, env.ownerID, env.traceID, model.TraceFailed, err.Error())
		r.emitError(env.traceID, err, "")
		return nil, err
	}

	nodes := append([]model.PromptNode{*entry}, children...)
	var last *RunResult
	total := provider.Usage{}
	for i := range nodes {
		node := &nodes[i]
		a := assistant
		if node.RowID != entry.RowID {
			if a, err = r.assistants.GetOrCreate(ctx, env.ownerID, node.RowID); err != nil {
				r.finishTrace(ctx, env.ownerID, env.traceID, model.TraceFailed, err.Error())
				r.emitError(env.traceID, err, "")
				return nil, err
			}
		}
		r.emit(env.traceID, "progress", map[string]any{
			"stage":         "cascade_step",
			"step":          i + 1,
			"of":            len(nodes),
			"prompt_row_id": node.RowID,
		})

		msg := in.UserMessage
		if node.RowID != entry.RowID {
			// Children run off their own prompt text; the user message only
			// seeds the entry step.
			msg = ""
		}
		res, err := r.executePrompt(ctx, env, node, a, msg, false)
		if err != nil {
			r.finishTrace(ctx, env.ownerID, env.traceID, model.TraceFailed, err.Error())
			r.emitError(env.traceID, err, errCodeOf(err))
			return nil, err
		}
		env.snapshot[node.RowID] = res.Response
		total.Prompt += res.Usage.Prompt
		total.Completion += res.Usage.Completion
		total.Total += res.Usage.Total
		last = res
	}

	last.Usage = total
	r.finishTrace(ctx, env.ownerID, env.traceID, model.TraceCompleted, "")
	r.emit(env.traceID, "complete", last)
	return last, nil
}

// executePrompt performs one generation span end to end: render, call,
// persist. A pending result (background dispatch) leaves the span and
// trace running for the reconciler to finish.
func (r *Runner) executePrompt(ctx context.Context, env *runEnv, node *model.PromptNode, assistant *model.Assistant, userMessage string, background bool) (*RunResult, error) {
	spec, err := ResolveModel(assistant.Model)
	if err != nil {
		return nil, err
	}
	if background && spec.Provider != "openai" {
		return nil, fmt.Errorf("background dispatch requires an openai model, got %s", spec.Name)
	}

	resolveRef := func(promptID, field string) (string, bool) {
		if field == "output" {
			if v, ok := env.snapshot[promptID]; ok {
				return v, true
			}
		}
		ref, err := r.prompts.Get(ctx, env.ownerID, promptID)
		if err != nil {
			return "", false
		}
		switch field {
		case "output":
			return ref.OutputResponse, ref.OutputResponse != ""
		case "prompt_text":
			return ref.PromptText, true
		case "prompt_name":
			return ref.PromptName, true
		}
		return "", false
	}

	vars := env.vars
	if node.SystemVariables != nil {
		vars = NewTemplateVars(append([]map[string]string{}, env.vars.layers...)...)
		vars.Push(node.SystemVariables)
	}
	instructions := RenderTemplate(node.PromptText, vars, resolveRef)
	if assistant.Instructions != "" {
		instructions = assistant.Instructions + "\n\n" + instructions
	}
	input := RenderTemplate(userMessage, vars, resolveRef)
	if input == "" {
		input = Setting(ctx, r.db, "prompt.default_user_message")
	}
	if input == "" {
		input = "Proceed."
	}
	r.emit(env.traceID, "progress", map[string]any{"stage": "template_rendered", "prompt_row_id": node.RowID})

	span, err := r.tracker.CreateSpan(ctx, env.ownerID, CreateSpanInput{
		TraceID:     env.traceID,
		PromptRowID: node.RowID,
		SpanType:    model.SpanGeneration,
	})
	if err != nil {
		return nil, err
	}

	maxTokens := spec.DefaultMaxTokens
	if assistant.MaxTokens != nil {
		maxTokens = *assistant.MaxTokens
	}
	req := provider.CallRequest{
		Model: provider.ModelConfig{
			Provider:        spec.Provider,
			APIModel:        spec.APIModel,
			SupportsTemp:    spec.SupportsTemp,
			ReasoningEffort: spec.ReasoningEffort,
			MaxTokens:       maxTokens,
		},
		Instructions: instructions,
		Input:        input,
		Temperature:  assistant.Temperature,
		TopP:         assistant.TopP,
		Background:   background,
	}
	switch spec.Provider {
	case "openai":
		req.PreviousResponseID = env.thread.LastResponseID
	case "anthropic":
		history, herr := r.threads.ThreadHistory(ctx, env.thread.RowID)
		if herr != nil {
			log.Printf("runner: load thread history %s: %v", env.thread.RowID, herr)
		}
		for _, m := range history {
			req.History = append(req.History, provider.Message{Role: m.Role, Content: m.Content})
		}
	}

	r.emit(env.traceID, "progress", map[string]any{"stage": "calling_model", "model": spec.Name, "span_id": span.SpanID})
	callStart := time.Now()
	result := r.registry.Call(ctx, env.ownerID, req)
	latency := int(time.Since(callStart).Milliseconds())

	if !result.Success {
		evidence := model.ErrorEvidence{
			ErrorType:        "provider_call",
			Message:          result.Error,
			Code:             result.ErrorCode,
			RetryRecommended: result.ErrorCode == provider.CodeRateLimited || result.ErrorCode == provider.CodeTimeout,
		}
		if ferr := r.tracker.FailSpan(ctx, env.ownerID, FailSpanInput{SpanID: span.SpanID, Evidence: evidence}); ferr != nil {
			log.Printf("runner: fail span %s: %v", span.SpanID, ferr)
		}
		return nil, &providerCallError{result: result}
	}

	if background {
		// Record the outstanding call before returning so an immediate
		// webhook still finds its row; the span stays running and carries
		// the response id for later cancellation.
		if err := r.recon.CreatePending(ctx, &model.PendingResponse{
			ResponseID:  result.ResponseID,
			OwnerID:     env.ownerID,
			PromptRowID: node.RowID,
			ThreadRowID: env.thread.RowID,
			TraceID:     env.traceID,
			Provider:    spec.Provider,
		}); err != nil {
			return nil, err
		}
		if _, err := r.db.ExecContext(ctx,
			`UPDATE execution_spans SET openai_response_id = ? WHERE span_id = ?`,
			result.ResponseID, span.SpanID); err != nil {
			log.Printf("runner: record response id on span %s: %v", span.SpanID, err)
		}
		return &RunResult{
			TraceID:     env.traceID,
			ResponseID:  result.ResponseID,
			ThreadRowID: env.thread.RowID,
			Status:      "pending",
		}, nil
	}

	if _, err := r.tracker.CompleteSpan(ctx, env.ownerID, CompleteSpanInput{
		SpanID:           span.SpanID,
		Status:           model.SpanSuccess,
		OpenAIResponseID: result.ResponseID,
		Output:           result.ResponseText,
		LatencyMs:        latency,
		UsageTokens:      result.Usage.Total,
	}); err != nil {
		log.Printf("runner: complete span %s: %v", span.SpanID, err)
	}

	r.persistTurn(ctx, env, node, input, result)

	return &RunResult{
		TraceID:     env.traceID,
		Response:    result.ResponseText,
		Usage:       result.Usage,
		ResponseID:  result.ResponseID,
		ThreadRowID: env.thread.RowID,
		Status:      "completed",
	}, nil
}

// persistTurn records a successful generation on the thread and prompt.
// Failures are logged; the span row already holds the durable output.
func (r *Runner) persistTurn(ctx context.Context, env *runEnv, node *model.PromptNode, input string, result *provider.CallResult) {
	if err := r.threads.AppendThreadMessage(ctx, env.thread.RowID, "user", input, ""); err != nil {
		log.Printf("runner: append user turn: %v", err)
	}
	if err := r.threads.AppendThreadMessage(ctx, env.thread.RowID, "assistant", result.ResponseText, result.ResponseID); err != nil {
		log.Printf("runner: append assistant turn: %v", err)
	}
	if result.ResponseID != "" {
		if err := r.threads.UpdateFamilyThreadResponse(ctx, env.thread.RowID, result.ResponseID); err != nil {
			log.Printf("runner: update thread response: %v", err)
		}
		env.thread.LastResponseID = result.ResponseID
	}
	if err := r.prompts.SetOutputResponse(ctx, node.RowID, result.ResponseText); err != nil {
		log.Printf("runner: set prompt output: %v", err)
	}
}

// Cancel aborts the running trace for an entry prompt: cancels any
// outstanding provider call, then applies the cancelled terminal state.
func (r *Runner) Cancel(ctx context.Context, ownerID, promptRowID string) error {
	var traceID string
	err := r.db.QueryRowContext(ctx, `
		SELECT trace_id FROM execution_traces
		WHERE entry_prompt_row_id = ? AND owner_id = ? AND status = 'running'`,
		promptRowID, ownerID).Scan(&traceID)
	if err == sql.ErrNoRows {
		return &model.NotFoundError{Resource: "running trace", ID: promptRowID}
	}
	if err != nil {
		return err
	}

	var responseID sql.NullString
	err = r.db.QueryRowContext(ctx, `
		SELECT openai_response_id FROM execution_spans
		WHERE trace_id = ? AND status = 'running' AND openai_response_id IS NOT NULL
		ORDER BY sequence_order DESC LIMIT 1`, traceID).Scan(&responseID)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if responseID.Valid && responseID.String != "" {
		if cerr := r.registry.CancelResponse(ctx, ownerID, responseID.String); cerr != nil {
			log.Printf("runner: cancel response %s: %v", responseID.String, cerr)
		}
	}

	r.finishTrace(ctx, ownerID, traceID, model.TraceCancelled, "cancelled by user")
	r.emit(traceID, "error", map[string]any{"error": "run cancelled", "error_code": "CANCELLED"})
	return nil
}

func (r *Runner) finishTrace(ctx context.Context, ownerID, traceID, status, summary string) {
	if err := r.tracker.CompleteTrace(ctx, ownerID, CompleteTraceInput{
		TraceID:      traceID,
		Status:       status,
		ErrorSummary: summary,
	}); err != nil {
		log.Printf("runner: finish trace %s (%s): %v", traceID, status, err)
	}
}

func (r *Runner) buildVars(ctx context.Context, entry *model.PromptNode, callerVars map[string]string) *TemplateVars {
	promptLayer := map[string]string{
		"prompt_name": entry.PromptName,
		"prompt_text": entry.PromptText,
	}
	vars := NewTemplateVars(promptLayer, StaticSystemVars(), StoredSystemVars(ctx, r.db))
	if entry.SystemVariables != nil {
		vars.Push(entry.SystemVariables)
	}
	if callerVars != nil {
		vars.Push(callerVars)
	}
	return vars
}

// emit publishes one SSE frame with a per-trace monotonic sequence number.
func (r *Runner) emit(traceID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	r.seqMu.Lock()
	r.seqs[traceID]++
	seq := r.seqs[traceID]
	if eventType == "complete" || eventType == "error" {
		// Terminal frame: the runner emits nothing further for this trace,
		// so the counter can go.
		delete(r.seqs, traceID)
	}
	r.seqMu.Unlock()

	r.sse.Publish(traceID, &model.RunEvent{
		TraceID:     traceID,
		Seq:         seq,
		Ts:          time.Now().UTC().Format(time.RFC3339Nano),
		Type:        eventType,
		PayloadJSON: string(data),
	})
}

func (r *Runner) emitError(traceID string, err error, code string) {
	payload := map[string]any{"error": err.Error()}
	if code != "" {
		payload["error_code"] = code
	}
	var pce *providerCallError
	if errors.As(err, &pce) {
		payload["error_code"] = pce.result.ErrorCode
		if pce.result.RetryAfterS > 0 {
			payload["retry_after_s"] = pce.result.RetryAfterS
		}
	}
	r.emit(traceID, "error", payload)
}

// providerCallError carries a failed CallResult through the error chain so
// handlers and SSE frames can surface the code and retry hint.
type providerCallError struct {
	result *provider.CallResult
}

func (e *providerCallError) Error() string {
	return e.result.ErrorCode + ": " + e.result.Error
}

// Result exposes the underlying normalized failure.
func (e *providerCallError) Result() *provider.CallResult { return e.result }

func errCodeOf(err error) string {
	var pce *providerCallError
	if errors.As(err, &pce) {
		return pce.result.ErrorCode
	}
	return ""
}
