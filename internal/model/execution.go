package model

// ExecutionTrace statuses. A trace is the unit of one user-triggered run;
// 'running' is the only non-terminal state. 'replaced' marks a terminal
// trace superseded by a newer run of the same entry prompt.
const (
	TraceRunning   = "running"
	TraceCompleted = "completed"
	TraceFailed    = "failed"
	TraceCancelled = "cancelled"
	TraceReplaced  = "replaced"
)

// Execution types.
const (
	ExecSingle       = "single"
	ExecCascadeTop   = "cascade_top"
	ExecCascadeChild = "cascade_child"
)

// ExecutionSpan statuses — all except 'running' are terminal.
const (
	SpanRunning = "running"
	SpanSuccess = "success"
	SpanFailed  = "failed"
	SpanSkipped = "skipped"
)

// Span types.
const (
	SpanGeneration = "generation"
	SpanRetry      = "retry"
	SpanToolCall   = "tool_call"
	SpanAction     = "action"
	SpanError      = "error"
)

// ExecutionTrace is one user-triggered run over a prompt tree.
type ExecutionTrace struct {
	TraceID              string            `json:"trace_id"`
	RootPromptRowID      string            `json:"root_prompt_row_id"`
	EntryPromptRowID     string            `json:"entry_prompt_row_id"`
	ExecutionType        string            `json:"execution_type"`
	OwnerID              string            `json:"owner_id"`
	Status               string            `json:"status"`
	FamilyVersionAtStart int               `json:"family_version_at_start"`
	PromptIDsAtStart     []string          `json:"prompt_ids_at_start"`
	ContextSnapshot      map[string]string `json:"context_snapshot"`
	StartedAt            string            `json:"started_at"`
	CompletedAt          string            `json:"completed_at,omitempty"`
	ErrorSummary         string            `json:"error_summary,omitempty"`
}

// ExecutionSpan is one model call or attempt within a trace.
type ExecutionSpan struct {
	SpanID                string `json:"span_id"`
	TraceID               string `json:"trace_id"`
	PromptRowID           string `json:"prompt_row_id,omitempty"`
	SpanType              string `json:"span_type"`
	SequenceOrder         int    `json:"sequence_order"`
	AttemptNumber         int    `json:"attempt_number"`
	PreviousAttemptSpanID string `json:"previous_attempt_span_id,omitempty"`
	Status                string `json:"status"`
	OpenAIResponseID      string `json:"openai_response_id,omitempty"`
	OutputPreview         string `json:"output_preview,omitempty"`
	OutputArtefactID      string `json:"output_artefact_id,omitempty"`
	ErrorEvidence         string `json:"error_evidence,omitempty"` // JSON; write-once
	UsageTokens           int    `json:"usage_tokens,omitempty"`
	LatencyMs             int    `json:"latency_ms,omitempty"`
	CreatedAt             string `json:"created_at"`
	CompletedAt           string `json:"completed_at,omitempty"`
}

// ErrorEvidence is the permanent audit record for a failed span.
// Once written by fail_span it is never overwritten.
type ErrorEvidence struct {
	ErrorType        string `json:"error_type"`
	Message          string `json:"message"`
	Code             string `json:"code,omitempty"`
	Stack            string `json:"stack,omitempty"`
	RetryRecommended bool   `json:"retry_recommended"`
}

// RunEvent is a single SSE frame pushed to a run's event stream.
type RunEvent struct {
	TraceID     string `json:"trace_id"`
	Seq         int    `json:"seq"`
	Ts          string `json:"ts"`
	Type        string `json:"type"` // started | progress | heartbeat | complete | error
	PayloadJSON string `json:"-"`    // stored as raw JSON
}
