package model

// PendingResponse statuses. 'pending' is the only non-terminal state; the
// webhook and poll paths race to apply exactly one terminal transition.
const (
	PendingPending    = "pending"
	PendingCompleted  = "completed"
	PendingFailed     = "failed"
	PendingCancelled  = "cancelled"
	PendingIncomplete = "incomplete"
)

// PendingResponse tracks one outstanding async call to an external provider.
type PendingResponse struct {
	ResponseID     string `json:"response_id"`
	OwnerID        string `json:"owner_id"`
	PromptRowID    string `json:"prompt_row_id"`
	ThreadRowID    string `json:"thread_row_id,omitempty"`
	TraceID        string `json:"trace_id,omitempty"`
	Provider       string `json:"provider"`
	Status         string `json:"status"`
	WebhookEventID string `json:"webhook_event_id,omitempty"` // idempotency token
	OutputText     string `json:"output_text,omitempty"`
	ReasoningText  string `json:"reasoning_text,omitempty"`
	Error          string `json:"error,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// TerminalPendingStatus reports whether s is a terminal PendingResponse status.
func TerminalPendingStatus(s string) bool {
	switch s {
	case PendingCompleted, PendingFailed, PendingCancelled, PendingIncomplete:
		return true
	}
	return false
}
