package service

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/promptforge/hub/internal/model"
	"github.com/promptforge/hub/internal/provider"
)

// ResponsePoller fetches the current state of one outstanding provider
// response. Implemented by the provider registry.
type ResponsePoller interface {
	GetResponse(ctx context.Context, ownerID, responseID string) *provider.CallResult
}

// Reconciler drives a PendingResponse to its terminal state exactly once.
// Two independent paths converge here — the provider's signed webhook and a
// client-initiated poll — and both race safely: the conditional update
// guarded by status='pending' plus the webhook_event_id equality check give
// at-most-once effective application of the terminal transition.
type Reconciler struct {
	db      *sql.DB
	threads *ThreadService
	prompts *PromptService
	poller  ResponsePoller
}

func NewReconciler(database *sql.DB, threads *ThreadService, prompts *PromptService, poller ResponsePoller) *Reconciler {
	return &Reconciler{db: database, threads: threads, prompts: prompts, poller: poller}
}

// CreatePending records one dispatched async call before control returns to
// the caller, so a webhook arriving immediately still finds its row.
func (r *Reconciler) CreatePending(ctx context.Context, pr *model.PendingResponse) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_responses (
			response_id, owner_id, prompt_row_id, thread_row_id, trace_id,
			provider, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
		pr.ResponseID, pr.OwnerID, pr.PromptRowID, nullStr(pr.ThreadRowID),
		nullStr(pr.TraceID), pr.Provider, now, now)
	if err != nil {
		return fmt.Errorf("create pending response: %w", err)
	}
	return nil
}

// GetPending returns a pending-response row, ownership-checked.
func (r *Reconciler) GetPending(ctx context.Context, ownerID, responseID string) (*model.PendingResponse, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT response_id, owner_id, prompt_row_id, COALESCE(thread_row_id, ''),
		       COALESCE(trace_id, ''), provider, status, COALESCE(webhook_event_id, ''),
		       COALESCE(output_text, ''), COALESCE(reasoning_text, ''),
		       COALESCE(error, ''), COALESCE(error_code, ''), created_at, updated_at
		FROM pending_responses WHERE response_id = ? AND owner_id = ?`,
		responseID, ownerID)
	return scanPending(row, responseID)
}

func (r *Reconciler) getPendingAnyOwner(ctx context.Context, responseID string) (*model.PendingResponse, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT response_id, owner_id, prompt_row_id, COALESCE(thread_row_id, ''),
		       COALESCE(trace_id, ''), provider, status, COALESCE(webhook_event_id, ''),
		       COALESCE(output_text, ''), COALESCE(reasoning_text, ''),
		       COALESCE(error, ''), COALESCE(error_code, ''), created_at, updated_at
		FROM pending_responses WHERE response_id = ?`, responseID)
	return scanPending(row, responseID)
}

func scanPending(row *sql.Row, responseID string) (*model.PendingResponse, error) {
	var pr model.PendingResponse
	err := row.Scan(&pr.ResponseID, &pr.OwnerID, &pr.PromptRowID, &pr.ThreadRowID,
		&pr.TraceID, &pr.Provider, &pr.Status, &pr.WebhookEventID,
		&pr.OutputText, &pr.ReasoningText, &pr.Error, &pr.ErrorCode,
		&pr.CreatedAt, &pr.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, &model.NotFoundError{Resource: "pending_response", ID: responseID}
	}
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

// WebhookEvent is the decoded body of one provider webhook delivery.
type WebhookEvent struct {
	EventID    string // delivery id; the idempotency token
	Type       string // response.completed | response.failed | response.cancelled | response.incomplete
	ResponseID string
}

// terminalStatusFor maps a webhook event type to a PendingResponse status.
func terminalStatusFor(eventType string) string {
	switch eventType {
	case "response.completed":
		return model.PendingCompleted
	case "response.failed":
		return model.PendingFailed
	case "response.cancelled":
		return model.PendingCancelled
	case "response.incomplete":
		return model.PendingIncomplete
	}
	return ""
}

// HandleWebhookEvent applies one signed terminal-state event. Replays of an
// already-processed event id are no-ops. Only the PendingResponse update is
// must-succeed; cascade updates to thread, prompt and trace are logged and
// swallowed so one broken row cannot make the provider retry forever.
func (r *Reconciler) HandleWebhookEvent(ctx context.Context, ev WebhookEvent) error {
	status := terminalStatusFor(ev.Type)
	if status == "" {
		// Unknown event kind — acknowledge and ignore.
		log.Printf("reconciler: ignoring webhook event type %q", ev.Type)
		return nil
	}

	pr, err := r.getPendingAnyOwner(ctx, ev.ResponseID)
	if err != nil {
		return err
	}
	if pr.WebhookEventID == ev.EventID || model.TerminalPendingStatus(pr.Status) {
		// Already processed (replay or the poll path won the race).
		return nil
	}

	outcome := r.fetchOutcome(ctx, pr, status)
	applied, err := r.applyTerminal(ctx, pr.ResponseID, ev.EventID, outcome)
	if err != nil {
		return err
	}
	if applied {
		r.cascade(ctx, pr, outcome)
	}
	return nil
}

// PollResult is the poll endpoint's reply shape.
type PollResult struct {
	Status        string `json:"status"`
	ReasoningText string `json:"reasoning_text,omitempty"`
	OutputText    string `json:"output_text,omitempty"`
	Error         string `json:"error,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
}

// Poll checks one outstanding response on behalf of its owner. Terminal
// rows are returned from the store without touching the provider; pending
// rows trigger a direct provider query and, if the call has finished, the
// same conditional terminal update the webhook path uses.
func (r *Reconciler) Poll(ctx context.Context, ownerID, responseID string) (*PollResult, error) {
	pr, err := r.GetPending(ctx, ownerID, responseID)
	if err != nil {
		return nil, err
	}
	if model.TerminalPendingStatus(pr.Status) {
		return &PollResult{
			Status:        pr.Status,
			ReasoningText: pr.ReasoningText,
			OutputText:    pr.OutputText,
			Error:         pr.Error,
			ErrorCode:     pr.ErrorCode,
		}, nil
	}

	res := r.poller.GetResponse(ctx, ownerID, responseID)
	outcome := outcomeFromResult(res)
	if !model.TerminalPendingStatus(outcome.status) {
		return &PollResult{Status: pr.Status}, nil
	}

	applied, err := r.applyTerminal(ctx, responseID, "", outcome)
	if err != nil {
		return nil, err
	}
	if applied {
		r.cascade(ctx, pr, outcome)
	}

	// Re-read: if the webhook won the race our update affected zero rows
	// and the stored outcome is canonical.
	final, err := r.GetPending(ctx, ownerID, responseID)
	if err != nil {
		return nil, err
	}
	return &PollResult{
		Status:        final.Status,
		ReasoningText: final.ReasoningText,
		OutputText:    final.OutputText,
		Error:         final.Error,
		ErrorCode:     final.ErrorCode,
	}, nil
}

// terminalOutcome is the full terminal state to store on a PendingResponse.
type terminalOutcome struct {
	status     string
	outputText string
	errText    string
	errCode    string
}

// fetchOutcome builds the terminal outcome for a webhook event. The event
// itself carries no output, so completions require one provider fetch; a
// fetch failure still terminalizes the row with an error rather than
// leaving it pending forever.
func (r *Reconciler) fetchOutcome(ctx context.Context, pr *model.PendingResponse, status string) terminalOutcome {
	if status != model.PendingCompleted {
		return terminalOutcome{status: status}
	}
	res := r.poller.GetResponse(ctx, pr.OwnerID, pr.ResponseID)
	if !res.Success {
		log.Printf("reconciler: fetch completed response %s: %s", pr.ResponseID, res.Error)
		return terminalOutcome{status: model.PendingFailed, errText: res.Error, errCode: res.ErrorCode}
	}
	return terminalOutcome{status: model.PendingCompleted, outputText: res.ResponseText}
}

func outcomeFromResult(res *provider.CallResult) terminalOutcome {
	if !res.Success {
		return terminalOutcome{status: model.PendingFailed, errText: res.Error, errCode: res.ErrorCode}
	}
	switch res.Status {
	case "completed":
		return terminalOutcome{status: model.PendingCompleted, outputText: res.ResponseText}
	case "failed":
		return terminalOutcome{status: model.PendingFailed, errText: res.Error, errCode: res.ErrorCode}
	case "cancelled":
		return terminalOutcome{status: model.PendingCancelled}
	case "incomplete":
		return terminalOutcome{status: model.PendingIncomplete, outputText: res.ResponseText}
	}
	return terminalOutcome{status: model.PendingPending}
}

// applyTerminal is the single write both paths share: a conditional update
// that only fires while the row is still pending. Zero rows affected means
// the other path already terminalized it.
func (r *Reconciler) applyTerminal(ctx context.Context, responseID, eventID string, o terminalOutcome) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pending_responses SET
			status = ?, webhook_event_id = COALESCE(?, webhook_event_id),
			output_text = ?, error = ?, error_code = ?, updated_at = ?
		WHERE response_id = ? AND status = 'pending'`,
		o.status, nullStr(eventID), nullStr(o.outputText),
		nullStr(o.errText), nullStr(o.errCode),
		time.Now().UTC().Format(time.RFC3339Nano), responseID)
	if err != nil {
		return false, fmt.Errorf("terminalize pending response %s: %w", responseID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// cascade enriches the thread, prompt and trace records after a terminal
// transition. Each step fails independently; failures are logged, never
// propagated — the PendingResponse row is already the durable truth.
func (r *Reconciler) cascade(ctx context.Context, pr *model.PendingResponse, o terminalOutcome) {
	if o.status == model.PendingCompleted {
		if pr.ThreadRowID != "" {
			if err := r.threads.UpdateFamilyThreadResponse(ctx, pr.ThreadRowID, pr.ResponseID); err != nil {
				log.Printf("reconciler: update thread %s: %v", pr.ThreadRowID, err)
			}
			if err := r.threads.AppendThreadMessage(ctx, pr.ThreadRowID, "assistant", o.outputText, pr.ResponseID); err != nil {
				log.Printf("reconciler: append thread message %s: %v", pr.ThreadRowID, err)
			}
		}
		if pr.PromptRowID != "" {
			if err := r.prompts.SetOutputResponse(ctx, pr.PromptRowID, o.outputText); err != nil {
				log.Printf("reconciler: set prompt output %s: %v", pr.PromptRowID, err)
			}
		}
	}

	if pr.TraceID != "" {
		traceStatus := model.TraceCompleted
		summary := ""
		if o.status != model.PendingCompleted {
			traceStatus = model.TraceFailed
			summary = o.errText
			if summary == "" {
				summary = "async call " + o.status
			}
			if o.status == model.PendingCancelled {
				traceStatus = model.TraceCancelled
			}
		}
		if _, err := r.db.ExecContext(ctx, `
			UPDATE execution_traces
			SET status = ?, completed_at = ?, error_summary = ?
			WHERE trace_id = ? AND status = 'running'`,
			traceStatus, time.Now().UTC().Format(time.RFC3339Nano),
			nullStr(summary), pr.TraceID); err != nil {
			log.Printf("reconciler: update trace %s: %v", pr.TraceID, err)
		}
	}
}
