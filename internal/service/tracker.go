package service

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/promptforge/hub/internal/config"
	"github.com/promptforge/hub/internal/db"
	"github.com/promptforge/hub/internal/model"
)

// outputPreviewLimit is the inline span-output cap in characters. Anything
// longer is stored as a content-addressed artefact and only the preview kept
// inline.
const outputPreviewLimit = 500

// Tracker owns the lifecycle of execution traces and their spans. All
// mutual exclusion is delegated to the storage layer: the partial unique
// index on (entry_prompt_row_id, owner_id, status='running') is the trace
// mutex, so concurrent requests race on the insert, not on app state.
type Tracker struct {
	db      *sql.DB
	policy  config.TracePolicy
	limiter *RateLimiter
	cleanup *CleanupQueue
	prompts *PromptService
	threads *ThreadService
}

func NewTracker(database *sql.DB, policy config.TracePolicy, limiter *RateLimiter, cleanup *CleanupQueue, prompts *PromptService, threads *ThreadService) *Tracker {
	return &Tracker{
		db:      database,
		policy:  policy,
		limiter: limiter,
		cleanup: cleanup,
		prompts: prompts,
		threads: threads,
	}
}

type StartTraceInput struct {
	EntryPromptRowID string `json:"entry_prompt_row_id" validate:"required,uuid4"`
	ExecutionType    string `json:"execution_type" validate:"required,oneof=single cascade_top cascade_child"`
	ThreadRowID      string `json:"thread_row_id" validate:"omitempty,uuid4"`
}

type StartTraceResult struct {
	TraceID         string            `json:"trace_id"`
	ContextSnapshot map[string]string `json:"context_snapshot"`
	FamilyVersion   int               `json:"family_version"`
	PreviousTraceID string            `json:"previous_trace_id,omitempty"`
}

// StartTrace creates a new running trace for an entry prompt, enforcing
// at-most-one-concurrent-execution per (entry prompt, owner).
func (t *Tracker) StartTrace(ctx context.Context, ownerID string, in StartTraceInput) (*StartTraceResult, error) {
	if err := t.limiter.Allow(ctx, ownerID, "start_trace"); err != nil {
		return nil, err
	}

	entry, err := t.prompts.Get(ctx, ownerID, in.EntryPromptRowID)
	if err != nil {
		return nil, err
	}

	rootID, err := t.threads.ResolveRootPromptID(ctx, ownerID, entry.RowID)
	if err != nil {
		return nil, err
	}

	var familyVersion int
	if err := t.db.QueryRowContext(ctx,
		`SELECT family_version FROM prompt_nodes WHERE row_id = ?`, rootID).
		Scan(&familyVersion); err != nil {
		return nil, fmt.Errorf("read family version: %w", err)
	}

	// Stale sweep: a crashed run must not block retries for more than the
	// stale threshold.
	if err := t.sweepStale(ctx, ownerID, entry.RowID); err != nil {
		return nil, err
	}

	// Point-in-time snapshot of sibling-family outputs, read once so
	// template resolution stays consistent for the whole run.
	family, err := t.prompts.ListFamily(ctx, ownerID, rootID)
	if err != nil {
		return nil, fmt.Errorf("snapshot family: %w", err)
	}
	snapshot := make(map[string]string, len(family))
	promptIDs := make([]string, 0, len(family))
	for _, node := range family {
		promptIDs = append(promptIDs, node.RowID)
		if node.OutputResponse != "" {
			snapshot[node.RowID] = node.OutputResponse
		}
	}

	traceID := uuid.NewString()
	err = t.insertTrace(ctx, traceID, rootID, entry.RowID, in.ExecutionType, ownerID, familyVersion, promptIDs, snapshot)
	if db.IsUniqueViolation(err) {
		// Another trace is running for this entry prompt. If it has been
		// running long enough, assume its owner crashed: force-clean it and
		// retry the insert exactly once.
		conflictID, age, cerr := t.runningTrace(ctx, ownerID, entry.RowID)
		if cerr != nil {
			return nil, cerr
		}
		if age < t.policy.ForceCleanAfter {
			return nil, &model.TraceConflictError{EntryPromptRowID: entry.RowID, RunningTraceID: conflictID}
		}
		if err := t.failTrace(ctx, conflictID, "force-cleaned due to conflict"); err != nil {
			return nil, err
		}
		log.Printf("tracker: force-cleaned conflicting trace %s (age=%s)", conflictID, age)
		err = t.insertTrace(ctx, traceID, rootID, entry.RowID, in.ExecutionType, ownerID, familyVersion, promptIDs, snapshot)
		if db.IsUniqueViolation(err) {
			return nil, &model.TraceConflictError{EntryPromptRowID: entry.RowID}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("insert trace: %w", err)
	}

	previousTraceID := t.replacePreviousTrace(ctx, ownerID, entry.RowID, in.ExecutionType, traceID)

	return &StartTraceResult{
		TraceID:         traceID,
		ContextSnapshot: snapshot,
		FamilyVersion:   familyVersion,
		PreviousTraceID: previousTraceID,
	}, nil
}

func (t *Tracker) insertTrace(ctx context.Context, traceID, rootID, entryID, execType, ownerID string, familyVersion int, promptIDs []string, snapshot map[string]string) error {
	idsJSON, _ := json.Marshal(promptIDs)
	snapJSON, _ := json.Marshal(snapshot)
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO execution_traces (
			trace_id, root_prompt_row_id, entry_prompt_row_id, execution_type,
			owner_id, status, family_version_at_start, prompt_ids_at_start,
			context_snapshot, started_at
		) VALUES (?, ?, ?, ?, ?, 'running', ?, ?, ?, ?)`,
		traceID, rootID, entryID, execType, ownerID,
		familyVersion, string(idsJSON), string(snapJSON),
		time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (t *Tracker) sweepStale(ctx context.Context, ownerID, entryPromptRowID string) error {
	cutoff := time.Now().UTC().Add(-t.policy.StaleAfter).Format(time.RFC3339Nano)
	res, err := t.db.ExecContext(ctx, `
		UPDATE execution_traces
		SET status = 'failed', completed_at = ?, error_summary = 'stale, auto-cleaned'
		WHERE entry_prompt_row_id = ? AND owner_id = ? AND status = 'running' AND started_at < ?`,
		time.Now().UTC().Format(time.RFC3339Nano), entryPromptRowID, ownerID, cutoff)
	if err != nil {
		return fmt.Errorf("stale sweep: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("tracker: auto-cleaned %d stale trace(s) for prompt %s", n, entryPromptRowID)
	}
	return nil
}

// runningTrace returns the id and age of the running trace for this entry
// prompt, if any.
func (t *Tracker) runningTrace(ctx context.Context, ownerID, entryPromptRowID string) (string, time.Duration, error) {
	var traceID, startedAt string
	err := t.db.QueryRowContext(ctx, `
		SELECT trace_id, started_at FROM execution_traces
		WHERE entry_prompt_row_id = ? AND owner_id = ? AND status = 'running'`,
		entryPromptRowID, ownerID).Scan(&traceID, &startedAt)
	if err == sql.ErrNoRows {
		// The conflicting trace finished between our insert and this read;
		// treat as a young conflict so the caller retries.
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	started, perr := time.Parse(time.RFC3339Nano, startedAt)
	if perr != nil {
		return traceID, 0, nil
	}
	return traceID, time.Since(started), nil
}

func (t *Tracker) failTrace(ctx context.Context, traceID, summary string) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE execution_traces
		SET status = 'failed', completed_at = ?, error_summary = ?
		WHERE trace_id = ? AND status = 'running'`,
		time.Now().UTC().Format(time.RFC3339Nano), summary, traceID)
	return err
}

// replacePreviousTrace marks the most recent terminal trace for the same
// entry point as 'replaced' and queues deletion of its provider-side
// responses, so new runs never chain onto deleted external responses. The
// queue decouples the slow provider deletes from this request; enqueue
// failures are logged, never propagated.
func (t *Tracker) replacePreviousTrace(ctx context.Context, ownerID, entryPromptRowID, execType, newTraceID string) string {
	var prevID string
	err := t.db.QueryRowContext(ctx, `
		SELECT trace_id FROM execution_traces
		WHERE entry_prompt_row_id = ? AND owner_id = ? AND execution_type = ?
		  AND status IN ('completed', 'failed') AND trace_id != ?
		ORDER BY started_at DESC LIMIT 1`,
		entryPromptRowID, ownerID, execType, newTraceID).Scan(&prevID)
	if err == sql.ErrNoRows {
		return ""
	}
	if err != nil {
		log.Printf("tracker: lookup previous trace: %v", err)
		return ""
	}

	if _, err := t.db.ExecContext(ctx,
		`UPDATE execution_traces SET status = 'replaced' WHERE trace_id = ? AND status IN ('completed', 'failed')`,
		prevID); err != nil {
		log.Printf("tracker: mark trace %s replaced: %v", prevID, err)
		return prevID
	}

	responseIDs, err := t.spanResponseIDs(ctx, prevID)
	if err != nil {
		log.Printf("tracker: collect response ids for %s: %v", prevID, err)
		return prevID
	}
	if len(responseIDs) > 0 {
		if err := t.cleanup.Enqueue(ctx, TaskDeleteProviderResponses, DeleteResponsesPayload{
			TraceID:     prevID,
			OwnerID:     ownerID,
			ResponseIDs: responseIDs,
		}); err != nil {
			log.Printf("tracker: enqueue response cleanup for %s: %v", prevID, err)
		}
	}
	return prevID
}

func (t *Tracker) spanResponseIDs(ctx context.Context, traceID string) ([]string, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT openai_response_id FROM execution_spans
		WHERE trace_id = ? AND openai_response_id IS NOT NULL AND openai_response_id != ''`,
		traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type CreateSpanInput struct {
	TraceID               string `json:"trace_id" validate:"required,uuid4"`
	PromptRowID           string `json:"prompt_row_id" validate:"omitempty,uuid4"`
	SpanType              string `json:"span_type" validate:"required,oneof=generation retry tool_call action error"`
	AttemptNumber         int    `json:"attempt_number" validate:"omitempty,gte=1"`
	PreviousAttemptSpanID string `json:"previous_attempt_span_id" validate:"omitempty,uuid4"`
}

// CreateSpan appends a span to a running trace. sequence_order is read-max
// plus one; the trace mutex guarantees a single writer per trace, so the
// read-then-write window is not racy in practice.
func (t *Tracker) CreateSpan(ctx context.Context, ownerID string, in CreateSpanInput) (*model.ExecutionSpan, error) {
	if err := t.limiter.Allow(ctx, ownerID, "create_span"); err != nil {
		return nil, err
	}

	trace, err := t.GetTrace(ctx, ownerID, in.TraceID)
	if err != nil {
		return nil, err
	}
	if trace.Status != model.TraceRunning {
		return nil, &model.InvalidStateError{Resource: "trace", ID: in.TraceID, State: trace.Status, Want: model.TraceRunning}
	}

	var seq int
	if err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_order), 0) + 1 FROM execution_spans WHERE trace_id = ?`,
		in.TraceID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("next sequence: %w", err)
	}

	attempt := in.AttemptNumber
	if attempt == 0 {
		attempt = 1
	}

	span := &model.ExecutionSpan{
		SpanID:                uuid.NewString(),
		TraceID:               in.TraceID,
		PromptRowID:           in.PromptRowID,
		SpanType:              in.SpanType,
		SequenceOrder:         seq,
		AttemptNumber:         attempt,
		PreviousAttemptSpanID: in.PreviousAttemptSpanID,
		Status:                model.SpanRunning,
		CreatedAt:             time.Now().UTC().Format(time.RFC3339Nano),
	}

	_, err = t.db.ExecContext(ctx, `
		INSERT INTO execution_spans (
			span_id, trace_id, prompt_row_id, span_type, sequence_order,
			attempt_number, previous_attempt_span_id, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 'running', ?)`,
		span.SpanID, span.TraceID, nullStr(span.PromptRowID), span.SpanType,
		span.SequenceOrder, span.AttemptNumber, nullStr(span.PreviousAttemptSpanID),
		span.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert span: %w", err)
	}
	return span, nil
}

type CompleteSpanInput struct {
	SpanID           string `json:"span_id" validate:"required,uuid4"`
	Status           string `json:"status" validate:"required,oneof=success failed skipped"`
	OpenAIResponseID string `json:"openai_response_id"`
	Output           string `json:"output"`
	LatencyMs        int    `json:"latency_ms" validate:"omitempty,gte=0"`
	UsageTokens      int    `json:"usage_tokens" validate:"omitempty,gte=0"`
}

// CompleteSpan finishes a span. Large outputs become content-addressed
// artefacts; successful outputs are merged into the parent trace's
// context snapshot so later siblings in the same run can see them.
func (t *Tracker) CompleteSpan(ctx context.Context, ownerID string, in CompleteSpanInput) (*model.ExecutionSpan, error) {
	if err := t.limiter.Allow(ctx, ownerID, "complete_span"); err != nil {
		return nil, err
	}

	span, err := t.getSpanOwned(ctx, ownerID, in.SpanID)
	if err != nil {
		return nil, err
	}

	preview := in.Output
	artefactID := ""
	// Preview limits are in characters, not bytes; slicing runes keeps the
	// stored preview valid UTF-8 when a multibyte character straddles the cap.
	if utf8.RuneCountInString(in.Output) > outputPreviewLimit {
		artefactID, err = t.storeArtefact(ctx, in.Output)
		if err != nil {
			return nil, err
		}
		preview = string([]rune(in.Output)[:outputPreviewLimit])
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = t.db.ExecContext(ctx, `
		UPDATE execution_spans SET
			status = ?, openai_response_id = ?, output_preview = ?,
			output_artefact_id = ?, latency_ms = ?, usage_tokens = ?, completed_at = ?
		WHERE span_id = ?`,
		in.Status, nullStr(in.OpenAIResponseID), preview,
		nullStr(artefactID), in.LatencyMs, in.UsageTokens, now, in.SpanID)
	if err != nil {
		return nil, fmt.Errorf("complete span: %w", err)
	}

	if (in.Status == model.SpanSuccess || in.Status == model.SpanSkipped) &&
		in.Output != "" && span.PromptRowID != "" {
		if err := t.mergeSnapshot(ctx, span.TraceID, span.PromptRowID, in.Output); err != nil {
			log.Printf("tracker: merge snapshot for trace %s: %v", span.TraceID, err)
		}
	}

	span.Status = in.Status
	span.OpenAIResponseID = in.OpenAIResponseID
	span.OutputPreview = preview
	span.OutputArtefactID = artefactID
	span.LatencyMs = in.LatencyMs
	span.UsageTokens = in.UsageTokens
	span.CompletedAt = now
	return span, nil
}

// storeArtefact writes a content-addressed artefact row and returns its id.
// The hash is retained for integrity verification of stored outputs.
func (t *Tracker) storeArtefact(ctx context.Context, content string) (string, error) {
	sum := sha256.Sum256([]byte(content))
	artefactID := uuid.NewString()
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO execution_artefacts (artefact_id, sha256, content, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		artefactID, hex.EncodeToString(sum[:]), content, len(content),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("store artefact: %w", err)
	}
	return artefactID, nil
}

// mergeSnapshot folds one prompt's output into the trace context snapshot.
func (t *Tracker) mergeSnapshot(ctx context.Context, traceID, promptRowID, output string) error {
	var raw string
	if err := t.db.QueryRowContext(ctx,
		`SELECT context_snapshot FROM execution_traces WHERE trace_id = ?`, traceID).
		Scan(&raw); err != nil {
		return err
	}
	snapshot := map[string]string{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &snapshot)
	}
	snapshot[promptRowID] = output
	updated, _ := json.Marshal(snapshot)
	_, err := t.db.ExecContext(ctx,
		`UPDATE execution_traces SET context_snapshot = ? WHERE trace_id = ?`,
		string(updated), traceID)
	return err
}

type FailSpanInput struct {
	SpanID   string              `json:"span_id" validate:"required,uuid4"`
	Evidence model.ErrorEvidence `json:"error_evidence" validate:"required"`
}

// FailSpan marks a span failed and writes its error evidence. Evidence is
// write-once: the first write is the permanent audit record, and any later
// call leaves it untouched.
func (t *Tracker) FailSpan(ctx context.Context, ownerID string, in FailSpanInput) error {
	if err := t.limiter.Allow(ctx, ownerID, "fail_span"); err != nil {
		return err
	}

	span, err := t.getSpanOwned(ctx, ownerID, in.SpanID)
	if err != nil {
		return err
	}

	evidence, err := json.Marshal(in.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}

	res, err := t.db.ExecContext(ctx, `
		UPDATE execution_spans
		SET status = 'failed', error_evidence = ?, completed_at = ?
		WHERE span_id = ? AND (error_evidence IS NULL OR error_evidence = '')`,
		string(evidence), time.Now().UTC().Format(time.RFC3339Nano), in.SpanID)
	if err != nil {
		return fmt.Errorf("fail span: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Evidence already written — the first record is canonical.
		log.Printf("tracker: span %s already has error evidence, keeping original", span.SpanID)
	}
	return nil
}

type CompleteTraceInput struct {
	TraceID      string `json:"trace_id" validate:"required,uuid4"`
	Status       string `json:"status" validate:"required,oneof=completed failed cancelled"`
	ErrorSummary string `json:"error_summary"`
}

// CompleteTrace applies the terminal transition. Re-applying the same
// status is harmless; 'replaced' traces are never transitioned again.
func (t *Tracker) CompleteTrace(ctx context.Context, ownerID string, in CompleteTraceInput) error {
	if err := t.limiter.Allow(ctx, ownerID, "complete_trace"); err != nil {
		return err
	}

	if _, err := t.GetTrace(ctx, ownerID, in.TraceID); err != nil {
		return err
	}

	_, err := t.db.ExecContext(ctx, `
		UPDATE execution_traces
		SET status = ?, completed_at = ?, error_summary = ?
		WHERE trace_id = ? AND owner_id = ? AND status != 'replaced'`,
		in.Status, time.Now().UTC().Format(time.RFC3339Nano),
		nullStr(in.ErrorSummary), in.TraceID, ownerID)
	return err
}

// CleanupOrphanedTraces is the coarse safety net behind the per-entry
// stale sweep: it catches running traces for entry prompts that are never
// retried. Returns the number of traces failed.
func (t *Tracker) CleanupOrphanedTraces(ctx context.Context, ownerID string) (int, error) {
	if err := t.limiter.Allow(ctx, ownerID, "cleanup_orphaned"); err != nil {
		return 0, err
	}
	return t.sweepOrphans(ctx, ownerID)
}

// sweepOrphans is the unmetered form used by the watchdog ("" = all owners).
func (t *Tracker) sweepOrphans(ctx context.Context, ownerID string) (int, error) {
	cutoff := time.Now().UTC().Add(-t.policy.OrphanAfter).Format(time.RFC3339Nano)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var res sql.Result
	var err error
	if ownerID == "" {
		res, err = t.db.ExecContext(ctx, `
			UPDATE execution_traces
			SET status = 'failed', completed_at = ?, error_summary = 'orphaned'
			WHERE status = 'running' AND started_at < ?`, now, cutoff)
	} else {
		res, err = t.db.ExecContext(ctx, `
			UPDATE execution_traces
			SET status = 'failed', completed_at = ?, error_summary = 'orphaned'
			WHERE owner_id = ? AND status = 'running' AND started_at < ?`, now, ownerID, cutoff)
	}
	if err != nil {
		return 0, fmt.Errorf("orphan sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetTrace returns a trace, ownership-checked.
func (t *Tracker) GetTrace(ctx context.Context, ownerID, traceID string) (*model.ExecutionTrace, error) {
	row := t.db.QueryRowContext(ctx, `
		SELECT trace_id, root_prompt_row_id, entry_prompt_row_id, execution_type,
		       owner_id, status, family_version_at_start, prompt_ids_at_start,
		       context_snapshot, started_at, COALESCE(completed_at, ''), COALESCE(error_summary, '')
		FROM execution_traces WHERE trace_id = ? AND owner_id = ?`, traceID, ownerID)

	var tr model.ExecutionTrace
	var idsJSON, snapJSON string
	err := row.Scan(&tr.TraceID, &tr.RootPromptRowID, &tr.EntryPromptRowID, &tr.ExecutionType,
		&tr.OwnerID, &tr.Status, &tr.FamilyVersionAtStart, &idsJSON,
		&snapJSON, &tr.StartedAt, &tr.CompletedAt, &tr.ErrorSummary)
	if err == sql.ErrNoRows {
		return nil, &model.NotFoundError{Resource: "trace", ID: traceID}
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(idsJSON), &tr.PromptIDsAtStart)
	_ = json.Unmarshal([]byte(snapJSON), &tr.ContextSnapshot)
	return &tr, nil
}

// GetSpan returns a span, ownership-checked via its trace.
func (t *Tracker) GetSpan(ctx context.Context, ownerID, spanID string) (*model.ExecutionSpan, error) {
	return t.getSpanOwned(ctx, ownerID, spanID)
}

func (t *Tracker) getSpanOwned(ctx context.Context, ownerID, spanID string) (*model.ExecutionSpan, error) {
	row := t.db.QueryRowContext(ctx, `
		SELECT s.span_id, s.trace_id, COALESCE(s.prompt_row_id, ''), s.span_type,
		       s.sequence_order, s.attempt_number, COALESCE(s.previous_attempt_span_id, ''),
		       s.status, COALESCE(s.openai_response_id, ''), COALESCE(s.output_preview, ''),
		       COALESCE(s.output_artefact_id, ''), COALESCE(s.error_evidence, ''),
		       COALESCE(s.usage_tokens, 0), COALESCE(s.latency_ms, 0),
		       s.created_at, COALESCE(s.completed_at, '')
		FROM execution_spans s
		JOIN execution_traces t ON t.trace_id = s.trace_id
		WHERE s.span_id = ? AND t.owner_id = ?`, spanID, ownerID)

	var sp model.ExecutionSpan
	err := row.Scan(&sp.SpanID, &sp.TraceID, &sp.PromptRowID, &sp.SpanType,
		&sp.SequenceOrder, &sp.AttemptNumber, &sp.PreviousAttemptSpanID,
		&sp.Status, &sp.OpenAIResponseID, &sp.OutputPreview,
		&sp.OutputArtefactID, &sp.ErrorEvidence, &sp.UsageTokens, &sp.LatencyMs,
		&sp.CreatedAt, &sp.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, &model.NotFoundError{Resource: "span", ID: spanID}
	}
	if err != nil {
		return nil, err
	}
	return &sp, nil
}
