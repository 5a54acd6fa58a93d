package service_test

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/promptforge/hub/internal/model"
	"github.com/promptforge/hub/internal/service"
)

const owner = "user1"

func startTrace(t *testing.T, s *stack, promptRowID string) *service.StartTraceResult {
	t.Helper()
	res, err := s.tracker.StartTrace(context.Background(), owner, service.StartTraceInput{
		EntryPromptRowID: promptRowID,
		ExecutionType:    model.ExecSingle,
	})
	if err != nil {
		t.Fatalf("start trace: %v", err)
	}
	return res
}

func TestStartTrace_MutexConflict(t *testing.T) {
	s := newStack(t)
	prompt := seedPrompt(t, s, owner, "", "entry")

	first := startTrace(t, s, prompt.RowID)

	_, err := s.tracker.StartTrace(context.Background(), owner, service.StartTraceInput{
		EntryPromptRowID: prompt.RowID,
		ExecutionType:    model.ExecSingle,
	})
	conflict, ok := err.(*model.TraceConflictError)
	if !ok {
		t.Fatalf("expected TraceConflictError, got %v", err)
	}
	if conflict.RunningTraceID != first.TraceID {
		t.Errorf("conflict trace id: got %q, want %q", conflict.RunningTraceID, first.TraceID)
	}
	if got := traceStatus(t, s.db, first.TraceID); got != "running" {
		t.Errorf("first trace status: got %q, want 'running'", got)
	}
}

func TestStartTrace_SameEntryDifferentOwners(t *testing.T) {
	s := newStack(t)
	p1 := seedPrompt(t, s, owner, "", "mine")
	p2 := seedPrompt(t, s, "user2", "", "theirs")

	startTrace(t, s, p1.RowID)
	if _, err := s.tracker.StartTrace(context.Background(), "user2", service.StartTraceInput{
		EntryPromptRowID: p2.RowID,
		ExecutionType:    model.ExecSingle,
	}); err != nil {
		t.Fatalf("second owner should not conflict: %v", err)
	}
}

func TestStartTrace_ForceCleanConflict(t *testing.T) {
	s := newStack(t)
	prompt := seedPrompt(t, s, owner, "", "entry")

	first := startTrace(t, s, prompt.RowID)
	// Older than ForceCleanAfter (30s) but younger than StaleAfter (2m):
	// the stale sweep leaves it alone, the conflict path force-cleans it.
	backdateTrace(t, s.db, first.TraceID, time.Minute)

	second, err := s.tracker.StartTrace(context.Background(), owner, service.StartTraceInput{
		EntryPromptRowID: prompt.RowID,
		ExecutionType:    model.ExecSingle,
	})
	if err != nil {
		t.Fatalf("expected force-clean retry to succeed, got %v", err)
	}
	// The force-clean fails the old trace; being terminal, it is then
	// immediately superseded by the new run and ends up replaced. The
	// error summary records why it was terminated.
	if got := traceStatus(t, s.db, first.TraceID); got != "replaced" {
		t.Errorf("force-cleaned trace status: got %q, want 'replaced'", got)
	}
	var summary string
	_ = s.db.QueryRow(`SELECT error_summary FROM execution_traces WHERE trace_id = ?`, first.TraceID).Scan(&summary)
	if !strings.Contains(summary, "force-clean") {
		t.Errorf("force-cleaned trace summary: got %q", summary)
	}
	if got := traceStatus(t, s.db, second.TraceID); got != "running" {
		t.Errorf("new trace status: got %q, want 'running'", got)
	}
}

func TestStartTrace_StaleCleanup(t *testing.T) {
	s := newStack(t)
	prompt := seedPrompt(t, s, owner, "", "entry")

	first := startTrace(t, s, prompt.RowID)
	backdateTrace(t, s.db, first.TraceID, 3*time.Minute)

	second, err := s.tracker.StartTrace(context.Background(), owner, service.StartTraceInput{
		EntryPromptRowID: prompt.RowID,
		ExecutionType:    model.ExecSingle,
	})
	if err != nil {
		t.Fatalf("expected stale sweep to clear the way, got %v", err)
	}

	// The sweep fails the stale trace; the new run then supersedes the
	// now-terminal trace, leaving it replaced with the sweep's summary.
	if got := traceStatus(t, s.db, first.TraceID); got != "replaced" {
		t.Errorf("stale trace status: got %q, want 'replaced'", got)
	}
	var summary string
	_ = s.db.QueryRow(`SELECT error_summary FROM execution_traces WHERE trace_id = ?`, first.TraceID).Scan(&summary)
	if !strings.Contains(summary, "stale") {
		t.Errorf("stale trace summary: got %q", summary)
	}
	if got := traceStatus(t, s.db, second.TraceID); got != "running" {
		t.Errorf("new trace status: got %q, want 'running'", got)
	}
}

func TestStartTrace_SnapshotsFamilyOutputs(t *testing.T) {
	s := newStack(t)
	root := seedPrompt(t, s, owner, "", "root")
	child := seedPrompt(t, s, owner, root.RowID, "child")

	if err := s.prompts.SetOutputResponse(context.Background(), root.RowID, "root output"); err != nil {
		t.Fatalf("set output: %v", err)
	}

	res := startTrace(t, s, child.RowID)
	if res.ContextSnapshot[root.RowID] != "root output" {
		t.Errorf("snapshot missing root output: %v", res.ContextSnapshot)
	}
	if _, ok := res.ContextSnapshot[child.RowID]; ok {
		t.Error("snapshot should not include prompts without output")
	}
}

func TestCreateSpan_SequenceOrdering(t *testing.T) {
	s := newStack(t)
	prompt := seedPrompt(t, s, owner, "", "entry")
	trace := startTrace(t, s, prompt.RowID)

	const n = 5
	for i := 1; i <= n; i++ {
		span, err := s.tracker.CreateSpan(context.Background(), owner, service.CreateSpanInput{
			TraceID:  trace.TraceID,
			SpanType: model.SpanGeneration,
		})
		if err != nil {
			t.Fatalf("create span %d: %v", i, err)
		}
		if span.SequenceOrder != i {
			t.Errorf("span %d sequence_order: got %d, want %d", i, span.SequenceOrder, i)
		}
	}
}

func TestCreateSpan_TraceNotRunning(t *testing.T) {
	s := newStack(t)
	prompt := seedPrompt(t, s, owner, "", "entry")
	trace := startTrace(t, s, prompt.RowID)

	if err := s.tracker.CompleteTrace(context.Background(), owner, service.CompleteTraceInput{
		TraceID: trace.TraceID,
		Status:  model.TraceCompleted,
	}); err != nil {
		t.Fatalf("complete trace: %v", err)
	}

	_, err := s.tracker.CreateSpan(context.Background(), owner, service.CreateSpanInput{
		TraceID:  trace.TraceID,
		SpanType: model.SpanGeneration,
	})
	if _, ok := err.(*model.InvalidStateError); !ok {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestCompleteSpan_LargeOutputBecomesArtefact(t *testing.T) {
	s := newStack(t)
	prompt := seedPrompt(t, s, owner, "", "entry")
	trace := startTrace(t, s, prompt.RowID)
	span, err := s.tracker.CreateSpan(context.Background(), owner, service.CreateSpanInput{
		TraceID:     trace.TraceID,
		PromptRowID: prompt.RowID,
		SpanType:    model.SpanGeneration,
	})
	if err != nil {
		t.Fatalf("create span: %v", err)
	}

	output := strings.Repeat("x", 600)
	done, err := s.tracker.CompleteSpan(context.Background(), owner, service.CompleteSpanInput{
		SpanID: span.SpanID,
		Status: model.SpanSuccess,
		Output: output,
	})
	if err != nil {
		t.Fatalf("complete span: %v", err)
	}
	if len(done.OutputPreview) != 500 {
		t.Errorf("preview length: got %d, want 500", len(done.OutputPreview))
	}
	if done.OutputArtefactID == "" {
		t.Fatal("expected an artefact id for a 600-char output")
	}

	var content, sha string
	if err := s.db.QueryRow(
		`SELECT content, sha256 FROM execution_artefacts WHERE artefact_id = ?`,
		done.OutputArtefactID).Scan(&content, &sha); err != nil {
		t.Fatalf("query artefact: %v", err)
	}
	if content != output {
		t.Error("artefact content does not round-trip")
	}
	if len(sha) != 64 {
		t.Errorf("sha256 hex length: got %d, want 64", len(sha))
	}

	// Successful output is merged into the trace snapshot for later siblings.
	tr, err := s.tracker.GetTrace(context.Background(), owner, trace.TraceID)
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	if tr.ContextSnapshot[prompt.RowID] != output {
		t.Error("snapshot not merged after successful span")
	}
}

func TestCompleteSpan_MultibytePreviewStaysValidUTF8(t *testing.T) {
	s := newStack(t)
	prompt := seedPrompt(t, s, owner, "", "entry")
	trace := startTrace(t, s, prompt.RowID)
	span, err := s.tracker.CreateSpan(context.Background(), owner, service.CreateSpanInput{
		TraceID:     trace.TraceID,
		PromptRowID: prompt.RowID,
		SpanType:    model.SpanGeneration,
	})
	if err != nil {
		t.Fatalf("create span: %v", err)
	}

	// 499 ASCII chars followed by multibyte runes: a byte-offset cut would
	// split the rune at position 500 and store mangled UTF-8.
	output := strings.Repeat("x", 499) + strings.Repeat("é", 101)
	done, err := s.tracker.CompleteSpan(context.Background(), owner, service.CompleteSpanInput{
		SpanID: span.SpanID,
		Status: model.SpanSuccess,
		Output: output,
	})
	if err != nil {
		t.Fatalf("complete span: %v", err)
	}
	if !utf8.ValidString(done.OutputPreview) {
		t.Errorf("preview is not valid UTF-8: %q", done.OutputPreview[len(done.OutputPreview)-4:])
	}
	if got := utf8.RuneCountInString(done.OutputPreview); got != 500 {
		t.Errorf("preview rune count: got %d, want 500", got)
	}
	if !strings.HasSuffix(done.OutputPreview, "xé") {
		t.Errorf("preview cut at the wrong place: ...%q", done.OutputPreview[len(done.OutputPreview)-4:])
	}
	if done.OutputArtefactID == "" {
		t.Error("expected an artefact for a 600-char output")
	}
}

func TestCompleteSpan_MultibyteAtLimitStaysInline(t *testing.T) {
	s := newStack(t)
	prompt := seedPrompt(t, s, owner, "", "entry")
	trace := startTrace(t, s, prompt.RowID)
	span, err := s.tracker.CreateSpan(context.Background(), owner, service.CreateSpanInput{
		TraceID:  trace.TraceID,
		SpanType: model.SpanGeneration,
	})
	if err != nil {
		t.Fatalf("create span: %v", err)
	}

	// Exactly 500 characters (1000 bytes): the spill threshold counts
	// characters, so this stays inline with no artefact.
	output := strings.Repeat("é", 500)
	done, err := s.tracker.CompleteSpan(context.Background(), owner, service.CompleteSpanInput{
		SpanID: span.SpanID,
		Status: model.SpanSuccess,
		Output: output,
	})
	if err != nil {
		t.Fatalf("complete span: %v", err)
	}
	if done.OutputArtefactID != "" {
		t.Error("500-char output should not spill to an artefact")
	}
	if done.OutputPreview != output {
		t.Error("inline output should be stored whole")
	}
}

func TestFailSpan_EvidenceIsWriteOnce(t *testing.T) {
	s := newStack(t)
	prompt := seedPrompt(t, s, owner, "", "entry")
	trace := startTrace(t, s, prompt.RowID)
	span, err := s.tracker.CreateSpan(context.Background(), owner, service.CreateSpanInput{
		TraceID:  trace.TraceID,
		SpanType: model.SpanGeneration,
	})
	if err != nil {
		t.Fatalf("create span: %v", err)
	}

	first := model.ErrorEvidence{ErrorType: "provider_call", Message: "timeout", Code: "TIMEOUT"}
	if err := s.tracker.FailSpan(context.Background(), owner, service.FailSpanInput{
		SpanID: span.SpanID, Evidence: first,
	}); err != nil {
		t.Fatalf("first fail_span: %v", err)
	}

	second := model.ErrorEvidence{ErrorType: "other", Message: "rewritten history", Code: "X"}
	if err := s.tracker.FailSpan(context.Background(), owner, service.FailSpanInput{
		SpanID: span.SpanID, Evidence: second,
	}); err != nil {
		t.Fatalf("second fail_span should be a no-op, got %v", err)
	}

	got, err := s.tracker.GetSpan(context.Background(), owner, span.SpanID)
	if err != nil {
		t.Fatalf("get span: %v", err)
	}
	if !strings.Contains(got.ErrorEvidence, "timeout") {
		t.Errorf("evidence overwritten: %s", got.ErrorEvidence)
	}
	if strings.Contains(got.ErrorEvidence, "rewritten history") {
		t.Errorf("second write changed canonical evidence: %s", got.ErrorEvidence)
	}
}

func TestStartTrace_ReplacesPreviousTerminalTrace(t *testing.T) {
	s := newStack(t)
	prompt := seedPrompt(t, s, owner, "", "entry")

	first := startTrace(t, s, prompt.RowID)
	span, err := s.tracker.CreateSpan(context.Background(), owner, service.CreateSpanInput{
		TraceID:  first.TraceID,
		SpanType: model.SpanGeneration,
	})
	if err != nil {
		t.Fatalf("create span: %v", err)
	}
	if _, err := s.tracker.CompleteSpan(context.Background(), owner, service.CompleteSpanInput{
		SpanID:           span.SpanID,
		Status:           model.SpanSuccess,
		OpenAIResponseID: "resp_abc",
		Output:           "done",
	}); err != nil {
		t.Fatalf("complete span: %v", err)
	}
	if err := s.tracker.CompleteTrace(context.Background(), owner, service.CompleteTraceInput{
		TraceID: first.TraceID,
		Status:  model.TraceCompleted,
	}); err != nil {
		t.Fatalf("complete trace: %v", err)
	}

	second, err := s.tracker.StartTrace(context.Background(), owner, service.StartTraceInput{
		EntryPromptRowID: prompt.RowID,
		ExecutionType:    model.ExecSingle,
	})
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if second.PreviousTraceID != first.TraceID {
		t.Errorf("previous_trace_id: got %q, want %q", second.PreviousTraceID, first.TraceID)
	}
	if got := traceStatus(t, s.db, first.TraceID); got != "replaced" {
		t.Errorf("first trace status: got %q, want 'replaced'", got)
	}

	// Provider-side deletion of the replaced trace's responses is queued.
	var payload string
	if err := s.db.QueryRow(
		`SELECT payload_json FROM cleanup_tasks WHERE kind = ? AND status = 'queued'`,
		service.TaskDeleteProviderResponses).Scan(&payload); err != nil {
		t.Fatalf("expected queued cleanup task: %v", err)
	}
	if !strings.Contains(payload, "resp_abc") {
		t.Errorf("cleanup payload missing response id: %s", payload)
	}

	// A replaced trace is never transitioned again.
	if err := s.tracker.CompleteTrace(context.Background(), owner, service.CompleteTraceInput{
		TraceID: first.TraceID,
		Status:  model.TraceCompleted,
	}); err != nil {
		t.Fatalf("complete replaced trace: %v", err)
	}
	if got := traceStatus(t, s.db, first.TraceID); got != "replaced" {
		t.Errorf("replaced trace transitioned: got %q", got)
	}
}

func TestCleanupOrphanedTraces(t *testing.T) {
	s := newStack(t)
	prompt := seedPrompt(t, s, owner, "", "entry")
	trace := startTrace(t, s, prompt.RowID)
	backdateTrace(t, s.db, trace.TraceID, time.Hour)

	n, err := s.tracker.CleanupOrphanedTraces(context.Background(), owner)
	if err != nil {
		t.Fatalf("cleanup orphaned: %v", err)
	}
	if n != 1 {
		t.Errorf("cleaned count: got %d, want 1", n)
	}
	if got := traceStatus(t, s.db, trace.TraceID); got != "failed" {
		t.Errorf("orphaned trace status: got %q, want 'failed'", got)
	}
}

func TestGetTrace_OtherOwnerLooksMissing(t *testing.T) {
	s := newStack(t)
	prompt := seedPrompt(t, s, owner, "", "entry")
	trace := startTrace(t, s, prompt.RowID)

	if _, err := s.tracker.GetTrace(context.Background(), "intruder", trace.TraceID); err == nil {
		t.Fatal("expected not-found for foreign owner")
	} else if _, ok := err.(*model.NotFoundError); !ok {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
