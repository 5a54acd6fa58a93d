package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/promptforge/hub/internal/model"
	"github.com/promptforge/hub/internal/service"
)

func TestWatchdogSweep_OrphanedTrace(t *testing.T) {
	s := newStack(t)
	sseMan := service.NewSSEManager()
	wd := service.NewWatchdog(s.db, sseMan, s.limiter, testPolicy())

	prompt := seedPrompt(t, s, owner, "", "entry")
	trace := startTrace(t, s, prompt.RowID)
	if _, err := s.tracker.CreateSpan(context.Background(), owner, service.CreateSpanInput{
		TraceID:  trace.TraceID,
		SpanType: model.SpanGeneration,
	}); err != nil {
		t.Fatalf("create span: %v", err)
	}
	backdateTrace(t, s.db, trace.TraceID, time.Hour) // well past OrphanAfter

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, unsub := sseMan.Subscribe(ctx, trace.TraceID, -999)
	defer unsub()

	if err := wd.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if got := traceStatus(t, s.db, trace.TraceID); got != "failed" {
		t.Errorf("trace status: got %q, want 'failed'", got)
	}

	// The mutex is released: a new run for the same entry prompt succeeds.
	if _, err := s.tracker.StartTrace(ctx, owner, service.StartTraceInput{
		EntryPromptRowID: prompt.RowID,
		ExecutionType:    model.ExecSingle,
	}); err != nil {
		t.Fatalf("start after recovery: %v", err)
	}

	// Open spans of the dead run are closed out too.
	var openSpans int
	_ = s.db.QueryRow(`SELECT count(*) FROM execution_spans WHERE trace_id = ? AND status = 'running'`,
		trace.TraceID).Scan(&openSpans)
	if openSpans != 0 {
		t.Errorf("running spans left behind: %d", openSpans)
	}

	// SSE clients get an error frame then a terminal complete frame.
	var receivedTypes []string
loop:
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				break loop
			}
			receivedTypes = append(receivedTypes, ev.Type)
			if len(receivedTypes) >= 2 {
				break loop
			}
		case <-time.After(100 * time.Millisecond):
			break loop
		}
	}
	hasError, hasComplete := false, false
	for _, typ := range receivedTypes {
		if typ == "error" {
			hasError = true
		}
		if typ == "complete" {
			hasComplete = true
		}
	}
	if !hasError || !hasComplete {
		t.Errorf("expected error+complete frames, got %v", receivedTypes)
	}
}

func TestWatchdogSweep_FreshTraceUntouched(t *testing.T) {
	s := newStack(t)
	wd := service.NewWatchdog(s.db, service.NewSSEManager(), s.limiter, testPolicy())

	prompt := seedPrompt(t, s, owner, "", "entry")
	trace := startTrace(t, s, prompt.RowID)

	if err := wd.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := traceStatus(t, s.db, trace.TraceID); got != "running" {
		t.Errorf("fresh trace status: got %q, want 'running'", got)
	}
}
