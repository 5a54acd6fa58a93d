package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/promptforge/hub/internal/service"
)

// fakeDeleter fails a configurable number of times before succeeding.
type fakeDeleter struct {
	failures int
	deleted  []string
}

func (d *fakeDeleter) DeleteResponse(_ context.Context, _, responseID string) error {
	if d.failures > 0 {
		d.failures--
		return errors.New("provider unavailable")
	}
	d.deleted = append(d.deleted, responseID)
	return nil
}

func taskState(t *testing.T, s *stack) (status string, attempts int) {
	t.Helper()
	if err := s.db.QueryRow(
		`SELECT status, attempts FROM cleanup_tasks LIMIT 1`).Scan(&status, &attempts); err != nil {
		t.Fatalf("query task: %v", err)
	}
	return status, attempts
}

func TestCleanupQueue_DeletesAndClearsThreadRef(t *testing.T) {
	s := newStack(t)
	deleter := &fakeDeleter{}
	s.cleanup.SetDeleter(deleter)

	root := seedPrompt(t, s, owner, "", "root")
	th, err := s.threads.GetOrCreateFamilyThread(context.Background(), root.RowID, owner, "root")
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if err := s.threads.UpdateFamilyThreadResponse(context.Background(), th.RowID, "resp_del"); err != nil {
		t.Fatalf("seed thread ref: %v", err)
	}

	if err := s.cleanup.Enqueue(context.Background(), service.TaskDeleteProviderResponses,
		service.DeleteResponsesPayload{OwnerID: owner, ResponseIDs: []string{"resp_del"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.cleanup.RunDue(context.Background()); err != nil {
		t.Fatalf("run due: %v", err)
	}

	if len(deleter.deleted) != 1 || deleter.deleted[0] != "resp_del" {
		t.Errorf("deleted: %v", deleter.deleted)
	}
	if status, _ := taskState(t, s); status != "done" {
		t.Errorf("task status: got %q, want done", status)
	}

	// The dangling thread pointer is gone, so later runs cannot chain onto
	// a deleted provider response.
	got, _ := s.threads.Get(context.Background(), owner, th.RowID)
	if got.LastResponseID != "" {
		t.Errorf("thread still references deleted response: %q", got.LastResponseID)
	}
}

func TestCleanupQueue_RetriesWithBackoff(t *testing.T) {
	s := newStack(t)
	deleter := &fakeDeleter{failures: 1}
	s.cleanup.SetDeleter(deleter)

	if err := s.cleanup.Enqueue(context.Background(), service.TaskDeleteProviderResponses,
		service.DeleteResponsesPayload{OwnerID: owner, ResponseIDs: []string{"resp_retry"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := s.cleanup.RunDue(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	status, attempts := taskState(t, s)
	if status != "queued" || attempts != 1 {
		t.Fatalf("after failure: status=%q attempts=%d", status, attempts)
	}

	// Backed off into the future — an immediate pass must skip it.
	if err := s.cleanup.RunDue(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(deleter.deleted) != 0 {
		t.Error("task ran before its backoff elapsed")
	}

	// Force the retry due now.
	past := time.Now().UTC().Add(-time.Second).Format(time.RFC3339Nano)
	if _, err := s.db.Exec(`UPDATE cleanup_tasks SET next_attempt_at = ?`, past); err != nil {
		t.Fatalf("rewind backoff: %v", err)
	}
	if err := s.cleanup.RunDue(context.Background()); err != nil {
		t.Fatalf("third pass: %v", err)
	}
	if status, _ := taskState(t, s); status != "done" {
		t.Errorf("task status after retry: got %q, want done", status)
	}
	if len(deleter.deleted) != 1 {
		t.Errorf("deleted: %v", deleter.deleted)
	}
}

func TestCleanupQueue_DeadLetterAfterMaxAttempts(t *testing.T) {
	s := newStack(t)
	deleter := &fakeDeleter{failures: 100}
	s.cleanup.SetDeleter(deleter)

	if err := s.cleanup.Enqueue(context.Background(), service.TaskDeleteProviderResponses,
		service.DeleteResponsesPayload{OwnerID: owner, ResponseIDs: []string{"resp_dead"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	past := time.Now().UTC().Add(-time.Second).Format(time.RFC3339Nano)
	for i := 0; i < 3; i++ { // stack's MaxAttempts is 3
		if _, err := s.db.Exec(`UPDATE cleanup_tasks SET next_attempt_at = ?`, past); err != nil {
			t.Fatalf("rewind backoff: %v", err)
		}
		if err := s.cleanup.RunDue(context.Background()); err != nil {
			t.Fatalf("pass %d: %v", i+1, err)
		}
	}

	status, attempts := taskState(t, s)
	if status != "dead" {
		t.Errorf("task status: got %q, want dead", status)
	}
	if attempts != 3 {
		t.Errorf("attempts: got %d, want 3", attempts)
	}
}

func TestCleanupQueue_UnknownKindGoesDead(t *testing.T) {
	s := newStack(t)
	s.cleanup.SetDeleter(&fakeDeleter{})

	if err := s.cleanup.Enqueue(context.Background(), "no_such_kind", map[string]string{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	past := time.Now().UTC().Add(-time.Second).Format(time.RFC3339Nano)
	for i := 0; i < 3; i++ {
		if _, err := s.db.Exec(`UPDATE cleanup_tasks SET next_attempt_at = ?`, past); err != nil {
			t.Fatalf("rewind backoff: %v", err)
		}
		if err := s.cleanup.RunDue(context.Background()); err != nil {
			t.Fatalf("pass %d: %v", i+1, err)
		}
	}
	if status, _ := taskState(t, s); status != "dead" {
		t.Errorf("task status: got %q, want dead", status)
	}
}
