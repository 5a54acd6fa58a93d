package service_test

import (
	"context"
	"testing"

	"github.com/promptforge/hub/internal/model"
)

func TestResolveRootPromptID_WalksToRoot(t *testing.T) {
	s := newStack(t)
	root := seedPrompt(t, s, owner, "", "root")
	mid := seedPrompt(t, s, owner, root.RowID, "mid")
	leaf := seedPrompt(t, s, owner, mid.RowID, "leaf")

	for _, node := range []string{root.RowID, mid.RowID, leaf.RowID} {
		got, err := s.threads.ResolveRootPromptID(context.Background(), owner, node)
		if err != nil {
			t.Fatalf("resolve root for %s: %v", node, err)
		}
		if got != root.RowID {
			t.Errorf("root for %s: got %q, want %q", node, got, root.RowID)
		}
	}
}

func TestResolveRootPromptID_UnknownPrompt(t *testing.T) {
	s := newStack(t)
	_, err := s.threads.ResolveRootPromptID(context.Background(), owner, "00000000-0000-0000-0000-000000000000")
	if _, ok := err.(*model.NotFoundError); !ok {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestGetOrCreateFamilyThread_SingleThreadPerRoot(t *testing.T) {
	s := newStack(t)
	root := seedPrompt(t, s, owner, "", "root")

	first, err := s.threads.GetOrCreateFamilyThread(context.Background(), root.RowID, owner, "root")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if !first.Created {
		t.Error("first resolution should report created=true")
	}
	if first.LastResponseID != "" {
		t.Errorf("new thread last_response_id: got %q, want empty", first.LastResponseID)
	}

	second, err := s.threads.GetOrCreateFamilyThread(context.Background(), root.RowID, owner, "root")
	if err != nil {
		t.Fatalf("second resolution: %v", err)
	}
	if second.Created {
		t.Error("second resolution should report created=false")
	}
	if second.RowID != first.RowID {
		t.Errorf("thread row ids differ: %q vs %q", second.RowID, first.RowID)
	}

	// A different owner under the same root id gets their own thread.
	other, err := s.threads.GetOrCreateFamilyThread(context.Background(), root.RowID, "user2", "root")
	if err != nil {
		t.Fatalf("other owner thread: %v", err)
	}
	if other.RowID == first.RowID {
		t.Error("owners must not share a thread")
	}
}

func TestUpdateAndClearThreadResponse(t *testing.T) {
	s := newStack(t)
	root := seedPrompt(t, s, owner, "", "root")
	th, err := s.threads.GetOrCreateFamilyThread(context.Background(), root.RowID, owner, "root")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	if err := s.threads.UpdateFamilyThreadResponse(context.Background(), th.RowID, "resp_1"); err != nil {
		t.Fatalf("update response: %v", err)
	}
	got, err := s.threads.Get(context.Background(), owner, th.RowID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if got.LastResponseID != "resp_1" {
		t.Errorf("last_response_id: got %q, want 'resp_1'", got.LastResponseID)
	}

	// Clearing targets the dangling response id, wherever it lives.
	if err := s.threads.ClearThreadResponse(context.Background(), "resp_1"); err != nil {
		t.Fatalf("clear response: %v", err)
	}
	got, _ = s.threads.Get(context.Background(), owner, th.RowID)
	if got.LastResponseID != "" {
		t.Errorf("last_response_id after clear: got %q, want empty", got.LastResponseID)
	}
}

func TestUpdateFamilyThreadResponse_MissingThread(t *testing.T) {
	s := newStack(t)
	err := s.threads.UpdateFamilyThreadResponse(context.Background(), "no-such-thread", "resp")
	if _, ok := err.(*model.NotFoundError); !ok {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestThreadHistory_OrderedOldestFirst(t *testing.T) {
	s := newStack(t)
	root := seedPrompt(t, s, owner, "", "root")
	th, err := s.threads.GetOrCreateFamilyThread(context.Background(), root.RowID, owner, "root")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	turns := []struct{ role, content string }{
		{"user", "first question"},
		{"assistant", "first answer"},
		{"user", "second question"},
	}
	for _, turn := range turns {
		if err := s.threads.AppendThreadMessage(context.Background(), th.RowID, turn.role, turn.content, ""); err != nil {
			t.Fatalf("append %q: %v", turn.content, err)
		}
	}

	history, err := s.threads.ThreadHistory(context.Background(), th.RowID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != len(turns) {
		t.Fatalf("history length: got %d, want %d", len(history), len(turns))
	}
	for i, turn := range turns {
		if history[i].Role != turn.role || history[i].Content != turn.content {
			t.Errorf("turn %d: got %s/%q, want %s/%q",
				i, history[i].Role, history[i].Content, turn.role, turn.content)
		}
	}
}
