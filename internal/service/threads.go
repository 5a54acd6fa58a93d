package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/promptforge/hub/internal/db"
	"github.com/promptforge/hub/internal/model"
)

// maxTreeDepth bounds the upward parent walk so a corrupted parent chain
// (cycle or excessive nesting) cannot loop forever.
const maxTreeDepth = 10

// ThreadService resolves prompt trees to their single shared conversation
// thread and maintains the stored per-thread message history.
type ThreadService struct {
	db *sql.DB
}

func NewThreadService(database *sql.DB) *ThreadService {
	return &ThreadService{db: database}
}

// ResolveRootPromptID walks parent pointers upward until a node with no
// parent is found and returns that node's id. The stored root_prompt_row_id
// is only a hint; the live traversal is authoritative in case it is stale.
func (s *ThreadService) ResolveRootPromptID(ctx context.Context, ownerID, promptID string) (string, error) {
	current := promptID
	for depth := 0; depth < maxTreeDepth; depth++ {
		var parent sql.NullString
		err := s.db.QueryRowContext(ctx, `
			SELECT parent_row_id FROM prompt_nodes
			WHERE row_id = ? AND owner_id = ?`, current, ownerID).Scan(&parent)
		if err == sql.ErrNoRows {
			return "", &model.NotFoundError{Resource: "prompt", ID: current}
		}
		if err != nil {
			return "", err
		}
		if !parent.Valid || parent.String == "" {
			return current, nil
		}
		current = parent.String
	}
	return "", fmt.Errorf("prompt tree deeper than %d levels at %s", maxTreeDepth, promptID)
}

// ThreadResolution is the result of GetOrCreateFamilyThread. Created
// distinguishes a brand-new context from an existing thread; callers use it
// to decide whether to re-inject expensive attached context or rely on the
// provider's retained conversation state.
type ThreadResolution struct {
	RowID          string `json:"row_id"`
	LastResponseID string `json:"last_response_id,omitempty"`
	Created        bool   `json:"created"`
}

// GetOrCreateFamilyThread returns the single thread for root+owner,
// creating it with a null last_response_id on first execution under that
// root. The UNIQUE(root_prompt_row_id, owner_id) constraint resolves
// create races: the loser re-reads the winner's row.
func (s *ThreadService) GetOrCreateFamilyThread(ctx context.Context, rootPromptRowID, ownerID, displayName string) (*ThreadResolution, error) {
	if t, err := s.lookup(ctx, rootPromptRowID, ownerID); err == nil {
		return &ThreadResolution{RowID: t.RowID, LastResponseID: t.LastResponseID}, nil
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	rowID := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO family_threads (row_id, root_prompt_row_id, owner_id, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rowID, rootPromptRowID, ownerID, displayName, now, now)
	if err != nil {
		if db.IsUniqueViolation(err) {
			t, lerr := s.lookup(ctx, rootPromptRowID, ownerID)
			if lerr != nil {
				return nil, lerr
			}
			return &ThreadResolution{RowID: t.RowID, LastResponseID: t.LastResponseID}, nil
		}
		return nil, fmt.Errorf("create family thread: %w", err)
	}

	return &ThreadResolution{RowID: rowID, Created: true}, nil
}

// UpdateFamilyThreadResponse overwrites last_response_id after a successful
// model call. The thread reflects only the most recent turn; history is
// reconstructed from thread_messages when needed.
func (s *ThreadService) UpdateFamilyThreadResponse(ctx context.Context, threadRowID, externalResponseID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE family_threads SET last_response_id = ?, updated_at = ?
		WHERE row_id = ?`,
		externalResponseID, time.Now().UTC().Format(time.RFC3339Nano), threadRowID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.NotFoundError{Resource: "thread", ID: threadRowID}
	}
	return nil
}

// ClearThreadResponse removes a dangling last_response_id after the
// external response it points at has been deleted provider-side.
func (s *ThreadService) ClearThreadResponse(ctx context.Context, externalResponseID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE family_threads SET last_response_id = NULL, updated_at = ?
		WHERE last_response_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), externalResponseID)
	return err
}

// Get returns a thread row by id, ownership-checked.
func (s *ThreadService) Get(ctx context.Context, ownerID, threadRowID string) (*model.FamilyThread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT row_id, root_prompt_row_id, owner_id, display_name,
		       COALESCE(last_response_id, ''), created_at, updated_at
		FROM family_threads WHERE row_id = ? AND owner_id = ?`, threadRowID, ownerID)
	var t model.FamilyThread
	err := row.Scan(&t.RowID, &t.RootPromptRowID, &t.OwnerID, &t.DisplayName,
		&t.LastResponseID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, &model.NotFoundError{Resource: "thread", ID: threadRowID}
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// AppendThreadMessage stores one turn of the conversation.
func (s *ThreadService) AppendThreadMessage(ctx context.Context, threadRowID, role, content, responseID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_messages (row_id, thread_row_id, role, content, response_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), threadRowID, role, content, nullStr(responseID),
		time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// ThreadHistory returns stored turns oldest-first. The Anthropic adapter
// uses this to rebuild full message history for its stateless API.
func (s *ThreadService) ThreadHistory(ctx context.Context, threadRowID string) ([]model.ThreadMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_id, thread_row_id, role, content, COALESCE(response_id, ''), created_at
		FROM thread_messages WHERE thread_row_id = ?
		ORDER BY created_at ASC`, threadRowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ThreadMessage
	for rows.Next() {
		var m model.ThreadMessage
		if err := rows.Scan(&m.RowID, &m.ThreadRowID, &m.Role, &m.Content, &m.ResponseID, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *ThreadService) lookup(ctx context.Context, rootPromptRowID, ownerID string) (*model.FamilyThread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT row_id, root_prompt_row_id, owner_id, display_name,
		       COALESCE(last_response_id, ''), created_at, updated_at
		FROM family_threads
		WHERE root_prompt_row_id = ? AND owner_id = ?`, rootPromptRowID, ownerID)
	var t model.FamilyThread
	err := row.Scan(&t.RowID, &t.RootPromptRowID, &t.OwnerID, &t.DisplayName,
		&t.LastResponseID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
