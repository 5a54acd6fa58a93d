package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/promptforge/hub/internal/model"
)

// PromptService is the prompt-tree store: CRUD with soft delete and
// parent/root pointers. Only the surface the execution core consumes —
// full prompt management lives in the workbench API layer, not here.
type PromptService struct {
	db *sql.DB
}

func NewPromptService(db *sql.DB) *PromptService {
	return &PromptService{db: db}
}

type CreatePromptInput struct {
	ParentRowID     string            `json:"parent_row_id"`
	PromptName      string            `json:"prompt_name" validate:"required,max=200"`
	PromptText      string            `json:"prompt_text"`
	SystemVariables map[string]string `json:"system_variables"`
}

func (s *PromptService) Create(ctx context.Context, ownerID string, in CreatePromptInput) (*model.PromptNode, error) {
	rowID := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	rootID := rowID
	if in.ParentRowID != "" {
		parent, err := s.Get(ctx, ownerID, in.ParentRowID)
		if err != nil {
			return nil, err
		}
		rootID = parent.RootPromptRowID
		if rootID == "" {
			rootID = parent.RowID
		}
	}

	sysVars := "{}"
	if len(in.SystemVariables) > 0 {
		b, err := json.Marshal(in.SystemVariables)
		if err != nil {
			return nil, fmt.Errorf("marshal system_variables: %w", err)
		}
		sysVars = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_nodes (
			row_id, owner_id, parent_row_id, root_prompt_row_id,
			prompt_name, prompt_text, system_variables,
			family_version, is_deleted, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 1, 0, ?, ?)`,
		rowID, ownerID, nullStr(in.ParentRowID), rootID,
		in.PromptName, in.PromptText, sysVars, now, now)
	if err != nil {
		return nil, fmt.Errorf("create prompt: %w", err)
	}

	// Tree structure changed — bump the root's family version so in-flight
	// runs can detect the race.
	if in.ParentRowID != "" {
		_ = s.bumpFamilyVersion(ctx, rootID)
	}

	return s.Get(ctx, ownerID, rowID)
}

// Get returns a live (non-deleted) prompt owned by ownerID.
func (s *PromptService) Get(ctx context.Context, ownerID, rowID string) (*model.PromptNode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT row_id, owner_id, parent_row_id, root_prompt_row_id,
		       prompt_name, prompt_text, output_response, system_variables,
		       family_version, is_deleted, created_at, updated_at
		FROM prompt_nodes
		WHERE row_id = ? AND owner_id = ? AND is_deleted = 0`, rowID, ownerID)
	node, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return nil, &model.NotFoundError{Resource: "prompt", ID: rowID}
	}
	return node, err
}

type UpdatePromptInput struct {
	PromptName *string `json:"prompt_name"`
	PromptText *string `json:"prompt_text"`
}

func (s *PromptService) Update(ctx context.Context, ownerID, rowID string, in UpdatePromptInput) (*model.PromptNode, error) {
	if _, err := s.Get(ctx, ownerID, rowID); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE prompt_nodes SET
			prompt_name = COALESCE(?, prompt_name),
			prompt_text = COALESCE(?, prompt_text),
			updated_at  = ?
		WHERE row_id = ? AND owner_id = ?`,
		in.PromptName, in.PromptText, time.Now().UTC().Format(time.RFC3339Nano),
		rowID, ownerID)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, ownerID, rowID)
}

// Delete soft-deletes a prompt. Rows are never physically removed while
// traces or threads may still reference them.
func (s *PromptService) Delete(ctx context.Context, ownerID, rowID string) error {
	node, err := s.Get(ctx, ownerID, rowID)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, `
		UPDATE prompt_nodes SET is_deleted = 1, updated_at = ?
		WHERE row_id = ? AND owner_id = ?`, now, rowID, ownerID); err != nil {
		return err
	}
	root := node.RootPromptRowID
	if root == "" {
		root = node.RowID
	}
	return s.bumpFamilyVersion(ctx, root)
}

// SetOutputResponse records the latest execution output on the node.
func (s *PromptService) SetOutputResponse(ctx context.Context, rowID, output string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE prompt_nodes SET output_response = ?, updated_at = ?
		WHERE row_id = ?`,
		output, time.Now().UTC().Format(time.RFC3339Nano), rowID)
	return err
}

// ListFamily returns all live nodes sharing the given root, oldest first.
func (s *PromptService) ListFamily(ctx context.Context, ownerID, rootID string) ([]model.PromptNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_id, owner_id, parent_row_id, root_prompt_row_id,
		       prompt_name, prompt_text, output_response, system_variables,
		       family_version, is_deleted, created_at, updated_at
		FROM prompt_nodes
		WHERE owner_id = ? AND (root_prompt_row_id = ? OR row_id = ?) AND is_deleted = 0
		ORDER BY created_at ASC`, ownerID, rootID, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PromptNode
	for rows.Next() {
		node, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *node)
	}
	return out, rows.Err()
}

// ListChildren returns the live direct children of a node, oldest first.
func (s *PromptService) ListChildren(ctx context.Context, ownerID, rowID string) ([]model.PromptNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_id, owner_id, parent_row_id, root_prompt_row_id,
		       prompt_name, prompt_text, output_response, system_variables,
		       family_version, is_deleted, created_at, updated_at
		FROM prompt_nodes
		WHERE owner_id = ? AND parent_row_id = ? AND is_deleted = 0
		ORDER BY created_at ASC`, ownerID, rowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PromptNode
	for rows.Next() {
		node, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *node)
	}
	return out, rows.Err()
}

func (s *PromptService) bumpFamilyVersion(ctx context.Context, rootID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE prompt_nodes SET family_version = family_version + 1
		WHERE row_id = ?`, rootID)
	return err
}

// --- scan helpers ---

func scanPrompt(row rowScanner) (*model.PromptNode, error) {
	var n model.PromptNode
	var parentID, rootID, output sql.NullString
	var sysVars string
	var isDeleted int
	if err := row.Scan(
		&n.RowID, &n.OwnerID, &parentID, &rootID,
		&n.PromptName, &n.PromptText, &output, &sysVars,
		&n.FamilyVersion, &isDeleted, &n.CreatedAt, &n.UpdatedAt,
	); err != nil {
		return nil, err
	}
	n.ParentRowID = parentID.String
	n.RootPromptRowID = rootID.String
	n.OutputResponse = output.String
	n.IsDeleted = isDeleted == 1
	if sysVars != "" && sysVars != "{}" {
		_ = json.Unmarshal([]byte(sysVars), &n.SystemVariables)
	}
	return &n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
