package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/promptforge/hub/internal/model"
)

// AssistantService manages the one-per-node execution configuration.
// Assistants are created lazily on first execution when absent.
type AssistantService struct {
	db *sql.DB
}

func NewAssistantService(db *sql.DB) *AssistantService {
	return &AssistantService{db: db}
}

// GetOrCreate returns the assistant attached to a prompt node, creating an
// empty default one if this is the node's first execution.
func (s *AssistantService) GetOrCreate(ctx context.Context, ownerID, promptRowID string) (*model.Assistant, error) {
	a, err := s.get(ctx, promptRowID)
	if err == nil {
		return a, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assistants (assistant_id, prompt_row_id, owner_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), promptRowID, ownerID, now, now)
	if err != nil {
		// Lost a create race with a concurrent first run — read the winner.
		if existing, gerr := s.get(ctx, promptRowID); gerr == nil {
			return existing, nil
		}
		return nil, err
	}
	return s.get(ctx, promptRowID)
}

type UpdateAssistantInput struct {
	Model        *string  `json:"model"`
	Temperature  *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	TopP         *float64 `json:"top_p" validate:"omitempty,gte=0,lte=1"`
	MaxTokens    *int     `json:"max_tokens" validate:"omitempty,gt=0"`
	Instructions *string  `json:"instructions"`
}

func (s *AssistantService) Update(ctx context.Context, ownerID, promptRowID string, in UpdateAssistantInput) (*model.Assistant, error) {
	if _, err := s.GetOrCreate(ctx, ownerID, promptRowID); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE assistants SET
			model        = COALESCE(?, model),
			temperature  = COALESCE(?, temperature),
			top_p        = COALESCE(?, top_p),
			max_tokens   = COALESCE(?, max_tokens),
			instructions = COALESCE(?, instructions),
			updated_at   = ?
		WHERE prompt_row_id = ? AND owner_id = ?`,
		in.Model, in.Temperature, in.TopP, in.MaxTokens, in.Instructions,
		time.Now().UTC().Format(time.RFC3339Nano), promptRowID, ownerID)
	if err != nil {
		return nil, err
	}
	a, err := s.get(ctx, promptRowID)
	if err == sql.ErrNoRows {
		return nil, &model.NotFoundError{Resource: "assistant", ID: promptRowID}
	}
	return a, err
}

func (s *AssistantService) get(ctx context.Context, promptRowID string) (*model.Assistant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT assistant_id, prompt_row_id, owner_id, model,
		       temperature, top_p, max_tokens, instructions, tools_json,
		       created_at, updated_at
		FROM assistants WHERE prompt_row_id = ?`, promptRowID)

	var a model.Assistant
	var temp, topP sql.NullFloat64
	var maxTokens sql.NullInt64
	if err := row.Scan(
		&a.AssistantID, &a.PromptRowID, &a.OwnerID, &a.Model,
		&temp, &topP, &maxTokens, &a.Instructions, &a.ToolsJSON,
		&a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if temp.Valid {
		a.Temperature = &temp.Float64
	}
	if topP.Valid {
		a.TopP = &topP.Float64
	}
	if maxTokens.Valid {
		v := int(maxTokens.Int64)
		a.MaxTokens = &v
	}
	return &a, nil
}
