package model

// PromptNode is a node in a prompt tree. Nodes are soft-deleted, never
// physically removed while referenced by traces or threads.
type PromptNode struct {
	RowID           string            `json:"row_id"`
	OwnerID         string            `json:"owner_id"`
	ParentRowID     string            `json:"parent_row_id,omitempty"`
	RootPromptRowID string            `json:"root_prompt_row_id,omitempty"`
	PromptName      string            `json:"prompt_name"`
	PromptText      string            `json:"prompt_text"`
	OutputResponse  string            `json:"output_response,omitempty"`
	SystemVariables map[string]string `json:"system_variables,omitempty"`
	FamilyVersion   int               `json:"family_version"`
	IsDeleted       bool              `json:"is_deleted"`
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
}

// Assistant is the execution configuration attached to one prompt node.
// Created lazily on first execution if absent.
type Assistant struct {
	AssistantID  string   `json:"assistant_id"`
	PromptRowID  string   `json:"prompt_row_id"`
	OwnerID      string   `json:"owner_id"`
	Model        string   `json:"model,omitempty"` // logical name; empty = catalog default
	Temperature  *float64 `json:"temperature,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	ToolsJSON    string   `json:"tools_json,omitempty"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

// FamilyThread is the single conversation context for an entire prompt
// tree, keyed by the tree's root prompt. At most one active thread exists
// per (root prompt, owner).
type FamilyThread struct {
	RowID           string `json:"row_id"`
	RootPromptRowID string `json:"root_prompt_row_id"`
	OwnerID         string `json:"owner_id"`
	DisplayName     string `json:"display_name"`
	LastResponseID  string `json:"last_response_id,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// ThreadMessage is one stored turn of a family thread. The Anthropic
// adapter rebuilds full message history from these rows since that
// provider keeps no server-side conversation state.
type ThreadMessage struct {
	RowID       string `json:"row_id"`
	ThreadRowID string `json:"thread_row_id"`
	Role        string `json:"role"` // user | assistant
	Content     string `json:"content"`
	ResponseID  string `json:"response_id,omitempty"`
	CreatedAt   string `json:"created_at"`
}
