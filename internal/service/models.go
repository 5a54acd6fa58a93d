package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ModelSpec describes one entry of the model catalog: a logical model name
// mapped to its provider, API id and capability flags. Pure lookup data.
type ModelSpec struct {
	Name             string `json:"name"`     // logical name used by assistants
	Provider         string `json:"provider"` // "openai" | "anthropic"
	APIModel         string `json:"api_model"`
	SupportsTemp     bool   `json:"supports_temperature"`
	ReasoningEffort  string `json:"reasoning_effort,omitempty"` // "" = not a reasoning model
	DefaultMaxTokens int    `json:"default_max_tokens"`
}

// DefaultModel is used when an assistant has no model override.
const DefaultModel = "gpt-4.1"

var modelCatalog = map[string]ModelSpec{
	"gpt-4.1": {
		Name: "gpt-4.1", Provider: "openai", APIModel: "gpt-4.1",
		SupportsTemp: true, DefaultMaxTokens: 4096,
	},
	"gpt-4.1-mini": {
		Name: "gpt-4.1-mini", Provider: "openai", APIModel: "gpt-4.1-mini",
		SupportsTemp: true, DefaultMaxTokens: 4096,
	},
	"o3": {
		Name: "o3", Provider: "openai", APIModel: "o3",
		SupportsTemp: false, ReasoningEffort: "medium", DefaultMaxTokens: 8192,
	},
	"claude-sonnet": {
		Name: "claude-sonnet", Provider: "anthropic", APIModel: "claude-sonnet-4-20250514",
		SupportsTemp: true, DefaultMaxTokens: 4096,
	},
	"claude-haiku": {
		Name: "claude-haiku", Provider: "anthropic", APIModel: "claude-3-5-haiku-20241022",
		SupportsTemp: true, DefaultMaxTokens: 4096,
	},
}

// ResolveModel returns the catalog entry for a logical name, falling back
// to the default model for an empty name.
func ResolveModel(name string) (ModelSpec, error) {
	if name == "" {
		name = DefaultModel
	}
	spec, ok := modelCatalog[name]
	if !ok {
		return ModelSpec{}, fmt.Errorf("unknown model %q", name)
	}
	return spec, nil
}

// CredentialService resolves (service, key) pairs to secrets, user-scoped
// with a system-level fallback chain: user row → settings row → env value.
type CredentialService struct {
	db *sql.DB
	// systemKeys is the env-sourced last-resort layer, e.g. "openai" → $OPENAI_API_KEY.
	systemKeys map[string]string
}

func NewCredentialService(db *sql.DB, systemKeys map[string]string) *CredentialService {
	return &CredentialService{db: db, systemKeys: systemKeys}
}

// Resolve returns the secret for (ownerID, svc, keyName).
func (c *CredentialService) Resolve(ctx context.Context, ownerID, svc, keyName string) (string, error) {
	var secret string
	err := c.db.QueryRowContext(ctx, `
		SELECT secret FROM user_credentials
		WHERE owner_id = ? AND service = ? AND key_name = ?`,
		ownerID, svc, keyName).Scan(&secret)
	if err == nil && secret != "" {
		return secret, nil
	}
	if err != nil && err != sql.ErrNoRows {
		return "", err
	}

	err = c.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`,
		"credential."+svc+"."+keyName).Scan(&secret)
	if err == nil && secret != "" {
		return secret, nil
	}
	if err != nil && err != sql.ErrNoRows {
		return "", err
	}

	if v := c.systemKeys[svc]; v != "" {
		return v, nil
	}
	return "", fmt.Errorf("no %s credential configured (CONFIG_ERROR)", svc)
}

// Store upserts a user-scoped credential.
func (c *CredentialService) Store(ctx context.Context, ownerID, svc, keyName, secret string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO user_credentials (owner_id, service, key_name, secret, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, service, key_name)
		DO UPDATE SET secret = excluded.secret, updated_at = excluded.updated_at`,
		ownerID, svc, keyName, secret, now, now)
	return err
}

// Setting reads one settings-store value ("" when absent).
func Setting(ctx context.Context, db *sql.DB, key string) string {
	var v string
	_ = db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	return v
}
