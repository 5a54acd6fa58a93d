// Package provider adapts normalized model-call requests onto concrete LLM
// provider APIs (OpenAI Responses, Anthropic Messages) and normalizes the
// replies and failures back into one shape.
package provider

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"time"
)

// Error codes surfaced to callers.
const (
	CodeRateLimited   = "RATE_LIMITED"
	CodeTimeout       = "TIMEOUT"
	CodeAPICallFailed = "API_CALL_FAILED"
	CodeConfigError   = "CONFIG_ERROR"
)

// ModelConfig is the provider-facing slice of a catalog entry.
type ModelConfig struct {
	Provider        string // "openai" | "anthropic"
	APIModel        string
	SupportsTemp    bool
	ReasoningEffort string // "" = not a reasoning model
	MaxTokens       int
}

// Message is one turn of reconstructed history (Anthropic path).
type Message struct {
	Role    string // "user" | "assistant"
	Content string
}

// CallRequest is the normalized request shape built by the run orchestrator.
type CallRequest struct {
	Model              ModelConfig
	Instructions       string
	Input              string
	History            []Message // prior turns; used by stateless providers
	PreviousResponseID string    // provider-side chaining; used by OpenAI
	Temperature        *float64
	TopP               *float64
	SchemaName         string         // non-empty enables strict JSON-schema output
	Schema             map[string]any // patched for strict mode before dispatch
	Background         bool           // dispatch async; completion arrives via webhook/poll
}

// Usage is normalized token accounting.
type Usage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// CallResult is the normalized reply. A failed call has Success=false with
// ErrorCode from the taxonomy above; RetryAfterS is best-effort parsed from
// rate-limit messages.
type CallResult struct {
	Success      bool    `json:"success"`
	ResponseText string  `json:"response_text,omitempty"`
	Usage        Usage   `json:"usage"`
	ResponseID   string  `json:"response_id,omitempty"`
	Status       string  `json:"status,omitempty"` // background dispatch: queued | in_progress
	Error        string  `json:"error,omitempty"`
	ErrorCode    string  `json:"error_code,omitempty"`
	RetryAfterS  float64 `json:"retry_after_s,omitempty"`
}

// CredentialResolver resolves provider API keys per owner. Satisfied by the
// credential service; declared here so the adapters stay dependency-free.
type CredentialResolver interface {
	Resolve(ctx context.Context, ownerID, service, keyName string) (string, error)
}

var retryAfterRe = regexp.MustCompile(`(?i)(?:try again|retry) (?:in|after) ([0-9.]+) ?s`)

// classify turns a transport error into a failed CallResult.
func classify(err error) *CallResult {
	if errors.Is(err, context.DeadlineExceeded) {
		return &CallResult{Error: "provider call timed out", ErrorCode: CodeTimeout}
	}

	status := httpStatus(err)
	if status == 429 {
		res := &CallResult{Error: err.Error(), ErrorCode: CodeRateLimited}
		if m := retryAfterRe.FindStringSubmatch(err.Error()); m != nil {
			if s, perr := strconv.ParseFloat(m[1], 64); perr == nil {
				res.RetryAfterS = s
			}
		}
		return res
	}

	return &CallResult{Error: err.Error(), ErrorCode: CodeAPICallFailed}
}

// Registry fans calls out to the configured adapters per model provider and
// implements the cleanup queue's ResponseDeleter.
type Registry struct {
	openai    *OpenAIAdapter
	anthropic *AnthropicAdapter
}

func NewRegistry(creds CredentialResolver, generationTimeout, lightTimeout time.Duration) *Registry {
	return &Registry{
		openai:    NewOpenAIAdapter(creds, generationTimeout, lightTimeout),
		anthropic: NewAnthropicAdapter(creds, generationTimeout),
	}
}

// Call dispatches a generation request to the right adapter.
func (r *Registry) Call(ctx context.Context, ownerID string, req CallRequest) *CallResult {
	switch req.Model.Provider {
	case "openai":
		return r.openai.Call(ctx, ownerID, req)
	case "anthropic":
		return r.anthropic.Call(ctx, ownerID, req)
	default:
		return &CallResult{
			Error:     "unknown provider " + req.Model.Provider,
			ErrorCode: CodeConfigError,
		}
	}
}

// GetResponse polls one outstanding OpenAI response.
func (r *Registry) GetResponse(ctx context.Context, ownerID, responseID string) *CallResult {
	return r.openai.GetResponse(ctx, ownerID, responseID)
}

// CancelResponse cancels one outstanding OpenAI response. A provider report
// that the call already completed counts as success.
func (r *Registry) CancelResponse(ctx context.Context, ownerID, responseID string) error {
	return r.openai.CancelResponse(ctx, ownerID, responseID)
}

// DeleteResponse removes a stored response provider-side.
func (r *Registry) DeleteResponse(ctx context.Context, ownerID, responseID string) error {
	return r.openai.DeleteResponse(ctx, ownerID, responseID)
}
