package provider

import (
	"context"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicAdapter drives the Anthropic Messages API. The API is stateless
// — no server-side chaining — so every call rebuilds the full message
// history from the stored thread turns.
type AnthropicAdapter struct {
	creds             CredentialResolver
	generationTimeout time.Duration
}

func NewAnthropicAdapter(creds CredentialResolver, generationTimeout time.Duration) *AnthropicAdapter {
	return &AnthropicAdapter{creds: creds, generationTimeout: generationTimeout}
}

// Call executes one generation request.
func (a *AnthropicAdapter) Call(ctx context.Context, ownerID string, req CallRequest) *CallResult {
	key, err := a.creds.Resolve(ctx, ownerID, "anthropic", "api_key")
	if err != nil {
		return &CallResult{Error: err.Error(), ErrorCode: CodeConfigError}
	}
	client := anthropic.NewClient(option.WithAPIKey(key))

	maxTokens := req.Model.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, turn := range req.History {
		switch turn.Role {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Input)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model.APIModel),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.Instructions != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.Instructions}}
	}
	if req.Model.SupportsTemp && req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.Model.SupportsTemp && req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.generationTimeout)
	defer cancel()

	msg, err := client.Messages.New(callCtx, params)
	if err != nil {
		return classify(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}

	return &CallResult{
		Success:      true,
		ResponseText: sb.String(),
		ResponseID:   msg.ID,
		Status:       "completed",
		Usage: Usage{
			Prompt:     int(msg.Usage.InputTokens),
			Completion: int(msg.Usage.OutputTokens),
			Total:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
}
