package provider

import (
	"context"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
)

// OpenAIAdapter drives the OpenAI Responses API. Conversation chaining is
// server-side via previous_response_id, so no history reconstruction is
// needed on this path.
type OpenAIAdapter struct {
	creds             CredentialResolver
	generationTimeout time.Duration
	lightTimeout      time.Duration
}

func NewOpenAIAdapter(creds CredentialResolver, generationTimeout, lightTimeout time.Duration) *OpenAIAdapter {
	return &OpenAIAdapter{
		creds:             creds,
		generationTimeout: generationTimeout,
		lightTimeout:      lightTimeout,
	}
}

func (a *OpenAIAdapter) client(ctx context.Context, ownerID string) (openai.Client, *CallResult) {
	key, err := a.creds.Resolve(ctx, ownerID, "openai", "api_key")
	if err != nil {
		return openai.Client{}, &CallResult{Error: err.Error(), ErrorCode: CodeConfigError}
	}
	return openai.NewClient(option.WithAPIKey(key)), nil
}

// Call executes one generation request.
func (a *OpenAIAdapter) Call(ctx context.Context, ownerID string, req CallRequest) *CallResult {
	client, fail := a.client(ctx, ownerID)
	if fail != nil {
		return fail
	}

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(req.Model.APIModel),
		Input: responses.ResponseNewParamsInputUnion{OfString: openai.String(req.Input)},
		Store: openai.Bool(true),
	}
	if req.Instructions != "" {
		params.Instructions = openai.String(req.Instructions)
	}
	if req.PreviousResponseID != "" {
		params.PreviousResponseID = openai.String(req.PreviousResponseID)
	}
	if req.Model.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.Model.MaxTokens))
	}
	if req.Model.SupportsTemp && req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.Model.SupportsTemp && req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}
	if req.Model.ReasoningEffort != "" {
		params.Reasoning = shared.ReasoningParam{
			Effort: shared.ReasoningEffort(req.Model.ReasoningEffort),
		}
	}
	if req.SchemaName != "" && req.Schema != nil {
		// Strict mode rejects schemas with open objects or optional
		// properties, so patch before sending.
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   req.SchemaName,
					Schema: PatchSchemaForStrictMode(req.Schema),
					Strict: openai.Bool(true),
				},
			},
		}
	}
	if req.Background {
		params.Background = openai.Bool(true)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.generationTimeout)
	defer cancel()

	resp, err := client.Responses.New(callCtx, params)
	if err != nil {
		return classify(err)
	}

	if req.Background {
		return &CallResult{
			Success:    true,
			ResponseID: resp.ID,
			Status:     string(resp.Status),
		}
	}
	return normalizeResponse(resp)
}

// GetResponse fetches the current state of an outstanding response.
func (a *OpenAIAdapter) GetResponse(ctx context.Context, ownerID, responseID string) *CallResult {
	client, fail := a.client(ctx, ownerID)
	if fail != nil {
		return fail
	}

	callCtx, cancel := context.WithTimeout(ctx, a.lightTimeout)
	defer cancel()

	resp, err := client.Responses.Get(callCtx, responseID, responses.ResponseGetParams{})
	if err != nil {
		return classify(err)
	}
	return normalizeResponse(resp)
}

// CancelResponse cancels an in-flight background response. If the provider
// reports the response already completed, cancellation is an idempotent
// no-op, not an error.
func (a *OpenAIAdapter) CancelResponse(ctx context.Context, ownerID, responseID string) error {
	client, fail := a.client(ctx, ownerID)
	if fail != nil {
		return &callError{fail}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.lightTimeout)
	defer cancel()

	_, err := client.Responses.Cancel(callCtx, responseID)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "completed") {
		return nil
	}
	return err
}

// DeleteResponse removes a stored response provider-side.
func (a *OpenAIAdapter) DeleteResponse(ctx context.Context, ownerID, responseID string) error {
	client, fail := a.client(ctx, ownerID)
	if fail != nil {
		return &callError{fail}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.lightTimeout)
	defer cancel()

	return client.Responses.Delete(callCtx, responseID)
}

func normalizeResponse(resp *responses.Response) *CallResult {
	status := string(resp.Status)
	switch status {
	case "completed":
		return &CallResult{
			Success:      true,
			ResponseText: resp.OutputText(),
			ResponseID:   resp.ID,
			Status:       status,
			Usage: Usage{
				Prompt:     int(resp.Usage.InputTokens),
				Completion: int(resp.Usage.OutputTokens),
				Total:      int(resp.Usage.TotalTokens),
			},
		}
	case "failed":
		return &CallResult{
			ResponseID: resp.ID,
			Status:     status,
			Error:      resp.Error.Message,
			ErrorCode:  CodeAPICallFailed,
		}
	default:
		// queued | in_progress | incomplete | cancelled — not a transport
		// failure; the caller decides based on Status.
		return &CallResult{
			Success:      true,
			ResponseID:   resp.ID,
			Status:       status,
			ResponseText: resp.OutputText(),
		}
	}
}

// callError adapts a CallResult into an error for the delete/cancel paths.
type callError struct {
	res *CallResult
}

func (e *callError) Error() string {
	return e.res.ErrorCode + ": " + e.res.Error
}
