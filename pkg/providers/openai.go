package providers

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/boristopalov/countenv/pkg/core"
)

const defaultOpenAIModel = "gpt-4o"

type OpenAIClient struct {
	client openai.Client
	model  string
}

func newOpenAIClient(params ProviderParams) *OpenAIClient {
	if params.BaseURL == "" {
		params.BaseURL = "https://api.openai.com/v1/"
	}
	// retry policy belongs to the caller
	opts := []option.RequestOption{
		option.WithBaseURL(params.BaseURL),
		option.WithMaxRetries(0),
	}
	if params.APIKey != "" {
		opts = append(opts, option.WithAPIKey(params.APIKey))
	}
	if params.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(params.HTTPClient))
	}
	slog.Debug("using openai base url", slog.String("base_url", params.BaseURL))
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		model:  params.Model,
	}
}

func OpenAi(ctx context.Context, opts ...ProviderOption) *OpenAIClient {
	params := &ProviderParams{}
	for _, opt := range opts {
		opt(params)
	}

	// Set defaults and environment fallbacks
	if params.BaseURL == "" {
		params.BaseURL = os.Getenv("OPENAI_API_BASE_URL")
	}
	if params.APIKey == "" {
		params.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if params.Model == "" {
		params.Model = defaultOpenAIModel
	}
	return newOpenAIClient(*params)
}

// ChatCompletion requests req.N choices in a single call
func (c *OpenAIClient) ChatCompletion(ctx context.Context, req core.ChatRequest) ([]string, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toOpenAIMessage(m))
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: msgs,
	}
	if req.N > 0 {
		params.N = openai.Int(int64(req.N))
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty choices")
	}

	out := make([]string, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		out = append(out, choice.Message.Content)
	}
	return out, nil
}

func toOpenAIMessage(m core.ChatMessage) openai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case core.RoleSystem:
		return openai.SystemMessage(m.Content)
	case core.RoleAssistant:
		return openai.ChatCompletionMessageParamOfAssistant(m.Content)
	default:
		if m.ImageURL == "" {
			return openai.UserMessage(m.Content)
		}
		return openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(m.Content),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: m.ImageURL,
			}),
		})
	}
}
