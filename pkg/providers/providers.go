// Package providers implements multi-sample chat generation on top of
// hosted model APIs.
package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/boristopalov/countenv/pkg/core"
)

const (
	TypeOpenAI = "openai"
	TypeGemini = "gemini"
)

// Client returns req.N completions for a chat request
type Client interface {
	ChatCompletion(ctx context.Context, req core.ChatRequest) ([]string, error)
}

type ProviderParams struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

type ProviderOption func(*ProviderParams)

func WithBaseURL(baseURL string) ProviderOption {
	return func(p *ProviderParams) {
		p.BaseURL = baseURL
	}
}

func WithAPIKey(apiKey string) ProviderOption {
	return func(p *ProviderParams) {
		p.APIKey = apiKey
	}
}

func WithModel(model string) ProviderOption {
	return func(p *ProviderParams) {
		p.Model = model
	}
}

func WithHTTPClient(client *http.Client) ProviderOption {
	return func(p *ProviderParams) {
		p.HTTPClient = client
	}
}

// New builds the client for providerType
func New(ctx context.Context, providerType string, opts ...ProviderOption) (Client, error) {
	switch providerType {
	case TypeOpenAI, "":
		return OpenAi(ctx, opts...), nil
	case TypeGemini:
		return Gemini(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown provider type %q", providerType)
	}
}

// decodeDataURI splits a base64 data URI into its bytes and media type
func decodeDataURI(uri string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, "", fmt.Errorf("not a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("invalid data URI: missing comma separator")
	}
	mediaType, enc, _ := strings.Cut(meta, ";")
	if enc != "base64" {
		return nil, "", fmt.Errorf("data URI must be base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("invalid data URI payload: %w", err)
	}
	return data, mediaType, nil
}
