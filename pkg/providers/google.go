package providers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"

	"github.com/boristopalov/countenv/pkg/core"
)

const defaultGeminiModel = "gemini-2.0-flash"

type GeminiClient struct {
	client *genai.Client
	model  string
}

func Gemini(ctx context.Context, opts ...ProviderOption) (*GeminiClient, error) {
	params := &ProviderParams{}
	for _, opt := range opts {
		opt(params)
	}

	apiKey := params.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("error retrieving GEMINI_API_KEY")
	}
	if params.Model == "" {
		params.Model = defaultGeminiModel
	}

	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: params.HTTPClient,
	}
	if params.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: params.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &GeminiClient{
		client: client,
		model:  params.Model,
	}, nil
}

// ChatCompletion requests req.N candidates in a single call. System turns
// become the system instruction.
func (c *GeminiClient) ChatCompletion(ctx context.Context, req core.ChatRequest) ([]string, error) {
	config := &genai.GenerateContentConfig{}
	if req.N > 0 {
		config.CandidateCount = int32(req.N)
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case core.RoleSystem:
			config.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case core.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			parts := []*genai.Part{genai.NewPartFromText(m.Content)}
			if m.ImageURL != "" {
				part, err := imagePart(m.ImageURL)
				if err != nil {
					return nil, err
				}
				parts = append(parts, part)
			}
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
		}
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return nil, err
	}
	if len(result.Candidates) == 0 {
		return nil, errors.New("gemini: empty candidates")
	}

	out := make([]string, 0, len(result.Candidates))
	for _, cand := range result.Candidates {
		var b strings.Builder
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				b.WriteString(p.Text)
			}
		}
		out = append(out, b.String())
	}
	return out, nil
}

func imagePart(url string) (*genai.Part, error) {
	if !strings.HasPrefix(url, "data:") {
		return genai.NewPartFromURI(url, "image/png"), nil
	}
	data, mediaType, err := decodeDataURI(url)
	if err != nil {
		return nil, err
	}
	return genai.NewPartFromBytes(data, mediaType), nil
}
