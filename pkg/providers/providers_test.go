package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/boristopalov/countenv/pkg/core"
)

func countingRequest() core.ChatRequest {
	return core.ChatRequest{
		Messages: []core.ChatMessage{
			{Role: core.RoleSystem, Content: "You must submit your answer enclosed in <answer> tags, e.g., <answer>3</answer>"},
			{Role: core.RoleUser, Content: "how many cups are in the image?", ImageURL: "data:image/png;base64,aGVsbG8="},
		},
		N:         2,
		MaxTokens: 512,
	}
}

func TestOpenAIChatCompletion(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("request is not json: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o",
			"choices": [
				{"index": 0, "message": {"role": "assistant", "content": "<answer>2</answer>"}, "finish_reason": "stop"},
				{"index": 1, "message": {"role": "assistant", "content": "I count three. <answer>3</answer>"}, "finish_reason": "stop"}
			]
		}`))
	}))
	defer srv.Close()

	c := OpenAi(context.Background(), WithBaseURL(srv.URL+"/"), WithAPIKey("test-key"), WithModel("gpt-4o"))
	got, err := c.ChatCompletion(context.Background(), countingRequest())
	if err != nil {
		t.Fatalf("ChatCompletion failed: %v", err)
	}
	if len(got) != 2 || got[0] != "<answer>2</answer>" || !strings.Contains(got[1], "<answer>3</answer>") {
		t.Errorf("unexpected completions %q", got)
	}

	if body["n"] != float64(2) {
		t.Errorf("n = %v, want 2", body["n"])
	}
	if body["max_tokens"] != float64(512) {
		t.Errorf("max_tokens = %v, want 512", body["max_tokens"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	user, _ := msgs[1].(map[string]any)
	parts, _ := user["content"].([]any)
	if len(parts) != 2 {
		t.Fatalf("expected text and image parts, got %v", user["content"])
	}
	img, _ := parts[1].(map[string]any)
	if img["type"] != "image_url" {
		t.Errorf("second part type = %v", img["type"])
	}
}

func TestOpenAIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()

	c := OpenAi(context.Background(), WithBaseURL(srv.URL+"/"), WithAPIKey("test-key"))
	if _, err := c.ChatCompletion(context.Background(), countingRequest()); err == nil {
		t.Fatal("expected error")
	}
}

func TestGeminiChatCompletion(t *testing.T) {
	var raw []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		raw, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"candidates": [
				{"content": {"role": "model", "parts": [{"text": "<answer>"}, {"text": "2</answer>"}]}, "finishReason": "STOP", "index": 0},
				{"content": {"role": "model", "parts": [{"text": "<answer>4</answer>"}]}, "finishReason": "STOP", "index": 1}
			]
		}`))
	}))
	defer srv.Close()

	c, err := Gemini(context.Background(), WithBaseURL(srv.URL), WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("Gemini failed: %v", err)
	}
	got, err := c.ChatCompletion(context.Background(), countingRequest())
	if err != nil {
		t.Fatalf("ChatCompletion failed: %v", err)
	}
	if len(got) != 2 || got[0] != "<answer>2</answer>" || got[1] != "<answer>4</answer>" {
		t.Errorf("unexpected completions %q", got)
	}
	if !strings.Contains(string(raw), "candidateCount") {
		t.Errorf("request does not ask for candidates: %s", raw)
	}
	if !strings.Contains(string(raw), "inlineData") {
		t.Errorf("request does not inline the image: %s", raw)
	}
}

func TestGeminiRequiresKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	if _, err := Gemini(context.Background()); err == nil {
		t.Fatal("expected missing key error")
	}
}

func TestNewUnknownProvider(t *testing.T) {
	if _, err := New(context.Background(), "bedrock"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestDecodeDataURI(t *testing.T) {
	data, mediaType, err := decodeDataURI("data:image/png;base64,aGVsbG8=")
	if err != nil {
		t.Fatalf("decodeDataURI failed: %v", err)
	}
	if string(data) != "hello" || mediaType != "image/png" {
		t.Errorf("got %q %q", data, mediaType)
	}
	for _, bad := range []string{"https://example.org/a.png", "data:image/png,plain", "data:image/png;base64"} {
		if _, _, err := decodeDataURI(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
