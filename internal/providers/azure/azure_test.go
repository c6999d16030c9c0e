package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/modelrelay/gateway/internal/providers"
)

const testAPIVersion = "2024-12-01-preview"

func newTestAdapter(srv *httptest.Server) *Adapter {
	return New(srv.URL, "mock-api-key", testAPIVersion)
}

func baseRequest() *providers.CompletionRequest {
	return &providers.CompletionRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: providers.RoleUser, Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func TestAdapterName(t *testing.T) {
	a := New("https://example.openai.azure.com", "key", testAPIVersion)
	if a.Name() != "azure" {
		t.Fatalf("expected 'azure', got %q", a.Name())
	}
}

func TestAdapterCatalog(t *testing.T) {
	a := New("https://example.openai.azure.com", "key", testAPIVersion)
	models, err := a.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) == 0 {
		t.Fatal("empty catalog")
	}
	for _, m := range models {
		if !strings.HasPrefix(m.ID, "azure.") {
			t.Errorf("id %q lacks provider prefix", m.ID)
		}
	}

	m, err := a.GetModel(context.Background(), "gpt-4o")
	if err != nil {
		t.Fatalf("GetModel: %v", err)
	}
	if m.ID != "azure.gpt-4o" {
		t.Errorf("id = %q", m.ID)
	}

	if _, err := a.GetModel(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown model")
	}
}

func TestCreateCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		wantPath := "/openai/deployments/gpt-4o/chat/completions"
		if r.URL.Path != wantPath {
			t.Errorf("expected path %s, got %s", wantPath, r.URL.Path)
		}
		if r.URL.Query().Get("api-version") != testAPIVersion {
			t.Errorf("api-version = %q", r.URL.Query().Get("api-version"))
		}
		if r.Header.Get("api-key") != "mock-api-key" {
			t.Errorf("missing or wrong api-key header: %s", r.Header.Get("api-key"))
		}

		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if len(body.Messages) != 1 || body.Messages[0].Content != "Hello" {
			t.Errorf("unexpected messages: %v", body.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse{
			ID:    "chatcmpl-az-1",
			Model: "gpt-4o",
			Choices: []choice{
				{Message: &wireMessage{Role: "assistant", Content: "Hi there"}, FinishReason: "stop"},
			},
			Usage: &wireUsage{PromptTokens: 8, CompletionTokens: 4, TotalTokens: 12},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	resp, err := a.CreateCompletion(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ID != "chatcmpl-az-1" {
		t.Errorf("ID = %q", resp.ID)
	}
	if resp.Provider != "azure" {
		t.Errorf("provider = %q", resp.Provider)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "Hi there" {
		t.Errorf("choices = %+v", resp.Choices)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestCreateCompletionStream(t *testing.T) {
	chunks := []string{
		`{"id":"chatcmpl-az-2","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-az-2","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-az-2","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"chatcmpl-az-2","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("expected Accept: text/event-stream, got %s", r.Header.Get("Accept"))
		}
		var body chatRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if !body.Stream || body.StreamOptions == nil || !body.StreamOptions.IncludeUsage {
			t.Errorf("expected stream with usage option, got %+v", body)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			if ok {
				flusher.Flush()
			}
		}
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	a := newTestAdapter(srv)
	events, err := a.CreateCompletionStream(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var content string
	var usage *providers.Usage
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("stream error: %v", ev.Err)
		}
		for _, c := range ev.Chunk.Choices {
			content += c.Delta.Content
		}
		if ev.Chunk.Usage != nil {
			usage = ev.Chunk.Usage
		}
	}

	if content != "Hello" {
		t.Errorf("content = %q", content)
	}
	if usage == nil || usage.TotalTokens != 5 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestCreateCompletionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(chatResponse{
			Error: &apiErr{Message: "Rate limit exceeded", Type: "rate_limit_error"},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	_, err := a.CreateCompletion(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 429, got nil")
	}

	provErr, ok := err.(*providers.Error)
	if !ok {
		t.Fatalf("expected *providers.Error, got %T: %v", err, err)
	}
	if provErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d", provErr.StatusCode)
	}
	if provErr.Message != "Rate limit exceeded" {
		t.Errorf("message = %q", provErr.Message)
	}
}

func TestCreateEmbedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wantPath := "/openai/deployments/text-embedding-3-small/embeddings"
		if r.URL.Path != wantPath {
			t.Errorf("expected path %s, got %s", wantPath, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(embeddingResponse{
			Model: "text-embedding-3-small",
			Data:  []embeddingData{{Index: 0, Embedding: []float32{0.1, 0.2}}},
			Usage: &wireUsage{PromptTokens: 3, TotalTokens: 3},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	resp, err := a.CreateEmbedding(context.Background(), &providers.EmbeddingRequest{
		Model: "text-embedding-3-small",
		Input: []string{"hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Data) != 1 || len(resp.Data[0].Embedding) != 2 {
		t.Errorf("data = %+v", resp.Data)
	}
	if resp.Usage.TotalTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestIsAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/models" {
			t.Errorf("expected path /openai/models, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	if err := a.IsAvailable(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestIsAvailableFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	if err := a.IsAvailable(context.Background()); err == nil {
		t.Fatal("expected error for 401, got nil")
	}
}
