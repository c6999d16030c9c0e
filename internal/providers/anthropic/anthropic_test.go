package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/modelrelay/gateway/internal/providers"
)

func newTestAdapter(srv *httptest.Server) *Adapter {
	return New("mock-api-key", WithBaseURL(srv.URL))
}

func baseRequest() *providers.CompletionRequest {
	return &providers.CompletionRequest{
		Model:     "claude-3-5-sonnet",
		Messages:  []providers.Message{{Role: providers.RoleUser, Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func isMessagesPath(p string) bool {
	return p == "/messages" || p == "/v1/messages"
}

func decodeJSONMap(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		t.Fatalf("failed to decode request body as json: %v", err)
	}
	return m
}

func respondMessageJSON(w http.ResponseWriter, id, model, text string, inTok, outTok int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":    id,
		"type":  "message",
		"role":  "assistant",
		"model": model,
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  inTok,
			"output_tokens": outTok,
		},
	})
}

func respondErrorJSON(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": msg,
		},
	})
}

func requireProviderError(t *testing.T, err error, wantStatus int) *providers.Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	var pe *providers.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *providers.Error (via errors.As), got %T: %v", err, err)
	}
	if pe.StatusCode != wantStatus {
		t.Fatalf("expected status=%d, got %d", wantStatus, pe.StatusCode)
	}
	if pe.Provider != "anthropic" {
		t.Fatalf("expected provider=anthropic, got %q", pe.Provider)
	}
	return pe
}

func TestAdapterName(t *testing.T) {
	a := New("key")
	if a.Name() != "anthropic" {
		t.Fatalf("expected 'anthropic', got %q", a.Name())
	}
}

func TestAdapterCatalog(t *testing.T) {
	a := New("key")
	models, err := a.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) == 0 {
		t.Fatal("empty catalog")
	}
	for _, m := range models {
		if !strings.HasPrefix(m.ID, "anthropic.") {
			t.Errorf("id %q lacks provider prefix", m.ID)
		}
	}

	m, err := a.GetModel(context.Background(), "claude-3-5-sonnet")
	if err != nil {
		t.Fatalf("GetModel: %v", err)
	}
	if m.ID != "anthropic.claude-3-5-sonnet" {
		t.Errorf("id = %q", m.ID)
	}

	if _, err := a.GetModel(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown model")
	}
}

func TestCreateCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if !isMessagesPath(r.URL.Path) {
			t.Fatalf("expected path ending with /messages, got %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "mock-api-key" {
			t.Fatalf("missing or wrong x-api-key header: %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Fatalf("expected anthropic-version header to be present")
		}

		body := decodeJSONMap(t, r)
		if body["model"] != "claude-3-5-sonnet" {
			t.Fatalf("expected model=claude-3-5-sonnet, got %#v", body["model"])
		}
		if got, _ := body["max_tokens"].(float64); int(got) != defaultMaxTokens {
			t.Fatalf("expected max_tokens=%d, got %#v", defaultMaxTokens, body["max_tokens"])
		}
		if _, ok := body["system"]; ok {
			t.Fatalf("did not expect system field, got %#v", body["system"])
		}

		respondMessageJSON(w, "msg-123", "claude-3-5-sonnet", "Hello, world!", 10, 5)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	resp, err := a.CreateCompletion(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ID != "msg-123" {
		t.Fatalf("expected ID 'msg-123', got %q", resp.ID)
	}
	if resp.Provider != "anthropic" {
		t.Fatalf("provider = %q", resp.Provider)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "Hello, world!" {
		t.Fatalf("choices = %+v", resp.Choices)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("finish reason = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 10 || resp.Usage.CompletionTokens != 5 || resp.Usage.TotalTokens != 15 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestCreateCompletionSystemExtraction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeJSONMap(t, r)

		sysRaw, ok := body["system"]
		if !ok {
			t.Fatalf("expected system field to be present")
		}
		blocks, _ := sysRaw.([]any)
		if len(blocks) != 1 {
			t.Fatalf("system = %#v", sysRaw)
		}
		if b, _ := blocks[0].(map[string]any); b["text"] != "You are helpful." {
			t.Fatalf("system text = %#v", b["text"])
		}

		msgs, _ := body["messages"].([]any)
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %#v", body["messages"])
		}
		if m0, _ := msgs[0].(map[string]any); m0["role"] != "user" {
			t.Fatalf("expected role=user, got %#v", m0)
		}

		respondMessageJSON(w, "msg-456", "claude-3-5-sonnet", "Sure!", 8, 3)
	}))
	defer srv.Close()

	req := baseRequest()
	req.Messages = []providers.Message{
		{Role: providers.RoleSystem, Content: "You are helpful."},
		{Role: providers.RoleUser, Content: "Help me"},
	}

	a := newTestAdapter(srv)
	resp, err := a.CreateCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].Message.Content != "Sure!" {
		t.Fatalf("content = %q", resp.Choices[0].Message.Content)
	}
}

func TestCreateCompletionSendsTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeJSONMap(t, r)

		tools, _ := body["tools"].([]any)
		if len(tools) != 1 {
			t.Fatalf("tools = %#v", body["tools"])
		}
		tool, _ := tools[0].(map[string]any)
		if tool["name"] != "get_weather" {
			t.Fatalf("tool = %#v", tool)
		}
		if tool["input_schema"] == nil {
			t.Fatalf("input_schema missing: %#v", tool)
		}
		tc, _ := body["tool_choice"].(map[string]any)
		if tc["type"] != "auto" {
			t.Fatalf("tool_choice = %#v", body["tool_choice"])
		}

		respondMessageJSON(w, "msg-789", "claude-3-5-sonnet", "ok", 1, 1)
	}))
	defer srv.Close()

	req := baseRequest()
	req.Tools = []providers.Tool{{
		Type: "function",
		Function: providers.ToolFunction{
			Name:        "get_weather",
			Description: "Look up weather",
			Parameters:  map[string]any{"type": "object"},
		},
	}}
	req.ToolChoice = "auto"

	a := newTestAdapter(srv)
	if _, err := a.CreateCompletion(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCreateCompletionStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		flusher, _ := w.(http.Flusher)

		events := []string{
			"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg-1\",\"type\":\"message\",\"role\":\"assistant\",\"model\":\"claude-3-5-sonnet\",\"content\":[],\"usage\":{\"input_tokens\":3,\"output_tokens\":0}}}\n\n",
			"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}\n\n",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\" world\"}}\n\n",
			"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n",
			"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\",\"stop_sequence\":null},\"usage\":{\"output_tokens\":2}}\n\n",
			"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
		}

		for _, ev := range events {
			fmt.Fprint(w, ev)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	a := newTestAdapter(srv)
	events, err := a.CreateCompletionStream(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var content strings.Builder
	var usage *providers.Usage
	var finish string
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("stream error: %v", ev.Err)
		}
		for _, c := range ev.Chunk.Choices {
			content.WriteString(c.Delta.Content)
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
		}
		if ev.Chunk.Usage != nil {
			usage = ev.Chunk.Usage
		}
	}

	if content.String() != "Hello world" {
		t.Fatalf("content = %q", content.String())
	}
	if finish != "stop" {
		t.Fatalf("finish = %q", finish)
	}
	if usage == nil || usage.TotalTokens != 5 {
		t.Fatalf("usage = %+v", usage)
	}
}

func TestCreateCompletionRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondErrorJSON(w, http.StatusTooManyRequests, "rate_limit_error", "Rate limit exceeded")
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	_, err := a.CreateCompletion(context.Background(), baseRequest())
	pe := requireProviderError(t, err, http.StatusTooManyRequests)
	if pe.Message == "" {
		t.Fatalf("expected non-empty message")
	}
}

func TestCreateCompletionOverloaded529(t *testing.T) {
	// 529 is Anthropic's overloaded status code
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondErrorJSON(w, 529, "overloaded_error", "Anthropic is temporarily overloaded")
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	_, err := a.CreateCompletion(context.Background(), baseRequest())
	_ = requireProviderError(t, err, 529)
}

func TestCreateEmbeddingNotSupported(t *testing.T) {
	a := New("key")
	_, err := a.CreateEmbedding(context.Background(), &providers.EmbeddingRequest{
		Model: "claude-3-5-sonnet",
		Input: []string{"x"},
	})
	_ = requireProviderError(t, err, http.StatusNotImplemented)
}

func TestIsAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": "claude-3-5-sonnet", "type": "model"},
			},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	if err := a.IsAvailable(context.Background()); err != nil {
		t.Fatalf("unexpected probe error: %v", err)
	}
}
