// Package cohere adapts the Cohere v2 chat API to the canonical provider
// interface. Cohere streams typed SSE events instead of OpenAI-style chunks;
// content-delta events carry text, message-end carries the finish reason and
// token usage.
package cohere

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelrelay/gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.cohere.com"
	providerName   = "cohere"
)

var catalog = []providers.ModelDescriptor{
	chatModel("command-r-plus", "Command R+", 0.0025, 0.01, 0.85),
	chatModel("command-r", "Command R", 0.00015, 0.0006, 0.75),
	{
		ID:                   providers.CanonicalID(providerName, "command-light"),
		DisplayName:          "Command Light",
		Provider:             providerName,
		ProviderModelID:      "command-light",
		ContextWindow:        providers.ContextWindowFor("command-light"),
		Capabilities:         []string{providers.CapCompletions, providers.CapStreaming},
		PromptPricePer1K:     0.0003,
		CompletionPricePer1K: 0.0006,
		QualityScore:         0.6,
		Active:               true,
	},
	{
		ID:               providers.CanonicalID(providerName, "embed-english-v3.0"),
		DisplayName:      "Embed English v3",
		Provider:         providerName,
		ProviderModelID:  "embed-english-v3.0",
		ContextWindow:    512,
		Capabilities:     []string{providers.CapEmbeddings},
		PromptPricePer1K: 0.0001,
		Active:           true,
	},
}

func chatModel(id, name string, prompt, completion, quality float64) providers.ModelDescriptor {
	return providers.ModelDescriptor{
		ID:                   providers.CanonicalID(providerName, id),
		DisplayName:          name,
		Provider:             providerName,
		ProviderModelID:      id,
		ContextWindow:        providers.ContextWindowFor(id),
		Capabilities:         []string{providers.CapCompletions, providers.CapStreaming, providers.CapToolCalling},
		PromptPricePer1K:     prompt,
		CompletionPricePer1K: completion,
		QualityScore:         quality,
		Active:               true,
	}
}

type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	Stream        bool          `json:"stream,omitempty"`
	Temperature   float64       `json:"temperature,omitempty"`
	P             float64       `json:"p,omitempty"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Tools         []wireTool    `json:"tools,omitempty"`
	ToolChoice    string        `json:"tool_choice,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	ID           string       `json:"id"`
	FinishReason string       `json:"finish_reason"`
	Message      *respMessage `json:"message"`
	Usage        *respUsage   `json:"usage"`
}

type respMessage struct {
	Role      string         `json:"role"`
	Content   []contentItem  `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type respUsage struct {
	Tokens struct {
		InputTokens  float64 `json:"input_tokens"`
		OutputTokens float64 `json:"output_tokens"`
	} `json:"tokens"`
}

// streamEvent is one typed v2 SSE event.
type streamEvent struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Delta *struct {
		Message *struct {
			Content   *contentItem  `json:"content"`
			ToolCalls *wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string     `json:"finish_reason"`
		Usage        *respUsage `json:"usage"`
	} `json:"delta"`
}

type apiErr struct {
	Message string `json:"message"`
}

type embedRequest struct {
	Model          string   `json:"model"`
	Texts          []string `json:"texts"`
	InputType      string   `json:"input_type"`
	EmbeddingTypes []string `json:"embedding_types"`
}

type embedResponse struct {
	Embeddings struct {
		Float [][]float32 `json:"float"`
	} `json:"embeddings"`
	Meta struct {
		BilledUnits struct {
			InputTokens float64 `json:"input_tokens"`
		} `json:"billed_units"`
	} `json:"meta"`
}

// Adapter implements providers.Adapter for Cohere.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// Option configures the Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(url, "/") }
}

// WithTimeout overrides the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// New creates a Cohere adapter.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: providers.StreamDeadline},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelDescriptor, error) {
	out := make([]providers.ModelDescriptor, len(catalog))
	copy(out, catalog)
	return out, nil
}

func (a *Adapter) GetModel(ctx context.Context, providerModelID string) (*providers.ModelDescriptor, error) {
	for i := range catalog {
		if catalog[i].ProviderModelID == providerModelID {
			m := catalog[i]
			return &m, nil
		}
	}
	return nil, &providers.Error{
		Provider:   providerName,
		StatusCode: http.StatusNotFound,
		Message:    "unknown model " + providerModelID,
	}
}

func (a *Adapter) IsAvailable(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/models?page_size=1", nil)
	if err != nil {
		return fmt.Errorf("cohere: probe: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("cohere: probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &providers.Error{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("probe returned status %d", resp.StatusCode),
		}
	}
	return nil
}

func (a *Adapter) CreateCompletion(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	resp, err := a.postChat(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("cohere: decode response: %w", err)
	}

	var sb strings.Builder
	msg := providers.Message{Role: providers.RoleAssistant}
	if cr.Message != nil {
		for _, c := range cr.Message.Content {
			if c.Type == "text" {
				sb.WriteString(c.Text)
			}
		}
		for _, wc := range cr.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, fromWireToolCall(wc))
		}
	}
	msg.Content = sb.String()

	out := &providers.CompletionResponse{
		ID:       cr.ID,
		Model:    req.Model,
		Provider: providerName,
		Choices: []providers.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: finishReason(cr.FinishReason),
		}},
	}
	if cr.Usage != nil {
		prompt := int(cr.Usage.Tokens.InputTokens)
		completion := int(cr.Usage.Tokens.OutputTokens)
		out.Usage = providers.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		}
	}
	return out, nil
}

func (a *Adapter) CreateCompletionStream(ctx context.Context, req *providers.CompletionRequest) (<-chan providers.StreamEvent, error) {
	resp, err := a.postChat(ctx, req, true)
	if err != nil {
		return nil, err
	}

	events := make(chan providers.StreamEvent, 16)
	go func() {
		defer resp.Body.Close()
		defer close(events)

		var id string
		send := func(ev providers.StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			if ev.ID != "" {
				id = ev.ID
			}

			switch ev.Type {
			case "content-delta":
				if ev.Delta == nil || ev.Delta.Message == nil || ev.Delta.Message.Content == nil {
					continue
				}
				text := ev.Delta.Message.Content.Text
				if text == "" {
					continue
				}
				if !send(providers.StreamEvent{Chunk: &providers.CompletionChunk{
					ID:       id,
					Model:    req.Model,
					Provider: providerName,
					Choices: []providers.ChunkChoice{{
						Delta: providers.Delta{Content: text},
					}},
				}}) {
					return
				}
			case "tool-call-start", "tool-call-delta":
				if ev.Delta == nil || ev.Delta.Message == nil || ev.Delta.Message.ToolCalls == nil {
					continue
				}
				if !send(providers.StreamEvent{Chunk: &providers.CompletionChunk{
					ID:       id,
					Model:    req.Model,
					Provider: providerName,
					Choices: []providers.ChunkChoice{{
						Delta: providers.Delta{
							ToolCalls: []providers.ToolCall{fromWireToolCall(*ev.Delta.Message.ToolCalls)},
						},
					}},
				}}) {
					return
				}
			case "message-end":
				chunk := &providers.CompletionChunk{
					ID:       id,
					Model:    req.Model,
					Provider: providerName,
				}
				finish := ""
				if ev.Delta != nil {
					finish = finishReason(ev.Delta.FinishReason)
					if ev.Delta.Usage != nil {
						prompt := int(ev.Delta.Usage.Tokens.InputTokens)
						completion := int(ev.Delta.Usage.Tokens.OutputTokens)
						chunk.Usage = &providers.Usage{
							PromptTokens:     prompt,
							CompletionTokens: completion,
							TotalTokens:      prompt + completion,
						}
					}
				}
				chunk.Choices = []providers.ChunkChoice{{FinishReason: finish}}
				send(providers.StreamEvent{Chunk: chunk})
				return
			}
		}
		if err := scanner.Err(); err != nil {
			send(providers.StreamEvent{Err: fmt.Errorf("cohere: stream read: %w", err)})
		}
	}()

	return events, nil
}

func (a *Adapter) CreateEmbedding(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	body, err := json.Marshal(embedRequest{
		Model:          req.Model,
		Texts:          req.Input,
		InputType:      "search_document",
		EmbeddingTypes: []string{"float"},
	})
	if err != nil {
		return nil, fmt.Errorf("cohere: embed: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v2/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cohere: embed: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cohere: embed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.parseError(resp)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("cohere: embed: decode response: %w", err)
	}

	data := make([]providers.EmbeddingData, len(er.Embeddings.Float))
	for i, vec := range er.Embeddings.Float {
		data[i] = providers.EmbeddingData{Index: i, Embedding: vec}
	}

	prompt := int(er.Meta.BilledUnits.InputTokens)
	return &providers.EmbeddingResponse{
		Model:    req.Model,
		Provider: providerName,
		Data:     data,
		Usage: providers.Usage{
			PromptTokens: prompt,
			TotalTokens:  prompt,
		},
	}, nil
}

func (a *Adapter) postChat(ctx context.Context, req *providers.CompletionRequest, stream bool) (*http.Response, error) {
	msgs := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		cm := chatMessage{Role: m.Role, Content: m.Content}
		if m.Role == providers.RoleTool {
			cm.ToolCallID = m.ToolCallID
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, toWireToolCall(tc))
		}
		msgs = append(msgs, cm)
	}

	cr := chatRequest{
		Model:         req.Model,
		Messages:      msgs,
		Stream:        stream,
		Temperature:   req.Temperature,
		P:             req.TopP,
		MaxTokens:     req.MaxTokens,
		StopSequences: req.Stop,
	}
	for _, t := range req.Tools {
		cr.Tools = append(cr.Tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	// The v2 API only distinguishes forced and suppressed tool use; a named
	// function choice degrades to the model's own judgement.
	switch strings.ToLower(req.ToolChoice) {
	case "required":
		cr.ToolChoice = "REQUIRED"
	case "none":
		cr.ToolChoice = "NONE"
	}
	body, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("cohere: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v2/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cohere: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cohere: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, a.parseError(resp)
	}
	return resp, nil
}

func toWireToolCall(tc providers.ToolCall) wireToolCall {
	wc := wireToolCall{ID: tc.ID, Type: "function"}
	wc.Function.Name = tc.Function.Name
	wc.Function.Arguments = tc.Function.Arguments
	return wc
}

func fromWireToolCall(wc wireToolCall) providers.ToolCall {
	return providers.ToolCall{
		ID:   wc.ID,
		Type: "function",
		Function: providers.FunctionCall{
			Name:      wc.Function.Name,
			Arguments: wc.Function.Arguments,
		},
	}
}

func finishReason(r string) string {
	switch r {
	case "COMPLETE", "STOP_SEQUENCE":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "TOOL_CALL":
		return "tool_calls"
	case "":
		return ""
	default:
		return strings.ToLower(r)
	}
}

func (a *Adapter) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var ae apiErr
	if json.Unmarshal(body, &ae) == nil && ae.Message != "" {
		return &providers.Error{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Message:    ae.Message,
		}
	}
	return &providers.Error{
		Provider:   providerName,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
	}
}
