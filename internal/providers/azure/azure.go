// Package azure adapts Azure OpenAI to the canonical provider interface.
// Azure uses deployment-based URLs and the "api-key" header instead of the
// standard "Authorization: Bearer" scheme; the wire format itself is
// OpenAI-compatible. The provider-native model id doubles as the deployment
// name.
//
// Required configuration:
//   - AZURE_OPENAI_ENDPOINT    — e.g. "https://myresource.openai.azure.com"
//   - AZURE_OPENAI_API_KEY     — your Azure OpenAI resource key
//   - AZURE_OPENAI_API_VERSION — API version, e.g. "2024-12-01-preview"
package azure

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

const providerName = "azure"

var catalog = []providers.ModelDescriptor{
	chatModel("gpt-4o", "GPT-4o (Azure)", 0.0025, 0.01, 0.9),
	chatModel("gpt-4o-mini", "GPT-4o mini (Azure)", 0.00015, 0.0006, 0.78),
	chatModel("gpt-35-turbo", "GPT-3.5 Turbo (Azure)", 0.0005, 0.0015, 0.7),
	{
		ID:               providers.CanonicalID(providerName, "text-embedding-3-small"),
		DisplayName:      "Text Embedding 3 Small (Azure)",
		Provider:         providerName,
		ProviderModelID:  "text-embedding-3-small",
		ContextWindow:    8_191,
		Capabilities:     []string{providers.CapEmbeddings},
		PromptPricePer1K: 0.00002,
		Active:           true,
	},
}

func chatModel(id, name string, prompt, completion, quality float64) providers.ModelDescriptor {
	window := providers.ContextWindowFor(strings.Replace(id, "gpt-35", "gpt-3.5", 1))
	return providers.ModelDescriptor{
		ID:                   providers.CanonicalID(providerName, id),
		DisplayName:          name,
		Provider:             providerName,
		ProviderModelID:      id,
		ContextWindow:        window,
		Capabilities:         []string{providers.CapCompletions, providers.CapStreaming, providers.CapToolCalling},
		PromptPricePer1K:     prompt,
		CompletionPricePer1K: completion,
		QualityScore:         quality,
		Active:               true,
	}
}

type chatRequest struct {
	Messages         []wireMessage      `json:"messages"`
	Stream           bool               `json:"stream,omitempty"`
	StreamOptions    *streamOptions     `json:"stream_options,omitempty"`
	Temperature      float64            `json:"temperature,omitempty"`
	TopP             float64            `json:"top_p,omitempty"`
	N                int                `json:"n,omitempty"`
	MaxTokens        int                `json:"max_tokens,omitempty"`
	PresencePenalty  float64            `json:"presence_penalty,omitempty"`
	FrequencyPenalty float64            `json:"frequency_penalty,omitempty"`
	LogitBias        map[string]float64 `json:"logit_bias,omitempty"`
	Stop             []string           `json:"stop,omitempty"`
	Tools            []providers.Tool   `json:"tools,omitempty"`
	ToolChoice       string             `json:"tool_choice,omitempty"`
	User             string             `json:"user,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireMessage struct {
	Role       string               `json:"role"`
	Content    string               `json:"content"`
	Name       string               `json:"name,omitempty"`
	ToolCalls  []providers.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
}

type chatResponse struct {
	ID                string     `json:"id"`
	Created           int64      `json:"created"`
	Model             string     `json:"model"`
	SystemFingerprint string     `json:"system_fingerprint"`
	Choices           []choice   `json:"choices"`
	Usage             *wireUsage `json:"usage"`
	Error             *apiErr    `json:"error,omitempty"`
}

type choice struct {
	Index        int          `json:"index"`
	Message      *wireMessage `json:"message,omitempty"`
	Delta        *wireMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type embeddingRequest struct {
	Input []string `json:"input"`
	User  string   `json:"user,omitempty"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embeddingResponse struct {
	Model string          `json:"model"`
	Data  []embeddingData `json:"data"`
	Usage *wireUsage      `json:"usage"`
	Error *apiErr         `json:"error,omitempty"`
}

// Adapter implements providers.Adapter for Azure OpenAI.
type Adapter struct {
	endpoint   string
	apiKey     string
	apiVersion string
	client     *http.Client
}

// Option configures the Adapter.
type Option func(*Adapter)

// WithTimeout overrides the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// New creates an Azure OpenAI adapter.
func New(endpoint, apiKey, apiVersion string, opts ...Option) *Adapter {
	a := &Adapter{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		apiVersion: apiVersion,
		client:     &http.Client{Timeout: providers.StreamDeadline},
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
	url := fmt.Sprintf("%s/openai/models?api-version=%s", a.endpoint, a.apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("azure: probe: %w", err)
	}
	req.Header.Set("api-key", a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("azure: probe: %w", err)
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
	resp, err := a.postCompletions(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("azure: decode response: %w", err)
	}

	choices := make([]providers.Choice, 0, len(cr.Choices))
	for _, c := range cr.Choices {
		msg := providers.Message{Role: providers.RoleAssistant}
		if c.Message != nil {
			msg.Content = c.Message.Content
			msg.ToolCalls = c.Message.ToolCalls
		}
		choices = append(choices, providers.Choice{
			Index:        c.Index,
			Message:      msg,
			FinishReason: c.FinishReason,
		})
	}

	out := &providers.CompletionResponse{
		ID:                cr.ID,
		Created:           cr.Created,
		Model:             cr.Model,
		Provider:          providerName,
		Choices:           choices,
		SystemFingerprint: cr.SystemFingerprint,
	}
	if cr.Usage != nil {
		out.Usage = providers.Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		}
	}
	return out, nil
}

func (a *Adapter) CreateCompletionStream(ctx context.Context, req *providers.CompletionRequest) (<-chan providers.StreamEvent, error) {
	resp, err := a.postCompletions(ctx, req, true)
	if err != nil {
		return nil, err
	}

	events := make(chan providers.StreamEvent, 16)
	go func() {
		defer resp.Body.Close()
		defer close(events)

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

			var cr chatResponse
			if err := json.Unmarshal([]byte(data), &cr); err != nil {
				continue
			}

			chunk := &providers.CompletionChunk{
				ID:       cr.ID,
				Created:  cr.Created,
				Model:    cr.Model,
				Provider: providerName,
			}
			for _, c := range cr.Choices {
				cc := providers.ChunkChoice{Index: c.Index, FinishReason: c.FinishReason}
				if c.Delta != nil {
					cc.Delta = providers.Delta{
						Role:      c.Delta.Role,
						Content:   c.Delta.Content,
						ToolCalls: c.Delta.ToolCalls,
					}
				}
				chunk.Choices = append(chunk.Choices, cc)
			}
			if cr.Usage != nil && cr.Usage.TotalTokens > 0 {
				chunk.Usage = &providers.Usage{
					PromptTokens:     cr.Usage.PromptTokens,
					CompletionTokens: cr.Usage.CompletionTokens,
					TotalTokens:      cr.Usage.TotalTokens,
				}
			}
			if len(chunk.Choices) == 0 && chunk.Usage == nil {
				continue
			}
			if !send(providers.StreamEvent{Chunk: chunk}) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			send(providers.StreamEvent{Err: fmt.Errorf("azure: stream read: %w", err)})
		}
	}()

	return events, nil
}

func (a *Adapter) CreateEmbedding(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	body, err := json.Marshal(embeddingRequest{Input: req.Input, User: req.UserID})
	if err != nil {
		return nil, fmt.Errorf("azure: embed: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
		a.endpoint, req.Model, a.apiVersion)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("azure: embed: %w", err)
	}
	httpReq.Header.Set("api-key", a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("azure: embed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.parseError(resp)
	}

	var er embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("azure: embed: decode response: %w", err)
	}

	data := make([]providers.EmbeddingData, len(er.Data))
	for i, d := range er.Data {
		data[i] = providers.EmbeddingData{Index: d.Index, Embedding: d.Embedding}
	}

	out := &providers.EmbeddingResponse{
		Model:    er.Model,
		Provider: providerName,
		Data:     data,
	}
	if er.Usage != nil {
		out.Usage = providers.Usage{
			PromptTokens: er.Usage.PromptTokens,
			TotalTokens:  er.Usage.TotalTokens,
		}
	}
	return out, nil
}

// postCompletions issues the chat request and returns the response with a
// still-open body on 2xx; non-2xx responses are drained into an error.
func (a *Adapter) postCompletions(ctx context.Context, req *providers.CompletionRequest, stream bool) (*http.Response, error) {
	cr := chatRequest{
		Messages:         toWireMessages(req.Messages),
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		N:                req.N,
		MaxTokens:        req.MaxTokens,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		LogitBias:        req.LogitBias,
		Stop:             req.Stop,
		Tools:            req.Tools,
		ToolChoice:       req.ToolChoice,
		User:             req.UserID,
	}
	if stream {
		cr.Stream = true
		cr.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("azure: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		a.endpoint, req.Model, a.apiVersion)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	httpReq.Header.Set("api-key", a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, a.parseError(resp)
	}
	return resp, nil
}

func toWireMessages(msgs []providers.Message) []wireMessage {
	out := make([]wireMessage, len(msgs))
	for i, m := range msgs {
		out[i] = wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		}
	}
	return out
}

func (a *Adapter) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var cr chatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil {
		return &providers.Error{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Message:    cr.Error.Message,
		}
	}
	return &providers.Error{
		Provider:   providerName,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
	}
}
