// Package huggingface adapts the Hugging Face inference router to the
// canonical provider interface. The router speaks the OpenAI-compatible chat
// wire format with Bearer auth; provider-native model ids are full hub repo
// ids like "meta-llama/Llama-3.1-8B-Instruct".
package huggingface

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
	defaultBaseURL = "https://router.huggingface.co/v1"
	providerName   = "huggingface"
)

var catalog = []providers.ModelDescriptor{
	chatModel("meta-llama/Llama-3.1-8B-Instruct", "Llama 3.1 8B Instruct", 131_072, 0.0002, 0.0002, 0.68),
	chatModel("meta-llama/Llama-3.1-70B-Instruct", "Llama 3.1 70B Instruct", 131_072, 0.0009, 0.0009, 0.82),
	chatModel("mistralai/Mistral-7B-Instruct-v0.3", "Mistral 7B Instruct", 32_768, 0.0002, 0.0002, 0.62),
	chatModel("Qwen/Qwen2.5-72B-Instruct", "Qwen 2.5 72B Instruct", 131_072, 0.0009, 0.0009, 0.8),
}

func chatModel(id, name string, window int, prompt, completion, quality float64) providers.ModelDescriptor {
	return providers.ModelDescriptor{
		ID:                   providers.CanonicalID(providerName, id),
		DisplayName:          name,
		Provider:             providerName,
		ProviderModelID:      id,
		ContextWindow:        window,
		Capabilities:         []string{providers.CapCompletions, providers.CapStreaming},
		PromptPricePer1K:     prompt,
		CompletionPricePer1K: completion,
		QualityScore:         quality,
		Active:               true,
	}
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	Temperature   float64        `json:"temperature,omitempty"`
	TopP          float64        `json:"top_p,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string     `json:"id"`
	Created int64      `json:"created"`
	Model   string     `json:"model"`
	Choices []choice   `json:"choices"`
	Usage   *wireUsage `json:"usage"`
	Error   *apiErr    `json:"error,omitempty"`
}

type choice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
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
}

// Adapter implements providers.Adapter for the Hugging Face router.
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

// New creates a Hugging Face adapter.
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
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("huggingface: probe: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("huggingface: probe: %w", err)
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
		return nil, fmt.Errorf("huggingface: decode response: %w", err)
	}

	choices := make([]providers.Choice, 0, len(cr.Choices))
	for _, c := range cr.Choices {
		msg := providers.Message{Role: providers.RoleAssistant}
		if c.Message != nil {
			msg.Content = c.Message.Content
		}
		choices = append(choices, providers.Choice{
			Index:        c.Index,
			Message:      msg,
			FinishReason: c.FinishReason,
		})
	}

	out := &providers.CompletionResponse{
		ID:       cr.ID,
		Created:  cr.Created,
		Model:    cr.Model,
		Provider: providerName,
		Choices:  choices,
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
	resp, err := a.postChat(ctx, req, true)
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
					cc.Delta = providers.Delta{Role: c.Delta.Role, Content: c.Delta.Content}
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
			send(providers.StreamEvent{Err: fmt.Errorf("huggingface: stream read: %w", err)})
		}
	}()

	return events, nil
}

// CreateEmbedding is not supported through the chat router.
func (a *Adapter) CreateEmbedding(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	return nil, &providers.Error{
		Provider:   providerName,
		StatusCode: http.StatusNotImplemented,
		Message:    "embeddings are not supported",
	}
}

func (a *Adapter) postChat(ctx context.Context, req *providers.CompletionRequest, stream bool) (*http.Response, error) {
	msgs := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role == providers.RoleTool {
			role = providers.RoleUser
		}
		msgs = append(msgs, chatMessage{Role: role, Content: m.Content})
	}

	cr := chatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}
	if stream {
		cr.Stream = true
		cr.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("huggingface: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("huggingface: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("huggingface: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, a.parseError(resp)
	}
	return resp, nil
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
