// Package openai adapts the OpenAI Chat Completions and Embeddings APIs to
// the canonical provider interface.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelrelay/gateway/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const providerName = "openai"

// catalog lists the models this adapter serves. Context windows come from the
// shared table; prices are USD per 1k tokens.
var catalog = []providers.ModelDescriptor{
	chatModel("gpt-4o", "GPT-4o", 0.0025, 0.01, 0.92, providers.CapVision, providers.CapToolCalling),
	chatModel("gpt-4o-mini", "GPT-4o mini", 0.00015, 0.0006, 0.82, providers.CapVision, providers.CapToolCalling),
	chatModel("gpt-4-turbo", "GPT-4 Turbo", 0.01, 0.03, 0.9, providers.CapToolCalling),
	chatModel("gpt-3.5-turbo", "GPT-3.5 Turbo", 0.0005, 0.0015, 0.72, providers.CapToolCalling),
	chatModel("o1", "o1", 0.015, 0.06, 0.95, providers.CapToolCalling),
	chatModel("o3-mini", "o3 mini", 0.0011, 0.0044, 0.88, providers.CapToolCalling),
	embeddingModel("text-embedding-3-small", "Text Embedding 3 Small", 0.00002),
	embeddingModel("text-embedding-3-large", "Text Embedding 3 Large", 0.00013),
}

func chatModel(id, name string, prompt, completion, quality float64, extra ...string) providers.ModelDescriptor {
	caps := append([]string{providers.CapCompletions, providers.CapStreaming}, extra...)
	return providers.ModelDescriptor{
		ID:                   providers.CanonicalID(providerName, id),
		DisplayName:          name,
		Provider:             providerName,
		ProviderModelID:      id,
		ContextWindow:        providers.ContextWindowFor(id),
		Capabilities:         caps,
		PromptPricePer1K:     prompt,
		CompletionPricePer1K: completion,
		QualityScore:         quality,
		Active:               true,
	}
}

func embeddingModel(id, name string, prompt float64) providers.ModelDescriptor {
	return providers.ModelDescriptor{
		ID:               providers.CanonicalID(providerName, id),
		DisplayName:      name,
		Provider:         providerName,
		ProviderModelID:  id,
		ContextWindow:    8_192,
		Capabilities:     []string{providers.CapEmbeddings},
		PromptPricePer1K: prompt,
		Active:           true,
	}
}

// Adapter implements providers.Adapter over the official SDK.
type Adapter struct {
	client openaiSDK.Client
}

// Option customizes an Adapter.
type Option func(*settings)

type settings struct {
	baseURL string
	timeout time.Duration
	orgID   string
}

// WithBaseURL points the adapter at a compatible endpoint (proxies, tests).
func WithBaseURL(u string) Option {
	return func(s *settings) { s.baseURL = u }
}

// WithTimeout overrides the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithOrgID sets the OpenAI-Organization header.
func WithOrgID(id string) Option {
	return func(s *settings) { s.orgID = id }
}

// New builds the adapter. apiKey must be non-empty.
func New(apiKey string, opts ...Option) *Adapter {
	s := settings{timeout: providers.StreamDeadline}
	for _, o := range opts {
		o(&s)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: s.timeout}),
	}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	if s.orgID != "" {
		reqOpts = append(reqOpts, option.WithOrganization(s.orgID))
	}
	return &Adapter{client: openaiSDK.NewClient(reqOpts...)}
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) ListModels(context.Context) ([]providers.ModelDescriptor, error) {
	out := make([]providers.ModelDescriptor, len(catalog))
	copy(out, catalog)
	return out, nil
}

func (a *Adapter) GetModel(_ context.Context, providerModelID string) (*providers.ModelDescriptor, error) {
	for _, m := range catalog {
		if m.ProviderModelID == providerModelID {
			d := m
			return &d, nil
		}
	}
	return nil, &providers.Error{Provider: providerName, StatusCode: 404,
		Message: fmt.Sprintf("unknown model %q", providerModelID)}
}

func (a *Adapter) IsAvailable(ctx context.Context) error {
	if _, err := a.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai: probe: %w", toProviderError(err))
	}
	return nil
}

// FineTuneStatus reports the state of a fine-tuning job, normalized to the
// gateway's status vocabulary.
func (a *Adapter) FineTuneStatus(ctx context.Context, jobID string) (string, string, error) {
	job, err := a.client.FineTuning.Jobs.Get(ctx, jobID)
	if err != nil {
		return "", "", toProviderError(err)
	}

	status := string(job.Status)
	switch status {
	case "validating_files", "queued":
		status = "queued"
	case "running":
		status = "running"
	case "succeeded", "failed", "cancelled":
	default:
		status = "running"
	}
	return status, job.FineTunedModel, nil
}

func (a *Adapter) CreateCompletion(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	params, opts := buildChatParams(req)

	resp, err := a.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	choices := make([]providers.Choice, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		choices = append(choices, providers.Choice{
			Index: int(c.Index),
			Message: providers.Message{
				Role:      providers.RoleAssistant,
				Content:   c.Message.Content,
				ToolCalls: fromSDKToolCalls(c.Message.ToolCalls),
			},
			FinishReason: c.FinishReason,
		})
	}

	return &providers.CompletionResponse{
		ID:      resp.ID,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: choices,
		Usage: providers.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		SystemFingerprint: resp.SystemFingerprint,
	}, nil
}

func (a *Adapter) CreateCompletionStream(ctx context.Context, req *providers.CompletionRequest) (<-chan providers.StreamEvent, error) {
	params, opts := buildChatParams(req)
	params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{
		IncludeUsage: openaiSDK.Bool(true),
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params, opts...)
	if err := stream.Err(); err != nil {
		return nil, toProviderError(err)
	}

	ch := make(chan providers.StreamEvent, 64)
	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			raw := stream.Current()
			chunk := &providers.CompletionChunk{
				ID:      raw.ID,
				Created: raw.Created,
				Model:   raw.Model,
			}
			for _, c := range raw.Choices {
				chunk.Choices = append(chunk.Choices, providers.ChunkChoice{
					Index: int(c.Index),
					Delta: providers.Delta{
						Role:      c.Delta.Role,
						Content:   c.Delta.Content,
						ToolCalls: fromSDKDeltaToolCalls(c.Delta.ToolCalls),
					},
					FinishReason: c.FinishReason,
				})
			}
			if raw.Usage.TotalTokens > 0 {
				chunk.Usage = &providers.Usage{
					PromptTokens:     int(raw.Usage.PromptTokens),
					CompletionTokens: int(raw.Usage.CompletionTokens),
					TotalTokens:      int(raw.Usage.TotalTokens),
				}
			}
			if len(chunk.Choices) == 0 && chunk.Usage == nil {
				continue
			}
			select {
			case ch <- providers.StreamEvent{Chunk: chunk}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			ch <- providers.StreamEvent{Err: toProviderError(err)}
		}
	}()
	return ch, nil
}

func (a *Adapter) CreateEmbedding(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	resp, err := a.client.Embeddings.New(ctx, openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	})
	if err != nil {
		return nil, toProviderError(err)
	}

	data := make([]providers.EmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		data[i] = providers.EmbeddingData{Index: int(d.Index), Embedding: vec}
	}

	return &providers.EmbeddingResponse{
		Model: resp.Model,
		Data:  data,
		Usage: providers.Usage{
			PromptTokens: int(resp.Usage.PromptTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}, nil
}

// buildChatParams translates the canonical request into SDK params. Tools and
// stop sequences are injected as raw JSON because the canonical shapes match
// the OpenAI wire format exactly.
func buildChatParams(req *providers.CompletionRequest) (openaiSDK.ChatCompletionNewParams, []option.RequestOption) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    openaiSDK.ChatModel(req.Model),
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.TopP != 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if req.N > 1 {
		params.N = openaiSDK.Int(int64(req.N))
	}
	if req.PresencePenalty != 0 {
		params.PresencePenalty = openaiSDK.Float(req.PresencePenalty)
	}
	if req.FrequencyPenalty != 0 {
		params.FrequencyPenalty = openaiSDK.Float(req.FrequencyPenalty)
	}
	if req.UserID != "" {
		params.User = openaiSDK.String(req.UserID)
	}

	var opts []option.RequestOption
	if len(req.Stop) > 0 {
		opts = append(opts, option.WithJSONSet("stop", req.Stop))
	}
	if len(req.Tools) > 0 {
		opts = append(opts, option.WithJSONSet("tools", wireTools(req.Tools)))
	}
	if req.ToolChoice != "" {
		opts = append(opts, option.WithJSONSet("tool_choice", req.ToolChoice))
	}
	if len(req.LogitBias) > 0 {
		opts = append(opts, option.WithJSONSet("logit_bias", req.LogitBias))
	}
	return params, opts
}

// wireTools emits the OpenAI tools array from the canonical tool list.
func wireTools(tools []providers.Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		fn := map[string]any{"name": t.Function.Name}
		if t.Function.Description != "" {
			fn["description"] = t.Function.Description
		}
		if t.Function.Parameters != nil {
			fn["parameters"] = t.Function.Parameters
		}
		out = append(out, map[string]any{"type": "function", "function": fn})
	}
	return out
}

func toSDKMessage(m providers.Message) openaiSDK.ChatCompletionMessageParamUnion {
	switch m.Role {
	case providers.RoleSystem:
		return openaiSDK.SystemMessage(m.Content)
	case providers.RoleAssistant:
		return openaiSDK.AssistantMessage(m.Content)
	case providers.RoleTool:
		return openaiSDK.ToolMessage(m.Content, m.ToolCallID)
	default:
		return openaiSDK.UserMessage(m.Content)
	}
}

func fromSDKToolCalls(calls []openaiSDK.ChatCompletionMessageToolCallUnion) []providers.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]providers.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, providers.ToolCall{
			ID:   c.ID,
			Type: "function",
			Function: providers.FunctionCall{
				Name:      c.Function.Name,
				Arguments: c.Function.Arguments,
			},
		})
	}
	return out
}

func fromSDKDeltaToolCalls(calls []openaiSDK.ChatCompletionChunkChoiceDeltaToolCall) []providers.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]providers.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, providers.ToolCall{
			ID:   c.ID,
			Type: "function",
			Function: providers.FunctionCall{
				Name:      c.Function.Name,
				Arguments: c.Function.Arguments,
			},
		})
	}
	return out
}

func toProviderError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return &providers.Error{
			Provider:   providerName,
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
		}
	}
	return err
}
