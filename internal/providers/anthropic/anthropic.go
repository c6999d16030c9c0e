// Package anthropic adapts the Anthropic Messages API (official SDK) to the
// canonical provider interface. System messages are lifted into the top-level
// system field, tool calls map to tool_use / tool_result content blocks.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/modelrelay/gateway/internal/providers"
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

var catalog = []providers.ModelDescriptor{
	chatModel("claude-3-opus", "Claude 3 Opus", 0.015, 0.075, 0.95, providers.CapVision),
	chatModel("claude-3-5-sonnet", "Claude 3.5 Sonnet", 0.003, 0.015, 0.93, providers.CapVision),
	chatModel("claude-3-5-haiku", "Claude 3.5 Haiku", 0.0008, 0.004, 0.82),
	chatModel("claude-3-haiku", "Claude 3 Haiku", 0.00025, 0.00125, 0.78),
}

func chatModel(id, name string, prompt, completion, quality float64, extra ...string) providers.ModelDescriptor {
	caps := append([]string{providers.CapCompletions, providers.CapStreaming, providers.CapToolCalling}, extra...)
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

// Adapter implements providers.Adapter for Anthropic.
type Adapter struct {
	client anthropicSDK.Client
}

type settings struct {
	baseURL string
	timeout time.Duration
}

// Option configures the Adapter.
type Option func(*settings)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithTimeout overrides the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// New creates an Anthropic adapter.
func New(apiKey string, opts ...Option) *Adapter {
	s := settings{timeout: providers.StreamDeadline}
	for _, o := range opts {
		o(&s)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: s.timeout}),
	}
	if s.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(s.baseURL))
	}

	return &Adapter{client: anthropicSDK.NewClient(clientOpts...)}
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
	_, err := a.client.Models.List(ctx, anthropicSDK.ModelListParams{
		Limit: anthropicSDK.Int(1),
	})
	if err != nil {
		return toProviderError(err)
	}
	return nil
}

func (a *Adapter) CreateCompletion(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	params, opts := buildParams(req)

	msg, err := a.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	var toolCalls []providers.ToolCall
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		case anthropicSDK.ToolUseBlock:
			args, _ := json.Marshal(v.Input)
			toolCalls = append(toolCalls, providers.ToolCall{
				ID:   v.ID,
				Type: "function",
				Function: providers.FunctionCall{
					Name:      v.Name,
					Arguments: string(args),
				},
			})
		}
	}

	usage := providers.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}

	return &providers.CompletionResponse{
		ID:       msg.ID,
		Model:    string(msg.Model),
		Provider: providerName,
		Choices: []providers.Choice{{
			Index: 0,
			Message: providers.Message{
				Role:      providers.RoleAssistant,
				Content:   sb.String(),
				ToolCalls: toolCalls,
			},
			FinishReason: finishReason(string(msg.StopReason)),
		}},
		Usage: usage,
	}, nil
}

func (a *Adapter) CreateCompletionStream(ctx context.Context, req *providers.CompletionRequest) (<-chan providers.StreamEvent, error) {
	params, opts := buildParams(req)

	stream := a.client.Messages.NewStreaming(ctx, params, opts...)
	if err := stream.Err(); err != nil {
		return nil, toProviderError(err)
	}

	events := make(chan providers.StreamEvent, 16)
	go func() {
		defer close(events)
		defer stream.Close()

		var (
			id           string
			model        string
			promptTokens int
		)
		send := func(ev providers.StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		chunk := func(choices []providers.ChunkChoice, usage *providers.Usage) *providers.CompletionChunk {
			return &providers.CompletionChunk{
				ID:       id,
				Model:    model,
				Provider: providerName,
				Choices:  choices,
				Usage:    usage,
			}
		}

		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case anthropicSDK.MessageStartEvent:
				id = ev.Message.ID
				model = string(ev.Message.Model)
				promptTokens = int(ev.Message.Usage.InputTokens)

			case anthropicSDK.ContentBlockDeltaEvent:
				switch d := ev.Delta.AsAny().(type) {
				case anthropicSDK.TextDelta:
					if d.Text == "" {
						continue
					}
					if !send(providers.StreamEvent{Chunk: chunk([]providers.ChunkChoice{{
						Delta: providers.Delta{Content: d.Text},
					}}, nil)}) {
						return
					}
				case anthropicSDK.InputJSONDelta:
					if d.PartialJSON == "" {
						continue
					}
					if !send(providers.StreamEvent{Chunk: chunk([]providers.ChunkChoice{{
						Delta: providers.Delta{ToolCalls: []providers.ToolCall{{
							Function: providers.FunctionCall{Arguments: d.PartialJSON},
						}}},
					}}, nil)}) {
						return
					}
				}

			case anthropicSDK.ContentBlockStartEvent:
				if tu, ok := ev.ContentBlock.AsAny().(anthropicSDK.ToolUseBlock); ok {
					if !send(providers.StreamEvent{Chunk: chunk([]providers.ChunkChoice{{
						Delta: providers.Delta{ToolCalls: []providers.ToolCall{{
							ID:       tu.ID,
							Type:     "function",
							Function: providers.FunctionCall{Name: tu.Name},
						}}},
					}}, nil)}) {
						return
					}
				}

			case anthropicSDK.MessageDeltaEvent:
				completion := int(ev.Usage.OutputTokens)
				usage := &providers.Usage{
					PromptTokens:     promptTokens,
					CompletionTokens: completion,
					TotalTokens:      promptTokens + completion,
				}
				if !send(providers.StreamEvent{Chunk: chunk([]providers.ChunkChoice{{
					FinishReason: finishReason(string(ev.Delta.StopReason)),
				}}, usage)}) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			send(providers.StreamEvent{Err: toProviderError(err)})
		}
	}()

	return events, nil
}

// CreateEmbedding is not supported; Anthropic offers no embedding endpoint.
func (a *Adapter) CreateEmbedding(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	return nil, &providers.Error{
		Provider:   providerName,
		StatusCode: http.StatusNotImplemented,
		Message:    "embeddings are not supported",
	}
}

func buildParams(req *providers.CompletionRequest) (anthropicSDK.MessageNewParams, []option.RequestOption) {
	var systemPrompt string
	msgs := make([]anthropicSDK.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case providers.RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropicSDK.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropicSDK.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropicSDK.Float(req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	if req.UserID != "" {
		params.Metadata = anthropicSDK.MetadataParam{UserID: anthropicSDK.String(req.UserID)}
	}

	// Tools and tool_choice go through raw JSON injection so the canonical
	// function shape maps onto Anthropic's input_schema form.
	var opts []option.RequestOption
	if len(req.Tools) > 0 {
		opts = append(opts, option.WithJSONSet("tools", wireTools(req.Tools)))
	}
	if req.ToolChoice != "" {
		opts = append(opts, option.WithJSONSet("tool_choice", wireToolChoice(req.ToolChoice)))
	}

	return params, opts
}

func wireTools(tools []providers.Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		w := map[string]any{
			"name":         t.Function.Name,
			"input_schema": t.Function.Parameters,
		}
		if t.Function.Description != "" {
			w["description"] = t.Function.Description
		}
		out = append(out, w)
	}
	return out
}

func wireToolChoice(choice string) map[string]any {
	switch choice {
	case "auto", "any", "none":
		return map[string]any{"type": choice}
	case "required":
		return map[string]any{"type": "any"}
	default:
		return map[string]any{"type": "tool", "name": choice}
	}
}

func toSDKMessage(m providers.Message) anthropicSDK.MessageParam {
	switch m.Role {
	case providers.RoleAssistant:
		blocks := make([]anthropicSDK.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
		if m.Content != "" {
			blocks = append(blocks, anthropicSDK.ContentBlockParamUnion{
				OfText: &anthropicSDK.TextBlockParam{Text: m.Content},
			})
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, anthropicSDK.ContentBlockParamUnion{
				OfToolUse: &anthropicSDK.ToolUseBlockParam{
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: json.RawMessage(tc.Function.Arguments),
				},
			})
		}
		return anthropicSDK.MessageParam{
			Role:    anthropicSDK.MessageParamRoleAssistant,
			Content: blocks,
		}
	case providers.RoleTool:
		// Tool results travel as user-role tool_result blocks.
		return anthropicSDK.MessageParam{
			Role: anthropicSDK.MessageParamRoleUser,
			Content: []anthropicSDK.ContentBlockParamUnion{{
				OfToolResult: &anthropicSDK.ToolResultBlockParam{
					ToolUseID: m.ToolCallID,
					Content: []anthropicSDK.ToolResultBlockParamContentUnion{{
						OfText: &anthropicSDK.TextBlockParam{Text: m.Content},
					}},
				},
			}},
		}
	default:
		return anthropicSDK.MessageParam{
			Role: anthropicSDK.MessageParamRoleUser,
			Content: []anthropicSDK.ContentBlockParamUnion{{
				OfText: &anthropicSDK.TextBlockParam{Text: m.Content},
			}},
		}
	}
}

func finishReason(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "":
		return ""
	default:
		return stop
	}
}

func toProviderError(err error) error {
	var apierr *anthropicSDK.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Provider:   providerName,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
