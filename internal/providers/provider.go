// Package providers defines the canonical request/response model and the
// common Adapter interface implemented by every LLM backend (OpenAI,
// Anthropic, Cohere, HuggingFace, Azure OpenAI, Gemini).
//
// Each adapter lives in its own sub-package and translates between the
// canonical shapes defined here and the vendor wire format. Adapters share no
// mutable state; each owns only an HTTP (or SDK) client with a per-adapter
// timeout.
package providers

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Capability flags advertised by a model descriptor.
const (
	CapCompletions = "completions"
	CapEmbeddings  = "embeddings"
	CapStreaming   = "streaming"
	CapToolCalling = "tool-calling"
	CapVision      = "vision"
)

// Request types recorded in token usage entries.
const (
	RequestTypeCompletion = "completion"
	RequestTypeEmbedding  = "embedding"
	RequestTypeStream     = "stream"
)

// Message roles on the canonical wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type (
	// ModelDescriptor is an immutable snapshot of one servable model.
	// ID is the canonical public id "provider.providerModelId".
	ModelDescriptor struct {
		ID                   string   `json:"id"`
		DisplayName          string   `json:"displayName"`
		Provider             string   `json:"provider"`
		ProviderModelID      string   `json:"providerModelId"`
		ContextWindow        int      `json:"contextWindow"`
		Capabilities         []string `json:"capabilities"`
		PromptPricePer1K     float64  `json:"promptPricePer1k"`
		CompletionPricePer1K float64  `json:"completionPricePer1k"`
		QualityScore         float64  `json:"qualityScore"`
		Active               bool     `json:"active"`
	}

	// FunctionCall is the name/arguments payload inside a tool call.
	FunctionCall struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	// ToolCall is one tool invocation requested by the model.
	ToolCall struct {
		ID       string       `json:"id"`
		Type     string       `json:"type"`
		Function FunctionCall `json:"function"`
	}

	// ToolFunction describes a callable tool offered to the model.
	ToolFunction struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Parameters  any    `json:"parameters,omitempty"`
	}

	// Tool is one entry in a request's tools list.
	Tool struct {
		Type     string       `json:"type"`
		Function ToolFunction `json:"function"`
	}

	// Message is a single conversation turn. Exactly one of Content or
	// ToolCalls is set per message.
	Message struct {
		Role       string     `json:"role"`
		Content    string     `json:"content,omitempty"`
		Name       string     `json:"name,omitempty"`
		ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
		ToolCallID string     `json:"toolCallId,omitempty"`
	}

	// CompletionRequest is the normalized chat-completion request. Model holds
	// the logical or canonical model id as supplied by the client; the router
	// resolves it to concrete (provider, providerModelId) candidates.
	CompletionRequest struct {
		Model            string             `json:"modelId"`
		Messages         []Message          `json:"messages"`
		MaxTokens        int                `json:"maxTokens,omitempty"`
		Temperature      float64            `json:"temperature,omitempty"`
		TopP             float64            `json:"topP,omitempty"`
		N                int                `json:"n,omitempty"`
		PresencePenalty  float64            `json:"presencePenalty,omitempty"`
		FrequencyPenalty float64            `json:"frequencyPenalty,omitempty"`
		LogitBias        map[string]float64 `json:"logitBias,omitempty"`
		Stop             []string           `json:"stop,omitempty"`
		Stream           bool               `json:"stream,omitempty"`
		Tools            []Tool             `json:"tools,omitempty"`
		ToolChoice       string             `json:"toolChoice,omitempty"`
		UserID           string             `json:"user,omitempty"`
		ProjectID        string             `json:"projectId,omitempty"`
		Tags             []string           `json:"tags,omitempty"`

		// RequestID and APIKeyID are populated by the gateway, not the client.
		RequestID string `json:"-"`
		APIKeyID  string `json:"-"`
	}

	// Usage carries token counts for one completed request.
	Usage struct {
		PromptTokens     int `json:"promptTokens"`
		CompletionTokens int `json:"completionTokens"`
		TotalTokens      int `json:"totalTokens"`
	}

	// Choice is one completion alternative in a non-streaming response.
	Choice struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finishReason"`
	}

	// CompletionResponse is the normalized non-streaming response.
	CompletionResponse struct {
		ID                string   `json:"id"`
		Created           int64    `json:"created"`
		Model             string   `json:"model"`
		Provider          string   `json:"provider"`
		Choices           []Choice `json:"choices"`
		Usage             Usage    `json:"usage"`
		SystemFingerprint string   `json:"systemFingerprint,omitempty"`
	}

	// Delta is the incremental payload of one streamed chunk choice.
	Delta struct {
		Role      string     `json:"role,omitempty"`
		Content   string     `json:"content,omitempty"`
		ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	}

	// ChunkChoice pairs a delta with its choice index; the terminal chunk of a
	// choice carries the finish reason.
	ChunkChoice struct {
		Index        int    `json:"index"`
		Delta        Delta  `json:"delta"`
		FinishReason string `json:"finishReason,omitempty"`
	}

	// CompletionChunk is one streamed increment. ID and Model match the values
	// the consolidated response would carry.
	CompletionChunk struct {
		ID       string        `json:"id"`
		Created  int64         `json:"created"`
		Model    string        `json:"model"`
		Provider string        `json:"provider"`
		Choices  []ChunkChoice `json:"choices"`
		Usage    *Usage        `json:"usage,omitempty"`
	}

	// StreamEvent is one element of a completion stream: either a chunk or a
	// terminal error. The producing adapter closes the channel after sending
	// an event with Err set or after the final chunk.
	StreamEvent struct {
		Chunk *CompletionChunk
		Err   error
	}

	// EmbeddingRequest is the normalized embedding request.
	EmbeddingRequest struct {
		Model     string   `json:"modelId"`
		Input     []string `json:"input"`
		UserID    string   `json:"user,omitempty"`
		ProjectID string   `json:"projectId,omitempty"`

		RequestID string `json:"-"`
		APIKeyID  string `json:"-"`
	}

	// EmbeddingData is a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse is the normalized embedding response.
	EmbeddingResponse struct {
		Model    string          `json:"model"`
		Provider string          `json:"provider"`
		Data     []EmbeddingData `json:"data"`
		Usage    Usage           `json:"usage"`
	}
)

// Adapter is the uniform capability interface implemented by every backend.
type Adapter interface {
	// Name returns the lower-case provider name used in canonical model ids.
	Name() string

	// ListModels returns canonical descriptors for the models this backend
	// serves, ids prefixed with the provider name.
	ListModels(ctx context.Context) ([]ModelDescriptor, error)

	// GetModel returns the descriptor for one provider-native model id.
	GetModel(ctx context.Context, providerModelID string) (*ModelDescriptor, error)

	// CreateCompletion performs a buffered chat completion.
	CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CreateCompletionStream starts a streaming completion. A non-nil error
	// means the stream never started (fallback eligible); errors after the
	// first chunk arrive as a terminal StreamEvent.
	CreateCompletionStream(ctx context.Context, req *CompletionRequest) (<-chan StreamEvent, error)

	// CreateEmbedding generates embedding vectors.
	CreateEmbedding(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)

	// IsAvailable performs a cheap liveness probe against the backend.
	IsAvailable(ctx context.Context) error
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Error is the uniform provider error: upstream status, vendor name, and a
// (possibly truncated) message from the response body.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

// HTTPStatus implements StatusCoder.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// CanonicalID builds the public model id "provider.providerModelId".
func CanonicalID(provider, providerModelID string) string {
	return strings.ToLower(provider) + "." + providerModelID
}

// SplitCanonicalID splits a canonical id into provider and provider-native
// model id. Returns ok=false when the id carries no provider prefix.
func SplitCanonicalID(id string) (provider, model string, ok bool) {
	i := strings.IndexByte(id, '.')
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}

// ContextWindows maps provider-native model ids to context window sizes.
// Used by ListModels when the vendor API does not report a window.
var ContextWindows = map[string]int{
	// OpenAI
	"gpt-4":         8_192,
	"gpt-4-turbo":   128_000,
	"gpt-4o":        128_000,
	"gpt-4o-mini":   128_000,
	"gpt-4.1":       1_047_576,
	"gpt-3.5-turbo": 16_385,
	"o1":            200_000,
	"o3-mini":       200_000,
	// Anthropic
	"claude-3-opus":     200_000,
	"claude-3-haiku":    200_000,
	"claude-3-5-sonnet": 200_000,
	"claude-3-5-haiku":  200_000,
	// Cohere
	"command-r":      128_000,
	"command-r-plus": 128_000,
	"command-light":  4_096,
	// Gemini
	"gemini-1.5-pro":   2_097_152,
	"gemini-1.5-flash": 1_048_576,
	"gemini-2.0-flash": 1_048_576,
}

// DefaultContextWindow is used when a model has no table entry.
const DefaultContextWindow = 8_192

// ContextWindowFor returns the table entry for model, or the default.
func ContextWindowFor(model string) int {
	if w, ok := ContextWindows[model]; ok {
		return w
	}
	return DefaultContextWindow
}

// Default resilience and deadline constants shared by the adapters and the
// dispatcher. Values can be overridden through configuration.
const (
	CBFailureThreshold = 5
	CBCooldown         = 30 * time.Second
	MaxRetries         = 3
	BaseBackoff        = time.Second
	NonStreamDeadline  = 30 * time.Second
	StreamDeadline     = 120 * time.Second
)

// JoinedText concatenates the textual content of msgs, newline separated.
// Used for prompt-side content filtering and token estimation.
func JoinedText(msgs []Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// Validate checks the structural invariants of a completion request:
// messages non-empty, known roles, and exactly one of content / tool-calls
// per message.
func (r *CompletionRequest) Validate() error {
	if r.Model == "" {
		return errField("modelId")
	}
	if len(r.Messages) == 0 {
		return errField("messages")
	}
	for i := range r.Messages {
		m := &r.Messages[i]
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return &ValidationError{Field: "messages", Reason: "unknown role " + m.Role}
		}
		hasContent := m.Content != ""
		hasCalls := len(m.ToolCalls) > 0
		if hasContent == hasCalls {
			return &ValidationError{Field: "messages", Reason: "exactly one of content or toolCalls per message"}
		}
	}
	return nil
}

// Validate checks the structural invariants of an embedding request.
func (r *EmbeddingRequest) Validate() error {
	if r.Model == "" {
		return errField("modelId")
	}
	if len(r.Input) == 0 {
		return errField("input")
	}
	for _, s := range r.Input {
		if s == "" {
			return &ValidationError{Field: "input", Reason: "empty input element"}
		}
	}
	return nil
}

// ValidationError reports a structurally invalid request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return "invalid field '" + e.Field + "': " + e.Reason
	}
	return "field '" + e.Field + "' is required"
}

func errField(f string) error { return &ValidationError{Field: f} }
