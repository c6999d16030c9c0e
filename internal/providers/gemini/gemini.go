// Package gemini adapts Google Gemini (official GenAI SDK) to the canonical
// provider interface. System messages become the systemInstruction field,
// assistant turns map to the "model" role.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/modelrelay/gateway/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

var catalog = []providers.ModelDescriptor{
	chatModel("gemini-1.5-pro", "Gemini 1.5 Pro", 0.00125, 0.005, 0.88),
	chatModel("gemini-1.5-flash", "Gemini 1.5 Flash", 0.000075, 0.0003, 0.75),
	chatModel("gemini-2.0-flash", "Gemini 2.0 Flash", 0.0001, 0.0004, 0.8),
	{
		ID:               providers.CanonicalID(providerName, "text-embedding-004"),
		DisplayName:      "Text Embedding 004",
		Provider:         providerName,
		ProviderModelID:  "text-embedding-004",
		ContextWindow:    2_048,
		Capabilities:     []string{providers.CapEmbeddings},
		PromptPricePer1K: 0.00001,
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
		Capabilities:         []string{providers.CapCompletions, providers.CapStreaming, providers.CapVision},
		PromptPricePer1K:     prompt,
		CompletionPricePer1K: completion,
		QualityScore:         quality,
		Active:               true,
	}
}

// Adapter implements providers.Adapter for Google Gemini.
type Adapter struct {
	client *genai.Client
}

type settings struct {
	baseURL string
	timeout time.Duration
}

// Option configures the Adapter.
type Option func(*settings)

// WithBaseURL overrides the API base URL (useful for testing). The URL may
// carry a trailing version segment, e.g. "http://host/v1beta".
func WithBaseURL(u string) Option {
	return func(s *settings) { s.baseURL = u }
}

// WithTimeout overrides the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// New creates a Gemini adapter.
func New(ctx context.Context, apiKey string, opts ...Option) (*Adapter, error) {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
	s := settings{baseURL: defaultBaseURL, timeout: providers.StreamDeadline}
	for _, o := range opts {
		o(&s)
	}

	base, ver := splitBaseURLAndVersion(s.baseURL)
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: s.timeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	return &Adapter{client: client}, nil
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
	_, err := a.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return toProviderError(err)
	}
	return nil
}

func (a *Adapter) CreateCompletion(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	contents, cfg := buildContentsAndConfig(req)

	resp, err := a.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	id := req.RequestID
	if id == "" {
		if resp != nil && resp.ResponseID != "" {
			id = resp.ResponseID
		} else {
			id = generateID()
		}
	}

	out := &providers.CompletionResponse{
		ID:       id,
		Model:    req.Model,
		Provider: providerName,
	}
	if resp != nil {
		for i, c := range resp.Candidates {
			out.Choices = append(out.Choices, providers.Choice{
				Index: i,
				Message: providers.Message{
					Role:    providers.RoleAssistant,
					Content: candidateText(c),
				},
				FinishReason: finishReason(c),
			})
		}
		if resp.UsageMetadata != nil {
			prompt := int(resp.UsageMetadata.PromptTokenCount)
			completion := int(resp.UsageMetadata.CandidatesTokenCount)
			out.Usage = providers.Usage{
				PromptTokens:     prompt,
				CompletionTokens: completion,
				TotalTokens:      prompt + completion,
			}
		}
	}
	return out, nil
}

func (a *Adapter) CreateCompletionStream(ctx context.Context, req *providers.CompletionRequest) (<-chan providers.StreamEvent, error) {
	contents, cfg := buildContentsAndConfig(req)

	events := make(chan providers.StreamEvent, 16)
	go func() {
		defer close(events)

		id := req.RequestID
		if id == "" {
			id = generateID()
		}
		send := func(ev providers.StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for resp, err := range a.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				send(providers.StreamEvent{Err: toProviderError(err)})
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			text := candidateText(c)
			finish := finishReason(c)
			if text == "" && finish == "" {
				continue
			}

			chunk := &providers.CompletionChunk{
				ID:       id,
				Model:    req.Model,
				Provider: providerName,
				Choices: []providers.ChunkChoice{{
					Delta:        providers.Delta{Content: text},
					FinishReason: finish,
				}},
			}
			if resp.UsageMetadata != nil && resp.UsageMetadata.TotalTokenCount > 0 && finish != "" {
				prompt := int(resp.UsageMetadata.PromptTokenCount)
				completion := int(resp.UsageMetadata.CandidatesTokenCount)
				chunk.Usage = &providers.Usage{
					PromptTokens:     prompt,
					CompletionTokens: completion,
					TotalTokens:      prompt + completion,
				}
			}
			if !send(providers.StreamEvent{Chunk: chunk}) {
				return
			}
		}
	}()

	return events, nil
}

// CreateEmbedding sends all inputs as one batched EmbedContent call.
func (a *Adapter) CreateEmbedding(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	contents := make([]*genai.Content, len(req.Input))
	for i, text := range req.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	resp, err := a.client.Models.EmbedContent(ctx, req.Model, contents, nil)
	if err != nil {
		return nil, toProviderError(err)
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, &providers.Error{
			Provider:   providerName,
			StatusCode: http.StatusBadGateway,
			Message:    "empty embedding response",
		}
	}

	data := make([]providers.EmbeddingData, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		data[i] = providers.EmbeddingData{Index: i, Embedding: emb.Values}
	}

	return &providers.EmbeddingResponse{
		Model:    req.Model,
		Provider: providerName,
		Data:     data,
	}, nil
}

func buildContentsAndConfig(req *providers.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case providers.RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case providers.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	ensure := func() *genai.GenerateContentConfig {
		if cfg == nil {
			cfg = &genai.GenerateContentConfig{}
		}
		return cfg
	}

	if systemPrompt != "" {
		ensure().SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if req.Temperature > 0 {
		ensure().Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if req.TopP > 0 {
		ensure().TopP = genai.Ptr[float32](float32(req.TopP))
	}
	if req.MaxTokens > 0 {
		ensure().MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Stop) > 0 {
		ensure().StopSequences = req.Stop
	}
	if req.N > 1 {
		ensure().CandidateCount = int32(req.N)
	}

	return contents, cfg
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func finishReason(c *genai.Candidate) string {
	if c == nil {
		return ""
	}
	switch c.FinishReason {
	case "":
		return ""
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonSafety:
		return "content_filter"
	default:
		return strings.ToLower(string(c.FinishReason))
	}
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// generateID produces a random hex ID for responses that don't include one.
func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.Error{
			Provider:   providerName,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
		}
	}
	return err
}
