package usage

import (
	"strings"
	"sync"

	"github.com/modelrelay/gateway/internal/providers"
)

// ModelPrice is the per-1000-token USD price pair for one model.
type ModelPrice struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// defaultPrices maps canonical model ids to published list prices
// (USD per 1K tokens). Unlisted models fall back to the configured
// default pair and produce estimated records.
var defaultPrices = map[string]ModelPrice{
	"openai.gpt-4":              {0.03, 0.06},
	"openai.gpt-4-turbo":        {0.01, 0.03},
	"openai.gpt-4o":             {0.0025, 0.01},
	"openai.gpt-4o-mini":        {0.00015, 0.0006},
	"openai.gpt-3.5-turbo":      {0.0005, 0.0015},
	"openai.o1":                 {0.015, 0.06},
	"openai.o3-mini":            {0.0011, 0.0044},
	"anthropic.claude-3-opus":   {0.015, 0.075},
	"anthropic.claude-3-5-sonnet": {0.003, 0.015},
	"anthropic.claude-3-5-haiku": {0.0008, 0.004},
	"anthropic.claude-3-haiku":  {0.00025, 0.00125},
	"cohere.command-r":          {0.00015, 0.0006},
	"cohere.command-r-plus":     {0.0025, 0.01},
	"cohere.command-light":      {0.0003, 0.0006},
	"gemini.gemini-1.5-pro":     {0.00125, 0.005},
	"gemini.gemini-1.5-flash":   {0.000075, 0.0003},
	"gemini.gemini-2.0-flash":   {0.0001, 0.0004},
	"azure.gpt-4o":              {0.0025, 0.01},
	"azure.gpt-4o-mini":         {0.00015, 0.0006},
	"huggingface.meta-llama/llama-3.1-8b-instruct":  {0.0002, 0.0002},
	"huggingface.meta-llama/llama-3.1-70b-instruct": {0.0009, 0.0009},
	"huggingface.mistralai/mistral-7b-instruct-v0.3": {0.0002, 0.0002},
	"huggingface.qwen/qwen2.5-72b-instruct":          {0.0009, 0.0009},
}

// Pricer resolves per-model prices and computes request costs.
// The table can be extended at runtime (model sync); lookups are
// concurrency safe.
type Pricer struct {
	mu       sync.RWMutex
	prices   map[string]ModelPrice
	fallback ModelPrice
}

// NewPricer builds a Pricer from the built-in table plus the configured
// fallback price pair for unknown models.
func NewPricer(fallbackPrompt, fallbackCompletion float64) *Pricer {
	p := &Pricer{
		prices:   make(map[string]ModelPrice, len(defaultPrices)),
		fallback: ModelPrice{fallbackPrompt, fallbackCompletion},
	}
	for k, v := range defaultPrices {
		p.prices[k] = v
	}
	return p
}

// Set registers or overrides the price for a canonical model id.
func (p *Pricer) Set(model string, price ModelPrice) {
	p.mu.Lock()
	p.prices[strings.ToLower(model)] = price
	p.mu.Unlock()
}

// Lookup returns the price for a canonical model id and whether it came from
// the table (false means the fallback pair was used).
func (p *Pricer) Lookup(model string) (ModelPrice, bool) {
	p.mu.RLock()
	price, ok := p.prices[strings.ToLower(model)]
	p.mu.RUnlock()
	if !ok {
		return p.fallback, false
	}
	return price, true
}

// Cost is the computed USD breakdown for one request.
type Cost struct {
	Prompt     float64
	Completion float64
	Total      float64

	// Estimated is true when the price came from the fallback pair rather
	// than the table.
	Estimated bool
}

// Compute prices a token usage against the model's table entry.
func (p *Pricer) Compute(model string, u providers.Usage) Cost {
	price, known := p.Lookup(model)
	c := Cost{
		Prompt:     float64(u.PromptTokens) / 1000 * price.PromptPer1K,
		Completion: float64(u.CompletionTokens) / 1000 * price.CompletionPer1K,
		Estimated:  !known,
	}
	c.Total = c.Prompt + c.Completion
	return c
}

// DescriptorPrice converts a model descriptor's price fields into a table
// entry, used when syncing discovered models into the pricer.
func DescriptorPrice(d providers.ModelDescriptor) ModelPrice {
	return ModelPrice{PromptPer1K: d.PromptPricePer1K, CompletionPer1K: d.CompletionPricePer1K}
}
