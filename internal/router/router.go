package router

import (
	"errors"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelrelay/gateway/internal/providers"
)

// Strategy names.
const (
	StrategySmart        = "smart"
	StrategyCost         = "cost"
	StrategyLatency      = "latency"
	StrategyQuality      = "quality"
	StrategyContent      = "content"
	StrategyLoadBalanced = "load-balanced"
	StrategyExperimental = "experimental"
)

var (
	// ErrNoViableModel means no registered model can serve the request.
	ErrNoViableModel = errors.New("no viable model")

	// ErrAllProvidersOpen means viable models exist but every one sits
	// behind an open circuit breaker.
	ErrAllProvidersOpen = errors.New("all providers unavailable")
)

// Config holds the engine parameters, copied from the gateway config.
type Config struct {
	Strategy               string
	ExperimentalSampleRate float64
	ExperimentalModels     []string

	WeightCost    float64
	WeightLatency float64
	WeightQuality float64

	FallbackEnabled  bool
	FallbackMaxDepth int
	FallbackRules    map[string][]string
}

// Decision is one routing outcome, handed to the sink for audit.
type Decision struct {
	RequestID     string    `json:"requestId"`
	Requested     string    `json:"requested"`
	Strategy      string    `json:"strategy"`
	Selected      string    `json:"selected"`
	Alternatives  []string  `json:"alternatives,omitempty"`
	FallbackDepth int       `json:"fallbackDepth"`
	Reason        string    `json:"reason"`
	At            time.Time `json:"at"`
}

// DecisionSink receives routing decisions. Implementations must not block.
type DecisionSink interface {
	RecordDecision(Decision)
}

// AvailabilityProbe reports whether a provider's circuit admits traffic.
type AvailabilityProbe func(provider string) bool

// Plan is an ordered candidate list: the primary model plus the fallback
// chain the dispatcher walks on eligible failures.
type Plan struct {
	Primary   providers.ModelDescriptor
	Fallbacks []providers.ModelDescriptor
	Strategy  string
	Reason    string
}

// Candidates returns primary followed by fallbacks.
func (p *Plan) Candidates() []providers.ModelDescriptor {
	out := make([]providers.ModelDescriptor, 0, 1+len(p.Fallbacks))
	out = append(out, p.Primary)
	return append(out, p.Fallbacks...)
}

// Router is the strategy engine.
type Router struct {
	cfg      Config
	registry *Registry
	latency  *LatencyTracker
	probe    AvailabilityProbe
	sink     DecisionSink

	rrCounter atomic.Uint64

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// New builds the engine. probe may be nil (every provider treated as
// available); sink may be nil (decisions are not recorded).
func New(cfg Config, registry *Registry, latency *LatencyTracker, probe AvailabilityProbe, sink DecisionSink) *Router {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategySmart
	}
	if latency == nil {
		latency = NewLatencyTracker()
	}
	return &Router{
		cfg:      cfg,
		registry: registry,
		latency:  latency,
		probe:    probe,
		sink:     sink,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Latency exposes the tracker so the dispatcher can feed observations back.
func (r *Router) Latency() *LatencyTracker { return r.latency }

func (r *Router) available(provider string) bool {
	if r.probe == nil {
		return true
	}
	return r.probe(provider)
}

// Route resolves req.Model into a plan. A canonical id or alias pins the
// primary; an unknown name asks the configured strategy to choose. Models
// behind open circuits are excluded from the plan entirely.
func (r *Router) Route(req *providers.CompletionRequest) (*Plan, error) {
	pool := r.registry.WithCapability(providers.CapCompletions)
	if len(pool) == 0 {
		return nil, ErrNoViableModel
	}

	var plan *Plan
	if canonical, pinned := r.registry.Resolve(req.Model); pinned {
		p, err := r.pinnedPlan(canonical)
		if err != nil {
			return nil, err
		}
		plan = p
	} else {
		p, err := r.strategyPlan(req, pool)
		if err != nil {
			return nil, err
		}
		plan = p
	}

	if r.sink != nil {
		alts := make([]string, len(plan.Fallbacks))
		for i, m := range plan.Fallbacks {
			alts[i] = m.ID
		}
		r.sink.RecordDecision(Decision{
			RequestID:     req.RequestID,
			Requested:     req.Model,
			Strategy:      plan.Strategy,
			Selected:      plan.Primary.ID,
			Alternatives:  alts,
			FallbackDepth: len(plan.Fallbacks),
			Reason:        plan.Reason,
			At:            time.Now().UTC(),
		})
	}
	return plan, nil
}

// pinnedPlan builds the plan for an explicitly named model: the model itself
// plus its configured fallback rule. When the pinned model's circuit is open
// the first viable fallback is promoted to primary.
func (r *Router) pinnedPlan(canonical string) (*Plan, error) {
	primary, ok := r.registry.Get(canonical)
	if !ok || !primary.Active {
		return nil, ErrNoViableModel
	}

	chain := []providers.ModelDescriptor{primary}
	anyOpen := false
	if r.cfg.FallbackEnabled {
		for _, id := range r.cfg.FallbackRules[canonical] {
			m, ok := r.registry.Get(id)
			if !ok || !m.Active {
				continue
			}
			chain = appendUnique(chain, m)
		}
	}

	viable := chain[:0:0]
	for _, m := range chain {
		if r.available(m.Provider) {
			viable = append(viable, m)
		} else {
			anyOpen = true
		}
	}
	if len(viable) == 0 {
		if anyOpen {
			return nil, ErrAllProvidersOpen
		}
		return nil, ErrNoViableModel
	}

	reason := "pinned"
	if viable[0].ID != primary.ID {
		reason = "pinned primary unavailable, promoted fallback"
	}
	return &Plan{
		Primary:   viable[0],
		Fallbacks: capDepth(viable[1:], r.fallbackDepth()),
		Strategy:  "pinned",
		Reason:    reason,
	}, nil
}

// strategyPlan orders the whole viable pool by the configured strategy and
// takes the head as primary, the tail as the fallback chain.
func (r *Router) strategyPlan(req *providers.CompletionRequest, pool []providers.ModelDescriptor) (*Plan, error) {
	viable := pool[:0:0]
	anyOpen := false
	for _, m := range pool {
		if r.available(m.Provider) {
			viable = append(viable, m)
		} else {
			anyOpen = true
		}
	}
	if len(viable) == 0 {
		if anyOpen {
			return nil, ErrAllProvidersOpen
		}
		return nil, ErrNoViableModel
	}

	strategy := r.cfg.Strategy
	reason := strategy + " strategy"

	if strategy == StrategyExperimental {
		if m, ok := r.sampleExperimental(viable); ok {
			return &Plan{
				Primary:   m,
				Fallbacks: capDepth(r.rankSmart(req, removeModel(viable, m.ID)), r.fallbackDepth()),
				Strategy:  StrategyExperimental,
				Reason:    "experimental sample",
			}, nil
		}
		// Not sampled this time; route as smart.
		strategy = StrategySmart
		reason = "experimental pass-through (smart)"
	}

	var ranked []providers.ModelDescriptor
	switch strategy {
	case StrategyCost:
		ranked = r.rankCost(req, viable)
	case StrategyLatency:
		ranked = r.rankLatency(viable)
	case StrategyQuality:
		ranked = r.rankQuality(viable)
	case StrategyContent:
		ranked = r.rankContent(req, viable)
	case StrategyLoadBalanced:
		ranked = r.rankLoadBalanced(req, viable)
	default:
		ranked = r.rankSmart(req, viable)
	}

	if !r.cfg.FallbackEnabled {
		ranked = ranked[:1]
	}
	return &Plan{
		Primary:   ranked[0],
		Fallbacks: capDepth(ranked[1:], r.fallbackDepth()),
		Strategy:  strategy,
		Reason:    reason,
	}, nil
}

func (r *Router) fallbackDepth() int {
	if !r.cfg.FallbackEnabled {
		return 0
	}
	return r.cfg.FallbackMaxDepth
}

func (r *Router) sampleExperimental(viable []providers.ModelDescriptor) (providers.ModelDescriptor, bool) {
	if len(r.cfg.ExperimentalModels) == 0 {
		return providers.ModelDescriptor{}, false
	}
	r.rndMu.Lock()
	hit := r.rnd.Float64() < r.cfg.ExperimentalSampleRate
	pick := r.rnd.Intn(len(r.cfg.ExperimentalModels))
	r.rndMu.Unlock()
	if !hit {
		return providers.ModelDescriptor{}, false
	}
	// Walk from the sampled index so a dead experimental model does not
	// silence the whole set.
	for i := 0; i < len(r.cfg.ExperimentalModels); i++ {
		id := r.cfg.ExperimentalModels[(pick+i)%len(r.cfg.ExperimentalModels)]
		for _, m := range viable {
			if strings.EqualFold(m.ID, id) {
				return m, true
			}
		}
	}
	return providers.ModelDescriptor{}, false
}

// defaultCompletionEstimate is the completion-token assumption for cost
// scoring when the request does not cap maxTokens.
const defaultCompletionEstimate = 256

// estimateTokens derives the request's prompt and completion token estimates
// for cost scoring. Prompt tokens use the rough char-ratio heuristic; the
// precise count happens in the usage pipeline.
func estimateTokens(req *providers.CompletionRequest) (prompt, completion int) {
	completion = defaultCompletionEstimate
	if req == nil {
		return 1, completion
	}
	if req.MaxTokens > 0 {
		completion = req.MaxTokens
	}
	prompt = len(providers.JoinedText(req.Messages)) / 4
	if prompt < 1 {
		prompt = 1
	}
	return prompt, completion
}

// estimatedCost prices the request's estimated token counts against m's
// table entry, in USD.
func estimatedCost(m providers.ModelDescriptor, promptTok, completionTok int) float64 {
	return m.PromptPricePer1K*float64(promptTok)/1000 +
		m.CompletionPricePer1K*float64(completionTok)/1000
}

func (r *Router) rankCost(req *providers.CompletionRequest, pool []providers.ModelDescriptor) []providers.ModelDescriptor {
	promptTok, completionTok := estimateTokens(req)
	return sortedBy(pool, func(a, b providers.ModelDescriptor) bool {
		pa := estimatedCost(a, promptTok, completionTok)
		pb := estimatedCost(b, promptTok, completionTok)
		if pa != pb {
			return pa < pb
		}
		return a.ID < b.ID
	})
}

func (r *Router) rankQuality(pool []providers.ModelDescriptor) []providers.ModelDescriptor {
	return sortedBy(pool, func(a, b providers.ModelDescriptor) bool {
		if a.QualityScore != b.QualityScore {
			return a.QualityScore > b.QualityScore
		}
		return a.ID < b.ID
	})
}

func (r *Router) rankLatency(pool []providers.ModelDescriptor) []providers.ModelDescriptor {
	avg := func(m providers.ModelDescriptor) time.Duration {
		if d, ok := r.latency.Avg(m.ID); ok {
			return d
		}
		// Unmeasured models rank behind measured ones but ahead of nothing.
		return time.Hour
	}
	return sortedBy(pool, func(a, b providers.ModelDescriptor) bool {
		da, db := avg(a), avg(b)
		if da != db {
			return da < db
		}
		return a.ID < b.ID
	})
}

// rankSmart scores each candidate on normalized cost, latency, and quality
// with the configured weights and orders best-first. The cost term prices
// the request's own token estimates.
func (r *Router) rankSmart(req *providers.CompletionRequest, pool []providers.ModelDescriptor) []providers.ModelDescriptor {
	if len(pool) <= 1 {
		return pool
	}

	promptTok, completionTok := estimateTokens(req)
	price := func(m providers.ModelDescriptor) float64 {
		return estimatedCost(m, promptTok, completionTok)
	}

	minPrice, maxPrice := price(pool[0]), price(pool[0])
	var minLat, maxLat time.Duration
	latencies := make(map[string]time.Duration, len(pool))
	first := true
	for _, m := range pool {
		p := price(m)
		if p < minPrice {
			minPrice = p
		}
		if p > maxPrice {
			maxPrice = p
		}
		if d, ok := r.latency.Avg(m.ID); ok {
			latencies[m.ID] = d
			if first || d < minLat {
				minLat = d
			}
			if first || d > maxLat {
				maxLat = d
			}
			first = false
		}
	}

	score := func(m providers.ModelDescriptor) float64 {
		costScore := 1.0
		if maxPrice > minPrice {
			costScore = 1 - (price(m)-minPrice)/(maxPrice-minPrice)
		}
		latScore := 0.5 // neutral when unmeasured
		if d, ok := latencies[m.ID]; ok && maxLat > minLat {
			latScore = 1 - float64(d-minLat)/float64(maxLat-minLat)
		} else if ok {
			latScore = 1
		}
		return r.cfg.WeightCost*costScore +
			r.cfg.WeightLatency*latScore +
			r.cfg.WeightQuality*m.QualityScore
	}

	scores := make(map[string]float64, len(pool))
	for _, m := range pool {
		scores[m.ID] = score(m)
	}
	return sortedBy(pool, func(a, b providers.ModelDescriptor) bool {
		if scores[a.ID] != scores[b.ID] {
			return scores[a.ID] > scores[b.ID]
		}
		return a.ID < b.ID
	})
}

// rankContent routes on request shape: prompts too large for a model's
// context window exclude it, and prompts carrying code blocks prefer
// quality over cost.
func (r *Router) rankContent(req *providers.CompletionRequest, pool []providers.ModelDescriptor) []providers.ModelDescriptor {
	text := providers.JoinedText(req.Messages)
	// Rough token estimate; precise counting happens in the usage pipeline.
	promptTokens := len(text) / 4

	fits := pool[:0:0]
	for _, m := range pool {
		if m.ContextWindow == 0 || promptTokens < m.ContextWindow {
			fits = append(fits, m)
		}
	}
	if len(fits) == 0 {
		// Nothing fits; order by window so the largest gets the attempt.
		return sortedBy(pool, func(a, b providers.ModelDescriptor) bool {
			if a.ContextWindow != b.ContextWindow {
				return a.ContextWindow > b.ContextWindow
			}
			return a.ID < b.ID
		})
	}

	if strings.Contains(text, "```") || req.Tools != nil {
		return r.rankQuality(fits)
	}
	return r.rankSmart(req, fits)
}

// rankLoadBalanced rotates the primary across providers round-robin; within
// a provider the cheapest model leads.
func (r *Router) rankLoadBalanced(req *providers.CompletionRequest, pool []providers.ModelDescriptor) []providers.ModelDescriptor {
	byCost := r.rankCost(req, pool)

	var order []string
	seen := map[string]bool{}
	for _, m := range byCost {
		if !seen[m.Provider] {
			seen[m.Provider] = true
			order = append(order, m.Provider)
		}
	}
	start := int(r.rrCounter.Add(1)-1) % len(order)

	var out []providers.ModelDescriptor
	for i := 0; i < len(order); i++ {
		p := order[(start+i)%len(order)]
		for _, m := range byCost {
			if m.Provider == p {
				out = append(out, m)
			}
		}
	}
	return out
}

func sortedBy(pool []providers.ModelDescriptor, less func(a, b providers.ModelDescriptor) bool) []providers.ModelDescriptor {
	out := make([]providers.ModelDescriptor, len(pool))
	copy(out, pool)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func appendUnique(chain []providers.ModelDescriptor, m providers.ModelDescriptor) []providers.ModelDescriptor {
	for _, c := range chain {
		if c.ID == m.ID {
			return chain
		}
	}
	return append(chain, m)
}

func removeModel(pool []providers.ModelDescriptor, id string) []providers.ModelDescriptor {
	out := pool[:0:0]
	for _, m := range pool {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

func capDepth(chain []providers.ModelDescriptor, depth int) []providers.ModelDescriptor {
	if len(chain) > depth {
		chain = chain[:depth]
	}
	return chain
}
