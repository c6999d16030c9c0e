package proxy

import (
	"sync"
	"time"

	"github.com/modelrelay/gateway/internal/providers"
)

// cbState represents the operational state of a per-provider circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — provider is failing; requests are rejected immediately.
//	cbHalfOpen — recovery probe; exactly one request is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the package-level defaults defined in providers/provider.go.
type CBConfig struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker. Any success resets the count. Default:
	// providers.CBFailureThreshold (5).
	FailureThreshold int

	// Cooldown is how long the breaker stays open before allowing a single
	// probe request. Default: providers.CBCooldown (30s).
	Cooldown time.Duration
}

func (c *CBConfig) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return providers.CBFailureThreshold
}

func (c *CBConfig) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return providers.CBCooldown
}

// providerCB holds per-provider circuit breaker state.
type providerCB struct {
	mu sync.Mutex

	state         cbState
	consecutive   int       // consecutive failures since the last success
	openedAt      time.Time // when the breaker was tripped (for the cooldown timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker manages independent circuit breakers for each LLM provider.
// Breakers are created lazily on first use; it is safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerCB
	cfg      CBConfig

	// now is swappable for tests.
	now func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker with default settings.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom thresholds.
// Use this to apply values loaded from configuration.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*providerCB),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Allow reports whether the named provider should receive the next request.
//
//   - Closed  → always true.
//   - Open    → false, unless the cooldown has elapsed, in which case the
//     breaker transitions to HalfOpen and admits one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (cb *CircuitBreaker) Allow(provider string) bool {
	pcb := cb.getOrCreate(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if cb.now().Sub(pcb.openedAt) >= cb.cfg.cooldown() {
			pcb.state = cbHalfOpen
			pcb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if pcb.probeInflight {
			return false
		}
		pcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful response for provider: the consecutive
// failure count resets and the breaker closes regardless of previous state.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	pcb := cb.getOrCreate(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	pcb.state = cbClosed
	pcb.consecutive = 0
	pcb.probeInflight = false
}

// RecordFailure increments the consecutive failure counter for provider.
// Reaching the threshold opens the breaker; a failed half-open probe reopens
// it immediately.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	pcb := cb.getOrCreate(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	pcb.consecutive++
	wasProbe := pcb.state == cbHalfOpen
	pcb.probeInflight = false

	if wasProbe || pcb.consecutive >= cb.cfg.failureThreshold() {
		pcb.state = cbOpen
		pcb.openedAt = cb.now()
	}
}

// State returns the current cbState for provider (useful for metrics export).
func (cb *CircuitBreaker) State(provider string) cbState {
	cb.mu.RLock()
	pcb := cb.breakers[provider]
	cb.mu.RUnlock()
	if pcb == nil {
		return cbClosed
	}
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(provider string) string {
	switch cb.State(provider) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) getOrCreate(provider string) *providerCB {
	cb.mu.RLock()
	pcb := cb.breakers[provider]
	cb.mu.RUnlock()
	if pcb != nil {
		return pcb
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if pcb = cb.breakers[provider]; pcb == nil {
		pcb = &providerCB{state: cbClosed}
		cb.breakers[provider] = pcb
	}
	return pcb
}
