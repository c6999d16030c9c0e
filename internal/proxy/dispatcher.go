package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelrelay/gateway/internal/metrics"
	"github.com/modelrelay/gateway/internal/providers"
	"github.com/modelrelay/gateway/internal/router"
)

// Dispatcher executes a routing plan against the adapters: per-candidate
// retries with exponential backoff, circuit breaker bookkeeping, and the
// fallback cascade across the plan's candidates.
type Dispatcher struct {
	adapters map[string]providers.Adapter
	cb       *CircuitBreaker
	latency  *router.LatencyTracker
	metrics  *metrics.Registry
	log      *slog.Logger

	maxRetries  int
	baseBackoff time.Duration

	// eligibleClasses overrides the default fallback-eligible error classes
	// when non-nil.
	eligibleClasses map[string]bool
}

// DispatcherOptions tunes a Dispatcher. Zero values use the package
// defaults.
type DispatcherOptions struct {
	MaxRetries      int
	BaseBackoff     time.Duration
	EligibleClasses []string
	Metrics         *metrics.Registry
	Logger          *slog.Logger
}

// NewDispatcher builds a Dispatcher over the adapter set.
func NewDispatcher(adapters map[string]providers.Adapter, cb *CircuitBreaker, latency *router.LatencyTracker, opts DispatcherOptions) *Dispatcher {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = providers.MaxRetries
	}
	backoff := opts.BaseBackoff
	if backoff <= 0 {
		backoff = providers.BaseBackoff
	}
	var eligible map[string]bool
	if len(opts.EligibleClasses) > 0 {
		eligible = make(map[string]bool, len(opts.EligibleClasses))
		for _, c := range opts.EligibleClasses {
			eligible[c] = true
		}
	}
	return &Dispatcher{
		adapters:        adapters,
		cb:              cb,
		latency:         latency,
		metrics:         opts.Metrics,
		log:             log,
		maxRetries:      maxRetries,
		baseBackoff:     backoff,
		eligibleClasses: eligible,
	}
}

// Available reports whether the provider's circuit currently admits
// traffic. Used as the router's availability probe.
func (d *Dispatcher) Available(provider string) bool {
	if _, ok := d.adapters[provider]; !ok {
		return false
	}
	if d.cb == nil {
		return true
	}
	return d.cb.State(provider) != cbOpen
}

// Result carries the served response plus the model that produced it.
type Result struct {
	Response *providers.CompletionResponse
	Served   providers.ModelDescriptor
	FellBack bool
}

// StreamResult carries an opened stream plus the model serving it.
type StreamResult struct {
	Events   <-chan providers.StreamEvent
	Served   providers.ModelDescriptor
	FellBack bool
}

// Dispatch walks the plan's candidates for a buffered completion. Each
// candidate gets up to maxRetries attempts with exponential backoff on
// transient errors; fallback-eligible failures move the walk to the next
// candidate. The request's deadline bounds everything.
func (d *Dispatcher) Dispatch(ctx context.Context, plan *router.Plan, req *providers.CompletionRequest) (*Result, error) {
	var lastErr error
	primary := plan.Primary.ID

	for i, candidate := range plan.Candidates() {
		adapter, ok := d.adapters[candidate.Provider]
		if !ok {
			continue
		}
		if d.cb != nil && !d.cb.Allow(candidate.Provider) {
			d.log.WarnContext(ctx, "circuit_open",
				slog.String("request_id", req.RequestID),
				slog.String("provider", candidate.Provider),
			)
			if d.metrics != nil {
				d.metrics.RecordCircuitBreakerRejection(candidate.Provider, d.cb.StateLabel(candidate.Provider))
			}
			continue
		}
		if i > 0 && d.metrics != nil {
			d.metrics.RecordFailover(primary, primary, candidate.ID, classOf(lastErr))
		}

		resp, err := d.attemptCompletion(ctx, adapter, candidate, req)
		if err == nil {
			if i > 0 {
				d.log.InfoContext(ctx, "fallback_success",
					slog.String("request_id", req.RequestID),
					slog.String("from", primary),
					slog.String("to", candidate.ID),
				)
				if d.metrics != nil {
					d.metrics.RecordFailoverSuccess(primary, candidate.ID)
				}
			}
			return &Result{Response: resp, Served: candidate, FellBack: i > 0}, nil
		}

		lastErr = err
		if !fallbackEligible(classifyError(err), d.eligibleClasses) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dispatch: %w", ctx.Err())
		}
	}

	if lastErr == nil {
		return nil, router.ErrAllProvidersOpen
	}
	if d.metrics != nil {
		d.metrics.RecordFailoverExhausted(primary)
	}
	return nil, fmt.Errorf("dispatch: all candidates failed: %w", lastErr)
}

// attemptCompletion runs the retry loop for one candidate.
func (d *Dispatcher) attemptCompletion(ctx context.Context, adapter providers.Adapter, candidate providers.ModelDescriptor, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	narrowed := *req
	narrowed.Model = candidate.ProviderModelID

	var lastErr error
	for attempt := 0; attempt < d.maxRetries; attempt++ {
		start := time.Now()
		resp, err := adapter.CreateCompletion(ctx, &narrowed)
		dur := time.Since(start)

		if err == nil {
			d.recordSuccess(candidate, dur)
			if d.metrics != nil {
				d.metrics.ObserveUpstreamAttempt(candidate.Provider, "completions", "success", dur)
			}
			resp.Model = candidate.ID
			resp.Provider = candidate.Provider
			return resp, nil
		}

		class := classifyError(err)
		d.recordFailure(candidate, class)
		if d.metrics != nil {
			d.metrics.ObserveUpstreamAttempt(candidate.Provider, "completions", classLabel(err), dur)
			d.metrics.RecordError(candidate.Provider, class)
		}
		d.log.WarnContext(ctx, "attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("model", candidate.ID),
			slog.Int("attempt", attempt+1),
			slog.String("class", class),
			slog.String("error", err.Error()),
		)
		lastErr = err

		if !retryableSameProvider(class) || attempt+1 >= d.maxRetries {
			break
		}
		if err := d.backoff(ctx, attempt); err != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// DispatchStream opens a stream against the plan. A candidate that fails to
// start the stream is retried and cascaded like a buffered call; once a
// stream is open the dispatcher is out of the picture and mid-stream errors
// terminate the stream without replay.
func (d *Dispatcher) DispatchStream(ctx context.Context, plan *router.Plan, req *providers.CompletionRequest) (*StreamResult, error) {
	var lastErr error
	primary := plan.Primary.ID

	for i, candidate := range plan.Candidates() {
		adapter, ok := d.adapters[candidate.Provider]
		if !ok {
			continue
		}
		if d.cb != nil && !d.cb.Allow(candidate.Provider) {
			if d.metrics != nil {
				d.metrics.RecordCircuitBreakerRejection(candidate.Provider, d.cb.StateLabel(candidate.Provider))
			}
			continue
		}

		events, err := d.attemptStream(ctx, adapter, candidate, req)
		if err == nil {
			return &StreamResult{Events: events, Served: candidate, FellBack: i > 0}, nil
		}

		lastErr = err
		if !fallbackEligible(classifyError(err), d.eligibleClasses) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dispatch: %w", ctx.Err())
		}
	}

	if lastErr == nil {
		return nil, router.ErrAllProvidersOpen
	}
	if d.metrics != nil {
		d.metrics.RecordFailoverExhausted(primary)
	}
	return nil, fmt.Errorf("dispatch: all candidates failed: %w", lastErr)
}

func (d *Dispatcher) attemptStream(ctx context.Context, adapter providers.Adapter, candidate providers.ModelDescriptor, req *providers.CompletionRequest) (<-chan providers.StreamEvent, error) {
	narrowed := *req
	narrowed.Model = candidate.ProviderModelID

	var lastErr error
	for attempt := 0; attempt < d.maxRetries; attempt++ {
		start := time.Now()
		events, err := adapter.CreateCompletionStream(ctx, &narrowed)
		dur := time.Since(start)

		if err == nil {
			// Stream start counts as success; completion latency is
			// observed by the SSE writer when the stream drains.
			d.recordSuccess(candidate, 0)
			if d.metrics != nil {
				d.metrics.ObserveUpstreamAttempt(candidate.Provider, "stream", "success", dur)
			}
			return events, nil
		}

		class := classifyError(err)
		d.recordFailure(candidate, class)
		if d.metrics != nil {
			d.metrics.ObserveUpstreamAttempt(candidate.Provider, "stream", classLabel(err), dur)
			d.metrics.RecordError(candidate.Provider, class)
		}
		lastErr = err

		if !retryableSameProvider(class) || attempt+1 >= d.maxRetries {
			break
		}
		if err := d.backoff(ctx, attempt); err != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// DispatchEmbedding resolves the single pinned candidate for an embedding
// request. Embeddings do not cascade: the model choice is explicit.
func (d *Dispatcher) DispatchEmbedding(ctx context.Context, candidate providers.ModelDescriptor, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	adapter, ok := d.adapters[candidate.Provider]
	if !ok {
		return nil, router.ErrNoViableModel
	}
	if d.cb != nil && !d.cb.Allow(candidate.Provider) {
		return nil, router.ErrAllProvidersOpen
	}

	narrowed := *req
	narrowed.Model = candidate.ProviderModelID

	var lastErr error
	for attempt := 0; attempt < d.maxRetries; attempt++ {
		start := time.Now()
		resp, err := adapter.CreateEmbedding(ctx, &narrowed)
		dur := time.Since(start)

		if err == nil {
			d.recordSuccess(candidate, dur)
			if d.metrics != nil {
				d.metrics.ObserveUpstreamAttempt(candidate.Provider, "embeddings", "success", dur)
			}
			resp.Model = candidate.ID
			resp.Provider = candidate.Provider
			return resp, nil
		}

		class := classifyError(err)
		d.recordFailure(candidate, class)
		if d.metrics != nil {
			d.metrics.ObserveUpstreamAttempt(candidate.Provider, "embeddings", classLabel(err), dur)
		}
		lastErr = err
		if !retryableSameProvider(class) || attempt+1 >= d.maxRetries {
			break
		}
		if err := d.backoff(ctx, attempt); err != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// backoff sleeps baseBackoff * 2^attempt, aborting early when ctx is done.
func (d *Dispatcher) backoff(ctx context.Context, attempt int) error {
	delay := d.baseBackoff << uint(attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Dispatcher) recordSuccess(candidate providers.ModelDescriptor, dur time.Duration) {
	if d.cb != nil {
		d.cb.RecordSuccess(candidate.Provider)
		if d.metrics != nil {
			d.metrics.SetCircuitBreaker(candidate.Provider, int64(d.cb.State(candidate.Provider)))
		}
	}
	if d.latency != nil && dur > 0 {
		d.latency.Observe(candidate.ID, dur)
	}
}

func (d *Dispatcher) recordFailure(candidate providers.ModelDescriptor, class string) {
	// Client cancellation, rejected credentials, and request-shape errors
	// say nothing about provider health; they do not count toward opening
	// the circuit.
	switch class {
	case classCanceled, classProviderAuth, classInvalidRequest, classNoSuchModel:
		return
	}
	if d.cb != nil {
		d.cb.RecordFailure(candidate.Provider)
		if d.metrics != nil {
			d.metrics.SetCircuitBreaker(candidate.Provider, int64(d.cb.State(candidate.Provider)))
		}
	}
}

func classOf(err error) string {
	if err == nil {
		return "none"
	}
	return classifyError(err)
}
