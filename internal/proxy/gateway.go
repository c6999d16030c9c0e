// Package proxy is the core LLM request dispatcher and HTTP surface.
//
// The Gateway receives a canonical completion/embedding request, admits it
// (auth, rate limit, budget, content filter), asks the router for a plan,
// checks the response cache, and hands the plan to the dispatcher — which
// walks the candidates with retries, circuit breaking, and fallback.
//
// Key design constraints:
//   - No blocking I/O on the hot path besides the provider call itself;
//     usage recording and decision logging are asynchronous.
//   - Cache, limiter, guard, budget, and recorder are optional and nil-safe.
//   - All provider I/O flows through context.Context so deadlines propagate.
//   - Streaming responses are pass-through SSE; they are never cached, and
//     never fall back after the first chunk.
package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelrelay/gateway/internal/auth"
	"github.com/modelrelay/gateway/internal/cache"
	"github.com/modelrelay/gateway/internal/filter"
	"github.com/modelrelay/gateway/internal/metrics"
	"github.com/modelrelay/gateway/internal/providers"
	"github.com/modelrelay/gateway/internal/ratelimit"
	"github.com/modelrelay/gateway/internal/router"
	"github.com/modelrelay/gateway/internal/usage"
	"github.com/modelrelay/gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// GatewayOptions holds optional dependencies and tuning for a Gateway. All
// fields besides Router and Dispatcher are nil-safe.
type GatewayOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry

	// Authenticator validates inbound credentials. Nil disables auth.
	Authenticator *auth.Authenticator

	// Limiter admits requests per API key. Nil disables rate limiting.
	Limiter ratelimit.Limiter

	// Guard filters prompts and completions. Nil disables filtering.
	Guard *filter.Guard

	// Budget checks projected spend. Nil disables budget checks.
	Budget        usage.BudgetService
	EnforceBudget bool

	// Recorder receives one usage record per finished request. Nil disables
	// usage accounting.
	Recorder *usage.Recorder
	Pricer   *usage.Pricer
	Tokens   usage.Tokenizer

	// UsageQueries serves GET /v1/usage/summary. Nil disables the route.
	UsageQueries usage.Repository

	// Cache stores non-streaming completion responses. Nil disables caching.
	Cache           cache.Cache
	CacheExclusions *cache.ExclusionList
	CacheTTL        time.Duration

	// Deadlines bound provider calls. Zero values use the package defaults.
	NonStreamDeadline time.Duration
	StreamDeadline    time.Duration

	// CacheReady / RepoReady are readiness probes for /readiness.
	CacheReady func() bool
	RepoReady  func() bool
}

// Gateway wires the admission pipeline, router, and dispatcher behind the
// HTTP surface. All dependencies are injected so tests can substitute
// doubles.
type Gateway struct {
	router     *router.Router
	registry   *router.Registry
	dispatcher *Dispatcher
	adapters   map[string]providers.Adapter
	health     *HealthChecker
	baseCtx    context.Context
	log        *slog.Logger
	metrics    *metrics.Registry

	authn    *auth.Authenticator
	limiter  ratelimit.Limiter
	guard    *filter.Guard
	budget   usage.BudgetService
	enforce  bool
	recorder  *usage.Recorder
	pricer    *usage.Pricer
	tokens    usage.Tokenizer
	usageRepo usage.Repository

	cache           cache.Cache
	cacheExclusions *cache.ExclusionList
	cacheTTL        time.Duration

	nonStreamDeadline time.Duration
	streamDeadline    time.Duration

	corsOrigins []string
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// NewGateway creates a fully configured Gateway.
func NewGateway(
	baseCtx context.Context,
	rt *router.Router,
	registry *router.Registry,
	dispatcher *Dispatcher,
	adapters map[string]providers.Adapter,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	nonStream := opts.NonStreamDeadline
	if nonStream <= 0 {
		nonStream = providers.NonStreamDeadline
	}
	stream := opts.StreamDeadline
	if stream <= 0 {
		stream = providers.StreamDeadline
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = usage.NewCharRatioTokenizer()
	}

	gw := &Gateway{
		router:            rt,
		registry:          registry,
		dispatcher:        dispatcher,
		adapters:          adapters,
		baseCtx:           baseCtx,
		log:               log,
		metrics:           opts.Metrics,
		authn:             opts.Authenticator,
		limiter:           opts.Limiter,
		guard:             opts.Guard,
		budget:            opts.Budget,
		enforce:           opts.EnforceBudget,
		recorder:          opts.Recorder,
		pricer:            opts.Pricer,
		tokens:            tokens,
		usageRepo:         opts.UsageQueries,
		cache:             opts.Cache,
		cacheExclusions:   opts.CacheExclusions,
		cacheTTL:          cacheTTL,
		nonStreamDeadline: nonStream,
		streamDeadline:    stream,
	}

	if len(adapters) > 0 {
		gw.health = NewHealthChecker(baseCtx, adapters, opts.CacheReady, opts.RepoReady, gw.metrics)
	}
	return gw
}

// Close stops background components owned by the gateway.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// ── Completions ───────────────────────────────────────────────────────────────

// dispatchCompletions handles POST /v1/completions (and its chat alias).
func (g *Gateway) dispatchCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "completions"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass"
	promptTokens, completionTokens := 0, 0
	cached := false
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streams are finalised by the SSE writer
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, len(ctx.Response.Body()))
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, promptTokens, completionTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	principal := auth.FromContext(ctx)

	// 1. Parse and validate.
	var req providers.CompletionRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeInvalidRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeInvalidRequest, err.Error())
		return
	}
	req.RequestID = reqID
	req.APIKeyID = principal.APIKeyID
	if req.UserID == "" {
		req.UserID = principal.UserID
	}
	if !principal.Allows(auth.PermCompletions) {
		apierr.Write(ctx, fasthttp.StatusForbidden, apierr.CodeUnauthorized,
			"credential does not permit completions")
		return
	}
	if req.Stream {
		route = "stream"
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("api_key_id", principal.APIKeyID),
		slog.Bool("stream", req.Stream),
	)

	// 2. Rate limit — a denial is terminal, never queued into fallback.
	if g.limiter != nil {
		if d := g.limiter.TryAcquire(principal.APIKeyID); !d.Allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			g.log.WarnContext(ctx, "rate_limited",
				slog.String("request_id", reqID),
				slog.String("api_key_id", principal.APIKeyID),
				slog.Int("retry_after", d.RetryAfterSeconds()),
			)
			apierr.WriteRateLimit(ctx, d.RetryAfterSeconds())
			return
		}
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
	}

	// 3. Prompt-side content filter.
	promptText := providers.JoinedText(req.Messages)
	if g.guard != nil {
		if v, err := g.guard.CheckPrompt(ctx, promptText); errors.Is(err, filter.ErrBlocked) {
			g.writeBlocked(ctx, reqID, v)
			return
		}
	}

	// 4. Budget projection: estimated prompt cost plus the max-tokens
	// completion ceiling.
	estPrompt := usage.EstimatePromptTokens(g.tokens, req.Model, req.Messages)
	if g.budget != nil && g.pricer != nil {
		ceiling := req.MaxTokens
		if ceiling == 0 {
			ceiling = 1024
		}
		projected := g.pricer.Compute(req.Model, providers.Usage{
			PromptTokens:     estPrompt,
			CompletionTokens: ceiling,
		})
		if err := g.budget.Check(ctx, principal.APIKeyID, projected.Total); err != nil {
			if g.enforce {
				apierr.Write(ctx, fasthttp.StatusForbidden, apierr.CodeBudgetExceeded, err.Error())
				return
			}
			g.log.WarnContext(ctx, "budget_exceeded_advisory",
				slog.String("request_id", reqID),
				slog.String("api_key_id", principal.APIKeyID),
			)
		}
	}

	// 5. Routing plan.
	plan, err := g.router.Route(&req)
	if err != nil {
		g.writeRoutingError(ctx, err)
		return
	}
	servedProvider = plan.Primary.Provider

	// 6. Cache lookup — non-streaming only; excluded models bypass.
	cacheEligible := !req.Stream && g.cache != nil &&
		(g.cacheExclusions == nil || !g.cacheExclusions.Matches(plan.Primary.ID))
	var cacheKey string
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}
	if cacheEligible {
		cacheKey = buildCacheKey(&req, plan.Primary.ID)
		if body, ok := g.cache.Get(ctx, cacheKey); ok {
			cacheLabel = "hit"
			cached = true
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(body)

			var cu providers.CompletionResponse
			if err := json.Unmarshal(body, &cu); err == nil {
				promptTokens = cu.Usage.PromptTokens
				completionTokens = cu.Usage.CompletionTokens
			}
			g.recordUsage(&req, plan.Primary, providers.Usage{
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
				TotalTokens:      promptTokens + completionTokens,
			}, false, true, time.Since(start), fasthttp.StatusOK)
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	// 7a. Streaming.
	if req.Stream {
		streaming = true
		g.streamCompletion(ctx, plan, &req, start, reqBytes, estPrompt)
		return
	}

	// 7b. Buffered dispatch under the non-stream deadline.
	provCtx, cancel := context.WithTimeout(ctx, g.nonStreamDeadline)
	defer cancel()

	result, err := g.dispatcher.Dispatch(provCtx, plan, &req)
	if err != nil {
		g.log.ErrorContext(ctx, "dispatch_failed",
			slog.String("request_id", reqID),
			slog.String("primary", plan.Primary.ID),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		g.writeDispatchError(ctx, err)
		g.recordUsage(&req, plan.Primary, providers.Usage{}, true, false,
			time.Since(start), ctx.Response.StatusCode())
		return
	}
	resp := result.Response
	servedProvider = result.Served.Provider

	// 8. Completion-side content filter. The provider already did the work,
	// so a block still records token usage.
	if g.guard != nil {
		text := completionText(resp)
		if v, err := g.guard.CheckCompletion(ctx, text); errors.Is(err, filter.ErrBlocked) {
			g.recordUsage(&req, result.Served, g.normalizeUsage(&req, resp, estPrompt),
				false, false, time.Since(start), fasthttp.StatusForbidden)
			g.writeBlocked(ctx, reqID, v)
			return
		}
	}

	finalUsage := g.normalizeUsage(&req, resp, estPrompt)
	promptTokens = finalUsage.PromptTokens
	completionTokens = finalUsage.CompletionTokens

	body, err := json.Marshal(resp)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.CodeInternalError,
			"failed to serialize response")
		return
	}

	// 9. Populate the cache for future identical requests.
	if cacheEligible {
		if err := g.cache.Set(ctx, cacheKey, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	g.recordUsage(&req, result.Served, finalUsage, false, false,
		time.Since(start), fasthttp.StatusOK)

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("served", result.Served.ID),
		slog.Int("prompt_tokens", finalUsage.PromptTokens),
		slog.Int("completion_tokens", finalUsage.CompletionTokens),
		slog.Bool("fell_back", result.FellBack),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// streamCompletion opens the stream and hands it to the SSE writer.
func (g *Gateway) streamCompletion(ctx *fasthttp.RequestCtx, plan *router.Plan, req *providers.CompletionRequest, start time.Time, reqBytes, estPrompt int) {
	provCtx, cancel := context.WithTimeout(ctx, g.streamDeadline)

	result, err := g.dispatcher.DispatchStream(provCtx, plan, req)
	if err != nil {
		cancel()
		g.writeDispatchError(ctx, err)
		if g.metrics != nil {
			g.metrics.DecInFlight()
			dur := time.Since(start)
			g.metrics.ObserveHTTP("stream", ctx.Response.StatusCode(), dur, reqBytes, len(ctx.Response.Body()))
		}
		return
	}
	served := result.Served

	g.writeSSE(ctx, result.Events, func(out streamOutcome) {
		defer cancel()
		g.finishStream(req, served, out, start, reqBytes, estPrompt)
	})
}

// finishStream settles accounting after a stream drains or aborts. A client
// that disconnected mid-stream never observed the full response; that path
// emits no usage record.
func (g *Gateway) finishStream(req *providers.CompletionRequest, served providers.ModelDescriptor, out streamOutcome, start time.Time, reqBytes, estPrompt int) {
	dur := time.Since(start)
	if out.ClientGone {
		g.log.Debug("stream_client_disconnected",
			slog.String("request_id", req.RequestID),
			slog.String("served", served.ID),
		)
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP("stream", fasthttp.StatusOK, dur, reqBytes, -1)
		}
		return
	}

	u := out.Usage
	estimated := false
	if u.TotalTokens == 0 {
		estimated = true
		u = providers.Usage{
			PromptTokens:     estPrompt,
			CompletionTokens: out.EstimatedCompletionTokens,
			TotalTokens:      estPrompt + out.EstimatedCompletionTokens,
		}
	}
	status := fasthttp.StatusOK
	if out.Blocked {
		status = fasthttp.StatusForbidden
	}
	if g.router != nil && out.Err == nil {
		g.router.Latency().Observe(served.ID, dur)
	}
	g.recordUsage(req, served, u, estimated, false, dur, status)
	if g.metrics != nil {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP("stream", fasthttp.StatusOK, dur, reqBytes, -1)
		g.metrics.RecordRequest(served.Provider, fasthttp.StatusOK, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(served.Provider, "stream", "bypass", dur)
		g.metrics.AddTokens(served.Provider, "stream", u.PromptTokens, u.CompletionTokens, false)
	}
}

// normalizeUsage prefers provider-reported usage and falls back to local
// estimates when the provider reported nothing.
func (g *Gateway) normalizeUsage(req *providers.CompletionRequest, resp *providers.CompletionResponse, estPrompt int) providers.Usage {
	u := resp.Usage
	if u.TotalTokens == 0 && u.PromptTokens == 0 && u.CompletionTokens == 0 {
		est := g.tokens.CountTokens(req.Model, completionText(resp))
		u = providers.Usage{
			PromptTokens:     estPrompt,
			CompletionTokens: est,
			TotalTokens:      estPrompt + est,
		}
	} else if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// recordUsage writes one usage record asynchronously. Never blocks.
func (g *Gateway) recordUsage(req *providers.CompletionRequest, served providers.ModelDescriptor, u providers.Usage, estimated, fromCache bool, latency time.Duration, status int) {
	if g.recorder == nil {
		return
	}
	requestType := providers.RequestTypeCompletion
	if req.Stream {
		requestType = providers.RequestTypeStream
	}

	var cost usage.Cost
	if g.pricer != nil && !fromCache {
		cost = g.pricer.Compute(served.ID, u)
	}
	if g.budget != nil && cost.Total > 0 {
		g.budget.Spend(req.APIKeyID, cost.Total)
	}
	if g.metrics != nil {
		g.metrics.AddCost(served.Provider, served.ID, cost.Total)
	}
	if u.PromptTokens+u.CompletionTokens > 0 && u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}

	g.recorder.Record(usage.Record{
		RequestID:        req.RequestID,
		APIKeyID:         req.APIKeyID,
		UserID:           req.UserID,
		ProjectID:        req.ProjectID,
		Model:            served.ID,
		Provider:         served.Provider,
		RequestType:      requestType,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		PromptCost:       cost.Prompt,
		CompletionCost:   cost.Completion,
		TotalCost:        cost.Total,
		Estimated:        estimated || cost.Estimated,
		Cached:           fromCache,
		LatencyMs:        latency.Milliseconds(),
		Status:           status,
	})
}

// ── Embeddings ────────────────────────────────────────────────────────────────

// dispatchEmbeddings handles POST /v1/embeddings. Embedding requests pin
// their model explicitly; there is no strategy routing or fallback.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "embeddings"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, len(ctx.Response.Body()))
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	principal := auth.FromContext(ctx)

	var req providers.EmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeInvalidRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeInvalidRequest, err.Error())
		return
	}
	req.RequestID = reqID
	req.APIKeyID = principal.APIKeyID
	if !principal.Allows(auth.PermEmbeddings) {
		apierr.Write(ctx, fasthttp.StatusForbidden, apierr.CodeUnauthorized,
			"credential does not permit embeddings")
		return
	}

	if g.limiter != nil {
		if d := g.limiter.TryAcquire(principal.APIKeyID); !d.Allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			apierr.WriteRateLimit(ctx, d.RetryAfterSeconds())
			return
		}
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
	}

	canonical, ok := g.registry.Resolve(req.Model)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusNotFound, apierr.CodeNoSuchModel,
			fmt.Sprintf("unknown model %q", req.Model))
		return
	}
	descriptor, _ := g.registry.Get(canonical)
	servedProvider = descriptor.Provider

	provCtx, cancel := context.WithTimeout(ctx, g.nonStreamDeadline)
	defer cancel()

	resp, err := g.dispatcher.DispatchEmbedding(provCtx, descriptor, &req)
	if err != nil {
		g.log.ErrorContext(ctx, "embedding_failed",
			slog.String("request_id", reqID),
			slog.String("model", descriptor.ID),
			slog.String("error", err.Error()),
		)
		g.writeDispatchError(ctx, err)
		return
	}

	if g.recorder != nil {
		var cost usage.Cost
		if g.pricer != nil {
			cost = g.pricer.Compute(descriptor.ID, resp.Usage)
		}
		g.recorder.Record(usage.Record{
			RequestID:    reqID,
			APIKeyID:     req.APIKeyID,
			UserID:       req.UserID,
			ProjectID:    req.ProjectID,
			Model:        descriptor.ID,
			Provider:     descriptor.Provider,
			RequestType:  providers.RequestTypeEmbedding,
			PromptTokens: resp.Usage.PromptTokens,
			TotalTokens:  resp.Usage.TotalTokens,
			PromptCost:   cost.Prompt,
			TotalCost:    cost.Total,
			Estimated:    cost.Estimated,
			LatencyMs:    time.Since(start).Milliseconds(),
			Status:       fasthttp.StatusOK,
		})
	}

	body, _ := json.Marshal(resp)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// ── Model catalog ─────────────────────────────────────────────────────────────

func (g *Gateway) handleListModels(ctx *fasthttp.RequestCtx) {
	models := g.registry.List()
	writeJSON(ctx, map[string]any{
		"object": "list",
		"data":   models,
	})
}

func (g *Gateway) handleGetModel(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	m, ok := g.registry.Get(id)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusNotFound, apierr.CodeNoSuchModel,
			fmt.Sprintf("unknown model %q", id))
		return
	}
	writeJSON(ctx, m)
}

// ── Error mapping ─────────────────────────────────────────────────────────────

func (g *Gateway) writeBlocked(ctx *fasthttp.RequestCtx, reqID string, v filter.Verdict) {
	details := map[string]any{}
	if len(v.Categories) > 0 {
		details["categories"] = v.Categories
	}
	if len(v.Scores) > 0 {
		details["scores"] = v.Scores
	}
	errID := apierr.WriteDetails(ctx, fasthttp.StatusForbidden, apierr.CodeContentBlocked,
		"request blocked by content policy", details)
	g.log.WarnContext(ctx, "content_blocked",
		slog.String("request_id", reqID),
		slog.String("error_id", errID),
		slog.String("reason", v.Reason),
	)
}

func (g *Gateway) writeRoutingError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, router.ErrNoViableModel):
		apierr.Write(ctx, fasthttp.StatusNotFound, apierr.CodeNoSuchModel,
			"no model can serve this request")
	case errors.Is(err, router.ErrAllProvidersOpen):
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, apierr.CodeAllProvidersOpen,
			"all candidate providers are unavailable")
	default:
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.CodeInternalError, err.Error())
	}
}

// writeDispatchError maps a dispatcher failure to the client envelope.
func (g *Gateway) writeDispatchError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, router.ErrAllProvidersOpen):
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, apierr.CodeAllProvidersOpen,
			"all candidate providers are unavailable")
		return
	case errors.Is(err, router.ErrNoViableModel):
		apierr.Write(ctx, fasthttp.StatusNotFound, apierr.CodeNoSuchModel,
			"no model can serve this request")
		return
	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)
		return
	}

	switch classifyError(err) {
	case classProviderAuth:
		apierr.Write(ctx, fasthttp.StatusBadGateway, apierr.CodeProviderAuthError,
			"provider rejected gateway credentials")
	case classTimeout:
		apierr.WriteTimeout(ctx)
	case classInvalidRequest:
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeInvalidRequest, err.Error())
	default:
		apierr.Write(ctx, fasthttp.StatusBadGateway, apierr.CodeProviderError, err.Error())
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// completionText concatenates the textual content of every choice.
func completionText(resp *providers.CompletionResponse) string {
	if resp == nil {
		return ""
	}
	msgs := make([]providers.Message, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		msgs = append(msgs, c.Message)
	}
	return providers.JoinedText(msgs)
}

// buildCacheKey returns a deterministic SHA-256 cache key for the request.
// The resolved canonical model id is part of the key so the same logical
// request routed to different models never collides; the API key id
// partitions tenants.
func buildCacheKey(req *providers.CompletionRequest, canonicalModel string) string {
	data, _ := json.Marshal(struct {
		K     string              `json:"k"`
		M     string              `json:"m"`
		T     string              `json:"t"`
		TP    string              `json:"tp"`
		MT    int                 `json:"mt"`
		N     int                 `json:"n"`
		Stop  []string            `json:"stop,omitempty"`
		Msgs  []providers.Message `json:"msgs"`
		Tools []providers.Tool    `json:"tools,omitempty"`
	}{
		req.APIKeyID,
		canonicalModel,
		fmt.Sprintf("%.2f", req.Temperature),
		fmt.Sprintf("%.2f", req.TopP),
		req.MaxTokens,
		req.N,
		req.Stop,
		req.Messages,
		req.Tools,
	})
	h := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(h[:])
}
