package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelrelay/gateway/internal/auth"
	"github.com/modelrelay/gateway/internal/background"
	npCache "github.com/modelrelay/gateway/internal/cache"
	"github.com/modelrelay/gateway/internal/filter"
	"github.com/modelrelay/gateway/internal/logger"
	"github.com/modelrelay/gateway/internal/metrics"
	"github.com/modelrelay/gateway/internal/proxy"
	"github.com/modelrelay/gateway/internal/ratelimit"
	"github.com/modelrelay/gateway/internal/router"
	"github.com/modelrelay/gateway/internal/usage"
)

// initInfra establishes optional external connections. Redis is required
// when the cache or the rate limiter selects it; ClickHouse when the usage
// backend does.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	switch a.cfg.Usage.Backend {
	case "clickhouse":
		repo, err := usage.NewClickHouseRepository(ctx, a.cfg.Usage.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.usageRepo = repo
		a.log.Info("usage backend: clickhouse")
	default:
		a.usageRepo = usage.NewMemoryRepository()
		a.log.Info("usage backend: memory (in-process)")
	}

	return nil
}

// initProviders builds the adapter map. At least one provider must be
// configured — enforced by config validation before we reach here, but a
// failing adapter constructor can still leave the map empty.
func (a *App) initProviders(ctx context.Context) error {
	a.adapters = buildAdapters(ctx, a.cfg, a.log)
	if len(a.adapters) == 0 {
		return fmt.Errorf("no provider adapters could be built")
	}

	names := make([]string, 0, len(a.adapters))
	for n := range a.adapters {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend, rate limiter, usage pipeline, and
// Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	rlCfg := ratelimit.Config{
		TokenLimit:      a.cfg.RateLimit.TokenLimit,
		TokensPerPeriod: a.cfg.RateLimit.TokensPerPeriod,
		Period:          a.cfg.RateLimit.Period,
		QueueLimit:      a.cfg.RateLimit.QueueLimit,
	}
	switch {
	case a.cfg.RateLimit.TokenLimit <= 0:
		a.limiter = ratelimit.NewNoop()
		a.log.Info("rate limiting disabled")
	case a.cfg.RateLimit.Mode == "redis":
		a.limiter = ratelimit.NewRedis(a.rdb, rlCfg)
		a.log.Info("rate limiter: redis", slog.Int("tokens", rlCfg.TokenLimit))
	default:
		a.limiter = ratelimit.NewMemory(rlCfg)
		a.log.Info("rate limiter: memory", slog.Int("tokens", rlCfg.TokenLimit))
	}

	rec, err := usage.NewRecorder(a.baseCtx, a.usageRepo, a.log)
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	a.recorder = rec

	dec, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("decision log: %w", err)
	}
	a.decisions = dec

	a.pricer = usage.NewPricer(
		a.cfg.Usage.FallbackPromptPrice,
		a.cfg.Usage.FallbackCompletionPrice,
	)

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires the registry, router, dispatcher, and HTTP surface.
func (a *App) initGateway(ctx context.Context) error {
	a.registry = router.NewRegistry(a.cfg.Routing.Aliases)

	// Seed the registry and price table from the static catalogs before
	// serving; the background loop keeps them fresh afterwards.
	a.modelSync = background.NewModelSync(a.adapters, a.registry, a.pricer, a.log)
	if err := a.modelSync.Run(ctx); err != nil {
		a.log.Warn("initial model sync incomplete", slog.String("error", err.Error()))
	}
	if len(a.registry.List()) == 0 {
		return fmt.Errorf("model registry is empty after initial sync")
	}

	cb := proxy.NewCircuitBreakerWithConfig(proxy.CBConfig{
		FailureThreshold: a.cfg.Resilience.CircuitThreshold,
		Cooldown:         a.cfg.Resilience.CircuitCooldown,
	})
	latency := router.NewLatencyTracker()

	dispatcher := proxy.NewDispatcher(a.adapters, cb, latency, proxy.DispatcherOptions{
		MaxRetries:      a.cfg.Resilience.MaxRetries,
		BaseBackoff:     a.cfg.Resilience.BaseBackoff,
		EligibleClasses: a.cfg.Fallback.EligibleErrorClasses,
		Metrics:         a.prom,
		Logger:          a.log,
	})

	rt := router.New(router.Config{
		Strategy:               a.cfg.Routing.Strategy,
		ExperimentalSampleRate: a.cfg.Routing.ExperimentalSampleRate,
		ExperimentalModels:     a.cfg.Routing.ExperimentalModels,
		WeightCost:             a.cfg.Routing.WeightCost,
		WeightLatency:          a.cfg.Routing.WeightLatency,
		WeightQuality:          a.cfg.Routing.WeightQuality,
		FallbackEnabled:        a.cfg.Fallback.Enabled,
		FallbackMaxDepth:       a.cfg.Fallback.MaxDepth,
		FallbackRules:          a.cfg.Fallback.Rules,
	}, a.registry, latency, dispatcher.Available, a.decisions)

	// ── Optional admission subsystems ────────────────────────────────────────
	var guard *filter.Guard
	if a.cfg.ContentFilter.Enabled {
		guard = filter.NewGuard(
			filter.NewKeyword(a.cfg.ContentFilter.Blocklist),
			a.cfg.ContentFilter.Directions,
		)
		a.log.Info("content filter enabled",
			slog.Any("directions", a.cfg.ContentFilter.Directions),
			slog.Int("terms", len(a.cfg.ContentFilter.Blocklist)),
		)
	}

	var budget usage.BudgetService
	if a.cfg.Budget.MonthlyLimit > 0 {
		budget = usage.NewMonthlyBudget(a.cfg.Budget.MonthlyLimit)
		a.log.Info("budget tracking enabled",
			slog.Float64("monthly_limit_usd", a.cfg.Budget.MonthlyLimit),
			slog.Bool("enforce", a.cfg.Budget.Enforce),
		)
	}

	authn := auth.New(a.cfg.Auth.APIKeys, a.cfg.Auth.JWTSecret)
	if authn.Enabled() {
		a.log.Info("authentication enabled", slog.Int("api_keys", len(a.cfg.Auth.APIKeys)))
	} else {
		a.log.Warn("authentication disabled; all requests run anonymously")
	}

	// ── Cache implementation ─────────────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	var exclusions *npCache.ExclusionList
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		exclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	var repoReady func() bool
	if pinger, ok := a.usageRepo.(interface{ Ping(context.Context) error }); ok {
		repoReady = func() bool {
			pctx, cancel := context.WithTimeout(a.baseCtx, 2*time.Second)
			defer cancel()
			return pinger.Ping(pctx) == nil
		}
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	gw := proxy.NewGateway(a.baseCtx, rt, a.registry, dispatcher, a.adapters, proxy.GatewayOptions{
		Logger:            a.log,
		Metrics:           a.prom,
		Authenticator:     authn,
		Limiter:           a.limiter,
		Guard:             guard,
		Budget:            budget,
		EnforceBudget:     a.cfg.Budget.Enforce,
		Recorder:          a.recorder,
		Pricer:            a.pricer,
		UsageQueries:      a.usageRepo,
		Cache:             cacheImpl,
		CacheExclusions:   exclusions,
		CacheTTL:          a.cfg.Cache.TTL,
		NonStreamDeadline: a.cfg.Deadlines.NonStream,
		StreamDeadline:    a.cfg.Deadlines.Stream,
		CacheReady:        cacheReady,
		RepoReady:         repoReady,
	})
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// initBackground registers the periodic sync loops. They are started by Run.
func (a *App) initBackground(_ context.Context) error {
	a.jobs = background.NewSupervisor(a.log)

	a.jobs.Add("model-sync", background.DefaultSyncInterval, a.modelSync.Run)

	if a.cfg.FineTuneSyncInterval > 0 {
		checkers := make(map[string]background.StatusChecker)
		for name, adapter := range a.adapters {
			if c, ok := adapter.(background.StatusChecker); ok {
				checkers[name] = c
			}
		}
		if len(checkers) > 0 {
			a.ftSync = background.NewFineTuneSync(
				background.NewMemoryFineTuneStore(), checkers, a.registry, a.pricer, a.log,
			)
			a.jobs.Add("finetune-sync", a.cfg.FineTuneSyncInterval, a.ftSync.Run)
			names := make([]string, 0, len(checkers))
			for n := range checkers {
				names = append(names, n)
			}
			a.log.Info("fine-tune sync enabled", slog.Any("providers", names))
		}
	}

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
