// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, ClickHouse when configured)
//  2. initProviders — LLM provider adapters
//  3. initServices  — cache, limiter, usage pipeline, metrics registry
//  4. initGateway   — registry, router, dispatcher, proxy routes
//  5. initBackground — model catalog and fine-tune sync loops
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/modelrelay/gateway/internal/background"
	npCache "github.com/modelrelay/gateway/internal/cache"
	"github.com/modelrelay/gateway/internal/config"
	"github.com/modelrelay/gateway/internal/logger"
	"github.com/modelrelay/gateway/internal/metrics"
	"github.com/modelrelay/gateway/internal/providers"
	anthropicprov "github.com/modelrelay/gateway/internal/providers/anthropic"
	azureprov "github.com/modelrelay/gateway/internal/providers/azure"
	cohereprov "github.com/modelrelay/gateway/internal/providers/cohere"
	geminiprov "github.com/modelrelay/gateway/internal/providers/gemini"
	hfprov "github.com/modelrelay/gateway/internal/providers/huggingface"
	openaiprov "github.com/modelrelay/gateway/internal/providers/openai"
	"github.com/modelrelay/gateway/internal/proxy"
	"github.com/modelrelay/gateway/internal/ratelimit"
	"github.com/modelrelay/gateway/internal/router"
	"github.com/modelrelay/gateway/internal/usage"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	memCache  *npCache.MemoryCache
	usageRepo usage.Repository
	recorder  *usage.Recorder
	decisions *logger.DecisionLog
	limiter   ratelimit.Limiter

	prom *metrics.Registry

	adapters map[string]providers.Adapter
	registry *router.Registry
	pricer   *usage.Pricer

	modelSync *background.ModelSync
	ftSync    *background.FineTuneSync
	jobs      *background.Supervisor

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
		{"background", a.initBackground},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the background loops and the HTTP server, then blocks until ctx
// is cancelled or an error occurs. It closes the app gracefully when
// returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("strategy", a.cfg.Routing.Strategy),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("providers", len(a.adapters)),
	)

	if a.jobs != nil {
		a.jobs.Start(a.baseCtx)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.jobs != nil {
		a.jobs.Close()
		a.jobs = nil
	}
	if a.gw != nil {
		a.gw.Close()
		a.gw = nil
	}
	if a.decisions != nil {
		if err := a.decisions.Close(); err != nil {
			a.log.Error("decision log close error", slog.String("error", err.Error()))
		}
		a.decisions = nil
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Error("recorder close error", slog.String("error", err.Error()))
		}
		a.recorder = nil
	}
	if a.limiter != nil {
		if err := a.limiter.Close(); err != nil {
			a.log.Error("limiter close error", slog.String("error", err.Error()))
		}
		a.limiter = nil
	}
	if a.usageRepo != nil {
		if err := a.usageRepo.Close(); err != nil {
			a.log.Error("usage repository close error", slog.String("error", err.Error()))
		}
		a.usageRepo = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildAdapters creates the adapter map from non-empty API keys / credentials.
func buildAdapters(ctx context.Context, cfg *config.Config, log *slog.Logger) map[string]providers.Adapter {
	adapters := make(map[string]providers.Adapter)

	if cfg.OpenAI.APIKey != "" {
		var opts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		if cfg.OpenAI.Timeout > 0 {
			opts = append(opts, openaiprov.WithTimeout(cfg.OpenAI.Timeout))
		}
		if cfg.OpenAI.OrgID != "" {
			opts = append(opts, openaiprov.WithOrgID(cfg.OpenAI.OrgID))
		}
		adapters["openai"] = openaiprov.New(cfg.OpenAI.APIKey, opts...)
	}

	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		if cfg.Anthropic.Timeout > 0 {
			opts = append(opts, anthropicprov.WithTimeout(cfg.Anthropic.Timeout))
		}
		adapters["anthropic"] = anthropicprov.New(cfg.Anthropic.APIKey, opts...)
	}

	if cfg.Cohere.APIKey != "" {
		var opts []cohereprov.Option
		if cfg.Cohere.BaseURL != "" {
			opts = append(opts, cohereprov.WithBaseURL(cfg.Cohere.BaseURL))
		}
		if cfg.Cohere.Timeout > 0 {
			opts = append(opts, cohereprov.WithTimeout(cfg.Cohere.Timeout))
		}
		adapters["cohere"] = cohereprov.New(cfg.Cohere.APIKey, opts...)
	}

	if cfg.HuggingFace.APIKey != "" {
		var opts []hfprov.Option
		if cfg.HuggingFace.BaseURL != "" {
			opts = append(opts, hfprov.WithBaseURL(cfg.HuggingFace.BaseURL))
		}
		if cfg.HuggingFace.Timeout > 0 {
			opts = append(opts, hfprov.WithTimeout(cfg.HuggingFace.Timeout))
		}
		adapters["huggingface"] = hfprov.New(cfg.HuggingFace.APIKey, opts...)
	}

	if cfg.Gemini.APIKey != "" {
		var opts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		if cfg.Gemini.Timeout > 0 {
			opts = append(opts, geminiprov.WithTimeout(cfg.Gemini.Timeout))
		}
		if p, err := geminiprov.New(ctx, cfg.Gemini.APIKey, opts...); err == nil {
			adapters["gemini"] = p
		} else {
			log.Error("gemini adapter init failed", slog.String("error", err.Error()))
		}
	}

	if cfg.Azure.APIKey != "" && cfg.Azure.Endpoint != "" {
		apiVersion := cfg.Azure.APIVersion
		if apiVersion == "" {
			apiVersion = "2024-12-01-preview"
		}
		var opts []azureprov.Option
		if cfg.Azure.Timeout > 0 {
			opts = append(opts, azureprov.WithTimeout(cfg.Azure.Timeout))
		}
		adapters["azure"] = azureprov.New(cfg.Azure.Endpoint, cfg.Azure.APIKey, apiVersion, opts...)
	}

	return adapters
}
