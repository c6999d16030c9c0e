package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/modelrelay/gateway/internal/auth"
	"github.com/modelrelay/gateway/internal/usage"
	"github.com/modelrelay/gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := g.Server(mgmt)
	return srv.ListenAndServe(addr)
}

// Server builds the configured fasthttp server without binding a listener,
// so tests can serve it over an in-memory transport.
func (g *Gateway) Server(mgmt *ManagementRoutes) *fasthttp.Server {
	r := router.New()

	r.POST("/v1/chat/completions", g.dispatchCompletions)
	r.POST("/v1/completions", g.dispatchCompletions)
	r.POST("/v1/embeddings", g.dispatchEmbeddings)
	r.GET("/v1/models", g.handleListModels)
	r.GET("/v1/models/{id}", g.handleGetModel)
	r.GET("/v1/usage/summary", g.handleUsageSummary)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		authMiddleware(g.authn),
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	return &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 180 * time.Second, // must exceed the streaming deadline
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

// handleUsageSummary serves aggregate usage for dashboards. Query args:
// from/to (RFC 3339), groupBy (day|month), and optional apiKey/user/project/
// model/provider filters. Requires the usage permission.
func (g *Gateway) handleUsageSummary(ctx *fasthttp.RequestCtx) {
	if g.usageRepo == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, apierr.CodeInvalidRequest,
			"usage summarization is not configured")
		return
	}
	principal := auth.FromContext(ctx)
	if !principal.Allows(auth.PermUsage) {
		apierr.Write(ctx, fasthttp.StatusForbidden, apierr.CodeUnauthorized,
			"credential does not permit usage queries")
		return
	}

	args := ctx.QueryArgs()
	q := usage.Query{
		GroupBy:   string(args.Peek("groupBy")),
		APIKeyID:  string(args.Peek("apiKey")),
		UserID:    string(args.Peek("user")),
		ProjectID: string(args.Peek("project")),
		Model:     string(args.Peek("model")),
		Provider:  string(args.Peek("provider")),
	}

	now := time.Now().UTC()
	q.From = now.AddDate(0, 0, -30)
	q.To = now
	if raw := string(args.Peek("from")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeInvalidRequest,
				"from: expected RFC 3339 timestamp")
			return
		}
		q.From = t
	}
	if raw := string(args.Peek("to")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeInvalidRequest,
				"to: expected RFC 3339 timestamp")
			return
		}
		q.To = t
	}
	if !q.From.Before(q.To) {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeInvalidRequest,
			"from must precede to")
		return
	}
	switch q.GroupBy {
	case "", usage.GroupByDay, usage.GroupByMonth, usage.GroupByModel, usage.GroupByUser, usage.GroupByProvider:
	default:
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeInvalidRequest,
			"groupBy: expected day, month, model, user, or provider")
		return
	}

	sum, err := g.usageRepo.Summarize(ctx, q)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.CodeInternalError,
			"usage query failed")
		return
	}
	writeJSON(ctx, sum)
}
