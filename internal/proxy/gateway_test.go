package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/modelrelay/gateway/internal/auth"
	"github.com/modelrelay/gateway/internal/cache"
	"github.com/modelrelay/gateway/internal/filter"
	"github.com/modelrelay/gateway/internal/providers"
	"github.com/modelrelay/gateway/internal/ratelimit"
	"github.com/modelrelay/gateway/internal/router"
	"github.com/modelrelay/gateway/internal/usage"
	"github.com/valyala/fasthttp/fasthttputil"
)

type testEnv struct {
	gw     *Gateway
	repo   *usage.MemoryRepository
	rec    *usage.Recorder
	client *http.Client
}

// newTestEnv serves a fully wired gateway over an in-memory listener.
// mutate adjusts the options before assembly; nil keeps the defaults.
func newTestEnv(t *testing.T, adapters map[string]providers.Adapter, mutate func(*GatewayOptions)) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	registry := router.NewRegistry(map[string]string{"fast": "openai.gpt-4o"})
	openaiModel := descriptor("openai", "gpt-4o")
	openaiModel.PromptPricePer1K = 0.0025
	openaiModel.CompletionPricePer1K = 0.01
	openaiModel.QualityScore = 0.9
	anthropicModel := descriptor("anthropic", "claude-3-5-sonnet")
	anthropicModel.PromptPricePer1K = 0.003
	anthropicModel.CompletionPricePer1K = 0.015
	anthropicModel.QualityScore = 0.9
	registry.Update([]providers.ModelDescriptor{openaiModel, anthropicModel})

	cb := NewCircuitBreaker()
	lat := router.NewLatencyTracker()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDispatcher(adapters, cb, lat, DispatcherOptions{BaseBackoff: time.Millisecond, Logger: log})
	rt := router.New(router.Config{
		Strategy:         router.StrategyCost,
		FallbackEnabled:  true,
		FallbackMaxDepth: 3,
		FallbackRules: map[string][]string{
			"openai.gpt-4o": {"anthropic.claude-3-5-sonnet"},
		},
	}, registry, lat, d.Available, nil)

	repo := usage.NewMemoryRepository()
	rec, err := usage.NewRecorder(ctx, repo, log)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	opts := GatewayOptions{
		Logger:       log,
		Recorder:     rec,
		Pricer:       usage.NewPricer(0.001, 0.002),
		UsageQueries: repo,
	}
	if mutate != nil {
		mutate(&opts)
	}

	gw := NewGateway(ctx, rt, registry, d, adapters, opts)

	ln := fasthttputil.NewInmemoryListener()
	srv := gw.Server(nil)
	go srv.Serve(ln)

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
		Timeout: 10 * time.Second,
	}

	t.Cleanup(func() {
		ln.Close()
		gw.Close()
		rec.Close()
		cancel()
	})

	return &testEnv{gw: gw, repo: repo, rec: rec, client: client}
}

func (e *testEnv) post(t *testing.T, path, body string, hdr map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://gateway"+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := e.client.Get("http://gateway" + path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

// waitForRecords polls until the async recorder has flushed n records.
func (e *testEnv) waitForRecords(t *testing.T, n int) []usage.Record {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if e.repo.Len() >= n {
			return e.repo.Records()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("recorder flushed %d records, want %d", e.repo.Len(), n)
	return nil
}

const pingBody = `{"modelId":"openai.gpt-4o","messages":[{"role":"user","content":"ping"}],"maxTokens":8}`

func TestGatewayHappyPath(t *testing.T) {
	env := newTestEnv(t, map[string]providers.Adapter{"openai": &fakeAdapter{name: "openai"}}, nil)

	resp, data := env.post(t, "/v1/completions", pingBody, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}

	var cr providers.CompletionResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cr.Model != "openai.gpt-4o" || cr.Provider != "openai" {
		t.Fatalf("model/provider = %s/%s", cr.Model, cr.Provider)
	}
	if cr.Usage.TotalTokens != 5 {
		t.Fatalf("usage = %+v", cr.Usage)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID")
	}

	recs := env.waitForRecords(t, 1)
	r := recs[0]
	if r.Model != "openai.gpt-4o" || r.TotalTokens != 5 || r.Estimated {
		t.Fatalf("record = %+v", r)
	}
	if r.TotalCost <= 0 {
		t.Fatal("expected a positive cost")
	}
}

func TestGatewayInvalidRequest(t *testing.T) {
	env := newTestEnv(t, map[string]providers.Adapter{"openai": &fakeAdapter{name: "openai"}}, nil)

	cases := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"no model", `{"messages":[{"role":"user","content":"hi"}]}`},
		{"no messages", `{"modelId":"openai.gpt-4o","messages":[]}`},
		{"bad role", `{"modelId":"openai.gpt-4o","messages":[{"role":"robot","content":"hi"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, data := env.post(t, "/v1/completions", tc.body, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			var envl struct {
				ErrorCode string `json:"errorCode"`
				ErrorID   string `json:"errorId"`
			}
			if err := json.Unmarshal(data, &envl); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if envl.ErrorCode != "INVALID_REQUEST" || envl.ErrorID == "" {
				t.Fatalf("envelope = %+v", envl)
			}
		})
	}
}

func TestGatewayFallbackOnProviderOutage(t *testing.T) {
	failing := &fakeAdapter{name: "openai", completeFn: func(context.Context, *providers.CompletionRequest) (*providers.CompletionResponse, error) {
		return nil, provErr(503)
	}}
	env := newTestEnv(t, map[string]providers.Adapter{
		"openai":    failing,
		"anthropic": &fakeAdapter{name: "anthropic"},
	}, nil)

	resp, data := env.post(t, "/v1/completions", pingBody, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}
	var cr providers.CompletionResponse
	json.Unmarshal(data, &cr)
	if cr.Provider != "anthropic" {
		t.Fatalf("served by %s, want anthropic fallback", cr.Provider)
	}
}

func TestGatewayAllProvidersOpen(t *testing.T) {
	fail := func(context.Context, *providers.CompletionRequest) (*providers.CompletionResponse, error) {
		return nil, provErr(503)
	}
	env := newTestEnv(t, map[string]providers.Adapter{
		"openai":    &fakeAdapter{name: "openai", completeFn: fail},
		"anthropic": &fakeAdapter{name: "anthropic", completeFn: fail},
	}, nil)

	// Trip both breakers.
	for i := 0; i < providers.CBFailureThreshold; i++ {
		env.gw.dispatcher.cb.RecordFailure("openai")
		env.gw.dispatcher.cb.RecordFailure("anthropic")
	}

	resp, data := env.post(t, "/v1/completions", pingBody, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}
	var envl struct {
		ErrorCode string `json:"errorCode"`
	}
	json.Unmarshal(data, &envl)
	if envl.ErrorCode != "ALL_PROVIDERS_OPEN" {
		t.Fatalf("errorCode = %s", envl.ErrorCode)
	}
}

func TestGatewayRateLimited(t *testing.T) {
	env := newTestEnv(t, map[string]providers.Adapter{"openai": &fakeAdapter{name: "openai"}}, func(o *GatewayOptions) {
		o.Limiter = ratelimit.NewMemory(ratelimit.Config{
			TokenLimit:      1,
			TokensPerPeriod: 1,
			Period:          time.Hour,
		})
	})

	resp, _ := env.post(t, "/v1/completions", pingBody, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: status = %d", resp.StatusCode)
	}

	resp, data := env.post(t, "/v1/completions", pingBody, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	var envl struct {
		ErrorCode  string `json:"errorCode"`
		RetryAfter int    `json:"retryAfter"`
	}
	json.Unmarshal(data, &envl)
	if envl.ErrorCode != "RATE_LIMIT_EXCEEDED" || envl.RetryAfter < 1 {
		t.Fatalf("envelope = %+v", envl)
	}
}

func TestGatewayContentBlockedPrompt(t *testing.T) {
	adapter := &fakeAdapter{name: "openai"}
	env := newTestEnv(t, map[string]providers.Adapter{"openai": adapter}, func(o *GatewayOptions) {
		o.Guard = filter.NewGuard(filter.NewKeyword([]string{"forbidden"}),
			[]string{filter.DirectionPrompt})
	})

	body := `{"modelId":"openai.gpt-4o","messages":[{"role":"user","content":"something forbidden here"}]}`
	resp, data := env.post(t, "/v1/completions", body, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}
	var envl struct {
		ErrorCode string `json:"errorCode"`
	}
	json.Unmarshal(data, &envl)
	if envl.ErrorCode != "CONTENT_BLOCKED" {
		t.Fatalf("errorCode = %s", envl.ErrorCode)
	}
	if adapter.calls.Load() != 0 {
		t.Fatal("blocked prompt must never reach a provider")
	}
}

func TestGatewayContentBlockedCompletionStillRecordsUsage(t *testing.T) {
	adapter := &fakeAdapter{name: "openai", completeFn: func(_ context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
		r := okResponse(req.Model)
		r.Choices[0].Message.Content = "a forbidden answer"
		return r, nil
	}}
	env := newTestEnv(t, map[string]providers.Adapter{"openai": adapter}, func(o *GatewayOptions) {
		o.Guard = filter.NewGuard(filter.NewKeyword([]string{"forbidden"}),
			[]string{filter.DirectionCompletion})
	})

	resp, _ := env.post(t, "/v1/completions", pingBody, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	recs := env.waitForRecords(t, 1)
	if recs[0].TotalTokens != 5 {
		t.Fatalf("blocked completion must still record tokens, got %+v", recs[0])
	}
	if recs[0].Status != http.StatusForbidden {
		t.Fatalf("record status = %d", recs[0].Status)
	}
}

func TestGatewayCacheHit(t *testing.T) {
	adapter := &fakeAdapter{name: "openai"}
	ctx := context.Background()
	mem := cache.NewMemoryCache(ctx)
	env := newTestEnv(t, map[string]providers.Adapter{"openai": adapter}, func(o *GatewayOptions) {
		o.Cache = mem
	})
	defer mem.Close()

	resp, _ := env.post(t, "/v1/completions", pingBody, nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Cache") != "MISS" {
		t.Fatalf("first: status=%d cache=%s", resp.StatusCode, resp.Header.Get("X-Cache"))
	}

	resp, data := env.post(t, "/v1/completions", pingBody, nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Cache") != "HIT" {
		t.Fatalf("second: status=%d cache=%s", resp.StatusCode, resp.Header.Get("X-Cache"))
	}
	var cr providers.CompletionResponse
	json.Unmarshal(data, &cr)
	if cr.Usage.TotalTokens != 5 {
		t.Fatalf("cached usage = %+v", cr.Usage)
	}
	if adapter.calls.Load() != 1 {
		t.Fatalf("provider called %d times, want 1", adapter.calls.Load())
	}

	recs := env.waitForRecords(t, 2)
	var cachedRecords int
	for _, r := range recs {
		if r.Cached {
			cachedRecords++
		}
	}
	if cachedRecords != 1 {
		t.Fatalf("cached records = %d, want 1", cachedRecords)
	}
}

func TestGatewayAuthRequired(t *testing.T) {
	env := newTestEnv(t, map[string]providers.Adapter{"openai": &fakeAdapter{name: "openai"}}, func(o *GatewayOptions) {
		o.Authenticator = auth.New([]string{"sk-test-1"}, "")
	})

	resp, data := env.post(t, "/v1/completions", pingBody, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}

	resp, _ = env.post(t, "/v1/completions", pingBody, map[string]string{"X-API-Key": "sk-test-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorized status = %d", resp.StatusCode)
	}

	// Usage records carry the key fingerprint, never the key.
	recs := env.waitForRecords(t, 1)
	if recs[0].APIKeyID == "sk-test-1" || recs[0].APIKeyID == "" {
		t.Fatalf("APIKeyID = %q", recs[0].APIKeyID)
	}

	// Health stays open without credentials.
	resp, _ = env.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
}

func TestGatewayBudgetEnforced(t *testing.T) {
	env := newTestEnv(t, map[string]providers.Adapter{"openai": &fakeAdapter{name: "openai"}}, func(o *GatewayOptions) {
		b := usage.NewMonthlyBudget(0.000001)
		b.Spend("anonymous", 1) // already over
		o.Budget = b
		o.EnforceBudget = true
	})

	resp, data := env.post(t, "/v1/completions", pingBody, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}
	var envl struct {
		ErrorCode string `json:"errorCode"`
	}
	json.Unmarshal(data, &envl)
	if envl.ErrorCode != "BUDGET_EXCEEDED" {
		t.Fatalf("errorCode = %s", envl.ErrorCode)
	}
}

func TestStreamClientDisconnectEmitsNoUsageRecord(t *testing.T) {
	env := newTestEnv(t, map[string]providers.Adapter{"openai": &fakeAdapter{name: "openai"}}, nil)
	served := descriptor("openai", "gpt-4o")

	gone := &providers.CompletionRequest{Model: "openai.gpt-4o", RequestID: "req-gone", Stream: true}
	env.gw.finishStream(gone, served, streamOutcome{ClientGone: true, Err: io.ErrClosedPipe}, time.Now(), 64, 4)

	finished := &providers.CompletionRequest{Model: "openai.gpt-4o", RequestID: "req-finished", Stream: true}
	env.gw.finishStream(finished, served, streamOutcome{
		Usage: providers.Usage{PromptTokens: 4, CompletionTokens: 3, TotalTokens: 7},
	}, time.Now(), 64, 4)

	recs := env.waitForRecords(t, 1)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].RequestID != "req-finished" {
		t.Fatalf("record request id = %q; a disconnected client must not be billed", recs[0].RequestID)
	}
}

func TestGatewayStreaming(t *testing.T) {
	env := newTestEnv(t, map[string]providers.Adapter{"openai": &fakeAdapter{name: "openai"}}, nil)

	body := `{"modelId":"openai.gpt-4o","messages":[{"role":"user","content":"ping"}],"stream":true}`
	req, _ := http.NewRequest(http.MethodPost, "http://gateway/v1/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	var events []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			events = append(events, data)
		}
	}
	if len(events) < 3 {
		t.Fatalf("events = %v", events)
	}
	if events[len(events)-1] != "[DONE]" {
		t.Fatalf("last event = %q, want [DONE]", events[len(events)-1])
	}

	var content bytes.Buffer
	for _, ev := range events[:len(events)-1] {
		var chunk providers.CompletionChunk
		if err := json.Unmarshal([]byte(ev), &chunk); err != nil {
			t.Fatalf("chunk %q: %v", ev, err)
		}
		for _, c := range chunk.Choices {
			content.WriteString(c.Delta.Content)
		}
	}
	if content.String() != "hello" {
		t.Fatalf("streamed content = %q", content.String())
	}

	recs := env.waitForRecords(t, 1)
	if recs[0].RequestType != providers.RequestTypeStream {
		t.Fatalf("record type = %s", recs[0].RequestType)
	}
	if !recs[0].Estimated {
		t.Fatal("stream without a usage chunk must be estimated")
	}
}

func TestGatewayModelCatalog(t *testing.T) {
	env := newTestEnv(t, map[string]providers.Adapter{"openai": &fakeAdapter{name: "openai"}}, nil)

	resp, data := env.get(t, "/v1/models")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var list struct {
		Data []providers.ModelDescriptor `json:"data"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list.Data) != 2 {
		t.Fatalf("models = %d, want 2", len(list.Data))
	}

	resp, data = env.get(t, "/v1/models/openai.gpt-4o")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var m providers.ModelDescriptor
	json.Unmarshal(data, &m)
	if m.ID != "openai.gpt-4o" {
		t.Fatalf("id = %s", m.ID)
	}

	resp, data = env.get(t, "/v1/models/nope.missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var envl struct {
		ErrorCode string `json:"errorCode"`
	}
	json.Unmarshal(data, &envl)
	if envl.ErrorCode != "NO_SUCH_MODEL" {
		t.Fatalf("errorCode = %s", envl.ErrorCode)
	}
}

func TestGatewayEmbeddings(t *testing.T) {
	env := newTestEnv(t, map[string]providers.Adapter{"openai": &fakeAdapter{name: "openai"}}, nil)

	body := `{"modelId":"openai.gpt-4o","input":["hello world"]}`
	resp, data := env.post(t, "/v1/embeddings", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}
	var er providers.EmbeddingResponse
	if err := json.Unmarshal(data, &er); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(er.Data) != 1 || er.Model != "openai.gpt-4o" {
		t.Fatalf("response = %+v", er)
	}

	recs := env.waitForRecords(t, 1)
	if recs[0].RequestType != providers.RequestTypeEmbedding {
		t.Fatalf("record type = %s", recs[0].RequestType)
	}
}

func TestGatewayUsageSummary(t *testing.T) {
	env := newTestEnv(t, map[string]providers.Adapter{"openai": &fakeAdapter{name: "openai"}}, nil)

	resp, _ := env.post(t, "/v1/completions", pingBody, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("completion status = %d", resp.StatusCode)
	}
	env.waitForRecords(t, 1)

	resp, data := env.get(t, "/v1/usage/summary?groupBy=day")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary status = %d, body %s", resp.StatusCode, data)
	}
	var sum usage.Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sum.Requests != 1 || sum.TotalTokens != 5 {
		t.Fatalf("summary = %+v", sum)
	}

	resp, data = env.get(t, "/v1/usage/summary?groupBy=provider")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("provider grouping status = %d, body %s", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, &sum); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(sum.Buckets) != 1 || sum.Buckets[0].Period != "openai" {
		t.Fatalf("provider buckets = %+v, want one openai bucket", sum.Buckets)
	}

	resp, _ = env.get(t, "/v1/usage/summary?groupBy=hour")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown groupBy status = %d, want 400", resp.StatusCode)
	}
}

func TestGatewayAliasRouting(t *testing.T) {
	env := newTestEnv(t, map[string]providers.Adapter{"openai": &fakeAdapter{name: "openai"}}, nil)

	body := `{"modelId":"fast","messages":[{"role":"user","content":"ping"}]}`
	resp, data := env.post(t, "/v1/completions", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}
	var cr providers.CompletionResponse
	json.Unmarshal(data, &cr)
	if cr.Model != "openai.gpt-4o" {
		t.Fatalf("alias resolved to %s", cr.Model)
	}
}
