package background

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelrelay/gateway/internal/providers"
	"github.com/modelrelay/gateway/internal/router"
	"github.com/modelrelay/gateway/internal/usage"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type catalogAdapter struct {
	name   string
	models []providers.ModelDescriptor
	err    error
}

func (c *catalogAdapter) Name() string { return c.name }
func (c *catalogAdapter) ListModels(ctx context.Context) ([]providers.ModelDescriptor, error) {
	return c.models, c.err
}
func (c *catalogAdapter) GetModel(ctx context.Context, id string) (*providers.ModelDescriptor, error) {
	return nil, errors.New("not implemented")
}
func (c *catalogAdapter) CreateCompletion(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	return nil, errors.New("not implemented")
}
func (c *catalogAdapter) CreateCompletionStream(ctx context.Context, req *providers.CompletionRequest) (<-chan providers.StreamEvent, error) {
	return nil, errors.New("not implemented")
}
func (c *catalogAdapter) CreateEmbedding(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	return nil, errors.New("not implemented")
}
func (c *catalogAdapter) IsAvailable(ctx context.Context) error { return nil }

func descriptor(provider, model string) providers.ModelDescriptor {
	return providers.ModelDescriptor{
		ID:                   providers.CanonicalID(provider, model),
		Provider:             provider,
		ProviderModelID:      model,
		ContextWindow:        8192,
		Capabilities:         []string{providers.CapCompletions},
		PromptPricePer1K:     0.001,
		CompletionPricePer1K: 0.002,
		Active:               true,
	}
}

func TestSupervisorRunsJobImmediately(t *testing.T) {
	var runs atomic.Int32
	s := NewSupervisor(discard())
	s.Add("tick", time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	s.Start(context.Background())
	defer s.Close()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("job never ran")
	}
}

func TestSupervisorSurvivesFailures(t *testing.T) {
	var runs atomic.Int32
	s := NewSupervisor(discard())
	s.Add("flaky", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	})
	s.Start(context.Background())
	defer s.Close()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() < 3 {
		t.Fatalf("expected the loop to keep running after failures, got %d runs", runs.Load())
	}
}

func TestSupervisorCloseStopsJobs(t *testing.T) {
	var runs atomic.Int32
	s := NewSupervisor(discard())
	s.Add("tick", 5*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.Close()

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if got := runs.Load(); got != after {
		t.Errorf("job still running after Close: %d -> %d", after, got)
	}
}

func TestModelSyncUpdatesRegistryAndPrices(t *testing.T) {
	adapters := map[string]providers.Adapter{
		"openai": &catalogAdapter{name: "openai", models: []providers.ModelDescriptor{
			descriptor("openai", "gpt-4o"),
		}},
	}
	registry := router.NewRegistry(nil)
	pricer := usage.NewPricer(0.01, 0.02)

	sync := NewModelSync(adapters, registry, pricer, discard())
	if err := sync.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := registry.Get("openai.gpt-4o"); !ok {
		t.Error("model not registered")
	}
	price, known := pricer.Lookup("openai.gpt-4o")
	if !known || price.PromptPer1K != 0.001 {
		t.Errorf("price = %+v known=%v", price, known)
	}
}

func TestModelSyncFailedProviderKeepsOthers(t *testing.T) {
	adapters := map[string]providers.Adapter{
		"openai": &catalogAdapter{name: "openai", models: []providers.ModelDescriptor{
			descriptor("openai", "gpt-4o"),
		}},
		"anthropic": &catalogAdapter{name: "anthropic", err: errors.New("listing down")},
	}
	registry := router.NewRegistry(nil)

	sync := NewModelSync(adapters, registry, nil, discard())
	err := sync.Run(context.Background())
	if err == nil {
		t.Fatal("expected an aggregated error")
	}
	if _, ok := registry.Get("openai.gpt-4o"); !ok {
		t.Error("healthy provider's models should still be registered")
	}
}

type fakeChecker struct {
	status string
	model  string
	err    error
	calls  atomic.Int32
}

func (f *fakeChecker) FineTuneStatus(ctx context.Context, jobID string) (string, string, error) {
	f.calls.Add(1)
	return f.status, f.model, f.err
}

func TestFineTuneSyncUpdatesStatus(t *testing.T) {
	store := NewMemoryFineTuneStore()
	store.Track(FineTuneJob{ID: "ft-1", Provider: "openai", BaseModel: "openai.gpt-4o", Status: FineTuneStatusRunning})

	checker := &fakeChecker{status: FineTuneStatusSucceeded, model: "ft:gpt-4o:acme:1"}
	registry := router.NewRegistry(nil)
	registry.Update([]providers.ModelDescriptor{descriptor("openai", "gpt-4o")})
	pricer := usage.NewPricer(0.01, 0.02)

	sync := NewFineTuneSync(store, map[string]StatusChecker{"openai": checker}, registry, pricer, discard())
	if err := sync.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	j, ok := store.Get("ft-1")
	if !ok || j.Status != FineTuneStatusSucceeded {
		t.Fatalf("job = %+v ok=%v", j, ok)
	}
	if j.FineTunedModel != "ft:gpt-4o:acme:1" {
		t.Errorf("fine-tuned model = %q", j.FineTunedModel)
	}

	// Completed jobs inherit the base model's price.
	price, known := pricer.Lookup("openai.ft:gpt-4o:acme:1")
	if !known || price.PromptPer1K != 0.001 {
		t.Errorf("price = %+v known=%v", price, known)
	}

	// Terminal jobs drop out of the poll set.
	jobs, err := store.ListInProgress(context.Background())
	if err != nil || len(jobs) != 0 {
		t.Errorf("in-progress = %v err=%v", jobs, err)
	}
}

func TestFineTuneSyncSkipsUnknownProvider(t *testing.T) {
	store := NewMemoryFineTuneStore()
	store.Track(FineTuneJob{ID: "ft-2", Provider: "nobody", Status: FineTuneStatusQueued})

	sync := NewFineTuneSync(store, nil, nil, nil, discard())
	if err := sync.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j, _ := store.Get("ft-2"); j.Status != FineTuneStatusQueued {
		t.Errorf("status changed unexpectedly: %+v", j)
	}
}

func TestFineTuneSyncCheckerFailureSurvives(t *testing.T) {
	store := NewMemoryFineTuneStore()
	store.Track(FineTuneJob{ID: "ft-3", Provider: "openai", Status: FineTuneStatusRunning})
	store.Track(FineTuneJob{ID: "ft-4", Provider: "cohere", Status: FineTuneStatusRunning})

	sync := NewFineTuneSync(store, map[string]StatusChecker{
		"openai": &fakeChecker{err: errors.New("vendor down")},
		"cohere": &fakeChecker{status: FineTuneStatusFailed},
	}, nil, nil, discard())

	if err := sync.Run(context.Background()); err == nil {
		t.Fatal("expected aggregated error")
	}
	if j, _ := store.Get("ft-4"); j.Status != FineTuneStatusFailed {
		t.Errorf("healthy provider's job not updated: %+v", j)
	}
	if j, _ := store.Get("ft-3"); j.Status != FineTuneStatusRunning {
		t.Errorf("failed check should leave status untouched: %+v", j)
	}
}
