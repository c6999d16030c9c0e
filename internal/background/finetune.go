package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/modelrelay/gateway/internal/providers"
	"github.com/modelrelay/gateway/internal/router"
	"github.com/modelrelay/gateway/internal/usage"
)

// Fine-tune job states. Vendors report their own vocabularies; checkers
// normalize to these.
const (
	FineTuneStatusQueued    = "queued"
	FineTuneStatusRunning   = "running"
	FineTuneStatusSucceeded = "succeeded"
	FineTuneStatusFailed    = "failed"
	FineTuneStatusCancelled = "cancelled"
)

// FineTuneInProgress reports whether a status still needs polling.
func FineTuneInProgress(status string) bool {
	switch status {
	case FineTuneStatusSucceeded, FineTuneStatusFailed, FineTuneStatusCancelled:
		return false
	}
	return true
}

// FineTuneJob is one tracked fine-tuning job.
type FineTuneJob struct {
	ID             string    `json:"id"`
	Provider       string    `json:"provider"`
	BaseModel      string    `json:"baseModel"` // canonical id of the base model
	Status         string    `json:"status"`
	FineTunedModel string    `json:"fineTunedModel,omitempty"` // provider-native id, set on success
	UpdatedAt      time.Time `json:"updatedAt"`
}

// FineTuneStore is the repository port for tracked jobs.
type FineTuneStore interface {
	ListInProgress(ctx context.Context) ([]FineTuneJob, error)
	UpdateStatus(ctx context.Context, id, status, fineTunedModel string) error
}

// StatusChecker reports the vendor-side state of one fine-tune job,
// normalized to the status constants above.
type StatusChecker interface {
	FineTuneStatus(ctx context.Context, jobID string) (status, fineTunedModel string, err error)
}

// FineTuneSync polls tracked in-progress jobs and writes status changes back
// to the store. When a job succeeds, the resulting model inherits its base
// model's price so cost records start out correct.
type FineTuneSync struct {
	store    FineTuneStore
	checkers map[string]StatusChecker // provider name -> checker
	registry *router.Registry
	pricer   *usage.Pricer
	log      *slog.Logger
}

// NewFineTuneSync builds the sync job. registry and pricer may be nil.
func NewFineTuneSync(store FineTuneStore, checkers map[string]StatusChecker, registry *router.Registry, pricer *usage.Pricer, log *slog.Logger) *FineTuneSync {
	if log == nil {
		log = slog.Default()
	}
	return &FineTuneSync{store: store, checkers: checkers, registry: registry, pricer: pricer, log: log}
}

// Run performs one poll pass over the in-progress jobs.
func (s *FineTuneSync) Run(ctx context.Context) error {
	jobs, err := s.store.ListInProgress(ctx)
	if err != nil {
		return fmt.Errorf("list fine-tune jobs: %w", err)
	}

	var errs []error
	for _, j := range jobs {
		checker, ok := s.checkers[j.Provider]
		if !ok {
			continue
		}

		status, model, err := checker.FineTuneStatus(ctx, j.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", j.ID, err))
			continue
		}
		if status == j.Status && model == j.FineTunedModel {
			continue
		}

		if err := s.store.UpdateStatus(ctx, j.ID, status, model); err != nil {
			errs = append(errs, fmt.Errorf("job %s: update: %w", j.ID, err))
			continue
		}
		s.log.Info("fine-tune job status changed",
			"job_id", j.ID,
			"provider", j.Provider,
			"status", status,
		)

		if status == FineTuneStatusSucceeded && model != "" {
			s.priceSucceeded(j, model)
		}
	}
	return errors.Join(errs...)
}

func (s *FineTuneSync) priceSucceeded(j FineTuneJob, model string) {
	if s.pricer == nil || s.registry == nil {
		return
	}
	base, ok := s.registry.Get(j.BaseModel)
	if !ok {
		return
	}
	s.pricer.Set(providers.CanonicalID(j.Provider, model), usage.DescriptorPrice(base))
}

// MemoryFineTuneStore is an in-memory FineTuneStore for single-node
// deployments and tests.
type MemoryFineTuneStore struct {
	mu   sync.Mutex
	jobs map[string]FineTuneJob
}

// NewMemoryFineTuneStore creates an empty store.
func NewMemoryFineTuneStore() *MemoryFineTuneStore {
	return &MemoryFineTuneStore{jobs: make(map[string]FineTuneJob)}
}

// Track registers a job to be polled.
func (m *MemoryFineTuneStore) Track(j FineTuneJob) {
	if j.Status == "" {
		j.Status = FineTuneStatusQueued
	}
	j.UpdatedAt = time.Now()
	m.mu.Lock()
	m.jobs[j.ID] = j
	m.mu.Unlock()
}

// Get returns a tracked job by id.
func (m *MemoryFineTuneStore) Get(id string) (FineTuneJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j, ok
}

func (m *MemoryFineTuneStore) ListInProgress(ctx context.Context) ([]FineTuneJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FineTuneJob
	for _, j := range m.jobs {
		if FineTuneInProgress(j.Status) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *MemoryFineTuneStore) UpdateStatus(ctx context.Context, id, status, fineTunedModel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("unknown fine-tune job %s", id)
	}
	j.Status = status
	if fineTunedModel != "" {
		j.FineTunedModel = fineTunedModel
	}
	j.UpdatedAt = time.Now()
	m.jobs[id] = j
	return nil
}
