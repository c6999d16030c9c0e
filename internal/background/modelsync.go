package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelrelay/gateway/internal/providers"
	"github.com/modelrelay/gateway/internal/router"
	"github.com/modelrelay/gateway/internal/usage"
)

// ModelSync refreshes the model registry and the price table from the
// adapters' catalogs. Providers whose ListModels call fails keep their
// current registry entries.
type ModelSync struct {
	adapters map[string]providers.Adapter
	registry *router.Registry
	pricer   *usage.Pricer
	log      *slog.Logger
}

// NewModelSync builds the sync job. pricer may be nil.
func NewModelSync(adapters map[string]providers.Adapter, registry *router.Registry, pricer *usage.Pricer, log *slog.Logger) *ModelSync {
	if log == nil {
		log = slog.Default()
	}
	return &ModelSync{adapters: adapters, registry: registry, pricer: pricer, log: log}
}

// Run performs one sync pass.
func (s *ModelSync) Run(ctx context.Context) error {
	var (
		models []providers.ModelDescriptor
		errs   []error
	)
	for name, a := range s.adapters {
		list, err := a.ListModels(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		models = append(models, list...)
	}

	if len(models) > 0 {
		s.registry.Update(models)
		if s.pricer != nil {
			for _, m := range models {
				s.pricer.Set(m.ID, usage.DescriptorPrice(m))
			}
		}
		s.log.Debug("model catalog refreshed", "models", len(models))
	}
	return errors.Join(errs...)
}
