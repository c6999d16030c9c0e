// Package background runs periodic tasks that live outside the request path:
// catalog refresh from the provider adapters and fine-tune job polling. Jobs
// run on their own tickers, log and survive individual failures, and stop
// together at shutdown.
package background

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultSyncInterval is the poll period used when a job is added with a
// non-positive interval.
const DefaultSyncInterval = 5 * time.Minute

type job struct {
	name     string
	interval time.Duration
	run      func(context.Context) error
}

// Supervisor owns a set of periodic jobs. Add jobs, then Start once;
// Close cancels all loops and waits for them to finish.
type Supervisor struct {
	log    *slog.Logger
	jobs   []job
	cancel context.CancelFunc
	g      *errgroup.Group
}

// NewSupervisor creates an idle supervisor.
func NewSupervisor(log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{log: log}
}

// Add registers a periodic job. Must be called before Start.
func (s *Supervisor) Add(name string, interval time.Duration, run func(context.Context) error) {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	s.jobs = append(s.jobs, job{name: name, interval: interval, run: run})
}

// Start launches one goroutine per job. Each job runs immediately, then on
// its ticker. A failing iteration is logged and the loop continues.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.g, ctx = errgroup.WithContext(ctx)

	for _, j := range s.jobs {
		j := j
		s.g.Go(func() error {
			s.runOnce(ctx, j)

			ticker := time.NewTicker(j.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					s.runOnce(ctx, j)
				}
			}
		})
	}
}

func (s *Supervisor) runOnce(ctx context.Context, j job) {
	start := time.Now()
	if err := j.run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("background job failed",
			"job", j.name,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}
	s.log.Debug("background job finished",
		"job", j.name,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Close cancels all job loops and waits for them to exit.
func (s *Supervisor) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.g != nil {
		_ = s.g.Wait()
	}
}
