// Package logger implements a non-blocking, batched routing-decision log.
//
// The router hands every decision to RecordDecision, which enqueues it on an
// internal buffered channel and returns immediately — routing never blocks on
// logging. A background goroutine flushes decisions in batches. If the
// channel fills up (> 10 000 entries), new decisions are dropped and counted
// in Dropped.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelrelay/gateway/internal/router"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// DecisionLog writes routing decisions to the structured log asynchronously.
// It implements router.DecisionSink.
type DecisionLog struct {
	ch        chan router.Decision
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*DecisionLog, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &DecisionLog{
		ch:      make(chan router.Decision, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// RecordDecision enqueues one decision. Never blocks; drops when full.
func (l *DecisionLog) RecordDecision(d router.Decision) {
	select {
	case l.ch <- d:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

func (l *DecisionLog) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

func (l *DecisionLog) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *DecisionLog) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]router.Decision, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, d := range batch {
			l.log.InfoContext(ctx, "routing_decision",
				slog.String("request_id", d.RequestID),
				slog.String("requested", d.Requested),
				slog.String("strategy", d.Strategy),
				slog.String("selected", d.Selected),
				slog.Int("fallback_depth", d.FallbackDepth),
				slog.String("alternatives", strings.Join(d.Alternatives, ",")),
				slog.String("reason", d.Reason),
				slog.Time("at", normalizeTime(d.At)),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case d := <-l.ch:
			batch = append(batch, d)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case d := <-l.ch:
					batch = append(batch, d)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
