package usage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	insertTimeout = 5 * time.Second
)

// Recorder is the non-blocking write path for usage records.
//
// Record hands the entry to an internal buffered channel and returns
// immediately; a background goroutine batches entries and inserts them into
// the repository. If the channel fills up, new entries are dropped and
// counted in Dropped.
type Recorder struct {
	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	repo    Repository
	baseCtx context.Context
	log     *slog.Logger
}

// NewRecorder starts the recorder's flush goroutine. ctx bounds repository
// inserts issued during flushes.
func NewRecorder(ctx context.Context, repo Repository, slogger *slog.Logger) (*Recorder, error) {
	if ctx == nil {
		return nil, fmt.Errorf("usage: context must not be nil")
	}
	if repo == nil {
		return nil, fmt.Errorf("usage: repository must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	r := &Recorder{
		ch:      make(chan Record, channelBuffer),
		done:    make(chan struct{}),
		repo:    repo,
		baseCtx: ctx,
		log:     slogger,
	}

	r.wg.Add(1)
	go r.run()

	return r, nil
}

// Record enqueues one entry. Never blocks; assigns ID and CreatedAt when
// unset.
func (r *Recorder) Record(rec Record) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	select {
	case r.ch <- rec:
	default:
		atomic.AddInt64(&r.dropped, 1)
	}
}

// Dropped returns the count of entries discarded due to backpressure.
func (r *Recorder) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}

// Close drains the channel, flushes the final batch, and stops the goroutine.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return nil
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.baseCtx), insertTimeout)
		err := r.repo.Insert(ctx, batch)
		cancel()
		if err != nil {
			r.log.Error("usage insert failed",
				slog.Int("batch", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-r.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-r.done:
			for {
				select {
				case rec := <-r.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
