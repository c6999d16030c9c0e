package router

import (
	"sync"
	"time"
)

// latencyWindow is the number of recent samples kept per model.
const latencyWindow = 64

// LatencyTracker keeps a fixed-size ring of recent request latencies per
// canonical model id, feeding the latency and smart strategies.
type LatencyTracker struct {
	mu    sync.RWMutex
	rings map[string]*latencyRing
}

type latencyRing struct {
	samples [latencyWindow]time.Duration
	next    int
	filled  int
}

// NewLatencyTracker returns an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{rings: make(map[string]*latencyRing)}
}

// Observe records one completed request latency for model.
func (t *LatencyTracker) Observe(model string, d time.Duration) {
	if d < 0 {
		return
	}
	t.mu.Lock()
	r, ok := t.rings[model]
	if !ok {
		r = &latencyRing{}
		t.rings[model] = r
	}
	r.samples[r.next] = d
	r.next = (r.next + 1) % latencyWindow
	if r.filled < latencyWindow {
		r.filled++
	}
	t.mu.Unlock()
}

// Avg returns the mean of the recorded window. ok is false when no sample
// exists yet; callers treat such models as neutral rather than fastest.
func (t *LatencyTracker) Avg(model string) (time.Duration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rings[model]
	if !ok || r.filled == 0 {
		return 0, false
	}
	var sum time.Duration
	for i := 0; i < r.filled; i++ {
		sum += r.samples[i]
	}
	return sum / time.Duration(r.filled), true
}
