package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	sweepInterval = 10 * time.Minute
	idleEviction  = 30 * time.Minute
)

// MemoryLimiter keeps one rate.Limiter per key in process memory. Idle
// buckets are evicted by a background sweeper so a high-cardinality key
// space does not grow without bound.
type MemoryLimiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket

	done      chan struct{}
	closeOnce sync.Once
}

type bucket struct {
	lim      *rate.Limiter
	waiters  int
	lastSeen time.Time
}

// NewMemory builds the in-process limiter. Returns a no-op limiter when
// cfg.TokenLimit is 0.
func NewMemory(cfg Config) Limiter {
	if cfg.TokenLimit <= 0 {
		return NewNoop()
	}
	m := &MemoryLimiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *MemoryLimiter) bucketFor(key string) *bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(m.cfg.refillRate()), m.cfg.TokenLimit)}
		m.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b
}

func (m *MemoryLimiter) TryAcquire(key string) Decision {
	b := m.bucketFor(key)

	res := b.lim.Reserve()
	if !res.OK() {
		return Decision{RetryAfter: m.cfg.Period}
	}
	if delay := res.Delay(); delay > 0 {
		// No token available now; give it back and report when one would be.
		res.Cancel()
		return Decision{RetryAfter: delay}
	}
	return Decision{Allowed: true}
}

func (m *MemoryLimiter) Acquire(ctx context.Context, key string) error {
	m.mu.Lock()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(m.cfg.refillRate()), m.cfg.TokenLimit)}
		m.buckets[key] = b
	}
	b.lastSeen = time.Now()
	if m.cfg.QueueLimit > 0 && b.waiters >= m.cfg.QueueLimit {
		m.mu.Unlock()
		return ErrQueueFull
	}
	b.waiters++
	m.mu.Unlock()

	err := b.lim.Wait(ctx)

	m.mu.Lock()
	b.waiters--
	m.mu.Unlock()
	return err
}

func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-idleEviction)
			m.mu.Lock()
			for k, b := range m.buckets {
				if b.waiters == 0 && b.lastSeen.Before(cutoff) {
					delete(m.buckets, k)
				}
			}
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}
