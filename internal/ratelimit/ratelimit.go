// Package ratelimit implements per-API-key token-bucket rate limiting.
//
// Each key owns a bucket with a fixed capacity that refills at a steady rate.
// TryAcquire never blocks: a denied request gets a Retry-After hint and the
// gateway rejects it with 429. Acquire blocks until a token is available,
// bounded by a per-key waiter queue so a burst cannot pile up unbounded
// goroutines.
//
// Two backends exist: an in-process one built on golang.org/x/time/rate, and
// a Redis one sharing one bucket across replicas via an atomic Lua script.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrQueueFull is returned by Acquire when the per-key waiter queue is at
// capacity. Treated like a denial: the caller responds 429.
var ErrQueueFull = errors.New("ratelimit: waiter queue full")

// Decision is the outcome of a non-blocking admission check.
type Decision struct {
	// Allowed is true when a token was consumed.
	Allowed bool

	// RetryAfter is the wait until a token would have been available.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds for the
// Retry-After header, minimum 1 for a denial.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	s := int((d.RetryAfter + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// Limiter is the admission interface used by the gateway.
type Limiter interface {
	// TryAcquire consumes one token for key without blocking.
	TryAcquire(key string) Decision

	// Acquire blocks until a token is available, the context is done, or the
	// waiter queue for key is full.
	Acquire(ctx context.Context, key string) error

	// Close releases background resources.
	Close() error
}

// Config holds the bucket parameters shared by both backends.
type Config struct {
	// TokenLimit is the bucket capacity. 0 disables limiting (every
	// decision allows).
	TokenLimit int

	// TokensPerPeriod tokens are restored every Period.
	TokensPerPeriod int
	Period          time.Duration

	// QueueLimit bounds blocked waiters per key.
	QueueLimit int
}

// refillRate returns tokens-per-second as a float.
func (c Config) refillRate() float64 {
	if c.TokensPerPeriod <= 0 || c.Period <= 0 {
		return 0
	}
	return float64(c.TokensPerPeriod) / c.Period.Seconds()
}

// noopLimiter admits everything. Used when TokenLimit is 0.
type noopLimiter struct{}

// NewNoop returns a limiter that always allows.
func NewNoop() Limiter { return noopLimiter{} }

func (noopLimiter) TryAcquire(string) Decision              { return Decision{Allowed: true} }
func (noopLimiter) Acquire(context.Context, string) error   { return nil }
func (noopLimiter) Close() error                            { return nil }
