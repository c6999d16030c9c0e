package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript implements an atomic token bucket over a Redis hash.
// KEYS[1] = bucket key
// ARGV[1] = current unix time in milliseconds
// ARGV[2] = capacity
// ARGV[3] = refill rate in tokens per millisecond
// ARGV[4] = key TTL in milliseconds
// Returns: {1, 0} when a token was taken, {0, retry_after_ms} otherwise.
var tokenBucketScript = redis.NewScript(`
		local key      = KEYS[1]
		local now      = tonumber(ARGV[1])
		local capacity = tonumber(ARGV[2])
		local rate     = tonumber(ARGV[3])
		local ttl      = tonumber(ARGV[4])

		local tokens = tonumber(redis.call('HGET', key, 'tokens'))
		local ts     = tonumber(redis.call('HGET', key, 'ts'))
		if tokens == nil then
			tokens = capacity
			ts = now
		end

		-- Refill for the elapsed interval, capped at capacity.
		tokens = math.min(capacity, tokens + (now - ts) * rate)

		if tokens >= 1 then
			redis.call('HSET', key, 'tokens', tokens - 1, 'ts', now)
			redis.call('PEXPIRE', key, ttl)
			return {1, 0}
		end

		redis.call('HSET', key, 'tokens', tokens, 'ts', now)
		redis.call('PEXPIRE', key, ttl)
		local wait = math.ceil((1 - tokens) / rate)
		return {0, wait}
`)

// RedisLimiter shares one token bucket per key across gateway replicas.
// The waiter queue bound is per replica; a blocked Acquire polls the shared
// bucket using the script's retry hint.
type RedisLimiter struct {
	rdb *redis.Client
	cfg Config

	mu      sync.Mutex
	waiters map[string]int

	now func() time.Time
}

// NewRedis builds the Redis-backed limiter. Returns a no-op limiter when
// cfg.TokenLimit is 0.
func NewRedis(rdb *redis.Client, cfg Config) Limiter {
	if cfg.TokenLimit <= 0 {
		return NewNoop()
	}
	return &RedisLimiter{
		rdb:     rdb,
		cfg:     cfg,
		waiters: make(map[string]int),
		now:     time.Now,
	}
}

func (r *RedisLimiter) key(k string) string {
	return "ratelimit:bucket:" + k
}

// run executes the script once. Redis failure degrades to allow, matching
// the availability-over-strictness stance of the rest of the data path.
func (r *RedisLimiter) run(ctx context.Context, key string) (allowed bool, retryAfter time.Duration) {
	ratePerMs := r.cfg.refillRate() / 1000
	if ratePerMs <= 0 {
		return false, r.cfg.Period
	}
	// TTL long enough for a drained bucket to fully refill before expiry.
	ttlMs := int64(float64(r.cfg.TokenLimit)/ratePerMs) * 2

	res, err := tokenBucketScript.Run(ctx, r.rdb,
		[]string{r.key(key)},
		r.now().UnixMilli(),
		r.cfg.TokenLimit,
		strconv.FormatFloat(ratePerMs, 'f', -1, 64),
		ttlMs,
	).Int64Slice()
	if err != nil || len(res) != 2 {
		return true, 0
	}
	if res[0] == 1 {
		return true, 0
	}
	return false, time.Duration(res[1]) * time.Millisecond
}

func (r *RedisLimiter) TryAcquire(key string) Decision {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	allowed, retryAfter := r.run(ctx, key)
	return Decision{Allowed: allowed, RetryAfter: retryAfter}
}

func (r *RedisLimiter) Acquire(ctx context.Context, key string) error {
	r.mu.Lock()
	if r.cfg.QueueLimit > 0 && r.waiters[key] >= r.cfg.QueueLimit {
		r.mu.Unlock()
		return ErrQueueFull
	}
	r.waiters[key]++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.waiters[key]--
		r.mu.Unlock()
	}()

	for {
		allowed, retryAfter := r.run(ctx, key)
		if allowed {
			return nil
		}
		if retryAfter <= 0 {
			retryAfter = 10 * time.Millisecond
		}
		timer := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("ratelimit: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (r *RedisLimiter) Close() error { return nil }
