package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryBurstThenDeny(t *testing.T) {
	lim := NewMemory(Config{
		TokenLimit:      3,
		TokensPerPeriod: 1,
		Period:          time.Hour, // effectively no refill during the test
		QueueLimit:      10,
	})
	defer lim.Close()

	for i := 0; i < 3; i++ {
		if d := lim.TryAcquire("key-a"); !d.Allowed {
			t.Fatalf("acquire %d should be allowed", i)
		}
	}

	d := lim.TryAcquire("key-a")
	if d.Allowed {
		t.Fatal("bucket drained, acquire should be denied")
	}
	if d.RetryAfter <= 0 {
		t.Error("denied decision should carry a positive RetryAfter")
	}
	if d.RetryAfterSeconds() < 1 {
		t.Errorf("RetryAfterSeconds = %d, want >= 1", d.RetryAfterSeconds())
	}
}

func TestMemoryKeysAreIndependent(t *testing.T) {
	lim := NewMemory(Config{TokenLimit: 1, TokensPerPeriod: 1, Period: time.Hour})
	defer lim.Close()

	if d := lim.TryAcquire("a"); !d.Allowed {
		t.Fatal("first acquire on a should pass")
	}
	if d := lim.TryAcquire("a"); d.Allowed {
		t.Fatal("second acquire on a should be denied")
	}
	if d := lim.TryAcquire("b"); !d.Allowed {
		t.Error("key b has its own bucket and should pass")
	}
}

func TestMemoryRefill(t *testing.T) {
	lim := NewMemory(Config{
		TokenLimit:      1,
		TokensPerPeriod: 1,
		Period:          20 * time.Millisecond,
	})
	defer lim.Close()

	if d := lim.TryAcquire("k"); !d.Allowed {
		t.Fatal("initial acquire should pass")
	}
	if d := lim.TryAcquire("k"); d.Allowed {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(30 * time.Millisecond)
	if d := lim.TryAcquire("k"); !d.Allowed {
		t.Error("token should have refilled after one period")
	}
}

func TestMemoryAcquireBlocksUntilToken(t *testing.T) {
	lim := NewMemory(Config{
		TokenLimit:      1,
		TokensPerPeriod: 1,
		Period:          20 * time.Millisecond,
		QueueLimit:      5,
	})
	defer lim.Close()

	if d := lim.TryAcquire("k"); !d.Allowed {
		t.Fatal("initial acquire should pass")
	}

	start := time.Now()
	if err := lim.Acquire(context.Background(), "k"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("Acquire should have waited for a refill")
	}
}

func TestMemoryAcquireQueueFull(t *testing.T) {
	lim := NewMemory(Config{
		TokenLimit:      1,
		TokensPerPeriod: 1,
		Period:          time.Hour,
		QueueLimit:      2,
	})
	defer lim.Close()

	if d := lim.TryAcquire("k"); !d.Allowed {
		t.Fatal("initial acquire should pass")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = lim.Acquire(ctx, "k") // parks until cancel
		}()
	}

	// Let both goroutines park in the queue, then probe with a bounded ctx
	// so a racing third waiter cannot hang the test.
	time.Sleep(50 * time.Millisecond)
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer probeCancel()
	if err := lim.Acquire(probeCtx, "k"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Acquire = %v, want ErrQueueFull", err)
	}

	cancel()
	wg.Wait()
}

func TestMemoryAcquireContextCanceled(t *testing.T) {
	lim := NewMemory(Config{TokenLimit: 1, TokensPerPeriod: 1, Period: time.Hour, QueueLimit: 5})
	defer lim.Close()

	lim.TryAcquire("k")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := lim.Acquire(ctx, "k"); err == nil {
		t.Error("Acquire should fail when the context expires first")
	}
}

func TestZeroLimitDisables(t *testing.T) {
	lim := NewMemory(Config{TokenLimit: 0})
	defer lim.Close()

	for i := 0; i < 1000; i++ {
		if d := lim.TryAcquire("k"); !d.Allowed {
			t.Fatal("zero TokenLimit must admit everything")
		}
	}
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: srv.Addr()})
}

func TestRedisBurstThenDeny(t *testing.T) {
	rdb := newTestRedis(t)
	lim := NewRedis(rdb, Config{
		TokenLimit:      2,
		TokensPerPeriod: 1,
		Period:          time.Second,
		QueueLimit:      5,
	})
	defer lim.Close()

	for i := 0; i < 2; i++ {
		if d := lim.TryAcquire("key"); !d.Allowed {
			t.Fatalf("acquire %d should be allowed", i)
		}
	}
	d := lim.TryAcquire("key")
	if d.Allowed {
		t.Fatal("drained shared bucket should deny")
	}
	if d.RetryAfter <= 0 {
		t.Error("denial should carry a retry hint")
	}
}

func TestRedisRefillWithFakeClock(t *testing.T) {
	rdb := newTestRedis(t)
	lim := NewRedis(rdb, Config{
		TokenLimit:      1,
		TokensPerPeriod: 1,
		Period:          time.Second,
	}).(*RedisLimiter)

	now := time.Unix(1_700_000_000, 0)
	lim.now = func() time.Time { return now }

	if d := lim.TryAcquire("k"); !d.Allowed {
		t.Fatal("initial acquire should pass")
	}
	if d := lim.TryAcquire("k"); d.Allowed {
		t.Fatal("bucket should be empty")
	}

	now = now.Add(1100 * time.Millisecond)
	if d := lim.TryAcquire("k"); !d.Allowed {
		t.Error("token should refill after one period")
	}
}

func TestRedisDegradesToAllowWhenDown(t *testing.T) {
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	lim := NewRedis(rdb, Config{TokenLimit: 1, TokensPerPeriod: 1, Period: time.Second})
	srv.Close()

	if d := lim.TryAcquire("k"); !d.Allowed {
		t.Error("Redis outage should degrade to allow")
	}
}
