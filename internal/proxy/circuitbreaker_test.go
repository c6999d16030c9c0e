package proxy

import (
	"testing"
	"time"
)

func newTestCB(threshold int, cooldown time.Duration) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreakerWithConfig(CBConfig{FailureThreshold: threshold, Cooldown: cooldown})
	clock := time.Now()
	cb.now = func() time.Time { return clock }
	return cb, &clock
}

func TestCircuitBreakerClosedByDefault(t *testing.T) {
	cb := NewCircuitBreaker()
	if !cb.Allow("openai") {
		t.Fatal("fresh breaker should allow")
	}
	if got := cb.StateLabel("openai"); got != "closed" {
		t.Fatalf("StateLabel = %q, want closed", got)
	}
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := newTestCB(3, 30*time.Second)

	cb.RecordFailure("openai")
	cb.RecordFailure("openai")
	if cb.State("openai") != cbClosed {
		t.Fatal("breaker opened before threshold")
	}
	cb.RecordFailure("openai")
	if cb.State("openai") != cbOpen {
		t.Fatal("breaker should open at threshold")
	}
	if cb.Allow("openai") {
		t.Fatal("open breaker should reject")
	}
}

func TestCircuitBreakerSuccessResetsCount(t *testing.T) {
	cb, _ := newTestCB(3, 30*time.Second)

	cb.RecordFailure("openai")
	cb.RecordFailure("openai")
	cb.RecordSuccess("openai")
	cb.RecordFailure("openai")
	cb.RecordFailure("openai")
	if cb.State("openai") != cbClosed {
		t.Fatal("success should reset the consecutive counter")
	}
}

func TestCircuitBreakerHalfOpenAfterCooldown(t *testing.T) {
	cb, clock := newTestCB(1, 30*time.Second)

	cb.RecordFailure("openai")
	if cb.Allow("openai") {
		t.Fatal("breaker should be open")
	}

	*clock = clock.Add(29 * time.Second)
	if cb.Allow("openai") {
		t.Fatal("cooldown has not elapsed yet")
	}

	*clock = clock.Add(2 * time.Second)
	if !cb.Allow("openai") {
		t.Fatal("cooldown elapsed, one probe should be admitted")
	}
	if cb.State("openai") != cbHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State("openai"))
	}
	// Only one probe at a time.
	if cb.Allow("openai") {
		t.Fatal("second probe admitted while first is in flight")
	}
}

func TestCircuitBreakerProbeSuccessCloses(t *testing.T) {
	cb, clock := newTestCB(1, time.Second)

	cb.RecordFailure("openai")
	*clock = clock.Add(2 * time.Second)
	if !cb.Allow("openai") {
		t.Fatal("probe should be admitted")
	}
	cb.RecordSuccess("openai")
	if cb.State("openai") != cbClosed {
		t.Fatal("successful probe should close the breaker")
	}
	if !cb.Allow("openai") {
		t.Fatal("closed breaker should allow")
	}
}

func TestCircuitBreakerProbeFailureReopens(t *testing.T) {
	cb, clock := newTestCB(5, time.Second)

	for i := 0; i < 5; i++ {
		cb.RecordFailure("openai")
	}
	*clock = clock.Add(2 * time.Second)
	if !cb.Allow("openai") {
		t.Fatal("probe should be admitted")
	}
	// A single probe failure reopens immediately, well below the threshold.
	cb.RecordFailure("openai")
	if cb.State("openai") != cbOpen {
		t.Fatal("failed probe should reopen the breaker")
	}
	if cb.Allow("openai") {
		t.Fatal("reopened breaker should reject until the next cooldown")
	}
}

func TestCircuitBreakerProvidersIndependent(t *testing.T) {
	cb, _ := newTestCB(1, 30*time.Second)

	cb.RecordFailure("openai")
	if cb.Allow("openai") {
		t.Fatal("openai should be open")
	}
	if !cb.Allow("anthropic") {
		t.Fatal("anthropic must not be affected by openai failures")
	}
}

func TestCircuitBreakerStateLabels(t *testing.T) {
	cb, clock := newTestCB(1, time.Second)

	if got := cb.StateLabel("p"); got != "closed" {
		t.Fatalf("label = %q, want closed", got)
	}
	cb.RecordFailure("p")
	if got := cb.StateLabel("p"); got != "open" {
		t.Fatalf("label = %q, want open", got)
	}
	*clock = clock.Add(2 * time.Second)
	cb.Allow("p")
	if got := cb.StateLabel("p"); got != "half_open" {
		t.Fatalf("label = %q, want half_open", got)
	}
}
