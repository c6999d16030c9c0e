package proxy

import (
	"context"
	"errors"
	"testing"

	"github.com/modelrelay/gateway/internal/providers"
)

func TestNewHealthCheckerPanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewHealthChecker(nil, nil, nil, nil, nil)
}

func TestHealthCheckerRunsInitialProbe(t *testing.T) {
	provs := map[string]providers.Adapter{
		"openai": &fakeAdapter{name: "openai"},
	}
	hc := NewHealthChecker(context.Background(), provs, nil, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Providers["openai"] != "ok" {
		t.Errorf("expected openai=ok after initial probe, got %s", snap.Providers["openai"])
	}
}

func TestSnapshotAllHealthy(t *testing.T) {
	provs := map[string]providers.Adapter{
		"openai":    &fakeAdapter{name: "openai"},
		"anthropic": &fakeAdapter{name: "anthropic"},
	}
	hc := NewHealthChecker(context.Background(), provs, func() bool { return true }, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "ok" {
		t.Errorf("expected status=ok, got %s", snap.Status)
	}
	if snap.Cache != "ok" {
		t.Errorf("expected cache=ok, got %s", snap.Cache)
	}
	if snap.UptimeSeconds < 0 {
		t.Error("uptime should be non-negative")
	}
}

func TestSnapshotDegradedProvider(t *testing.T) {
	provs := map[string]providers.Adapter{
		"openai":    &fakeAdapter{name: "openai"},
		"anthropic": &fakeAdapter{name: "anthropic", availErr: errors.New("probe failed")},
	}
	hc := NewHealthChecker(context.Background(), provs, nil, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "degraded" {
		t.Errorf("expected status=degraded when a provider is down, got %s", snap.Status)
	}
	if snap.Providers["openai"] != "ok" {
		t.Errorf("openai should be ok, got %s", snap.Providers["openai"])
	}
	if snap.Providers["anthropic"] != "degraded" {
		t.Errorf("anthropic should be degraded, got %s", snap.Providers["anthropic"])
	}
}

func TestSnapshotCacheDegraded(t *testing.T) {
	provs := map[string]providers.Adapter{
		"openai": &fakeAdapter{name: "openai"},
	}
	hc := NewHealthChecker(context.Background(), provs, func() bool { return false }, nil, nil)
	defer hc.Close()

	if snap := hc.Snapshot(); snap.Cache != "degraded" {
		t.Errorf("expected cache=degraded, got %s", snap.Cache)
	}
}

func TestSnapshotNilProbesDefaultOK(t *testing.T) {
	provs := map[string]providers.Adapter{
		"openai": &fakeAdapter{name: "openai"},
	}
	hc := NewHealthChecker(context.Background(), provs, nil, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Cache != "ok" {
		t.Errorf("expected cache=ok when probe is nil, got %s", snap.Cache)
	}
	if snap.UsageStore != "ok" {
		t.Errorf("expected usageStore=ok when probe is nil, got %s", snap.UsageStore)
	}
}

func TestSnapshotUsageStoreDown(t *testing.T) {
	provs := map[string]providers.Adapter{
		"openai": &fakeAdapter{name: "openai"},
	}
	hc := NewHealthChecker(context.Background(), provs, nil, func() bool { return false }, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.UsageStore != "down" {
		t.Errorf("expected usageStore=down, got %s", snap.UsageStore)
	}
	if snap.Status != "degraded" {
		t.Errorf("expected overall=degraded when the usage store is down, got %s", snap.Status)
	}
}

func TestReadinessOK(t *testing.T) {
	provs := map[string]providers.Adapter{
		"openai": &fakeAdapter{name: "openai"},
	}
	hc := NewHealthChecker(context.Background(), provs, nil, nil, nil)
	defer hc.Close()

	if !hc.ReadinessOK() {
		t.Error("readiness should be OK when the usage store is reachable")
	}
}

func TestReadinessNotOKWhenStoreDown(t *testing.T) {
	provs := map[string]providers.Adapter{
		"openai": &fakeAdapter{name: "openai"},
	}
	hc := NewHealthChecker(context.Background(), provs, nil, func() bool { return false }, nil)
	defer hc.Close()

	if hc.ReadinessOK() {
		t.Error("readiness should NOT be OK when the usage store is down")
	}
}

func TestComponentStatusDefaultUnknown(t *testing.T) {
	var cs componentStatus
	if cs.get() != "unknown" {
		t.Errorf("expected 'unknown' default, got %q", cs.get())
	}
	cs.set("ok")
	if cs.get() != "ok" {
		t.Errorf("expected 'ok', got %q", cs.get())
	}
}

func TestHealthCheckerClose(t *testing.T) {
	provs := map[string]providers.Adapter{
		"openai": &fakeAdapter{name: "openai"},
	}
	hc := NewHealthChecker(context.Background(), provs, nil, nil, nil)
	hc.Close()
}
