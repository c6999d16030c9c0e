package proxy

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/modelrelay/gateway/internal/providers"
)

type fakeNetErr struct{}

func (fakeNetErr) Error() string   { return "connection reset" }
func (fakeNetErr) Timeout() bool   { return false }
func (fakeNetErr) Temporary() bool { return true }

func provErr(status int) error {
	return &providers.Error{Provider: "openai", StatusCode: status, Message: "boom"}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, classTimeout},
		{"canceled", context.Canceled, classCanceled},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), classTimeout},
		{"http 408", provErr(408), classTransient},
		{"http 429", provErr(429), classTransient},
		{"http 500", provErr(500), classTransient},
		{"http 503", provErr(503), classTransient},
		{"http 501", provErr(501), classPermanent},
		{"http 401", provErr(401), classProviderAuth},
		{"http 403", provErr(403), classProviderAuth},
		{"http 400", provErr(400), classInvalidRequest},
		{"http 404", provErr(404), classNoSuchModel},
		{"http 422", provErr(422), classInvalidRequest},
		{"http 409", provErr(409), classInvalidRequest},
		{"net error", fakeNetErr{}, classTransient},
		{"unknown", errors.New("mystery"), classTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyError(tc.err); got != tc.want {
				t.Fatalf("classifyError(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryableSameProvider(t *testing.T) {
	if !retryableSameProvider(classTransient) {
		t.Fatal("transient must be retryable")
	}
	for _, c := range []string{classTimeout, classCanceled, classInvalidRequest, classNoSuchModel, classProviderAuth, classPermanent} {
		if retryableSameProvider(c) {
			t.Fatalf("%s must not retry on the same provider", c)
		}
	}
}

func TestFallbackEligibleDefaults(t *testing.T) {
	for _, c := range []string{classTransient, classTimeout, classInvalidRequest, classNoSuchModel} {
		if !fallbackEligible(c, nil) {
			t.Fatalf("%s should cascade by default", c)
		}
	}
	for _, c := range []string{classProviderAuth, classPermanent, classCanceled, classRateLimited} {
		if fallbackEligible(c, nil) {
			t.Fatalf("%s must be terminal", c)
		}
	}
}

func TestFallbackEligibleOverride(t *testing.T) {
	only := map[string]bool{classTimeout: true}
	if fallbackEligible(classTransient, only) {
		t.Fatal("override should exclude transient")
	}
	if !fallbackEligible(classTimeout, only) {
		t.Fatal("override should include timeout")
	}
}

func TestClassLabel(t *testing.T) {
	if got := classLabel(provErr(502)); got != "transient_http_502" {
		t.Fatalf("classLabel = %q", got)
	}
	if got := classLabel(errors.New("x")); got != classTransient {
		t.Fatalf("classLabel = %q", got)
	}
}
