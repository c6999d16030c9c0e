package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/modelrelay/gateway/internal/providers"
)

// Error classes drive retry and fallback eligibility and the client-facing
// status mapping. Terminal classes never trigger the cascade.
const (
	classInvalidRequest = "invalid_request"
	classNoSuchModel    = "no_such_model"
	classProviderAuth   = "provider_auth"
	classRateLimited    = "rate_limited"
	classTimeout        = "timeout"
	classTransient      = "transient"
	classPermanent      = "permanent"
	classCanceled       = "canceled"
)

// classifyError buckets a provider attempt failure.
//
//   - network failures, 408, 429, and 5xx (except 501) → transient
//   - context deadline → timeout (retry-eligible on a different candidate)
//   - context cancel (client gone) → canceled, terminal
//   - 401/403 → provider_auth, terminal: a credential rejected here is a
//     gateway misconfiguration, surfacing it beats masking it with a
//     fallback response
//   - 404 → no_such_model, fallback eligible
//   - remaining 4xx → invalid_request, fallback eligible: vendors disagree
//     on request shape, another candidate may accept what this one rejected
//   - everything else → permanent
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return classTimeout
	}
	if errors.Is(err, context.Canceled) {
		return classCanceled
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		switch {
		case status == 408 || status == 429:
			return classTransient
		case status == 501:
			return classPermanent
		case status >= 500:
			return classTransient
		case status == 401 || status == 403:
			return classProviderAuth
		case status == 404:
			return classNoSuchModel
		case status >= 400:
			return classInvalidRequest
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return classTransient
	}
	// Unknown errors are treated as transient, matching the conservative
	// stance that infrastructure blips should not fail a request outright.
	return classTransient
}

// retryableSameProvider reports whether the class warrants another attempt
// against the same candidate.
func retryableSameProvider(class string) bool {
	return class == classTransient
}

// fallbackEligible reports whether the class lets the cascade move on to the
// next candidate.
func fallbackEligible(class string, eligible map[string]bool) bool {
	if eligible != nil {
		return eligible[class]
	}
	switch class {
	case classTransient, classTimeout, classInvalidRequest, classNoSuchModel:
		return true
	}
	return false
}

// classLabel is the metrics/log label for an error class on a failed
// upstream attempt.
func classLabel(err error) string {
	class := classifyError(err)
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("%s_http_%d", class, sc.HTTPStatus())
	}
	return class
}
