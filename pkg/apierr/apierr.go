// Package apierr provides the structured error envelope returned to clients
// and its HTTP status mapping.
//
// Every error response carries a generated errorId that is also attached to
// the corresponding log entry, so a client-reported failure can be correlated
// with server-side diagnostics.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// Error codes surfaced on the wire.
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeUnauthenticated   = "UNAUTHENTICATED"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeNoSuchModel       = "NO_SUCH_MODEL"
	CodeRequestTimeout    = "REQUEST_TIMEOUT"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeBudgetExceeded    = "BUDGET_EXCEEDED"
	CodeContentBlocked    = "CONTENT_BLOCKED"
	CodeAllProvidersOpen  = "ALL_PROVIDERS_OPEN"
	CodeProviderError     = "PROVIDER_ERROR"
	CodeProviderAuthError = "PROVIDER_AUTH_ERROR"
	CodeInternalError     = "INTERNAL_ERROR"
)

// Envelope is the JSON error body.
type Envelope struct {
	ErrorCode  string         `json:"errorCode"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	ErrorID    string         `json:"errorId"`
	RetryAfter int            `json:"retryAfter,omitempty"`
}

// Write serializes an envelope with the given status and returns the
// generated errorId for log correlation.
func Write(ctx *fasthttp.RequestCtx, status int, code, message string) string {
	return WriteDetails(ctx, status, code, message, nil)
}

// WriteDetails is Write with an optional details map.
func WriteDetails(ctx *fasthttp.RequestCtx, status int, code, message string, details map[string]any) string {
	id := uuid.New().String()
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(Envelope{
		ErrorCode: code,
		Message:   message,
		Details:   details,
		ErrorID:   id,
	})
	ctx.SetBody(body)
	return id
}

// WriteRateLimit writes a 429 with a Retry-After header and the retryAfter
// hint (seconds) in the body.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSec int) string {
	if retryAfterSec < 0 {
		retryAfterSec = 0
	}
	id := uuid.New().String()
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSec))
	ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(Envelope{
		ErrorCode:  CodeRateLimitExceeded,
		Message:    "rate limit exceeded",
		ErrorID:    id,
		RetryAfter: retryAfterSec,
	})
	ctx.SetBody(body)
	return id
}

// WriteTimeout writes a 408 request timeout.
func WriteTimeout(ctx *fasthttp.RequestCtx) string {
	return Write(ctx, fasthttp.StatusRequestTimeout, CodeRequestTimeout, "request deadline exceeded")
}
