// Package auth authenticates inbound gateway requests.
//
// Two credential forms are accepted: a static gateway API key in the
// X-API-Key header, or a signed JWT bearer token in the Authorization
// header. Either grants access; JWT additionally carries a permissions claim
// that can restrict which operations a token may call.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"
)

// Operation permission names carried in the JWT "llm-permissions" claim.
const (
	PermCompletions = "completions"
	PermEmbeddings  = "embeddings"
	PermUsage       = "usage"
)

// Principal is the authenticated identity attached to the request context
// under the "principal" user value.
type Principal struct {
	// APIKeyID identifies the credential: a fingerprint of the static key or
	// the JWT subject. This is the rate-limit and usage-accounting key.
	APIKeyID string

	// UserID is the JWT subject, empty for static keys.
	UserID string

	// Permissions is nil for static keys (all operations allowed).
	Permissions []string
}

// Allows reports whether the principal may call the named operation.
func (p *Principal) Allows(perm string) bool {
	if p.Permissions == nil {
		return true
	}
	for _, q := range p.Permissions {
		if q == perm || q == "*" {
			return true
		}
	}
	return false
}

// Authenticator validates request credentials.
type Authenticator struct {
	keys      map[string]string // key -> fingerprint
	jwtSecret []byte
}

// New builds an Authenticator from the accepted static keys and optional
// JWT secret. With neither configured, authentication is disabled and every
// request runs as an anonymous principal.
func New(apiKeys []string, jwtSecret string) *Authenticator {
	a := &Authenticator{keys: make(map[string]string, len(apiKeys))}
	for _, k := range apiKeys {
		if k == "" {
			continue
		}
		a.keys[k] = Fingerprint(k)
	}
	if jwtSecret != "" {
		a.jwtSecret = []byte(jwtSecret)
	}
	return a
}

// Enabled reports whether any credential form is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.keys) > 0 || len(a.jwtSecret) > 0
}

// Fingerprint derives the stable public identifier for a static key. The raw
// key never appears in logs or usage records.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("key-%x", sum[:6])
}

// Authenticate inspects the request credentials and returns the principal.
func (a *Authenticator) Authenticate(ctx *fasthttp.RequestCtx) (*Principal, error) {
	if !a.Enabled() {
		return &Principal{APIKeyID: "anonymous"}, nil
	}

	if key := string(ctx.Request.Header.Peek("X-API-Key")); key != "" {
		for accepted, fp := range a.keys {
			if subtle.ConstantTimeCompare([]byte(accepted), []byte(key)) == 1 {
				return &Principal{APIKeyID: fp}, nil
			}
		}
		return nil, fmt.Errorf("auth: unknown API key")
	}

	if h := string(ctx.Request.Header.Peek("Authorization")); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return nil, fmt.Errorf("auth: malformed Authorization header")
		}
		return a.verifyJWT(token)
	}

	return nil, fmt.Errorf("auth: missing credentials")
}

type claims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"llm-permissions,omitempty"`
}

func (a *Authenticator) verifyJWT(raw string) (*Principal, error) {
	if len(a.jwtSecret) == 0 {
		return nil, fmt.Errorf("auth: bearer tokens not accepted")
	}

	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}

	sub := c.Subject
	if sub == "" {
		return nil, fmt.Errorf("auth: token has no subject")
	}
	// A token without the permissions claim gets full access, like a
	// static key.
	return &Principal{APIKeyID: "jwt-" + sub, UserID: sub, Permissions: c.Permissions}, nil
}

// FromContext returns the principal stored by the auth middleware, or an
// anonymous principal when none is present.
func FromContext(ctx *fasthttp.RequestCtx) *Principal {
	if p, ok := ctx.UserValue("principal").(*Principal); ok {
		return p
	}
	return &Principal{APIKeyID: "anonymous"}
}

// Store attaches the principal to the request context.
func Store(ctx *fasthttp.RequestCtx, p *Principal) {
	ctx.SetUserValue("principal", p)
}
