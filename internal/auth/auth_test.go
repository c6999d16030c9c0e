package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"
)

func requestWith(headers map[string]string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	for k, v := range headers {
		ctx.Request.Header.Set(k, v)
	}
	return ctx
}

func TestDisabledAuthAllowsAnonymous(t *testing.T) {
	a := New(nil, "")
	p, err := a.Authenticate(requestWith(nil))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.APIKeyID != "anonymous" {
		t.Errorf("APIKeyID = %q, want anonymous", p.APIKeyID)
	}
	if !p.Allows(PermCompletions) {
		t.Error("anonymous principal should allow all operations")
	}
}

func TestStaticAPIKey(t *testing.T) {
	a := New([]string{"gw-secret-1", "gw-secret-2"}, "")

	p, err := a.Authenticate(requestWith(map[string]string{"X-API-Key": "gw-secret-2"}))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.APIKeyID != Fingerprint("gw-secret-2") {
		t.Errorf("APIKeyID = %q, want fingerprint", p.APIKeyID)
	}
	if strings.Contains(p.APIKeyID, "gw-secret-2") {
		t.Error("raw key must not appear in the principal id")
	}

	if _, err := a.Authenticate(requestWith(map[string]string{"X-API-Key": "wrong"})); err == nil {
		t.Error("unknown key should be rejected")
	}
	if _, err := a.Authenticate(requestWith(nil)); err == nil {
		t.Error("missing credentials should be rejected when auth is enabled")
	}
}

func signToken(t *testing.T, secret string, c claims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func TestJWTBearer(t *testing.T) {
	const secret = "hmac-test-secret"
	a := New(nil, secret)

	token := signToken(t, secret, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Permissions: []string{PermCompletions},
	})

	p, err := a.Authenticate(requestWith(map[string]string{"Authorization": "Bearer " + token}))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.UserID != "alice" || p.APIKeyID != "jwt-alice" {
		t.Errorf("principal = %+v", p)
	}
	if !p.Allows(PermCompletions) {
		t.Error("granted permission should be allowed")
	}
	if p.Allows(PermEmbeddings) {
		t.Error("ungranted permission should be denied")
	}
}

func TestJWTRejections(t *testing.T) {
	const secret = "hmac-test-secret"
	a := New(nil, secret)

	cases := []struct {
		name  string
		token string
	}{
		{"wrong secret", signToken(t, "other-secret", claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
		})},
		{"expired", signToken(t, secret, claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "alice",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		})},
		{"no subject", signToken(t, secret, claims{})},
		{"garbage", "not.a.jwt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := a.Authenticate(requestWith(map[string]string{
				"Authorization": "Bearer " + tc.token,
			})); err == nil {
				t.Error("token should be rejected")
			}
		})
	}

	t.Run("malformed header", func(t *testing.T) {
		if _, err := a.Authenticate(requestWith(map[string]string{
			"Authorization": "Basic abc",
		})); err == nil {
			t.Error("non-bearer Authorization should be rejected")
		}
	})
}

func TestWildcardPermission(t *testing.T) {
	p := &Principal{Permissions: []string{"*"}}
	if !p.Allows(PermUsage) {
		t.Error("wildcard should allow everything")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	if got := FromContext(ctx); got.APIKeyID != "anonymous" {
		t.Errorf("empty context = %q, want anonymous", got.APIKeyID)
	}
	want := &Principal{APIKeyID: "key-abc"}
	Store(ctx, want)
	if got := FromContext(ctx); got != want {
		t.Error("stored principal should round-trip")
	}
}
