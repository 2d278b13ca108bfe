package jwks

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
)

func sign(t *testing.T, priv ed25519.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func claims(exp time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":         "issuer",
		"aud":         "patchview",
		"sub":         "user-1",
		"exp":         exp.Unix(),
		"permissions": []string{"patch:*:read", "patch:remediation:write"},
	}
}

func TestValidateAgainstKeySet(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(JWKS{Keys: []JWK{{
			Kty: "OKP", Kid: "k1", Use: "sig", Alg: "EdDSA", Crv: "Ed25519",
			X: base64.RawURLEncoding.EncodeToString(pub),
		}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()
	tok := sign(t, priv, "k1", claims(time.Now().Add(time.Hour)))

	got, err := c.ValidateJWT(ctx, tok, "issuer", "patchview")
	if err != nil {
		t.Fatalf("ValidateJWT() error = %v", err)
	}
	want := &Claims{Subject: "user-1", Permissions: []string{"patch:*:read", "patch:remediation:write"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("claims mismatch (-want +got):\n%s", diff)
	}

	if _, err := c.ValidateJWT(ctx, tok, "issuer", "patchview"); err != nil {
		t.Fatalf("second ValidateJWT() error = %v", err)
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("key set fetched %d times, want 1", n)
	}

	if _, err := c.ValidateJWT(ctx, sign(t, priv, "other", claims(time.Now().Add(time.Hour))), "issuer", "patchview"); !errors.Is(err, ErrInvalid) {
		t.Errorf("unknown kid error = %v, want ErrInvalid", err)
	}
	if _, err := c.ValidateJWT(ctx, sign(t, priv, "", claims(time.Now().Add(time.Hour))), "issuer", "patchview"); !errors.Is(err, ErrMalformed) {
		t.Errorf("missing kid error = %v, want ErrMalformed", err)
	}
}

func TestValidateRejects(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	c := NewStaticClient(pub)
	ctx := context.Background()
	live := time.Now().Add(time.Hour)

	tests := []struct {
		name  string
		token string
		aud   string
		want  error
	}{
		{"expired", sign(t, priv, "", claims(time.Now().Add(-time.Hour))), "patchview", ErrExpired},
		{"wrong audience", sign(t, priv, "", claims(live)), "someone-else", ErrInvalid},
		{"wrong key", sign(t, otherPriv, "", claims(live)), "patchview", ErrInvalid},
		{"garbage", "not-a-token", "patchview", ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.ValidateJWT(ctx, tt.token, "issuer", tt.aud); !errors.Is(err, tt.want) {
				t.Errorf("ValidateJWT() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestScopeClaimFallback(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	c := NewStaticClient(pub)
	mc := claims(time.Now().Add(time.Hour))
	delete(mc, "permissions")
	mc["scope"] = "patch:*:read  patch:remediation:write"

	got, err := c.ValidateJWT(context.Background(), sign(t, priv, "", mc), "issuer", "patchview")
	if err != nil {
		t.Fatalf("ValidateJWT() error = %v", err)
	}
	if diff := cmp.Diff([]string{"patch:*:read", "patch:remediation:write"}, got.Permissions); diff != "" {
		t.Errorf("permissions mismatch (-want +got):\n%s", diff)
	}
}
