// Package jwks validates bearer tokens against a JSON Web Key Set.
package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validation failures callers map to their own error codes.
var (
	ErrMalformed = errors.New("malformed token")
	ErrExpired   = errors.New("token expired")
	ErrInvalid   = errors.New("invalid token")
)

// cacheTTL is how long a fetched key set is trusted.
const cacheTTL = 5 * time.Minute

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // X coordinate
}

// Claims are the parts of a validated token the service acts on.
type Claims struct {
	Subject     string
	Permissions []string
}

// Client handles JWKS discovery and caching
type Client struct {
	jwksURL    string
	httpClient *http.Client
	cache      *jwksCache
	staticKey  ed25519.PublicKey // When set, used instead of the key set
}

// jwksCache stores cached JWKS with expiration
type jwksCache struct {
	jwks      *JWKS
	expiresAt time.Time
	mutex     sync.RWMutex
}

// NewClient creates a new JWKS client
func NewClient(jwksURL string) *Client {
	return &Client{
		jwksURL: jwksURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		cache: &jwksCache{},
	}
}

// NewStaticClient creates a client that verifies every token with pub,
// regardless of its kid. Used in tests and single-issuer deployments.
func NewStaticClient(pub ed25519.PublicKey) *Client {
	return &Client{staticKey: pub, cache: &jwksCache{}}
}

// fetchJWKS fetches the JWKS from the issuer
func (c *Client) fetchJWKS(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	return &jwks, nil
}

// getJWKS retrieves JWKS from cache or fetches fresh if needed
func (c *Client) getJWKS(ctx context.Context) (*JWKS, error) {
	c.cache.mutex.RLock()
	if c.cache.jwks != nil && time.Now().Before(c.cache.expiresAt) {
		jwks := c.cache.jwks
		c.cache.mutex.RUnlock()
		return jwks, nil
	}
	c.cache.mutex.RUnlock()

	c.cache.mutex.Lock()
	defer c.cache.mutex.Unlock()

	// Double-check after acquiring write lock
	if c.cache.jwks != nil && time.Now().Before(c.cache.expiresAt) {
		return c.cache.jwks, nil
	}

	jwks, err := c.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}

	c.cache.jwks = jwks
	c.cache.expiresAt = time.Now().Add(cacheTTL)

	return jwks, nil
}

// publicKey resolves the verification key for kid.
func (c *Client) publicKey(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	if c.staticKey != nil {
		return c.staticKey, nil
	}
	if kid == "" {
		return nil, fmt.Errorf("%w: missing kid in header", ErrMalformed)
	}

	jwks, err := c.getJWKS(ctx)
	if err != nil {
		return nil, err
	}

	for _, key := range jwks.Keys {
		if key.Kid != kid {
			continue
		}
		if key.Kty != "OKP" || key.Crv != "Ed25519" || key.Alg != "EdDSA" {
			return nil, fmt.Errorf("%w: unsupported key type or algorithm", ErrInvalid)
		}
		x, err := base64.RawURLEncoding.DecodeString(key.X)
		if err != nil || len(x) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: undecodable public key", ErrInvalid)
		}
		return ed25519.PublicKey(x), nil
	}

	return nil, fmt.Errorf("%w: key with kid %s not found", ErrInvalid, kid)
}

// ValidateJWT validates an EdDSA-signed JWT and extracts its claims.
// Parameters:
//   - ctx: Context for key set retrieval
//   - tokenString: Compact serialized token
//   - expectedIssuer: Required iss claim
//   - expectedAudience: Required aud claim
//
// Returns:
//   - *Claims: Subject and permissions of the token
//   - error: ErrMalformed, ErrExpired or ErrInvalid (wrapped), or a key set fetch error
func (c *Client) ValidateJWT(ctx context.Context, tokenString, expectedIssuer, expectedAudience string) (*Claims, error) {
	// Parse the token without verification to get the header
	unverified, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	kid, _ := unverified.Header["kid"].(string)

	key, err := c.publicKey(ctx, kid)
	if err != nil {
		return nil, err
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		return key, nil
	}
	parsed, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(expectedIssuer),
		jwt.WithAudience(expectedAudience),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	mc := parsed.Claims.(jwt.MapClaims)
	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalid)
	}

	return &Claims{Subject: sub, Permissions: permissions(mc)}, nil
}

// permissions reads the "permissions" array claim, falling back to the
// space separated "scope" claim.
func permissions(mc jwt.MapClaims) []string {
	var out []string
	if raw, ok := mc["permissions"].([]interface{}); ok {
		for _, p := range raw {
			if s, ok := p.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if scope, ok := mc["scope"].(string); ok {
		out = strings.Fields(scope)
	}
	return out
}
