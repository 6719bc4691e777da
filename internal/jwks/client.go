// Package jwks verifies bearer JWTs issued by the hosted auth platform.
// Asymmetric tokens are checked against keys discovered from a JWKS endpoint;
// HS256 tokens are checked against the platform's shared JWT secret.
package jwks

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrInvalidToken covers every reason a presented token is rejected:
	// malformed, expired, bad signature, unknown key or wrong claims.
	ErrInvalidToken = errors.New("invalid token")
	// ErrKeySource is returned when the signing keys could not be fetched.
	ErrKeySource = errors.New("signing keys unavailable")
)

const (
	// DefaultCacheTTL is how long a fetched key set is reused.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultMinRefreshInterval bounds how often an unknown kid may force a refetch.
	DefaultMinRefreshInterval = 30 * time.Second
)

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"`           // Key type: OKP, EC or RSA
	Kid string `json:"kid"`           // Key ID
	Use string `json:"use,omitempty"` // Public key use
	Alg string `json:"alg,omitempty"` // Algorithm
	Crv string `json:"crv,omitempty"` // Curve (OKP, EC)
	X   string `json:"x,omitempty"`   // X coordinate or Ed25519 public key
	Y   string `json:"y,omitempty"`   // Y coordinate (EC)
	N   string `json:"n,omitempty"`   // Modulus (RSA)
	E   string `json:"e,omitempty"`   // Exponent (RSA)
}

// Client handles JWKS discovery, caching and token verification
type Client struct {
	jwksURL    string
	hmacSecret []byte
	httpClient *http.Client
	cacheTTL   time.Duration
	minRefresh time.Duration
	now        func() time.Time
	cache      *jwksCache
	fetches    singleflight.Group
}

// jwksCache stores cached JWKS with expiration
type jwksCache struct {
	jwks       *JWKS
	expiresAt  time.Time
	lastForced time.Time // Start of the last refetch triggered by an unknown kid
	mutex      sync.RWMutex
}

// Option customizes a Client.
type Option func(*Client)

// WithHMACSecret enables HS256 verification with secret.
func WithHMACSecret(secret string) Option {
	return func(c *Client) {
		if secret != "" {
			c.hmacSecret = []byte(secret)
		}
	}
}

// WithHTTPClient replaces the client used to fetch the key set.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCacheTTL overrides DefaultCacheTTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) { c.cacheTTL = ttl }
}

// WithMinRefreshInterval overrides DefaultMinRefreshInterval.
func WithMinRefreshInterval(d time.Duration) Option {
	return func(c *Client) { c.minRefresh = d }
}

// WithClock overrides the clock used for cache expiry and claim validation.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a new JWKS client. jwksURL may be empty when only
// HS256 tokens are expected.
func NewClient(jwksURL string, opts ...Option) *Client {
	c := &Client{
		jwksURL: jwksURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		cacheTTL:   DefaultCacheTTL,
		minRefresh: DefaultMinRefreshInterval,
		now:        time.Now,
		cache:      &jwksCache{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// fetchJWKS fetches the JWKS from the auth platform
func (c *Client) fetchJWKS(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
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

// getJWKS retrieves JWKS from cache or fetches fresh if needed.
// force bypasses a fresh cache, which is how rotated keys are picked up. Forced
// refetches are limited to one per minRefresh so made-up kids cannot turn every
// request into an outbound fetch.
func (c *Client) getJWKS(ctx context.Context, force bool) (*JWKS, error) {
	if !force {
		c.cache.mutex.RLock()
		if c.cache.jwks != nil && c.now().Before(c.cache.expiresAt) {
			jwks := c.cache.jwks
			c.cache.mutex.RUnlock()
			return jwks, nil
		}
		c.cache.mutex.RUnlock()
	}

	now := c.now()
	c.cache.mutex.Lock()
	if cached := c.cache.jwks; cached != nil && now.Before(c.cache.expiresAt) {
		if !force || (!c.cache.lastForced.IsZero() && now.Sub(c.cache.lastForced) < c.minRefresh) {
			c.cache.mutex.Unlock()
			return cached, nil
		}
		c.cache.lastForced = now
	}
	c.cache.mutex.Unlock()

	// The fetch runs outside the lock so cache hits never wait on the network.
	// Concurrent misses share one request; the HTTP client timeout bounds it.
	v, err, _ := c.fetches.Do("jwks", func() (interface{}, error) {
		jwks, err := c.fetchJWKS(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.cache.mutex.Lock()
		c.cache.jwks = jwks
		c.cache.expiresAt = c.now().Add(c.cacheTTL)
		c.cache.mutex.Unlock()
		return jwks, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*JWKS), nil
}

// getKey retrieves a specific key from the JWKS by kid, refetching once on a miss.
func (c *Client) getKey(ctx context.Context, kid string) (*JWK, error) {
	for _, force := range []bool{false, true} {
		jwks, err := c.getJWKS(ctx, force)
		if err != nil {
			return nil, err
		}
		for _, key := range jwks.Keys {
			if key.Kid == kid {
				return &key, nil
			}
		}
	}
	return nil, nil
}

// PublicKey converts the JWK into a crypto public key.
func (k JWK) PublicKey() (any, error) {
	switch k.Kty {
	case "OKP":
		if k.Crv != "Ed25519" {
			return nil, fmt.Errorf("unsupported OKP curve %q", k.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("failed to decode public key: %w", err)
		}
		if len(x) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("bad Ed25519 key length %d", len(x))
		}
		return ed25519.PublicKey(x), nil
	case "EC":
		if k.Crv != "P-256" {
			return nil, fmt.Errorf("unsupported EC curve %q", k.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("failed to decode x: %w", err)
		}
		y, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			return nil, fmt.Errorf("failed to decode y: %w", err)
		}
		return &ecdsa.PublicKey{Curve: elliptic.P256(), X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}, nil
	case "RSA":
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, fmt.Errorf("failed to decode n: %w", err)
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, fmt.Errorf("failed to decode e: %w", err)
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

// ValidateJWT verifies tokenString and returns its claims. expectedIssuer and
// expectedAudience are checked only when non-empty; exp is always required.
// Rejections wrap ErrInvalidToken and key fetch failures wrap ErrKeySource.
func (c *Client) ValidateJWT(ctx context.Context, tokenString string, expectedIssuer, expectedAudience string) (jwt.MapClaims, error) {
	var fetchErr error

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if c.hmacSecret == nil {
				return nil, fmt.Errorf("HS256 tokens are not accepted")
			}
			return c.hmacSecret, nil
		case *jwt.SigningMethodEd25519, *jwt.SigningMethodECDSA, *jwt.SigningMethodRSA:
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		if c.jwksURL == "" {
			return nil, fmt.Errorf("asymmetric tokens are not accepted")
		}
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing or invalid kid in JWT header")
		}
		jwk, err := c.getKey(ctx, kid)
		if err != nil {
			fetchErr = err
			return nil, err
		}
		if jwk == nil {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}
		key, err := jwk.PublicKey()
		if err != nil {
			return nil, err
		}
		if !methodMatchesKey(token.Method, key) {
			return nil, fmt.Errorf("signing method %v does not match key type %s", token.Header["alg"], jwk.Kty)
		}
		return key, nil
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "EdDSA", "ES256", "RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if expectedIssuer != "" {
		opts = append(opts, jwt.WithIssuer(expectedIssuer))
	}
	if expectedAudience != "" {
		opts = append(opts, jwt.WithAudience(expectedAudience))
	}

	parsedToken, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, keyFunc, opts...)
	if err != nil {
		if fetchErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeySource, fetchErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsedToken.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid JWT claims", ErrInvalidToken)
	}
	return claims, nil
}

func methodMatchesKey(m jwt.SigningMethod, key any) bool {
	switch key.(type) {
	case ed25519.PublicKey:
		_, ok := m.(*jwt.SigningMethodEd25519)
		return ok
	case *ecdsa.PublicKey:
		_, ok := m.(*jwt.SigningMethodECDSA)
		return ok
	case *rsa.PublicKey:
		_, ok := m.(*jwt.SigningMethodRSA)
		return ok
	}
	return false
}
