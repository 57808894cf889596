package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/sync/singleflight"

	"github.com/dgellow/token-handler/internal/ioutil"
	"github.com/dgellow/token-handler/internal/log"
)

// DefaultJWKSCacheTTL is how long fetched signing keys are trusted before
// they are fetched again.
const DefaultJWKSCacheTTL = 15 * time.Minute

// DefaultJWKSMinRefetchInterval limits how often a token with an unknown kid
// can trigger a JWKS fetch while the cached key set is still fresh.
const DefaultJWKSMinRefetchInterval = 30 * time.Second

// DefaultIDTokenAlgorithms are accepted when none are configured
var DefaultIDTokenAlgorithms = []jose.SignatureAlgorithm{jose.RS256, jose.ES256, jose.PS256}

// anyAlgorithm is used when reading claims of an ID token that this service
// received directly from the token endpoint and already stored sealed.
var anyAlgorithm = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.HS256, jose.HS384, jose.HS512,
	jose.EdDSA,
}

// IDTokenClaims are the ID token claims the token handler uses
type IDTokenClaims struct {
	jwt.Claims
	SessionID string `json:"sid,omitempty"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
}

// DecodeIDTokenClaims reads the claims of an ID token without verifying it
func DecodeIDTokenClaims(raw string) (*IDTokenClaims, error) {
	tok, err := jwt.ParseSigned(raw, anyAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ID token: %w", err)
	}
	var claims IDTokenClaims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, fmt.Errorf("failed to read ID token claims: %w", err)
	}
	return &claims, nil
}

// ParseAlgorithms converts configured algorithm names
func ParseAlgorithms(names []string) ([]jose.SignatureAlgorithm, error) {
	if len(names) == 0 {
		return DefaultIDTokenAlgorithms, nil
	}
	known := make(map[string]jose.SignatureAlgorithm, len(anyAlgorithm))
	for _, alg := range anyAlgorithm {
		known[string(alg)] = alg
	}
	algs := make([]jose.SignatureAlgorithm, 0, len(names))
	for _, n := range names {
		alg, ok := known[n]
		if !ok {
			return nil, fmt.Errorf("unsupported ID token algorithm %q", n)
		}
		algs = append(algs, alg)
	}
	return algs, nil
}

// IDTokenValidator verifies ID token signatures against the authorization
// server's JWKS and checks issuer, audience and expiry.
type IDTokenValidator struct {
	jwksURL    string
	issuer     string
	audience   string
	algorithms []jose.SignatureAlgorithm
	httpClient *http.Client
	cacheTTL   time.Duration
	minRefetch time.Duration

	mu        sync.RWMutex
	keys      *jose.JSONWebKeySet
	fetchedAt time.Time

	// deduplicates concurrent JWKS fetches
	fetchGroup singleflight.Group
}

// ValidatorOption configures the IDTokenValidator
type ValidatorOption func(*IDTokenValidator)

// WithValidatorHTTPClient sets the HTTP client used to fetch the JWKS
func WithValidatorHTTPClient(c *http.Client) ValidatorOption {
	return func(v *IDTokenValidator) {
		v.httpClient = c
	}
}

// WithJWKSCacheTTL sets how long fetched keys are cached
func WithJWKSCacheTTL(ttl time.Duration) ValidatorOption {
	return func(v *IDTokenValidator) {
		v.cacheTTL = ttl
	}
}

// WithJWKSMinRefetchInterval sets the minimum time between fetches caused by
// unknown key ids
func WithJWKSMinRefetchInterval(d time.Duration) ValidatorOption {
	return func(v *IDTokenValidator) {
		v.minRefetch = d
	}
}

// NewIDTokenValidator creates a validator. An empty issuer skips the issuer check.
func NewIDTokenValidator(jwksURL, issuer, audience string, algorithms []jose.SignatureAlgorithm, opts ...ValidatorOption) *IDTokenValidator {
	if len(algorithms) == 0 {
		algorithms = DefaultIDTokenAlgorithms
	}
	v := &IDTokenValidator{
		jwksURL:    jwksURL,
		issuer:     issuer,
		audience:   audience,
		algorithms: algorithms,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		cacheTTL:   DefaultJWKSCacheTTL,
		minRefetch: DefaultJWKSMinRefetchInterval,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate verifies raw and returns its claims
func (v *IDTokenValidator) Validate(ctx context.Context, raw string) (*IDTokenClaims, error) {
	tok, err := jwt.ParseSigned(raw, v.algorithms)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ID token: %w", err)
	}
	if len(tok.Headers) == 0 {
		return nil, errors.New("ID token has no signature header")
	}

	key, err := v.signingKey(ctx, tok.Headers[0].KeyID)
	if err != nil {
		return nil, err
	}

	var claims IDTokenClaims
	if err := tok.Claims(key.Key, &claims); err != nil {
		return nil, fmt.Errorf("ID token signature verification failed: %w", err)
	}

	expected := jwt.Expected{
		Issuer:      v.issuer,
		AnyAudience: jwt.Audience{v.audience},
		Time:        time.Now(),
	}
	if err := claims.ValidateWithLeeway(expected, jwt.DefaultLeeway); err != nil {
		return nil, fmt.Errorf("ID token claims are invalid: %w", err)
	}
	return &claims, nil
}

// signingKey looks kid up in the cached key set. The set is refetched when it
// is stale, or when it does not know kid and was not fetched recently.
func (v *IDTokenValidator) signingKey(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	key, found, fresh := v.cachedKey(kid)
	if found {
		return key, nil
	}
	if fresh && !v.refetchAllowed() {
		return jose.JSONWebKey{}, fmt.Errorf("no JWKS key matches kid %q", kid)
	}

	// The fetch is shared by every waiting request, so it must not die with
	// the request that happened to start it.
	ch := v.fetchGroup.DoChan(v.jwksURL, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.fetchTimeout())
		defer cancel()

		keys, err := v.fetchJWKS(fetchCtx)
		if err != nil {
			return nil, err
		}
		v.mu.Lock()
		v.keys = keys
		v.fetchedAt = time.Now()
		v.mu.Unlock()
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return jose.JSONWebKey{}, fmt.Errorf("waiting for JWKS: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return jose.JSONWebKey{}, res.Err
		}
	}

	if key, found, _ := v.cachedKey(kid); found {
		return key, nil
	}
	return jose.JSONWebKey{}, fmt.Errorf("no JWKS key matches kid %q", kid)
}

func (v *IDTokenValidator) refetchAllowed() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return time.Since(v.fetchedAt) >= v.minRefetch
}

func (v *IDTokenValidator) fetchTimeout() time.Duration {
	if v.httpClient != nil && v.httpClient.Timeout > 0 {
		return v.httpClient.Timeout
	}
	return DefaultHTTPTimeout
}

// cachedKey reports whether kid is in the cached set and whether that set is
// still within its TTL.
func (v *IDTokenValidator) cachedKey(kid string) (key jose.JSONWebKey, found, fresh bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.keys == nil || time.Since(v.fetchedAt) > v.cacheTTL {
		return jose.JSONWebKey{}, false, false
	}

	if kid == "" {
		for _, k := range v.keys.Keys {
			if k.Use == "" || k.Use == "sig" {
				return k, true, true
			}
		}
		return jose.JSONWebKey{}, false, true
	}

	matches := v.keys.Key(kid)
	if len(matches) == 0 {
		return jose.JSONWebKey{}, false, true
	}
	return matches[0], true, true
}

func (v *IDTokenValidator) fetchJWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d: %s", resp.StatusCode, ioutil.ReadLimited(resp.Body, 1024))
	}

	var keys jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	log.LogDebugWithFields("oauth", "Fetched JWKS", map[string]any{
		"url":  v.jwksURL,
		"keys": len(keys.Keys),
	})
	return &keys, nil
}
