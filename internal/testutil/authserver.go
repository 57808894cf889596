package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
)

// Fixture values shared by tests that talk to the mock authorization server
const (
	ClientID     = "spa-client"
	ClientSecret = "spa-secret"
	RedirectURI  = "https://www.example.com/"
	Subject      = "user-1"
	SessionID    = "session-1"

	// EncryptionKeyHex is a fixed 32 byte cookie key
	EncryptionKeyHex = "4e4636356d65563e4c73233847503e3b21436e6f7629724950526f4b5e2e4e50"
)

// SigningKey is an RSA key published through the mock JWKS endpoint
type SigningKey struct {
	Private *rsa.PrivateKey
	KeyID   string
}

// NewSigningKey generates a 2048 bit RSA signing key
func NewSigningKey(t *testing.T, kid string) *SigningKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &SigningKey{Private: priv, KeyID: kid}
}

// JWKS returns the public half of the key as a key set
func (k *SigningKey) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &k.Private.PublicKey,
		KeyID:     k.KeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
}

// MintIDToken signs an RS256 JWT carrying claims
func (k *SigningKey) MintIDToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: k.Private},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", k.KeyID),
	)
	require.NoError(t, err)

	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err)
	return raw
}

// TokenResponder produces the status and JSON body for a token request
type TokenResponder func(form url.Values) (int, any)

// AuthorizationServer is an httptest stand-in serving /token and /jwks
type AuthorizationServer struct {
	*httptest.Server
	Key *SigningKey

	mu            sync.Mutex
	tokenRequests []url.Values
	jwksRequests  int
	responder     TokenResponder
}

// NewAuthorizationServer starts a mock authorization server. By default every
// grant succeeds with a fresh token set.
func NewAuthorizationServer(t *testing.T) *AuthorizationServer {
	t.Helper()
	as := &AuthorizationServer{Key: NewSigningKey(t, "key-1")}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", as.handleToken)
	mux.HandleFunc("/jwks", as.handleJWKS)
	as.Server = httptest.NewServer(mux)
	t.Cleanup(as.Close)

	as.responder = as.DefaultTokens(t)
	return as
}

// Issuer is the iss claim of minted ID tokens
func (as *AuthorizationServer) Issuer() string {
	return as.URL
}

// IDToken mints an ID token for the fixture subject
func (as *AuthorizationServer) IDToken(t *testing.T) string {
	t.Helper()
	now := time.Now()
	return as.Key.MintIDToken(t, map[string]any{
		"iss": as.Issuer(),
		"aud": ClientID,
		"sub": Subject,
		"sid": SessionID,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})
}

// DefaultTokens returns a responder issuing access, refresh and ID tokens
func (as *AuthorizationServer) DefaultTokens(t *testing.T) TokenResponder {
	idToken := as.IDToken(t)
	return func(form url.Values) (int, any) {
		return http.StatusOK, map[string]any{
			"access_token":  "access-" + form.Get("grant_type"),
			"refresh_token": "refresh-" + form.Get("grant_type"),
			"id_token":      idToken,
			"token_type":    "Bearer",
			"expires_in":    300,
		}
	}
}

// RespondWith replaces the token responder
func (as *AuthorizationServer) RespondWith(r TokenResponder) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.responder = r
}

// TokenRequests returns the forms posted to /token so far
func (as *AuthorizationServer) TokenRequests() []url.Values {
	as.mu.Lock()
	defer as.mu.Unlock()
	return append([]url.Values(nil), as.tokenRequests...)
}

// JWKSRequests returns how often /jwks was fetched
func (as *AuthorizationServer) JWKSRequests() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.jwksRequests
}

func (as *AuthorizationServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	as.mu.Lock()
	as.tokenRequests = append(as.tokenRequests, r.PostForm)
	responder := as.responder
	as.mu.Unlock()

	status, body := responder(r.PostForm)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (as *AuthorizationServer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	as.mu.Lock()
	as.jwksRequests++
	as.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(as.Key.JWKS())
}

// DownstreamAPI records the requests it receives and answers with a fixed response
type DownstreamAPI struct {
	*httptest.Server

	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
	status   int
	body     string
}

// NewDownstreamAPI starts a mock API answering status and body
func NewDownstreamAPI(t *testing.T, status int, body string) *DownstreamAPI {
	t.Helper()
	api := &DownstreamAPI{status: status, body: body}
	api.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		api.mu.Lock()
		api.requests = append(api.requests, r.Clone(r.Context()))
		api.bodies = append(api.bodies, string(b))
		api.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(api.status)
		_, _ = w.Write([]byte(api.body))
	}))
	t.Cleanup(api.Close)
	return api
}

// Requests returns the requests received so far
func (api *DownstreamAPI) Requests() []*http.Request {
	api.mu.Lock()
	defer api.mu.Unlock()
	return append([]*http.Request(nil), api.requests...)
}

// Bodies returns the request bodies received so far
func (api *DownstreamAPI) Bodies() []string {
	api.mu.Lock()
	defer api.mu.Unlock()
	return append([]string(nil), api.bodies...)
}
