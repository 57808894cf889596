package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/token-handler/internal/testutil"
)

func TestDecodeIDTokenClaims(t *testing.T) {
	as := testutil.NewAuthorizationServer(t)

	claims, err := DecodeIDTokenClaims(as.IDToken(t))
	require.NoError(t, err)
	assert.Equal(t, testutil.Subject, claims.Subject)
	assert.Equal(t, testutil.SessionID, claims.SessionID)
	assert.Equal(t, as.Issuer(), claims.Issuer)

	_, err = DecodeIDTokenClaims("not-a-jwt")
	assert.Error(t, err)
}

func TestIDTokenValidator(t *testing.T) {
	as := testutil.NewAuthorizationServer(t)
	now := time.Now()

	tests := []struct {
		name    string
		token   func(t *testing.T) string
		wantErr string
	}{
		{
			name:  "valid",
			token: as.IDToken,
		},
		{
			name: "wrong issuer",
			token: func(t *testing.T) string {
				return as.Key.MintIDToken(t, map[string]any{
					"iss": "https://evil.example.com",
					"aud": testutil.ClientID,
					"sub": testutil.Subject,
					"exp": now.Add(time.Hour).Unix(),
				})
			},
			wantErr: "claims are invalid",
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				return as.Key.MintIDToken(t, map[string]any{
					"iss": as.Issuer(),
					"aud": testutil.ClientID,
					"sub": testutil.Subject,
					"exp": now.Add(-time.Hour).Unix(),
				})
			},
			wantErr: "claims are invalid",
		},
		{
			name: "signed by unknown key",
			token: func(t *testing.T) string {
				other := testutil.NewSigningKey(t, "key-1")
				return other.MintIDToken(t, map[string]any{
					"iss": as.Issuer(),
					"aud": testutil.ClientID,
					"sub": testutil.Subject,
					"exp": now.Add(time.Hour).Unix(),
				})
			},
			wantErr: "signature verification failed",
		},
		{
			name: "unknown kid",
			token: func(t *testing.T) string {
				other := testutil.NewSigningKey(t, "key-2")
				return other.MintIDToken(t, map[string]any{
					"iss": as.Issuer(),
					"aud": testutil.ClientID,
					"exp": now.Add(time.Hour).Unix(),
				})
			},
			wantErr: "no JWKS key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewIDTokenValidator(as.URL+"/jwks", as.Issuer(), testutil.ClientID, nil)
			claims, err := v.Validate(context.Background(), tt.token(t))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testutil.Subject, claims.Subject)
		})
	}
}

func TestIDTokenValidatorRejectsDisallowedAlgorithm(t *testing.T) {
	as := testutil.NewAuthorizationServer(t)
	v := NewIDTokenValidator(as.URL+"/jwks", as.Issuer(), testutil.ClientID, []jose.SignatureAlgorithm{jose.ES256})

	_, err := v.Validate(context.Background(), as.IDToken(t))
	assert.Error(t, err)
	assert.Equal(t, 0, as.JWKSRequests())
}

func TestIDTokenValidatorCachesKeys(t *testing.T) {
	as := testutil.NewAuthorizationServer(t)
	v := NewIDTokenValidator(as.URL+"/jwks", as.Issuer(), testutil.ClientID, nil)
	token := as.IDToken(t)

	_, err := v.Validate(context.Background(), token)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.Validate(context.Background(), token)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, as.JWKSRequests())
}

func TestIDTokenValidatorLimitsRefetchForUnknownKid(t *testing.T) {
	as := testutil.NewAuthorizationServer(t)
	forged := testutil.NewSigningKey(t, "rotated").MintIDToken(t, map[string]any{
		"iss": as.Issuer(),
		"aud": testutil.ClientID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	tests := []struct {
		name         string
		minRefetch   time.Duration
		wantRequests int
	}{
		{name: "within interval", minRefetch: time.Hour, wantRequests: 1},
		{name: "interval elapsed", minRefetch: 0, wantRequests: 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := as.JWKSRequests()
			v := NewIDTokenValidator(as.URL+"/jwks", as.Issuer(), testutil.ClientID, nil,
				WithJWKSMinRefetchInterval(tt.minRefetch))

			_, err := v.Validate(context.Background(), as.IDToken(t))
			require.NoError(t, err)

			for i := 0; i < 5; i++ {
				_, err := v.Validate(context.Background(), forged)
				require.Error(t, err)
				assert.Contains(t, err.Error(), "no JWKS key")
			}
			assert.Equal(t, tt.wantRequests, as.JWKSRequests()-before)
		})
	}
}

func TestIDTokenValidatorSharedFetchSurvivesCancelledCaller(t *testing.T) {
	as := testutil.NewAuthorizationServer(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() { close(started) })
		<-release
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(as.Key.JWKS())
	}))
	t.Cleanup(jwks.Close)

	v := NewIDTokenValidator(jwks.URL, as.Issuer(), testutil.ClientID, nil)
	token := as.IDToken(t)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := v.Validate(ctx, token)
		firstErr <- err
	}()
	<-started

	secondErr := make(chan error, 1)
	go func() {
		_, err := v.Validate(context.Background(), token)
		secondErr <- err
	}()

	cancel()
	err := <-firstErr
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	close(release)
	assert.NoError(t, <-secondErr)
}

func TestParseAlgorithms(t *testing.T) {
	algs, err := ParseAlgorithms(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultIDTokenAlgorithms, algs)

	algs, err = ParseAlgorithms([]string{"RS256", "ES384"})
	require.NoError(t, err)
	assert.Equal(t, []jose.SignatureAlgorithm{jose.RS256, jose.ES384}, algs)

	_, err = ParseAlgorithms([]string{"none"})
	assert.Error(t, err)
}
