package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/dgellow/token-handler/internal/apierror"
	"github.com/dgellow/token-handler/internal/log"
	"github.com/dgellow/token-handler/internal/metrics"
)

// DefaultHTTPTimeout bounds every call to the authorization server
const DefaultHTTPTimeout = 10 * time.Second

// ProviderCognito selects the non-standard Cognito logout parameters
const ProviderCognito = "cognito"

// Grant types, also used as metric labels
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// ClientConfig configures the authorization server client
type ClientConfig struct {
	// Provider selects provider specific behaviour, e.g. "cognito"
	Provider string

	AuthorizeEndpoint  string
	TokenEndpoint      string
	EndSessionEndpoint string

	ClientID              string
	ClientSecret          string
	RedirectURI           string
	PostLogoutRedirectURI string
	// Scope is a space separated scope list
	Scope string
}

// GrantResult holds the tokens returned by a grant
type GrantResult struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
}

// Client talks to the authorization server on behalf of the SPA
type Client struct {
	cfg        ClientConfig
	config     oauth2.Config
	httpClient *http.Client
	validator  *IDTokenValidator
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for token requests
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithIDTokenValidator enables signature validation of returned ID tokens
func WithIDTokenValidator(v *IDTokenValidator) ClientOption {
	return func(client *Client) {
		client.validator = v
	}
}

// NewClient creates an authorization server client
func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	c := &Client{
		cfg: cfg,
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       strings.Fields(cfg.Scope),
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizeEndpoint,
				TokenURL:  cfg.TokenEndpoint,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthorizationURL builds the OpenID Connect authorization request URL
func (c *Client) AuthorizationURL(ls *LoginState) string {
	return c.config.AuthCodeURL(ls.State,
		oauth2.SetAuthURLParam("code_challenge", ls.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ExchangeAuthorizationCode redeems an authorization code. The response must
// contain an access, refresh and ID token.
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, code, codeVerifier string) (*GrantResult, error) {
	start := time.Now()
	tok, err := c.config.Exchange(c.withHTTPClient(ctx), code, oauth2.VerifierOption(codeVerifier))
	metrics.UpstreamDuration.WithLabelValues("authorization_server").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, c.grantError(GrantAuthorizationCode, err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	if tok.RefreshToken == "" || idToken == "" {
		metrics.TokenGrantsTotal.WithLabelValues(GrantAuthorizationCode, "invalid_response").Inc()
		return nil, apierror.InvalidOAuthResponse(fmt.Errorf("authorization code grant response is missing refresh_token or id_token"))
	}

	if err := c.validateIDToken(ctx, idToken); err != nil {
		return nil, err
	}

	metrics.TokenGrantsTotal.WithLabelValues(GrantAuthorizationCode, "success").Inc()
	return &GrantResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      idToken,
	}, nil
}

// ExchangeRefreshToken runs a refresh token grant. RefreshToken and IDToken
// are empty when the provider did not issue new ones.
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*GrantResult, error) {
	start := time.Now()
	tok, err := c.config.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	metrics.UpstreamDuration.WithLabelValues("authorization_server").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, c.grantError(GrantRefreshToken, err)
	}

	result := &GrantResult{AccessToken: tok.AccessToken}
	// x/oauth2 carries the old refresh token over when none is returned
	if tok.RefreshToken != refreshToken {
		result.RefreshToken = tok.RefreshToken
	}
	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		if err := c.validateIDToken(ctx, idToken); err != nil {
			return nil, err
		}
		result.IDToken = idToken
	}

	metrics.TokenGrantsTotal.WithLabelValues(GrantRefreshToken, "success").Inc()
	return result, nil
}

// EndSessionURL builds the RP-initiated logout URL. idToken may be empty.
func (c *Client) EndSessionURL(idToken string) (string, error) {
	u, err := url.Parse(c.cfg.EndSessionEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid end session endpoint: %w", err)
	}

	q := u.Query()
	q.Set("client_id", c.cfg.ClientID)
	if c.cfg.Provider == ProviderCognito {
		q.Set("logout_uri", c.cfg.PostLogoutRedirectURI)
	} else {
		q.Set("post_logout_redirect_uri", c.cfg.PostLogoutRedirectURI)
		if idToken != "" {
			q.Set("id_token_hint", idToken)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Client) validateIDToken(ctx context.Context, idToken string) error {
	if c.validator == nil {
		return nil
	}
	if _, err := c.validator.Validate(ctx, idToken); err != nil {
		return apierror.IDTokenValidationFailed(err)
	}
	return nil
}

// grantError maps a token endpoint failure into the error taxonomy. An
// invalid_grant on a refresh is the normal end of a session and becomes a
// 401 session_expired.
func (c *Client) grantError(grantType string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := http.StatusOK
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		fields := map[string]any{
			"grant_type": grantType,
			"status":     status,
			"error_code": retrieveErr.ErrorCode,
		}

		switch {
		case retrieveErr.ErrorCode == "":
			log.LogWarnWithFields("oauth", "Token endpoint returned a non OAuth error", fields)
			metrics.TokenGrantsTotal.WithLabelValues(grantType, "http_error").Inc()
			return apierror.HTTPRequestError(c.cfg.TokenEndpoint, err).WithDetails(map[string]any{
				"url":    c.cfg.TokenEndpoint,
				"status": status,
			})

		case grantType == GrantRefreshToken && retrieveErr.ErrorCode == "invalid_grant":
			log.LogDebugWithFields("oauth", "Refresh token rejected, session expired", fields)
			metrics.TokenGrantsTotal.WithLabelValues(grantType, "session_expired").Inc()
			return apierror.SessionExpired()

		case status >= http.StatusInternalServerError:
			log.LogWarnWithFields("oauth", "Token endpoint server error", fields)
			metrics.TokenGrantsTotal.WithLabelValues(grantType, "http_error").Inc()
			return apierror.HTTPRequestError(c.cfg.TokenEndpoint, err).WithDetails(map[string]any{
				"url":        c.cfg.TokenEndpoint,
				"status":     status,
				"error_code": retrieveErr.ErrorCode,
			})

		default:
			log.LogInfoWithFields("oauth", "Token endpoint rejected grant", fields)
			metrics.TokenGrantsTotal.WithLabelValues(grantType, "rejected").Inc()
			return apierror.NewClientError(http.StatusBadRequest, retrieveErr.ErrorCode, grantErrorMessage(retrieveErr)).
				WithDetails(map[string]any{"grant_type": grantType, "status": status})
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		metrics.TokenGrantsTotal.WithLabelValues(grantType, "connection_error").Inc()
		return apierror.HTTPRequestError(c.cfg.TokenEndpoint, err)
	}

	metrics.TokenGrantsTotal.WithLabelValues(grantType, "invalid_response").Inc()
	return apierror.InvalidOAuthResponse(err)
}

func grantErrorMessage(e *oauth2.RetrieveError) string {
	if e.ErrorDescription != "" {
		return e.ErrorDescription
	}
	return "The Authorization Server rejected the " + e.ErrorCode + " request"
}
