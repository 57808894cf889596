package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/token-handler/internal/apierror"
	"github.com/dgellow/token-handler/internal/cookie"
	"github.com/dgellow/token-handler/internal/crypto"
	"github.com/dgellow/token-handler/internal/oauth"
	"github.com/dgellow/token-handler/internal/testutil"
)

const basePath = "/oauth-agent"

// browser keeps the cookies a browser would hold between agent calls
type browser struct {
	t       *testing.T
	agent   *Agent
	cookies *cookie.Store
	jar     map[string]*http.Cookie
	csrf    string
}

func newStore(t *testing.T) *cookie.Store {
	t.Helper()
	cipher, err := crypto.NewCookieCipherFromHex(testutil.EncryptionKeyHex)
	require.NoError(t, err)
	return cookie.NewStore(cipher, "example", "", cookie.AgentPaths(basePath))
}

func newBrowser(t *testing.T, as AuthorizationServer, cfg Config) *browser {
	t.Helper()
	store := newStore(t)
	cfg.BasePath = basePath
	return &browser{
		t:       t,
		agent:   New(cfg, store, as),
		cookies: store,
		jar:     map[string]*http.Cookie{},
	}
}

func (b *browser) do(method, path string, body any) *httptest.ResponseRecorder {
	b.t.Helper()
	var reader *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(b.t, err)
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, basePath+path, reader)
	req.Header.Set("Content-Type", "application/json")
	if b.csrf != "" {
		req.Header.Set(b.cookies.CSRFHeaderName(), b.csrf)
	}
	for _, c := range b.jar {
		req.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	b.agent.ServeHTTP(rec, req)

	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(b.jar, c.Name)
			continue
		}
		b.jar[c.Name] = c
	}
	return rec
}

// plaintext unseals a cookie held by the browser
func (b *browser) plaintext(name cookie.Name) string {
	b.t.Helper()
	c, ok := b.jar[b.cookies.CookieName(name)]
	require.True(b.t, ok, "cookie %s not set", name)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	value, _, err := b.cookies.Read(req, name)
	require.NoError(b.t, err)
	return value
}

func (b *browser) has(name cookie.Name) bool {
	_, ok := b.jar[b.cookies.CookieName(name)]
	return ok
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]any](t, rec)["error"].(string)
}

func newOAuthClient(as *testutil.AuthorizationServer) *oauth.Client {
	return oauth.NewClient(oauth.ClientConfig{
		AuthorizeEndpoint:     as.URL + "/authorize",
		TokenEndpoint:         as.URL + "/token",
		EndSessionEndpoint:    as.URL + "/logout",
		ClientID:              testutil.ClientID,
		ClientSecret:          testutil.ClientSecret,
		RedirectURI:           testutil.RedirectURI,
		PostLogoutRedirectURI: testutil.RedirectURI,
		Scope:                 "openid profile",
	})
}

// login runs startLogin and endLogin against the mock authorization server
func (b *browser) login() {
	b.t.Helper()
	rec := b.do(http.MethodPost, "/login/start", nil)
	require.Equal(b.t, http.StatusOK, rec.Code)
	start := decode[startLoginResponse](b.t, rec)

	authz, err := url.Parse(start.AuthorizationRequestURL)
	require.NoError(b.t, err)

	rec = b.do(http.MethodPost, "/login/end", endLoginRequest{
		URL: testutil.RedirectURI + "?code=AUTHCODE&state=" + url.QueryEscape(authz.Query().Get("state")),
	})
	require.Equal(b.t, http.StatusOK, rec.Code, rec.Body.String())
	b.csrf = decode[endLoginResponse](b.t, rec).CSRF
}

func TestLoginRefreshLogoutFlow(t *testing.T) {
	as := testutil.NewAuthorizationServer(t)
	b := newBrowser(t, newOAuthClient(as), Config{})

	rec := b.do(http.MethodPost, "/login/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	start := decode[startLoginResponse](t, rec)
	require.True(t, b.has(cookie.State))

	authz, err := url.Parse(start.AuthorizationRequestURL)
	require.NoError(t, err)
	state := authz.Query().Get("state")
	challenge := authz.Query().Get("code_challenge")
	require.NotEmpty(t, state)
	assert.Equal(t, "S256", authz.Query().Get("code_challenge_method"))

	tokens := as.DefaultTokens(t)
	as.RespondWith(func(form url.Values) (int, any) {
		if form.Get("grant_type") == "authorization_code" && !testutil.VerifyPKCE(form.Get("code_verifier"), challenge) {
			return http.StatusBadRequest, map[string]any{"error": "invalid_grant"}
		}
		return tokens(form)
	})

	rec = b.do(http.MethodPost, "/login/end", endLoginRequest{
		URL: "https://www.example.com/?code=AUTHCODE&state=" + url.QueryEscape(state),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	end := decode[endLoginResponse](t, rec)
	assert.True(t, end.Handled)
	assert.True(t, end.IsLoggedIn)
	require.NotEmpty(t, end.CSRF)
	b.csrf = end.CSRF

	assert.False(t, b.has(cookie.State), "state cookie must be cleared")
	assert.Equal(t, "access-authorization_code", b.plaintext(cookie.Access))
	assert.Equal(t, "refresh-authorization_code", b.plaintext(cookie.Refresh))
	assert.Equal(t, end.CSRF, b.plaintext(cookie.CSRF))
	assert.NotEmpty(t, b.plaintext(cookie.ID))

	rec = b.do(http.MethodGet, "/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	session := decode[sessionResponse](t, rec)
	assert.True(t, session.IsLoggedIn)
	require.NotNil(t, session.Claims)
	assert.Equal(t, testutil.Subject, session.Claims.Subject)
	assert.Equal(t, testutil.SessionID, session.Claims.SessionID)
	assert.Equal(t, end.CSRF, session.CSRF)

	rec = b.do(http.MethodPost, "/refresh", nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Equal(t, "access-refresh_token", b.plaintext(cookie.Access))
	assert.Equal(t, "refresh-refresh_token", b.plaintext(cookie.Refresh))

	rec = b.do(http.MethodPost, "/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logout, err := url.Parse(decode[logoutResponse](t, rec).URL)
	require.NoError(t, err)
	assert.Equal(t, "/logout", logout.Path)
	assert.Equal(t, testutil.ClientID, logout.Query().Get("client_id"))
	assert.NotEmpty(t, logout.Query().Get("id_token_hint"))

	for _, name := range []cookie.Name{cookie.Access, cookie.Refresh, cookie.ID, cookie.CSRF} {
		assert.False(t, b.has(name), "cookie %s must be cleared", name)
	}
	assert.Len(t, as.TokenRequests(), 2)
}

// fakeAuthorizationServer counts calls and returns canned results
type fakeAuthorizationServer struct {
	exchanges  int
	refreshes  int
	refreshErr error
	result     *oauth.GrantResult
}

func (f *fakeAuthorizationServer) AuthorizationURL(ls *oauth.LoginState) string {
	return "https://login.example.com/authorize?state=" + ls.State
}

func (f *fakeAuthorizationServer) ExchangeAuthorizationCode(context.Context, string, string) (*oauth.GrantResult, error) {
	f.exchanges++
	return f.result, nil
}

func (f *fakeAuthorizationServer) ExchangeRefreshToken(context.Context, string) (*oauth.GrantResult, error) {
	f.refreshes++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.result, nil
}

func (f *fakeAuthorizationServer) EndSessionURL(string) (string, error) {
	return "https://login.example.com/logout", nil
}

func TestEndLoginInvalidStateDoesNotExchange(t *testing.T) {
	fake := &fakeAuthorizationServer{}
	b := newBrowser(t, fake, Config{})

	rec := b.do(http.MethodPost, "/login/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = b.do(http.MethodPost, "/login/end", endLoginRequest{
		URL: "https://www.example.com/?code=AUTHCODE&state=forged",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apierror.CodeInvalidState, errorCode(t, rec))
	assert.Zero(t, fake.exchanges)
	assert.False(t, b.has(cookie.Access))
}

func TestEndLoginWithoutStateCookie(t *testing.T) {
	fake := &fakeAuthorizationServer{}
	b := newBrowser(t, fake, Config{})

	rec := b.do(http.MethodPost, "/login/end", endLoginRequest{
		URL: "https://www.example.com/?code=AUTHCODE&state=abc",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apierror.CodeCookieNotFound, errorCode(t, rec))
	assert.Zero(t, fake.exchanges)
}

func TestEndLoginErrorResponse(t *testing.T) {
	fake := &fakeAuthorizationServer{}
	b := newBrowser(t, fake, Config{})

	rec := b.do(http.MethodPost, "/login/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = b.do(http.MethodPost, "/login/end", endLoginRequest{
		URL: "https://www.example.com/?error=access_denied&error_description=User+cancelled&state=abc",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "access_denied", body["error"])
	assert.Equal(t, "User cancelled", body["message"])
	assert.Empty(t, rec.Result().Cookies())
	assert.Zero(t, fake.exchanges)
}

func TestEndLoginPageLoad(t *testing.T) {
	as := testutil.NewAuthorizationServer(t)

	t.Run("anonymous", func(t *testing.T) {
		b := newBrowser(t, newOAuthClient(as), Config{})
		rec := b.do(http.MethodPost, "/login/end", endLoginRequest{URL: "https://www.example.com/orders"})
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[endLoginResponse](t, rec)
		assert.False(t, resp.Handled)
		assert.False(t, resp.IsLoggedIn)
		assert.Empty(t, resp.CSRF)
		assert.Empty(t, rec.Result().Cookies())
	})

	t.Run("logged in", func(t *testing.T) {
		b := newBrowser(t, newOAuthClient(as), Config{})
		b.login()

		rec := b.do(http.MethodPost, "/login/end", endLoginRequest{URL: "https://www.example.com/orders"})
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[endLoginResponse](t, rec)
		assert.False(t, resp.Handled)
		assert.True(t, resp.IsLoggedIn)
		assert.Equal(t, b.csrf, resp.CSRF)
	})
}

func TestLoginStatusRequiresCSRFCookie(t *testing.T) {
	as := testutil.NewAuthorizationServer(t)
	b := newBrowser(t, newOAuthClient(as), Config{})
	b.login()
	delete(b.jar, b.cookies.CookieName(cookie.CSRF))
	require.True(t, b.has(cookie.ID))

	rec := b.do(http.MethodPost, "/login/end", endLoginRequest{URL: "https://www.example.com/orders"})
	require.Equal(t, http.StatusOK, rec.Code)
	pageLoad := decode[endLoginResponse](t, rec)
	assert.False(t, pageLoad.IsLoggedIn)
	assert.Empty(t, pageLoad.CSRF)

	for _, path := range []string{"/session", "/claims"} {
		rec := b.do(http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[sessionResponse](t, rec)
		assert.False(t, resp.IsLoggedIn, path)
		assert.Nil(t, resp.Claims, path)
	}
}

func TestEndLoginBadRequests(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing url",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apierror.CodeFormFieldNotFound,
		},
		{
			name:       "not json",
			body:       `url=https://www.example.com/`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apierror.CodeInvalidRequest,
		},
		{
			name:       "unparseable url",
			body:       `{"url":"://bad"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apierror.CodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(Config{BasePath: basePath}, newStore(t), &fakeAuthorizationServer{})
			req := httptest.NewRequest(http.MethodPost, basePath+"/login/end", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			a.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, errorCode(t, rec))
		})
	}
}

func TestSessionWhenAnonymous(t *testing.T) {
	b := newBrowser(t, &fakeAuthorizationServer{}, Config{})

	for _, path := range []string{"/session", "/claims"} {
		rec := b.do(http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[sessionResponse](t, rec)
		assert.False(t, resp.IsLoggedIn)
		assert.Nil(t, resp.Claims)
	}
}

func TestSessionWithTamperedCookie(t *testing.T) {
	as := testutil.NewAuthorizationServer(t)
	b := newBrowser(t, newOAuthClient(as), Config{})
	b.login()

	idCookie := b.jar[b.cookies.CookieName(cookie.ID)]
	value := []byte(idCookie.Value)
	i := len(value) / 2
	if value[i] == 'A' {
		value[i] = 'B'
	} else {
		value[i] = 'A'
	}
	idCookie.Value = string(value)

	rec := b.do(http.MethodGet, "/session", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apierror.CodeCookieDecryptionError, errorCode(t, rec))
}

func TestRefreshCSRF(t *testing.T) {
	as := testutil.NewAuthorizationServer(t)

	tests := []struct {
		name     string
		mutate   func(b *browser)
		wantCode string
	}{
		{
			name:     "missing header",
			mutate:   func(b *browser) { b.csrf = "" },
			wantCode: apierror.CodeMissingCSRFToken,
		},
		{
			name:     "mismatched header",
			mutate:   func(b *browser) { b.csrf = "other" },
			wantCode: apierror.CodeMismatchedCSRFToken,
		},
		{
			name:     "missing cookie",
			mutate:   func(b *browser) { delete(b.jar, b.cookies.CookieName(cookie.CSRF)) },
			wantCode: apierror.CodeCookieNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBrowser(t, newOAuthClient(as), Config{})
			b.login()
			before := len(as.TokenRequests())
			tt.mutate(b)

			rec := b.do(http.MethodPost, "/refresh", nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, tt.wantCode, errorCode(t, rec))
			assert.Len(t, as.TokenRequests(), before, "no grant may run")
		})
	}
}

func TestRefreshWithoutRefreshCookie(t *testing.T) {
	as := testutil.NewAuthorizationServer(t)
	b := newBrowser(t, newOAuthClient(as), Config{})
	b.login()
	delete(b.jar, b.cookies.CookieName(cookie.Refresh))

	rec := b.do(http.MethodPost, "/refresh", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apierror.CodeCookieNotFound, errorCode(t, rec))
}

func TestRefreshInvalidGrantClearsSession(t *testing.T) {
	as := testutil.NewAuthorizationServer(t)
	b := newBrowser(t, newOAuthClient(as), Config{})
	b.login()

	as.RespondWith(func(url.Values) (int, any) {
		return http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "expired"}
	})

	rec := b.do(http.MethodPost, "/refresh", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apierror.CodeSessionExpired, errorCode(t, rec))
	for _, name := range []cookie.Name{cookie.Access, cookie.Refresh, cookie.ID, cookie.CSRF} {
		assert.False(t, b.has(name), "cookie %s must be cleared", name)
	}
}

func TestRefreshKeepsTokensThatWereNotRotated(t *testing.T) {
	fake := &fakeAuthorizationServer{result: &oauth.GrantResult{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		IDToken:      "not-a-jwt",
	}}
	b := newBrowser(t, fake, Config{})
	b.login()
	idBefore := b.jar[b.cookies.CookieName(cookie.ID)].Value

	fake.result = &oauth.GrantResult{AccessToken: "at-2"}
	rec := b.do(http.MethodPost, "/refresh", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, "at-2", b.plaintext(cookie.Access))
	assert.Equal(t, "rt-1", b.plaintext(cookie.Refresh))
	assert.Equal(t, idBefore, b.jar[b.cookies.CookieName(cookie.ID)].Value)
	assert.Len(t, rec.Result().Cookies(), 1)
}

func TestLogoutWithoutSession(t *testing.T) {
	b := newBrowser(t, &fakeAuthorizationServer{}, Config{})

	rec := b.do(http.MethodPost, "/logout", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apierror.CodeCookieNotFound, errorCode(t, rec))
}

func TestExpireEndpoints(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		b := newBrowser(t, &fakeAuthorizationServer{}, Config{})
		for _, path := range []string{"/access/expire", "/refresh/expire"} {
			rec := b.do(http.MethodPost, path, nil)
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Equal(t, apierror.CodeRouteNotFound, errorCode(t, rec))
		}
	})

	t.Run("access", func(t *testing.T) {
		fake := &fakeAuthorizationServer{result: &oauth.GrantResult{AccessToken: "at", RefreshToken: "rt", IDToken: "id"}}
		b := newBrowser(t, fake, Config{EnableTestEndpoints: true})
		b.login()

		rec := b.do(http.MethodPost, "/access/expire", nil)
		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "atx", b.plaintext(cookie.Access))
		assert.Equal(t, "rt", b.plaintext(cookie.Refresh))
	})

	t.Run("refresh", func(t *testing.T) {
		fake := &fakeAuthorizationServer{result: &oauth.GrantResult{AccessToken: "at", RefreshToken: "rt", IDToken: "id"}}
		b := newBrowser(t, fake, Config{EnableTestEndpoints: true})
		b.login()

		rec := b.do(http.MethodPost, "/refresh/expire", nil)
		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "atx", b.plaintext(cookie.Access))
		assert.Equal(t, "rtx", b.plaintext(cookie.Refresh))
	})

	t.Run("requires csrf", func(t *testing.T) {
		fake := &fakeAuthorizationServer{result: &oauth.GrantResult{AccessToken: "at", RefreshToken: "rt", IDToken: "id"}}
		b := newBrowser(t, fake, Config{EnableTestEndpoints: true})
		b.login()
		b.csrf = ""

		rec := b.do(http.MethodPost, "/access/expire", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "at", b.plaintext(cookie.Access))
	})
}

func TestRouting(t *testing.T) {
	a := New(Config{BasePath: basePath}, newStore(t), &fakeAuthorizationServer{})

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{name: "case insensitive", method: http.MethodPost, path: "/OAuth-Agent/Login/Start", wantStatus: http.StatusOK},
		{name: "trailing slash", method: http.MethodPost, path: "/oauth-agent/login/start/", wantStatus: http.StatusOK},
		{name: "wrong method", method: http.MethodGet, path: "/oauth-agent/login/start", wantStatus: http.StatusNotFound},
		{name: "unknown path", method: http.MethodPost, path: "/oauth-agent/unknown", wantStatus: http.StatusNotFound},
		{name: "outside base", method: http.MethodPost, path: "/api/login/start", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			a.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}
