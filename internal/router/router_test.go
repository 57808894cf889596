package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/token-handler/internal/apierror"
	"github.com/dgellow/token-handler/internal/config"
	"github.com/dgellow/token-handler/internal/log"
)

const trustedOrigin = "https://www.example.com"

func named(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(name))
	})
}

func newTestRouter() *Router {
	rt := New([]string{trustedOrigin})
	rt.Handle(config.Route{Path: "/api", Kind: config.RouteKindProxy}, named("api"))
	rt.Handle(config.Route{Path: "/api/public", Kind: config.RouteKindCorsOnly}, named("public"))
	rt.Handle(config.Route{Path: "/oauth-agent", Kind: config.RouteKindAgent}, named("agent"))
	return rt
}

func TestMatch(t *testing.T) {
	rt := newTestRouter()

	tests := []struct {
		path     string
		wantPath string
		wantOK   bool
	}{
		{"/api/orders", "/api", true},
		{"/api", "/api", true},
		{"/api/public/news", "/api/public", true},
		{"/API/Public", "/api/public", true},
		{"/api/publicity", "/api", true},
		{"/oauth-agent/login/start", "/oauth-agent", true},
		{"/apiary", "", false},
		{"/", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			route, handler, ok := rt.Match(tt.path)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantPath, route.Path)
			if ok {
				assert.NotNil(t, handler)
			}
		})
	}
}

func TestServeHTTP(t *testing.T) {
	rt := newTestRouter()

	tests := []struct {
		name       string
		method     string
		path       string
		origin     string
		wantStatus int
		wantCode   string
		wantBody   string
	}{
		{
			name:       "trusted origin",
			method:     http.MethodGet,
			path:       "/api/orders",
			origin:     trustedOrigin,
			wantStatus: http.StatusOK,
			wantBody:   "api",
		},
		{
			name:       "longest prefix wins",
			method:     http.MethodGet,
			path:       "/api/public/news",
			origin:     trustedOrigin,
			wantStatus: http.StatusOK,
			wantBody:   "public",
		},
		{
			name:       "unknown route",
			method:     http.MethodGet,
			path:       "/unknown",
			origin:     trustedOrigin,
			wantStatus: http.StatusNotFound,
			wantCode:   apierror.CodeRouteNotFound,
		},
		{
			name:       "missing origin",
			method:     http.MethodPost,
			path:       "/oauth-agent/login/start",
			wantStatus: http.StatusUnauthorized,
			wantCode:   apierror.CodeMissingWebOrigin,
		},
		{
			name:       "untrusted origin",
			method:     http.MethodPost,
			path:       "/oauth-agent/login/start",
			origin:     "https://evil.example.com",
			wantStatus: http.StatusUnauthorized,
			wantCode:   apierror.CodeUntrustedWebOrigin,
		},
		{
			name:       "options skips origin check",
			method:     http.MethodOptions,
			path:       "/api/orders",
			wantStatus: http.StatusOK,
			wantBody:   "api",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			rt.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantCode != "" {
				var body map[string]any
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, tt.wantCode, body["error"])
				return
			}
			assert.Equal(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestServeHTTPRecordsRoute(t *testing.T) {
	rt := newTestRouter()
	entry := log.NewEntry("c1")

	req := httptest.NewRequest(http.MethodGet, "/oauth-agent/session", nil)
	req.Header.Set("Origin", trustedOrigin)
	req = req.WithContext(log.WithEntry(req.Context(), entry))
	rt.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "agent", entry.RouteKind())
	assert.Equal(t, "/oauth-agent", entry.Fields()["route"])
}
