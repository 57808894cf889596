// Package agent implements the OAuth agent API the SPA calls to log in,
// query its session, refresh tokens and log out. All tokens stay in sealed
// cookies; responses only carry login status, claims and the CSRF token.
package agent

import (
	"context"
	"net/http"
	"strings"

	"github.com/dgellow/token-handler/internal/apierror"
	"github.com/dgellow/token-handler/internal/cookie"
	"github.com/dgellow/token-handler/internal/log"
	"github.com/dgellow/token-handler/internal/metrics"
	"github.com/dgellow/token-handler/internal/oauth"
)

// maxBodyBytes bounds the JSON body of agent requests
const maxBodyBytes = 16 << 10

// AuthorizationServer is the subset of the OAuth client the agent drives
type AuthorizationServer interface {
	AuthorizationURL(ls *oauth.LoginState) string
	ExchangeAuthorizationCode(ctx context.Context, code, codeVerifier string) (*oauth.GrantResult, error)
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (*oauth.GrantResult, error)
	EndSessionURL(idToken string) (string, error)
}

// Config configures the agent
type Config struct {
	// BasePath is the route prefix the agent is mounted on, e.g. /oauth-agent
	BasePath string
	// EnableTestEndpoints exposes access/expire and refresh/expire
	EnableTestEndpoints bool
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

type operation struct {
	name    string
	method  string
	path    string
	csrf    bool
	handler handlerFunc
}

// Agent dispatches agent requests by method and path suffix
type Agent struct {
	basePath   string
	cookies    *cookie.Store
	as         AuthorizationServer
	operations []operation
}

// New creates an agent
func New(cfg Config, cookies *cookie.Store, as AuthorizationServer) *Agent {
	a := &Agent{
		basePath: strings.ToLower(strings.TrimRight(cfg.BasePath, "/")),
		cookies:  cookies,
		as:       as,
	}

	a.operations = []operation{
		{name: "startLogin", method: http.MethodPost, path: "/login/start", handler: a.startLogin},
		{name: "endLogin", method: http.MethodPost, path: "/login/end", handler: a.endLogin},
		{name: "session", method: http.MethodGet, path: "/session", handler: a.session},
		{name: "claims", method: http.MethodGet, path: "/claims", handler: a.session},
		{name: "refresh", method: http.MethodPost, path: "/refresh", csrf: true, handler: a.refresh},
		{name: "logout", method: http.MethodPost, path: "/logout", csrf: true, handler: a.logout},
	}
	if cfg.EnableTestEndpoints {
		a.operations = append(a.operations,
			operation{name: "expireAccessToken", method: http.MethodPost, path: "/access/expire", csrf: true, handler: a.expireAccessToken},
			operation{name: "expireRefreshToken", method: http.MethodPost, path: "/refresh/expire", csrf: true, handler: a.expireRefreshToken},
		)
	}
	return a
}

func (a *Agent) match(r *http.Request) (operation, bool) {
	path := strings.ToLower(r.URL.Path)
	if !strings.HasPrefix(path, a.basePath) {
		return operation{}, false
	}
	suffix := strings.TrimRight(path[len(a.basePath):], "/")

	for _, op := range a.operations {
		if op.method == r.Method && op.path == suffix {
			return op, true
		}
	}
	return operation{}, false
}

// ServeHTTP implements http.Handler
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	op, ok := a.match(r)
	if !ok {
		apierror.Write(w, r, apierror.RouteNotFound())
		return
	}

	log.EntryFromContext(r.Context()).SetOperationName(op.name)

	err := a.run(op, w, r)
	if err != nil {
		metrics.AgentOperationsTotal.WithLabelValues(op.name, "error").Inc()
		apierror.Write(w, r, err)
		return
	}
	metrics.AgentOperationsTotal.WithLabelValues(op.name, "success").Inc()
}

func (a *Agent) run(op operation, w http.ResponseWriter, r *http.Request) error {
	if op.csrf {
		if err := a.cookies.EnforceCSRF(r); err != nil {
			return apierror.FromCookieError(err)
		}
	}
	return op.handler(w, r)
}
