package proxy

import (
	"net/http"

	"github.com/dgellow/token-handler/internal/apierror"
	"github.com/dgellow/token-handler/internal/config"
	"github.com/dgellow/token-handler/internal/cookie"
	"github.com/dgellow/token-handler/internal/log"
)

// OAuthProxy forwards SPA calls to a downstream API, exchanging the sealed
// access token cookie for a bearer token on the way.
type OAuthProxy struct {
	upstream
	cookies *cookie.Store
	headers HeaderPolicy
}

// NewOAuthProxy creates the proxy for one oauthProxy route
func NewOAuthProxy(route config.Route, cookies *cookie.Store, client *http.Client, headers HeaderPolicy) *OAuthProxy {
	return &OAuthProxy{
		upstream: newUpstream(route, client),
		cookies:  cookies,
		headers:  headers,
	}
}

// ServeHTTP implements http.Handler
func (p *OAuthProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log.EntryFromContext(r.Context()).SetOperationName("proxy")

	if err := p.serve(w, r); err != nil {
		apierror.Write(w, r, err)
	}
}

func (p *OAuthProxy) serve(w http.ResponseWriter, r *http.Request) error {
	if err := p.cookies.EnforceCSRF(r); err != nil {
		return apierror.FromCookieError(err)
	}

	accessToken, ok, err := p.cookies.Read(r, cookie.Access)
	if err != nil {
		return apierror.FromCookieError(err)
	}
	if !ok {
		return apierror.MissingCookie("access token")
	}

	out, err := p.newRequest(r)
	if err != nil {
		return err
	}

	for _, name := range contentHeaders {
		copyHeader(out.Header, r.Header, name)
	}
	for _, name := range p.headers.Forward {
		copyHeader(out.Header, r.Header, name)
	}
	setCorrelationID(out, r, p.headers.CorrelationIDHeader)
	out.Header.Set("Authorization", "Bearer "+accessToken)

	return p.relay(w, out)
}

func copyHeader(dst, src http.Header, name string) {
	if values := src.Values(name); len(values) > 0 {
		dst[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
}
