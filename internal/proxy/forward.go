package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dgellow/token-handler/internal/apierror"
	"github.com/dgellow/token-handler/internal/config"
	"github.com/dgellow/token-handler/internal/log"
	"github.com/dgellow/token-handler/internal/metrics"
	"github.com/dgellow/token-handler/internal/urlutil"
)

// ErrPathNotAllowed is returned when a path is outside the route allowlist
var ErrPathNotAllowed = errors.New("path not allowed")

// HeaderPolicy controls which request headers reach downstream APIs
type HeaderPolicy struct {
	CorrelationIDHeader string
	Forward             []string
}

// HeaderPolicyFromConfig builds the policy from proxy configuration
func HeaderPolicyFromConfig(cfg config.ProxyConfig) HeaderPolicy {
	return HeaderPolicy{
		CorrelationIDHeader: cfg.CorrelationIDHeader,
		Forward:             cfg.ForwardHeaders,
	}
}

// NewHTTPClient returns a client for downstream calls. Redirects are passed
// back to the browser rather than followed.
func NewHTTPClient(transport http.RoundTripper, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// hopHeaders are never copied in either direction
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
}

// contentHeaders describe the forwarded body and are always passed on
var contentHeaders = []string{"Accept", "Accept-Language", "Content-Type", "Content-Encoding"}

// upstream is the part shared by both route kinds: resolving the downstream
// URL and relaying the exchange.
type upstream struct {
	route  config.Route
	paths  *PathMatcher
	client *http.Client
}

func newUpstream(route config.Route, client *http.Client) upstream {
	return upstream{
		route:  route,
		paths:  NewPathMatcher(route.AllowedPaths),
		client: client,
	}
}

// resolve maps the inbound request onto the route target
func (u upstream) resolve(r *http.Request) (string, error) {
	suffix, ok := urlutil.StripPrefix(r.URL.Path, u.route.Path)
	if !ok {
		return "", fmt.Errorf("%w: %s is outside route %s", ErrPathNotAllowed, r.URL.Path, u.route.Path)
	}
	if !u.paths.Allows(suffix) {
		return "", fmt.Errorf("%w: %s", ErrPathNotAllowed, suffix)
	}
	escaped, ok := urlutil.StripPrefix(r.URL.EscapedPath(), u.route.Path)
	if !ok {
		return "", fmt.Errorf("%w: %s is outside route %s", ErrPathNotAllowed, r.URL.EscapedPath(), u.route.Path)
	}
	return urlutil.Downstream(u.route.Target, escaped, r.URL.RawQuery)
}

// newRequest creates the outbound request carrying the inbound method and body
func (u upstream) newRequest(r *http.Request) (*http.Request, error) {
	target, err := u.resolve(r)
	if err != nil {
		if errors.Is(err, ErrPathNotAllowed) {
			return nil, apierror.RouteNotFound().WithDetails(map[string]any{"cause": err.Error()})
		}
		return nil, apierror.Internal(err)
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("failed to create downstream request: %w", err))
	}
	out.ContentLength = r.ContentLength
	return out, nil
}

// relay sends out and streams the downstream response back unchanged. Only
// a missing response is turned into an error.
func (u upstream) relay(w http.ResponseWriter, out *http.Request) error {
	start := time.Now()
	resp, err := u.client.Do(out)
	metrics.UpstreamDuration.WithLabelValues("downstream_api").Observe(time.Since(start).Seconds())
	if err != nil {
		return apierror.HTTPRequestError(out.URL.String(), err)
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.LogDebugWithFields("proxy", "Failed to copy downstream response body", map[string]any{
			"route": u.route.Path,
			"error": err.Error(),
		})
	}
	return nil
}

// copyResponseHeaders skips hop-by-hop headers and any CORS headers set by
// the downstream API, since CORS is answered here.
func copyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopHeaders[key] || strings.HasPrefix(key, "Access-Control-") {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// setCorrelationID stamps the request's correlation id on the outbound request
func setCorrelationID(out *http.Request, r *http.Request, header string) {
	if header == "" {
		return
	}
	if id := log.EntryFromContext(r.Context()).CorrelationID(); id != "" {
		out.Header.Set(header, id)
	}
}
