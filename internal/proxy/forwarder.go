package proxy

import (
	"net/http"

	"github.com/dgellow/token-handler/internal/apierror"
	"github.com/dgellow/token-handler/internal/config"
	"github.com/dgellow/token-handler/internal/log"
)

// Forwarder passes requests on cors-only routes to their target without
// touching tokens. The session cookies are stripped since they are only
// meaningful to the token handler.
type Forwarder struct {
	upstream
	correlationIDHeader string
}

// NewForwarder creates the forwarder for one cors-only route
func NewForwarder(route config.Route, client *http.Client, correlationIDHeader string) *Forwarder {
	return &Forwarder{
		upstream:            newUpstream(route, client),
		correlationIDHeader: correlationIDHeader,
	}
}

// ServeHTTP implements http.Handler
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log.EntryFromContext(r.Context()).SetOperationName("forward")

	out, err := f.newRequest(r)
	if err != nil {
		apierror.Write(w, r, err)
		return
	}
	copyRequestHeaders(out.Header, r.Header)
	setCorrelationID(out, r, f.correlationIDHeader)

	if err := f.relay(w, out); err != nil {
		apierror.Write(w, r, err)
	}
}

func copyRequestHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopHeaders[key] || key == "Cookie" {
			continue
		}
		dst[key] = append([]string(nil), values...)
	}
}
