// Package router maps request paths onto the configured routes and admits
// only requests from trusted web origins.
package router

import (
	"net/http"
	"sort"

	"github.com/dgellow/token-handler/internal/apierror"
	"github.com/dgellow/token-handler/internal/config"
	"github.com/dgellow/token-handler/internal/log"
	"github.com/dgellow/token-handler/internal/urlutil"
)

type entry struct {
	route   config.Route
	handler http.Handler
}

// Router dispatches to the handler of the longest matching route prefix
type Router struct {
	routes  []entry
	origins map[string]bool
}

// New creates a router admitting the given web origins
func New(trustedOrigins []string) *Router {
	origins := make(map[string]bool, len(trustedOrigins))
	for _, o := range trustedOrigins {
		origins[o] = true
	}
	return &Router{origins: origins}
}

// Handle registers the handler of a route
func (rt *Router) Handle(route config.Route, h http.Handler) {
	rt.routes = append(rt.routes, entry{route: route, handler: h})
	sort.SliceStable(rt.routes, func(i, j int) bool {
		return len(rt.routes[i].route.Path) > len(rt.routes[j].route.Path)
	})
}

// Match returns the route a path belongs to. Prefixes match whole segments
// and ignore case.
func (rt *Router) Match(path string) (config.Route, http.Handler, bool) {
	for _, e := range rt.routes {
		if _, ok := urlutil.StripPrefix(path, e.route.Path); ok {
			return e.route, e.handler, true
		}
	}
	return config.Route{}, nil, false
}

// ServeHTTP implements http.Handler
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, handler, ok := rt.Match(r.URL.Path)
	if !ok {
		apierror.Write(w, r, apierror.RouteNotFound())
		return
	}
	log.EntryFromContext(r.Context()).SetRoute(route.Path, route.Kind.String())

	if r.Method != http.MethodOptions {
		origin := r.Header.Get("Origin")
		if origin == "" {
			apierror.Write(w, r, apierror.MissingWebOrigin())
			return
		}
		if !rt.origins[origin] {
			apierror.Write(w, r, apierror.UntrustedWebOrigin(origin))
			return
		}
	}

	handler.ServeHTTP(w, r)
}
