package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dgellow/token-handler/internal/apierror"
	"github.com/dgellow/token-handler/internal/log"
	"github.com/dgellow/token-handler/internal/metrics"
)

// MiddlewareFunc is a function that wraps an http.Handler
type MiddlewareFunc func(http.Handler) http.Handler

// ChainMiddleware chains multiple middleware functions. The last one listed
// is the outermost.
func ChainMiddleware(h http.Handler, middlewares ...MiddlewareFunc) http.Handler {
	for _, mw := range middlewares {
		h = mw(h)
	}
	return h
}

// corsAllowMethods is answered on every preflight
const corsAllowMethods = "OPTIONS,HEAD,GET,POST,PUT,PATCH,DELETE"

// corsMaxAge lets browsers cache a preflight for a day
const corsMaxAge = "86400"

// NewCORSMiddleware decorates responses to trusted origins with credentialed
// CORS headers. The headers are set before the wrapped handler runs, so they
// are present on error responses too. Preflight requests are answered here
// with 204 and never reach a route.
func NewCORSMiddleware(trustedOrigins []string) MiddlewareFunc {
	trusted := make(map[string]bool, len(trustedOrigins))
	for _, origin := range trustedOrigins {
		trusted[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := origin != "" && trusted[origin]

			h := w.Header()
			if allowed {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			h.Add("Vary", "Origin")

			if r.Method == http.MethodOptions {
				if allowed {
					h.Set("Access-Control-Allow-Methods", corsAllowMethods)
					h.Set("Access-Control-Max-Age", corsMaxAge)
					if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
						h.Set("Access-Control-Allow-Headers", requested)
					}
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// NewCorrelationMiddleware installs the request log entry. The inbound
// correlation id is reused when present, otherwise a new one is generated;
// either way it is echoed on the response.
func NewCorrelationMiddleware(header string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(header)
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			w.Header().Set(header, id)

			ctx := log.WithEntry(r.Context(), log.NewEntry(id))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// responseWriterDelegator wraps http.ResponseWriter to capture status and bytes written
// while properly delegating all optional interfaces through Unwrap
type responseWriterDelegator struct {
	http.ResponseWriter
	status      int
	written     int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriterDelegator {
	return &responseWriterDelegator{
		ResponseWriter: w,
		status:         http.StatusOK,
	}
}

func (r *responseWriterDelegator) Status() int {
	return r.status
}

func (r *responseWriterDelegator) BytesWritten() int {
	return r.written
}

func (r *responseWriterDelegator) WroteHeader() bool {
	return r.wroteHeader
}

func (r *responseWriterDelegator) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseWriterDelegator) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += n
	return n, err
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController
func (r *responseWriterDelegator) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Flush implements http.Flusher
func (r *responseWriterDelegator) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var _ http.ResponseWriter = (*responseWriterDelegator)(nil)
var _ http.Flusher = (*responseWriterDelegator)(nil)

// NewLoggerMiddleware writes one line per request, merging the fields the
// handlers recorded on the request entry. It must run inside the correlation
// middleware.
func NewLoggerMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			entry := log.EntryFromContext(r.Context())
			status := wrapped.Status()
			metrics.RequestsTotal.WithLabelValues(entry.RouteKind(), strconv.Itoa(status)).Inc()

			fields := entry.Fields()
			fields["method"] = r.Method
			fields["path"] = r.URL.Path
			fields["status"] = status
			fields["duration_ms"] = time.Since(start).Milliseconds()
			fields["bytes"] = wrapped.BytesWritten()
			fields["remote_addr"] = r.RemoteAddr

			switch {
			case entry.HasServerError():
				log.LogErrorWithFields(prefix, "request", fields)
			case status >= http.StatusBadRequest:
				log.LogWarnWithFields(prefix, "request", fields)
			default:
				log.LogInfoWithFields(prefix, "request", fields)
			}
		})
	}
}

// NewRecoverMiddleware turns a panicking handler into a server_error response
func NewRecoverMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := wrapResponseWriter(w)
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.LogErrorWithFields(prefix, "Recovered from panic", map[string]any{
						"panic": fmt.Sprint(rec),
						"path":  r.URL.Path,
					})
					if !wrapped.WroteHeader() {
						apierror.Write(wrapped, r, apierror.Internal(fmt.Errorf("panic: %v", rec)))
					}
				}
			}()
			next.ServeHTTP(wrapped, r)
		})
	}
}
