package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "token_handler_requests_total",
	Help: "The total number of requests handled, by route kind and status code",
}, []string{"route_kind", "status"})

var ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "token_handler_errors_total",
	Help: "The total number of error responses, by kind and error code",
}, []string{"kind", "code"})

var AgentOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "token_handler_agent_operations_total",
	Help: "The total number of OAuth agent operations, by operation and outcome",
}, []string{"operation", "outcome"})

var TokenGrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "token_handler_token_grants_total",
	Help: "The total number of token endpoint grants, by grant type and outcome",
}, []string{"grant_type", "outcome"})

var UpstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "token_handler_upstream_duration_seconds",
	Help:    "Latency of outbound calls to the authorization server and downstream APIs",
	Buckets: prometheus.DefBuckets,
}, []string{"upstream"})

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
