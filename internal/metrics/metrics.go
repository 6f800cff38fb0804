// Package metrics exposes Prometheus counters and histograms for the proxy
// pipeline: request volume and latency, admission decisions, and store
// errors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "raskol_requests_total",
		Help: "Total number of HTTP requests handled by the proxy.",
	}, []string{"method", "route", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "raskol_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	admissionDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "raskol_admission_decisions_total",
		Help: "Admission controller decisions by verdict.",
	}, []string{"verdict"})

	storeErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "raskol_store_errors_total",
		Help: "Accounting store errors by operation.",
	}, []string{"operation"})

	upstreamTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "raskol_upstream_tokens_total",
		Help: "Tokens charged to users after a successful upstream call.",
	}, []string{"uid"})
)

func init() {
	prometheus.MustRegister(
		requestsTotal,
		requestDuration,
		admissionDecisionsTotal,
		storeErrorsTotal,
		upstreamTokensTotal,
	)
}

// Handler returns the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one completed HTTP request.
func ObserveRequest(method, route string, status int, dur time.Duration) {
	requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(method, route).Observe(dur.Seconds())
}

// ObserveAdmission records one admission controller verdict.
func ObserveAdmission(verdict string) {
	admissionDecisionsTotal.WithLabelValues(verdict).Inc()
}

// ObserveStoreError records a store operation that failed.
func ObserveStoreError(operation string) {
	storeErrorsTotal.WithLabelValues(operation).Inc()
}

// ObserveTokensCharged records tokens consumed by uid after a successful
// upstream call.
func ObserveTokensCharged(uid string, n uint64) {
	upstreamTokensTotal.WithLabelValues(uid).Add(float64(n))
}

// responseRecorder captures the status code written by downstream handlers
// so middleware can report it after the fact.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware wraps an http.Handler, recording request count and latency.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)
		ObserveRequest(r.Method, routeLabel(r), rr.statusCode, time.Since(start))
	})
}

// routeLabel collapses the high-cardinality wildcard proxy path down to a
// fixed label so Prometheus series don't explode with one per endpoint.
func routeLabel(r *http.Request) string {
	switch r.URL.Path {
	case "/health", "/ping", "/stats", "/total-stats", "/metrics":
		return r.URL.Path
	default:
		return "/*endpoint"
	}
}
