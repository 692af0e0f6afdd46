package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/validator/internal/coordinator"
	"github.com/seantiz/validator/internal/model"
)

const unmatched = "unmatched"

// Run submission modes.
const (
	modeSync  = "sync"
	modeAsync = "async"
)

// Reasons a run submission is turned away before the coordinator sees it.
const (
	rejectRateLimited  = "rate_limited"
	rejectBadRequest   = "bad_request"
	rejectUnresolvable = "unresolvable"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validator_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "validator_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	apiRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validator_api_runs_total",
			Help: "Runs submitted over HTTP, by mode, final status and callback state.",
		},
		[]string{"mode", "status", "callback"},
	)

	submissionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validator_api_submissions_rejected_total",
			Help: "Run submissions refused before execution, by reason.",
		},
		[]string{"reason"},
	)

	asyncInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "validator_api_async_runs_in_flight",
			Help: "Asynchronous runs currently executing.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(apiRunsTotal, submissionsRejected, asyncInFlight)

	for _, reason := range []string{rejectRateLimited, rejectBadRequest, rejectUnresolvable} {
		submissionsRejected.WithLabelValues(reason)
	}
}

// recordOutcome counts a finished run. A run that never persisted an output
// is counted as ABORTED.
func recordOutcome(mode string, o coordinator.Outcome) {
	status := model.StatusAborted
	if o.Persisted() {
		status = string(o.Status)
	}
	cb := o.CallbackStatus()
	if cb == "" {
		cb = "none"
	}
	apiRunsTotal.WithLabelValues(mode, status, cb).Inc()
}

// metricsMiddleware records request count and duration for every HTTP request.
// Uses the chi route pattern (not the raw path) to avoid unbounded cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// metricsHandler returns the Prometheus metrics handler.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
