// Package telemetry owns the Prometheus collectors exported on /metrics and
// the helpers components call to record them.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collectord_fetch_attempts_total",
			Help: "Network fetch attempts, labeled by source and outcome kind.",
		},
		[]string{"source", "outcome"},
	)

	fetchRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collectord_fetch_retries_total",
			Help: "Retries scheduled after transient failures, labeled by source.",
		},
		[]string{"source"},
	)

	fetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collectord_fetch_bytes_total",
			Help: "Document bytes downloaded, labeled by source.",
		},
		[]string{"source"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collectord_cache_lookups_total",
			Help: "Cache lookups, labeled by backend and result (hit, miss, corrupt).",
		},
		[]string{"backend", "result"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collectord_rate_limit_delay_seconds",
			Help:    "Time spent waiting for a rate limit token.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"source"},
	)

	activeWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collectord_active_workers",
			Help: "Workers currently executing a job, labeled by pool.",
		},
		[]string{"pool"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collectord_runs_total",
			Help: "Completed collector runs, labeled by collector and status.",
		},
		[]string{"collector", "status"},
	)

	runDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collectord_run_duration_seconds",
			Help:    "Wall time of completed collector runs.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"collector"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the Prometheus HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, ww.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveFetchAttempt records one network attempt. outcome is "ok" or an
// error kind.
func ObserveFetchAttempt(source, outcome string, bytesFetched int) {
	fetchAttemptsTotal.WithLabelValues(source, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(source).Add(float64(bytesFetched))
	}
}

// ObserveRetry records a scheduled retry.
func ObserveRetry(source string) {
	fetchRetriesTotal.WithLabelValues(source).Inc()
}

// ObserveCache records a cache lookup result.
func ObserveCache(backend, result string) {
	cacheLookupsTotal.WithLabelValues(backend, result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active worker count for pool.
func IncActiveWorkers(pool string) {
	activeWorkers.WithLabelValues(pool).Inc()
}

// DecActiveWorkers decrements the active worker count for pool.
func DecActiveWorkers(pool string) {
	activeWorkers.WithLabelValues(pool).Dec()
}

// ObserveRun records a completed run.
func ObserveRun(collectorID, status string, duration time.Duration) {
	runsTotal.WithLabelValues(collectorID, status).Inc()
	runDurationSeconds.WithLabelValues(collectorID).Observe(duration.Seconds())
}
