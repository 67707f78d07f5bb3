package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// PermissionChecks counts resolver decisions by result (granted, denied, error).
	PermissionChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_permission_checks_total",
			Help: "Permission checks by result.",
		},
		[]string{"result"},
	)

	// RiskAssessments counts login risk assessments by level.
	RiskAssessments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_risk_assessments_total",
			Help: "Login risk assessments by level.",
		},
		[]string{"level"},
	)

	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_risk_score",
		Help:    "Distribution of login risk scores.",
		Buckets: []float64{0, 10, 20, 35, 50, 65, 80, 90, 100},
	})

	// SessionsEnded counts terminal session transitions by resulting state.
	SessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_sessions_ended_total",
			Help: "Sessions moved to a terminal state, by state.",
		},
		[]string{"state"},
	)

	SweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_sweep_runs_total",
			Help: "Background sweep executions by task and status.",
		},
		[]string{"task", "status"},
	)

	SweepAffected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_sweep_affected_total",
			Help: "Rows changed by background sweeps.",
		},
		[]string{"task"},
	)

	// CacheOps counts cache façade calls by backend, op and result (hit, miss, error, ok).
	CacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_cache_operations_total",
			Help: "Cache operations by backend, operation and result.",
		},
		[]string{"backend", "op", "result"},
	)

	registerOnce sync.Once
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			PermissionChecks, RiskAssessments, RiskScore,
			SessionsEnded, SweepRuns, SweepAffected, CacheOps,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests. The path label is the
// matched chi route pattern so ids never explode label cardinality.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := RoutePattern(r)
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// RoutePattern returns the chi route template for r, or "unmatched".
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
