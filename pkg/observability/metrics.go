package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the authorization service
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Decision metrics
	DecisionsTotal      *prometheus.CounterVec
	ResolutionDuration  prometheus.Histogram
	ResolutionErrors    *prometheus.CounterVec
	CycleDetectionTotal prometheus.Counter

	// Cache metrics
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter
	CacheErrorsTotal   *prometheus.CounterVec
	InvalidationsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen prometheus.Gauge
	DBConnectionsIdle prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbac_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rbac_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbac_decisions_total",
				Help: "Permission checks by outcome",
			},
			[]string{"outcome"},
		),
		ResolutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rbac_resolution_duration_seconds",
				Help:    "Time spent resolving a principal from the repository",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		ResolutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbac_resolution_errors_total",
				Help: "Failed resolutions by kind",
			},
			[]string{"kind"},
		),
		CycleDetectionTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rbac_role_cycles_detected_total",
				Help: "Resolutions aborted by a malformed role hierarchy",
			},
		),

		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rbac_cache_hits_total",
				Help: "Decision cache hits",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rbac_cache_misses_total",
				Help: "Decision cache misses",
			},
		),
		CacheErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbac_cache_errors_total",
				Help: "Decision cache failures by operation",
			},
			[]string{"operation"},
		),
		InvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbac_cache_invalidations_total",
				Help: "Cache invalidations by scope",
			},
			[]string{"scope"},
		),

		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rbac_db_connections_open",
				Help: "Open database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rbac_db_connections_idle",
				Help: "Idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DecisionsTotal,
		m.ResolutionDuration,
		m.ResolutionErrors,
		m.CycleDetectionTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheErrorsTotal,
		m.InvalidationsTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsIdle,
	)

	return m
}

// RecordDecision counts a permission check outcome
func (m *Metrics) RecordDecision(_ context.Context, outcome string) {
	m.DecisionsTotal.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup counts a cache hit or miss
func (m *Metrics) RecordCacheLookup(_ context.Context, hit bool) {
	if hit {
		m.CacheHitsTotal.Inc()
		return
	}
	m.CacheMissesTotal.Inc()
}

// RecordCacheError counts a failed cache operation
func (m *Metrics) RecordCacheError(_ context.Context, op string) {
	m.CacheErrorsTotal.WithLabelValues(op).Inc()
}

// RecordResolution observes a repository resolution
func (m *Metrics) RecordResolution(_ context.Context, duration time.Duration, err error) {
	m.ResolutionDuration.Observe(duration.Seconds())
	if err == nil {
		return
	}
	kind := errorKind(err)
	m.ResolutionErrors.WithLabelValues(kind).Inc()
	if kind == "cycle" {
		m.CycleDetectionTotal.Inc()
	}
}

// RecordInvalidation counts a cache invalidation
func (m *Metrics) RecordInvalidation(_ context.Context, scope string) {
	m.InvalidationsTotal.WithLabelValues(scope).Inc()
}

// UpdateDBStats copies pool statistics into the gauges
func (m *Metrics) UpdateDBStats(open, idle int) {
	m.DBConnectionsOpen.Set(float64(open))
	m.DBConnectionsIdle.Set(float64(idle))
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware records request counts and latency per mux route
// template, so path parameters do not explode label cardinality
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
