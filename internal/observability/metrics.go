package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the intake service.
// Recording helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Persistence metrics
	FlushesTotal            *prometheus.CounterVec
	FlushDuration           *prometheus.HistogramVec
	CollectionReplacesTotal *prometheus.CounterVec

	// Generation metrics
	GenerationsTotal             *prometheus.CounterVec
	GenerationDuration           prometheus.Histogram
	GeneratorCircuitBreakerState *prometheus.GaugeVec

	// Workflow metrics
	StatusTransitionsTotal *prometheus.CounterVec

	// Session metrics
	ActiveSessions        prometheus.Gauge
	SessionEvictionsTotal *prometheus.CounterVec
	IdempotentReplays     prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Persistence
		FlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_flushes_total",
			Help: "Total number of session flushes to the record store.",
		}, []string{"kind", "outcome"}),
		FlushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_flush_duration_seconds",
			Help:    "Session flush duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"kind"}),
		CollectionReplacesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_collection_replaces_total",
			Help: "Total number of child collection replaces.",
		}, []string{"collection", "outcome"}),

		// Generation
		GenerationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_generations_total",
			Help: "Total number of text generation calls.",
		}, []string{"outcome"}),
		GenerationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "intake_generation_duration_seconds",
			Help:    "Text generation call duration in seconds.",
			Buckets: backendDurationBuckets,
		}),
		GeneratorCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "intake_generator_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"provider"}),

		// Workflow
		StatusTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_status_transitions_total",
			Help: "Total number of submission status transitions.",
		}, []string{"from", "to"}),

		// Sessions
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intake_active_sessions",
			Help: "Number of live intake sessions.",
		}),
		SessionEvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_session_evictions_total",
			Help: "Total number of evicted intake sessions.",
		}, []string{"reason"}),
		IdempotentReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_idempotent_replays_total",
			Help: "Total number of operator requests answered from the idempotency store.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Persistence
		m.FlushesTotal,
		m.FlushDuration,
		m.CollectionReplacesTotal,
		// Generation
		m.GenerationsTotal,
		m.GenerationDuration,
		m.GeneratorCircuitBreakerState,
		// Workflow
		m.StatusTransitionsTotal,
		// Sessions
		m.ActiveSessions,
		m.SessionEvictionsTotal,
		m.IdempotentReplays,
	)

	return m
}

// --- Recording helpers ---

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordFlush records one scalar ("fields") or collection flush.
func (m *Metrics) RecordFlush(kind string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.FlushesTotal.WithLabelValues(kind, outcome(err)).Inc()
	m.FlushDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordCollectionReplace records a child collection replace.
func (m *Metrics) RecordCollectionReplace(collection string, err error) {
	if m == nil {
		return
	}
	m.CollectionReplacesTotal.WithLabelValues(collection, outcome(err)).Inc()
}

// RecordGeneration records a text generation call.
func (m *Metrics) RecordGeneration(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.GenerationsTotal.WithLabelValues(outcome(err)).Inc()
	m.GenerationDuration.Observe(duration.Seconds())
}

// SetGeneratorCircuitBreakerState sets the circuit breaker state for a
// provider. State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetGeneratorCircuitBreakerState(provider string, state float64) {
	if m == nil {
		return
	}
	m.GeneratorCircuitBreakerState.WithLabelValues(provider).Set(state)
}

// RecordStatusTransition records a submission status change.
func (m *Metrics) RecordStatusTransition(from, to string) {
	if m == nil {
		return
	}
	m.StatusTransitionsTotal.WithLabelValues(from, to).Inc()
}

// SessionOpened increments the live session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the live session gauge and counts the eviction.
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvictionsTotal.WithLabelValues(reason).Inc()
}

// RecordIdempotentReplay counts a response served from the idempotency store.
func (m *Metrics) RecordIdempotentReplay() {
	if m == nil {
		return
	}
	m.IdempotentReplays.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := RoutePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RoutePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func RoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// Sub-routers leave "/*" between their prefix and the inner pattern.
	for strings.Contains(pattern, "/*/") {
		pattern = strings.ReplaceAll(pattern, "/*/", "/")
	}
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	if pattern != "/" {
		pattern = strings.TrimSuffix(pattern, "/")
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
