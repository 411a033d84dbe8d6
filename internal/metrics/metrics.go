package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetpush_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetpush_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetpush_jobs_submitted_total",
			Help: "Total jobs submitted by action",
		},
		[]string{"action"},
	)

	jobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetpush_jobs_completed_total",
			Help: "Total jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetpush_job_duration_seconds",
			Help:    "Time from job submission to terminal status",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetpush_sends_total",
			Help: "Per-device send outcomes by platform and error code",
		},
		[]string{"platform", "outcome"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetpush_send_duration_seconds",
			Help:    "Push provider send latency distribution",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"platform"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetpush_queue_depth",
			Help: "Jobs currently waiting in the dispatch queue",
		},
	)

	dedupSuppressions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetpush_dedup_suppressions_total",
			Help: "Job submissions suppressed by collapse-key deduplication",
		},
	)

	providerFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetpush_provider_fallbacks_total",
			Help: "Sends routed past the primary provider for a platform",
		},
		[]string{"platform"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetpush_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetpush_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobSubmitted records a job submission
func RecordJobSubmitted(action string) {
	jobsSubmitted.WithLabelValues(action).Inc()
}

// RecordJobCompleted records a job reaching a terminal status
func RecordJobCompleted(status string, duration time.Duration) {
	jobsCompleted.WithLabelValues(status).Inc()
	jobDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordSend records a per-device send outcome. Successful sends use
// the outcome "ok"; failures use the error code.
func RecordSend(platform, outcome string, duration time.Duration) {
	sendsTotal.WithLabelValues(platform, outcome).Inc()
	sendDuration.WithLabelValues(platform).Observe(duration.Seconds())
}

// SetQueueDepth sets the current dispatch queue depth
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// RecordDedupSuppression records a submission suppressed by collapse key
func RecordDedupSuppression() {
	dedupSuppressions.Inc()
}

// RecordProviderFallback records a send routed to a fallback provider
func RecordProviderFallback(platform string) {
	providerFallbacks.WithLabelValues(platform).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
