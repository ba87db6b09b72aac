// Package metrics exposes Prometheus collectors for the orchestrator service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	queueLength                prometheus.Gauge
	queueEnqueuedTotal         *prometheus.CounterVec
	launchesTotal              *prometheus.CounterVec
	staleLocksTotal            prometheus.Counter
	jobsCompletedTotal         *prometheus.CounterVec
	notificationsTotal         *prometheus.CounterVec
	rateLimitWaitSeconds       *prometheus.HistogramVec
	rateLimitExceededTotal     *prometheus.CounterVec
	retriesTotal               *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		queueLength = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_queue_length",
				Help: "Entries waiting in the sequential queue as last observed by this process.",
			},
		)

		queueEnqueuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_queue_enqueued_total",
				Help: "Total number of queue entries enqueued, labeled by job type.",
			},
			[]string{"job_type"},
		)

		launchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_launches_total",
				Help: "Total number of launch attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		staleLocksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orchestrator_stale_locks_reclaimed_total",
				Help: "Total number of abandoned processing locks reclaimed.",
			},
		)

		jobsCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_jobs_completed_total",
				Help: "Total number of jobs reaching a terminal status, labeled by status and source.",
			},
			[]string{"status", "source"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_webhook_notifications_total",
				Help: "Total number of inbound runner notifications, labeled by disposition.",
			},
			[]string{"disposition"},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_rate_limit_wait_seconds",
				Help:    "Histogram of global rate limiter wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"resource"},
		)

		rateLimitExceededTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_rate_limit_exceeded_total",
				Help: "Total number of acquisitions that gave up after the bounded wait.",
			},
			[]string{"resource"},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_retries_total",
				Help: "Total number of retries, labeled by operation and kind.",
			},
			[]string{"operation", "kind"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// Middleware records request counts and latencies per chi route.
func Middleware(next http.Handler) http.Handler {
	Init()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetQueueLength records the most recently observed queue length.
func SetQueueLength(n int64) {
	Init()
	queueLength.Set(float64(n))
}

// ObserveEnqueue counts an enqueued entry.
func ObserveEnqueue(jobType string) {
	Init()
	queueEnqueuedTotal.WithLabelValues(jobType).Inc()
}

// ObserveLaunch counts a launch attempt by outcome ("launched", "failed").
func ObserveLaunch(outcome string) {
	Init()
	launchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveStaleLock counts a reclaimed processing lock.
func ObserveStaleLock() {
	Init()
	staleLocksTotal.Inc()
}

// ObserveJobCompleted counts a terminal transition.
func ObserveJobCompleted(status, source string) {
	Init()
	jobsCompletedTotal.WithLabelValues(status, source).Inc()
}

// ObserveNotification counts an inbound runner notification.
func ObserveNotification(disposition string) {
	Init()
	notificationsTotal.WithLabelValues(disposition).Inc()
}

// ObserveRateLimitWait records the duration of a global rate limit wait.
func ObserveRateLimitWait(resource string, duration time.Duration) {
	Init()
	rateLimitWaitSeconds.WithLabelValues(resource).Observe(duration.Seconds())
}

// ObserveRateLimitExceeded counts an acquisition that exhausted its bounded wait.
func ObserveRateLimitExceeded(resource string) {
	Init()
	rateLimitExceededTotal.WithLabelValues(resource).Inc()
}

// ObserveRetry counts a retry of operation; kind is "rate_limited" or "transient".
func ObserveRetry(operation, kind string) {
	Init()
	retriesTotal.WithLabelValues(operation, kind).Inc()
}
