// Package metrics exposes Prometheus collectors for the enricher service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobsSubmittedTotal         prometheus.Counter
	itemsSubmittedTotal        prometheus.Counter
	controllerRunning          prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec

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

		jobsSubmittedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "enricher_jobs_submitted_total",
				Help: "Jobs created through submission.",
			},
		)

		itemsSubmittedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "enricher_items_submitted_total",
				Help: "Job items inserted through submission.",
			},
		)

		controllerRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "enricher_controller_running",
				Help: "1 while the job controller loop is running.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enricher_rate_limit_delay_seconds",
				Help:    "Histogram of provider rate limit wait durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSubmission records a created job and its inserted items.
func ObserveSubmission(inserted int) {
	Init()
	jobsSubmittedTotal.Inc()
	if inserted > 0 {
		itemsSubmittedTotal.Add(float64(inserted))
	}
}

// SetControllerRunning mirrors the controller loop state.
func SetControllerRunning(running bool) {
	Init()
	if running {
		controllerRunning.Set(1)
		return
	}
	controllerRunning.Set(0)
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(provider string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(provider).Observe(duration.Seconds())
}
