// Package metrics exposes Prometheus collectors for the job server.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	admissionsTotal            *prometheus.CounterVec
	queueLength                prometheus.Gauge
	activeWorkers              prometheus.Gauge
	queueWaitSeconds           *prometheus.HistogramVec
	webhookAttemptsTotal       *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. Safe to call
// repeatedly; every Observe helper calls it.
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
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"method", "route"},
		)

		admissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediajobs_admissions_total",
				Help: "Admission decisions, labeled by result.",
			},
			[]string{"result"},
		)

		queueLength = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediajobs_queue_length",
				Help: "Jobs waiting for a worker slot.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediajobs_active_workers",
				Help: "Worker slots currently executing a handler.",
			},
		)

		queueWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mediajobs_queue_wait_seconds",
				Help:    "Time jobs spent queued before a slot picked them up.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"operation"},
		)

		webhookAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediajobs_webhook_attempts_total",
				Help: "Webhook delivery attempts, labeled by host and outcome.",
			},
			[]string{"host", "outcome"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mediajobs_webhook_rate_limit_delay_seconds",
				Help:    "Time webhook deliveries waited on the per-host limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"host"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL, or "unknown".
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveAdmission counts an admission decision ("accepted" or "rejected").
func ObserveAdmission(result string) {
	Init()
	admissionsTotal.WithLabelValues(result).Inc()
}

// SetQueueLength records the current queue length.
func SetQueueLength(n int) {
	Init()
	queueLength.Set(float64(n))
}

// ObserveQueueWait records how long a job waited in the queue.
func ObserveQueueWait(operation string, d time.Duration) {
	Init()
	queueWaitSeconds.WithLabelValues(operation).Observe(d.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveWebhookAttempt counts one delivery attempt.
func ObserveWebhookAttempt(rawURL, outcome string) {
	Init()
	webhookAttemptsTotal.WithLabelValues(SanitizeHost(rawURL), outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}
