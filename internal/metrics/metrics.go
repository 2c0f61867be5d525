// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal                *prometheus.CounterVec
	jobAttemptsTotal         *prometheus.CounterVec
	activeWorkers            prometheus.Gauge
	queueDepth               prometheus.Gauge
	providerRequestsTotal    *prometheus.CounterVec
	providerRequestDurations *prometheus.HistogramVec
	rateLimitRejectionsTotal *prometheus.CounterVec
	publishTotal             *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_jobs_total",
				Help: "Total number of jobs reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		jobAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_job_attempts_total",
				Help: "Total provider attempts, labeled by outcome kind.",
			},
			[]string{"kind"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_active_workers",
				Help: "Number of workers currently executing a job.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_queue_depth",
				Help: "Jobs currently queued or waiting out a retry delay.",
			},
		)

		providerRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_provider_requests_total",
				Help: "Total provider submissions, labeled by account and result.",
			},
			[]string{"account", "result"},
		)

		providerRequestDurations = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_provider_request_duration_seconds",
				Help:    "Histogram of provider call latencies, labeled by account.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"account"},
		)

		rateLimitRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_rate_limit_rejections_total",
				Help: "Dispatch attempts rejected by the rate budget, labeled by account.",
			},
			[]string{"account"},
		)

		publishTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_publish_total",
				Help: "Downstream publish attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the terminal-job counter for the given status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveAttempt counts one provider attempt outcome.
func ObserveAttempt(kind string) {
	jobAttemptsTotal.WithLabelValues(kind).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// SetQueueDepth records the current ready-set size.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// ObserveProviderCall records one provider submission.
func ObserveProviderCall(account string, ok bool, duration time.Duration) {
	result := "error"
	if ok {
		result = "ok"
	}
	providerRequestsTotal.WithLabelValues(account, result).Inc()
	providerRequestDurations.WithLabelValues(account).Observe(duration.Seconds())
}

// ObserveRateLimitRejection counts a dispatch deferred by the budget.
func ObserveRateLimitRejection(account string) {
	rateLimitRejectionsTotal.WithLabelValues(account).Inc()
}

// ObservePublish counts a downstream publish attempt outcome.
func ObservePublish(outcome string) {
	publishTotal.WithLabelValues(outcome).Inc()
}
