// Package metrics provides Prometheus metrics for monitoring the collection
// pipeline.
package metrics

import (
	"time"

	"github.com/minssan9/investand/internal/job"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investand_jobs_enqueued_total",
			Help: "Total number of collection jobs enqueued",
		},
		[]string{"queue", "type", "priority"},
	)
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investand_jobs_completed_total",
			Help: "Total number of collection jobs completed successfully",
		},
		[]string{"queue", "type"},
	)
	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investand_jobs_failed_total",
			Help: "Total number of collection job attempts that failed",
		},
		[]string{"queue", "type"},
	)
	JobsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investand_jobs_retried_total",
			Help: "Total number of collection job retries scheduled",
		},
		[]string{"queue", "type"},
	)
	JobsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investand_jobs_dead_lettered_total",
			Help: "Total number of collection jobs moved to dead letter",
		},
		[]string{"queue", "type"},
	)
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "investand_job_duration_seconds",
			Help:    "Collection job execution duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"queue", "type", "status"},
	)
	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "investand_rate_limit_wait_seconds",
			Help:    "Time spent waiting on provider pacing before execution",
			Buckets: []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "investand_queue_depth",
			Help: "Current number of pending jobs per queue",
		},
		[]string{"queue"},
	)
	CircuitOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "investand_circuit_open",
			Help: "Whether the circuit breaker for a provider is open (1) or closed (0)",
		},
		[]string{"provider"},
	)
	AlertsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investand_alerts_dispatched_total",
			Help: "Total number of alerts dispatched after deduplication",
		},
		[]string{"type", "severity"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investand_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "investand_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordJobEnqueued(queue, jobType string, priority job.Priority) {
	JobsEnqueued.WithLabelValues(queue, jobType, priority.String()).Inc()
}

func RecordJobCompleted(queue, jobType string, duration time.Duration) {
	JobsCompleted.WithLabelValues(queue, jobType).Inc()
	JobDuration.WithLabelValues(queue, jobType, "completed").Observe(duration.Seconds())
}

func RecordJobFailed(queue, jobType string, duration time.Duration) {
	JobsFailed.WithLabelValues(queue, jobType).Inc()
	JobDuration.WithLabelValues(queue, jobType, "failed").Observe(duration.Seconds())
}

func RecordJobRetried(queue, jobType string) {
	JobsRetried.WithLabelValues(queue, jobType).Inc()
}

func RecordJobDeadLettered(queue, jobType string) {
	JobsDeadLettered.WithLabelValues(queue, jobType).Inc()
}

func RecordRateLimitWait(provider string, wait time.Duration) {
	RateLimitWait.WithLabelValues(provider).Observe(wait.Seconds())
}

func UpdateQueueDepth(queue string, depth int) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func UpdateCircuitState(provider string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	CircuitOpen.WithLabelValues(provider).Set(v)
}

func RecordAlertDispatched(alertType, severity string) {
	AlertsDispatched.WithLabelValues(alertType, severity).Inc()
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
