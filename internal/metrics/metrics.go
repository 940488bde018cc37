// Package metrics exposes the service's Prometheus instrumentation. All
// collectors register against the default registry; the HTTP shell serves
// them at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	emailsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "email_service_emails_total",
		Help: "Total number of emails processed",
	}, []string{"status", "priority", "provider"})

	sendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "email_service_send_duration_seconds",
		Help:    "Duration of the provider send call only",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
	}, []string{"provider", "status"})

	queueWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "email_service_queue_wait_duration_seconds",
		Help:    "Time a job spent queued before a worker picked it up",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"priority"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "email_service_queue_depth",
		Help: "Current number of jobs per queue partition",
	}, []string{"priority", "queue_type"})

	dlqSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "email_service_dlq_size",
		Help: "Number of jobs in the dead-letter queue",
	})

	rateLimitHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "email_service_provider_rate_limit_hits_total",
		Help: "Number of times a provider token bucket refused an acquire",
	}, []string{"provider"})

	providerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "email_service_provider_errors_total",
		Help: "Total provider send errors",
	}, []string{"provider", "is_retriable"})

	workersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "email_service_workers_active",
		Help: "Number of running workers in this process",
	})

	workerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "email_service_worker_restarts_total",
		Help: "Total worker restarts by the supervisor",
	}, []string{"worker_id"})

	redisConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "email_service_redis_connected",
		Help: "Queue store connection status (1=connected, 0=disconnected)",
	})

	authAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "email_service_api_auth_attempts_total",
		Help: "Total service-token authentication attempts",
	}, []string{"service_name", "status"})
)

// EmailProcessed counts a terminal outcome: sent, failed_transient,
// failed_permanent, or malformed.
func EmailProcessed(status, priority, provider string) {
	emailsTotal.WithLabelValues(status, priority, provider).Inc()
}

// ObserveSend records the latency of one provider call.
func ObserveSend(provider, status string, d time.Duration) {
	sendDuration.WithLabelValues(provider, status).Observe(d.Seconds())
}

// ObserveQueueWait records how long a job sat queued before pickup.
func ObserveQueueWait(priority string, d time.Duration) {
	queueWaitDuration.WithLabelValues(priority).Observe(d.Seconds())
}

// SetQueueDepth updates the gauge for one queue partition. queueType is
// "ready" or "parked".
func SetQueueDepth(priority, queueType string, n int64) {
	queueDepth.WithLabelValues(priority, queueType).Set(float64(n))
}

// SetDLQSize updates the dead-letter gauge.
func SetDLQSize(n int64) {
	dlqSize.Set(float64(n))
}

// RateLimitHit counts one token-bucket refusal.
func RateLimitHit(provider string) {
	rateLimitHits.WithLabelValues(provider).Inc()
}

// ProviderError counts one classified send failure.
func ProviderError(provider string, retriable bool) {
	providerErrors.WithLabelValues(provider, boolLabel(retriable)).Inc()
}

// WorkerStarted and WorkerStopped track the live worker gauge.
func WorkerStarted() { workersActive.Inc() }

func WorkerStopped() { workersActive.Dec() }

// WorkerRestarted counts a supervisor restart of the named worker.
func WorkerRestarted(workerID string) {
	workerRestarts.WithLabelValues(workerID).Inc()
}

// SetRedisConnected flips the store connectivity gauge.
func SetRedisConnected(connected bool) {
	if connected {
		redisConnected.Set(1)
		return
	}
	redisConnected.Set(0)
}

// AuthAttempt counts one token check. status is "success" or "failure".
func AuthAttempt(serviceName, status string) {
	authAttempts.WithLabelValues(serviceName, status).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
