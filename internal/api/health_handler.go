package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/email-dispatch/internal/metrics"
	"github.com/ignite/email-dispatch/internal/queue"
)

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status string                    `json:"status"` // "healthy", "degraded", "unhealthy"
	Uptime string                    `json:"uptime"`
	Checks map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  string `json:"status"`            // "up", "down", "degraded"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthChecker reports on the queue store and the worker fleet. Worker
// liveness comes from heartbeat keys, so a worker that dies without
// cleanup drops out once its heartbeat TTL lapses.
type HealthChecker struct {
	store     *queue.Store
	startTime time.Time
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker(store *queue.Store) *HealthChecker {
	return &HealthChecker{
		store:     store,
		startTime: time.Now(),
	}
}

// HandleHealth returns the health of the queue store and worker fleet.
// The store is the hard dependency: store down means 503. A fleet with
// no fresh heartbeats reports "degraded" but keeps HTTP 200, so an API
// probe does not restart this process over a worker outage.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := hc.runChecks(r.Context())

	overall := determineOverallStatus(checks)

	httpStatus := http.StatusOK
	if overall == "unhealthy" {
		httpStatus = http.StatusServiceUnavailable
	}

	respondJSON(w, httpStatus, HealthStatus{
		Status: overall,
		Uptime: formatUptime(time.Since(hc.startTime)),
		Checks: checks,
	})
}

// HandleLiveness is a shallow liveness probe; it returns 200 whenever the
// server process is running.
//
//	GET /live
func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": formatUptime(time.Since(hc.startTime)),
	})
}

func (hc *HealthChecker) runChecks(ctx context.Context) map[string]ComponentCheck {
	checks := make(map[string]ComponentCheck, 2)

	// Run checks concurrently for minimal total latency.
	type result struct {
		name  string
		check ComponentCheck
	}
	ch := make(chan result, 2)

	go func() { ch <- result{"queue_store", hc.checkStore(ctx)} }()
	go func() { ch <- result{"workers", hc.checkWorkers(ctx)} }()

	for i := 0; i < 2; i++ {
		r := <-ch
		checks[r.name] = r.check
	}

	return checks
}

// checkStore pings the queue store with a 2-second timeout.
func (hc *HealthChecker) checkStore(ctx context.Context) ComponentCheck {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := hc.store.Ping(pingCtx)
	latency := time.Since(start)

	metrics.SetRedisConnected(err == nil)

	if err != nil {
		return ComponentCheck{
			Status:  "down",
			Latency: latency.String(),
			Message: fmt.Sprintf("ping failed: %v", err),
		}
	}

	status := "up"
	msg := "connected"
	if latency > 500*time.Millisecond {
		status = "degraded"
		msg = fmt.Sprintf("slow response (%s)", latency)
	}

	return ComponentCheck{
		Status:  status,
		Latency: latency.String(),
		Message: msg,
	}
}

// checkWorkers scans worker heartbeats with a 2-second timeout. Heartbeat
// keys carry a short TTL, so only recently alive workers are counted.
func (hc *HealthChecker) checkWorkers(ctx context.Context) ComponentCheck {
	scanCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	workers, err := hc.store.AliveWorkers(scanCtx)
	latency := time.Since(start)

	if err != nil {
		return ComponentCheck{
			Status:  "down",
			Latency: latency.String(),
			Message: fmt.Sprintf("heartbeat scan failed: %v", err),
		}
	}

	if len(workers) == 0 {
		return ComponentCheck{
			Status:  "down",
			Latency: latency.String(),
			Message: "no live workers",
		}
	}

	return ComponentCheck{
		Status:  "up",
		Latency: latency.String(),
		Message: fmt.Sprintf("%d workers alive", len(workers)),
	}
}

// determineOverallStatus derives the aggregate status from individual
// checks. The queue store is the only hard dependency: store down means
// "unhealthy", any other failing check means "degraded".
func determineOverallStatus(checks map[string]ComponentCheck) string {
	if store, ok := checks["queue_store"]; ok && store.Status == "down" {
		return "unhealthy"
	}

	for _, c := range checks {
		if c.Status != "up" {
			return "degraded"
		}
	}

	return "healthy"
}

// formatUptime produces a human-readable uptime string like "3d 4h 12m 5s".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
