// Package stats assembles the read-only operational snapshot served on the
// stats endpoint. Collecting a snapshot also refreshes the queue-depth and
// DLQ gauges, so scraping metrics and polling stats see the same numbers.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/email-dispatch/internal/audit"
	"github.com/ignite/email-dispatch/internal/job"
	"github.com/ignite/email-dispatch/internal/metrics"
	"github.com/ignite/email-dispatch/internal/queue"
)

// QueueDepths reports backlog by stage.
type QueueDepths struct {
	High       int64 `json:"high"`
	Medium     int64 `json:"medium"`
	Low        int64 `json:"low"`
	Parked     int64 `json:"parked"`
	DeadLetter int64 `json:"dead_letter"`
}

// RateBucket is one provider's current token budget.
type RateBucket struct {
	Tokens     float64 `json:"tokens"`
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refill_per_second"`
}

// Snapshot is the full stats payload.
type Snapshot struct {
	Queues      QueueDepths                      `json:"queues"`
	SentTotal   int64                            `json:"sent_total"`
	FailedTotal int64                            `json:"failed_total"`
	SentToday   int64                            `json:"sent_today"`
	FailedToday int64                            `json:"failed_today"`
	RateLimits  map[string]RateBucket            `json:"rate_limits"`
	Workers     []string                         `json:"workers_alive"`
	Services    map[string]*audit.ServiceMetrics `json:"services"`
}

// Collector reads operational state from the store, limiter, and trail.
type Collector struct {
	store   *queue.Store
	limiter *queue.RateLimiter
	trail   *audit.Trail
	now     func() time.Time
}

// NewCollector creates a stats collector.
func NewCollector(store *queue.Store, limiter *queue.RateLimiter, trail *audit.Trail) *Collector {
	return &Collector{store: store, limiter: limiter, trail: trail, now: time.Now}
}

// Snapshot gathers the current operational state.
func (c *Collector) Snapshot(ctx context.Context) (*Snapshot, error) {
	depths, err := c.store.Depths(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	counters, err := c.store.Counters(ctx, c.now())
	if err != nil {
		return nil, fmt.Errorf("counters: %w", err)
	}
	buckets, err := c.limiter.BucketStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("rate buckets: %w", err)
	}
	workers, err := c.store.AliveWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("worker heartbeats: %w", err)
	}
	services, err := c.trail.AllServiceMetrics(ctx, c.now())
	if err != nil {
		return nil, fmt.Errorf("service metrics: %w", err)
	}

	snap := &Snapshot{
		Queues: QueueDepths{
			High:       depths.Ready[job.PriorityHigh],
			Medium:     depths.Ready[job.PriorityMedium],
			Low:        depths.Ready[job.PriorityLow],
			Parked:     depths.Parked,
			DeadLetter: depths.DeadLetter,
		},
		SentTotal:   counters.SentTotal,
		FailedTotal: counters.FailedTotal,
		SentToday:   counters.SentToday,
		FailedToday: counters.FailedToday,
		RateLimits:  make(map[string]RateBucket, len(buckets)),
		Workers:     workers,
		Services:    services,
	}
	for kind, state := range buckets {
		snap.RateLimits[string(kind)] = RateBucket{
			Tokens:     state.Tokens,
			Capacity:   state.Capacity,
			RefillRate: state.RefillRate,
		}
	}

	c.publishGauges(depths)
	return snap, nil
}

// publishGauges mirrors the snapshot onto the Prometheus gauges.
func (c *Collector) publishGauges(depths *queue.Depths) {
	for p, n := range depths.Ready {
		metrics.SetQueueDepth(string(p), "ready", n)
	}
	metrics.SetQueueDepth("all", "parked", depths.Parked)
	metrics.SetDLQSize(depths.DeadLetter)
}
