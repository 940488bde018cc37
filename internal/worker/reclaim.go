package worker

import (
	"context"
	"time"

	"github.com/ignite/email-dispatch/internal/job"
	"github.com/ignite/email-dispatch/internal/pkg/logger"
)

const (
	// reclaimEvery is the pending-scan interval per process.
	reclaimEvery = 30 * time.Second
	// defaultPendingTimeout is how long a delivery may sit unacked with one
	// consumer before another may claim it.
	defaultPendingTimeout = time.Minute
)

// reclaimLoop periodically rescues deliveries stuck with a dead consumer.
// One loop runs per process; claims are atomic on the store, so loops in
// different processes never double-deliver.
func (p *Pool) reclaimLoop(ctx, hardCtx context.Context) {
	ticker := time.NewTicker(reclaimEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.reclaimOnce(hardCtx)
	}
}

// reclaimOnce claims every pending entry idle past the timeout and runs it
// through the normal dispatch path. Attempt counts are untouched: a stall
// is not a delivery failure.
func (p *Pool) reclaimOnce(ctx context.Context) {
	for _, priority := range job.Priorities() {
		pending, err := p.store.Pending(ctx, priority)
		if err != nil {
			logger.Warn("pending scan failed", "priority", priority, "error", err)
			continue
		}

		var stale []string
		for _, entry := range pending {
			if entry.Idle > p.pendingTimeout {
				stale = append(stale, entry.EntryID)
			}
		}
		if len(stale) == 0 {
			continue
		}

		claimed, err := p.store.Claim(ctx, priority, p.workerID, p.pendingTimeout, stale)
		if err != nil {
			logger.Warn("claim failed", "priority", priority, "error", err)
			continue
		}

		for _, d := range claimed {
			logger.Info("reclaimed stalled delivery",
				"entry_id", d.EntryID, "priority", priority, "worker_id", p.workerID)
			p.process(ctx, d)
		}
	}
}
