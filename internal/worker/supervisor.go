package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/email-dispatch/internal/metrics"
	"github.com/ignite/email-dispatch/internal/pkg/logger"
)

const (
	restartBackoffMin = time.Second
	restartBackoffMax = 30 * time.Second
	// healthyRunReset: a worker that survived this long gets a fresh
	// backoff on its next failure.
	healthyRunReset = time.Minute
)

// supervise keeps one worker slot alive: the loop is restarted with
// exponential backoff whenever it exits before the drain signal.
func (p *Pool) supervise(ctx, hardCtx context.Context, n int) {
	backoff := restartBackoffMin
	for {
		started := time.Now()
		err := p.runWorker(ctx, hardCtx, n)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) >= healthyRunReset {
			backoff = restartBackoffMin
		}

		logger.Error("worker crashed, restarting",
			"worker_id", p.workerID,
			"worker", n,
			"error", err,
			"restart_in", backoff.String())
		metrics.WorkerRestarted(fmt.Sprintf("%s-%d", p.workerID, n))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > restartBackoffMax {
			backoff = restartBackoffMax
		}
	}
}

// runWorker runs one worker loop and converts panics into errors so a
// single poisoned job cannot take the slot down for good.
func (p *Pool) runWorker(ctx, hardCtx context.Context, n int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	p.workerLoop(ctx, hardCtx, n)
	return nil
}
