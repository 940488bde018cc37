package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/ignite/email-dispatch/internal/audit"
	"github.com/ignite/email-dispatch/internal/job"
	"github.com/ignite/email-dispatch/internal/metrics"
	"github.com/ignite/email-dispatch/internal/pkg/logger"
	"github.com/ignite/email-dispatch/internal/queue"
)

// MaxAttempts is the default delivery attempt ceiling; a job that fails
// this many times moves to the dead letter queue.
const MaxAttempts = 3

const (
	// retryBaseDelay anchors the default exponential retry schedule: base,
	// 2x base, 4x base and so on.
	retryBaseDelay = time.Minute
	// retryJitter spreads retries so a burst of failures does not come back
	// as a burst of retries.
	retryJitter = 0.2
)

// RetryController routes failed deliveries: delayed retry through the
// parked set, or the dead letter queue once attempts are exhausted.
type RetryController struct {
	store       *queue.Store
	trail       *audit.Trail
	maxAttempts int
	baseDelay   time.Duration
	now         func() time.Time
}

// NewRetryController creates a retry controller over the store and trail.
func NewRetryController(store *queue.Store, trail *audit.Trail) *RetryController {
	return &RetryController{
		store:       store,
		trail:       trail,
		maxAttempts: MaxAttempts,
		baseDelay:   retryBaseDelay,
		now:         time.Now,
	}
}

// OnRetriable handles a delivery that failed with a recoverable error. The
// attempt is counted; the job either re-parks with backoff or dead-letters
// when its attempts are spent. The original entry is acked only after the
// job is safely parked or dead-lettered, so a crash between the two steps
// leaves the entry pending for reclaim instead of losing it.
func (c *RetryController) OnRetriable(ctx context.Context, d queue.Delivery, j *job.Job, reason string) {
	j.AttemptCount++
	if j.AttemptCount >= c.maxAttempts {
		c.deadLetter(ctx, d, j, reason)
		return
	}

	delay := c.retryDelay(j.AttemptCount)
	at := c.now().UTC().Add(delay)
	j.ScheduledFor = &at

	if err := c.store.ParkRetry(ctx, j); err != nil {
		logger.Error("park retry failed, entry stays pending for reclaim",
			"job_id", j.ID, "error", err)
		return
	}
	c.ack(ctx, d, j.ID)

	logger.Info("email retry scheduled",
		"job_id", j.ID,
		"attempt", j.AttemptCount,
		"retry_in", delay.Round(time.Second).String(),
		"reason", reason)
}

// OnPermanent handles a delivery whose failure can never succeed on retry.
// The failed attempt is counted and the job moves straight to the dead
// letter queue.
func (c *RetryController) OnPermanent(ctx context.Context, d queue.Delivery, j *job.Job, reason string) {
	j.AttemptCount++
	c.deadLetter(ctx, d, j, reason)
}

func (c *RetryController) deadLetter(ctx context.Context, d queue.Delivery, j *job.Job, reason string) {
	entry := &job.DeadLetterEntry{
		JobID:             j.ID,
		Job:               j,
		FailureReason:     reason,
		FinalAttemptCount: j.AttemptCount,
		MovedAt:           c.now().UTC(),
	}
	if err := c.store.AddDeadLetter(ctx, entry); err != nil {
		logger.Error("dead letter write failed, entry stays pending for reclaim",
			"job_id", j.ID, "error", err)
		return
	}
	c.ack(ctx, d, j.ID)

	if err := c.store.IncrFailed(ctx, c.now()); err != nil {
		logger.Warn("failed counter update failed", "job_id", j.ID, "error", err)
	}
	c.trail.RecordOutcome(ctx, j.ID, audit.StatusFailedPermanent, j.AttemptCount, reason)
	metrics.EmailProcessed("failed", string(j.Priority), string(j.Provider))

	logger.Error("email moved to dead letter queue",
		"job_id", j.ID,
		"attempts", j.AttemptCount,
		"reason", reason)
}

func (c *RetryController) ack(ctx context.Context, d queue.Delivery, jobID string) {
	if err := c.store.Ack(ctx, d.Priority, d.EntryID); err != nil {
		logger.Warn("ack failed", "job_id", jobID, "entry_id", d.EntryID, "error", err)
	}
}

// retryDelay computes the backoff before attempt n re-enters the queue:
// base doubled per prior attempt, with +/-20% jitter.
func (c *RetryController) retryDelay(attempt int) time.Duration {
	backoff := float64(c.baseDelay) * math.Pow(2, float64(attempt-1))
	jitter := 1 + retryJitter*(2*rand.Float64()-1)
	return time.Duration(backoff * jitter)
}
