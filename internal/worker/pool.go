// Package worker consumes the priority streams and drives each job through
// rate limiting, template rendering, and provider dispatch. A pool owns
// every consumer in its process: the workers share one consumer name, one
// heartbeat, and one pending reclaimer.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ignite/email-dispatch/internal/audit"
	"github.com/ignite/email-dispatch/internal/job"
	"github.com/ignite/email-dispatch/internal/metrics"
	"github.com/ignite/email-dispatch/internal/pkg/logger"
	"github.com/ignite/email-dispatch/internal/provider"
	"github.com/ignite/email-dispatch/internal/queue"
	"github.com/ignite/email-dispatch/internal/render"
)

// DefaultWorkers is the number of concurrent consumers per process.
const DefaultWorkers = 3

const (
	// pollBlock is how long an idle poll waits for a delivery.
	pollBlock = 5 * time.Second
	// defaultDispatchTimeout is the hard ceiling on a single provider send.
	defaultDispatchTimeout = 30 * time.Second
	// defaultRateWaitMax bounds how long a worker waits on a depleted rate
	// bucket before the job is treated as a transient failure.
	defaultRateWaitMax = 30 * time.Second
	// heartbeatTTL is how long a process counts as alive after its last
	// beat; refreshes run at a third of it.
	heartbeatTTL = 30 * time.Second
	// defaultDrainTimeout is the shutdown budget for in-flight jobs.
	defaultDrainTimeout = 30 * time.Second
)

// Config tunes a pool. Zero values fall back to defaults.
type Config struct {
	Workers         int
	FromAddress     string
	FromName        string
	DrainTimeout    time.Duration
	MaxAttempts     int
	BaseRetryDelay  time.Duration
	PendingTimeout  time.Duration
	DispatchTimeout time.Duration
	RateWaitMax     time.Duration
}

// Pool runs the consuming workers for one process.
type Pool struct {
	store    *queue.Store
	limiter  *queue.RateLimiter
	registry *provider.Registry
	renderer *render.Engine
	retry    *RetryController
	trail    *audit.Trail

	workerID        string
	workers         int
	fromAddress     string
	fromName        string
	drainTimeout    time.Duration
	rateWait        time.Duration
	pendingTimeout  time.Duration
	dispatchTimeout time.Duration

	now func() time.Time
}

// NewPool assembles a pool. The worker id is derived from the process
// identity and stays stable for the life of the process.
func NewPool(store *queue.Store, limiter *queue.RateLimiter, registry *provider.Registry,
	renderer *render.Engine, trail *audit.Trail, cfg Config) *Pool {

	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = defaultDrainTimeout
	}
	rateWait := cfg.RateWaitMax
	if rateWait <= 0 {
		rateWait = defaultRateWaitMax
	}
	pending := cfg.PendingTimeout
	if pending <= 0 {
		pending = defaultPendingTimeout
	}
	dispatch := cfg.DispatchTimeout
	if dispatch <= 0 {
		dispatch = defaultDispatchTimeout
	}

	retry := NewRetryController(store, trail)
	if cfg.MaxAttempts > 0 {
		retry.maxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseRetryDelay > 0 {
		retry.baseDelay = cfg.BaseRetryDelay
	}

	return &Pool{
		store:           store,
		limiter:         limiter,
		registry:        registry,
		renderer:        renderer,
		retry:           retry,
		trail:           trail,
		workerID:        fmt.Sprintf("dispatch-%s-%d", hostname(), os.Getpid()),
		workers:         workers,
		fromAddress:     cfg.FromAddress,
		fromName:        cfg.FromName,
		drainTimeout:    drain,
		rateWait:        rateWait,
		pendingTimeout:  pending,
		dispatchTimeout: dispatch,
		now:             time.Now,
	}
}

// WorkerID returns the process-stable consumer name.
func (p *Pool) WorkerID() string { return p.workerID }

// Run starts the workers, heartbeat, and reclaimer, and blocks until ctx
// is cancelled and every worker has drained. Cancelling ctx is the drain
// signal: each worker finishes its in-flight job and exits; after the
// drain timeout, in-flight work is aborted and left pending for reclaim.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.store.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	// hardCtx outlives the drain signal by the drain budget so in-flight
	// jobs can finish their dispatch.
	hardCtx, hardCancel := context.WithCancel(context.Background())
	defer hardCancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-hardCtx.Done():
			return
		}
		timer := time.NewTimer(p.drainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			logger.Warn("drain timeout exceeded, aborting in-flight work",
				"worker_id", p.workerID)
			hardCancel()
		case <-hardCtx.Done():
		}
	}()

	logger.Info("worker pool starting", "worker_id", p.workerID, "workers", p.workers)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.supervise(ctx, hardCtx, n)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeatLoop(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reclaimLoop(ctx, hardCtx)
	}()

	wg.Wait()
	hardCancel()
	logger.Info("worker pool stopped", "worker_id", p.workerID)
	return nil
}

// workerLoop is one consumer: poll, process, repeat until drained.
func (p *Pool) workerLoop(ctx, hardCtx context.Context, n int) {
	logger.Info("worker started", "worker_id", p.workerID, "worker", n)
	metrics.WorkerStarted()
	defer metrics.WorkerStopped()
	defer logger.Info("worker stopped", "worker_id", p.workerID, "worker", n)

	for {
		if ctx.Err() != nil {
			return
		}

		deliveries, err := p.store.ReadGroup(ctx, p.workerID, 1, pollBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("poll failed", "worker", n, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, d := range deliveries {
			p.process(hardCtx, d)
		}
	}
}

// process drives one delivery through the dispatch state machine.
func (p *Pool) process(ctx context.Context, d queue.Delivery) {
	start := p.now()

	j, err := job.Decode(d.Payload)
	if err != nil {
		p.discardMalformed(ctx, d, extractJobID(d.Payload), err)
		return
	}
	if err := j.Validate(); err != nil {
		p.discardMalformed(ctx, d, j.ID, err)
		return
	}

	if j.AttemptCount == 0 {
		metrics.ObserveQueueWait(string(d.Priority), start.Sub(j.SubmittedAt))
	}

	// Rate gate: wait for bucket capacity, bounded. Exhaustion is a
	// transient failure so the job comes back after backoff.
	rateCtx, cancelRate := context.WithTimeout(ctx, p.rateWait)
	err = p.limiter.Acquire(rateCtx, j.Provider)
	cancelRate()
	if err != nil {
		if ctx.Err() != nil {
			// Aborted mid-drain; leave the entry pending for reclaim.
			return
		}
		p.retry.OnRetriable(ctx, d, j, fmt.Sprintf("rate capacity wait exhausted for %s", j.Provider))
		return
	}

	msg := p.renderMessage(j)

	driver, err := p.registry.Get(j.Provider)
	if err != nil {
		// No driver configured. Transient: a config fix and restart must
		// not lose the queued jobs.
		p.retry.OnRetriable(ctx, d, j, err.Error())
		return
	}

	dispatchStart := p.now()
	dispatchCtx, cancelDispatch := context.WithTimeout(ctx, p.dispatchTimeout)
	res, err := driver.Send(dispatchCtx, msg)
	cancelDispatch()
	elapsed := p.now().Sub(dispatchStart)

	if err == nil {
		metrics.ObserveSend(string(j.Provider), "success", elapsed)
		metrics.EmailProcessed("sent", string(j.Priority), string(j.Provider))
		p.ack(ctx, d, j.ID)
		if err := p.store.IncrSent(ctx, p.now()); err != nil {
			logger.Warn("sent counter update failed", "job_id", j.ID, "error", err)
		}
		p.trail.RecordOutcome(ctx, j.ID, audit.StatusSent, j.AttemptCount, "")
		logger.Info("email sent",
			"job_id", j.ID,
			"provider", j.Provider,
			"message_id", res.MessageID,
			"recipients", len(j.Recipients),
			"duration_ms", elapsed.Milliseconds())
		return
	}

	if ctx.Err() != nil {
		// Abort, not a provider verdict; leave the entry pending.
		return
	}

	metrics.ObserveSend(string(j.Provider), "error", elapsed)
	canRetry := retriable(err, j.AttemptCount)
	metrics.ProviderError(string(j.Provider), canRetry)
	logger.Warn("dispatch failed",
		"job_id", j.ID,
		"provider", j.Provider,
		"attempt", j.AttemptCount+1,
		"retriable", canRetry,
		"error", err)

	if canRetry {
		p.retry.OnRetriable(ctx, d, j, err.Error())
	} else {
		p.retry.OnPermanent(ctx, d, j, err.Error())
	}
}

// renderMessage builds the outgoing message. Rendering is best-effort: a
// missing or broken template falls back to the job's subject (or a stock
// one) and a plain-text dump of the context.
func (p *Pool) renderMessage(j *job.Job) *provider.Message {
	msg := &provider.Message{
		From:       p.fromAddress,
		FromName:   p.fromName,
		Recipients: j.Recipients,
	}

	rendered, err := p.renderer.Render(j.TemplateName, j.TemplateContext)
	if err != nil {
		logger.Warn("template render failed, using fallback",
			"job_id", j.ID, "template", j.TemplateName, "error", err)
		rendered = render.Fallback(j.Subject, j.TemplateContext)
	}

	msg.Subject = rendered.Subject
	if j.Subject != "" {
		msg.Subject = j.Subject
	}
	msg.HTML = rendered.HTML
	msg.Text = rendered.Text
	return msg
}

// discardMalformed acks an entry that can never process and records the
// discard. Malformed payloads must not wedge the stream.
func (p *Pool) discardMalformed(ctx context.Context, d queue.Delivery, jobID string, cause error) {
	if jobID == "" {
		jobID = "unparsed-" + d.EntryID
	}
	logger.Error("malformed job discarded",
		"job_id", jobID, "entry_id", d.EntryID, "error", cause)
	p.ack(ctx, d, jobID)
	p.trail.RecordOutcome(ctx, jobID, audit.StatusMalformed, 0, cause.Error())
	metrics.EmailProcessed("malformed", string(d.Priority), "unknown")
}

func (p *Pool) ack(ctx context.Context, d queue.Delivery, jobID string) {
	if err := p.store.Ack(ctx, d.Priority, d.EntryID); err != nil {
		logger.Warn("ack failed", "job_id", jobID, "entry_id", d.EntryID, "error", err)
	}
}

// heartbeatLoop keeps the process's liveness key fresh. Health checks
// require at least one live heartbeat across the fleet.
func (p *Pool) heartbeatLoop(ctx context.Context) {
	beat := func() {
		beatCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.store.Heartbeat(beatCtx, p.workerID, heartbeatTTL); err != nil {
			logger.Warn("heartbeat write failed", "worker_id", p.workerID, "error", err)
		}
	}
	beat()

	ticker := time.NewTicker(heartbeatTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// extractJobID pulls the job id out of a payload that failed full decoding,
// so the discard can still be attributed.
func extractJobID(payload []byte) string {
	var probe struct {
		ID string `json:"job_id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.ID
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
