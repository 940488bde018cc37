package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/email-dispatch/internal/audit"
	"github.com/ignite/email-dispatch/internal/job"
	"github.com/ignite/email-dispatch/internal/provider"
	"github.com/ignite/email-dispatch/internal/queue"
	"github.com/ignite/email-dispatch/internal/render"
)

type stubDriver struct {
	kind job.ProviderKind

	mu    sync.Mutex
	calls []*provider.Message
	send  func(call int, msg *provider.Message) (*provider.SendResult, error)
}

func (s *stubDriver) Kind() job.ProviderKind { return s.kind }

func (s *stubDriver) Send(_ context.Context, msg *provider.Message) (*provider.SendResult, error) {
	s.mu.Lock()
	call := len(s.calls)
	s.calls = append(s.calls, msg)
	fn := s.send
	s.mu.Unlock()

	if fn != nil {
		return fn(call, msg)
	}
	return &provider.SendResult{MessageID: "stub-msg", SentAt: time.Now()}, nil
}

func (s *stubDriver) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubDriver) lastCall() *provider.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return nil
	}
	return s.calls[len(s.calls)-1]
}

type poolFixture struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	store  *queue.Store
	trail  *audit.Trail
	driver *stubDriver
	pool   *Pool
}

func setupTestPool(t *testing.T) *poolFixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := queue.New(client)
	require.NoError(t, store.EnsureGroup(context.Background()))

	driver := &stubDriver{kind: job.ProviderSMTP}
	registry := provider.NewRegistry()
	registry.Register(driver)

	trail := audit.NewTrail(client)
	pool := NewPool(store, queue.NewRateLimiter(client, nil), registry,
		render.NewEngine(), trail, Config{
			Workers:     1,
			FromAddress: "noreply@example.com",
			FromName:    "Example",
		})

	return &poolFixture{mr: mr, client: client, store: store, trail: trail, driver: driver, pool: pool}
}

func (f *poolFixture) enqueue(t *testing.T, j *job.Job) {
	t.Helper()
	_, err := f.store.Append(context.Background(), j)
	require.NoError(t, err)
}

func (f *poolFixture) readOne(t *testing.T) queue.Delivery {
	t.Helper()
	deliveries, err := f.store.ReadGroup(context.Background(), f.pool.workerID, 1, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	return deliveries[0]
}

func (f *poolFixture) streamLen(t *testing.T, p job.Priority) int64 {
	t.Helper()
	n, err := f.client.XLen(context.Background(), queue.StreamKey(p)).Result()
	require.NoError(t, err)
	return n
}

func (f *poolFixture) parkedJobs(t *testing.T) []*job.Job {
	t.Helper()
	members, err := f.client.ZRange(context.Background(), "queue:parked", 0, -1).Result()
	require.NoError(t, err)
	jobs := make([]*job.Job, 0, len(members))
	for _, m := range members {
		j, err := job.Decode([]byte(m))
		require.NoError(t, err)
		jobs = append(jobs, j)
	}
	return jobs
}

func testPoolJob() *job.Job {
	j := job.New("user-service", time.Now())
	j.Recipients = []string{"alice@example.com"}
	j.TemplateName = "user_welcome"
	j.TemplateContext = map[string]interface{}{"name": "Alice"}
	j.Priority = job.PriorityHigh
	return j
}

func TestProcessSendsEmail(t *testing.T) {
	f := setupTestPool(t)
	ctx := context.Background()

	j := testPoolJob()
	f.enqueue(t, j)
	f.pool.process(ctx, f.readOne(t))

	require.Equal(t, 1, f.driver.callCount())
	msg := f.driver.lastCall()
	assert.Equal(t, []string{"alice@example.com"}, msg.Recipients)
	assert.Equal(t, "noreply@example.com", msg.From)
	assert.Contains(t, msg.Subject, "Alice")
	assert.NotEmpty(t, msg.HTML)

	// Entry acked and deleted.
	assert.Zero(t, f.streamLen(t, job.PriorityHigh))

	sent, err := f.client.Get(ctx, "stats:sent").Result()
	require.NoError(t, err)
	assert.Equal(t, "1", sent)

	rec, err := f.trail.JobRecord(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, audit.StatusSent, rec.FinalStatus)
}

func TestProcessExplicitSubjectWins(t *testing.T) {
	f := setupTestPool(t)

	j := testPoolJob()
	j.Subject = "Your invoice"
	f.enqueue(t, j)
	f.pool.process(context.Background(), f.readOne(t))

	require.Equal(t, 1, f.driver.callCount())
	assert.Equal(t, "Your invoice", f.driver.lastCall().Subject)
}

func TestProcessUnknownTemplateFallsBack(t *testing.T) {
	f := setupTestPool(t)

	j := testPoolJob()
	j.TemplateName = "does_not_exist"
	j.TemplateContext = map[string]interface{}{"order_id": "A-17"}
	f.enqueue(t, j)
	f.pool.process(context.Background(), f.readOne(t))

	require.Equal(t, 1, f.driver.callCount())
	msg := f.driver.lastCall()
	assert.Equal(t, render.FallbackSubject, msg.Subject)
	assert.Contains(t, msg.Text, "order_id")
	assert.Contains(t, msg.Text, "A-17")
}

func TestProcessMalformedPayloadDiscarded(t *testing.T) {
	f := setupTestPool(t)
	ctx := context.Background()

	_, err := f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: queue.StreamKey(job.PriorityHigh),
		Values: map[string]interface{}{"job": "{not json"},
	}).Result()
	require.NoError(t, err)

	d := f.readOne(t)
	f.pool.process(ctx, d)

	assert.Zero(t, f.driver.callCount())
	assert.Zero(t, f.streamLen(t, job.PriorityHigh))

	rec, err := f.trail.JobRecord(ctx, "unparsed-"+d.EntryID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, audit.StatusMalformed, rec.FinalStatus)
}

func TestProcessInvalidJobDiscarded(t *testing.T) {
	f := setupTestPool(t)
	ctx := context.Background()

	j := testPoolJob()
	j.Recipients = nil
	payload, err := j.Encode()
	require.NoError(t, err)
	_, err = f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: queue.StreamKey(job.PriorityHigh),
		Values: map[string]interface{}{"job": string(payload)},
	}).Result()
	require.NoError(t, err)

	f.pool.process(ctx, f.readOne(t))

	assert.Zero(t, f.driver.callCount())
	assert.Zero(t, f.streamLen(t, job.PriorityHigh))

	rec, err := f.trail.JobRecord(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, audit.StatusMalformed, rec.FinalStatus)
}

func TestProcessTransientFailureParksRetry(t *testing.T) {
	f := setupTestPool(t)
	ctx := context.Background()

	f.driver.send = func(int, *provider.Message) (*provider.SendResult, error) {
		return nil, provider.Transient("connection reset")
	}

	j := testPoolJob()
	f.enqueue(t, j)
	before := time.Now()
	f.pool.process(ctx, f.readOne(t))

	assert.Zero(t, f.streamLen(t, job.PriorityHigh))

	parked := f.parkedJobs(t)
	require.Len(t, parked, 1)
	assert.Equal(t, j.ID, parked[0].ID)
	assert.Equal(t, 1, parked[0].AttemptCount)

	// First retry lands 60s out, +/-20% jitter.
	require.NotNil(t, parked[0].ScheduledFor)
	delay := parked[0].ScheduledFor.Sub(before)
	assert.GreaterOrEqual(t, delay, 47*time.Second)
	assert.LessOrEqual(t, delay, 73*time.Second)
}

func TestProcessPermanentFailureDeadLetters(t *testing.T) {
	f := setupTestPool(t)
	ctx := context.Background()

	f.driver.send = func(int, *provider.Message) (*provider.SendResult, error) {
		return nil, provider.Permanent("mailbox does not exist")
	}

	j := testPoolJob()
	f.enqueue(t, j)
	f.pool.process(ctx, f.readOne(t))

	assert.Zero(t, f.streamLen(t, job.PriorityHigh))
	assert.Empty(t, f.parkedJobs(t))

	entry, err := f.store.DeadLetter(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.FinalAttemptCount)
	assert.Contains(t, entry.FailureReason, "mailbox does not exist")

	failed, err := f.client.Get(ctx, "stats:failed").Result()
	require.NoError(t, err)
	assert.Equal(t, "1", failed)

	rec, err := f.trail.JobRecord(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, audit.StatusFailedPermanent, rec.FinalStatus)
	assert.Contains(t, rec.LastError, "mailbox does not exist")
}

func TestProcessExhaustedAttemptsDeadLetter(t *testing.T) {
	f := setupTestPool(t)
	ctx := context.Background()

	f.driver.send = func(int, *provider.Message) (*provider.SendResult, error) {
		return nil, provider.Transient("still flapping")
	}

	j := testPoolJob()
	j.AttemptCount = MaxAttempts - 1
	f.enqueue(t, j)
	f.pool.process(ctx, f.readOne(t))

	entry, err := f.store.DeadLetter(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, MaxAttempts, entry.FinalAttemptCount)
	assert.Empty(t, f.parkedJobs(t))
}

func TestProcessUnclassifiedErrorRetriesFirstAttempt(t *testing.T) {
	f := setupTestPool(t)

	f.driver.send = func(int, *provider.Message) (*provider.SendResult, error) {
		return nil, assert.AnError
	}

	j := testPoolJob()
	f.enqueue(t, j)
	f.pool.process(context.Background(), f.readOne(t))

	parked := f.parkedJobs(t)
	require.Len(t, parked, 1)
	assert.Equal(t, 1, parked[0].AttemptCount)
}

func TestProcessUnclassifiedErrorPermanentAfterFirstAttempt(t *testing.T) {
	f := setupTestPool(t)
	ctx := context.Background()

	f.driver.send = func(int, *provider.Message) (*provider.SendResult, error) {
		return nil, assert.AnError
	}

	j := testPoolJob()
	j.AttemptCount = 1
	f.enqueue(t, j)
	f.pool.process(ctx, f.readOne(t))

	assert.Empty(t, f.parkedJobs(t))
	entry, err := f.store.DeadLetter(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.FinalAttemptCount)
}

func TestProcessUnconfiguredProviderRetries(t *testing.T) {
	f := setupTestPool(t)

	j := testPoolJob()
	j.Provider = job.ProviderSendGrid
	f.enqueue(t, j)
	f.pool.process(context.Background(), f.readOne(t))

	assert.Zero(t, f.driver.callCount())
	parked := f.parkedJobs(t)
	require.Len(t, parked, 1)
	assert.Equal(t, 1, parked[0].AttemptCount)
}

func TestProcessRateGateExhaustionIsTransient(t *testing.T) {
	f := setupTestPool(t)
	ctx := context.Background()

	// One token, effectively no refill; spend it so the gate can never
	// open within the wait budget.
	f.pool.limiter = queue.NewRateLimiter(f.client, map[job.ProviderKind]queue.BucketConfig{
		job.ProviderSMTP: {Capacity: 1, RefillRate: 0.000001},
	})
	f.pool.rateWait = 200 * time.Millisecond
	ok, err := f.pool.limiter.TryAcquire(ctx, job.ProviderSMTP, 1)
	require.NoError(t, err)
	require.True(t, ok)

	j := testPoolJob()
	f.enqueue(t, j)
	f.pool.process(ctx, f.readOne(t))

	assert.Zero(t, f.driver.callCount())
	parked := f.parkedJobs(t)
	require.Len(t, parked, 1)
	assert.Equal(t, 1, parked[0].AttemptCount)

	rec, err := f.trail.JobRecord(ctx, j.ID)
	require.NoError(t, err)
	assert.Nil(t, rec) // retries are not terminal, no outcome yet
}

func TestReclaimOnceRescuesStalledDelivery(t *testing.T) {
	f := setupTestPool(t)
	ctx := context.Background()

	start := time.Now()
	f.mr.SetTime(start)

	j := testPoolJob()
	f.enqueue(t, j)

	// Another consumer read the entry and died without acking.
	deliveries, err := f.store.ReadGroup(ctx, "dead-consumer", 1, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	f.mr.SetTime(start.Add(2 * time.Minute))
	f.pool.reclaimOnce(ctx)

	assert.Equal(t, 1, f.driver.callCount())
	assert.Zero(t, f.streamLen(t, job.PriorityHigh))
}

func TestReclaimOnceLeavesFreshPendingAlone(t *testing.T) {
	f := setupTestPool(t)
	ctx := context.Background()

	start := time.Now()
	f.mr.SetTime(start)

	f.enqueue(t, testPoolJob())
	deliveries, err := f.store.ReadGroup(ctx, "slow-consumer", 1, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	f.mr.SetTime(start.Add(10 * time.Second))
	f.pool.reclaimOnce(ctx)

	assert.Zero(t, f.driver.callCount())
}

func TestRunProcessesJobsUntilCancelled(t *testing.T) {
	f := setupTestPool(t)

	j := testPoolJob()
	f.enqueue(t, j)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.driver.callCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	// Process heartbeat is live.
	require.Eventually(t, func() bool {
		n, err := f.client.Exists(context.Background(), "worker:heartbeat:"+f.pool.workerID).Result()
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not drain")
	}
}
