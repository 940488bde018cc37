package stats

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/email-dispatch/internal/audit"
	"github.com/ignite/email-dispatch/internal/job"
	"github.com/ignite/email-dispatch/internal/queue"
)

func setupTestCollector(t *testing.T) (*queue.Store, *audit.Trail, *Collector) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := queue.New(client)
	trail := audit.NewTrail(client)
	return store, trail, NewCollector(store, queue.NewRateLimiter(client, nil), trail)
}

func enqueueTestJob(t *testing.T, store *queue.Store, p job.Priority) *job.Job {
	t.Helper()

	j := job.New("stats-test", time.Now())
	j.Recipients = []string{"alice@example.com"}
	j.TemplateName = "user_welcome"
	j.Priority = p
	_, err := store.Append(context.Background(), j)
	require.NoError(t, err)
	return j
}

func TestSnapshotEmptySystem(t *testing.T) {
	_, _, collector := setupTestCollector(t)

	snap, err := collector.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Zero(t, snap.Queues.High)
	assert.Zero(t, snap.Queues.DeadLetter)
	assert.Zero(t, snap.SentToday)
	assert.Empty(t, snap.Workers)
	assert.Empty(t, snap.Services)

	// Untouched buckets report full capacity for every provider.
	require.Len(t, snap.RateLimits, len(job.Providers()))
	smtp := snap.RateLimits[string(job.ProviderSMTP)]
	assert.Equal(t, smtp.Capacity, smtp.Tokens)
}

func TestSnapshotCountsQueues(t *testing.T) {
	store, _, collector := setupTestCollector(t)
	ctx := context.Background()

	enqueueTestJob(t, store, job.PriorityHigh)
	enqueueTestJob(t, store, job.PriorityHigh)
	enqueueTestJob(t, store, job.PriorityLow)

	parked := job.New("stats-test", time.Now())
	parked.Recipients = []string{"bob@example.com"}
	parked.TemplateName = "user_welcome"
	at := time.Now().Add(time.Hour)
	parked.ScheduledFor = &at
	require.NoError(t, store.AppendParked(ctx, parked))

	dead := job.New("stats-test", time.Now())
	dead.Recipients = []string{"carol@example.com"}
	dead.TemplateName = "user_welcome"
	require.NoError(t, store.AddDeadLetter(ctx, &job.DeadLetterEntry{
		JobID:             dead.ID,
		Job:               dead,
		FailureReason:     "mailbox unavailable",
		FinalAttemptCount: 3,
		MovedAt:           time.Now(),
	}))

	snap, err := collector.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Queues.High)
	assert.Zero(t, snap.Queues.Medium)
	assert.Equal(t, int64(1), snap.Queues.Low)
	assert.Equal(t, int64(1), snap.Queues.Parked)
	assert.Equal(t, int64(1), snap.Queues.DeadLetter)
}

func TestSnapshotCounters(t *testing.T) {
	store, _, collector := setupTestCollector(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.IncrSent(ctx, now))
	require.NoError(t, store.IncrSent(ctx, now))
	require.NoError(t, store.IncrFailed(ctx, now))

	snap, err := collector.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.SentTotal)
	assert.Equal(t, int64(2), snap.SentToday)
	assert.Equal(t, int64(1), snap.FailedTotal)
	assert.Equal(t, int64(1), snap.FailedToday)
}

func TestSnapshotWorkersAndServices(t *testing.T) {
	store, trail, collector := setupTestCollector(t)
	ctx := context.Background()

	require.NoError(t, store.Heartbeat(ctx, "dispatch-host-1", 30*time.Second))
	trail.RecordEnqueue(ctx, &audit.Record{
		JobID:          "job-1",
		SubmittedBy:    "user-service",
		Endpoint:       "/send",
		SubmittedAt:    time.Now(),
		TemplateName:   "user_welcome",
		RecipientCount: 3,
		FinalStatus:    audit.StatusQueued,
	})

	snap, err := collector.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dispatch-host-1"}, snap.Workers)
	require.Contains(t, snap.Services, "user-service")
	assert.Equal(t, int64(1), snap.Services["user-service"].TotalCalls)
	assert.Equal(t, int64(3), snap.Services["user-service"].TotalEmails)
}
