package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/email-dispatch/internal/job"
	"github.com/ignite/email-dispatch/internal/pkg/distlock"
	"github.com/ignite/email-dispatch/internal/queue"
)

func setupTestScheduler(t *testing.T) (*redis.Client, *queue.Store, *Scheduler) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := queue.New(client)
	require.NoError(t, store.EnsureGroup(context.Background()))
	return client, store, New(store)
}

func parkedJob(t *testing.T, store *queue.Store, p job.Priority, at time.Time) *job.Job {
	t.Helper()

	j := job.New("scheduler-test", at.Add(-time.Hour))
	j.Recipients = []string{"alice@example.com"}
	j.TemplateName = "user_welcome"
	j.Priority = p
	j.ScheduledFor = &at
	require.NoError(t, store.AppendParked(context.Background(), j))
	return j
}

func TestPromoteDueMovesRipeJobs(t *testing.T) {
	client, store, sched := setupTestScheduler(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }

	due := parkedJob(t, store, job.PriorityHigh, now.Add(-time.Minute))
	parkedJob(t, store, job.PriorityLow, now.Add(time.Hour))

	n, err := sched.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := client.XRange(ctx, queue.StreamKey(job.PriorityHigh), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	decoded, err := job.Decode([]byte(entries[0].Values["job"].(string)))
	require.NoError(t, err)
	assert.Equal(t, due.ID, decoded.ID)

	// The future-dated job stays parked.
	parked, err := client.ZCard(ctx, "queue:parked").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), parked)
}

func TestPromoteDueExactBoundary(t *testing.T) {
	client, store, sched := setupTestScheduler(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }

	parkedJob(t, store, job.PriorityMedium, now)

	n, err := sched.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	depth, err := client.XLen(ctx, queue.StreamKey(job.PriorityMedium)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestPromoteDueEmptySet(t *testing.T) {
	_, _, sched := setupTestScheduler(t)

	n, err := sched.PromoteDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPromoteDueDropsUndecodableEntries(t *testing.T) {
	client, store, sched := setupTestScheduler(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }

	require.NoError(t, client.ZAdd(ctx, "queue:parked", redis.Z{
		Score:  float64(now.Add(-time.Minute).UnixMilli()),
		Member: "{not json",
	}).Err())
	parkedJob(t, store, job.PriorityHigh, now.Add(-time.Minute))

	n, err := sched.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	parked, err := client.ZCard(ctx, "queue:parked").Result()
	require.NoError(t, err)
	assert.Zero(t, parked)
}

func TestRunPromotesWhenElected(t *testing.T) {
	client, store, sched := setupTestScheduler(t)
	sched.tick = 10 * time.Millisecond

	parkedJob(t, store, job.PriorityHigh, time.Now().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		depth, err := client.XLen(context.Background(), queue.StreamKey(job.PriorityHigh)).Result()
		return err == nil && depth == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunStandbyDoesNotPromote(t *testing.T) {
	client, store, sched := setupTestScheduler(t)
	sched.tick = 10 * time.Millisecond

	// Another process holds the promoter lock.
	other := distlock.New(client, "scheduler", time.Minute)
	won, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, won)

	parkedJob(t, store, job.PriorityHigh, time.Now().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	time.Sleep(150 * time.Millisecond)
	depth, err := client.XLen(context.Background(), queue.StreamKey(job.PriorityHigh)).Result()
	require.NoError(t, err)
	assert.Zero(t, depth)

	cancel()
	<-done
}

func TestRunTakesOverAfterRelease(t *testing.T) {
	client, store, sched := setupTestScheduler(t)
	sched.tick = 10 * time.Millisecond

	other := distlock.New(client, "scheduler", time.Minute)
	won, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, won)

	parkedJob(t, store, job.PriorityHigh, time.Now().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, other.Release(context.Background()))

	require.Eventually(t, func() bool {
		depth, err := client.XLen(context.Background(), queue.StreamKey(job.PriorityHigh)).Result()
		return err == nil && depth == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
