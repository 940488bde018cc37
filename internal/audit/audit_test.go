package audit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/email-dispatch/internal/queue"
)

func setupTestTrail(t *testing.T) (*miniredis.Miniredis, *Trail) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, NewTrail(client)
}

func testRecord(submittedAt time.Time) *Record {
	return &Record{
		JobID:          "job-1",
		SubmittedBy:    "user-service",
		Endpoint:       "/send",
		SubmittedAt:    submittedAt,
		TemplateName:   "user_welcome",
		RecipientCount: 2,
		FinalStatus:    StatusQueued,
	}
}

func TestRecordEnqueueAndReadBack(t *testing.T) {
	_, trail := setupTestTrail(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	trail.RecordEnqueue(ctx, testRecord(now))

	rec, err := trail.JobRecord(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "user-service", rec.SubmittedBy)
	assert.Equal(t, "/send", rec.Endpoint)
	assert.Equal(t, "user_welcome", rec.TemplateName)
	assert.Equal(t, 2, rec.RecipientCount)
	assert.Equal(t, StatusQueued, rec.FinalStatus)
	assert.Equal(t, 0, rec.AttemptCount)
	assert.True(t, rec.SubmittedAt.Equal(now))
}

func TestJobRecordMissing(t *testing.T) {
	_, trail := setupTestTrail(t)

	rec, err := trail.JobRecord(context.Background(), "no-such-job")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRecordOutcomeUpdatesStatus(t *testing.T) {
	_, trail := setupTestTrail(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	trail.RecordEnqueue(ctx, testRecord(now))
	trail.RecordOutcome(ctx, "job-1", StatusFailedPermanent, 3, "mailbox unavailable")

	rec, err := trail.JobRecord(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusFailedPermanent, rec.FinalStatus)
	assert.Equal(t, 3, rec.AttemptCount)
	assert.Equal(t, "mailbox unavailable", rec.LastError)
	// Enqueue-time fields survive the update.
	assert.Equal(t, "user-service", rec.SubmittedBy)
}

func TestServiceMetricsAggregates(t *testing.T) {
	_, trail := setupTestTrail(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first := testRecord(now)
	trail.RecordEnqueue(ctx, first)

	second := testRecord(now.Add(time.Minute))
	second.JobID = "job-2"
	second.Endpoint = "/send/welcome"
	second.RecipientCount = 1
	trail.RecordEnqueue(ctx, second)

	m, err := trail.ServiceMetrics(ctx, "user-service", now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.TotalCalls)
	assert.Equal(t, int64(3), m.TotalEmails)
	assert.Equal(t, int64(2), m.CallsToday)
	assert.Equal(t, int64(1), m.Endpoints["/send"])
	assert.Equal(t, int64(1), m.Endpoints["/send/welcome"])
}

func TestServiceMetricsUnknownService(t *testing.T) {
	_, trail := setupTestTrail(t)

	m, err := trail.ServiceMetrics(context.Background(), "ghost", time.Now())
	require.NoError(t, err)
	assert.Zero(t, m.TotalCalls)
	assert.Zero(t, m.TotalEmails)
	assert.Zero(t, m.CallsToday)
	assert.Empty(t, m.Endpoints)
}

func TestCallsTodayIgnoresOtherDays(t *testing.T) {
	_, trail := setupTestTrail(t)
	ctx := context.Background()

	yesterday := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	today := time.Date(2025, 6, 2, 1, 0, 0, 0, time.UTC)

	trail.RecordEnqueue(ctx, testRecord(yesterday))
	rec := testRecord(today)
	rec.JobID = "job-2"
	trail.RecordEnqueue(ctx, rec)

	m, err := trail.ServiceMetrics(ctx, "user-service", today)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.TotalCalls)
	assert.Equal(t, int64(1), m.CallsToday)
}

func TestRepeatedCallsSameEndpointStayDistinct(t *testing.T) {
	mr, trail := setupTestTrail(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		rec := testRecord(now.Add(time.Duration(i) * time.Second))
		rec.JobID = "job-" + string(rune('a'+i))
		trail.RecordEnqueue(ctx, rec)
	}

	day := now.Format("2006-01-02")
	members, err := mr.ZMembers(queue.ServiceCallsKey("user-service", day))
	require.NoError(t, err)
	assert.Len(t, members, 3)
}

func TestServicesListsKnownServices(t *testing.T) {
	_, trail := setupTestTrail(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	trail.RecordEnqueue(ctx, testRecord(now))
	other := testRecord(now)
	other.JobID = "job-2"
	other.SubmittedBy = "billing-service"
	trail.RecordEnqueue(ctx, other)

	names, err := trail.Services(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user-service", "billing-service"}, names)

	all, err := trail.AllServiceMetrics(ctx, now)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(1), all["billing-service"].TotalCalls)
}

func TestRecordTTLApplied(t *testing.T) {
	mr, trail := setupTestTrail(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	trail.RecordEnqueue(ctx, testRecord(now))

	ttl := mr.TTL(queue.AuditJobKey("job-1"))
	assert.Equal(t, recordTTL, ttl)

	day := now.Format("2006-01-02")
	assert.Equal(t, timelineTTL, mr.TTL(queue.ServiceCallsKey("user-service", day)))
}

func TestWriteFailureDoesNotPanic(t *testing.T) {
	mr, trail := setupTestTrail(t)
	mr.Close()

	// Both writers swallow connection errors.
	trail.RecordEnqueue(context.Background(), testRecord(time.Now()))
	trail.RecordOutcome(context.Background(), "job-1", StatusSent, 1, "")
}
