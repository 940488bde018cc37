// Package audit records service attribution for every job: who submitted
// it, through which endpoint, and how it ended. Writes are best-effort; a
// failed audit write is logged and never fails the operation it describes.
package audit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-dispatch/internal/pkg/logger"
	"github.com/ignite/email-dispatch/internal/queue"
)

// Terminal status values written to a job's audit record.
const (
	StatusQueued          = "queued"
	StatusSent            = "sent"
	StatusMalformed       = "malformed"
	StatusFailedPermanent = "failed_permanent"
)

const (
	recordTTL   = 30 * 24 * time.Hour
	timelineTTL = 90 * 24 * time.Hour
)

// Record is the audit trail entry for one job.
type Record struct {
	JobID          string    `json:"job_id"`
	SubmittedBy    string    `json:"submitted_by"`
	Endpoint       string    `json:"endpoint"`
	SubmittedAt    time.Time `json:"submitted_at"`
	TemplateName   string    `json:"template_name"`
	RecipientCount int       `json:"recipient_count"`
	FinalStatus    string    `json:"final_status"`
	AttemptCount   int       `json:"attempt_count"`
	LastError      string    `json:"last_error,omitempty"`
}

// Trail writes and reads audit state on the shared store client.
type Trail struct {
	client *redis.Client
}

// NewTrail creates an audit trail over the store connection.
func NewTrail(client *redis.Client) *Trail {
	return &Trail{client: client}
}

// RecordEnqueue writes the initial job record and bumps the submitting
// service's aggregates. Failures are logged, never returned.
func (t *Trail) RecordEnqueue(ctx context.Context, rec *Record) {
	if err := t.writeEnqueue(ctx, rec); err != nil {
		logger.Warn("audit enqueue write failed", "job_id", rec.JobID, "error", err)
	}
}

func (t *Trail) writeEnqueue(ctx context.Context, rec *Record) error {
	day := rec.SubmittedAt.UTC().Format("2006-01-02")
	jobKey := queue.AuditJobKey(rec.JobID)
	callsKey := queue.ServiceCallsKey(rec.SubmittedBy, day)
	metricsKey := queue.ServiceMetricsKey(rec.SubmittedBy)

	pipe := t.client.Pipeline()
	pipe.HSet(ctx, jobKey, map[string]interface{}{
		"submitted_by":    rec.SubmittedBy,
		"endpoint":        rec.Endpoint,
		"submitted_at":    rec.SubmittedAt.UTC().Format(time.RFC3339Nano),
		"template_name":   rec.TemplateName,
		"recipient_count": rec.RecipientCount,
		"final_status":    rec.FinalStatus,
		"attempt_count":   rec.AttemptCount,
	})
	pipe.Expire(ctx, jobKey, recordTTL)

	// Timeline members carry the timestamp so repeated calls to the same
	// endpoint stay distinct.
	member := rec.SubmittedAt.UTC().Format(time.RFC3339Nano) + "|" + rec.Endpoint
	pipe.ZAdd(ctx, callsKey, redis.Z{Score: float64(rec.SubmittedAt.UnixMilli()) / 1000, Member: member})
	pipe.Expire(ctx, callsKey, timelineTTL)

	pipe.HIncrBy(ctx, metricsKey, "total_calls", 1)
	pipe.HIncrBy(ctx, metricsKey, "total_emails", int64(rec.RecipientCount))
	pipe.HIncrBy(ctx, metricsKey, "endpoint:"+rec.Endpoint, 1)

	_, err := pipe.Exec(ctx)
	return err
}

// RecordOutcome updates a job record with its terminal status. Failures are
// logged, never returned.
func (t *Trail) RecordOutcome(ctx context.Context, jobID, status string, attemptCount int, lastError string) {
	jobKey := queue.AuditJobKey(jobID)
	fields := map[string]interface{}{
		"final_status":  status,
		"attempt_count": attemptCount,
	}
	if lastError != "" {
		fields["last_error"] = lastError
	}

	pipe := t.client.Pipeline()
	pipe.HSet(ctx, jobKey, fields)
	pipe.Expire(ctx, jobKey, recordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("audit outcome write failed", "job_id", jobID, "status", status, "error", err)
	}
}

// JobRecord reads one job's audit record, or nil when absent.
func (t *Trail) JobRecord(ctx context.Context, jobID string) (*Record, error) {
	fields, err := t.client.HGetAll(ctx, queue.AuditJobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read audit record %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	rec := &Record{
		JobID:        jobID,
		SubmittedBy:  fields["submitted_by"],
		Endpoint:     fields["endpoint"],
		TemplateName: fields["template_name"],
		FinalStatus:  fields["final_status"],
		LastError:    fields["last_error"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["submitted_at"]); err == nil {
		rec.SubmittedAt = ts
	}
	rec.RecipientCount, _ = strconv.Atoi(fields["recipient_count"])
	rec.AttemptCount, _ = strconv.Atoi(fields["attempt_count"])
	return rec, nil
}

// ServiceMetrics is one calling service's aggregate view.
type ServiceMetrics struct {
	TotalCalls  int64            `json:"total_calls"`
	TotalEmails int64            `json:"total_emails"`
	CallsToday  int64            `json:"calls_today"`
	Endpoints   map[string]int64 `json:"endpoints"`
}

// ServiceMetrics reads the aggregates for one service.
func (t *Trail) ServiceMetrics(ctx context.Context, service string, now time.Time) (*ServiceMetrics, error) {
	fields, err := t.client.HGetAll(ctx, queue.ServiceMetricsKey(service)).Result()
	if err != nil {
		return nil, fmt.Errorf("read metrics for %s: %w", service, err)
	}

	m := &ServiceMetrics{Endpoints: make(map[string]int64)}
	for field, raw := range fields {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		switch {
		case field == "total_calls":
			m.TotalCalls = n
		case field == "total_emails":
			m.TotalEmails = n
		case strings.HasPrefix(field, "endpoint:"):
			m.Endpoints[strings.TrimPrefix(field, "endpoint:")] = n
		}
	}

	day := now.UTC().Format("2006-01-02")
	m.CallsToday, err = t.client.ZCard(ctx, queue.ServiceCallsKey(service, day)).Result()
	if err != nil {
		return nil, fmt.Errorf("read timeline for %s: %w", service, err)
	}
	return m, nil
}

// Services lists every service that has submitted at least one job.
func (t *Trail) Services(ctx context.Context) ([]string, error) {
	var (
		names  []string
		cursor uint64
	)
	for {
		keys, next, err := t.client.Scan(ctx, cursor, "audit:service:*:metrics", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan services: %w", err)
		}
		for _, key := range keys {
			name := strings.TrimSuffix(strings.TrimPrefix(key, "audit:service:"), ":metrics")
			names = append(names, name)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return names, nil
}

// AllServiceMetrics reads aggregates for every known service.
func (t *Trail) AllServiceMetrics(ctx context.Context, now time.Time) (map[string]*ServiceMetrics, error) {
	names, err := t.Services(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*ServiceMetrics, len(names))
	for _, name := range names {
		m, err := t.ServiceMetrics(ctx, name, now)
		if err != nil {
			return nil, err
		}
		out[name] = m
	}
	return out, nil
}
