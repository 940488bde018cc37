// Package enqueue admits jobs onto the priority queue: recipient group
// expansion, validation, parked-versus-ready routing, and the audit write
// for the submitting service.
package enqueue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/email-dispatch/internal/audit"
	"github.com/ignite/email-dispatch/internal/auth"
	"github.com/ignite/email-dispatch/internal/job"
	"github.com/ignite/email-dispatch/internal/pkg/logger"
	"github.com/ignite/email-dispatch/internal/queue"
)

// Result statuses returned to the caller.
const (
	StatusQueued    = "queued"
	StatusScheduled = "scheduled"
)

// groupPrefix marks a recipient entry that names a stored recipient list
// instead of an address, e.g. "group:hiking-club".
const groupPrefix = "group:"

// ValidationError rejects a request the caller can fix. The API layer maps
// it to a 400.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Request is a submission before job assembly.
type Request struct {
	Recipients      []string
	TemplateName    string
	TemplateContext map[string]interface{}
	Subject         string
	Priority        job.Priority
	Provider        job.ProviderKind
	ScheduledFor    *time.Time
	Endpoint        string
}

// Result reports where an accepted job landed.
type Result struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	QueuePosition int64  `json:"queue_position"`
}

// Enqueuer validates submissions and appends them to the queue store.
type Enqueuer struct {
	store           *queue.Store
	trail           *audit.Trail
	defaultProvider job.ProviderKind
	now             func() time.Time
}

// New creates an enqueuer over the queue store and audit trail.
func New(store *queue.Store, trail *audit.Trail) *Enqueuer {
	return &Enqueuer{
		store:           store,
		trail:           trail,
		defaultProvider: job.ProviderSMTP,
		now:             time.Now,
	}
}

// SetDefaultProvider changes the provider applied to submissions that name
// none. Set before serving requests.
func (e *Enqueuer) SetDefaultProvider(kind job.ProviderKind) {
	if kind != "" {
		e.defaultProvider = kind
	}
}

// Enqueue admits one job. Scheduled jobs land in the parked set, everything
// else on the ready stream for its priority. The audit write is best-effort
// and never fails the submission.
func (e *Enqueuer) Enqueue(ctx context.Context, req *Request, identity *auth.Identity) (*Result, error) {
	recipients, err := e.expandRecipients(ctx, req.Recipients)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	j := job.New(identity.Name, now)
	j.Recipients = recipients
	j.TemplateName = req.TemplateName
	j.TemplateContext = req.TemplateContext
	j.Subject = req.Subject
	if req.Priority != "" {
		j.Priority = req.Priority
	}
	j.Provider = e.defaultProvider
	if req.Provider != "" {
		j.Provider = req.Provider
	}
	j.ScheduledFor = req.ScheduledFor

	if err := j.Validate(); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	result := &Result{JobID: j.ID, Status: StatusQueued}
	if j.ScheduledFor != nil && j.ScheduledFor.After(now) {
		if err := e.store.AppendParked(ctx, j); err != nil {
			return nil, fmt.Errorf("park job %s: %w", j.ID, err)
		}
		result.Status = StatusScheduled
		logger.Info("email scheduled",
			"job_id", j.ID, "delivery_at", j.ScheduledFor.UTC().Format(time.RFC3339))
	} else {
		if _, err := e.store.Append(ctx, j); err != nil {
			return nil, fmt.Errorf("enqueue job %s: %w", j.ID, err)
		}
		// Approximate position: everything already on the stream is ahead
		// of us.
		if depth, err := e.store.StreamLen(ctx, j.Priority); err == nil {
			result.QueuePosition = depth
		}
		logger.Info("email queued",
			"job_id", j.ID, "priority", j.Priority, "recipients", len(j.Recipients))
	}

	e.trail.RecordEnqueue(ctx, &audit.Record{
		JobID:          j.ID,
		SubmittedBy:    identity.Name,
		Endpoint:       req.Endpoint,
		SubmittedAt:    j.SubmittedAt,
		TemplateName:   j.TemplateName,
		RecipientCount: len(j.Recipients),
		FinalStatus:    audit.StatusQueued,
	})
	return result, nil
}

// expandRecipients replaces group references with the group's stored
// member list, minus its exclusions, preserving submission order.
func (e *Enqueuer) expandRecipients(ctx context.Context, raw []string) ([]string, error) {
	expanded := make([]string, 0, len(raw))
	for _, recipient := range raw {
		if !strings.HasPrefix(recipient, groupPrefix) {
			expanded = append(expanded, recipient)
			continue
		}

		groupID := strings.TrimPrefix(recipient, groupPrefix)
		logger.Debug("expanding recipient group", "group", groupID)
		members, err := e.store.GroupMembers(ctx, groupID)
		if err != nil {
			return nil, fmt.Errorf("expand group %s: %w", groupID, err)
		}
		if len(members) == 0 {
			return nil, &ValidationError{Reason: fmt.Sprintf("group %q has no members", groupID)}
		}
		logger.Debug("group expanded", "group", groupID, "members", len(members))
		expanded = append(expanded, members...)
	}
	return expanded, nil
}
