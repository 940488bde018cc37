// Package job defines the persisted unit of work for the dispatch engine:
// the job envelope, its priority and provider tags, and the dead-letter
// record written when delivery is abandoned.
package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority determines which ready stream a job lives on and the order in
// which workers poll. Serialized as its string value.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Priorities returns all priorities in strict polling order.
func Priorities() []Priority {
	return []Priority{PriorityHigh, PriorityMedium, PriorityLow}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// ParsePriority maps a string to a Priority. Empty input returns the
// default (medium); unknown input returns an error.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityMedium, nil
	}
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// ProviderKind selects the transport driver and the rate-limit bucket.
type ProviderKind string

const (
	ProviderSMTP     ProviderKind = "smtp"
	ProviderSendGrid ProviderKind = "sendgrid"
	ProviderMailgun  ProviderKind = "mailgun"
	ProviderSES      ProviderKind = "aws_ses"
)

// Providers returns all provider kinds.
func Providers() []ProviderKind {
	return []ProviderKind{ProviderSMTP, ProviderSendGrid, ProviderMailgun, ProviderSES}
}

// Valid reports whether k is a known provider kind.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderSMTP, ProviderSendGrid, ProviderMailgun, ProviderSES:
		return true
	}
	return false
}

// ParseProvider maps a string to a ProviderKind. Empty input returns the
// zero value so callers can apply their configured default.
func ParseProvider(s string) (ProviderKind, error) {
	if s == "" {
		return "", nil
	}
	k := ProviderKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return k, nil
}

// MaxRecipients bounds a single job. Larger sends are split by callers.
const MaxRecipients = 100

// Job is the persisted send request. The envelope is immutable after
// enqueue except for AttemptCount, which only the retry controller mutates,
// and ScheduledFor, which the retry controller rewrites for delayed retries.
type Job struct {
	ID              string                 `json:"job_id" validate:"required"`
	Recipients      []string               `json:"recipients" validate:"required,min=1,max=100,dive,rfc5322"`
	TemplateName    string                 `json:"template_name" validate:"required"`
	TemplateContext map[string]interface{} `json:"template_context,omitempty"`
	Subject         string                 `json:"subject,omitempty"`
	Priority        Priority               `json:"priority"`
	Provider        ProviderKind           `json:"provider"`
	ScheduledFor    *time.Time             `json:"scheduled_for,omitempty"`
	SubmittedBy     string                 `json:"submitted_by" validate:"required"`
	SubmittedAt     time.Time              `json:"submitted_at"`
	AttemptCount    int                    `json:"attempt_count" validate:"min=0"`
}

// New creates a job envelope with a fresh ID and the submission metadata
// stamped. Priority and provider fall back to their defaults when unset.
func New(submittedBy string, now time.Time) *Job {
	return &Job{
		ID:          uuid.New().String(),
		Priority:    PriorityMedium,
		Provider:    ProviderSMTP,
		SubmittedBy: submittedBy,
		SubmittedAt: now.UTC(),
	}
}

// Encode serializes the job for stream/parked-set storage.
func (j *Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// Decode deserializes a stored job. An error here means the stored payload
// is malformed and the entry should be discarded, not retried.
func Decode(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}

// Due reports whether the job's scheduled time has arrived (or it has none).
// A schedule exactly equal to now counts as due.
func (j *Job) Due(now time.Time) bool {
	if j.ScheduledFor == nil {
		return true
	}
	return !j.ScheduledFor.After(now)
}

// DeadLetterEntry is the terminal record for a job that exhausted its
// attempts or failed permanently.
type DeadLetterEntry struct {
	JobID             string    `json:"job_id"`
	Job               *Job      `json:"job"`
	FailureReason     string    `json:"failure_reason"`
	FinalAttemptCount int       `json:"final_attempt_count"`
	MovedAt           time.Time `json:"moved_at"`
}

// Encode serializes a DLQ entry for the dlq hash.
func (e *DeadLetterEntry) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeDeadLetter deserializes a DLQ entry.
func DecodeDeadLetter(data []byte) (*DeadLetterEntry, error) {
	var e DeadLetterEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode dead letter: %w", err)
	}
	return &e, nil
}
