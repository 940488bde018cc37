// Package provider implements the outbound email transports. A driver
// delivers one assembled message and classifies vendor responses into
// transient or permanent failures where the response is unambiguous;
// anything the driver cannot classify is returned raw for the caller's
// retry policy.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ignite/email-dispatch/internal/job"
)

// Message is one assembled email ready for transport. Recipients keep the
// order the job was submitted with.
type Message struct {
	From       string
	FromName   string
	Recipients []string
	Subject    string
	HTML       string
	Text       string
}

// SendResult reports a successful hand-off to the provider.
type SendResult struct {
	MessageID string
	SentAt    time.Time
}

// Driver delivers messages for one provider kind. Send must honor the
// context deadline.
type Driver interface {
	Kind() job.ProviderKind
	Send(ctx context.Context, msg *Message) (*SendResult, error)
}

// TransientError marks a failure worth retrying.
type TransientError struct {
	Reason string
}

func (e *TransientError) Error() string { return e.Reason }

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return e.Reason }

// Transient builds a retriable failure.
func Transient(format string, args ...interface{}) error {
	return &TransientError{Reason: fmt.Sprintf(format, args...)}
}

// Permanent builds a terminal failure.
func Permanent(format string, args ...interface{}) error {
	return &PermanentError{Reason: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err carries a transient classification.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err carries a permanent classification.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// classifyStatus maps a vendor API status code to an outcome. 408 and 429
// are retriable, other 4xx are definitive rejections, 5xx are vendor-side
// faults.
func classifyStatus(kind job.ProviderKind, status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 512 {
		detail = detail[:512]
	}
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return Transient("%s responded %d: %s", kind, status, detail)
	case status >= 500:
		return Transient("%s responded %d: %s", kind, status, detail)
	case status >= 400:
		return Permanent("%s responded %d: %s", kind, status, detail)
	}
	return nil
}
