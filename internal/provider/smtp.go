package provider

import (
	"context"
	"errors"
	"net/textproto"
	"time"

	mail "github.com/go-mail/mail/v2"
	"github.com/google/uuid"

	"github.com/ignite/email-dispatch/internal/job"
)

// SMTPConfig holds relay connection settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// SMTPDriver delivers through a raw SMTP relay.
type SMTPDriver struct {
	dialer *mail.Dialer
}

// NewSMTPDriver creates an SMTP driver. TLS is negotiated opportunistically
// via STARTTLS when the relay offers it.
func NewSMTPDriver(cfg SMTPConfig) *SMTPDriver {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.Timeout = 30 * time.Second
	d.StartTLSPolicy = mail.OpportunisticStartTLS
	return &SMTPDriver{dialer: d}
}

func (d *SMTPDriver) Kind() job.ProviderKind { return job.ProviderSMTP }

// Send assembles a MIME message and delivers it in one SMTP session. The
// session runs in its own goroutine so the context deadline is honored; an
// abandoned session is bounded by the dialer timeout.
func (d *SMTPDriver) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	m := mail.NewMessage()
	if msg.FromName != "" {
		m.SetAddressHeader("From", msg.From, msg.FromName)
	} else {
		m.SetHeader("From", msg.From)
	}
	m.SetHeader("To", msg.Recipients...)
	m.SetHeader("Subject", msg.Subject)

	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}

	done := make(chan error, 1)
	go func() { done <- d.dialer.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return nil, Transient("smtp send aborted: %v", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, classifySMTPError(err)
		}
	}

	// SMTP has no vendor message id; mint one for the audit trail.
	return &SendResult{MessageID: uuid.New().String(), SentAt: time.Now().UTC()}, nil
}

// classifySMTPError maps SMTP reply codes. 5xx replies are final, except
// 552 (mailbox over quota) which clears once the recipient frees space.
// Dial and network errors stay raw.
func classifySMTPError(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch {
		case tpErr.Code == 552:
			return Transient("smtp 552: %s", tpErr.Msg)
		case tpErr.Code >= 500:
			return Permanent("smtp %d: %s", tpErr.Code, tpErr.Msg)
		case tpErr.Code >= 400:
			return Transient("smtp %d: %s", tpErr.Code, tpErr.Msg)
		}
	}
	return err
}
