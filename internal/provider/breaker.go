package provider

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ignite/email-dispatch/internal/job"
	"github.com/ignite/email-dispatch/internal/pkg/logger"
)

// breakerDriver wraps a driver with a circuit breaker so a dead vendor
// fails fast instead of holding workers for the full dispatch timeout.
type breakerDriver struct {
	inner Driver
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker decorates a driver with a per-provider circuit breaker. The
// circuit opens after five consecutive transport or transient failures and
// probes again after a minute. Permanent rejections are vendor answers, not
// vendor outages, and do not count against the circuit.
func WithBreaker(inner Driver) Driver {
	settings := gobreaker.Settings{
		Name:        string(inner.Kind()),
		MaxRequests: 3,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit state changed",
				"provider", name, "from", from.String(), "to", to.String())
		},
	}
	return &breakerDriver{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (d *breakerDriver) Kind() job.ProviderKind { return d.inner.Kind() }

func (d *breakerDriver) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	out, err := d.cb.Execute(func() (interface{}, error) {
		return d.inner.Send(ctx, msg)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, Transient("%s circuit open", d.inner.Kind())
		}
		return nil, err
	}
	return out.(*SendResult), nil
}
