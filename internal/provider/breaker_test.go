package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/email-dispatch/internal/job"
)

type stubDriver struct {
	kind  job.ProviderKind
	calls int
	send  func(calls int) (*SendResult, error)
}

func (s *stubDriver) Kind() job.ProviderKind { return s.kind }

func (s *stubDriver) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	s.calls++
	return s.send(s.calls)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	stub := &stubDriver{
		kind: job.ProviderSendGrid,
		send: func(int) (*SendResult, error) { return nil, Transient("vendor down") },
	}
	d := WithBreaker(stub)

	for i := 0; i < 5; i++ {
		_, err := d.Send(context.Background(), testMessage())
		require.Error(t, err)
		assert.Equal(t, "vendor down", err.Error())
	}

	// Circuit is now open: the inner driver is no longer called and the
	// failure reads as transient so jobs retry once the vendor recovers.
	_, err := d.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, 5, stub.calls)
}

func TestBreakerIgnoresPermanentRejections(t *testing.T) {
	stub := &stubDriver{
		kind: job.ProviderSMTP,
		send: func(int) (*SendResult, error) { return nil, Permanent("no such user") },
	}
	d := WithBreaker(stub)

	// Permanent rejections are answers from a healthy vendor; the circuit
	// must stay closed no matter how many arrive.
	for i := 0; i < 10; i++ {
		_, err := d.Send(context.Background(), testMessage())
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
	}
	assert.Equal(t, 10, stub.calls)
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	stub := &stubDriver{
		kind: job.ProviderMailgun,
		send: func(int) (*SendResult, error) {
			return &SendResult{MessageID: "ok-1", SentAt: time.Now()}, nil
		},
	}
	d := WithBreaker(stub)

	res, err := d.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "ok-1", res.MessageID)
	assert.Equal(t, job.ProviderMailgun, d.Kind())
}

func TestBreakerResetsOnSuccess(t *testing.T) {
	stub := &stubDriver{
		kind: job.ProviderSendGrid,
		send: func(calls int) (*SendResult, error) {
			if calls == 4 {
				return &SendResult{MessageID: "ok"}, nil
			}
			return nil, Transient("flaky")
		},
	}
	d := WithBreaker(stub)

	for i := 0; i < 3; i++ {
		_, err := d.Send(context.Background(), testMessage())
		require.Error(t, err)
	}
	_, err := d.Send(context.Background(), testMessage())
	require.NoError(t, err)

	// The success cleared the consecutive-failure count; three more
	// failures still leave the circuit closed.
	for i := 0; i < 3; i++ {
		_, err = d.Send(context.Background(), testMessage())
		require.Error(t, err)
		assert.Equal(t, "flaky", err.Error())
	}
}
