package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ignite/email-dispatch/internal/provider"
)

func TestRetriableDriverVerdictWins(t *testing.T) {
	assert.True(t, retriable(provider.Transient("503"), 0))
	assert.True(t, retriable(provider.Transient("503"), 5))
	assert.False(t, retriable(provider.Permanent("bad address"), 0))
	assert.False(t, retriable(provider.Permanent("bad address"), 5))
}

func TestRetriableWrappedDriverVerdict(t *testing.T) {
	wrapped := fmt.Errorf("dispatch: %w", provider.Permanent("rejected"))
	assert.False(t, retriable(wrapped, 0))
}

func TestRetriableNetworkErrors(t *testing.T) {
	dns := &net.DNSError{Err: "timeout", IsTimeout: true}
	assert.True(t, retriable(dns, 0))
	assert.True(t, retriable(dns, 2))

	op := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	assert.True(t, retriable(op, 2))
}

func TestRetriableDeadline(t *testing.T) {
	assert.True(t, retriable(context.DeadlineExceeded, 2))
	assert.True(t, retriable(fmt.Errorf("send: %w", context.DeadlineExceeded), 2))
}

func TestRetriableUnknownErrorsConservative(t *testing.T) {
	plain := errors.New("something odd")
	assert.True(t, retriable(plain, 0))
	assert.False(t, retriable(plain, 1))
	assert.False(t, retriable(plain, 2))
}
