package worker

import (
	"context"
	"errors"
	"net"

	"github.com/ignite/email-dispatch/internal/provider"
)

// retriable decides whether a failed dispatch may be tried again. Driver
// errors carry their own verdict. For unclassified errors, network and
// timeout failures always retry; anything else retries only on the first
// attempt and is permanent afterward.
func retriable(err error, attemptCount int) bool {
	if provider.IsTransient(err) {
		return true
	}
	if provider.IsPermanent(err) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return attemptCount == 0
}
