package utils

import (
	"context"
	"errors"
	"net"
	"strings"
)

// recoverableMessages are error fragments that indicate a transient store or
// network condition worth retrying.
var recoverableMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"server selection timeout",
	"deadlock detected",
	"could not serialize access",
	"too many connections",
	"driver: bad connection",
}

// IsRecoverableError checks whether an error is likely transient, so the
// operation that produced it may be retried.
func IsRecoverableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, recoverable := range recoverableMessages {
		if strings.Contains(msg, recoverable) {
			return true
		}
	}
	return false
}
