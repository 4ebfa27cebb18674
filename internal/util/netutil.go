package util

import (
	"errors"
	"net"
	"time"
)

// IsClosedConnError reports whether err is what a blocked Accept or
// Read returns once its socket has been closed out from under it.
func IsClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// NextAcceptDelay returns the backoff to sleep after a temporary
// Accept failure: 5ms doubling per retry, capped at one second.
func NextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if max := 1 * time.Second; d > max {
		return max
	}
	return d
}
