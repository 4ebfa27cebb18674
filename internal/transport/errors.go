package transport

import (
	"errors"
	"fmt"
	"net"
)

// ErrServerClosed is returned by Serve after a shutdown-driven drain
// completes.
var ErrServerClosed = errors.New("transport: server closed")

// errConnClosed is raised by operations on a torn-down connection. It
// wraps net.ErrClosed so the fault classifier files it under transport
// I/O, where the resulting close of an already-closed connection is a
// no-op.
var errConnClosed = fmt.Errorf("transport: connection %w", net.ErrClosed)
