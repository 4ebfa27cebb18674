package acceptor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/freeCoder-ahl/Jupiter/internal/wire"
)

// FaultKind is the classification a fault receives before disposition.
type FaultKind int

const (
	// FaultUnclassified covers faults with no transport significance.
	// The connection is left open.
	FaultUnclassified FaultKind = iota

	// FaultSignal marks a protocol violation raised by the framing
	// layer. The connection is force-closed.
	FaultSignal

	// FaultTransportIO marks an error from the socket itself. The
	// connection is force-closed.
	FaultTransportIO
)

// String returns the label used in logs and metrics.
func (k FaultKind) String() string {
	switch k {
	case FaultSignal:
		return "signal"
	case FaultTransportIO:
		return "io"
	default:
		return "unclassified"
	}
}

// Classify buckets a fault by inspecting its error chain. Signals win
// over transport errors, so a violation wrapped in I/O context keeps
// its name.
func Classify(err error) FaultKind {
	var sig *wire.Signal
	if errors.As(err, &sig) {
		return FaultSignal
	}
	if isTransportErr(err) {
		return FaultTransportIO
	}
	return FaultUnclassified
}

func isTransportErr(err error) bool {
	var (
		opErr  *net.OpError
		sysErr *os.SyscallError
		errno  syscall.Errno
	)
	if errors.As(err, &opErr) || errors.As(err, &sysErr) || errors.As(err, &errno) {
		return true
	}
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}

// PanicError carries a recovered panic value across the fault path,
// preserving the goroutine stack captured at recovery time.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements error.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error, so
// classification sees through panicking code that raised a typed
// fault.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
