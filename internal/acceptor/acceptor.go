// Package acceptor implements the server-side connection event handler:
// lifecycle accounting, request dispatch, backpressure reaction and
// fault disposition for every accepted peer.
package acceptor

import (
	"errors"
	"net"
	"runtime/debug"

	"github.com/freeCoder-ahl/Jupiter/internal/counter"
	"github.com/freeCoder-ahl/Jupiter/internal/logger"
	"github.com/freeCoder-ahl/Jupiter/internal/metrics"
	"github.com/freeCoder-ahl/Jupiter/internal/wire"
)

// Conn is the transport's view of one accepted connection, as consumed
// by the Handler. Implementations must make every method safe to call
// from the connection's event goroutine, and Close plus EnqueueWrite
// safe from any goroutine.
type Conn interface {
	// ID is the monotonically assigned connection identity used in
	// log events.
	ID() uint64

	// RemoteAddr reports the peer address.
	RemoteAddr() net.Addr

	// IsWritable reports whether the outbound queue is currently below
	// its high watermark.
	IsWritable() bool

	// HighWatermark and LowWatermark report the configured outbound
	// queue thresholds in bytes.
	HighWatermark() int64
	LowWatermark() int64

	// PendingWrites reports how many outbound frames are queued but
	// not yet written to the socket.
	PendingWrites() int

	// SetReadEnabled gates inbound reads. Disabling stops the
	// connection from pulling further frames off the socket; a read
	// already in flight still completes.
	SetReadEnabled(enabled bool)

	// EnqueueWrite queues f for delivery without blocking. The
	// connection owns the frame from this point, including on error.
	EnqueueWrite(f *wire.Frame) error

	// Attachment and SetAttachment expose the per-connection slot that
	// carries the reply Channel. Only the event goroutine touches it.
	Attachment() any
	SetAttachment(v any)

	// Close tears the connection down. It is idempotent, never blocks
	// and never raises a further fault into the event path.
	Close()
}

// Processor consumes request envelopes on behalf of registered
// services.
type Processor interface {
	// HandleRequest takes ownership of req and eventually releases it.
	// A returned error or a panic hands ownership back to the caller
	// for the exception path.
	HandleRequest(ch *Channel, req *wire.RequestPayload) error

	// HandleException reports a failed dispatch back to the peer with
	// the given status, then releases req.
	HandleException(ch *Channel, req *wire.RequestPayload, status wire.Status, cause error) error
}

// Handler reacts to connection events delivered by the transport. One
// Handler serves every connection; the only state it keeps is the
// global channel counter, so all methods are safe for concurrent use
// across connections. Events for a single connection must arrive
// sequentially, which the transport's per-connection event loop
// guarantees.
type Handler struct {
	processor Processor
	log       *logger.Logger
	metrics   *metrics.Metrics

	channels counter.Counter
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetrics attaches Prometheus instrumentation. A nil *Metrics is
// accepted and disables recording.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// New builds a Handler dispatching to p.
func New(p Processor, log *logger.Logger, opts ...Option) *Handler {
	h := &Handler{processor: p, log: log}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ActiveChannels reports the number of currently registered
// connections.
func (h *Handler) ActiveChannels() uint64 {
	return h.channels.Value()
}

// OnConnect registers a new connection and logs the grown count.
func (h *Handler) OnConnect(c Conn) {
	defer h.contain("onConnect")

	n := h.channels.Increment()
	h.metrics.RecordConnect()
	h.log.Info().
		Uint64("channel_id", c.ID()).
		Str("remote_addr", remote(c)).
		Uint64("count", n).
		Msg("channel connected")
}

// OnDisconnect deregisters a connection. The logged count is the value
// before the decrement, so it names this channel's position while it
// was still registered.
func (h *Handler) OnDisconnect(c Conn) {
	defer h.contain("onDisconnect")

	n := h.channels.GetAndDecrement()
	h.metrics.RecordDisconnect()
	h.log.Warn().
		Uint64("channel_id", c.ID()).
		Str("remote_addr", remote(c)).
		Uint64("count", n).
		Msg("channel disconnected")
}

// OnMessage routes one decoded payload. Request envelopes are handed to
// the processor; anything else is logged, released and dropped. A fault
// raised by the processor is converted into a server-error reply, and a
// fault raised while converting escalates to OnFault.
func (h *Handler) OnMessage(c Conn, payload wire.Payload) {
	defer h.contain("onMessage")

	req, ok := payload.(*wire.RequestPayload)
	if !ok {
		h.metrics.RecordUnexpectedMessage()
		h.log.Warn().
			Uint64("channel_id", c.ID()).
			Str("remote_addr", remote(c)).
			Stringer("message_type", payload.Type()).
			Msg("unexpected message type received")
		payload.Release()
		return
	}

	ch := AttachChannel(c)
	h.metrics.RecordDispatch()
	if fault := h.dispatch(ch, req); fault != nil {
		h.metrics.RecordDispatchFault()
		if escalated := h.reject(ch, req, fault); escalated != nil {
			h.OnFault(c, escalated)
		}
	}
}

// dispatch runs HandleRequest, converting a panic into a fault error.
func (h *Handler) dispatch(ch *Channel, req *wire.RequestPayload) (fault error) {
	defer func() {
		if r := recover(); r != nil {
			fault = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h.processor.HandleRequest(ch, req)
}

// reject reports a dispatch fault back to the peer as a server error,
// converting a panic into an error for escalation.
func (h *Handler) reject(ch *Channel, req *wire.RequestPayload, cause error) (escalated error) {
	defer func() {
		if r := recover(); r != nil {
			escalated = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h.processor.HandleException(ch, req, wire.StatusServerError, cause)
}

// OnWritabilityChanged reacts to a backpressure flip by gating inbound
// reads: a connection that stopped being writable stops reading, and
// one that recovered resumes.
func (h *Handler) OnWritabilityChanged(c Conn) {
	defer h.contain("onWritabilityChanged")

	if c.IsWritable() {
		h.metrics.RecordWritability(true)
		h.log.Writability().
			Uint64("channel_id", c.ID()).
			Str("remote_addr", remote(c)).
			Int64("low_watermark", c.LowWatermark()).
			Int("pending_writes", c.PendingWrites()).
			Msg("channel is writable again")
		c.SetReadEnabled(true)
		return
	}

	h.metrics.RecordWritability(false)
	h.log.Writability().
		Uint64("channel_id", c.ID()).
		Str("remote_addr", remote(c)).
		Int64("high_watermark", c.HighWatermark()).
		Int("pending_writes", c.PendingWrites()).
		Msg("channel is not writable")
	c.SetReadEnabled(false)
}

// OnFault classifies a raised fault and disposes of the connection
// accordingly: protocol signals and transport errors force the
// connection closed, anything else is logged and the connection stays
// open.
func (h *Handler) OnFault(c Conn, fault error) {
	defer h.contain("onFault")

	kind := Classify(fault)
	h.metrics.RecordFault(kind.String())

	switch kind {
	case FaultSignal:
		var sig *wire.Signal
		errors.As(fault, &sig)
		h.metrics.RecordForcedClose()
		h.log.Error().
			Uint64("channel_id", c.ID()).
			Str("remote_addr", remote(c)).
			Str("signal", sig.Name()).
			Err(fault).
			Msg("i/o signal caught, force closing channel")
		c.Close()

	case FaultTransportIO:
		h.metrics.RecordForcedClose()
		h.log.Error().
			Uint64("channel_id", c.ID()).
			Str("remote_addr", remote(c)).
			Err(fault).
			Msg("i/o fault caught, force closing channel")
		c.Close()

	default:
		ev := h.log.Error().
			Uint64("channel_id", c.ID()).
			Str("remote_addr", remote(c)).
			Err(fault)
		var pe *PanicError
		if errors.As(fault, &pe) {
			ev = ev.Bytes("stack", pe.Stack)
		}
		ev.Msg("unexpected fault caught")
	}
}

// contain is the entry point boundary guard: no event may propagate a
// panic back into the transport. It deliberately touches nothing that
// can fail again, not even the connection, since the panic may have
// come from one of its methods.
func (h *Handler) contain(entry string) {
	if r := recover(); r != nil {
		h.log.Error().
			Str("entry_point", entry).
			Interface("panic", r).
			Bytes("stack", debug.Stack()).
			Msg("panic contained at event boundary")
	}
}

func remote(c Conn) string {
	if addr := c.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
