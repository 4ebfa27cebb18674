package wire

import (
	"sync"
	"sync/atomic"
)

// Payload is a decoded inbound message. Implementations hold a pooled
// body buffer; whoever ends up owning the payload must call Release
// exactly once when done with it.
type Payload interface {
	// Type reports what kind of frame the payload was decoded from.
	Type() MessageType
	// Release returns the payload's buffer to the pool. Further calls
	// are no-ops.
	Release()
}

// RequestPayload is a decoded request envelope. Ownership moves from
// the decoder to the dispatcher for the duration of one dispatch call
// and then to the processor, which releases it.
type RequestPayload struct {
	InvokeID uint64

	body     []byte
	released atomic.Bool
}

// Type implements Payload.
func (p *RequestPayload) Type() MessageType { return MessageRequest }

// Body returns the raw request body. The slice is only valid until
// Release is called.
func (p *RequestPayload) Body() []byte { return p.body }

// Release implements Payload.
func (p *RequestPayload) Release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	putBuf(p.body)
	p.body = nil
}

// ResponsePayload is a decoded response frame. A server-side acceptor
// never expects one; receiving it means the peer is violating the
// request/response contract, and the dispatcher discards it.
type ResponsePayload struct {
	InvokeID uint64
	Status   Status

	body     []byte
	released atomic.Bool
}

// Type implements Payload.
func (p *ResponsePayload) Type() MessageType { return MessageResponse }

// Body returns the raw response body. The slice is only valid until
// Release is called.
func (p *ResponsePayload) Body() []byte { return p.body }

// Release implements Payload.
func (p *ResponsePayload) Release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	putBuf(p.body)
	p.body = nil
}

// NewRequestPayload builds a request envelope over a copy of body. It
// serves dispatch paths that do not go through a Decoder.
func NewRequestPayload(invokeID uint64, body []byte) *RequestPayload {
	b := getBuf(len(body))
	copy(b, body)
	return &RequestPayload{InvokeID: invokeID, body: b}
}

// NewResponsePayload builds a response payload over a copy of body.
func NewResponsePayload(invokeID uint64, status Status, body []byte) *ResponsePayload {
	b := getBuf(len(body))
	copy(b, body)
	return &ResponsePayload{InvokeID: invokeID, Status: status, body: b}
}

// HeartbeatPayload marks a decoded keepalive frame. It carries nothing
// and is consumed inside the transport.
type HeartbeatPayload struct{}

// Type implements Payload.
func (HeartbeatPayload) Type() MessageType { return MessageHeartbeat }

// Release implements Payload.
func (HeartbeatPayload) Release() {}

// Body buffers are pooled per process. Buffers above poolMaxCap are let
// go to the collector instead of pinning large allocations in the pool.
const poolMaxCap = 64 << 10

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 4096)
		return &b
	},
}

// getBuf returns a pooled buffer of length n.
func getBuf(n int) []byte {
	if n == 0 {
		return nil
	}
	bp := bufPool.Get().(*[]byte)
	b := *bp
	if cap(b) < n {
		bufPool.Put(bp)
		return make([]byte, n)
	}
	return b[:n]
}

// putBuf returns a buffer to the pool.
func putBuf(b []byte) {
	if b == nil || cap(b) > poolMaxCap {
		return
	}
	b = b[:0]
	bufPool.Put(&b)
}
