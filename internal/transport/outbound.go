package transport

import (
	"sync"

	"github.com/freeCoder-ahl/Jupiter/internal/wire"
)

// outboundQueue is the byte-accounted FIFO between EnqueueWrite callers
// and the writer goroutine. Growing to the high watermark flips the
// queue to not-writable; draining to the low watermark flips it back.
// The gap between the two thresholds keeps a queue hovering near one
// mark from flapping.
type outboundQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	frames []*wire.Frame
	head   int
	bytes  int64

	high int64
	low  int64

	writable bool
	closed   bool
}

func newOutboundQueue(high, low int64) *outboundQueue {
	q := &outboundQueue{high: high, low: low, writable: true}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// enqueue appends f, taking ownership of it. The returned flag is true
// when this enqueue crossed the high watermark and engaged
// backpressure.
func (q *outboundQueue) enqueue(f *wire.Frame) (engaged bool, err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		f.Release()
		return false, errConnClosed
	}
	q.frames = append(q.frames, f)
	q.bytes += f.WireSize()
	if q.writable && q.bytes >= q.high {
		q.writable = false
		engaged = true
	}
	q.cond.Signal()
	q.mu.Unlock()
	return engaged, nil
}

// dequeue blocks until a frame is available or the queue closes. The
// returned flag is true when removing the frame drained the queue to
// the low watermark and released backpressure.
func (q *outboundQueue) dequeue() (f *wire.Frame, released bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head == len(q.frames) && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false, errConnClosed
	}

	f = q.frames[q.head]
	q.frames[q.head] = nil
	q.head++
	if q.head == len(q.frames) {
		q.frames = q.frames[:0]
		q.head = 0
	}

	q.bytes -= f.WireSize()
	if !q.writable && q.bytes <= q.low {
		q.writable = true
		released = true
	}
	return f, released, nil
}

// isWritable reports whether the queue is below its high watermark, in
// the hysteresis sense: false from the moment the high mark is hit
// until the drain reaches the low mark.
func (q *outboundQueue) isWritable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.writable
}

// pendingFrames reports how many frames are queued but not dequeued.
func (q *outboundQueue) pendingFrames() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames) - q.head
}

// pendingBytes reports the wire size of everything still queued.
func (q *outboundQueue) pendingBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// close releases every queued frame and wakes a blocked writer. Later
// enqueues fail with errConnClosed.
func (q *outboundQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, f := range q.frames[q.head:] {
		f.Release()
	}
	q.frames = nil
	q.head = 0
	q.bytes = 0
	q.cond.Broadcast()
}
