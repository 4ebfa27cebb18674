package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/freeCoder-ahl/Jupiter/internal/acceptor"
	"github.com/freeCoder-ahl/Jupiter/internal/wire"
)

// EventHandler receives the per-connection event stream. Events for
// one connection are delivered sequentially from a single goroutine;
// implementations may be shared across connections.
type EventHandler interface {
	OnConnect(acceptor.Conn)
	OnDisconnect(acceptor.Conn)
	OnMessage(acceptor.Conn, wire.Payload)
	OnWritabilityChanged(acceptor.Conn)
	OnFault(acceptor.Conn, error)
}

// connEvent is one item in the per-connection event stream: a decoded
// payload or a raised fault, never both.
type connEvent struct {
	payload wire.Payload
	fault   error
}

// connConfig carries the per-connection tunables the server derives
// from its configuration.
type connConfig struct {
	highWatermark int64
	lowWatermark  int64
	readBufSize   int
	writeBufSize  int
	maxBodyBytes  uint32
	eventQueue    int
	idleTimeout   time.Duration
	writeTimeout  time.Duration
}

// Conn is one accepted connection: the socket, its frame decoder, the
// outbound queue and the goroutines that animate them. A reader
// decodes frames into events, a writer drains the outbound queue onto
// the socket, and the event loop in run delivers everything to the
// EventHandler one event at a time.
//
// Conn implements acceptor.Conn.
type Conn struct {
	id   uint64
	sock net.Conn

	dec  *wire.Decoder
	out  *outboundQueue
	gate *readGate

	// events carries decoded payloads and raised faults to the event
	// loop. writeKick coalesces writability notifications; the loop
	// reads the queue state and reports only genuine flips.
	events    chan connEvent
	writeKick chan struct{}

	closeOnce sync.Once
	closed    chan struct{} // closed when teardown starts

	ioDone sync.WaitGroup // reader and writer goroutines

	idleTimeout  time.Duration
	writeTimeout time.Duration
	writeBufSize int

	// attachment is the per-connection slot carrying the reply channel.
	// Only the event loop goroutine touches it.
	attachment any
}

var _ acceptor.Conn = (*Conn)(nil)

func newConn(id uint64, sock net.Conn, cfg connConfig) *Conn {
	return &Conn{
		id:           id,
		sock:         sock,
		dec:          wire.NewDecoder(bufio.NewReaderSize(sock, cfg.readBufSize), cfg.maxBodyBytes),
		out:          newOutboundQueue(cfg.highWatermark, cfg.lowWatermark),
		gate:         newReadGate(),
		events:       make(chan connEvent, cfg.eventQueue),
		writeKick:    make(chan struct{}, 1),
		closed:       make(chan struct{}),
		idleTimeout:  cfg.idleTimeout,
		writeTimeout: cfg.writeTimeout,
		writeBufSize: cfg.writeBufSize,
	}
}

// ID implements acceptor.Conn.
func (c *Conn) ID() uint64 { return c.id }

// RemoteAddr implements acceptor.Conn.
func (c *Conn) RemoteAddr() net.Addr { return c.sock.RemoteAddr() }

// IsWritable implements acceptor.Conn.
func (c *Conn) IsWritable() bool { return c.out.isWritable() }

// HighWatermark implements acceptor.Conn.
func (c *Conn) HighWatermark() int64 { return c.out.high }

// LowWatermark implements acceptor.Conn.
func (c *Conn) LowWatermark() int64 { return c.out.low }

// PendingWrites implements acceptor.Conn.
func (c *Conn) PendingWrites() int { return c.out.pendingFrames() }

// PendingBytes reports the wire size of the queued outbound frames.
func (c *Conn) PendingBytes() int64 { return c.out.pendingBytes() }

// SetReadEnabled implements acceptor.Conn.
func (c *Conn) SetReadEnabled(enabled bool) { c.gate.set(enabled) }

// EnqueueWrite implements acceptor.Conn. The queue owns f from this
// point; on a closed connection the frame is released and the error
// reported.
func (c *Conn) EnqueueWrite(f *wire.Frame) error {
	engaged, err := c.out.enqueue(f)
	if err != nil {
		return err
	}
	if engaged {
		c.kickWritability()
	}
	return nil
}

// Attachment implements acceptor.Conn.
func (c *Conn) Attachment() any { return c.attachment }

// SetAttachment implements acceptor.Conn.
func (c *Conn) SetAttachment(v any) { c.attachment = v }

// Close starts teardown: the socket closes, which unblocks both I/O
// goroutines, and the event loop finishes with the disconnect event.
// Close is idempotent, never blocks and never raises a fault of its
// own.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.sock.Close()
		c.gate.close()
		c.out.close()
	})
}

func (c *Conn) kickWritability() {
	select {
	case c.writeKick <- struct{}{}:
	default:
	}
}

// run drives the connection to completion: it announces the connect,
// delivers events in arrival order and announces the disconnect once
// both I/O goroutines have stopped. Teardown takes priority over
// buffered events, so nothing is dispatched after Close.
func (c *Conn) run(h EventHandler) {
	c.ioDone.Add(2)
	go c.readLoop()
	go c.writeLoop()

	h.OnConnect(c)

	writable := true
	for {
		select {
		case <-c.closed:
			c.finish(h)
			return
		default:
		}

		select {
		case ev := <-c.events:
			if ev.fault != nil {
				h.OnFault(c, ev.fault)
				continue
			}
			h.OnMessage(c, ev.payload)

		case <-c.writeKick:
			if w := c.out.isWritable(); w != writable {
				writable = w
				h.OnWritabilityChanged(c)
			}

		case <-c.closed:
			c.finish(h)
			return
		}
	}
}

// finish waits out the I/O goroutines, releases undelivered payloads
// and fires the disconnect event.
func (c *Conn) finish(h EventHandler) {
	c.ioDone.Wait()
	for {
		select {
		case ev := <-c.events:
			if ev.payload != nil {
				ev.payload.Release()
			}
		default:
			h.OnDisconnect(c)
			return
		}
	}
}

// readLoop decodes inbound frames into events. It parks on the read
// gate while the connection is backpressured. Heartbeats are consumed
// here; their only effect is the refreshed idle deadline. The loop
// exits on the first read failure, which is always terminal for the
// inbound side.
func (c *Conn) readLoop() {
	defer c.ioDone.Done()
	for {
		if err := c.gate.wait(); err != nil {
			return
		}
		if c.idleTimeout > 0 {
			_ = c.sock.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
		payload, err := c.dec.ReadMessage()
		if err != nil {
			c.deliverReadFailure(err)
			return
		}
		if payload.Type() == wire.MessageHeartbeat {
			payload.Release()
			continue
		}
		select {
		case c.events <- connEvent{payload: payload}:
		case <-c.closed:
			payload.Release()
			return
		}
	}
}

// deliverReadFailure maps a read error to its event: EOF between
// frames is an orderly disconnect, a missed idle deadline becomes the
// reader-idle signal, everything else is raised as the fault it is.
func (c *Conn) deliverReadFailure(err error) {
	if err == io.EOF {
		c.Close()
		return
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		err = fmt.Errorf("%w: no inbound frame within %v", wire.SignalReaderIdle, c.idleTimeout)
	}
	c.deliverFault(err)
}

func (c *Conn) deliverFault(err error) {
	select {
	case c.events <- connEvent{fault: err}:
	case <-c.closed:
	}
}

// writeLoop drains the outbound queue onto the socket, flushing once
// the queue goes empty. A write failure is raised as a fault and stops
// the loop; the queue keeps absorbing frames until Close releases
// them.
func (c *Conn) writeLoop() {
	defer c.ioDone.Done()
	bw := bufio.NewWriterSize(c.sock, c.writeBufSize)
	for {
		f, restored, err := c.out.dequeue()
		if err != nil {
			return
		}
		if restored {
			c.kickWritability()
		}

		if c.writeTimeout > 0 {
			_ = c.sock.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		}
		_, werr := f.WriteTo(bw)
		f.Release()
		if werr == nil && c.out.pendingFrames() == 0 {
			werr = bw.Flush()
		}
		if werr != nil {
			c.deliverFault(werr)
			return
		}
	}
}
