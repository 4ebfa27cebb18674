package acceptor

import (
	"fmt"
	"net"

	"github.com/freeCoder-ahl/Jupiter/internal/wire"
)

// Channel is the reply handle the processor and its services use to
// reach one peer. It is attached to the connection the first time a
// request arrives and reused for the rest of the connection's life.
type Channel struct {
	conn Conn
}

// AttachChannel returns the Channel attached to c, creating and
// attaching one on first use. It runs on the connection's event
// goroutine, which is the only writer of the attachment slot.
func AttachChannel(c Conn) *Channel {
	if ch, ok := c.Attachment().(*Channel); ok {
		return ch
	}
	ch := &Channel{conn: c}
	c.SetAttachment(ch)
	return ch
}

// ID reports the connection identity.
func (ch *Channel) ID() uint64 { return ch.conn.ID() }

// RemoteAddr reports the peer address.
func (ch *Channel) RemoteAddr() net.Addr { return ch.conn.RemoteAddr() }

// IsWritable mirrors the connection's backpressure state. Services may
// consult it to shed output instead of queueing more.
func (ch *Channel) IsWritable() bool { return ch.conn.IsWritable() }

// Write enqueues f for delivery and never blocks. The transport owns
// the frame from this point, including on error.
func (ch *Channel) Write(f *wire.Frame) error { return ch.conn.EnqueueWrite(f) }

// Close tears down the underlying connection.
func (ch *Channel) Close() { ch.conn.Close() }

// String implements fmt.Stringer for log fields.
func (ch *Channel) String() string {
	return fmt.Sprintf("channel-%d %s", ch.conn.ID(), remote(ch.conn))
}
