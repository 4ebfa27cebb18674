// Package client implements a synchronous caller for the frame
// protocol: concurrent calls multiplex over one connection and are
// matched back to their callers by invoke ID.
package client

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/freeCoder-ahl/Jupiter/internal/logger"
	"github.com/freeCoder-ahl/Jupiter/internal/transport"
	"github.com/freeCoder-ahl/Jupiter/internal/wire"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("client: closed")

// Client is one connection to a server. It is safe for concurrent use;
// every in-flight Call owns a distinct invoke ID.
type Client struct {
	conn net.Conn
	log  *logger.Logger

	wmu sync.Mutex // serializes frame writes

	mu      sync.Mutex
	pending map[uint64]chan *wire.ResponsePayload
	failure error
	done    chan struct{}

	nextID    atomic.Uint64
	closeOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithLogger attaches a logger; the default discards everything.
func WithLogger(log *logger.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient wraps an established connection and starts its read loop.
// The Client owns the connection from this point.
func NewClient(conn net.Conn, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		log:     logger.Nop(),
		pending: make(map[uint64]chan *wire.ResponsePayload),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// Dial connects to a TCP server.
func Dial(addr string, opts ...Option) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, opts...), nil
}

// DialWS connects to a WebSocket server, url being a ws:// or wss://
// endpoint.
func DialWS(url string, opts ...Option) (*Client, error) {
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return NewClient(transport.WrapWS(ws), opts...), nil
}

// Call invokes service with args and blocks for the response. The
// returned status is the server's verdict; a non-OK status is not an
// error here, the body then carries the server's message. The error
// covers transport failures and ctx expiry.
func (c *Client) Call(ctx context.Context, service string, args []byte) ([]byte, wire.Status, error) {
	body, err := wire.EncodeCall(service, args)
	if err != nil {
		return nil, wire.StatusNone, err
	}

	id := c.nextID.Add(1)
	respCh := make(chan *wire.ResponsePayload, 1)

	c.mu.Lock()
	if c.failure != nil {
		err := c.failure
		c.mu.Unlock()
		return nil, wire.StatusNone, err
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	f := wire.NewRequestFrame(id, body)
	c.wmu.Lock()
	_, err = f.WriteTo(c.conn)
	c.wmu.Unlock()
	f.Release()
	if err != nil {
		c.unregister(id, respCh)
		return nil, wire.StatusNone, err
	}

	select {
	case resp := <-respCh:
		result := append([]byte(nil), resp.Body()...)
		status := resp.Status
		resp.Release()
		return result, status, nil

	case <-ctx.Done():
		c.unregister(id, respCh)
		return nil, wire.StatusNone, ctx.Err()

	case <-c.done:
		select {
		case resp := <-respCh:
			result := append([]byte(nil), resp.Body()...)
			status := resp.Status
			resp.Release()
			return result, status, nil
		default:
		}
		return nil, wire.StatusNone, c.err()
	}
}

// Heartbeat sends one keepalive frame.
func (c *Client) Heartbeat() error {
	f := wire.NewHeartbeatFrame()
	c.wmu.Lock()
	_, err := f.WriteTo(c.conn)
	c.wmu.Unlock()
	f.Release()
	return err
}

// Close tears the connection down. In-flight calls fail with ErrClosed
// unless their response already arrived.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// err reports why the client stopped.
func (c *Client) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure != nil {
		return c.failure
	}
	return ErrClosed
}

// unregister removes a waiter, releasing a response that raced in.
func (c *Client) unregister(id uint64, respCh chan *wire.ResponsePayload) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
	select {
	case resp := <-respCh:
		resp.Release()
	default:
	}
}

// fail records the first failure, wakes every waiter and forgets the
// pending set. Responses already buffered at their waiters still win.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.failure == nil {
		c.failure = err
		c.pending = map[uint64]chan *wire.ResponsePayload{}
		close(c.done)
	}
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	dec := wire.NewDecoder(bufio.NewReader(c.conn), 0)
	for {
		payload, err := dec.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		resp, ok := payload.(*wire.ResponsePayload)
		if !ok {
			c.log.Warn().
				Stringer("message_type", payload.Type()).
				Msg("unexpected message type received")
			payload.Release()
			continue
		}

		c.mu.Lock()
		waiter, ok := c.pending[resp.InvokeID]
		delete(c.pending, resp.InvokeID)
		c.mu.Unlock()
		if !ok {
			// Nobody is waiting: the call timed out or never existed.
			resp.Release()
			continue
		}
		waiter <- resp
	}
}
