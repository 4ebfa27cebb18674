package client_test

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeCoder-ahl/Jupiter/internal/client"
	"github.com/freeCoder-ahl/Jupiter/internal/wire"
)

// servePipe answers frames on the server side of a pipe. The handler
// returns the response frame for each request, or nil to stay silent.
// Heartbeats are counted on hb.
func servePipe(conn net.Conn, hb chan<- struct{}, handle func(*wire.RequestPayload) *wire.Frame) {
	go func() {
		dec := wire.NewDecoder(bufio.NewReader(conn), 0)
		for {
			payload, err := dec.ReadMessage()
			if err != nil {
				return
			}
			if payload.Type() == wire.MessageHeartbeat {
				payload.Release()
				if hb != nil {
					hb <- struct{}{}
				}
				continue
			}
			req, ok := payload.(*wire.RequestPayload)
			if !ok {
				payload.Release()
				continue
			}
			f := handle(req)
			req.Release()
			if f == nil {
				continue
			}
			_, err = f.WriteTo(conn)
			f.Release()
			if err != nil {
				return
			}
		}
	}()
}

// echoArgs answers OK with the decoded call arguments.
func echoArgs(req *wire.RequestPayload) *wire.Frame {
	_, args, err := wire.DecodeCall(req.Body())
	if err != nil {
		return wire.NewResponseFrame(req.InvokeID, wire.StatusBadRequest, []byte(err.Error()))
	}
	return wire.NewResponseFrame(req.InvokeID, wire.StatusOK, args)
}

func newPipeClient(t *testing.T, handle func(*wire.RequestPayload) *wire.Frame) (*client.Client, net.Conn) {
	t.Helper()
	srv, cli := net.Pipe()
	if handle != nil {
		servePipe(srv, nil, handle)
	}
	c := client.NewClient(cli)
	t.Cleanup(func() {
		_ = c.Close()
		_ = srv.Close()
	})
	return c, srv
}

func TestClientCallEcho(t *testing.T) {
	c, _ := newPipeClient(t, echoArgs)

	got, status, err := c.Call(context.Background(), "echo", []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, status)
	assert.Equal(t, []byte("abc"), got)
}

func TestClientNonOKStatusIsNotAnError(t *testing.T) {
	c, _ := newPipeClient(t, func(req *wire.RequestPayload) *wire.Frame {
		return wire.NewResponseFrame(req.InvokeID, wire.StatusServiceNotFound, []byte("no such service"))
	})

	body, status, err := c.Call(context.Background(), "ghost", nil)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusServiceNotFound, status)
	assert.Equal(t, "no such service", string(body))
}

func TestClientConcurrentCalls(t *testing.T) {
	c, _ := newPipeClient(t, echoArgs)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			arg := []byte{byte(i), byte(i + 1)}
			got, status, err := c.Call(context.Background(), "echo", arg)
			assert.NoError(t, err)
			assert.Equal(t, wire.StatusOK, status)
			assert.Equal(t, arg, got)
		}(i)
	}
	wg.Wait()
}

func TestClientMatchesOutOfOrderResponses(t *testing.T) {
	srv, cli := net.Pipe()
	c := client.NewClient(cli)
	t.Cleanup(func() {
		_ = c.Close()
		_ = srv.Close()
	})

	// Collect two requests, then answer them in reverse order.
	go func() {
		dec := wire.NewDecoder(bufio.NewReader(srv), 0)
		var reqs []*wire.RequestPayload
		for len(reqs) < 2 {
			payload, err := dec.ReadMessage()
			if err != nil {
				return
			}
			req, ok := payload.(*wire.RequestPayload)
			if !ok {
				payload.Release()
				continue
			}
			reqs = append(reqs, req)
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			f := echoArgs(reqs[i])
			reqs[i].Release()
			_, _ = f.WriteTo(srv)
			f.Release()
		}
	}()

	var wg sync.WaitGroup
	for _, arg := range []string{"first", "second"} {
		wg.Add(1)
		go func(arg string) {
			defer wg.Done()
			got, status, err := c.Call(context.Background(), "echo", []byte(arg))
			assert.NoError(t, err)
			assert.Equal(t, wire.StatusOK, status)
			assert.Equal(t, arg, string(got))
		}(arg)
	}
	wg.Wait()
}

func TestClientCallContextExpiry(t *testing.T) {
	c, _ := newPipeClient(t, func(*wire.RequestPayload) *wire.Frame {
		return nil // never answer
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err := c.Call(ctx, "echo", []byte("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientServerDisconnectFailsCalls(t *testing.T) {
	srv, cli := net.Pipe()
	c := client.NewClient(cli)
	t.Cleanup(func() { _ = c.Close() })

	// Swallow the request, then hang up without answering.
	go func() {
		dec := wire.NewDecoder(bufio.NewReader(srv), 0)
		payload, err := dec.ReadMessage()
		if err == nil {
			payload.Release()
		}
		_ = srv.Close()
	}()

	_, _, err := c.Call(context.Background(), "echo", []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, io.EOF)

	// The failure sticks for later calls.
	_, _, err = c.Call(context.Background(), "echo", []byte("y"))
	assert.ErrorIs(t, err, io.EOF)
}

func TestClientHeartbeat(t *testing.T) {
	srv, cli := net.Pipe()
	hb := make(chan struct{}, 4)
	servePipe(srv, hb, echoArgs)
	c := client.NewClient(cli)
	t.Cleanup(func() {
		_ = c.Close()
		_ = srv.Close()
	})

	require.NoError(t, c.Heartbeat())
	require.NoError(t, c.Heartbeat())

	for i := 0; i < 2; i++ {
		select {
		case <-hb:
		case <-time.After(2 * time.Second):
			t.Fatal("heartbeat never reached the server")
		}
	}

	// The connection still works for calls afterwards.
	got, status, err := c.Call(context.Background(), "echo", []byte("alive"))
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, status)
	assert.Equal(t, []byte("alive"), got)
}

func TestClientCloseFailsPendingAndFutureCalls(t *testing.T) {
	c, _ := newPipeClient(t, func(*wire.RequestPayload) *wire.Frame {
		return nil // never answer
	})

	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.Call(context.Background(), "echo", []byte("x"))
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, c.Close())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, client.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call did not fail after Close")
	}

	_, _, err := c.Call(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, client.ErrClosed)
}

func TestClientRejectsEmptyServiceName(t *testing.T) {
	c, _ := newPipeClient(t, echoArgs)

	_, _, err := c.Call(context.Background(), "", nil)
	assert.ErrorIs(t, err, wire.ErrBadCall)
}
