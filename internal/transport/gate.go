package transport

import (
	"net"
	"sync"
)

// readGate parks the reader goroutine while inbound reads are disabled.
// It is the switch the event handler flips when a connection stops
// being writable: disabling stops future reads, a read already in
// flight still completes.
type readGate struct {
	mu   sync.Mutex
	cond *sync.Cond

	enabled bool
	closed  bool
}

func newReadGate() *readGate {
	g := &readGate{enabled: true}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// set flips the gate. Enabling wakes a parked reader; repeated sets of
// the same state are no-ops.
func (g *readGate) set(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.enabled == enabled {
		return
	}
	g.enabled = enabled
	if enabled {
		g.cond.Broadcast()
	}
}

// enabledNow reports the gate state at this instant.
func (g *readGate) enabledNow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled && !g.closed
}

// wait parks until the gate is enabled. It returns net.ErrClosed once
// the gate has been closed.
func (g *readGate) wait() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for !g.enabled && !g.closed {
		g.cond.Wait()
	}
	if g.closed {
		return net.ErrClosed
	}
	return nil
}

// close releases any parked reader permanently.
func (g *readGate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	g.cond.Broadcast()
}
