// Package testutil hosts the in-process daemon harness shared by the
// end-to-end tests: a fully wired server on loopback listeners, plus
// helpers for reading its metrics back.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeCoder-ahl/Jupiter/internal/acceptor"
	"github.com/freeCoder-ahl/Jupiter/internal/config"
	"github.com/freeCoder-ahl/Jupiter/internal/logger"
	"github.com/freeCoder-ahl/Jupiter/internal/metrics"
	"github.com/freeCoder-ahl/Jupiter/internal/processor"
	"github.com/freeCoder-ahl/Jupiter/internal/transport"
)

// Daemon is one running server instance under test. Both listeners are
// bound to loopback port zero; the bound addresses are read back from
// the transport.
type Daemon struct {
	Config    *config.Config
	Handler   *acceptor.Handler
	Registry  *processor.Registry
	Prom      *prometheus.Registry
	Processor *processor.Processor

	server *transport.Server
}

// StartDaemon assembles and starts a daemon the way main does, with
// test-friendly defaults. mutate, when non-nil, adjusts the config
// before startup; extra services are registered alongside the
// built-ins. The daemon stops with the test.
func StartDaemon(t *testing.T, mutate func(*config.Config), extra map[string]processor.Service) *Daemon {
	t.Helper()

	cfg := config.Default()
	*cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.WSListenAddr = new(string)
	*cfg.Server.WSListenAddr = "127.0.0.1:0"
	*cfg.Server.ShutdownGrace = config.Duration(250 * time.Millisecond)
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	registry := processor.NewRegistry()
	require.NoError(t, processor.RegisterBuiltins(registry))
	for name, svc := range extra {
		require.NoError(t, registry.Register(name, svc))
	}

	lg := logger.Nop()
	proc := processor.New(registry, lg, cfg.Processor)

	prom := prometheus.NewRegistry()
	handler := acceptor.New(proc, lg, acceptor.WithMetrics(metrics.New(prom)))

	srv, err := transport.NewServer(cfg, lg, handler)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	proc.Start()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, transport.ErrServerClosed)
		case <-time.After(10 * time.Second):
			t.Fatal("daemon did not shut down")
		}
		proc.Shutdown()
	})

	return &Daemon{
		Config:    cfg,
		Handler:   handler,
		Registry:  registry,
		Prom:      prom,
		Processor: proc,
		server:    srv,
	}
}

// TCPAddr returns the bound TCP listener address.
func (d *Daemon) TCPAddr() string {
	return d.server.TCPAddr().String()
}

// WSURL returns the dialable WebSocket endpoint.
func (d *Daemon) WSURL() string {
	return fmt.Sprintf("ws://%s%s", d.server.WSAddr(), *d.Config.Server.WSPath)
}

// MetricValue reads one counter or gauge from the daemon's registry,
// matching labels exactly. Absent series read as zero.
func (d *Daemon) MetricValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := d.Prom.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if len(m.GetLabel()) != len(labels) {
				continue
			}
			matched := true
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					matched = false
					break
				}
			}
			if !matched {
				continue
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}
