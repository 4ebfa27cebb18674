// Package metrics exposes Prometheus instrumentation for the acceptor
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fault kind labels used by RecordFault.
const (
	KindSignal       = "signal"
	KindTransportIO  = "io"
	KindUnclassified = "unclassified"
)

// Metrics tracks acceptor-side Prometheus metrics.
//
// All metrics use the jupiter_ prefix. A nil *Metrics is valid and
// turns every Record method into a no-op, so callers never branch on
// whether metrics are enabled.
type Metrics struct {
	// ConnectionsTotal counts connections ever accepted.
	ConnectionsTotal prometheus.Counter

	// ConnectionsActive tracks currently registered connections.
	ConnectionsActive prometheus.Gauge

	// RequestsDispatched counts request envelopes handed to the processor.
	RequestsDispatched prometheus.Counter

	// DispatchFaults counts faults raised while handling a request.
	DispatchFaults prometheus.Counter

	// UnexpectedMessages counts inbound payloads that were not request
	// envelopes and were discarded.
	UnexpectedMessages prometheus.Counter

	// WritabilityTransitions counts backpressure flips by state
	// ("engaged" when a connection stops being writable, "released"
	// when it recovers).
	WritabilityTransitions *prometheus.CounterVec

	// FaultsTotal counts classified faults by kind.
	FaultsTotal *prometheus.CounterVec

	// ForcedCloses counts connections closed by the fault classifier.
	ForcedCloses prometheus.Counter
}

// New creates acceptor metrics and registers them with reg. It panics
// if registration fails, which only happens when the same collector is
// registered twice.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "jupiter_connections_total",
				Help: "Total connections accepted",
			},
		),
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "jupiter_connections_active",
				Help: "Connections currently registered",
			},
		),
		RequestsDispatched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "jupiter_requests_dispatched_total",
				Help: "Request envelopes handed to the processor",
			},
		),
		DispatchFaults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "jupiter_dispatch_faults_total",
				Help: "Faults raised while handling a request",
			},
		),
		UnexpectedMessages: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "jupiter_unexpected_messages_total",
				Help: "Inbound payloads discarded for not being request envelopes",
			},
		),
		WritabilityTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jupiter_writability_transitions_total",
				Help: "Backpressure transitions by state",
			},
			[]string{"state"}, // "engaged", "released"
		),
		FaultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jupiter_faults_total",
				Help: "Classified faults by kind",
			},
			[]string{"kind"}, // "signal", "io", "unclassified"
		),
		ForcedCloses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "jupiter_forced_closes_total",
				Help: "Connections force-closed by the fault classifier",
			},
		),
	}

	reg.MustRegister(
		m.ConnectionsTotal,
		m.ConnectionsActive,
		m.RequestsDispatched,
		m.DispatchFaults,
		m.UnexpectedMessages,
		m.WritabilityTransitions,
		m.FaultsTotal,
		m.ForcedCloses,
	)

	return m
}

// Null returns nil, which acts as a no-op metrics collector. All
// Metrics methods handle a nil receiver gracefully.
func Null() *Metrics {
	return nil
}

// RecordConnect records a newly registered connection.
func (m *Metrics) RecordConnect() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// RecordDisconnect records a deregistered connection.
func (m *Metrics) RecordDisconnect() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// RecordDispatch records a request envelope handed to the processor.
func (m *Metrics) RecordDispatch() {
	if m == nil {
		return
	}
	m.RequestsDispatched.Inc()
}

// RecordDispatchFault records a fault raised while handling a request.
func (m *Metrics) RecordDispatchFault() {
	if m == nil {
		return
	}
	m.DispatchFaults.Inc()
}

// RecordUnexpectedMessage records a discarded non-request payload.
func (m *Metrics) RecordUnexpectedMessage() {
	if m == nil {
		return
	}
	m.UnexpectedMessages.Inc()
}

// RecordWritability records a backpressure transition. writable is the
// state the connection flipped to.
func (m *Metrics) RecordWritability(writable bool) {
	if m == nil {
		return
	}
	state := "engaged"
	if writable {
		state = "released"
	}
	m.WritabilityTransitions.WithLabelValues(state).Inc()
}

// RecordFault records a classified fault.
func (m *Metrics) RecordFault(kind string) {
	if m == nil {
		return
	}
	m.FaultsTotal.WithLabelValues(kind).Inc()
}

// RecordForcedClose records a connection closed by the classifier.
func (m *Metrics) RecordForcedClose() {
	if m == nil {
		return
	}
	m.ForcedCloses.Inc()
}

// NewHTTPServer returns an http.Server exposing reg at /metrics plus a
// trivial /healthz probe.
func NewHTTPServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &http.Server{Addr: addr, Handler: mux}
}
