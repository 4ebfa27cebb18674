package acceptor_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeCoder-ahl/Jupiter/internal/acceptor"
	"github.com/freeCoder-ahl/Jupiter/internal/logger"
	"github.com/freeCoder-ahl/Jupiter/internal/metrics"
	"github.com/freeCoder-ahl/Jupiter/internal/wire"
)

type fakeConn struct {
	id       uint64
	writable bool
	high     int64
	low      int64
	pending  int

	readStates []bool
	enqueued   []*wire.Frame
	enqueueErr error
	attachment any
	closeCalls int
}

func newFakeConn(id uint64) *fakeConn {
	return &fakeConn{id: id, writable: true, high: 64 << 10, low: 32 << 10}
}

func (c *fakeConn) ID() uint64 { return c.id }
func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000 + int(c.id)}
}
func (c *fakeConn) IsWritable() bool      { return c.writable }
func (c *fakeConn) HighWatermark() int64  { return c.high }
func (c *fakeConn) LowWatermark() int64   { return c.low }
func (c *fakeConn) PendingWrites() int    { return c.pending }
func (c *fakeConn) SetReadEnabled(v bool) { c.readStates = append(c.readStates, v) }
func (c *fakeConn) EnqueueWrite(f *wire.Frame) error {
	if c.enqueueErr != nil {
		f.Release()
		return c.enqueueErr
	}
	c.enqueued = append(c.enqueued, f)
	return nil
}
func (c *fakeConn) Attachment() any     { return c.attachment }
func (c *fakeConn) SetAttachment(v any) { c.attachment = v }
func (c *fakeConn) Close()              { c.closeCalls++ }

type exceptionCall struct {
	ch     *acceptor.Channel
	req    *wire.RequestPayload
	status wire.Status
	cause  error
}

type fakeProcessor struct {
	mu sync.Mutex

	requests []*wire.RequestPayload
	channels []*acceptor.Channel

	requestErr   error
	requestPanic any

	exceptions     []exceptionCall
	exceptionErr   error
	exceptionPanic any
}

func (p *fakeProcessor) HandleRequest(ch *acceptor.Channel, req *wire.RequestPayload) error {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.channels = append(p.channels, ch)
	p.mu.Unlock()
	if p.requestPanic != nil {
		panic(p.requestPanic)
	}
	if p.requestErr != nil {
		return p.requestErr
	}
	req.Release()
	return nil
}

func (p *fakeProcessor) HandleException(ch *acceptor.Channel, req *wire.RequestPayload, status wire.Status, cause error) error {
	p.mu.Lock()
	p.exceptions = append(p.exceptions, exceptionCall{ch, req, status, cause})
	p.mu.Unlock()
	if p.exceptionPanic != nil {
		panic(p.exceptionPanic)
	}
	if p.exceptionErr != nil {
		return p.exceptionErr
	}
	req.Release()
	return nil
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		lines = append(lines, m)
	}
	return lines
}

func TestOnConnectCountsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	h := acceptor.New(&fakeProcessor{}, logger.NewTest(&buf))

	h.OnConnect(newFakeConn(1))
	h.OnConnect(newFakeConn(2))
	assert.EqualValues(t, 2, h.ActiveChannels())

	lines := logLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "channel connected", lines[0]["message"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, float64(1), lines[0]["channel_id"])
	assert.Equal(t, float64(1), lines[0]["count"])
	assert.Equal(t, "127.0.0.1:40001", lines[0]["remote_addr"])
	assert.Equal(t, float64(2), lines[1]["count"])
}

func TestOnDisconnectLogsPreDecrementCount(t *testing.T) {
	var buf bytes.Buffer
	h := acceptor.New(&fakeProcessor{}, logger.NewTest(&buf))

	c := newFakeConn(7)
	h.OnConnect(c)
	buf.Reset()
	h.OnDisconnect(c)

	assert.Zero(t, h.ActiveChannels())
	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "channel disconnected", lines[0]["message"])
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, float64(1), lines[0]["count"])
}

func TestConcurrentLifecycleSettlesToZero(t *testing.T) {
	h := acceptor.New(&fakeProcessor{}, logger.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			c := newFakeConn(id)
			h.OnConnect(c)
			h.OnDisconnect(c)
		}(uint64(i))
	}
	wg.Wait()

	assert.Zero(t, h.ActiveChannels())
}

func TestOnMessageDispatchesRequest(t *testing.T) {
	p := &fakeProcessor{}
	h := acceptor.New(p, logger.Nop())
	c := newFakeConn(1)

	req := wire.NewRequestPayload(9, []byte("body"))
	h.OnMessage(c, req)

	require.Len(t, p.requests, 1)
	assert.Same(t, req, p.requests[0])
	require.Len(t, p.channels, 1)
	assert.Equal(t, uint64(1), p.channels[0].ID())
}

func TestAttachChannelIsIdempotent(t *testing.T) {
	p := &fakeProcessor{}
	h := acceptor.New(p, logger.Nop())
	c := newFakeConn(1)

	h.OnMessage(c, wire.NewRequestPayload(1, nil))
	h.OnMessage(c, wire.NewRequestPayload(2, nil))

	require.Len(t, p.channels, 2)
	assert.Same(t, p.channels[0], p.channels[1])
}

func TestChannelDelegatesToConn(t *testing.T) {
	c := newFakeConn(3)
	ch := acceptor.AttachChannel(c)

	assert.Equal(t, uint64(3), ch.ID())
	assert.Equal(t, c.RemoteAddr().String(), ch.RemoteAddr().String())
	assert.True(t, ch.IsWritable())

	f := wire.NewResponseFrame(1, wire.StatusOK, []byte("ok"))
	require.NoError(t, ch.Write(f))
	require.Len(t, c.enqueued, 1)
	assert.Same(t, f, c.enqueued[0])

	ch.Close()
	assert.Equal(t, 1, c.closeCalls)
	assert.Contains(t, ch.String(), "channel-3")
}

func TestOnMessageDiscardsNonRequestPayloads(t *testing.T) {
	var buf bytes.Buffer
	p := &fakeProcessor{}
	h := acceptor.New(p, logger.NewTest(&buf))
	c := newFakeConn(4)

	resp := wire.NewResponsePayload(11, wire.StatusOK, []byte("late reply"))
	h.OnMessage(c, resp)

	assert.Empty(t, p.requests)
	assert.Nil(t, c.attachment)
	assert.Nil(t, resp.Body())

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "unexpected message type received", lines[0]["message"])
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "RESPONSE", lines[0]["message_type"])
}

func TestDispatchFaultConvertsToServerError(t *testing.T) {
	cause := errors.New("service exploded")
	p := &fakeProcessor{requestErr: cause}
	h := acceptor.New(p, logger.Nop())
	c := newFakeConn(5)

	req := wire.NewRequestPayload(21, []byte("x"))
	h.OnMessage(c, req)

	require.Len(t, p.exceptions, 1)
	exc := p.exceptions[0]
	assert.Same(t, req, exc.req)
	assert.Equal(t, wire.StatusServerError, exc.status)
	assert.ErrorIs(t, exc.cause, cause)
	assert.Zero(t, c.closeCalls)
}

func TestDispatchPanicConvertsToServerError(t *testing.T) {
	p := &fakeProcessor{requestPanic: "kaboom"}
	h := acceptor.New(p, logger.Nop())
	c := newFakeConn(6)

	h.OnMessage(c, wire.NewRequestPayload(1, nil))

	require.Len(t, p.exceptions, 1)
	var pe *acceptor.PanicError
	require.ErrorAs(t, p.exceptions[0].cause, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.Zero(t, c.closeCalls)
}

func TestExceptionFaultEscalatesToOnFault(t *testing.T) {
	var buf bytes.Buffer
	p := &fakeProcessor{requestErr: errors.New("first"), exceptionErr: errors.New("second")}
	h := acceptor.New(p, logger.NewTest(&buf))
	c := newFakeConn(7)

	h.OnMessage(c, wire.NewRequestPayload(1, nil))

	assert.Zero(t, c.closeCalls)
	lines := logLines(t, &buf)
	require.NotEmpty(t, lines)
	last := lines[len(lines)-1]
	assert.Equal(t, "unexpected fault caught", last["message"])
	assert.Equal(t, "second", last["error"])
}

func TestExceptionPanicEscalatesWithStack(t *testing.T) {
	var buf bytes.Buffer
	p := &fakeProcessor{requestErr: errors.New("first"), exceptionPanic: "worse"}
	h := acceptor.New(p, logger.NewTest(&buf))
	c := newFakeConn(8)

	h.OnMessage(c, wire.NewRequestPayload(1, nil))

	assert.Zero(t, c.closeCalls)
	lines := logLines(t, &buf)
	require.NotEmpty(t, lines)
	last := lines[len(lines)-1]
	assert.Equal(t, "unexpected fault caught", last["message"])
	assert.Contains(t, last["error"], "panic: worse")
	assert.NotEmpty(t, last["stack"])
}

func TestWritabilityFlipGatesReads(t *testing.T) {
	var buf bytes.Buffer
	h := acceptor.New(&fakeProcessor{}, logger.NewTest(&buf))
	c := newFakeConn(9)
	c.pending = 12

	c.writable = false
	h.OnWritabilityChanged(c)
	c.writable = true
	h.OnWritabilityChanged(c)

	require.Equal(t, []bool{false, true}, c.readStates)

	lines := logLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "channel is not writable", lines[0]["message"])
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, float64(64<<10), lines[0]["high_watermark"])
	assert.Equal(t, float64(12), lines[0]["pending_writes"])

	assert.Equal(t, "channel is writable again", lines[1]["message"])
	assert.Equal(t, float64(32<<10), lines[1]["low_watermark"])
}

func TestOnFaultSignalForcesClose(t *testing.T) {
	var buf bytes.Buffer
	h := acceptor.New(&fakeProcessor{}, logger.NewTest(&buf))
	c := newFakeConn(10)

	h.OnFault(c, wire.SignalIllegalMagic)

	assert.Equal(t, 1, c.closeCalls)
	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "i/o signal caught, force closing channel", lines[0]["message"])
	assert.Equal(t, "illegal-magic", lines[0]["signal"])
	assert.Equal(t, "error", lines[0]["level"])
}

func TestOnFaultTransportErrorsForceClose(t *testing.T) {
	faults := []error{
		&net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")},
		os.NewSyscallError("write", errors.New("broken pipe")),
		fmt.Errorf("read frame: %w", io.ErrUnexpectedEOF),
		fmt.Errorf("conn: %w", net.ErrClosed),
		os.ErrDeadlineExceeded,
	}
	for _, fault := range faults {
		h := acceptor.New(&fakeProcessor{}, logger.Nop())
		c := newFakeConn(11)
		h.OnFault(c, fault)
		assert.Equal(t, 1, c.closeCalls, "fault %v", fault)
	}
}

func TestOnFaultUnclassifiedKeepsChannelOpen(t *testing.T) {
	var buf bytes.Buffer
	h := acceptor.New(&fakeProcessor{}, logger.NewTest(&buf))
	c := newFakeConn(12)

	h.OnFault(c, errors.New("application hiccough"))

	assert.Zero(t, c.closeCalls)
	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "unexpected fault caught", lines[0]["message"])
	assert.Equal(t, "error", lines[0]["level"])
}

type panickyConn struct{ *fakeConn }

func (c *panickyConn) IsWritable() bool { panic("broken transport") }

func TestEntryPointsContainPanics(t *testing.T) {
	var buf bytes.Buffer
	h := acceptor.New(&fakeProcessor{}, logger.NewTest(&buf))
	c := &panickyConn{newFakeConn(13)}

	assert.NotPanics(t, func() { h.OnWritabilityChanged(c) })

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "panic contained at event boundary", lines[0]["message"])
	assert.Equal(t, "onWritabilityChanged", lines[0]["entry_point"])
	assert.Equal(t, "broken transport", lines[0]["panic"])
}

func TestConnectionLifecycleScenario(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := &fakeProcessor{requestErr: errors.New("dispatch failure")}
	h := acceptor.New(p, logger.Nop(), acceptor.WithMetrics(metrics.New(reg)))
	c := newFakeConn(1)

	h.OnConnect(c)
	assert.EqualValues(t, 1, h.ActiveChannels())

	h.OnMessage(c, wire.NewRequestPayload(5, []byte("work")))
	require.Len(t, p.exceptions, 1)
	assert.Zero(t, c.closeCalls)

	h.OnFault(c, &net.OpError{Op: "write", Err: errors.New("pipe")})
	assert.Equal(t, 1, c.closeCalls)

	h.OnDisconnect(c)
	assert.Zero(t, h.ActiveChannels())

	fams, err := reg.Gather()
	require.NoError(t, err)
	recorded := map[string]bool{}
	for _, fam := range fams {
		recorded[fam.GetName()] = true
	}
	assert.True(t, recorded["jupiter_connections_total"])
	assert.True(t, recorded["jupiter_requests_dispatched_total"])
	assert.True(t, recorded["jupiter_dispatch_faults_total"])
	assert.True(t, recorded["jupiter_faults_total"])
	assert.True(t, recorded["jupiter_forced_closes_total"])
}
