// Package processor executes decoded calls on a bounded worker pool
// and writes the responses back through the originating channel.
package processor

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/freeCoder-ahl/Jupiter/internal/acceptor"
	"github.com/freeCoder-ahl/Jupiter/internal/config"
	"github.com/freeCoder-ahl/Jupiter/internal/logger"
	"github.com/freeCoder-ahl/Jupiter/internal/wire"
)

// task pairs one request with the channel its response goes to.
type task struct {
	ch  *acceptor.Channel
	req *wire.RequestPayload
}

// Processor is the acceptor's dispatch target: it queues requests for
// a fixed pool of workers, keeping service execution off the
// connection event loops. A full queue is answered with SERVER_BUSY
// rather than blocking.
type Processor struct {
	registry *Registry
	log      *logger.Logger

	tasks   chan task
	workers int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Processor over reg. A nil cfg selects the defaults.
func New(reg *Registry, log *logger.Logger, cfg *config.ProcessorConfig) *Processor {
	if cfg == nil {
		cfg = config.Default().Processor
	}
	workers := *cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Processor{
		registry: reg,
		log:      log,
		tasks:    make(chan task, *cfg.QueueCapacity),
		workers:  workers,
	}
}

// Start launches the worker pool. Call it once, before the transport
// begins delivering requests.
func (p *Processor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.log.Info().
		Int("workers", p.workers).
		Int("queue_capacity", cap(p.tasks)).
		Strs("services", p.registry.Names()).
		Msg("processor started")
}

// Shutdown cancels in-flight service contexts, waits for the workers
// and releases whatever never got picked up. Call it only after the
// transport has stopped delivering requests.
func (p *Processor) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	for {
		select {
		case t := <-p.tasks:
			t.req.Release()
		default:
			p.log.Info().Msg("processor stopped")
			return
		}
	}
}

// HandleRequest implements acceptor.Processor. It never blocks: the
// request is queued for a worker, or answered SERVER_BUSY on the spot
// when the queue is full.
func (p *Processor) HandleRequest(ch *acceptor.Channel, req *wire.RequestPayload) error {
	select {
	case p.tasks <- task{ch: ch, req: req}:
		return nil
	default:
	}

	p.log.Warn().
		Uint64("channel_id", ch.ID()).
		Uint64("invoke_id", req.InvokeID).
		Int("queue_capacity", cap(p.tasks)).
		Msg("worker queue full, rejecting request")
	invokeID := req.InvokeID
	req.Release()
	p.reply(ch, wire.NewResponseFrame(invokeID, wire.StatusServerBusy, []byte("worker queue full")))
	return nil
}

// HandleException implements acceptor.Processor: it answers a failed
// dispatch with the given status and releases the request. A failure
// to enqueue the answer is returned for the caller to classify.
func (p *Processor) HandleException(ch *acceptor.Channel, req *wire.RequestPayload, status wire.Status, cause error) error {
	p.log.Warn().
		Uint64("channel_id", ch.ID()).
		Uint64("invoke_id", req.InvokeID).
		Stringer("status", status).
		Err(cause).
		Msg("dispatch failed, answering with status")
	invokeID := req.InvokeID
	req.Release()
	return ch.Write(wire.NewResponseFrame(invokeID, status, []byte(cause.Error())))
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.tasks:
			p.serve(ctx, t)
		}
	}
}

// serve runs one call to completion. Every outcome, including a
// panicking service, turns into exactly one response frame.
func (p *Processor) serve(ctx context.Context, t task) {
	defer t.req.Release()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Uint64("channel_id", t.ch.ID()).
				Uint64("invoke_id", t.req.InvokeID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("service call panicked")
			p.replyStatus(t.ch, t.req.InvokeID, wire.StatusServerError, fmt.Sprintf("internal error: %v", r))
		}
	}()

	name, args, err := wire.DecodeCall(t.req.Body())
	if err != nil {
		p.replyStatus(t.ch, t.req.InvokeID, wire.StatusBadRequest, err.Error())
		return
	}

	svc, ok := p.registry.Lookup(name)
	if !ok {
		p.replyStatus(t.ch, t.req.InvokeID, wire.StatusServiceNotFound, fmt.Sprintf("no service %q", name))
		return
	}

	result, err := svc.Invoke(ctx, args)
	if err != nil {
		p.log.Debug().
			Uint64("channel_id", t.ch.ID()).
			Uint64("invoke_id", t.req.InvokeID).
			Str("service", name).
			Err(err).
			Msg("service returned error")
		p.replyStatus(t.ch, t.req.InvokeID, wire.StatusServerError, err.Error())
		return
	}
	p.reply(t.ch, wire.NewResponseFrame(t.req.InvokeID, wire.StatusOK, result))
}

func (p *Processor) replyStatus(ch *acceptor.Channel, invokeID uint64, status wire.Status, msg string) {
	p.reply(ch, wire.NewResponseFrame(invokeID, status, []byte(msg)))
}

// reply enqueues a response, tolerating a channel that has gone away.
func (p *Processor) reply(ch *acceptor.Channel, f *wire.Frame) {
	if err := ch.Write(f); err != nil {
		p.log.Debug().
			Uint64("channel_id", ch.ID()).
			Err(err).
			Msg("response dropped, channel closed")
	}
}
