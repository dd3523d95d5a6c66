// Package pipeline connects the broker source to validation, enrichment,
// persistence, and rule dispatch through a bounded work queue.
//
// The flow is deliberately simple: an ingress goroutine decodes and
// validates raw payloads and enqueues work items; a single worker drains the
// queue in FIFO order. Backpressure is blocking, not dropping: when the
// queue is full the ingress stalls, which in turn stalls the broker
// callback, and the broker's own buffering absorbs the burst.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"gridstream/internal/logging"
	"gridstream/internal/source"
	"gridstream/internal/telemetry"
	"gridstream/internal/validate"
)

// Enricher attaches device metadata to a reading, degrading gracefully on
// failure.
type Enricher interface {
	Enrich(ctx context.Context, r *telemetry.Reading)
}

// RuleDispatcher forwards a persisted reading for rule evaluation. All
// outcomes are absorbed by the implementation; the return value reports
// whether a dispatch attempt was made (false means the circuit was open).
type RuleDispatcher interface {
	Evaluate(ctx context.Context, r telemetry.Reading) bool
}

// Writer persists a reading.
type Writer interface {
	WriteReading(ctx context.Context, r telemetry.Reading) error
}

// DeadLetter records a payload that cannot be processed.
type DeadLetter interface {
	Send(payload json.RawMessage, errType, errMsg string, retryCount int) bool
}

// Config wires the pipeline's collaborators.
type Config struct {
	Validator *validate.Validator
	Enricher  Enricher
	Sink      Writer
	Rules     RuleDispatcher
	DLQ       DeadLetter

	// QueueCapacity bounds the work queue between ingress and the worker.
	QueueCapacity int

	// ShutdownGrace bounds each drain stage during Stop.
	ShutdownGrace time.Duration

	// Logger for structured logging. Nil disables logging.
	Logger *slog.Logger
}

// workItem is one validated reading in flight, with the raw payload retained
// for dead-lettering.
type workItem struct {
	reading       telemetry.Reading
	raw           json.RawMessage
	correlationID string
}

// Pipeline runs the ingest-validate-enrich-persist-dispatch flow.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger

	intake chan source.RawMessage
	queue  chan workItem

	runCtx    context.Context
	runCancel context.CancelFunc

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
	dispatchWG     sync.WaitGroup

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	// malformedLog throttles logging of undecodable payloads so a
	// misbehaving device cannot flood the log.
	malformedLog *rate.Limiter

	stats stats
}

// New creates a pipeline. Start must be called before the returned intake
// channel is written to.
func New(cfg Config) *Pipeline {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	return &Pipeline{
		cfg:          cfg,
		logger:       logging.Default(cfg.Logger).With("component", "pipeline"),
		intake:       make(chan source.RawMessage),
		queue:        make(chan workItem, cfg.QueueCapacity),
		malformedLog: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Intake returns the channel sources deliver raw messages on.
func (p *Pipeline) Intake() chan<- source.RawMessage {
	return p.intake
}

// Start launches the ingress and worker goroutines. Cancellation of ctx does
// not abort in-flight work; orderly teardown goes through Stop.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.runCtx, p.runCancel = context.WithCancel(context.WithoutCancel(ctx))
		p.dispatchCtx, p.dispatchCancel = context.WithCancel(context.WithoutCancel(ctx))

		p.wg.Add(2)
		go p.ingress()
		go p.worker()

		p.logger.Info("pipeline started", "queue_capacity", p.cfg.QueueCapacity)
	})
}

// Stop drains the pipeline in stages: the intake channel is closed, ingress
// flushes into the queue and closes it, the worker finishes queued items,
// and finally in-flight rule dispatches are awaited. Each stage is bounded
// by the shutdown grace; an overrun cancels the stage's context.
//
// Sources must already be stopped; Stop closes the intake channel.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		if p.runCancel == nil {
			// Never started.
			return
		}
		p.logger.Info("pipeline stopping")
		close(p.intake)

		if !p.await(&p.wg, p.cfg.ShutdownGrace) {
			p.logger.Warn("drain grace elapsed, aborting in-flight work",
				"grace", p.cfg.ShutdownGrace)
			p.runCancel()
			p.wg.Wait()
		}

		if !p.await(&p.dispatchWG, p.cfg.ShutdownGrace) {
			p.logger.Warn("dispatch grace elapsed, abandoning in-flight dispatches")
			p.dispatchCancel()
			p.dispatchWG.Wait()
		}

		p.runCancel()
		p.dispatchCancel()

		s := p.Stats()
		p.logger.Info("pipeline stopped",
			"received", s.Received,
			"persisted", s.Persisted,
			"dead_lettered", s.DeadLettered)
	})
}

// await waits for wg up to the timeout and reports whether it finished.
func (p *Pipeline) await(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ingress decodes and validates raw payloads, dead-letters rejects, and
// enqueues accepted readings. It owns the queue channel and closes it when
// the intake channel closes.
func (p *Pipeline) ingress() {
	defer p.wg.Done()
	defer close(p.queue)

	for msg := range p.intake {
		p.stats.received.Add(1)
		p.ingest(msg)
	}
}

// ingest handles one raw payload. Undecodable payloads are counted and
// dropped with a throttled log; they carry no reading worth replaying, so
// they never reach the DLQ. Every rejection after decoding produces exactly
// one dead-letter record.
func (p *Pipeline) ingest(msg source.RawMessage) {
	var fields map[string]any
	if err := json.Unmarshal(msg.Payload, &fields); err != nil {
		p.stats.malformed.Add(1)
		if p.malformedLog.Allow() {
			p.logger.Warn("undecodable payload dropped",
				"topic", msg.Topic,
				"bytes", len(msg.Payload),
				"error", err)
		}
		return
	}

	if ok, errType, errMsg := p.cfg.Validator.Validate(fields); !ok {
		p.stats.invalid.Add(1)
		p.stats.deadLettered.Add(1)
		p.logger.Warn("payload rejected",
			"topic", msg.Topic,
			"error_type", errType,
			"reason", errMsg)
		p.cfg.DLQ.Send(msg.Payload, errType, errMsg, 0)
		return
	}

	reading, err := p.cfg.Validator.Parse(fields)
	if err != nil {
		p.stats.invalid.Add(1)
		p.stats.deadLettered.Add(1)
		p.logger.Warn("payload unparseable after validation",
			"topic", msg.Topic,
			"error", err)
		p.cfg.DLQ.Send(msg.Payload, telemetry.ErrTypeParse, err.Error(), 0)
		return
	}

	// Blocking send: a full queue stalls ingress and, transitively, the
	// broker callback. Nothing is dropped here.
	p.queue <- workItem{
		reading:       reading,
		raw:           msg.Payload,
		correlationID: uuid.NewString(),
	}
}

// worker drains the queue in FIFO order, one item at a time.
func (p *Pipeline) worker() {
	defer p.wg.Done()
	for item := range p.queue {
		p.process(item)
	}
}

// process enriches, persists, and dispatches one reading. A persistence
// failure dead-letters the original payload and suppresses dispatch; an
// enrichment failure only degrades the reading.
func (p *Pipeline) process(item workItem) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.deadLettered.Add(1)
			p.logger.Error("panic while processing reading",
				"correlation_id", item.correlationID,
				"device_id", item.reading.DeviceID,
				"panic", r)
			p.cfg.DLQ.Send(item.raw, telemetry.ErrTypeProcessing, fmt.Sprintf("panic: %v", r), 0)
		}
	}()

	logger := p.logger.With(
		"correlation_id", item.correlationID,
		"device_id", item.reading.DeviceID)

	p.cfg.Enricher.Enrich(p.runCtx, &item.reading)

	if err := p.cfg.Sink.WriteReading(p.runCtx, item.reading); err != nil {
		p.stats.persistFailed.Add(1)
		p.stats.deadLettered.Add(1)
		logger.Error("persistence failed", "error", err)
		p.cfg.DLQ.Send(item.raw, telemetry.ErrTypePersistenceWrite, err.Error(), 0)
		return
	}
	p.stats.persisted.Add(1)
	logger.Debug("reading persisted", "enrichment_status", item.reading.EnrichmentStatus)

	// Fire and forget: dispatch must never hold up the worker.
	p.dispatchWG.Add(1)
	go func(r telemetry.Reading) {
		defer p.dispatchWG.Done()
		if p.cfg.Rules.Evaluate(p.dispatchCtx, r) {
			p.stats.dispatched.Add(1)
		} else {
			p.stats.dispatchSkipped.Add(1)
		}
	}(item.reading)
}

// QueueDepth reports how many items are waiting for the worker.
func (p *Pipeline) QueueDepth() int {
	return len(p.queue)
}
