package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openquant/tickerd/pkg/log"
	"github.com/openquant/tickerd/pkg/metrics"
	"github.com/openquant/tickerd/pkg/sink"
	"github.com/openquant/tickerd/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned by Publish after Close
	ErrClosed = errors.New("pipeline closed")

	// ErrOverflow is returned by Publish in drop-oldest mode when the
	// submission evicted older events. The submitted event was still
	// accepted.
	ErrOverflow = errors.New("pipeline overflow")
)

// BackpressurePolicy selects the behavior of Publish on a full queue
type BackpressurePolicy string

const (
	// DropOldest discards the oldest undrained event and injects an
	// Integrity{overflow} event in its place. Default for live streams.
	DropOldest BackpressurePolicy = "drop_oldest"

	// Block suspends the producer until space is available, honoring
	// cancellation. Default for historical backfill.
	Block BackpressurePolicy = "block"
)

// Config holds pipeline tuning knobs
type Config struct {
	Capacity      int
	BatchSize     int
	BatchInterval time.Duration
	PeriodicFlush time.Duration
	Policy        BackpressurePolicy
}

// DefaultConfig returns the live-collection defaults
func DefaultConfig() Config {
	return Config{
		Capacity:      20000,
		BatchSize:     256,
		BatchInterval: 200 * time.Millisecond,
		PeriodicFlush: time.Second,
		Policy:        DropOldest,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = d.BatchInterval
	}
	if c.PeriodicFlush <= 0 {
		c.PeriodicFlush = d.PeriodicFlush
	}
	if c.Policy == "" {
		c.Policy = d.Policy
	}
}

// Pipeline is the bounded multi-producer single-consumer ingress that moves
// canonical events from provider adapters to the sink. A single consumer
// goroutine preserves FIFO order across all producers; per
// (source, symbol, type) order is preserved because producers emit
// monotonically.
type Pipeline struct {
	cfg    Config
	sink   sink.Sink
	logger zerolog.Logger

	mu     sync.Mutex
	buf    []types.Event
	head   int
	size   int
	closed bool
	// marker is the queued overflow event's payload; while non-nil,
	// further drops coalesce into it instead of queueing new markers.
	marker  *types.IntegrityPayload
	dropped int

	notEmpty chan struct{}
	notFull  chan struct{}
	flushReq chan chan error
	stopCh   chan struct{}
	doneCh   chan struct{}

	// sinkFailing is touched only by the consumer goroutine
	sinkFailing bool

	sinkErrMu sync.Mutex
	sinkErr   error
}

// New creates a pipeline over the given sink. Start must be called before
// events are drained.
func New(cfg Config, s sink.Sink) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		cfg:      cfg,
		sink:     s,
		logger:   log.WithComponent("pipeline"),
		buf:      make([]types.Event, cfg.Capacity),
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		flushReq: make(chan chan error),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the consumer goroutine
func (p *Pipeline) Start() {
	go p.run()
}

// Publish submits an event. It never blocks in drop-oldest mode; in block
// mode it suspends until space is available or ctx is cancelled.
func (p *Pipeline) Publish(ctx context.Context, ev types.Event) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrClosed
		}

		if p.size < len(p.buf) {
			p.pushBack(ev)
			p.mu.Unlock()
			p.signal(p.notEmpty)
			metrics.EventsPublished.WithLabelValues(ev.Source, string(ev.Type)).Inc()
			return nil
		}

		if p.cfg.Policy == DropOldest {
			p.evictOldest()
			p.pushBack(ev)
			p.mu.Unlock()
			p.signal(p.notEmpty)
			metrics.EventsPublished.WithLabelValues(ev.Source, string(ev.Type)).Inc()
			return ErrOverflow
		}

		// Block policy: wait for the consumer to make room.
		p.mu.Unlock()
		select {
		case <-p.notFull:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return ErrClosed
		}
	}
}

// evictOldest drops the oldest real event, keeping (or creating) a single
// coalescing overflow marker at the front of the queue. Callers hold p.mu.
func (p *Pipeline) evictOldest() {
	if p.marker == nil {
		// Replace the evicted event with an overflow marker in its place.
		old := p.popFront()
		p.dropped = 1
		marker := types.NewIntegrity("pipeline", old.Symbol, types.IntegrityOverflow, "queue full, dropping oldest events")
		p.marker = marker.Payload.(*types.IntegrityPayload)
		p.pushFront(marker)
	}
	if p.size == len(p.buf) {
		front := p.popFront()
		if p.size > 0 {
			// Queue still full: drop the oldest event behind the marker.
			p.popFront()
			p.dropped++
			p.pushFront(front)
		} else if ip, ok := front.Payload.(*types.IntegrityPayload); ok && ip == p.marker {
			// Capacity 1: the marker itself gives way to the new event.
			p.marker = nil
			p.dropped = 0
		}
	}
	if p.marker != nil {
		p.marker.Message = fmt.Sprintf("queue full, dropped %d events", p.dropped)
	}
	metrics.EventsDropped.WithLabelValues("overflow").Inc()
	metrics.IntegrityEvents.WithLabelValues(string(types.IntegrityOverflow)).Inc()
}

func (p *Pipeline) pushBack(ev types.Event) {
	p.buf[(p.head+p.size)%len(p.buf)] = ev
	p.size++
	metrics.PipelineQueueDepth.Set(float64(p.size))
}

func (p *Pipeline) pushFront(ev types.Event) {
	p.head = (p.head - 1 + len(p.buf)) % len(p.buf)
	p.buf[p.head] = ev
	p.size++
}

func (p *Pipeline) popFront() types.Event {
	ev := p.buf[p.head]
	p.buf[p.head] = types.Event{}
	p.head = (p.head + 1) % len(p.buf)
	p.size--
	metrics.PipelineQueueDepth.Set(float64(p.size))
	return ev
}

func (p *Pipeline) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Flush blocks until every previously published event is durable in the
// sink. It returns the sink's terminal error, if any.
func (p *Pipeline) Flush(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FlushDuration)

	reply := make(chan error, 1)
	select {
	case p.flushReq <- reply:
	case <-p.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue, flushes and closes the sink. Safe to call once.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.doneCh
		return p.terminalErr()
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh
	return p.terminalErr()
}

func (p *Pipeline) terminalErr() error {
	p.sinkErrMu.Lock()
	defer p.sinkErrMu.Unlock()
	return p.sinkErr
}

func (p *Pipeline) setTerminalErr(err error) {
	p.sinkErrMu.Lock()
	defer p.sinkErrMu.Unlock()
	p.sinkErr = err
}

func (p *Pipeline) run() {
	defer close(p.doneCh)

	flushTicker := time.NewTicker(p.cfg.PeriodicFlush)
	defer flushTicker.Stop()

	batchTimer := time.NewTimer(p.cfg.BatchInterval)
	defer batchTimer.Stop()

	p.logger.Info().
		Int("capacity", p.cfg.Capacity).
		Int("batch_size", p.cfg.BatchSize).
		Str("policy", string(p.cfg.Policy)).
		Msg("Pipeline started")

	batch := make([]types.Event, 0, p.cfg.BatchSize)

	for {
		batch = p.drainInto(batch[:0])
		if len(batch) > 0 && len(batch) < p.cfg.BatchSize {
			// Partial batch: wait out the batch interval for more events.
			if !batchTimer.Stop() {
				select {
				case <-batchTimer.C:
				default:
				}
			}
			batchTimer.Reset(p.cfg.BatchInterval)
		waitMore:
			for len(batch) < p.cfg.BatchSize {
				select {
				case <-p.notEmpty:
					batch = p.drainInto(batch)
				case reply := <-p.flushReq:
					p.writeBatch(batch)
					batch = batch[:0]
					reply <- p.flushAll()
					break waitMore
				case <-batchTimer.C:
					break waitMore
				case <-p.stopCh:
					break waitMore
				}
			}
		}

		if len(batch) > 0 {
			p.writeBatch(batch)
			continue
		}

		select {
		case <-p.notEmpty:
		case reply := <-p.flushReq:
			reply <- p.flushAll()
		case <-flushTicker.C:
			if err := p.flushAll(); err != nil {
				p.logger.Error().Err(err).Msg("Periodic flush failed")
			}
		case <-p.stopCh:
			p.shutdown()
			return
		}
	}
}

// drainInto pops up to BatchSize-len(batch) events
func (p *Pipeline) drainInto(batch []types.Event) []types.Event {
	p.mu.Lock()
	for p.size > 0 && len(batch) < p.cfg.BatchSize {
		ev := p.popFront()
		if p.marker != nil && ev.Payload != nil {
			if ip, ok := ev.Payload.(*types.IntegrityPayload); ok && ip == p.marker {
				p.marker = nil
				p.dropped = 0
			}
		}
		batch = append(batch, ev)
	}
	p.mu.Unlock()
	p.signal(p.notFull)
	return batch
}

func (p *Pipeline) writeBatch(batch []types.Event) {
	timer := metrics.NewTimer()
	err := p.sink.Write(context.Background(), batch)
	for retries := 0; err != nil && sink.Retryable(err) && retries < 2; retries++ {
		// The sink says the condition is transient; one more round here
		// before the batch is declared lost.
		time.Sleep(50 * time.Millisecond)
		err = p.sink.Write(context.Background(), batch)
	}
	timer.ObserveDuration(metrics.SinkWriteDuration)
	metrics.SinkBatchesWritten.Inc()
	metrics.SinkBatchSize.Observe(float64(len(batch)))

	if err == nil {
		p.sinkFailing = false
		return
	}

	// The sink retried internally; what surfaces here is terminal. Emit an
	// in-band integrity event on the transition into failure and keep
	// draining: losing data beats head-of-line blocking the whole process.
	p.setTerminalErr(err)
	p.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Sink write failed, dropping batch")
	metrics.EventsDropped.WithLabelValues("sink_failure").Add(float64(len(batch)))

	if !p.sinkFailing {
		p.sinkFailing = true
		metrics.IntegrityEvents.WithLabelValues(string(types.IntegritySinkFailure)).Inc()
		integ := types.NewIntegrity("pipeline", "", types.IntegritySinkFailure, err.Error())
		p.mu.Lock()
		if p.size < len(p.buf) {
			p.pushBack(integ)
		}
		p.mu.Unlock()
	}
}

// flushAll drains everything queued and flushes the sink
func (p *Pipeline) flushAll() error {
	for {
		batch := p.drainInto(make([]types.Event, 0, p.cfg.BatchSize))
		if len(batch) == 0 {
			break
		}
		p.writeBatch(batch)
	}
	if err := p.sink.Flush(context.Background()); err != nil {
		p.setTerminalErr(err)
		return err
	}
	return p.terminalErr()
}

// shutdown performs the final drain and closes the sink
func (p *Pipeline) shutdown() {
	if err := p.flushAll(); err != nil {
		p.logger.Error().Err(err).Msg("Final flush failed")
	}
	if err := p.sink.Close(); err != nil {
		p.setTerminalErr(err)
		p.logger.Error().Err(err).Msg("Sink close failed")
	}
	p.logger.Info().Msg("Pipeline stopped")
}

// Depth returns the current number of undrained events
func (p *Pipeline) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}
