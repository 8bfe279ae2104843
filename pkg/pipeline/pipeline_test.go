package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openquant/tickerd/pkg/sink"
	"github.com/openquant/tickerd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records batches in order
type captureSink struct {
	mu       sync.Mutex
	batches  [][]types.Event
	flushes  int
	writeErr error
}

func (c *captureSink) Write(ctx context.Context, batch []types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]types.Event, len(batch))
	copy(cp, batch)
	c.batches = append(c.batches, cp)
	return nil
}

func (c *captureSink) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
	return nil
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) events() []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Event
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func tradeEvent(source, symbol string, seq uint64) types.Event {
	now := time.Now().UTC()
	return types.Event{
		Timestamp:         now,
		ReceivedAt:        now,
		ReceivedMonotonic: types.MonotonicNow(),
		Symbol:            symbol,
		CanonicalSymbol:   symbol,
		Type:              types.EventTrade,
		Payload:           &types.TradePayload{Price: 100, Size: 1, Side: types.SideBuy},
		Sequence:          seq,
		Source:            source,
		SchemaVersion:     types.SchemaVersion,
		Tier:              types.TierNormalized,
	}
}

func TestPipelinePreservesPerKeyOrder(t *testing.T) {
	cs := &captureSink{}
	p := New(Config{Capacity: 1000, BatchSize: 16, BatchInterval: 5 * time.Millisecond}, cs)
	p.Start()

	const perProducer = 200
	var wg sync.WaitGroup
	for _, source := range []string{"alpaca", "polygon"} {
		wg.Add(1)
		go func(source string) {
			defer wg.Done()
			for seq := uint64(1); seq <= perProducer; seq++ {
				require.NoError(t, p.Publish(context.Background(), tradeEvent(source, "AAPL", seq)))
			}
		}(source)
	}
	wg.Wait()

	require.NoError(t, p.Flush(context.Background()))
	require.NoError(t, p.Close())

	last := map[string]uint64{}
	count := 0
	for _, ev := range cs.events() {
		if ev.Type != types.EventTrade {
			continue
		}
		require.Greater(t, ev.Sequence, last[ev.Source], "sequence regression for %s", ev.Source)
		last[ev.Source] = ev.Sequence
		count++
	}
	assert.Equal(t, 2*perProducer, count)
}

func TestPipelineOverflowDropOldest(t *testing.T) {
	cs := &captureSink{}
	p := New(Config{Capacity: 4, BatchSize: 16, BatchInterval: time.Millisecond, Policy: DropOldest}, cs)
	// Consumer intentionally not started so nothing drains.

	overflows := 0
	for seq := uint64(1); seq <= 10; seq++ {
		err := p.Publish(context.Background(), tradeEvent("sim", "AAPL", seq))
		if errors.Is(err, ErrOverflow) {
			overflows++
		} else {
			require.NoError(t, err)
		}
	}
	assert.Equal(t, 6, overflows)

	p.Start()
	require.NoError(t, p.Flush(context.Background()))
	require.NoError(t, p.Close())

	evs := cs.events()
	var integrity []types.Event
	var firstTradeSeq uint64
	for _, ev := range evs {
		if ev.Type == types.EventIntegrity {
			integrity = append(integrity, ev)
		} else if firstTradeSeq == 0 {
			firstTradeSeq = ev.Sequence
		}
	}

	require.Len(t, integrity, 1)
	payload := integrity[0].Payload.(*types.IntegrityPayload)
	assert.Equal(t, types.IntegrityOverflow, payload.Condition)
	assert.GreaterOrEqual(t, firstTradeSeq, uint64(7))
}

func TestPipelinePublishIsNonBlockingWhenFull(t *testing.T) {
	p := New(Config{Capacity: 2, Policy: DropOldest}, sink.NullSink{})
	// No consumer: the queue stays full.

	done := make(chan struct{})
	go func() {
		for seq := uint64(1); seq <= 10000; seq++ {
			_ = p.Publish(context.Background(), tradeEvent("sim", "SPY", seq))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked in drop-oldest mode")
	}
}

func TestPipelineBlockPolicyHonorsCancellation(t *testing.T) {
	p := New(Config{Capacity: 1, Policy: Block}, sink.NullSink{})
	// No consumer: queue stays full after the first publish.

	require.NoError(t, p.Publish(context.Background(), tradeEvent("sim", "SPY", 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Publish(ctx, tradeEvent("sim", "SPY", 2))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipelineBlockPolicyResumes(t *testing.T) {
	cs := &captureSink{}
	p := New(Config{Capacity: 2, BatchSize: 4, BatchInterval: time.Millisecond, Policy: Block}, cs)
	p.Start()

	for seq := uint64(1); seq <= 100; seq++ {
		require.NoError(t, p.Publish(context.Background(), tradeEvent("hist", "SPY", seq)))
	}
	require.NoError(t, p.Flush(context.Background()))
	require.NoError(t, p.Close())

	assert.Len(t, cs.events(), 100)
}

func TestPipelineFlushReturnsTerminalSinkError(t *testing.T) {
	cs := &captureSink{writeErr: errors.New("disk full")}
	p := New(Config{Capacity: 16, BatchSize: 4, BatchInterval: time.Millisecond}, cs)
	p.Start()

	require.NoError(t, p.Publish(context.Background(), tradeEvent("sim", "SPY", 1)))

	err := p.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestPipelinePublishAfterClose(t *testing.T) {
	p := New(Config{Capacity: 4}, sink.NullSink{})
	p.Start()
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Publish(context.Background(), tradeEvent("sim", "SPY", 1)), ErrClosed)
}

func TestPipelinePeriodicFlushDrainsIdleQueue(t *testing.T) {
	cs := &captureSink{}
	p := New(Config{Capacity: 16, BatchSize: 256, BatchInterval: 10 * time.Millisecond, PeriodicFlush: 20 * time.Millisecond}, cs)
	p.Start()
	defer p.Close()

	require.NoError(t, p.Publish(context.Background(), tradeEvent("sim", "SPY", 1)))

	assert.Eventually(t, func() bool {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		return len(cs.batches) > 0 && cs.flushes > 0
	}, 2*time.Second, 10*time.Millisecond)
}
