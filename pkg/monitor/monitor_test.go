package monitor

import (
	"testing"
	"time"

	"github.com/openquant/tickerd/pkg/events"
	"github.com/openquant/tickerd/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init("error", true)
}

func testMonitor(t *testing.T) (*Monitor, *events.Broker, events.Subscriber, func(d time.Duration)) {
	t.Helper()

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	sub := broker.Subscribe(
		events.TopicHeartbeatMissed,
		events.TopicConnectionLost,
		events.TopicConnectionRecovered,
	)

	m := New(Config{HeartbeatInterval: 10 * time.Second, LossThreshold: 3}, broker)
	clock := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	advance := func(d time.Duration) { clock = clock.Add(d) }
	return m, broker, sub, advance
}

func drain(sub events.Subscriber) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-sub:
			out = append(out, ev)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func TestSweepEmitsHeartbeatMissed(t *testing.T) {
	m, _, sub, advance := testMonitor(t)
	m.Register("alpaca-ws")

	advance(25 * time.Second) // 2 intervals elapsed
	m.sweep()

	evs := drain(sub)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TopicHeartbeatMissed, evs[0].Topic)
	assert.Equal(t, 2, evs[0].Payload.(events.HeartbeatMissed).MissedCount)
}

func TestSweepEmitsConnectionLostAtThreshold(t *testing.T) {
	m, _, sub, advance := testMonitor(t)
	m.Register("alpaca-ws")

	advance(35 * time.Second) // 3 intervals: lost
	m.sweep()

	evs := drain(sub)
	require.Len(t, evs, 2)
	assert.Equal(t, events.TopicHeartbeatMissed, evs[0].Topic)
	assert.Equal(t, events.TopicConnectionLost, evs[1].Topic)

	// Still lost on the next sweep: no duplicate lost event.
	advance(10 * time.Second)
	m.sweep()
	evs = drain(sub)
	for _, ev := range evs {
		assert.NotEqual(t, events.TopicConnectionLost, ev.Topic)
	}
}

func TestRecoveryAfterDataResumes(t *testing.T) {
	m, _, sub, advance := testMonitor(t)
	m.Register("alpaca-ws")

	advance(35 * time.Second)
	m.sweep()
	drain(sub)

	m.RecordData("alpaca-ws")
	m.sweep()

	evs := drain(sub)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TopicConnectionRecovered, evs[0].Topic)
	assert.Equal(t, "alpaca-ws", evs[0].Payload.(events.ConnectionRecovered).ConnectionID)
}

func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	m, _, sub, advance := testMonitor(t)
	m.Register("alpaca-ws")

	for i := 0; i < 10; i++ {
		advance(5 * time.Second)
		m.RecordHeartbeat("alpaca-ws")
		m.sweep()
	}
	assert.Empty(t, drain(sub))
}

func TestUnregisteredConnectionIgnored(t *testing.T) {
	m, _, sub, advance := testMonitor(t)
	m.Register("alpaca-ws")
	m.Unregister("alpaca-ws")

	advance(time.Hour)
	m.sweep()
	assert.Empty(t, drain(sub))
}
