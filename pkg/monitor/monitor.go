package monitor

import (
	"sync"
	"time"

	"github.com/openquant/tickerd/pkg/events"
	"github.com/openquant/tickerd/pkg/log"
	"github.com/openquant/tickerd/pkg/metrics"
	"github.com/rs/zerolog"
)

// Config holds the monitor's timing knobs
type Config struct {
	// CheckInterval is the sweep period
	CheckInterval time.Duration
	// HeartbeatInterval is the expected spacing of heartbeats
	HeartbeatInterval time.Duration
	// LossThreshold is the missed-heartbeat count that declares a
	// connection lost
	LossThreshold int
}

// DefaultConfig returns the production sweep settings
func DefaultConfig() Config {
	return Config{
		CheckInterval:     5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		LossThreshold:     3,
	}
}

type connState struct {
	lastData      time.Time
	lastHeartbeat time.Time
	missed        int
	lost          bool
}

// Monitor tracks registered connections and emits heartbeat-missed,
// connection-lost and connection-recovered events on the broker. The
// failover supervisor is the primary subscriber.
type Monitor struct {
	cfg    Config
	broker *events.Broker
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[string]*connState

	stopCh   chan struct{}
	stopOnce sync.Once

	// now is swappable for tests
	now func() time.Time
}

// New creates a monitor publishing to the given broker
func New(cfg Config, broker *events.Broker) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.LossThreshold <= 0 {
		cfg.LossThreshold = DefaultConfig().LossThreshold
	}
	return &Monitor{
		cfg:    cfg,
		broker: broker,
		logger: log.WithComponent("monitor"),
		conns:  make(map[string]*connState),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Start begins the periodic sweep
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the monitor
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Register starts tracking a connection id
func (m *Monitor) Register(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.conns[id] = &connState{lastData: now, lastHeartbeat: now}
	m.logger.Debug().Str("connection", id).Msg("Connection registered")
}

// Unregister stops tracking a connection id
func (m *Monitor) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, id)
}

// RecordData notes that data arrived on a connection. Data implies
// liveness, so the heartbeat stamp advances too.
func (m *Monitor) RecordData(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.conns[id]; ok {
		now := m.now()
		c.lastData = now
		c.lastHeartbeat = now
	}
}

// RecordHeartbeat notes a heartbeat on a connection
func (m *Monitor) RecordHeartbeat(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.conns[id]; ok {
		c.lastHeartbeat = m.now()
	}
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.logger.Info().Msg("Connection monitor started")

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			m.logger.Info().Msg("Connection monitor stopped")
			return
		}
	}
}

// sweep inspects every connection once
func (m *Monitor) sweep() {
	m.mu.Lock()

	type emission struct {
		topic   events.Topic
		payload any
	}
	var emissions []emission

	now := m.now()
	for id, c := range m.conns {
		missed := int(now.Sub(c.lastHeartbeat) / m.cfg.HeartbeatInterval)

		if c.lost && now.Sub(c.lastData) < m.cfg.HeartbeatInterval {
			c.lost = false
			c.missed = 0
			emissions = append(emissions, emission{events.TopicConnectionRecovered, events.ConnectionRecovered{ConnectionID: id}})
			m.logger.Info().Str("connection", id).Msg("Connection recovered")
			continue
		}

		if missed > c.missed {
			c.missed = missed
			metrics.HeartbeatsMissed.WithLabelValues(id).Inc()
			emissions = append(emissions, emission{events.TopicHeartbeatMissed, events.HeartbeatMissed{ConnectionID: id, MissedCount: missed}})
			m.logger.Warn().Str("connection", id).Int("missed", missed).Msg("Heartbeat missed")
		}

		if missed >= m.cfg.LossThreshold && !c.lost {
			c.lost = true
			emissions = append(emissions, emission{events.TopicConnectionLost, events.ConnectionLost{ConnectionID: id, Reason: "heartbeat timeout"}})
			m.logger.Error().Str("connection", id).Msg("Connection lost")
		}
	}
	m.mu.Unlock()

	// Publish outside the lock so subscribers can call back in.
	for _, e := range emissions {
		m.broker.Publish(e.topic, e.payload)
	}
}
