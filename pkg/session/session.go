package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openquant/tickerd/pkg/log"
	"github.com/openquant/tickerd/pkg/metrics"
	"github.com/openquant/tickerd/pkg/resilience"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by Connect after the session reached Closed
var ErrClosed = errors.New("session closed")

// State is the session connection state
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Config holds the websocket session settings
type Config struct {
	URL                     string
	HeartbeatInterval       time.Duration
	HeartbeatTimeout        time.Duration
	ReconnectBaseDelay      time.Duration
	MaxReconnectDelay       time.Duration
	MaxReconnectAttempts    int
	OperationTimeout        time.Duration
	CircuitFailureThreshold int
	CircuitBreakDuration    time.Duration
}

// DefaultConfig returns the default session profile
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:       30 * time.Second,
		HeartbeatTimeout:        10 * time.Second,
		ReconnectBaseDelay:      2 * time.Second,
		MaxReconnectDelay:       30 * time.Second,
		MaxReconnectAttempts:    10,
		OperationTimeout:        15 * time.Second,
		CircuitFailureThreshold: 5,
		CircuitBreakDuration:    30 * time.Second,
	}
}

// ResilientConfig returns the profile for flaky links: twice the reconnect
// budget.
func ResilientConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxReconnectAttempts = 20
	return cfg
}

// Conn is the subset of a websocket connection the session drives.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens the vendor transport. Swappable for tests.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DefaultDialer dials with gorilla's websocket dialer
func DefaultDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return conn, err
}

// Handler receives the session's lifecycle callbacks. OnMessage runs on
// the receive loop and must not block; OnConnect fires after every
// successful connect (including reconnects) so the adapter can replay its
// subscriptions; OnDisconnect fires when the transport drops.
type Handler interface {
	OnMessage(data []byte)
	OnConnect()
	OnDisconnect(err error)
}

// Session is the vendor-agnostic websocket state machine: it owns the
// transport, the heartbeat loop, and the reconnect schedule. One receive
// goroutine per transport; writes are serialised by a write lock.
type Session struct {
	cfg     Config
	name    string
	dial    Dialer
	handler Handler
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	gen      int // connection generation, guards stale loop callbacks
	lastRead time.Time

	writeMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a session. name labels logs and metrics, typically the
// provider id.
func New(name string, cfg Config, dial Dialer, handler Handler) *Session {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = def.OperationTimeout
	}

	return &Session{
		cfg:     cfg,
		name:    name,
		dial:    dial,
		handler: handler,
		breaker: resilience.NewCircuitBreaker(resilience.BreakerConfig{
			FailureThreshold: cfg.CircuitFailureThreshold,
			BreakDuration:    cfg.CircuitBreakDuration,
		}),
		logger: log.WithProvider(name),
		state:  StateDisconnected,
		stopCh: make(chan struct{}),
	}
}

// State returns the current connection state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.setStateLocked(state)
	s.mu.Unlock()
}

func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	metrics.SessionState.WithLabelValues(s.name, string(s.state)).Set(0)
	metrics.SessionState.WithLabelValues(s.name, string(state)).Set(1)
	s.logger.Debug().Str("from", string(s.state)).Str("to", string(state)).Msg("Session state changed")
	s.state = state
}

// Connect dials the vendor. Idempotent: connecting or connected sessions
// return nil immediately.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case StateConnecting, StateConnected, StateDegraded, StateReconnecting:
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	if err := s.establish(ctx); err != nil {
		s.setState(StateDisconnected)
		return err
	}
	return nil
}

// establish performs one dial attempt and starts the loops on success
func (s *Session) establish(ctx context.Context) error {
	if err := s.breaker.Allow(); err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	conn, err := s.dial(dialCtx, s.cfg.URL)
	cancel()
	if err != nil {
		s.breaker.RecordFailure()
		return err
	}
	s.breaker.RecordSuccess()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.gen++
	gen := s.gen
	s.lastRead = time.Now()
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	go s.readLoop(conn, gen)
	go s.heartbeatLoop(conn, gen)

	s.handler.OnConnect()
	return nil
}

// Disconnect closes the session permanently. Idempotent.
func (s *Session) Disconnect(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.setStateLocked(StateClosed)
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send writes a text frame, serialised against the heartbeat writer
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return errors.New("session not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) readLoop(conn Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.onTransportError(conn, gen, err)
			return
		}

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.lastRead = time.Now()
		if s.state == StateDegraded {
			s.setStateLocked(StateConnected)
		}
		s.mu.Unlock()

		s.handler.OnMessage(data)
	}
}

func (s *Session) heartbeatLoop(conn Conn, gen int) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.stopCh:
			return
		}

		s.mu.Lock()
		if s.gen != gen || s.state == StateClosed {
			s.mu.Unlock()
			return
		}
		silence := time.Since(s.lastRead)
		// More than one heartbeat interval of silence degrades the
		// session; past the timeout on top of that, the link is stale.
		if silence > s.cfg.HeartbeatInterval && s.state == StateConnected {
			s.setStateLocked(StateDegraded)
			metrics.HeartbeatsMissed.WithLabelValues(s.name).Inc()
		}
		stale := silence > s.cfg.HeartbeatInterval+s.cfg.HeartbeatTimeout
		s.mu.Unlock()

		if stale {
			s.logger.Warn().Dur("silence", silence).Msg("Connection stale, forcing reconnect")
			conn.Close() // read loop surfaces the error and reconnects
			return
		}

		s.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.HeartbeatTimeout))
		s.writeMu.Unlock()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Heartbeat write failed")
			conn.Close()
			return
		}
	}
}

// onTransportError is called by the read loop when the transport drops
func (s *Session) onTransportError(conn Conn, gen int, err error) {
	conn.Close()

	s.mu.Lock()
	if s.gen != gen || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.setStateLocked(StateReconnecting)
	s.mu.Unlock()

	s.logger.Warn().Err(err).Msg("Transport error, reconnecting")
	s.handler.OnDisconnect(err)

	s.reconnect()
}

// reconnect runs the backoff schedule until a dial succeeds or the
// attempt budget is exhausted, which closes the session.
func (s *Session) reconnect() {
	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		delay := resilience.Backoff(s.cfg.ReconnectBaseDelay, s.cfg.MaxReconnectDelay, attempt)
		select {
		case <-time.After(delay):
		case <-s.stopCh:
			return
		}

		metrics.SessionReconnects.WithLabelValues(s.name).Inc()
		s.logger.Info().Int("attempt", attempt).Msg("Reconnecting")

		if err := s.establish(context.Background()); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect failed")
			continue
		}
		return
	}

	s.logger.Error().Int("attempts", s.cfg.MaxReconnectAttempts).Msg("Reconnect budget exhausted, closing session")
	s.mu.Lock()
	s.setStateLocked(StateClosed)
	s.mu.Unlock()
	s.handler.OnDisconnect(errors.New("reconnect attempts exhausted"))
}
