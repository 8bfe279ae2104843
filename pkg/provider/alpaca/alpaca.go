// Package alpaca adapts the Alpaca Market Data websocket feed to the
// streaming provider contract. The feed carries trades and BBO quotes;
// depth is not available on this vendor.
package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openquant/tickerd/pkg/log"
	"github.com/openquant/tickerd/pkg/monitor"
	"github.com/openquant/tickerd/pkg/provider"
	"github.com/openquant/tickerd/pkg/session"
	"github.com/openquant/tickerd/pkg/types"
	"github.com/rs/zerolog"
)

// ProviderID is the registry id of this adapter
const ProviderID = "alpaca"

const defaultFeedURL = "wss://stream.data.alpaca.markets/v2/iex"

// ErrDepthUnsupported is returned by depth subscriptions: the feed has no
// order book channel.
var ErrDepthUnsupported = errors.New("alpaca: market depth not supported")

// Options configures the adapter
type Options struct {
	FeedURL string
	Session session.Config
	KeyID   string
	Secret  string
	// Dialer overrides the websocket dialer, for tests
	Dialer session.Dialer
	// Monitor, when set, receives data liveness for this connection
	Monitor *monitor.Monitor
}

type subEntry struct {
	id  int64
	sub types.SymbolSubscription
}

// Provider is the Alpaca streaming adapter
type Provider struct {
	opts   Options
	emit   provider.EmitFunc
	logger zerolog.Logger

	sess *session.Session

	mu        sync.Mutex
	nextID    int64
	connected bool
	// everConnected distinguishes a reconnect from the first connect
	everConnected bool
	// tradeSubs preserves insertion order for replay after reconnect
	tradeSubs []subEntry
	seqMu     sync.Mutex
	seqs      map[string]uint64
}

// New creates the adapter. emit receives every decoded event.
func New(opts Options, emit provider.EmitFunc) *Provider {
	if opts.FeedURL == "" {
		opts.FeedURL = defaultFeedURL
	}
	if opts.Dialer == nil {
		opts.Dialer = session.DefaultDialer
	}
	p := &Provider{
		opts:   opts,
		emit:   emit,
		logger: log.WithProvider(ProviderID),
		nextID: 1,
		seqs:   make(map[string]uint64),
	}
	cfg := opts.Session
	cfg.URL = opts.FeedURL
	p.sess = session.New(ProviderID, cfg, opts.Dialer, (*handler)(p))
	return p
}

func (p *Provider) Info() provider.Info {
	return provider.Info{ID: ProviderID, DisplayName: "Alpaca Market Data", Priority: 1}
}

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsTrades: true,
		SupportsQuotes: true,
		SupportsDepth:  false,
	}
}

func (p *Provider) Connect(ctx context.Context) error {
	if p.opts.Monitor != nil {
		p.opts.Monitor.Register(ProviderID)
	}
	return p.sess.Connect(ctx)
}

func (p *Provider) Disconnect(ctx context.Context) error {
	if p.opts.Monitor != nil {
		p.opts.Monitor.Unregister(ProviderID)
	}
	return p.sess.Disconnect(ctx)
}

func (p *Provider) SubscribeMarketDepth(sub types.SymbolSubscription) (int64, error) {
	return 0, ErrDepthUnsupported
}

func (p *Provider) UnsubscribeMarketDepth(id int64) error {
	return ErrDepthUnsupported
}

func (p *Provider) SubscribeTrades(sub types.SymbolSubscription) (int64, error) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.tradeSubs = append(p.tradeSubs, subEntry{id: id, sub: sub})
	connected := p.connected
	p.mu.Unlock()

	if !connected {
		// Remember intent; the subscription is replayed on reconnect.
		return provider.SubscriptionDeferred, nil
	}
	if err := p.sendSubscribe([]string{sub.Symbol}); err != nil {
		return provider.SubscriptionDeferred, nil
	}
	return id, nil
}

func (p *Provider) UnsubscribeTrades(id int64) error {
	p.mu.Lock()
	var symbol string
	for i, e := range p.tradeSubs {
		if e.id == id {
			symbol = e.sub.Symbol
			p.tradeSubs = append(p.tradeSubs[:i], p.tradeSubs[i+1:]...)
			break
		}
	}
	connected := p.connected
	p.mu.Unlock()

	if symbol == "" {
		return fmt.Errorf("alpaca: unknown subscription id %d", id)
	}
	if !connected {
		return nil
	}
	msg, _ := json.Marshal(map[string]any{"action": "unsubscribe", "trades": []string{symbol}, "quotes": []string{symbol}})
	return p.sess.Send(msg)
}

func (p *Provider) sendSubscribe(symbols []string) error {
	msg, _ := json.Marshal(map[string]any{"action": "subscribe", "trades": symbols, "quotes": symbols})
	return p.sess.Send(msg)
}

// handler adapts Provider to session.Handler without widening the
// exported API
type handler Provider

func (h *handler) OnConnect() {
	p := (*Provider)(h)

	auth, _ := json.Marshal(map[string]string{"action": "auth", "key": p.opts.KeyID, "secret": p.opts.Secret})
	if err := p.sess.Send(auth); err != nil {
		p.logger.Warn().Err(err).Msg("Auth write failed")
		return
	}

	p.mu.Lock()
	reconnect := p.everConnected
	p.everConnected = true
	p.connected = true
	symbols := make([]string, 0, len(p.tradeSubs))
	for _, e := range p.tradeSubs {
		symbols = append(symbols, e.sub.Symbol)
	}
	p.mu.Unlock()

	if reconnect {
		// The feed restarts its stream on a new connection; local sequence
		// counters restart with it, announced in-band.
		p.resetSequences()
		p.emit(types.NewIntegrity(ProviderID, "", types.IntegrityReset, "sequence counters reset after reconnect"))
	}

	if len(symbols) > 0 {
		if err := p.sendSubscribe(symbols); err != nil {
			p.logger.Warn().Err(err).Msg("Subscription replay failed")
			return
		}
		p.logger.Info().Int("symbols", len(symbols)).Msg("Replayed subscriptions")
	}
}

func (h *handler) OnDisconnect(err error) {
	p := (*Provider)(h)

	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()

	reason := "transport closed"
	if err != nil {
		reason = err.Error()
	}
	p.emit(types.NewIntegrity(ProviderID, "", types.IntegrityConnectionLost, reason))
}

// wireMessage is one element of the feed's JSON array frames
type wireMessage struct {
	Type      string    `json:"T"`
	Symbol    string    `json:"S"`
	Price     float64   `json:"p"`
	Size      float64   `json:"s"`
	TradeID   int64     `json:"i"`
	Timestamp time.Time `json:"t"`
	Exchange  string    `json:"x"`
	TakerSide string    `json:"tks"`

	BidPrice float64 `json:"bp"`
	BidSize  float64 `json:"bs"`
	AskPrice float64 `json:"ap"`
	AskSize  float64 `json:"as"`

	Msg string `json:"msg"`
}

func (h *handler) OnMessage(data []byte) {
	p := (*Provider)(h)

	if p.opts.Monitor != nil {
		p.opts.Monitor.RecordData(ProviderID)
	}

	var msgs []wireMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		p.logger.Debug().Err(err).Msg("Undecodable frame")
		return
	}

	for i := range msgs {
		switch msgs[i].Type {
		case "t":
			p.emitTrade(&msgs[i])
		case "q":
			p.emitQuote(&msgs[i])
		case "error":
			p.logger.Warn().Str("msg", msgs[i].Msg).Msg("Feed error message")
		}
	}
}

func (p *Provider) emitTrade(m *wireMessage) {
	side := types.SideUnknown
	switch m.TakerSide {
	case "B":
		side = types.SideBuy
	case "S":
		side = types.SideSell
	}

	p.emit(types.Event{
		Timestamp:         m.Timestamp,
		ReceivedAt:        time.Now().UTC(),
		ReceivedMonotonic: types.MonotonicNow(),
		Symbol:            m.Symbol,
		Type:              types.EventTrade,
		Payload: &types.TradePayload{
			Price:    m.Price,
			Size:     m.Size,
			Side:     side,
			TradeID:  fmt.Sprintf("%d", m.TradeID),
			Exchange: m.Exchange,
		},
		Sequence:      p.nextSeq(m.Symbol, types.EventTrade),
		Source:        ProviderID,
		SchemaVersion: types.SchemaVersion,
		Tier:          types.TierRaw,
	})
}

func (p *Provider) emitQuote(m *wireMessage) {
	p.emit(types.Event{
		Timestamp:         m.Timestamp,
		ReceivedAt:        time.Now().UTC(),
		ReceivedMonotonic: types.MonotonicNow(),
		Symbol:            m.Symbol,
		Type:              types.EventBboQuote,
		Payload: &types.QuotePayload{
			BidPrice: m.BidPrice,
			BidSize:  m.BidSize,
			AskPrice: m.AskPrice,
			AskSize:  m.AskSize,
			Exchange: m.Exchange,
		},
		Sequence:      p.nextSeq(m.Symbol, types.EventBboQuote),
		Source:        ProviderID,
		SchemaVersion: types.SchemaVersion,
		Tier:          types.TierRaw,
	})
}

// nextSeq assigns the per-(symbol, type) monotonic sequence
func (p *Provider) nextSeq(symbol string, t types.EventType) uint64 {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	key := symbol + "|" + string(t)
	p.seqs[key]++
	return p.seqs[key]
}

func (p *Provider) resetSequences() {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	p.seqs = make(map[string]uint64)
}
