// Package polygon adapts the Polygon.io websocket and REST APIs to the
// streaming and historical provider contracts.
package polygon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
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
const ProviderID = "polygon"

const defaultFeedURL = "wss://socket.polygon.io/stocks"

// Options configures the streaming adapter
type Options struct {
	FeedURL string
	Session session.Config
	APIKey  string
	Dialer  session.Dialer
	Monitor *monitor.Monitor
}

type subKind int

const (
	kindTrades subKind = iota
	kindDepth
)

type subEntry struct {
	id   int64
	kind subKind
	sub  types.SymbolSubscription
}

// Provider is the Polygon streaming adapter
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
	subs          []subEntry // insertion order preserved for replay

	seqMu sync.Mutex
	seqs  map[string]uint64
}

// New creates the adapter
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
	return provider.Info{ID: ProviderID, DisplayName: "Polygon.io", Priority: 2}
}

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsTrades: true,
		SupportsQuotes: true,
		SupportsDepth:  true,
		MaxDepthLevels: 10,
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

func (p *Provider) SubscribeTrades(sub types.SymbolSubscription) (int64, error) {
	return p.subscribe(kindTrades, sub)
}

func (p *Provider) SubscribeMarketDepth(sub types.SymbolSubscription) (int64, error) {
	return p.subscribe(kindDepth, sub)
}

func (p *Provider) subscribe(kind subKind, sub types.SymbolSubscription) (int64, error) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	entry := subEntry{id: id, kind: kind, sub: sub}
	p.subs = append(p.subs, entry)
	connected := p.connected
	p.mu.Unlock()

	if !connected {
		return provider.SubscriptionDeferred, nil
	}
	if err := p.sess.Send(subscribeFrame("subscribe", []subEntry{entry})); err != nil {
		return provider.SubscriptionDeferred, nil
	}
	return id, nil
}

func (p *Provider) UnsubscribeTrades(id int64) error {
	return p.unsubscribe(id)
}

func (p *Provider) UnsubscribeMarketDepth(id int64) error {
	return p.unsubscribe(id)
}

func (p *Provider) unsubscribe(id int64) error {
	p.mu.Lock()
	var found *subEntry
	for i, e := range p.subs {
		if e.id == id {
			entry := e
			found = &entry
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			break
		}
	}
	connected := p.connected
	p.mu.Unlock()

	if found == nil {
		return fmt.Errorf("polygon: unknown subscription id %d", id)
	}
	if !connected {
		return nil
	}
	return p.sess.Send(subscribeFrame("unsubscribe", []subEntry{*found}))
}

// subscribeFrame builds the params frame, e.g.
// {"action":"subscribe","params":"T.AAPL,Q.AAPL,L2.MSFT"}
func subscribeFrame(action string, entries []subEntry) []byte {
	var params []string
	for _, e := range entries {
		switch e.kind {
		case kindTrades:
			params = append(params, "T."+e.sub.Symbol, "Q."+e.sub.Symbol)
		case kindDepth:
			params = append(params, "L2."+e.sub.Symbol)
		}
	}
	msg, _ := json.Marshal(map[string]string{"action": action, "params": strings.Join(params, ",")})
	return msg
}

type handler Provider

func (h *handler) OnConnect() {
	p := (*Provider)(h)

	auth, _ := json.Marshal(map[string]string{"action": "auth", "params": p.opts.APIKey})
	if err := p.sess.Send(auth); err != nil {
		p.logger.Warn().Err(err).Msg("Auth write failed")
		return
	}

	p.mu.Lock()
	reconnect := p.everConnected
	p.everConnected = true
	p.connected = true
	replay := make([]subEntry, len(p.subs))
	copy(replay, p.subs)
	p.mu.Unlock()

	if reconnect {
		// The feed restarts its stream on a new connection; local sequence
		// counters restart with it, announced in-band.
		p.resetSequences()
		p.emit(types.NewIntegrity(ProviderID, "", types.IntegrityReset, "sequence counters reset after reconnect"))
	}

	if len(replay) > 0 {
		if err := p.sess.Send(subscribeFrame("subscribe", replay)); err != nil {
			p.logger.Warn().Err(err).Msg("Subscription replay failed")
			return
		}
		p.logger.Info().Int("subscriptions", len(replay)).Msg("Replayed subscriptions")
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

type wireLevel struct {
	Price float64 `json:"p"`
	Size  float64 `json:"s"`
}

// wireMessage is one element of the feed's JSON array frames
type wireMessage struct {
	Event       string  `json:"ev"`
	Symbol      string  `json:"sym"`
	Price       float64 `json:"p"`
	Size        float64 `json:"s"`
	TradeID     string  `json:"i"`
	TimestampMs int64   `json:"t"`

	BidPrice float64 `json:"bp"`
	BidSize  float64 `json:"bs"`
	AskPrice float64 `json:"ap"`
	AskSize  float64 `json:"as"`

	Bids []wireLevel `json:"b"`
	Asks []wireLevel `json:"a"`

	Status  string `json:"status"`
	Message string `json:"message"`
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
		switch msgs[i].Event {
		case "T":
			p.emitTrade(&msgs[i])
		case "Q":
			p.emitQuote(&msgs[i])
		case "L2":
			p.emitDepth(&msgs[i])
		case "status":
			if msgs[i].Status == "error" || msgs[i].Status == "auth_failed" {
				p.logger.Warn().Str("message", msgs[i].Message).Msg("Feed status error")
			}
		}
	}
}

func (p *Provider) emitTrade(m *wireMessage) {
	p.emit(types.Event{
		Timestamp:         time.UnixMilli(m.TimestampMs).UTC(),
		ReceivedAt:        time.Now().UTC(),
		ReceivedMonotonic: types.MonotonicNow(),
		Symbol:            m.Symbol,
		Type:              types.EventTrade,
		Payload: &types.TradePayload{
			Price:   m.Price,
			Size:    m.Size,
			Side:    types.SideUnknown, // inferred downstream from BBO
			TradeID: m.TradeID,
		},
		Sequence:      p.nextSeq(m.Symbol, types.EventTrade),
		Source:        ProviderID,
		SchemaVersion: types.SchemaVersion,
		Tier:          types.TierRaw,
	})
}

func (p *Provider) emitQuote(m *wireMessage) {
	p.emit(types.Event{
		Timestamp:         time.UnixMilli(m.TimestampMs).UTC(),
		ReceivedAt:        time.Now().UTC(),
		ReceivedMonotonic: types.MonotonicNow(),
		Symbol:            m.Symbol,
		Type:              types.EventBboQuote,
		Payload: &types.QuotePayload{
			BidPrice: m.BidPrice,
			BidSize:  m.BidSize,
			AskPrice: m.AskPrice,
			AskSize:  m.AskSize,
		},
		Sequence:      p.nextSeq(m.Symbol, types.EventBboQuote),
		Source:        ProviderID,
		SchemaVersion: types.SchemaVersion,
		Tier:          types.TierRaw,
	})
}

func (p *Provider) emitDepth(m *wireMessage) {
	depth := &types.DepthPayload{
		Bids: make([]types.BookLevel, 0, len(m.Bids)),
		Asks: make([]types.BookLevel, 0, len(m.Asks)),
	}
	for _, l := range m.Bids {
		depth.Bids = append(depth.Bids, types.BookLevel{Price: l.Price, Size: l.Size})
	}
	for _, l := range m.Asks {
		depth.Asks = append(depth.Asks, types.BookLevel{Price: l.Price, Size: l.Size})
	}

	p.emit(types.Event{
		Timestamp:         time.UnixMilli(m.TimestampMs).UTC(),
		ReceivedAt:        time.Now().UTC(),
		ReceivedMonotonic: types.MonotonicNow(),
		Symbol:            m.Symbol,
		Type:              types.EventL2Snapshot,
		Payload:           depth,
		Sequence:          p.nextSeq(m.Symbol, types.EventL2Snapshot),
		Source:            ProviderID,
		SchemaVersion:     types.SchemaVersion,
		Tier:              types.TierRaw,
	})
}

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
