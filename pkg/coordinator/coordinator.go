package coordinator

import (
	"sync"

	"github.com/openquant/tickerd/pkg/log"
	"github.com/openquant/tickerd/pkg/metrics"
	"github.com/openquant/tickerd/pkg/normalize"
	"github.com/openquant/tickerd/pkg/provider"
	"github.com/openquant/tickerd/pkg/types"
	"github.com/rs/zerolog"
)

// Coordinator reconciles the desired symbol set against the active
// provider's live subscriptions. Apply and Retarget are serialised under a
// single reconciliation lock; snapshot reads copy the maps and observe an
// eventually-consistent view.
type Coordinator struct {
	mu       sync.RWMutex
	provider provider.StreamingProvider
	logger   zerolog.Logger

	depthSubs map[string]int64
	tradeSubs map[string]int64
	previous  map[string]types.SymbolSubscription
}

// New creates a coordinator targeting the given provider
func New(p provider.StreamingProvider) *Coordinator {
	return &Coordinator{
		provider:  p,
		logger:    log.WithComponent("coordinator"),
		depthSubs: make(map[string]int64),
		tradeSubs: make(map[string]int64),
		previous:  make(map[string]types.SymbolSubscription),
	}
}

// Apply reconciles the desired configuration. Per-symbol provider errors
// are recorded (id -1) and retried on the next Apply; they never abort the
// reconciliation.
func (c *Coordinator) Apply(symbols []types.SymbolSubscription) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

	c.mu.Lock()
	defer c.mu.Unlock()

	desired := make(map[string]types.SymbolSubscription, len(symbols))
	for _, sub := range symbols {
		canonical := normalize.CanonicalSymbol(sub.Symbol)
		if canonical == "" {
			continue
		}
		sub.Symbol = canonical
		desired[canonical] = sub
	}

	c.reconcileLocked(desired)
}

// Retarget points the coordinator at a new active provider and re-issues
// the desired subscription set against it. The old provider's ids are
// forgotten, not unsubscribed: after a failover it is presumed
// unavailable.
func (c *Coordinator) Retarget(p provider.StreamingProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info().
		Str("provider", p.Info().ID).
		Int("symbols", len(c.previous)).
		Msg("Retargeting subscriptions")

	c.provider = p
	c.depthSubs = make(map[string]int64)
	c.tradeSubs = make(map[string]int64)

	desired := c.previous
	c.previous = make(map[string]types.SymbolSubscription, len(desired))
	c.reconcileLocked(desired)
}

// Resubscribe re-attempts every deferred (-1) subscription against the
// current provider. Called after the provider reconnects.
func (c *Coordinator) Resubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()

	desired := c.previous
	c.previous = make(map[string]types.SymbolSubscription, len(desired))
	c.reconcileLocked(desired)
}

func (c *Coordinator) reconcileLocked(desired map[string]types.SymbolSubscription) {
	// Drop everything no longer desired.
	for _, symbol := range c.obsoleteLocked(desired) {
		c.unsubscribeLocked(symbol)
		delete(c.previous, symbol)
	}

	for symbol, sub := range desired {
		prev, existed := c.previous[symbol]
		switch {
		case !existed:
			c.logger.Info().Str("symbol", symbol).Msg("Subscribing")
		case !prev.Equal(sub):
			c.logger.Info().Str("symbol", symbol).Msg("Updating subscription")
			// Settings changed: tear the active subscriptions down so the
			// branches below re-issue them with the new parameters.
			c.unsubscribeLocked(symbol)
		}

		c.reconcileDepthLocked(symbol, sub)
		c.reconcileTradesLocked(symbol, sub)
	}

	c.previous = desired
	c.updateGauges()
}

// obsoleteLocked returns (depth ∪ trades ∪ previous) \ desired
func (c *Coordinator) obsoleteLocked(desired map[string]types.SymbolSubscription) []string {
	seen := make(map[string]struct{})
	for symbol := range c.depthSubs {
		seen[symbol] = struct{}{}
	}
	for symbol := range c.tradeSubs {
		seen[symbol] = struct{}{}
	}
	for symbol := range c.previous {
		seen[symbol] = struct{}{}
	}

	var out []string
	for symbol := range seen {
		if _, ok := desired[symbol]; !ok {
			out = append(out, symbol)
		}
	}
	return out
}

func (c *Coordinator) reconcileDepthLocked(symbol string, sub types.SymbolSubscription) {
	_, active := c.depthSubs[symbol]
	hasLive := active && c.depthSubs[symbol] != provider.SubscriptionDeferred

	switch {
	case sub.SubscribeDepth && !hasLive:
		id, err := c.provider.SubscribeMarketDepth(sub)
		if err != nil {
			c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Market depth subscription failed")
			metrics.SubscriptionErrors.WithLabelValues("depth").Inc()
			c.depthSubs[symbol] = provider.SubscriptionDeferred
			return
		}
		c.depthSubs[symbol] = id
		if id == provider.SubscriptionDeferred {
			c.logger.Debug().Str("symbol", symbol).Msg("Market depth subscription deferred until reconnect")
		}

	case !sub.SubscribeDepth && active:
		if id := c.depthSubs[symbol]; id > 0 {
			if err := c.provider.UnsubscribeMarketDepth(id); err != nil {
				c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Market depth unsubscribe failed")
			}
		}
		delete(c.depthSubs, symbol)
	}
}

func (c *Coordinator) reconcileTradesLocked(symbol string, sub types.SymbolSubscription) {
	_, active := c.tradeSubs[symbol]
	hasLive := active && c.tradeSubs[symbol] != provider.SubscriptionDeferred

	switch {
	case sub.SubscribeTrades && !hasLive:
		id, err := c.provider.SubscribeTrades(sub)
		if err != nil {
			c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Trade subscription failed")
			metrics.SubscriptionErrors.WithLabelValues("trades").Inc()
			c.tradeSubs[symbol] = provider.SubscriptionDeferred
			return
		}
		c.tradeSubs[symbol] = id
		if id == provider.SubscriptionDeferred {
			c.logger.Debug().Str("symbol", symbol).Msg("Trade subscription deferred until reconnect")
		}

	case !sub.SubscribeTrades && active:
		if id := c.tradeSubs[symbol]; id > 0 {
			if err := c.provider.UnsubscribeTrades(id); err != nil {
				c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Trade unsubscribe failed")
			}
		}
		delete(c.tradeSubs, symbol)
	}
}

func (c *Coordinator) unsubscribeLocked(symbol string) {
	if id, ok := c.depthSubs[symbol]; ok {
		if id > 0 {
			if err := c.provider.UnsubscribeMarketDepth(id); err != nil {
				c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Market depth unsubscribe failed")
			}
		}
		delete(c.depthSubs, symbol)
	}
	if id, ok := c.tradeSubs[symbol]; ok {
		if id > 0 {
			if err := c.provider.UnsubscribeTrades(id); err != nil {
				c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Trade unsubscribe failed")
			}
		}
		delete(c.tradeSubs, symbol)
	}
}

func (c *Coordinator) updateGauges() {
	metrics.ActiveSubscriptions.WithLabelValues("depth").Set(float64(len(c.depthSubs)))
	metrics.ActiveSubscriptions.WithLabelValues("trades").Set(float64(len(c.tradeSubs)))
}

// DepthSubscriptions returns a snapshot of the depth subscription map
func (c *Coordinator) DepthSubscriptions() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]int64, len(c.depthSubs))
	for k, v := range c.depthSubs {
		out[k] = v
	}
	return out
}

// TradeSubscriptions returns a snapshot of the trade subscription map
func (c *Coordinator) TradeSubscriptions() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]int64, len(c.tradeSubs))
	for k, v := range c.tradeSubs {
		out[k] = v
	}
	return out
}

// Provider returns the current target provider
func (c *Coordinator) Provider() provider.StreamingProvider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.provider
}
