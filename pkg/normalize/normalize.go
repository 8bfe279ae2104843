package normalize

import (
	"strings"

	"github.com/openquant/tickerd/pkg/types"
)

// CanonicalSymbol trims and uppercases a raw symbol into canonical form.
// Idempotent: canonical input maps to itself.
func CanonicalSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Outcome classifies what the normalizer decided about an event
type Outcome int

const (
	// OutcomeAccept delivers the (possibly rewritten) event downstream
	OutcomeAccept Outcome = iota
	// OutcomeDrop discards the event; Integrity may carry a companion event
	OutcomeDrop
)

// Result is the normalizer's verdict for one input event
type Result struct {
	Outcome Outcome
	Event   types.Event
	// Integrity, when non-nil, is emitted alongside (or instead of) the event
	Integrity *types.Event
}

// Normalizer canonicalizes events at the adapter/pipeline boundary and
// suppresses duplicate sequences per (source, symbol, type). The pure
// rewriting is idempotent; the sequence tracker is the only state.
type Normalizer struct {
	tracker *tracker
}

// New creates a normalizer
func New() *Normalizer {
	return &Normalizer{tracker: newTracker()}
}

// Apply canonicalizes one event. Heartbeats and integrity events bypass
// the sequence tracker.
func (n *Normalizer) Apply(ev types.Event) Result {
	ev = Canonicalize(ev)

	switch ev.Type {
	case types.EventHeartbeat, types.EventIntegrity:
		return Result{Outcome: OutcomeAccept, Event: ev}
	}

	// Payload invariants.
	switch p := ev.Payload.(type) {
	case *types.TradePayload:
		if !types.ValidTrade(p) {
			integ := types.NewIntegrity(ev.Source, ev.CanonicalSymbol, types.IntegrityInvalidData, "trade failed validation")
			return Result{Outcome: OutcomeDrop, Integrity: &integ}
		}
	case *types.BarPayload:
		if !types.ValidBar(p) {
			integ := types.NewIntegrity(ev.Source, ev.CanonicalSymbol, types.IntegrityInvalidData, "bar failed OHLC validation")
			return Result{Outcome: OutcomeDrop, Integrity: &integ}
		}
	case *types.DepthPayload:
		if !types.ValidDepth(p) {
			integ := types.NewIntegrity(ev.Source, ev.CanonicalSymbol, types.IntegrityInvalidData, "depth snapshot not price-ordered")
			return Result{Outcome: OutcomeDrop, Integrity: &integ}
		}
	}

	if ev.Sequence > 0 {
		if verdict := n.tracker.observe(&ev); verdict != nil {
			return *verdict
		}
	}

	return Result{Outcome: OutcomeAccept, Event: ev}
}

// Canonicalize performs the pure, stateless rewriting: canonical symbol,
// UTC timestamps, aggressor side validation, tier promotion. Applying it
// twice yields the same event.
func Canonicalize(ev types.Event) types.Event {
	ev.CanonicalSymbol = CanonicalSymbol(ev.Symbol)
	ev.Timestamp = ev.Timestamp.UTC()
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	if ev.Tier == types.TierRaw || ev.Tier == "" {
		ev.Tier = types.TierNormalized
	}

	switch p := ev.Payload.(type) {
	case *types.TradePayload:
		p.Side = types.ParseSide(string(p.Side))
	case *types.OptionTradePayload:
		p.Side = types.ParseSide(string(p.Side))
	}
	return ev
}
