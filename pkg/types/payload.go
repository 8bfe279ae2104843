package types

import "time"

// Payload is the tagged variant carried by an Event. Kind returns the
// stable string discriminator used in the on-wire form.
type Payload interface {
	Kind() string
}

// Side is the aggressor side of a trade
type Side string

const (
	SideBuy     Side = "buy"
	SideSell    Side = "sell"
	SideUnknown Side = "unknown"
)

// ParseSide maps arbitrary vendor side strings onto the Side enum.
// Anything outside buy/sell becomes SideUnknown.
func ParseSide(s string) Side {
	switch Side(s) {
	case SideBuy, SideSell:
		return Side(s)
	}
	return SideUnknown
}

// TradePayload is a single trade print
type TradePayload struct {
	Price    float64 `json:"price"`
	Size     float64 `json:"size"`
	Side     Side    `json:"side"`
	TradeID  string  `json:"trade_id,omitempty"`
	Exchange string  `json:"exchange,omitempty"`
}

func (p *TradePayload) Kind() string { return string(EventTrade) }

// QuotePayload is a best bid/offer update
type QuotePayload struct {
	BidPrice float64 `json:"bid_price"`
	BidSize  float64 `json:"bid_size"`
	AskPrice float64 `json:"ask_price"`
	AskSize  float64 `json:"ask_size"`
	Exchange string  `json:"exchange,omitempty"`
}

func (p *QuotePayload) Kind() string { return string(EventBboQuote) }

// BookLevel is one price level of an order book side
type BookLevel struct {
	Price  float64 `json:"price"`
	Size   float64 `json:"size"`
	Orders int     `json:"orders,omitempty"`
}

// DepthPayload is a level-2 book snapshot. Bids are ordered best-first
// (non-increasing price), asks best-first (non-decreasing price).
type DepthPayload struct {
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}

func (p *DepthPayload) Kind() string { return string(EventL2Snapshot) }

// OrderFlowPayload aggregates signed traded volume over a short window
type OrderFlowPayload struct {
	BidVolume float64 `json:"bid_volume"`
	AskVolume float64 `json:"ask_volume"`
	Delta     float64 `json:"delta"`
	Trades    int     `json:"trades"`
}

func (p *OrderFlowPayload) Kind() string { return string(EventOrderFlow) }

// BarPayload is an OHLCV bar, either a historical daily bar or a live
// aggregate bar. SessionDate is the UTC trading day for daily bars; Start
// and End bound intraday aggregates.
type BarPayload struct {
	SessionDate time.Time `json:"session_date"`
	Start       time.Time `json:"start,omitempty"`
	End         time.Time `json:"end,omitempty"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	VWAP        float64   `json:"vwap,omitempty"`
	TradeCount  int64     `json:"trade_count,omitempty"`
	Adjusted    bool      `json:"adjusted,omitempty"`

	kind string
}

func (p *BarPayload) Kind() string {
	if p.kind == string(EventAggregateBar) {
		return p.kind
	}
	return string(EventHistoricalBar)
}

// AsAggregate marks the bar as a live aggregate rather than a daily bar
func (p *BarPayload) AsAggregate() *BarPayload {
	p.kind = string(EventAggregateBar)
	return p
}

// OptionRight distinguishes calls from puts
type OptionRight string

const (
	RightCall OptionRight = "call"
	RightPut  OptionRight = "put"
)

// OptionContract identifies a listed option
type OptionContract struct {
	Underlying string      `json:"underlying"`
	Expiry     time.Time   `json:"expiry"`
	Strike     float64     `json:"strike"`
	Right      OptionRight `json:"right"`
}

// OptionQuotePayload is a BBO update for an option contract
type OptionQuotePayload struct {
	Contract OptionContract `json:"contract"`
	BidPrice float64        `json:"bid_price"`
	BidSize  float64        `json:"bid_size"`
	AskPrice float64        `json:"ask_price"`
	AskSize  float64        `json:"ask_size"`
}

func (p *OptionQuotePayload) Kind() string { return string(EventOptionQuote) }

// OptionTradePayload is a trade print on an option contract
type OptionTradePayload struct {
	Contract OptionContract `json:"contract"`
	Price    float64        `json:"price"`
	Size     float64        `json:"size"`
	Side     Side           `json:"side"`
}

func (p *OptionTradePayload) Kind() string { return string(EventOptionTrade) }

// GreeksPayload carries vendor-computed option greeks
type GreeksPayload struct {
	Contract   OptionContract `json:"contract"`
	Delta      float64        `json:"delta"`
	Gamma      float64        `json:"gamma"`
	Theta      float64        `json:"theta"`
	Vega       float64        `json:"vega"`
	Rho        float64        `json:"rho"`
	ImpliedVol float64        `json:"implied_vol"`
}

func (p *GreeksPayload) Kind() string { return string(EventOptionGreeks) }

// OptionChainPayload lists the contracts available for an underlying
type OptionChainPayload struct {
	Underlying string           `json:"underlying"`
	Contracts  []OptionContract `json:"contracts"`
}

func (p *OptionChainPayload) Kind() string { return string(EventOptionChain) }

// OpenInterestPayload is an open interest observation
type OpenInterestPayload struct {
	Contract     *OptionContract `json:"contract,omitempty"`
	OpenInterest float64         `json:"open_interest"`
}

func (p *OpenInterestPayload) Kind() string { return string(EventOpenInterest) }

// IntegrityKind classifies in-band data quality conditions
type IntegrityKind string

const (
	IntegrityGap                 IntegrityKind = "gap"
	IntegrityOutOfOrder          IntegrityKind = "out_of_order"
	IntegrityDuplicate           IntegrityKind = "duplicate"
	IntegrityReset               IntegrityKind = "reset"
	IntegrityOverflow            IntegrityKind = "overflow"
	IntegritySinkFailure         IntegrityKind = "sink_failure"
	IntegrityNoHealthyBackup     IntegrityKind = "no_healthy_backup"
	IntegrityConnectionLost      IntegrityKind = "connection_lost"
	IntegrityConnectionRecovered IntegrityKind = "connection_recovered"
	IntegrityCrossValidation     IntegrityKind = "cross_validation"
	IntegrityInvalidData         IntegrityKind = "invalid_data"
)

// Severity returns the default severity for the integrity kind
func (k IntegrityKind) Severity() string {
	switch k {
	case IntegritySinkFailure, IntegrityNoHealthyBackup, IntegrityConnectionLost:
		return "error"
	case IntegrityConnectionRecovered:
		return "info"
	}
	return "warn"
}

// IntegrityPayload signals a data-quality or system condition in-band.
// Code 2001 (resync requested) is informational: consumers that maintain
// book state resubscribe on their own.
type IntegrityPayload struct {
	Condition IntegrityKind     `json:"kind"`
	Severity  string            `json:"severity"`
	Code      int               `json:"code,omitempty"`
	Message   string            `json:"message,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

func (p *IntegrityPayload) Kind() string { return string(EventIntegrity) }

// HeartbeatPayload marks liveness of a collector component
type HeartbeatPayload struct {
	Component string `json:"component,omitempty"`
}

func (p *HeartbeatPayload) Kind() string { return string(EventHeartbeat) }
