package provider

import (
	"context"
	"time"

	"github.com/openquant/tickerd/pkg/types"
)

// SubscriptionDeferred is returned by subscribe calls when the provider is
// currently unavailable. The caller remembers the intent and retries when
// the provider reconnects.
const SubscriptionDeferred int64 = -1

// Info identifies a provider
type Info struct {
	ID          string
	DisplayName string
	// Priority orders providers when several cover the same capability;
	// lower is preferred.
	Priority int
}

// RateLimit declares a provider's request budget
type RateLimit struct {
	MaxRequestsPerWindow int
	Window               time.Duration
	MinDelay             time.Duration
}

// Capabilities describes what a streaming provider can deliver
type Capabilities struct {
	SupportsTrades bool
	SupportsQuotes bool
	SupportsDepth  bool
	MaxDepthLevels int
	RateLimit      RateLimit
}

// EmitFunc receives canonical events from a provider adapter. It must not
// block: adapters call it from their receive loops.
type EmitFunc func(types.Event)

// StreamingProvider is the uniform contract for live market data vendors.
// Connect and Disconnect are idempotent. Subscribe calls return a positive
// subscription id, or SubscriptionDeferred when the provider is
// unavailable and the intent should be retried after reconnect.
//
// Adapters surface disconnects by emitting an Integrity event and
// returning from their receive loop; they never panic into the caller.
type StreamingProvider interface {
	Info() Info
	Capabilities() Capabilities

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	SubscribeMarketDepth(sub types.SymbolSubscription) (int64, error)
	UnsubscribeMarketDepth(id int64) error
	SubscribeTrades(sub types.SymbolSubscription) (int64, error)
	UnsubscribeTrades(id int64) error
}

// HistoricalProvider is the uniform contract for historical bar vendors.
// Returned bars are ascending by session date and deduplicated.
type HistoricalProvider interface {
	Info() Info
	RateLimit() RateLimit

	GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]types.BarPayload, error)
	IsAvailable(ctx context.Context) bool
}

// AdjustedBarProvider is implemented by historical providers that can
// serve split/dividend adjusted bars.
type AdjustedBarProvider interface {
	GetAdjustedDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]types.BarPayload, error)
}

// SymbolResolver maps a raw symbol onto the canonical form a provider
// expects. Used by the composite provider before dispatch.
type SymbolResolver interface {
	Resolve(ctx context.Context, symbol string) (string, error)
}
