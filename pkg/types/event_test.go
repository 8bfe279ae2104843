package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventJSONRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 15, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		event Event
	}{
		{
			name: "trade",
			event: Event{
				Timestamp:       ts,
				ReceivedAt:      ts,
				Symbol:          "aapl",
				CanonicalSymbol: "AAPL",
				Type:            EventTrade,
				Payload:         &TradePayload{Price: 187.25, Size: 100, Side: SideBuy, TradeID: "t-1"},
				Sequence:        42,
				Source:          "alpaca",
				SchemaVersion:   SchemaVersion,
				Tier:            TierNormalized,
			},
		},
		{
			name: "bbo quote",
			event: Event{
				Timestamp: ts,
				Symbol:    "MSFT",
				Type:      EventBboQuote,
				Payload:   &QuotePayload{BidPrice: 420.10, BidSize: 3, AskPrice: 420.12, AskSize: 5},
				Sequence:  7,
				Source:    "polygon",
				Tier:      TierRaw,
			},
		},
		{
			name: "l2 snapshot",
			event: Event{
				Timestamp: ts,
				Symbol:    "SPY",
				Type:      EventL2Snapshot,
				Payload: &DepthPayload{
					Bids: []BookLevel{{Price: 500.1, Size: 10}, {Price: 500.0, Size: 20}},
					Asks: []BookLevel{{Price: 500.2, Size: 8}, {Price: 500.3, Size: 12}},
				},
				Source: "alpaca",
			},
		},
		{
			name: "historical bar",
			event: Event{
				Timestamp: ts,
				Symbol:    "SPY",
				Type:      EventHistoricalBar,
				Payload: &BarPayload{
					SessionDate: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
					Open:        510, High: 512, Low: 508, Close: 511, Volume: 1000000,
				},
				Source: "stooq",
			},
		},
		{
			name: "integrity",
			event: Event{
				Timestamp: ts,
				Symbol:    SystemSymbol,
				Type:      EventIntegrity,
				Payload:   &IntegrityPayload{Condition: IntegrityOverflow, Severity: "warn", Message: "queue full"},
				Source:    "pipeline",
			},
		},
		{
			name: "option quote",
			event: Event{
				Timestamp: ts,
				Symbol:    "AAPL",
				Type:      EventOptionQuote,
				Payload: &OptionQuotePayload{
					Contract: OptionContract{Underlying: "AAPL", Expiry: ts, Strike: 190, Right: RightCall},
					BidPrice: 2.15, BidSize: 10, AskPrice: 2.20, AskSize: 14,
				},
				Source: "polygon",
			},
		},
		{
			name: "heartbeat",
			event: Event{
				Timestamp: ts,
				Symbol:    SystemSymbol,
				Type:      EventHeartbeat,
				Payload:   &HeartbeatPayload{Component: "session"},
				Source:    "alpaca",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.event)
			require.NoError(t, err)

			var decoded Event
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, tt.event, decoded)
		})
	}
}

func TestEventJSONKindDiscriminator(t *testing.T) {
	ev := Event{
		Timestamp: time.Now().UTC(),
		Symbol:    "AAPL",
		Type:      EventTrade,
		Payload:   &TradePayload{Price: 1, Size: 1, Side: SideSell},
		Source:    "test",
	}
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))

	var payload map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw["payload"], &payload))
	assert.JSONEq(t, `"trade"`, string(payload["kind"]))
}

func TestAggregateBarKindSurvivesRoundTrip(t *testing.T) {
	ev := Event{
		Timestamp: time.Now().UTC(),
		Symbol:    "QQQ",
		Type:      EventAggregateBar,
		Payload:   (&BarPayload{Open: 1, High: 2, Low: 1, Close: 2, Volume: 10}).AsAggregate(),
		Source:    "alpaca",
	}
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, string(EventAggregateBar), decoded.Payload.Kind())
}

func TestUnknownPayloadKind(t *testing.T) {
	data := []byte(`{"type":"trade","payload":{"kind":"nope","data":{}},"timestamp":"2024-01-01T00:00:00Z","received_at":"2024-01-01T00:00:00Z","received_monotonic":0,"symbol":"X","sequence":0,"source":"s","schema_version":1,"tier":"raw"}`)
	var ev Event
	assert.Error(t, json.Unmarshal(data, &ev))
}

func TestMonotonicNowStrictlyIncreasing(t *testing.T) {
	prev := MonotonicNow()
	for i := 0; i < 10000; i++ {
		cur := MonotonicNow()
		require.Greater(t, cur, prev)
		prev = cur
	}
}

func TestNewHeartbeat(t *testing.T) {
	hb := NewHeartbeat("alpaca", "session")
	assert.Equal(t, SystemSymbol, hb.Symbol)
	assert.Equal(t, uint64(0), hb.Sequence)
	assert.Equal(t, EventHeartbeat, hb.Type)
}
