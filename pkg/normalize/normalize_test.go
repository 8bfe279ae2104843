package normalize

import (
	"testing"
	"time"

	"github.com/openquant/tickerd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawTrade(source, symbol string, seq uint64, price float64) types.Event {
	ny, _ := time.LoadLocation("America/New_York")
	return types.Event{
		Timestamp:  time.Date(2024, 5, 1, 9, 30, 0, 0, ny),
		ReceivedAt: time.Now(),
		Symbol:     symbol,
		Type:       types.EventTrade,
		Payload:    &types.TradePayload{Price: price, Size: 100, Side: "buy"},
		Sequence:   seq,
		Source:     source,
		Tier:       types.TierRaw,
	}
}

func TestCanonicalSymbol(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{" aapl ", "AAPL"},
		{"AAPL", "AAPL"},
		{"brk.b", "BRK.B"},
		{"\tmsft\n", "MSFT"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.out, CanonicalSymbol(tt.in))
	}
}

func TestCanonicalizeIsIdempotent(t *testing.T) {
	ev := rawTrade("alpaca", " aapl ", 1, 187.5)
	once := Canonicalize(ev)
	twice := Canonicalize(once)
	assert.Equal(t, once, twice)

	assert.Equal(t, "AAPL", once.CanonicalSymbol)
	_, offset := once.Timestamp.Zone()
	assert.Zero(t, offset)
	assert.Equal(t, types.TierNormalized, once.Tier)
}

func TestCanonicalizePreservesInstant(t *testing.T) {
	ev := rawTrade("alpaca", "AAPL", 1, 10)
	out := Canonicalize(ev)
	assert.True(t, ev.Timestamp.Equal(out.Timestamp))
}

func TestApplyValidatesSide(t *testing.T) {
	n := New()
	ev := rawTrade("alpaca", "AAPL", 1, 10)
	ev.Payload = &types.TradePayload{Price: 10, Size: 1, Side: "crossed"}

	res := n.Apply(ev)
	require.Equal(t, OutcomeAccept, res.Outcome)
	assert.Equal(t, types.SideUnknown, res.Event.Payload.(*types.TradePayload).Side)
}

func TestApplyDropsInvalidBar(t *testing.T) {
	n := New()
	ev := types.Event{
		Timestamp: time.Now(),
		Symbol:    "SPY",
		Type:      types.EventHistoricalBar,
		Payload:   &types.BarPayload{Open: 10, High: 9, Low: 11, Close: 10},
		Sequence:  1,
		Source:    "stooq",
	}

	res := n.Apply(ev)
	assert.Equal(t, OutcomeDrop, res.Outcome)
	require.NotNil(t, res.Integrity)
	assert.Equal(t, types.IntegrityInvalidData, res.Integrity.Payload.(*types.IntegrityPayload).Condition)
}

func TestApplyDropsInvalidTrade(t *testing.T) {
	n := New()
	ev := rawTrade("alpaca", "AAPL", 1, 0)

	res := n.Apply(ev)
	assert.Equal(t, OutcomeDrop, res.Outcome)
	require.NotNil(t, res.Integrity)
}

func TestDuplicateSequenceSuppressed(t *testing.T) {
	n := New()

	first := n.Apply(rawTrade("alpaca", "AAPL", 5, 100))
	require.Equal(t, OutcomeAccept, first.Outcome)
	require.Nil(t, first.Integrity)

	second := n.Apply(rawTrade("alpaca", "AAPL", 5, 100))
	assert.Equal(t, OutcomeDrop, second.Outcome)
	require.NotNil(t, second.Integrity)
	assert.Equal(t, types.IntegrityDuplicate, second.Integrity.Payload.(*types.IntegrityPayload).Condition)
}

func TestDuplicateScopedPerSourceSymbolType(t *testing.T) {
	n := New()

	require.Equal(t, OutcomeAccept, n.Apply(rawTrade("alpaca", "AAPL", 5, 100)).Outcome)
	// Same sequence on another source is unrelated.
	require.Equal(t, OutcomeAccept, n.Apply(rawTrade("polygon", "AAPL", 5, 100)).Outcome)
	// Same sequence on another symbol is unrelated.
	require.Equal(t, OutcomeAccept, n.Apply(rawTrade("alpaca", "MSFT", 5, 100)).Outcome)
}

func TestSequenceGapFlaggedButDelivered(t *testing.T) {
	n := New()

	require.Nil(t, n.Apply(rawTrade("alpaca", "AAPL", 1, 100)).Integrity)

	res := n.Apply(rawTrade("alpaca", "AAPL", 5, 101))
	assert.Equal(t, OutcomeAccept, res.Outcome)
	require.NotNil(t, res.Integrity)
	assert.Equal(t, types.IntegrityGap, res.Integrity.Payload.(*types.IntegrityPayload).Condition)
}

func TestSequenceRegressionFlagged(t *testing.T) {
	n := New()

	n.Apply(rawTrade("alpaca", "AAPL", 10, 100))
	res := n.Apply(rawTrade("alpaca", "AAPL", 3, 99))
	assert.Equal(t, OutcomeAccept, res.Outcome)
	require.NotNil(t, res.Integrity)
	assert.Equal(t, types.IntegrityOutOfOrder, res.Integrity.Payload.(*types.IntegrityPayload).Condition)
}

func TestResetSourceForgetsState(t *testing.T) {
	n := New()

	n.Apply(rawTrade("alpaca", "AAPL", 5, 100))
	n.ResetSource("alpaca")

	// The same sequence is fresh again after reset.
	res := n.Apply(rawTrade("alpaca", "AAPL", 5, 100))
	assert.Equal(t, OutcomeAccept, res.Outcome)
	assert.Nil(t, res.Integrity)
}

func TestHeartbeatBypassesTracker(t *testing.T) {
	n := New()
	hb := types.NewHeartbeat("alpaca", "session")

	res1 := n.Apply(hb)
	res2 := n.Apply(hb)
	assert.Equal(t, OutcomeAccept, res1.Outcome)
	assert.Equal(t, OutcomeAccept, res2.Outcome)
	assert.Nil(t, res2.Integrity)
}
