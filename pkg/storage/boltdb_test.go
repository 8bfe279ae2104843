package storage

import (
	"testing"
	"time"

	"github.com/openquant/tickerd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWatermarkRoundTrip(t *testing.T) {
	s := testStore(t)

	_, err := s.GetWatermark("alpaca", "AAPL", types.EventTrade)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutWatermark("alpaca", "AAPL", types.EventTrade, 42))
	seq, err := s.GetWatermark("alpaca", "AAPL", types.EventTrade)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)

	// Watermarks are scoped per (source, symbol, type).
	_, err = s.GetWatermark("alpaca", "AAPL", types.EventBboQuote)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutWatermark("alpaca", "AAPL", types.EventTrade, 100))
	seq, err = s.GetWatermark("alpaca", "AAPL", types.EventTrade)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), seq)
}

func TestProviderHealthRoundTrip(t *testing.T) {
	s := testStore(t)

	h := &types.ProviderHealth{
		ProviderID:          "polygon",
		ConsecutiveFailures: 2,
		AvgLatencyMs:        87.5,
		RecentIssues:        []string{"timeout", "503"},
	}
	require.NoError(t, s.PutProviderHealth(h))

	got, err := s.GetProviderHealth("polygon")
	require.NoError(t, err)
	assert.Equal(t, h.ConsecutiveFailures, got.ConsecutiveFailures)
	assert.Equal(t, h.RecentIssues, got.RecentIssues)

	all, err := s.ListProviderHealth()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestBackfillResultOverwrites(t *testing.T) {
	s := testStore(t)

	_, err := s.GetBackfillResult()
	assert.ErrorIs(t, err, ErrNotFound)

	first := &types.BackfillResult{RunID: "run-1", Provider: "stooq", Success: true, StartedAt: time.Now().UTC()}
	require.NoError(t, s.PutBackfillResult(first))

	second := &types.BackfillResult{RunID: "run-2", Provider: "composite", Success: false}
	require.NoError(t, s.PutBackfillResult(second))

	got, err := s.GetBackfillResult()
	require.NoError(t, err)
	assert.Equal(t, "run-2", got.RunID)
}
