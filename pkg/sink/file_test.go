package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openquant/tickerd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tradeEvent(symbol string, seq uint64, price float64) types.Event {
	ts := time.Date(2024, 6, 3, 15, 0, 0, int(seq), time.UTC)
	return types.Event{
		Timestamp:       ts,
		ReceivedAt:      ts,
		Symbol:          symbol,
		CanonicalSymbol: symbol,
		Type:            types.EventTrade,
		Payload:         &types.TradePayload{Price: price, Size: 100, Side: types.SideBuy},
		Sequence:        seq,
		Source:          "test",
		SchemaVersion:   types.SchemaVersion,
		Tier:            types.TierNormalized,
	}
}

func TestFileSinkLayoutAndOrder(t *testing.T) {
	root := t.TempDir()
	s := NewFileSink(root, false)

	batch := []types.Event{
		tradeEvent("AAPL", 1, 100.0),
		tradeEvent("AAPL", 2, 100.5),
		tradeEvent("MSFT", 1, 400.0),
	}
	require.NoError(t, s.Write(context.Background(), batch))
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Close())

	path := filepath.Join(root, "AAPL", "trade", "2024-06-03.jsonl")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var seqs []uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev types.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		assert.Equal(t, "AAPL", ev.Symbol)
		seqs = append(seqs, ev.Sequence)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []uint64{1, 2}, seqs)

	_, err = os.Stat(filepath.Join(root, "MSFT", "trade", "2024-06-03.jsonl"))
	assert.NoError(t, err)
}

func TestFileSinkRoundTrip(t *testing.T) {
	root := t.TempDir()
	s := NewFileSink(root, false)

	want := tradeEvent("SPY", 9, 512.25)
	require.NoError(t, s.Write(context.Background(), []types.Event{want}))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(filepath.Join(root, "SPY", "trade", "2024-06-03.jsonl"))
	require.NoError(t, err)

	var got types.Event
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &got))
	assert.Equal(t, want, got)
}

func TestFileSinkWriteAfterClose(t *testing.T) {
	s := NewFileSink(t.TempDir(), false)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Write(context.Background(), []types.Event{tradeEvent("AAPL", 1, 1)}), ErrClosed)
}

func TestFileSinkAppendsAcrossWrites(t *testing.T) {
	root := t.TempDir()

	s := NewFileSink(root, false)
	require.NoError(t, s.Write(context.Background(), []types.Event{tradeEvent("AAPL", 1, 1)}))
	require.NoError(t, s.Close())

	s = NewFileSink(root, false)
	require.NoError(t, s.Write(context.Background(), []types.Event{tradeEvent("AAPL", 2, 2)}))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(filepath.Join(root, "AAPL", "trade", "2024-06-03.jsonl"))
	require.NoError(t, err)

	lines := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestMultiSinkPropagatesFirstError(t *testing.T) {
	failing := &failSink{}
	null := NullSink{}
	m := NewMultiSink(failing, null)

	err := m.Write(context.Background(), []types.Event{tradeEvent("AAPL", 1, 1)})
	assert.Error(t, err)
	assert.Equal(t, 1, failing.writes)
}

type failSink struct{ writes int }

func (f *failSink) Write(ctx context.Context, batch []types.Event) error {
	f.writes++
	return assert.AnError
}
func (f *failSink) Flush(ctx context.Context) error { return nil }
func (f *failSink) Close() error                    { return nil }
