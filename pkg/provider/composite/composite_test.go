package composite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openquant/tickerd/pkg/log"
	"github.com/openquant/tickerd/pkg/provider"
	"github.com/openquant/tickerd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init("error", true)
}

type stubHistorical struct {
	id    string
	bars  []types.BarPayload
	err   error
	calls int
}

func (s *stubHistorical) Info() provider.Info           { return provider.Info{ID: s.id} }
func (s *stubHistorical) RateLimit() provider.RateLimit { return provider.RateLimit{} }
func (s *stubHistorical) IsAvailable(ctx context.Context) bool {
	return s.err == nil
}
func (s *stubHistorical) GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]types.BarPayload, error) {
	s.calls++
	return s.bars, s.err
}

func bar(day int, closePx float64) types.BarPayload {
	return types.BarPayload{
		SessionDate: time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
		Open:        closePx, High: closePx, Low: closePx, Close: closePx, Volume: 1,
	}
}

func TestFirstSuccessShortCircuits(t *testing.T) {
	first := &stubHistorical{id: "a", bars: []types.BarPayload{bar(2, 100)}}
	second := &stubHistorical{id: "b", bars: []types.BarPayload{bar(2, 100)}}
	c := New([]provider.HistoricalProvider{first, second}, Options{})

	bars, err := c.GetDailyBars(context.Background(), "SPY", time.Now(), time.Now())
	require.NoError(t, err)
	assert.Len(t, bars, 1)
	assert.Equal(t, 1, first.calls)
	assert.Zero(t, second.calls)
}

func TestFallbackOnError(t *testing.T) {
	first := &stubHistorical{id: "a", err: errors.New("auth failed")}
	second := &stubHistorical{id: "b", bars: []types.BarPayload{bar(2, 100)}}
	c := New([]provider.HistoricalProvider{first, second}, Options{})

	bars, err := c.GetDailyBars(context.Background(), "SPY", time.Now(), time.Now())
	require.NoError(t, err)
	assert.Len(t, bars, 1)
	assert.Equal(t, 1, second.calls)
}

func TestFallbackOnEmptyResult(t *testing.T) {
	first := &stubHistorical{id: "a"}
	second := &stubHistorical{id: "b", bars: []types.BarPayload{bar(2, 100)}}
	c := New([]provider.HistoricalProvider{first, second}, Options{})

	bars, err := c.GetDailyBars(context.Background(), "SPY", time.Now(), time.Now())
	require.NoError(t, err)
	assert.Len(t, bars, 1)
}

func TestAllBackendsFail(t *testing.T) {
	first := &stubHistorical{id: "a", err: errors.New("down")}
	second := &stubHistorical{id: "b", err: errors.New("also down")}
	c := New([]provider.HistoricalProvider{first, second}, Options{})

	_, err := c.GetDailyBars(context.Background(), "SPY", time.Now(), time.Now())
	assert.Error(t, err)
}

type upperResolver struct{}

func (upperResolver) Resolve(ctx context.Context, symbol string) (string, error) {
	return symbol + ".US", nil
}

func TestResolverAppliedOnce(t *testing.T) {
	var gotSymbol string
	first := &resolvingStub{onCall: func(symbol string) { gotSymbol = symbol }}
	c := New([]provider.HistoricalProvider{first}, Options{Resolver: upperResolver{}})

	_, err := c.GetDailyBars(context.Background(), "SPY", time.Now(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "SPY.US", gotSymbol)
}

type resolvingStub struct {
	onCall func(symbol string)
}

func (s *resolvingStub) Info() provider.Info                  { return provider.Info{ID: "r"} }
func (s *resolvingStub) RateLimit() provider.RateLimit        { return provider.RateLimit{} }
func (s *resolvingStub) IsAvailable(ctx context.Context) bool { return true }
func (s *resolvingStub) GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]types.BarPayload, error) {
	s.onCall(symbol)
	return []types.BarPayload{bar(2, 1)}, nil
}

func TestCrossValidationEmitsIntegrityButReturnsPrimary(t *testing.T) {
	first := &stubHistorical{id: "a", bars: []types.BarPayload{bar(2, 100)}}
	second := &stubHistorical{id: "b", bars: []types.BarPayload{bar(2, 150)}}

	var emitted []types.Event
	c := New([]provider.HistoricalProvider{first, second}, Options{
		CrossValidate:  true,
		CloseTolerance: 0.05,
		Emit:           func(ev types.Event) { emitted = append(emitted, ev) },
	})

	bars, err := c.GetDailyBars(context.Background(), "SPY", time.Now(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 100.0, bars[0].Close, "primary data returned despite divergence")

	require.Len(t, emitted, 1)
	payload := emitted[0].Payload.(*types.IntegrityPayload)
	assert.Equal(t, types.IntegrityCrossValidation, payload.Condition)
}

func TestCrossValidationWithinTolerance(t *testing.T) {
	first := &stubHistorical{id: "a", bars: []types.BarPayload{bar(2, 100)}}
	second := &stubHistorical{id: "b", bars: []types.BarPayload{bar(2, 100.2)}}

	var emitted []types.Event
	c := New([]provider.HistoricalProvider{first, second}, Options{
		CrossValidate: true,
		Emit:          func(ev types.Event) { emitted = append(emitted, ev) },
	})

	_, err := c.GetDailyBars(context.Background(), "SPY", time.Now(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, emitted)
}

func TestCancellationStopsDispatch(t *testing.T) {
	first := &stubHistorical{id: "a", err: errors.New("down")}
	second := &stubHistorical{id: "b", bars: []types.BarPayload{bar(2, 100)}}
	c := New([]provider.HistoricalProvider{first, second}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetDailyBars(ctx, "SPY", time.Now(), time.Now())
	assert.ErrorIs(t, err, context.Canceled)
}
