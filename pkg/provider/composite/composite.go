// Package composite fans historical requests out over an ordered list of
// backing providers, falling back on empty results or errors.
package composite

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/openquant/tickerd/pkg/log"
	"github.com/openquant/tickerd/pkg/provider"
	"github.com/openquant/tickerd/pkg/types"
	"github.com/rs/zerolog"
)

// ProviderID is the registry id of the composite provider
const ProviderID = "composite"

// Options configures the composite
type Options struct {
	// Resolver, when set, canonicalizes the symbol once before dispatch
	Resolver provider.SymbolResolver

	// CrossValidate compares the primary's bars against the second
	// provider's and emits an integrity event on divergence. The
	// primary's data is returned either way.
	CrossValidate bool
	// CloseTolerance is the relative close-price divergence that counts
	// as a mismatch (default 0.01 = 1%).
	CloseTolerance float64

	// Emit receives cross-validation integrity events; may be nil
	Emit provider.EmitFunc
}

// Provider wraps an ordered list of historical providers. The first
// provider that returns a non-empty result wins.
type Provider struct {
	backends []provider.HistoricalProvider
	opts     Options
	logger   zerolog.Logger
}

// New creates a composite over the given backends, tried in order
func New(backends []provider.HistoricalProvider, opts Options) *Provider {
	if opts.CloseTolerance <= 0 {
		opts.CloseTolerance = 0.01
	}
	return &Provider{
		backends: backends,
		opts:     opts,
		logger:   log.WithProvider(ProviderID),
	}
}

func (p *Provider) Info() provider.Info {
	return provider.Info{ID: ProviderID, DisplayName: "Composite Historical", Priority: 0}
}

func (p *Provider) RateLimit() provider.RateLimit {
	// Each backend enforces its own budget.
	return provider.RateLimit{}
}

// GetDailyBars tries each backend in order until one succeeds with data
func (p *Provider) GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]types.BarPayload, error) {
	if p.opts.Resolver != nil {
		resolved, err := p.opts.Resolver.Resolve(ctx, symbol)
		if err != nil {
			p.logger.Warn().Err(err).Str("symbol", symbol).Msg("Symbol resolution failed, using raw symbol")
		} else {
			symbol = resolved
		}
	}

	var lastErr error
	for i, backend := range p.backends {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		bars, err := backend.GetDailyBars(ctx, symbol, from, to)
		if err != nil {
			p.logger.Warn().
				Err(err).
				Str("symbol", symbol).
				Str("backend", backend.Info().ID).
				Msg("Backend failed, trying next")
			lastErr = err
			continue
		}
		if len(bars) == 0 {
			p.logger.Debug().
				Str("symbol", symbol).
				Str("backend", backend.Info().ID).
				Msg("Backend returned no data, trying next")
			continue
		}

		if p.opts.CrossValidate && i+1 < len(p.backends) {
			p.crossValidate(ctx, symbol, from, to, backend.Info().ID, bars, p.backends[i+1])
		}
		return bars, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all backends failed for %s: %w", symbol, lastErr)
	}
	return nil, fmt.Errorf("no backend had data for %s", symbol)
}

func (p *Provider) IsAvailable(ctx context.Context) bool {
	for _, backend := range p.backends {
		if backend.IsAvailable(ctx) {
			return true
		}
	}
	return false
}

// crossValidate compares close prices by session date against the next
// backend and emits an integrity event on divergence beyond tolerance.
func (p *Provider) crossValidate(ctx context.Context, symbol string, from, to time.Time, primaryID string, primary []types.BarPayload, second provider.HistoricalProvider) {
	reference, err := second.GetDailyBars(ctx, symbol, from, to)
	if err != nil || len(reference) == 0 {
		return
	}

	refClose := make(map[time.Time]float64, len(reference))
	for _, bar := range reference {
		refClose[bar.SessionDate] = bar.Close
	}

	for _, bar := range primary {
		ref, ok := refClose[bar.SessionDate]
		if !ok || ref == 0 {
			continue
		}
		if math.Abs(bar.Close-ref)/ref > p.opts.CloseTolerance {
			msg := fmt.Sprintf("%s close %.4f vs %s close %.4f on %s",
				primaryID, bar.Close, second.Info().ID, ref, bar.SessionDate.Format("2006-01-02"))
			p.logger.Warn().Str("symbol", symbol).Msg("Cross-validation divergence: " + msg)
			if p.opts.Emit != nil {
				p.opts.Emit(types.NewIntegrity(ProviderID, symbol, types.IntegrityCrossValidation, msg))
			}
		}
	}
}
