package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/openquant/tickerd/pkg/log"
	"github.com/openquant/tickerd/pkg/metrics"
	"github.com/openquant/tickerd/pkg/normalize"
	"github.com/openquant/tickerd/pkg/provider"
	"github.com/openquant/tickerd/pkg/provider/composite"
	"github.com/openquant/tickerd/pkg/storage"
	"github.com/openquant/tickerd/pkg/types"
	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned when a backfill is already in flight;
// at most one runs globally.
var ErrAlreadyRunning = errors.New("backfill already running")

// statusDir and statusFile locate the persisted run record under the
// data root.
const (
	statusDir  = "_status"
	statusFile = "backfill.json"
)

// defaultLookback bounds a request with no explicit from date
const defaultLookback = 365 * 24 * time.Hour

// Publisher is the slice of the pipeline the orchestrator needs
type Publisher interface {
	Publish(ctx context.Context, ev types.Event) error
	Flush(ctx context.Context) error
}

// Orchestrator runs bulk historical ingests with per-symbol error
// isolation. The run record is persisted after every run, win or lose.
type Orchestrator struct {
	registry *provider.Registry
	store    storage.Store // optional checkpoint mirror
	dataRoot string
	logger   zerolog.Logger

	running atomic.Bool
}

// New creates an orchestrator. store may be nil.
func New(registry *provider.Registry, store storage.Store, dataRoot string) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		store:    store,
		dataRoot: dataRoot,
		logger:   log.WithComponent("backfill"),
	}
}

// Run executes one backfill request. A second concurrent call returns
// ErrAlreadyRunning. A single symbol's failure never aborts the run; the
// pipeline is flushed once at the end regardless of per-symbol outcome.
func (o *Orchestrator) Run(ctx context.Context, req types.BackfillRequest, pipe Publisher) (*types.BackfillResult, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer o.running.Store(false)

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BackfillDuration)

	from, to := req.From, req.To
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-defaultLookback)
	}

	result := &types.BackfillResult{
		RunID:     uuid.NewString(),
		Provider:  req.ProviderID,
		Symbols:   req.Symbols,
		From:      from,
		To:        to,
		StartedAt: time.Now().UTC(),
	}

	hist, err := o.resolveProvider(req)
	if err != nil {
		result.Error = err.Error()
		result.CompletedAt = time.Now().UTC()
		o.persist(result)
		metrics.BackfillRuns.WithLabelValues("error").Inc()
		return result, err
	}
	result.Provider = hist.Info().ID

	o.logger.Info().
		Str("run_id", result.RunID).
		Str("provider", result.Provider).
		Int("symbols", len(req.Symbols)).
		Time("from", from).
		Time("to", to).
		Msg("Backfill started")

	allOK := true
	for _, rawSymbol := range req.Symbols {
		if err := ctx.Err(); err != nil {
			result.Error = fmt.Sprintf("cancelled: %v", err)
			allOK = false
			break
		}

		symbol := normalize.CanonicalSymbol(rawSymbol)
		sr := o.backfillSymbol(ctx, hist, symbol, from, to, pipe)
		result.PerSymbolResults = append(result.PerSymbolResults, sr)
		result.BarsWritten += sr.BarsWritten
		if !sr.Success {
			allOK = false
		}
	}

	// One flush for the whole run, regardless of per-symbol outcome.
	if err := pipe.Flush(ctx); err != nil {
		o.logger.Error().Err(err).Msg("Pipeline flush failed")
		if result.Error == "" {
			result.Error = fmt.Sprintf("flush: %v", err)
		}
		allOK = false
	}

	result.Success = allOK
	result.CompletedAt = time.Now().UTC()
	o.persist(result)

	outcome := "success"
	if !allOK {
		outcome = "partial"
	}
	metrics.BackfillRuns.WithLabelValues(outcome).Inc()
	metrics.BackfillBarsWritten.Add(float64(result.BarsWritten))

	o.logger.Info().
		Str("run_id", result.RunID).
		Bool("success", result.Success).
		Int("bars_written", result.BarsWritten).
		Msg("Backfill completed")
	return result, nil
}

// resolveProvider picks the historical provider for the request. The
// composite id, or any request with fallback enabled, fans out over every
// registered historical provider in priority order.
func (o *Orchestrator) resolveProvider(req types.BackfillRequest) (provider.HistoricalProvider, error) {
	if strings.EqualFold(req.ProviderID, composite.ProviderID) || req.EnableFallback {
		backends := o.registry.Historical()
		if req.EnableFallback && !strings.EqualFold(req.ProviderID, composite.ProviderID) && req.ProviderID != "" {
			// Preferred provider first, then the rest as fallbacks.
			preferred, ok := o.registry.GetHistorical(req.ProviderID)
			if !ok {
				return nil, fmt.Errorf("unknown historical provider: %s", req.ProviderID)
			}
			ordered := []provider.HistoricalProvider{preferred}
			for _, b := range backends {
				if b.Info().ID != preferred.Info().ID {
					ordered = append(ordered, b)
				}
			}
			backends = ordered
		}
		if len(backends) == 0 {
			return nil, errors.New("no historical providers registered")
		}
		return composite.New(backends, composite.Options{}), nil
	}

	hist, ok := o.registry.GetHistorical(req.ProviderID)
	if !ok {
		return nil, fmt.Errorf("unknown historical provider: %s", req.ProviderID)
	}
	return hist, nil
}

// backfillSymbol fetches and publishes one symbol's bars. Errors are
// contained in the returned result.
func (o *Orchestrator) backfillSymbol(ctx context.Context, hist provider.HistoricalProvider, symbol string, from, to time.Time, pipe Publisher) types.SymbolResult {
	bars, err := hist.GetDailyBars(ctx, symbol, from, to)
	if err != nil {
		o.logger.Warn().Err(err).Str("symbol", symbol).Msg("Symbol backfill failed")
		return types.SymbolResult{Symbol: symbol, Success: false, Error: err.Error()}
	}

	source := hist.Info().ID
	for i := range bars {
		bar := bars[i]
		ev := types.Event{
			Timestamp:         bar.SessionDate,
			ReceivedAt:        time.Now().UTC(),
			ReceivedMonotonic: types.MonotonicNow(),
			Symbol:            symbol,
			CanonicalSymbol:   symbol,
			Type:              types.EventHistoricalBar,
			Payload:           &bar,
			Sequence:          uint64(i + 1),
			Source:            source,
			SchemaVersion:     types.SchemaVersion,
			Tier:              types.TierNormalized,
		}
		if err := pipe.Publish(ctx, ev); err != nil {
			return types.SymbolResult{Symbol: symbol, Success: false, BarsWritten: i, Error: fmt.Sprintf("publish: %v", err)}
		}
	}

	if o.store != nil && len(bars) > 0 {
		if err := o.store.PutWatermark(source, symbol, types.EventHistoricalBar, uint64(len(bars))); err != nil {
			o.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to checkpoint watermark")
		}
	}
	return types.SymbolResult{Symbol: symbol, Success: true, BarsWritten: len(bars)}
}

// persist writes the run record to the status file (atomic
// write-then-rename) and mirrors it into the checkpoint store.
func (o *Orchestrator) persist(result *types.BackfillResult) {
	dir := filepath.Join(o.dataRoot, statusDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.logger.Error().Err(err).Msg("Failed to create status directory")
		return
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		o.logger.Error().Err(err).Msg("Failed to encode run record")
		return
	}

	path := filepath.Join(dir, statusFile)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		o.logger.Error().Err(err).Str("path", path).Msg("Failed to write status file")
	}

	if o.store != nil {
		if err := o.store.PutBackfillResult(result); err != nil {
			o.logger.Error().Err(err).Msg("Failed to checkpoint run record")
		}
	}
}

// LastResult reads the persisted run record from the status file
func (o *Orchestrator) LastResult() (*types.BackfillResult, error) {
	data, err := os.ReadFile(filepath.Join(o.dataRoot, statusDir, statusFile))
	if err != nil {
		return nil, err
	}
	var result types.BackfillResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("corrupted status file: %w", err)
	}
	return &result, nil
}
