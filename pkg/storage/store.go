package storage

import (
	"github.com/openquant/tickerd/pkg/types"
)

// Store is the collector's checkpoint store: sequence watermarks per
// (source, symbol, type), provider health snapshots, and the last
// backfill run record.
type Store interface {
	// Watermarks
	PutWatermark(source, symbol string, eventType types.EventType, sequence uint64) error
	GetWatermark(source, symbol string, eventType types.EventType) (uint64, error)

	// Provider health snapshots
	PutProviderHealth(health *types.ProviderHealth) error
	GetProviderHealth(providerID string) (*types.ProviderHealth, error)
	ListProviderHealth() ([]*types.ProviderHealth, error)

	// Backfill run record; each put overwrites the previous record
	PutBackfillResult(result *types.BackfillResult) error
	GetBackfillResult() (*types.BackfillResult, error)

	Close() error
}
