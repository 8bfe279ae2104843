package failover

import (
	"sync"
	"time"

	"github.com/openquant/tickerd/pkg/metrics"
	"github.com/openquant/tickerd/pkg/types"
)

// latencyAlpha is the EWMA weight of a new latency sample
const latencyAlpha = 0.2

// HealthTracker keeps rolling health state per provider. Each provider's
// state is guarded by the tracker lock; the supervisor reads a consistent
// view under its own outer lock.
type HealthTracker struct {
	mu        sync.Mutex
	providers map[string]*types.ProviderHealth
}

// NewHealthTracker creates an empty tracker
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{providers: make(map[string]*types.ProviderHealth)}
}

func (t *HealthTracker) state(id string) *types.ProviderHealth {
	h, ok := t.providers[id]
	if !ok {
		h = &types.ProviderHealth{ProviderID: id}
		t.providers[id] = h
	}
	return h
}

// RecordFailure counts a failure against a provider
func (t *HealthTracker) RecordFailure(id, issue string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.state(id)
	h.ConsecutiveFailures++
	h.ConsecutiveSuccesses = 0
	h.LastFailureAt = time.Now()
	if issue != "" {
		h.AddIssue(issue)
	}
	metrics.ProviderFailures.WithLabelValues(id).Inc()
}

// RecordSuccess counts a success for a provider
func (t *HealthTracker) RecordSuccess(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.state(id)
	h.ConsecutiveSuccesses++
	h.ConsecutiveFailures = 0
	h.LastSuccessAt = time.Now()
}

// RecordLatency folds a latency sample into the provider's rolling average
func (t *HealthTracker) RecordLatency(id string, ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.state(id)
	if h.AvgLatencyMs == 0 {
		h.AvgLatencyMs = ms
	} else {
		h.AvgLatencyMs = h.AvgLatencyMs*(1-latencyAlpha) + ms*latencyAlpha
	}
	metrics.ProviderLatency.WithLabelValues(id).Set(h.AvgLatencyMs)
}

// Get returns a copy of a provider's health state. A never-seen provider
// yields a zero state.
func (t *HealthTracker) Get(id string) types.ProviderHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.providers[id]; ok {
		return *h.Clone()
	}
	return types.ProviderHealth{ProviderID: id}
}

// Snapshot returns a copy of every tracked provider's health
func (t *HealthTracker) Snapshot() map[string]types.ProviderHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]types.ProviderHealth, len(t.providers))
	for id, h := range t.providers {
		out[id] = *h.Clone()
	}
	return out
}
