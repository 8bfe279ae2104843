package provider

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/openquant/tickerd/pkg/log"
	"github.com/rs/zerolog"
)

// Registry is the process-wide provider catalog. It is populated by plugin
// registrations at startup and read-only thereafter.
type Registry struct {
	mu         sync.RWMutex
	streaming  map[string]StreamingProvider
	historical map[string]HistoricalProvider
	clients    map[string]*resty.Client
	disabled   map[string]string // provider id -> reason
	logger     zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		streaming:  make(map[string]StreamingProvider),
		historical: make(map[string]HistoricalProvider),
		clients:    make(map[string]*resty.Client),
		disabled:   make(map[string]string),
		logger:     log.WithComponent("registry"),
	}
}

// RegisterStreaming adds a streaming provider
func (r *Registry) RegisterStreaming(p StreamingProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.Info().ID
	if _, exists := r.streaming[id]; exists {
		return fmt.Errorf("streaming provider already registered: %s", id)
	}
	r.streaming[id] = p
	r.logger.Info().Str("provider", id).Msg("Registered streaming provider")
	return nil
}

// RegisterHistorical adds a historical provider
func (r *Registry) RegisterHistorical(p HistoricalProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.Info().ID
	if _, exists := r.historical[id]; exists {
		return fmt.Errorf("historical provider already registered: %s", id)
	}
	r.historical[id] = p
	r.logger.Info().Str("provider", id).Msg("Registered historical provider")
	return nil
}

// GetStreaming returns the streaming provider with the given id
func (r *Registry) GetStreaming(id string) (StreamingProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.streaming[id]
	return p, ok
}

// GetHistorical returns the historical provider with the given id
func (r *Registry) GetHistorical(id string) (HistoricalProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.historical[id]
	return p, ok
}

// Streaming returns all streaming providers ordered by priority
func (r *Registry) Streaming() []StreamingProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]StreamingProvider, 0, len(r.streaming))
	for _, p := range r.streaming {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Info().Priority != out[j].Info().Priority {
			return out[i].Info().Priority < out[j].Info().Priority
		}
		return out[i].Info().ID < out[j].Info().ID
	})
	return out
}

// Historical returns all historical providers ordered by priority
func (r *Registry) Historical() []HistoricalProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]HistoricalProvider, 0, len(r.historical))
	for _, p := range r.historical {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Info().Priority != out[j].Info().Priority {
			return out[i].Info().Priority < out[j].Info().Priority
		}
		return out[i].Info().ID < out[j].Info().ID
	})
	return out
}

// HTTPClient returns the named shared HTTP client, creating it on first
// use. Plugins declare the names they need during registration.
func (r *Registry) HTTPClient(name string) *resty.Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[name]; ok {
		return c
	}
	c := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(0) // retries are owned by the resilience layer
	r.clients[name] = c
	return c
}

// Disabled returns the providers disabled at startup and why
func (r *Registry) Disabled() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.disabled))
	for k, v := range r.disabled {
		out[k] = v
	}
	return out
}

func (r *Registry) markDisabled(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[id] = reason
}
