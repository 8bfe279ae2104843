package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterConfig declares a provider's request budget
type LimiterConfig struct {
	// MaxRequests per Window (sliding)
	MaxRequests int
	Window      time.Duration
	// MinDelay is the minimum spacing between consecutive requests
	MinDelay time.Duration
}

// Limiter combines a token-bucket window limit with a minimum
// inter-request delay. Acquire blocks until a slot is available or the
// context is cancelled.
type Limiter struct {
	bucket   *rate.Limiter
	minDelay time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewLimiter creates a limiter from a provider's declared rate limits.
// A zero MaxRequests disables the window limit.
func NewLimiter(cfg LimiterConfig) *Limiter {
	l := &Limiter{minDelay: cfg.MinDelay}
	if cfg.MaxRequests > 0 && cfg.Window > 0 {
		interval := cfg.Window / time.Duration(cfg.MaxRequests)
		l.bucket = rate.NewLimiter(rate.Every(interval), cfg.MaxRequests)
	}
	return l
}

// Acquire blocks until the caller may issue the next request. A nil
// limiter admits everything.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if l.minDelay > 0 {
		l.mu.Lock()
		now := time.Now()
		next := l.last.Add(l.minDelay)
		if next.Before(now) {
			next = now
		}
		l.last = next
		wait := next.Sub(now)
		l.mu.Unlock()

		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if l.bucket != nil {
		return l.bucket.Wait(ctx)
	}
	return nil
}
