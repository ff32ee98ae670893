// Package ratelimit paces outbound provider traffic and records throttle events.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/portfolio-aggregator/internal/types"
)

// Limit is the steady rate and burst allowed for one provider
type Limit struct {
	RPS   float64
	Burst int
}

// ProviderLimiters holds one token bucket per provider. Pacing happens before
// a request is sent; nothing here retries a rejected request.
type ProviderLimiters struct {
	mu       sync.RWMutex
	limiters map[types.ProviderID]*rate.Limiter
}

// NewProviderLimiters builds limiters for the given providers. Providers
// without an entry are not paced.
func NewProviderLimiters(limits map[types.ProviderID]Limit) *ProviderLimiters {
	pl := &ProviderLimiters{limiters: make(map[types.ProviderID]*rate.Limiter, len(limits))}
	for p, l := range limits {
		pl.Set(p, l)
	}
	return pl
}

// Set installs or replaces the limiter for a provider
func (pl *ProviderLimiters) Set(provider types.ProviderID, l Limit) {
	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if l.RPS > 0 {
		limit = rate.Limit(l.RPS)
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.limiters[provider] = rate.NewLimiter(limit, burst)
}

// Wait blocks until the provider's bucket has a token. It returns how long
// the caller was held.
func (pl *ProviderLimiters) Wait(ctx context.Context, provider types.ProviderID) (time.Duration, error) {
	pl.mu.RLock()
	limiter, ok := pl.limiters[provider]
	pl.mu.RUnlock()

	if !ok {
		return 0, nil
	}

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return time.Since(start), fmt.Errorf("rate limit wait for %s: %w", provider, err)
	}
	return time.Since(start), nil
}

// Limit returns the configured rate for a provider
func (pl *ProviderLimiters) Limit(provider types.ProviderID) (Limit, bool) {
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	limiter, ok := pl.limiters[provider]
	if !ok {
		return Limit{}, false
	}
	return Limit{RPS: float64(limiter.Limit()), Burst: limiter.Burst()}, true
}
