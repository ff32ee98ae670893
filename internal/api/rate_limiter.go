package api

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/portfolio-aggregator/internal/types"
)

// RateLimiter manages rate limiting for API requests. Every aggregate miss
// fans out to all connected providers, so callers are limited per user.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex

	// Rate limits per tier (requests per second)
	limits map[types.UserTier]rate.Limit

	// Burst size (number of requests that can be made in a burst)
	burstSize int
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(freeTierRPS, basicTierRPS, premiumTierRPS int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limits: map[types.UserTier]rate.Limit{
			types.TierFree:    rate.Limit(freeTierRPS),
			types.TierBasic:   rate.Limit(basicTierRPS),
			types.TierPremium: rate.Limit(premiumTierRPS),
		},
		burstSize: 10,
	}
}

// getLimiter returns the rate limiter for a specific user and tier
func (rl *RateLimiter) getLimiter(userID string, tier types.UserTier) *rate.Limiter {
	key := string(tier) + ":" + userID

	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	limit, ok := rl.limits[tier]
	if !ok {
		limit = rl.limits[types.TierFree]
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check in case another goroutine created it
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(limit, rl.burstSize)
	rl.limiters[key] = limiter

	return limiter
}

// RateLimitMiddleware creates a middleware that enforces rate limiting
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get("X-User-ID")
			if userID == "" {
				userID = r.RemoteAddr // Use IP address as fallback
			}

			tier, err := types.ParseUserTier(r.Header.Get("X-User-Tier"))
			if err != nil {
				respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, err.Error(), nil)
				return
			}

			limiter := rl.getLimiter(userID, tier)
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				respondError(w, http.StatusTooManyRequests, ErrCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", map[string]interface{}{
					"tier":  tier,
					"limit": float64(limiter.Limit()),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
