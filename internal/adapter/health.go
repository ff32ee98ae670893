package adapter

import (
	"sync"
	"time"

	"github.com/portfolio-aggregator/internal/models"
)

// HealthTracker records outbound call outcomes for one provider
type HealthTracker struct {
	mu sync.RWMutex

	totalRequests    int64
	successfulReqs   int64
	failedReqs       int64
	totalLatency     time.Duration
	lastSuccess      time.Time
	lastFailure      time.Time
	consecutiveFails int

	// Health thresholds
	maxConsecutiveFails int
	minSuccessRate      float64
}

// NewHealthTracker creates a tracker with default thresholds
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		maxConsecutiveFails: 5,
		minSuccessRate:      0.5,
	}
}

// RecordSuccess records a successful request
func (h *HealthTracker) RecordSuccess(duration time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalRequests++
	h.successfulReqs++
	h.totalLatency += duration
	h.lastSuccess = time.Now()
	h.consecutiveFails = 0
}

// RecordFailure records a failed request
func (h *HealthTracker) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalRequests++
	h.failedReqs++
	h.lastFailure = time.Now()
	h.consecutiveFails++
}

// Health returns a snapshot of the counters
func (h *HealthTracker) Health() *models.ProviderHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var avgLatency time.Duration
	if h.successfulReqs > 0 {
		avgLatency = h.totalLatency / time.Duration(h.successfulReqs)
	}

	out := &models.ProviderHealth{
		TotalRequests:       h.totalRequests,
		FailedRequests:      h.failedReqs,
		ConsecutiveFailures: h.consecutiveFails,
		AverageLatency:      avgLatency,
		Healthy:             h.healthy(),
	}
	if !h.lastSuccess.IsZero() {
		t := h.lastSuccess
		out.LastSuccess = &t
	}
	if !h.lastFailure.IsZero() {
		t := h.lastFailure
		out.LastFailure = &t
	}
	return out
}

// IsHealthy returns false after too many consecutive failures or when the
// success rate over at least 10 requests drops below the threshold
func (h *HealthTracker) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthy()
}

// healthy expects h.mu to be held
func (h *HealthTracker) healthy() bool {
	if h.consecutiveFails >= h.maxConsecutiveFails {
		return false
	}
	if h.totalRequests >= 10 {
		successRate := float64(h.successfulReqs) / float64(h.totalRequests)
		if successRate < h.minSuccessRate {
			return false
		}
	}
	return true
}

// SetHealthThresholds configures health check thresholds
func (h *HealthTracker) SetHealthThresholds(maxConsecutiveFails int, minSuccessRate float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if maxConsecutiveFails > 0 {
		h.maxConsecutiveFails = maxConsecutiveFails
	}
	if minSuccessRate > 0 && minSuccessRate <= 1.0 {
		h.minSuccessRate = minSuccessRate
	}
}
