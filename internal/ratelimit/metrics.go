package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/portfolio-aggregator/internal/types"
)

// Redis key prefixes for cross-process throttle counters
const (
	KeyPrefixThrottle = "ratelimit:throttle:count:"
	KeyPrefixWaitTime = "ratelimit:throttle:waittime:"
)

// metricsKeyTTL bounds how long a per-minute counter survives
const metricsKeyTTL = 5 * time.Minute

// ThrottleStats summarizes pacing and upstream throttling for one provider
type ThrottleStats struct {
	// Throttled counts upstream 429/418 responses
	Throttled int64 `json:"throttled"`
	// LastRetryAfter is the most recent retry hint in seconds
	LastRetryAfter int `json:"lastRetryAfter"`
	// WaitTime is the time requests spent queued on the local limiter
	WaitTime time.Duration `json:"waitTime"`
	// ThrottledThisMinute is read from Redis when configured
	ThrottledThisMinute int64 `json:"throttledThisMinute"`
}

// MetricsCollector records throttle events in memory and, when a Redis client
// is configured, in per-minute counters shared across processes.
type MetricsCollector struct {
	redis redis.Cmdable
	now   func() time.Time

	mu    sync.Mutex
	local map[types.ProviderID]*ThrottleStats
}

// NewMetricsCollector creates a collector. rdb may be nil.
func NewMetricsCollector(rdb redis.Cmdable) *MetricsCollector {
	return &MetricsCollector{
		redis: rdb,
		now:   time.Now,
		local: make(map[types.ProviderID]*ThrottleStats),
	}
}

func (m *MetricsCollector) statsLocked(p types.ProviderID) *ThrottleStats {
	s, ok := m.local[p]
	if !ok {
		s = &ThrottleStats{}
		m.local[p] = s
	}
	return s
}

func (m *MetricsCollector) minuteKey(prefix string, p types.ProviderID) string {
	return fmt.Sprintf("%s%s:%d", prefix, p, m.now().Truncate(time.Minute).Unix())
}

// RecordThrottle records an upstream throttle response
func (m *MetricsCollector) RecordThrottle(ctx context.Context, p types.ProviderID, retryAfter int) {
	m.mu.Lock()
	s := m.statsLocked(p)
	s.Throttled++
	s.LastRetryAfter = retryAfter
	m.mu.Unlock()

	if m.redis == nil {
		return
	}
	key := m.minuteKey(KeyPrefixThrottle, p)
	pipe := m.redis.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, metricsKeyTTL)
	pipe.Exec(ctx) // best-effort
}

// RecordWait records time a request spent queued on the local limiter
func (m *MetricsCollector) RecordWait(ctx context.Context, p types.ProviderID, wait time.Duration) {
	if wait <= 0 {
		return
	}

	m.mu.Lock()
	m.statsLocked(p).WaitTime += wait
	m.mu.Unlock()

	if m.redis == nil {
		return
	}
	key := m.minuteKey(KeyPrefixWaitTime, p)
	pipe := m.redis.Pipeline()
	pipe.IncrBy(ctx, key, int64(wait))
	pipe.Expire(ctx, key, metricsKeyTTL)
	pipe.Exec(ctx)
}

// Stats returns a copy of the counters for one provider
func (m *MetricsCollector) Stats(ctx context.Context, p types.ProviderID) ThrottleStats {
	m.mu.Lock()
	out := *m.statsLocked(p)
	m.mu.Unlock()

	if m.redis != nil {
		if n, err := m.redis.Get(ctx, m.minuteKey(KeyPrefixThrottle, p)).Int64(); err == nil {
			out.ThrottledThisMinute = n
		}
	}
	return out
}
