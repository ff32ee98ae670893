package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-aggregator/internal/types"
)

func TestProviderLimiters_PacesAfterBurst(t *testing.T) {
	pl := NewProviderLimiters(map[types.ProviderID]Limit{
		types.ProviderTrading212: {RPS: 20, Burst: 1},
	})
	ctx := context.Background()

	waited, err := pl.Wait(ctx, types.ProviderTrading212)
	require.NoError(t, err)
	assert.Less(t, waited, 20*time.Millisecond)

	waited, err = pl.Wait(ctx, types.ProviderTrading212)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, waited, 30*time.Millisecond)
}

func TestProviderLimiters_UnknownProviderNotPaced(t *testing.T) {
	pl := NewProviderLimiters(nil)

	for i := 0; i < 100; i++ {
		waited, err := pl.Wait(context.Background(), types.ProviderBinance)
		require.NoError(t, err)
		assert.Zero(t, waited)
	}
	_, ok := pl.Limit(types.ProviderBinance)
	assert.False(t, ok)
}

func TestProviderLimiters_ContextCancelled(t *testing.T) {
	pl := NewProviderLimiters(map[types.ProviderID]Limit{
		types.ProviderDegiro: {RPS: 0.01, Burst: 1},
	})
	_, err := pl.Wait(context.Background(), types.ProviderDegiro)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pl.Wait(ctx, types.ProviderDegiro)
	assert.Error(t, err)
}

func TestProviderLimiters_Limit(t *testing.T) {
	pl := NewProviderLimiters(map[types.ProviderID]Limit{
		types.ProviderCryptoCom: {RPS: 3, Burst: 0},
	})

	l, ok := pl.Limit(types.ProviderCryptoCom)
	require.True(t, ok)
	assert.Equal(t, 3.0, l.RPS)
	assert.Equal(t, 1, l.Burst)
}

func TestMetricsCollector_RecordThrottle(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	m := NewMetricsCollector(rdb)
	fixed := time.Date(2025, 6, 1, 10, 30, 15, 0, time.UTC)
	m.now = func() time.Time { return fixed }
	ctx := context.Background()

	m.RecordThrottle(ctx, types.ProviderBinance, 30)
	m.RecordThrottle(ctx, types.ProviderBinance, 60)
	m.RecordWait(ctx, types.ProviderBinance, 250*time.Millisecond)

	stats := m.Stats(ctx, types.ProviderBinance)
	assert.Equal(t, int64(2), stats.Throttled)
	assert.Equal(t, 60, stats.LastRetryAfter)
	assert.Equal(t, 250*time.Millisecond, stats.WaitTime)
	assert.Equal(t, int64(2), stats.ThrottledThisMinute)

	key := KeyPrefixThrottle + "binance:" + "1748773800"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, metricsKeyTTL, mr.TTL(key))

	assert.Zero(t, m.Stats(ctx, types.ProviderDegiro).Throttled)
}

func TestMetricsCollector_WithoutRedis(t *testing.T) {
	m := NewMetricsCollector(nil)
	m.RecordThrottle(context.Background(), types.ProviderTrading212, 5)

	stats := m.Stats(context.Background(), types.ProviderTrading212)
	assert.Equal(t, int64(1), stats.Throttled)
	assert.Zero(t, stats.ThrottledThisMinute)
}
