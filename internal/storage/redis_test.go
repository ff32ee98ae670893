package storage

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-aggregator/internal/types"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCacheFromClient(client)
	t.Cleanup(func() { _ = cache.Close() })
	return mr, cache
}

type cachedPayload struct {
	Total string   `json:"total"`
	Items []string `json:"items"`
}

func TestRedisCache_SetGetDel(t *testing.T) {
	_, cache := setupMiniRedis(t)
	ctx := testContext(t)

	require.NoError(t, cache.Ping(ctx))
	require.NoError(t, cache.Set(ctx, "k", "v", time.Minute))

	got, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	require.NoError(t, cache.Del(ctx, "k"))
	_, err = cache.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCache_Keys(t *testing.T) {
	_, cache := setupMiniRedis(t)
	ctx := testContext(t)

	for _, k := range []string{"cache:u1:portfolio", "cache:u1:income", "cache:u2:portfolio"} {
		require.NoError(t, cache.Set(ctx, k, "x", time.Minute))
	}

	keys, err := cache.Keys(ctx, "cache:u1:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cache:u1:portfolio", "cache:u1:income"}, keys)
}

func TestGenerateCacheKey(t *testing.T) {
	assert.Equal(t, "cache:u-1:portfolio", GenerateCacheKey("u-1", types.ResourcePortfolio))
	assert.Equal(t, "cache:u-1:income", GenerateCacheKey("u-1", types.ResourceIncome))
}

func TestCacheService_PutGet(t *testing.T) {
	mr, cache := setupMiniRedis(t)
	ctx := testContext(t)

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := NewCacheService(cache, time.Hour).WithClock(func() time.Time { return now })

	entry, err := svc.Put(ctx, "u1", types.ResourcePortfolio, cachedPayload{Total: "10.50", Items: []string{"AAPL"}})
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), entry.ExpiresAt)
	assert.Equal(t, time.Hour, mr.TTL("cache:u1:portfolio"))

	var out cachedPayload
	got, ok, err := svc.Get(ctx, "u1", types.ResourcePortfolio, &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.CachedAt.Equal(now))
	assert.Equal(t, "10.50", out.Total)
	assert.Equal(t, []string{"AAPL"}, out.Items)

	_, ok, err = svc.Get(ctx, "u1", types.ResourceIncome, &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheService_ExpiredEntryIsMiss(t *testing.T) {
	mr, cache := setupMiniRedis(t)
	ctx := testContext(t)

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := NewCacheService(cache, time.Hour).WithClock(func() time.Time { return now })

	_, err := svc.Put(ctx, "u1", types.ResourceIncome, cachedPayload{Total: "1"})
	require.NoError(t, err)

	// Key still present in Redis but the envelope says it has expired
	now = now.Add(time.Hour + time.Second)
	assert.True(t, mr.Exists("cache:u1:income"))

	_, ok, err := svc.Get(ctx, "u1", types.ResourceIncome, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	// Redis housekeeping drops the key as well
	mr.FastForward(time.Hour + time.Second)
	assert.False(t, mr.Exists("cache:u1:income"))
}

func TestCacheService_Invalidate(t *testing.T) {
	mr, cache := setupMiniRedis(t)
	ctx := testContext(t)
	svc := NewCacheService(cache, time.Hour)

	for _, user := range []string{"u1", "u2"} {
		for _, r := range []types.ResourceKey{types.ResourcePortfolio, types.ResourceIncome} {
			_, err := svc.Put(ctx, user, r, cachedPayload{})
			require.NoError(t, err)
		}
	}

	require.NoError(t, svc.Invalidate(ctx, "u1", types.ResourcePortfolio))
	assert.False(t, mr.Exists("cache:u1:portfolio"))
	assert.True(t, mr.Exists("cache:u1:income"))

	require.NoError(t, svc.Invalidate(ctx, "u1"))
	assert.False(t, mr.Exists("cache:u1:income"))
	assert.True(t, mr.Exists("cache:u2:portfolio"))
	assert.True(t, mr.Exists("cache:u2:income"))

	// Nothing left to delete
	require.NoError(t, svc.InvalidateUser(ctx, "u1"))
}

func TestCacheService_InvalidateUser_EscapesPattern(t *testing.T) {
	mr, cache := setupMiniRedis(t)
	svc := NewCacheService(cache, time.Hour)
	ctx := testContext(t)

	for _, user := range []string{"u*", "u1", "u?", "u[12]", `u\x`, "ux"} {
		_, err := svc.Put(ctx, user, types.ResourcePortfolio, map[string]int{"n": 1})
		require.NoError(t, err)
	}

	tests := []struct {
		user   string
		others []string
	}{
		{"u*", []string{"u1", "ux"}},
		{"u?", []string{"u1", "ux"}},
		{"u[12]", []string{"u1"}},
		{`u\x`, []string{"ux"}},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			require.NoError(t, svc.InvalidateUser(ctx, tt.user))
			assert.False(t, mr.Exists(GenerateCacheKey(tt.user, types.ResourcePortfolio)))
			for _, other := range tt.others {
				assert.True(t, mr.Exists(GenerateCacheKey(other, types.ResourcePortfolio)), other)
			}
		})
	}
}

func TestCacheService_CorruptEntry(t *testing.T) {
	mr, cache := setupMiniRedis(t)
	svc := NewCacheService(cache, time.Hour)

	require.NoError(t, mr.Set("cache:u1:portfolio", "not json"))

	_, ok, err := svc.Get(testContext(t), "u1", types.ResourcePortfolio, nil)
	assert.Error(t, err)
	assert.False(t, ok)
}
