package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/portfolio-aggregator/internal/errors"
	"github.com/portfolio-aggregator/internal/models"
	"github.com/portfolio-aggregator/internal/types"
)

// cacheKeyPrefix namespaces per-user aggregates
const cacheKeyPrefix = "cache"

// CacheService stores per-user aggregates as CacheEntry JSON. The Redis TTL
// is only housekeeping: an entry read past its ExpiresAt is a miss even if
// the key survived.
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
	now   func() time.Time
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis: redis,
		ttl:   ttl,
		now:   time.Now,
	}
}

// WithClock replaces the time source
func (c *CacheService) WithClock(now func() time.Time) *CacheService {
	c.now = now
	return c
}

// TTL returns the configured entry lifetime
func (c *CacheService) TTL() time.Duration {
	return c.ttl
}

// GenerateCacheKey returns cache:<userId>:<resource>
func GenerateCacheKey(userID string, resource types.ResourceKey) string {
	return strings.Join([]string{cacheKeyPrefix, userID, string(resource)}, ":")
}

// Put stores value for the user and resource and returns the written entry
func (c *CacheService) Put(ctx context.Context, userID string, resource types.ResourceKey, value interface{}) (*models.CacheEntry, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}

	entry := models.NewCacheEntry(data, c.now(), c.ttl)
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	if err := c.redis.Set(ctx, GenerateCacheKey(userID, resource), payload, entry.ExpiresAt.Sub(entry.CachedAt)); err != nil {
		return nil, apperrors.NewCacheError("put", err)
	}
	return entry, nil
}

// Get loads the entry for the user and resource. ok is false on a miss or an
// expired entry; dest is only written on a hit.
func (c *CacheService) Get(ctx context.Context, userID string, resource types.ResourceKey, dest interface{}) (entry *models.CacheEntry, ok bool, err error) {
	raw, err := c.redis.Get(ctx, GenerateCacheKey(userID, resource))
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, apperrors.NewCacheError("get", err)
	}

	var e models.CacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	if e.Expired(c.now()) {
		return nil, false, nil
	}

	if dest != nil {
		if err := json.Unmarshal(e.Data, dest); err != nil {
			return nil, false, fmt.Errorf("failed to unmarshal cached value: %w", err)
		}
	}
	return &e, true, nil
}

// Invalidate removes the given resources for a user, or every resource when
// none are named
func (c *CacheService) Invalidate(ctx context.Context, userID string, resources ...types.ResourceKey) error {
	if len(resources) == 0 {
		return c.InvalidateUser(ctx, userID)
	}

	keys := make([]string, len(resources))
	for i, r := range resources {
		keys[i] = GenerateCacheKey(userID, r)
	}
	if err := c.redis.Del(ctx, keys...); err != nil {
		return apperrors.NewCacheError("invalidate", err)
	}
	return nil
}

// globEscaper quotes the SCAN MATCH metacharacters
var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// InvalidateUser removes all cache entries for a user
func (c *CacheService) InvalidateUser(ctx context.Context, userID string) error {
	keys, err := c.redis.Keys(ctx, GenerateCacheKey(globEscaper.Replace(userID), "*"))
	if err != nil {
		return apperrors.NewCacheError("invalidate", fmt.Errorf("failed to find keys: %w", err))
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.redis.Del(ctx, keys...); err != nil {
		return apperrors.NewCacheError("invalidate", err)
	}
	return nil
}
