package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// CacheEntry is a per-user, per-resource aggregate held until ExpiresAt
type CacheEntry struct {
	Data      json.RawMessage `json:"data"`
	CachedAt  time.Time       `json:"cachedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// NewCacheEntry stamps data with cachedAt = now and expiresAt = now + ttl
func NewCacheEntry(data json.RawMessage, now time.Time, ttl time.Duration) *CacheEntry {
	return &CacheEntry{
		Data:      data,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

// Expired reports whether a read at now must be treated as a miss
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// ExchangeRateSnapshot holds rates per unit of Base. Only one is live per process.
type ExchangeRateSnapshot struct {
	Base      string                     `json:"base"`
	Rates     map[string]decimal.Decimal `json:"rates"`
	FetchedAt time.Time                  `json:"fetchedAt"`
	ExpiresAt time.Time                  `json:"expiresAt"`
}

// Fresh reports whether the snapshot is still within its TTL
func (s *ExchangeRateSnapshot) Fresh(now time.Time) bool {
	return s != nil && now.Before(s.ExpiresAt)
}

// Rate returns units of code per unit of Base
func (s *ExchangeRateSnapshot) Rate(code string) (decimal.Decimal, bool) {
	if s == nil {
		return decimal.Zero, false
	}
	if code == s.Base {
		return decimal.NewFromInt(1), true
	}
	r, ok := s.Rates[code]
	if !ok || !r.IsPositive() {
		return decimal.Zero, false
	}
	return r, true
}
