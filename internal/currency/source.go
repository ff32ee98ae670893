// Package currency converts provider amounts into the reporting currency using
// a periodically refreshed exchange-rate snapshot.
package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RateSource fetches rates quoted as 1 base = rate units of each currency
type RateSource interface {
	Fetch(ctx context.Context, base string) (map[string]decimal.Decimal, error)
}

// frankfurterResponse is the /latest payload
type frankfurterResponse struct {
	Amount decimal.Decimal            `json:"amount"`
	Base   string                     `json:"base"`
	Date   string                     `json:"date"`
	Rates  map[string]decimal.Decimal `json:"rates"`
}

// HTTPRateSource reads a Frankfurter-style endpoint
type HTTPRateSource struct {
	URL    string
	Client *http.Client
}

// NewHTTPRateSource creates a source for the given endpoint
func NewHTTPRateSource(endpoint string, timeout time.Duration) *HTTPRateSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRateSource{
		URL:    endpoint,
		Client: &http.Client{Timeout: timeout},
	}
}

// Fetch implements RateSource
func (s *HTTPRateSource) Fetch(ctx context.Context, base string) (map[string]decimal.Decimal, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("parse rate source url: %w", err)
	}
	q := u.Query()
	q.Set("from", strings.ToUpper(base))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build rate request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rate source returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload frankfurterResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode rates: %w", err)
	}
	if !strings.EqualFold(payload.Base, base) {
		return nil, fmt.Errorf("rate source answered for %s, want %s", payload.Base, base)
	}

	rates := make(map[string]decimal.Decimal, len(payload.Rates)+1)
	for code, r := range payload.Rates {
		rates[strings.ToUpper(code)] = r
	}
	rates[strings.ToUpper(base)] = decimal.NewFromInt(1)
	return rates, nil
}
