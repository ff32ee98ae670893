package currency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	calls int32
	err   error
	delay time.Duration
	rates map[string]decimal.Decimal
}

func (f *fakeSource) Fetch(ctx context.Context, base string) (map[string]decimal.Decimal, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.rates, nil
}

func eurRates() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"EUR": decimal.NewFromInt(1),
		"USD": decimal.RequireFromString("1.25"),
		"GBP": decimal.RequireFromString("0.8"),
		"JPY": decimal.RequireFromString("160"),
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestConverter(src RateSource) (*Converter, *testClock) {
	clock := &testClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewConverter(src, Config{Base: "eur", TTL: time.Hour, Now: clock.Now}), clock
}

func TestConvert(t *testing.T) {
	c, _ := newTestConverter(&fakeSource{rates: eurRates()})
	ctx := context.Background()

	tests := []struct {
		name     string
		amount   string
		from, to string
		want     string
	}{
		{"same currency", "10", "USD", "usd", "10"},
		{"to base", "125", "USD", "EUR", "100"},
		{"from base", "100", "EUR", "GBP", "80"},
		{"cross rate", "125", "USD", "GBP", "80"},
		{"unknown code passes through", "42", "XYZ", "EUR", "42"},
		{"crypto ticker passes through", "3", "USDT", "EUR", "3"},
		{"known code missing from snapshot", "7", "CHF", "EUR", "7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Convert(ctx, decimal.RequireFromString(tt.amount), tt.from, tt.to)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestTryConvert_ReportsPassThrough(t *testing.T) {
	c, _ := newTestConverter(&fakeSource{rates: eurRates()})

	_, ok := c.TryConvert(context.Background(), decimal.NewFromInt(1), "USD", "EUR")
	assert.True(t, ok)
	_, ok = c.TryConvert(context.Background(), decimal.NewFromInt(1), "XYZ", "EUR")
	assert.False(t, ok)
}

func TestSnapshot_TTL(t *testing.T) {
	src := &fakeSource{rates: eurRates()}
	c, clock := newTestConverter(src)
	ctx := context.Background()

	_, err := c.Snapshot(ctx)
	require.NoError(t, err)
	_, err = c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))

	clock.Advance(61 * time.Minute)
	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls))
	assert.Equal(t, clock.Now().Add(time.Hour), snap.ExpiresAt)
}

func TestSnapshot_StaleOnFailure(t *testing.T) {
	src := &fakeSource{rates: eurRates()}
	c, clock := newTestConverter(src)
	ctx := context.Background()

	first, err := c.Snapshot(ctx)
	require.NoError(t, err)

	src.err = errors.New("upstream down")
	clock.Advance(2 * time.Hour)

	stale, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Same(t, first, stale)

	got := c.Convert(ctx, decimal.NewFromInt(100), "EUR", "USD")
	assert.True(t, decimal.NewFromInt(125).Equal(got))
}

func TestSnapshot_NoSnapshotYet(t *testing.T) {
	c, _ := newTestConverter(&fakeSource{err: errors.New("upstream down")})

	_, err := c.Snapshot(context.Background())
	assert.Error(t, err)

	got := c.Convert(context.Background(), decimal.NewFromInt(100), "EUR", "USD")
	assert.True(t, decimal.NewFromInt(100).Equal(got))
}

func TestRefresh_ConcurrentCallersShareFetch(t *testing.T) {
	src := &fakeSource{rates: eurRates(), delay: 50 * time.Millisecond}
	c, _ := newTestConverter(src)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Refresh(context.Background()))
		}()
	}
	wg.Wait()

	assert.Less(t, atomic.LoadInt32(&src.calls), int32(10))
}

func TestRound(t *testing.T) {
	assert.Equal(t, "1.23", Round(decimal.RequireFromString("1.2345"), "EUR").String())
	assert.Equal(t, "123", Round(decimal.RequireFromString("123.4"), "JPY").String())
	assert.Equal(t, "1.23", Round(decimal.RequireFromString("1.2345"), "NOPE").String())
}

func TestStartStop(t *testing.T) {
	c, _ := newTestConverter(&fakeSource{rates: eurRates()})

	assert.Error(t, c.Start("not a schedule"))
	require.NoError(t, c.Start("@every 1h"))
	assert.Error(t, c.Start("@every 1h"))
	require.NoError(t, c.Stop())
	assert.Error(t, c.Stop())
}

func TestHTTPRateSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "EUR", r.URL.Query().Get("from"))
		w.Write([]byte(`{"amount":1.0,"base":"EUR","date":"2026-05-29","rates":{"USD":1.0823,"gbp":0.8512}}`))
	}))
	defer srv.Close()

	rates, err := NewHTTPRateSource(srv.URL+"/latest", time.Second).Fetch(context.Background(), "eur")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1.0823").Equal(rates["USD"]))
	assert.True(t, decimal.RequireFromString("0.8512").Equal(rates["GBP"]))
	assert.True(t, decimal.NewFromInt(1).Equal(rates["EUR"]))
}

func TestHTTPRateSource_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("from") == "USD" {
			w.Write([]byte(`{"base":"EUR","rates":{}}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"not found"}`))
	}))
	defer srv.Close()

	src := NewHTTPRateSource(srv.URL, time.Second)
	_, err := src.Fetch(context.Background(), "XXX")
	assert.Error(t, err)
	_, err = src.Fetch(context.Background(), "USD")
	assert.Error(t, err)
}
