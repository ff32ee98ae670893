package currency

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/portfolio-aggregator/internal/logging"
	"github.com/portfolio-aggregator/internal/models"
)

// DefaultTTL is how long a snapshot is served before a refresh
const DefaultTTL = time.Hour

// refreshTimeout bounds a scheduled refresh
const refreshTimeout = 30 * time.Second

// Config configures a Converter
type Config struct {
	Base   string
	TTL    time.Duration
	Logger *logging.Logger
	// Now is injected by tests
	Now func() time.Time
}

// Converter holds the current snapshot. Concurrent refreshers share one
// fetch; a failed refresh keeps serving the previous snapshot.
type Converter struct {
	source RateSource
	base   string
	ttl    time.Duration
	now    func() time.Time
	logger *logging.Logger

	mu       sync.RWMutex
	snapshot *models.ExchangeRateSnapshot

	group singleflight.Group

	cronMu  sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewConverter creates a converter over source
func NewConverter(source RateSource, cfg Config) *Converter {
	base := strings.ToUpper(cfg.Base)
	if base == "" {
		base = "EUR"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Converter{
		source: source,
		base:   base,
		ttl:    ttl,
		now:    now,
		logger: logger.WithField("component", "fx"),
	}
}

// Base returns the snapshot base currency
func (c *Converter) Base() string { return c.base }

func (c *Converter) current() *models.ExchangeRateSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Refresh fetches a new snapshot. Callers arriving during a refresh wait for
// the same result.
func (c *Converter) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		rates, err := c.source.Fetch(ctx, c.base)
		if err != nil {
			return nil, err
		}
		now := c.now()
		snap := &models.ExchangeRateSnapshot{
			Base:      c.base,
			Rates:     rates,
			FetchedAt: now,
			ExpiresAt: now.Add(c.ttl),
		}
		c.mu.Lock()
		c.snapshot = snap
		c.mu.Unlock()

		c.logger.WithFields(map[string]interface{}{
			"base":  c.base,
			"rates": len(rates),
		}).Debug("exchange rates refreshed")
		return snap, nil
	})
	if err != nil {
		return fmt.Errorf("refresh exchange rates: %w", err)
	}
	return nil
}

// Snapshot returns a fresh snapshot, refreshing when expired. When the
// refresh fails the stale snapshot is returned; an error is returned only
// when no snapshot has ever been fetched.
func (c *Converter) Snapshot(ctx context.Context) (*models.ExchangeRateSnapshot, error) {
	if snap := c.current(); snap.Fresh(c.now()) {
		return snap, nil
	}

	err := c.Refresh(ctx)
	snap := c.current()
	if err != nil {
		if snap == nil {
			return nil, err
		}
		c.logger.WithError(err).WithField("fetchedAt", snap.FetchedAt).Warn("serving stale exchange rates")
	}
	return snap, nil
}

// Known reports whether code is an ISO 4217 currency
func Known(code string) bool {
	return money.GetCurrency(strings.ToUpper(code)) != nil
}

// Convert converts amount between currencies. Unknown codes, missing rates
// and an unavailable snapshot all leave the amount unconverted.
func (c *Converter) Convert(ctx context.Context, amount decimal.Decimal, from, to string) decimal.Decimal {
	out, _ := c.TryConvert(ctx, amount, from, to)
	return out
}

// TryConvert is Convert that also reports whether a conversion happened
func (c *Converter) TryConvert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, bool) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to || amount.IsZero() {
		return amount, true
	}
	if !Known(from) || !Known(to) {
		return amount, false
	}

	snap, err := c.Snapshot(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("no exchange rates available, amounts left unconverted")
		return amount, false
	}
	fromRate, ok := snap.Rate(from)
	if !ok {
		return amount, false
	}
	toRate, ok := snap.Rate(to)
	if !ok {
		return amount, false
	}
	return amount.Div(fromRate).Mul(toRate), true
}

// Round rounds amount to the currency's minor unit, or 2 places when unknown
func Round(amount decimal.Decimal, code string) decimal.Decimal {
	places := int32(2)
	if cur := money.GetCurrency(strings.ToUpper(code)); cur != nil {
		places = int32(cur.Fraction)
	}
	return amount.Round(places)
}

// Start schedules background refreshes. schedule uses cron syntax, e.g. "@every 1h".
func (c *Converter) Start(schedule string) error {
	c.cronMu.Lock()
	defer c.cronMu.Unlock()

	if c.running {
		return fmt.Errorf("exchange rate refresher is already running")
	}

	sched := cron.New()
	if _, err := sched.AddFunc(schedule, c.scheduledRefresh); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	sched.Start()

	c.cron = sched
	c.running = true
	c.logger.WithField("schedule", schedule).Info("exchange rate refresher started")
	return nil
}

func (c *Converter) scheduledRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := c.Refresh(ctx); err != nil {
		c.logger.WithError(err).Warn("scheduled exchange rate refresh failed")
	}
}

// Stop halts scheduled refreshes and waits for a running one to finish
func (c *Converter) Stop() error {
	c.cronMu.Lock()
	defer c.cronMu.Unlock()

	if !c.running {
		return fmt.Errorf("exchange rate refresher is not running")
	}
	<-c.cron.Stop().Done()
	c.running = false
	return nil
}
