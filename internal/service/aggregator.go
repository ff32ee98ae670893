// Package service holds the Portfolio Aggregator and the Connection Service.
// Both depend on small interfaces so tests can swap storage, cache and
// vault for fakes.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/portfolio-aggregator/internal/adapter"
	"github.com/portfolio-aggregator/internal/currency"
	apperrors "github.com/portfolio-aggregator/internal/errors"
	"github.com/portfolio-aggregator/internal/logging"
	"github.com/portfolio-aggregator/internal/models"
	"github.com/portfolio-aggregator/internal/types"
)

// DefaultFanoutMaxInflight bounds concurrent provider calls per request
const DefaultFanoutMaxInflight = 8

var twelve = decimal.NewFromInt(12)
var hundred = decimal.NewFromInt(100)

// ConnectionRepository interface for connection data operations
type ConnectionRepository interface {
	Upsert(ctx context.Context, conn *models.Connection) error
	Get(ctx context.Context, userID string, provider types.ProviderID) (*models.Connection, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Connection, error)
	Delete(ctx context.Context, userID string, provider types.ProviderID) error
	MarkExpired(ctx context.Context, userID string, provider types.ProviderID, reason string) error
	UpdateLastSync(ctx context.Context, userID string, provider types.ProviderID, at time.Time) error
}

// ResultCache interface for the per-user aggregate cache
type ResultCache interface {
	Get(ctx context.Context, userID string, resource types.ResourceKey, dest interface{}) (*models.CacheEntry, bool, error)
	Put(ctx context.Context, userID string, resource types.ResourceKey, value interface{}) (*models.CacheEntry, error)
	Invalidate(ctx context.Context, userID string, resources ...types.ResourceKey) error
}

// CredentialVault seals and opens stored credential blobs
type CredentialVault interface {
	SealJSON(value interface{}) (string, error)
	OpenJSON(encoded string, out interface{}) error
}

// CurrencyConverter converts provider amounts to the reporting currency
type CurrencyConverter interface {
	Base() string
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) decimal.Decimal
}

// GetOptions controls a single aggregate read
type GetOptions struct {
	// Refresh skips the cache read; a clean result is still written back
	Refresh bool
}

// AggregatorConfig wires the aggregator's collaborators
type AggregatorConfig struct {
	Connections       ConnectionRepository
	Cache             ResultCache
	Vault             CredentialVault
	Registry          *adapter.Registry
	Converter         CurrencyConverter
	FanoutMaxInflight int
	Logger            *logging.Logger
	Now               func() time.Time
}

// Aggregator loads a user's connections, fans out to the provider adapters,
// merges and converts the results and caches clean aggregates
type Aggregator struct {
	connections ConnectionRepository
	cache       ResultCache
	vault       CredentialVault
	registry    *adapter.Registry
	converter   CurrencyConverter
	maxInflight int
	logger      *logging.Logger
	now         func() time.Time
}

// NewAggregator creates a new aggregator
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	maxInflight := cfg.FanoutMaxInflight
	if maxInflight <= 0 {
		maxInflight = DefaultFanoutMaxInflight
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		connections: cfg.Connections,
		cache:       cfg.Cache,
		vault:       cfg.Vault,
		registry:    cfg.Registry,
		converter:   cfg.Converter,
		maxInflight: maxInflight,
		logger:      logger.WithField("component", "aggregator"),
		now:         now,
	}
}

// fetchFunc is one provider capability invoked during fan-out
type fetchFunc[T any] func(ctx context.Context, a adapter.ProviderAdapter, s adapter.Session) ([]T, error)

// fanOutResult is the unmerged output of one fan-out
type fanOutResult[T any] struct {
	items         []T
	providers     []types.ProviderID
	failures      []models.ProviderFailure
	noConnections bool
}

type branchResult[T any] struct {
	provider types.ProviderID
	items    []T
	err      error
}

// GetPortfolio returns the merged holdings view for a user
func (a *Aggregator) GetPortfolio(ctx context.Context, userID string, opts GetOptions) (*models.PortfolioResult, error) {
	if userID == "" {
		return nil, apperrors.NewValidationError("userId", "is required")
	}

	if !opts.Refresh {
		var cached models.PortfolioResult
		if entry, ok := a.readCache(ctx, userID, types.ResourcePortfolio, &cached); ok {
			markCached(&cached.AggregateMeta, entry)
			return &cached, nil
		}
	}

	out, err := fanOut(ctx, a, userID, func(ctx context.Context, p adapter.ProviderAdapter, s adapter.Session) ([]models.Holding, error) {
		return p.FetchHoldings(ctx, s)
	})
	if err != nil {
		return nil, err
	}

	base := a.converter.Base()
	holdings := a.convertHoldings(ctx, out.items, base)
	result := &models.PortfolioResult{
		AggregateMeta: buildMeta(a, base, out),
		Holdings:      holdings,
		Totals:        portfolioTotals(holdings, a.annualIncome(ctx, holdings, base), base),
	}

	a.writeCache(ctx, userID, types.ResourcePortfolio, &result.AggregateMeta, result)
	return result, nil
}

// GetIncome returns the merged income view for a user, newest event first
func (a *Aggregator) GetIncome(ctx context.Context, userID string, opts GetOptions) (*models.IncomeResult, error) {
	if userID == "" {
		return nil, apperrors.NewValidationError("userId", "is required")
	}

	if !opts.Refresh {
		var cached models.IncomeResult
		if entry, ok := a.readCache(ctx, userID, types.ResourceIncome, &cached); ok {
			markCached(&cached.AggregateMeta, entry)
			return &cached, nil
		}
	}

	out, err := fanOut(ctx, a, userID, func(ctx context.Context, p adapter.ProviderAdapter, s adapter.Session) ([]models.IncomeEvent, error) {
		return p.FetchIncomeEvents(ctx, s)
	})
	if err != nil {
		return nil, err
	}

	base := a.converter.Base()
	events := a.convertEvents(ctx, out.items, base)
	models.SortIncomeEventsDesc(events)

	result := &models.IncomeResult{
		AggregateMeta: buildMeta(a, base, out),
		Events:        events,
		Totals:        incomeTotals(events, a.now(), base),
	}

	a.writeCache(ctx, userID, types.ResourceIncome, &result.AggregateMeta, result)
	return result, nil
}

// Invalidate drops a cached aggregate. An empty resource drops both.
func (a *Aggregator) Invalidate(ctx context.Context, userID string, resource types.ResourceKey) error {
	if userID == "" {
		return apperrors.NewValidationError("userId", "is required")
	}
	if resource == "" {
		return a.cache.Invalidate(ctx, userID)
	}
	if resource != types.ResourcePortfolio && resource != types.ResourceIncome {
		return apperrors.NewValidationError("resource", fmt.Sprintf("unknown resource %q", resource))
	}
	return a.cache.Invalidate(ctx, userID, resource)
}

// fanOut calls fetch for every live connection of the user. Each branch is
// isolated: its error or panic becomes a ProviderFailure and never aborts
// the others.
func fanOut[T any](ctx context.Context, a *Aggregator, userID string, fetch fetchFunc[T]) (*fanOutResult[T], error) {
	conns, err := a.connections.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connections: %w", err)
	}

	out := &fanOutResult[T]{}
	var live []*models.Connection
	for _, c := range conns {
		switch c.Status {
		case types.StatusConnected:
			live = append(live, c)
		case types.StatusExpired:
			out.failures = append(out.failures, toFailure(c.Provider, apperrors.NewSessionExpiredError(c.Provider)))
		}
	}
	if len(live) == 0 && len(out.failures) == 0 {
		out.noConnections = true
		return out, nil
	}

	results := make([]branchResult[T], len(live))
	var g errgroup.Group
	g.SetLimit(a.maxInflight)
	for i, conn := range live {
		g.Go(func() error {
			results[i] = runBranch(ctx, a, conn, fetch)
			return nil
		})
	}
	_ = g.Wait() // branches never return errors

	for _, r := range results {
		if r.err != nil {
			out.failures = append(out.failures, toFailure(r.provider, r.err))
			continue
		}
		out.providers = append(out.providers, r.provider)
		out.items = append(out.items, r.items...)
	}

	sort.SliceStable(out.failures, func(i, j int) bool { return out.failures[i].Provider < out.failures[j].Provider })
	return out, nil
}

func runBranch[T any](ctx context.Context, a *Aggregator, conn *models.Connection, fetch fetchFunc[T]) (res branchResult[T]) {
	res.provider = conn.Provider
	logger := a.logger.WithUser(conn.UserID).WithProvider(string(conn.Provider))

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("provider branch panicked: %v", r)
			res.items = nil
			res.err = apperrors.NewInternalError(fmt.Sprintf("provider branch panicked: %v", r), nil).WithProvider(conn.Provider)
		}
	}()

	p, err := a.registry.Get(conn.Provider)
	if err != nil {
		res.err = err
		return res
	}

	var creds json.RawMessage
	if err := a.vault.OpenJSON(conn.EncryptedCredentials, &creds); err != nil {
		logger.WithError(err).Error("failed to open stored credentials")
		res.err = err
		return res
	}

	session := adapter.Session{
		UserID:      conn.UserID,
		Provider:    conn.Provider,
		Account:     conn.Account,
		Credentials: creds,
	}

	items, err := fetch(ctx, p, session)
	if err != nil {
		logger.WithError(err).Warn("provider fetch failed")
		res.err = err
		a.expireIfSessionRejected(ctx, p, conn, err)
		return res
	}

	res.items = items
	if err := a.connections.UpdateLastSync(ctx, conn.UserID, conn.Provider, a.now()); err != nil {
		logger.WithError(err).Warn("failed to record last sync")
	}
	return res
}

// expireIfSessionRejected flips session-cookie connections to expired when
// the provider rejected the stored authorization. Persistence failures are
// logged only.
func (a *Aggregator) expireIfSessionRejected(ctx context.Context, p adapter.ProviderAdapter, conn *models.Connection, err error) {
	if !apperrors.IsAuthFailure(err) {
		return
	}
	if _, ok := p.(adapter.SessionAuthenticator); !ok {
		return
	}
	reason := "session expired"
	if catErr, ok := apperrors.As(err); ok {
		reason = catErr.Message
	}
	if mErr := a.connections.MarkExpired(ctx, conn.UserID, conn.Provider, reason); mErr != nil {
		a.logger.WithUser(conn.UserID).WithProvider(string(conn.Provider)).WithError(mErr).Warn("failed to mark connection expired")
	}
}

func toFailure(p types.ProviderID, err error) models.ProviderFailure {
	f := models.ProviderFailure{
		Provider:  p,
		Code:      string(apperrors.KindInternal),
		Message:   err.Error(),
		Retryable: apperrors.IsRetryable(err),
	}
	if catErr, ok := apperrors.As(err); ok {
		f.Code = catErr.Code
		f.Message = catErr.Message
		f.RetryAfter = catErr.RetryAfter
	}
	return f
}

func buildMeta[T any](a *Aggregator, base string, out *fanOutResult[T]) models.AggregateMeta {
	providers, failures := out.providers, out.failures
	if providers == nil {
		providers = []types.ProviderID{}
	}
	if failures == nil {
		failures = []models.ProviderFailure{}
	}
	return models.AggregateMeta{
		ReportingCurrency: base,
		Providers:         providers,
		Errors:            failures,
		NoConnections:     out.noConnections,
		GeneratedAt:       a.now().UTC(),
	}
}

func (a *Aggregator) readCache(ctx context.Context, userID string, resource types.ResourceKey, dest interface{}) (*models.CacheEntry, bool) {
	entry, ok, err := a.cache.Get(ctx, userID, resource, dest)
	if err != nil {
		a.logger.WithUser(userID).WithError(err).Warn("cache read failed, fetching from providers")
		return nil, false
	}
	return entry, ok
}

// writeCache stores clean aggregates only: any provider failure, or no
// connections at all, leaves the cache untouched
func (a *Aggregator) writeCache(ctx context.Context, userID string, resource types.ResourceKey, meta *models.AggregateMeta, value interface{}) {
	if meta.NoConnections || len(meta.Errors) > 0 {
		return
	}
	if _, err := a.cache.Put(ctx, userID, resource, value); err != nil {
		a.logger.WithUser(userID).WithError(err).Warn("cache write failed")
	}
}

func markCached(meta *models.AggregateMeta, entry *models.CacheEntry) {
	cachedAt := entry.CachedAt
	meta.Cached = true
	meta.CachedAt = &cachedAt
}

func (a *Aggregator) convertHoldings(ctx context.Context, in []models.Holding, base string) []models.Holding {
	out := make([]models.Holding, len(in))
	for i, h := range in {
		h.MarketValue = models.NonNegative(h.MarketValue)
		h.ReportingValue = currency.Round(models.NonNegative(a.converter.Convert(ctx, h.MarketValue, h.Currency, base)), base)
		h.ReportingCostBasis = currency.Round(models.NonNegative(a.converter.Convert(ctx, h.CostBasis, h.Currency, base)), base)
		if h.ReportingCostBasis.IsPositive() {
			h.UnrealizedPnL = h.ReportingValue.Sub(h.ReportingCostBasis)
		} else {
			h.UnrealizedPnL = decimal.Zero
		}
		out[i] = h
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ReportingValue.Equal(out[j].ReportingValue) {
			return out[i].ReportingValue.GreaterThan(out[j].ReportingValue)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (a *Aggregator) annualIncome(ctx context.Context, holdings []models.Holding, base string) decimal.Decimal {
	total := decimal.Zero
	for _, h := range holdings {
		total = total.Add(a.converter.Convert(ctx, h.AnnualIncomeEstimate, h.Currency, base))
	}
	return currency.Round(total, base)
}

func (a *Aggregator) convertEvents(ctx context.Context, in []models.IncomeEvent, base string) []models.IncomeEvent {
	out := make([]models.IncomeEvent, len(in))
	for i, e := range in {
		e.ReportingAmount = currency.Round(models.NonNegative(a.converter.Convert(ctx, e.Amount, e.Currency, base)), base)
		if e.Broker == "" {
			e.Broker = e.Provider.DisplayName()
		}
		out[i] = e
	}
	return out
}

func portfolioTotals(holdings []models.Holding, annualIncome decimal.Decimal, base string) models.PortfolioTotals {
	t := models.PortfolioTotals{
		TotalValue:         decimal.Zero,
		TotalCostBasis:     decimal.Zero,
		TotalUnrealizedPnL: decimal.Zero,
		AnnualIncome:       annualIncome,
		YieldPercent:       decimal.Zero,
		ByAssetType:        map[types.AssetType]decimal.Decimal{},
		ByProvider:         map[types.ProviderID]decimal.Decimal{},
	}
	for _, h := range holdings {
		t.TotalValue = t.TotalValue.Add(h.ReportingValue)
		t.TotalCostBasis = t.TotalCostBasis.Add(h.ReportingCostBasis)
		t.TotalUnrealizedPnL = t.TotalUnrealizedPnL.Add(h.UnrealizedPnL)
		t.ByAssetType[h.AssetType] = t.ByAssetType[h.AssetType].Add(h.ReportingValue)
		t.ByProvider[h.Provider] = t.ByProvider[h.Provider].Add(h.ReportingValue)
	}
	if t.TotalValue.IsPositive() {
		t.YieldPercent = annualIncome.Div(t.TotalValue).Mul(hundred).Round(2)
	}
	t.TotalValue = currency.Round(t.TotalValue, base)
	t.TotalCostBasis = currency.Round(t.TotalCostBasis, base)
	t.TotalUnrealizedPnL = currency.Round(t.TotalUnrealizedPnL, base)
	return t
}

// incomeTotals sums the trailing twelve months ending at now. ByMonth covers
// every event returned.
func incomeTotals(events []models.IncomeEvent, now time.Time, base string) models.IncomeTotals {
	t := models.IncomeTotals{
		TrailingTwelveMonths: decimal.Zero,
		MonthlyAverage:       decimal.Zero,
		ByCategory:           map[types.IncomeCategory]decimal.Decimal{},
		ByProvider:           map[types.ProviderID]decimal.Decimal{},
		ByMonth:              map[string]decimal.Decimal{},
	}
	from := now.AddDate(-1, 0, 0)
	for _, e := range events {
		month := e.Date.UTC().Format("2006-01")
		t.ByMonth[month] = t.ByMonth[month].Add(e.ReportingAmount)

		if e.Date.Before(from) || e.Date.After(now) {
			continue
		}
		t.TrailingTwelveMonths = t.TrailingTwelveMonths.Add(e.ReportingAmount)
		t.ByCategory[e.Category] = t.ByCategory[e.Category].Add(e.ReportingAmount)
		t.ByProvider[e.Provider] = t.ByProvider[e.Provider].Add(e.ReportingAmount)
	}
	t.MonthlyAverage = currency.Round(t.TrailingTwelveMonths.Div(twelve), base)
	return t
}
