package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/portfolio-aggregator/internal/types"
)

// ProviderFailure annotates an aggregate with one provider's error
type ProviderFailure struct {
	Provider   types.ProviderID `json:"provider"`
	Code       string           `json:"code"`
	Message    string           `json:"message"`
	RetryAfter int              `json:"retryAfter,omitempty"`
	Retryable  bool             `json:"retryable"`
}

// AggregateState distinguishes the outcomes a caller must present differently
type AggregateState string

const (
	StateNoConnections AggregateState = "no_connections"
	StateAllFailed     AggregateState = "all_failed"
	StatePartial       AggregateState = "partial"
	StateComplete      AggregateState = "complete"
)

// AggregateMeta is shared by portfolio and income results
type AggregateMeta struct {
	ReportingCurrency string             `json:"reportingCurrency"`
	Providers         []types.ProviderID `json:"providers"`
	Errors            []ProviderFailure  `json:"errors"`
	NoConnections     bool               `json:"noConnections"`
	Cached            bool               `json:"cached"`
	CachedAt          *time.Time         `json:"cachedAt,omitempty"`
	GeneratedAt       time.Time          `json:"generatedAt"`
}

// State derives the presentation state from providers and errors
func (m *AggregateMeta) State() AggregateState {
	switch {
	case m.NoConnections:
		return StateNoConnections
	case len(m.Errors) > 0 && len(m.Providers) == 0:
		return StateAllFailed
	case len(m.Errors) > 0:
		return StatePartial
	default:
		return StateComplete
	}
}

// PortfolioTotals are computed in the reporting currency
type PortfolioTotals struct {
	TotalValue         decimal.Decimal                      `json:"totalValue"`
	TotalCostBasis     decimal.Decimal                      `json:"totalCostBasis"`
	TotalUnrealizedPnL decimal.Decimal                      `json:"totalUnrealizedPnL"`
	AnnualIncome       decimal.Decimal                      `json:"annualIncome"`
	YieldPercent       decimal.Decimal                      `json:"yieldPercent"`
	ByAssetType        map[types.AssetType]decimal.Decimal  `json:"byAssetType"`
	ByProvider         map[types.ProviderID]decimal.Decimal `json:"byProvider"`
}

// PortfolioResult is the merged holdings view for one user
type PortfolioResult struct {
	AggregateMeta
	Holdings []Holding       `json:"holdings"`
	Totals   PortfolioTotals `json:"totals"`
}

// IncomeTotals are computed in the reporting currency
type IncomeTotals struct {
	TrailingTwelveMonths decimal.Decimal                          `json:"trailingTwelveMonths"`
	MonthlyAverage       decimal.Decimal                          `json:"monthlyAverage"`
	ByCategory           map[types.IncomeCategory]decimal.Decimal `json:"byCategory"`
	ByProvider           map[types.ProviderID]decimal.Decimal     `json:"byProvider"`
	// ByMonth is keyed YYYY-MM
	ByMonth map[string]decimal.Decimal `json:"byMonth"`
}

// IncomeResult is the merged income view for one user, newest event first
type IncomeResult struct {
	AggregateMeta
	Events []IncomeEvent `json:"events"`
	Totals IncomeTotals  `json:"totals"`
}
