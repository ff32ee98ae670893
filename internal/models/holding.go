package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/portfolio-aggregator/internal/types"
)

// Holding is a normalized position. Values are recomputed on every sync and
// never persisted beyond the cache TTL.
type Holding struct {
	ID          string           `json:"id"`
	Provider    types.ProviderID `json:"source"`
	Ticker      string           `json:"ticker"`
	DisplayName string           `json:"displayName"`
	AssetType   types.AssetType  `json:"assetType"`
	Sector      string           `json:"sector,omitempty"`
	ISIN        string           `json:"isin,omitempty"`

	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Currency    string          `json:"currency"`
	MarketValue decimal.Decimal `json:"marketValue"`
	CostBasis   decimal.Decimal `json:"costBasis"`

	// Reporting currency values, filled in by the aggregator
	ReportingValue     decimal.Decimal `json:"reportingValue"`
	ReportingCostBasis decimal.Decimal `json:"reportingCostBasis"`
	UnrealizedPnL      decimal.Decimal `json:"unrealizedPnL"`

	AnnualIncomeEstimate decimal.Decimal        `json:"annualIncomeEstimate"`
	YieldPercent         decimal.Decimal        `json:"yieldPercent"`
	PaymentFrequency     types.PaymentFrequency `json:"paymentFrequency,omitempty"`
	NextPaymentDate      *time.Time             `json:"nextPaymentDate,omitempty"`
	SafetyRating         string                 `json:"safetyRating,omitempty"`
}

// HoldingID builds the stable id of an instrument held at a provider
func HoldingID(provider types.ProviderID, instrument string, qualifiers ...string) string {
	parts := append([]string{string(provider), strings.ToUpper(instrument)}, qualifiers...)
	return strings.Join(parts, ":")
}

// NewHolding returns a holding with value fields zeroed and MarketValue
// computed as quantity x unit price
func NewHolding(provider types.ProviderID, ticker string, assetType types.AssetType, quantity, unitPrice decimal.Decimal, currency string) Holding {
	h := Holding{
		ID:          HoldingID(provider, ticker),
		Provider:    provider,
		Ticker:      ticker,
		DisplayName: ticker,
		AssetType:   assetType,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		Currency:    strings.ToUpper(currency),
	}
	h.MarketValue = NonNegative(quantity.Mul(unitPrice))
	return h
}

// NonNegative clamps negative values to zero
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func (h Holding) String() string {
	return fmt.Sprintf("%s %s x %s @ %s %s", h.Provider, h.Ticker, h.Quantity, h.UnitPrice, h.Currency)
}
