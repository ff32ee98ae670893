// Package types provides common type definitions for the portfolio aggregator.
package types

import "fmt"

// ProviderID identifies an external broker or exchange
type ProviderID string

const (
	// ProviderDegiro is the session-cookie broker
	ProviderDegiro ProviderID = "degiro"
	// ProviderTrading212 is the key/secret basic-auth broker
	ProviderTrading212 ProviderID = "trading212"
	// ProviderBinance is the HMAC exchange signing its query string in insertion order
	ProviderBinance ProviderID = "binance"
	// ProviderCryptoCom is the HMAC exchange signing sorted, concatenated params in the body
	ProviderCryptoCom ProviderID = "cryptocom"
)

// AllProviders lists every supported provider in display order
var AllProviders = []ProviderID{
	ProviderDegiro,
	ProviderTrading212,
	ProviderBinance,
	ProviderCryptoCom,
}

// ParseProviderID converts a path or config value into a ProviderID
func ParseProviderID(s string) (ProviderID, error) {
	for _, p := range AllProviders {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown provider: %q", s)
}

// DisplayName returns the broker label shown alongside income events
func (p ProviderID) DisplayName() string {
	switch p {
	case ProviderDegiro:
		return "DEGIRO"
	case ProviderTrading212:
		return "Trading 212"
	case ProviderBinance:
		return "Binance"
	case ProviderCryptoCom:
		return "Crypto.com"
	default:
		return string(p)
	}
}

// ConnectionStatus represents the authorization state of a Connection
type ConnectionStatus string

const (
	// StatusDisconnected means no usable credentials are stored
	StatusDisconnected ConnectionStatus = "disconnected"
	// StatusConnected means the stored credentials were valid at last use
	StatusConnected ConnectionStatus = "connected"
	// StatusExpired means a downstream call rejected the stored session
	StatusExpired ConnectionStatus = "expired"
)

// AssetType classifies a holding
type AssetType string

const (
	AssetStock  AssetType = "Stock"
	AssetETF    AssetType = "ETF"
	AssetFund   AssetType = "Fund"
	AssetBond   AssetType = "Bond"
	AssetCrypto AssetType = "Crypto"
	AssetCash   AssetType = "Cash"
	AssetOther  AssetType = "Other"
)

// IncomeCategory is the semantic category of a received payment
type IncomeCategory string

const (
	CategoryDividend     IncomeCategory = "Dividend"
	CategoryYield        IncomeCategory = "Yield"
	CategoryStaking      IncomeCategory = "Staking"
	CategoryDistribution IncomeCategory = "Distribution"
)

// PaymentFrequency describes how often a holding pays income
type PaymentFrequency string

const (
	FrequencyUnknown   PaymentFrequency = ""
	FrequencyDaily     PaymentFrequency = "daily"
	FrequencyMonthly   PaymentFrequency = "monthly"
	FrequencyQuarterly PaymentFrequency = "quarterly"
	FrequencyAnnual    PaymentFrequency = "annual"
)

// ResourceKey names a cached aggregate per user
type ResourceKey string

const (
	// ResourcePortfolio caches the merged holdings view
	ResourcePortfolio ResourceKey = "portfolio"
	// ResourceIncome caches the merged income view
	ResourceIncome ResourceKey = "income"
)

// UserTier is the caller's plan, used only for inbound rate limits
type UserTier string

const (
	TierFree    UserTier = "free"
	TierBasic   UserTier = "basic"
	TierPremium UserTier = "premium"
)

// ParseUserTier returns the tier for a header value. Empty means free.
func ParseUserTier(s string) (UserTier, error) {
	switch UserTier(s) {
	case "", TierFree:
		return TierFree, nil
	case TierBasic, TierPremium:
		return UserTier(s), nil
	default:
		return "", fmt.Errorf("unknown tier: %q", s)
	}
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
