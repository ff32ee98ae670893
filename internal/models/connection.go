// Package models provides data models for the portfolio aggregator.
package models

import (
	"time"

	"github.com/portfolio-aggregator/internal/types"
)

// Connection is the stored authorization state linking one user to one provider.
// At most one exists per (UserID, Provider).
type Connection struct {
	ID                   string                 `json:"id" db:"id"`
	UserID               string                 `json:"userId" db:"user_id"`
	Provider             types.ProviderID       `json:"provider" db:"provider"`
	Status               types.ConnectionStatus `json:"status" db:"status"`
	EncryptedCredentials string                 `json:"-" db:"encrypted_credentials"`
	Account              string                 `json:"account,omitempty" db:"account"`
	LastSyncAt           *time.Time             `json:"lastSyncAt,omitempty" db:"last_sync_at"`
	LastError            *string                `json:"lastError,omitempty" db:"last_error"`
	CreatedAt            time.Time              `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time              `json:"updatedAt" db:"updated_at"`
}

// IsConnected reports whether the aggregator should fan out to this connection
func (c *Connection) IsConnected() bool {
	return c.Status == types.StatusConnected
}

// ConnectionStatusView is the credential-free projection returned by status calls
type ConnectionStatusView struct {
	Provider    types.ProviderID       `json:"provider"`
	DisplayName string                 `json:"displayName"`
	Status      types.ConnectionStatus `json:"status"`
	Account     string                 `json:"account,omitempty"`
	LastSyncAt  *time.Time             `json:"lastSyncAt,omitempty"`
	LastError   *string                `json:"lastError,omitempty"`
	Health      *ProviderHealth        `json:"health,omitempty"`
}

// ProviderHealth tracks outbound call health for one provider
type ProviderHealth struct {
	TotalRequests       int64         `json:"totalRequests"`
	FailedRequests      int64         `json:"failedRequests"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	AverageLatency      time.Duration `json:"averageLatency"`
	LastSuccess         *time.Time    `json:"lastSuccess,omitempty"`
	LastFailure         *time.Time    `json:"lastFailure,omitempty"`
	Healthy             bool          `json:"healthy"`
}
