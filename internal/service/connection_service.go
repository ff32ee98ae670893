package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/portfolio-aggregator/internal/adapter"
	apperrors "github.com/portfolio-aggregator/internal/errors"
	"github.com/portfolio-aggregator/internal/logging"
	"github.com/portfolio-aggregator/internal/models"
	"github.com/portfolio-aggregator/internal/types"
)

// ConnectionService handles connecting, disconnecting and reporting provider
// connections. Credentials are sealed before they reach the repository and
// never leave the service in cleartext.
type ConnectionService struct {
	connections ConnectionRepository
	cache       ResultCache
	vault       CredentialVault
	registry    *adapter.Registry
	logger      *logging.Logger
}

// NewConnectionService creates a new connection service
func NewConnectionService(
	connections ConnectionRepository,
	cache ResultCache,
	vault CredentialVault,
	registry *adapter.Registry,
	logger *logging.Logger,
) *ConnectionService {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &ConnectionService{
		connections: connections,
		cache:       cache,
		vault:       vault,
		registry:    registry,
		logger:      logger.WithField("component", "connections"),
	}
}

// Connect authenticates raw credentials with the provider and stores the
// resulting session. SecondFactorRequired is returned unchanged so callers
// can prompt for the code and retry.
func (s *ConnectionService) Connect(ctx context.Context, userID string, provider types.ProviderID, credentials json.RawMessage) (*models.ConnectionStatusView, error) {
	p, err := s.validate(userID, provider)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(credentials))) == 0 {
		return nil, apperrors.NewValidationError("credentials", "is required")
	}

	result, err := p.Authenticate(ctx, credentials)
	if err != nil {
		return nil, err
	}
	return s.store(ctx, userID, provider, result)
}

// ConnectWithSession stores a session token the user obtained manually. Only
// providers with a session flow accept it.
func (s *ConnectionService) ConnectWithSession(ctx context.Context, userID string, provider types.ProviderID, sessionToken string) (*models.ConnectionStatusView, error) {
	p, err := s.validate(userID, provider)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(sessionToken) == "" {
		return nil, apperrors.NewValidationError("sessionToken", "is required")
	}

	sa, ok := p.(adapter.SessionAuthenticator)
	if !ok {
		return nil, apperrors.NewValidationError("provider", "does not accept session tokens")
	}

	result, err := sa.AuthenticateWithSession(ctx, strings.TrimSpace(sessionToken))
	if err != nil {
		return nil, err
	}
	return s.store(ctx, userID, provider, result)
}

// Disconnect deletes the connection and the user's cached aggregates
func (s *ConnectionService) Disconnect(ctx context.Context, userID string, provider types.ProviderID) error {
	if _, err := s.validate(userID, provider); err != nil {
		return err
	}
	if _, err := s.connections.Get(ctx, userID, provider); err != nil {
		return err
	}
	if err := s.connections.Delete(ctx, userID, provider); err != nil {
		return err
	}

	s.invalidate(ctx, userID)
	s.logger.WithUser(userID).WithProvider(string(provider)).Info("provider disconnected")
	return nil
}

// Status lists every registered provider with the user's connection state
// and outbound call health
func (s *ConnectionService) Status(ctx context.Context, userID string) ([]models.ConnectionStatusView, error) {
	if userID == "" {
		return nil, apperrors.NewValidationError("userId", "is required")
	}

	conns, err := s.connections.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	byProvider := make(map[types.ProviderID]*models.Connection, len(conns))
	for _, c := range conns {
		byProvider[c.Provider] = c
	}

	health := s.registry.Health()
	views := make([]models.ConnectionStatusView, 0, len(types.AllProviders))
	for _, p := range types.AllProviders {
		if _, err := s.registry.Get(p); err != nil {
			continue
		}
		view := models.ConnectionStatusView{
			Provider:    p,
			DisplayName: p.DisplayName(),
			Status:      types.StatusDisconnected,
			Health:      health[p],
		}
		if c, ok := byProvider[p]; ok {
			view.Status = c.Status
			view.Account = c.Account
			view.LastSyncAt = c.LastSyncAt
			view.LastError = c.LastError
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *ConnectionService) validate(userID string, provider types.ProviderID) (adapter.ProviderAdapter, error) {
	if userID == "" {
		return nil, apperrors.NewValidationError("userId", "is required")
	}
	if _, err := types.ParseProviderID(string(provider)); err != nil {
		return nil, apperrors.NewValidationError("provider", err.Error())
	}
	return s.registry.Get(provider)
}

func (s *ConnectionService) store(ctx context.Context, userID string, provider types.ProviderID, result *adapter.AuthResult) (*models.ConnectionStatusView, error) {
	sealed, err := s.vault.SealJSON(result.Credentials)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to seal credentials", err)
	}

	conn := &models.Connection{
		UserID:               userID,
		Provider:             provider,
		Status:               types.StatusConnected,
		EncryptedCredentials: sealed,
		Account:              result.Account,
	}
	if err := s.connections.Upsert(ctx, conn); err != nil {
		return nil, err
	}

	s.invalidate(ctx, userID)
	s.logger.WithUser(userID).WithProvider(string(provider)).Info("provider connected")

	return &models.ConnectionStatusView{
		Provider:    provider,
		DisplayName: provider.DisplayName(),
		Status:      conn.Status,
		Account:     conn.Account,
		LastSyncAt:  conn.LastSyncAt,
	}, nil
}

// invalidate drops cached aggregates after the connection set changed
func (s *ConnectionService) invalidate(ctx context.Context, userID string) {
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.WithUser(userID).WithError(err).Warn("failed to invalidate cache")
	}
}
