// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/portfolio-aggregator/internal/logging"
	"github.com/portfolio-aggregator/internal/models"
	"github.com/portfolio-aggregator/internal/service"
	"github.com/portfolio-aggregator/internal/types"
)

// Service interfaces for dependency injection and testing

// AggregatorService defines the aggregate read operations
type AggregatorService interface {
	GetPortfolio(ctx context.Context, userID string, opts service.GetOptions) (*models.PortfolioResult, error)
	GetIncome(ctx context.Context, userID string, opts service.GetOptions) (*models.IncomeResult, error)
	Invalidate(ctx context.Context, userID string, resource types.ResourceKey) error
}

// ConnectionServiceInterface defines the connection management operations
type ConnectionServiceInterface interface {
	Connect(ctx context.Context, userID string, provider types.ProviderID, credentials json.RawMessage) (*models.ConnectionStatusView, error)
	ConnectWithSession(ctx context.Context, userID string, provider types.ProviderID, sessionToken string) (*models.ConnectionStatusView, error)
	Disconnect(ctx context.Context, userID string, provider types.ProviderID) error
	Status(ctx context.Context, userID string) ([]models.ConnectionStatusView, error)
}

// HealthCheck reports whether a backing dependency is reachable
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server.
type Server struct {
	router            *mux.Router
	httpServer        *http.Server
	aggregator        AggregatorService
	connectionService ConnectionServiceInterface
	healthChecks      map[string]HealthCheck
	logger            *logging.Logger
	config            *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	FreeTierRPS     int // Requests per second for free tier
	BasicTierRPS    int // Requests per second for basic tier
	PremiumTierRPS  int // Requests per second for premium tier
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	aggregator AggregatorService,
	connectionService ConnectionServiceInterface,
	healthChecks map[string]HealthCheck,
	logger *logging.Logger,
) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:            mux.NewRouter(),
		aggregator:        aggregator,
		connectionService: connectionService,
		healthChecks:      healthChecks,
		logger:            logger.WithField("component", "api"),
		config:            config,
	}

	s.setupRouter()

	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.FreeTierRPS, s.config.BasicTierRPS, s.config.PremiumTierRPS)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(UserMiddleware)

	// Aggregates
	api.HandleFunc("/portfolio", s.handleGetPortfolio).Methods("GET")
	api.HandleFunc("/portfolio", s.handleInvalidate(types.ResourcePortfolio)).Methods("POST")
	api.HandleFunc("/income", s.handleGetIncome).Methods("GET")
	api.HandleFunc("/income", s.handleInvalidate(types.ResourceIncome)).Methods("POST")

	// Connections
	api.HandleFunc("/connections", s.handleConnectionStatus).Methods("GET")
	api.HandleFunc("/connections/{provider}", s.handleConnect).Methods("POST")
	api.HandleFunc("/connections/{provider}/session", s.handleConnectWithSession).Methods("POST")
	api.HandleFunc("/connections/{provider}", s.handleDisconnect).Methods("DELETE")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.healthChecks))
	for name, check := range s.healthChecks {
		if err := check(ctx); err != nil {
			s.logger.WithField("dependency", name).WithError(err).Warn("health check failed")
			checks[name] = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "healthy"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}
	respondJSON(w, status, map[string]interface{}{
		"status":  overall,
		"service": "portfolio-aggregator",
		"checks":  checks,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
