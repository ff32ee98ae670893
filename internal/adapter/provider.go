// Package adapter talks to external brokers and exchanges. Each provider has
// one ProviderAdapter built from a Signer, a Fetcher and, where the provider
// pages its history, a paginator. Adapters map provider-specific payloads to
// models.Holding and models.IncomeEvent; nothing provider-shaped leaves here.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/portfolio-aggregator/internal/classifier"
	apperrors "github.com/portfolio-aggregator/internal/errors"
	"github.com/portfolio-aggregator/internal/logging"
	"github.com/portfolio-aggregator/internal/models"
	"github.com/portfolio-aggregator/internal/ratelimit"
	"github.com/portfolio-aggregator/internal/types"
)

// AuthResult is what a successful authentication yields. Credentials is
// sealed into the Connection; it never holds more than the adapter needs to
// make later calls.
type AuthResult struct {
	Credentials json.RawMessage
	Account     string
}

// Session is a decrypted Connection handed to fetch calls
type Session struct {
	UserID      string
	Provider    types.ProviderID
	Account     string
	Credentials json.RawMessage
}

// ProviderAdapter is the capability set every provider implements
type ProviderAdapter interface {
	ID() types.ProviderID

	// Authenticate validates raw user credentials. It fails with
	// InvalidCredentials, SecondFactorRequired or ProviderUnavailable.
	Authenticate(ctx context.Context, credentials json.RawMessage) (*AuthResult, error)

	FetchHoldings(ctx context.Context, session Session) ([]models.Holding, error)
	FetchIncomeEvents(ctx context.Context, session Session) ([]models.IncomeEvent, error)

	// Health reports outbound call statistics
	Health() *models.ProviderHealth
}

// SessionAuthenticator is implemented by providers that accept a
// pre-authenticated session token when automated login is blocked
type SessionAuthenticator interface {
	AuthenticateWithSession(ctx context.Context, sessionToken string) (*AuthResult, error)
}

// KeySecretCredentials are the API key credentials used by key/secret and HMAC providers
type KeySecretCredentials struct {
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
}

// Validate checks that both halves are present
func (c KeySecretCredentials) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return apperrors.NewValidationError("apiKey", "is required")
	}
	if strings.TrimSpace(c.APISecret) == "" {
		return apperrors.NewValidationError("apiSecret", "is required")
	}
	return nil
}

func decodeKeySecret(raw json.RawMessage) (KeySecretCredentials, error) {
	var c KeySecretCredentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, apperrors.NewValidationError("credentials", "must be a JSON object")
	}
	return c, c.Validate()
}

// Registry resolves adapters by provider. It is built once at startup.
type Registry struct {
	adapters map[types.ProviderID]ProviderAdapter
}

// NewRegistry indexes adapters by their ID
func NewRegistry(adapters ...ProviderAdapter) *Registry {
	r := &Registry{adapters: make(map[types.ProviderID]ProviderAdapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

// Get returns the adapter for p
func (r *Registry) Get(p types.ProviderID) (ProviderAdapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, apperrors.NewNotFoundError("provider adapter", string(p))
	}
	return a, nil
}

// Providers lists registered providers in a stable order
func (r *Registry) Providers() []types.ProviderID {
	out := make([]types.ProviderID, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Health returns health snapshots for every registered adapter
func (r *Registry) Health() map[types.ProviderID]*models.ProviderHealth {
	out := make(map[types.ProviderID]*models.ProviderHealth, len(r.adapters))
	for p, a := range r.adapters {
		out[p] = a.Health()
	}
	return out
}

// Clock is injected so tests can pin "now"
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// trailingYear returns [now-12 months, now]
func trailingYear(now time.Time) (time.Time, time.Time) {
	return now.AddDate(-1, 0, 0), now
}

func eventID(p types.ProviderID, parts ...string) string {
	return fmt.Sprintf("%s:%s", p, strings.Join(parts, ":"))
}

// AdapterConfig carries what every adapter needs to build its fetcher and mappers
type AdapterConfig struct {
	BaseURL         string
	HTTPClient      *http.Client
	Limiters        *ratelimit.ProviderLimiters
	Metrics         *ratelimit.MetricsCollector
	Timeout         time.Duration
	Resolver        *PriceResolver
	WrapperPrefixes []string
	Classifier      *classifier.Classifier
	Logger          *logging.Logger
	Clock           Clock

	HealthMaxFailures    int
	HealthMinSuccessRate float64
}

func (c AdapterConfig) fetcher(p types.ProviderID, inspect InspectFunc, throttleStatuses ...int) *Fetcher {
	return NewFetcher(FetcherConfig{
		Provider:         p,
		Client:           c.HTTPClient,
		Limiters:         c.Limiters,
		Metrics:          c.Metrics,
		Timeout:          c.Timeout,
		ThrottleStatuses: throttleStatuses,
		Inspect:          inspect,
		Logger:           c.Logger,

		HealthMaxFailures:    c.HealthMaxFailures,
		HealthMinSuccessRate: c.HealthMinSuccessRate,
	})
}

func (c AdapterConfig) classifier() *classifier.Classifier {
	if c.Classifier == nil {
		return classifier.Default
	}
	return c.Classifier
}

func (c AdapterConfig) resolver() *PriceResolver {
	if c.Resolver == nil {
		return NewPriceResolver([]string{"USDT", "USDC", "BUSD", "FDUSD", "DAI", "TUSD", "USDP"}, []string{"USDT", "USDC", "BUSD", "FDUSD", "USD", "EUR"})
	}
	return c.Resolver
}

func (c AdapterConfig) logger(p types.ProviderID) *logging.Logger {
	l := c.Logger
	if l == nil {
		l = logging.GetGlobalLogger()
	}
	return l.WithProvider(string(p))
}
