// Package app wires configuration into the storage, adapter and service
// layers shared by the server and the operator CLI.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/portfolio-aggregator/internal/adapter"
	"github.com/portfolio-aggregator/internal/classifier"
	"github.com/portfolio-aggregator/internal/config"
	"github.com/portfolio-aggregator/internal/currency"
	"github.com/portfolio-aggregator/internal/logging"
	"github.com/portfolio-aggregator/internal/ratelimit"
	"github.com/portfolio-aggregator/internal/service"
	"github.com/portfolio-aggregator/internal/storage"
	"github.com/portfolio-aggregator/internal/types"
	"github.com/portfolio-aggregator/internal/vault"
)

// App holds the long-lived components built from a Config
type App struct {
	Postgres          *storage.PostgresDB
	Redis             *storage.RedisCache
	Cache             *storage.CacheService
	Connections       *storage.ConnectionRepository
	Vault             *vault.Vault
	Metrics           *ratelimit.MetricsCollector
	Registry          *adapter.Registry
	Converter         *currency.Converter
	Aggregator        *service.Aggregator
	ConnectionService *service.ConnectionService
}

// New connects to Postgres and Redis and builds every service. The caller
// must Close the returned App.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	v, err := vault.New(cfg.Vault.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("VAULT_MASTER_KEY: %w", err)
	}

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		postgres.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	a := &App{
		Postgres:    postgres,
		Redis:       redis,
		Cache:       storage.NewCacheService(redis, cfg.Cache.TTL),
		Connections: storage.NewConnectionRepository(postgres),
		Vault:       v,
		Metrics:     ratelimit.NewMetricsCollector(redis.Client()),
	}

	a.Registry = NewRegistry(cfg, a.Metrics, logger)
	a.Converter = currency.NewConverter(
		currency.NewHTTPRateSource(cfg.FX.SourceURL, cfg.Fetch.Timeout),
		currency.Config{Base: cfg.FX.BaseCurrency, TTL: cfg.FX.TTL, Logger: logger},
	)

	a.Aggregator = service.NewAggregator(service.AggregatorConfig{
		Connections:       a.Connections,
		Cache:             a.Cache,
		Vault:             a.Vault,
		Registry:          a.Registry,
		Converter:         a.Converter,
		FanoutMaxInflight: cfg.Fetch.FanoutMaxInflight,
		Logger:            logger,
	})
	a.ConnectionService = service.NewConnectionService(a.Connections, a.Cache, a.Vault, a.Registry, logger)

	return a, nil
}

// NewRegistry builds one adapter per supported provider from cfg. The
// adapters share an HTTP client, the outbound limiters and the classifier.
func NewRegistry(cfg *config.Config, metrics *ratelimit.MetricsCollector, logger *logging.Logger) *adapter.Registry {
	limiters := ratelimit.NewProviderLimiters(ProviderLimits(cfg))
	base := adapter.AdapterConfig{
		HTTPClient:      &http.Client{},
		Limiters:        limiters,
		Metrics:         metrics,
		Timeout:         cfg.Fetch.Timeout,
		Resolver:        adapter.NewPriceResolver(cfg.Pricing.Stablecoins, cfg.Pricing.QuoteSuffixes),
		WrapperPrefixes: cfg.Pricing.WrapperPrefixes,
		Classifier:      classifier.Default,
		Logger:          logger,

		HealthMaxFailures:    cfg.Fetch.HealthMaxFailures,
		HealthMinSuccessRate: cfg.Fetch.HealthMinSuccessRate,
	}

	with := func(url string) adapter.AdapterConfig {
		c := base
		c.BaseURL = url
		return c
	}

	return adapter.NewRegistry(
		adapter.NewDegiroAdapter(with(cfg.Providers.Degiro.BaseURL)),
		adapter.NewTrading212Adapter(with(cfg.Providers.Trading212.BaseURL)),
		adapter.NewBinanceAdapter(with(cfg.Providers.Binance.BaseURL)),
		adapter.NewCryptoComAdapter(with(cfg.Providers.CryptoCom.BaseURL)),
	)
}

// ProviderLimits maps the per-provider pacing settings
func ProviderLimits(cfg *config.Config) map[types.ProviderID]ratelimit.Limit {
	limit := func(p config.ProviderConfig) ratelimit.Limit {
		return ratelimit.Limit{RPS: p.RPS, Burst: p.Burst}
	}
	return map[types.ProviderID]ratelimit.Limit{
		types.ProviderDegiro:     limit(cfg.Providers.Degiro),
		types.ProviderTrading212: limit(cfg.Providers.Trading212),
		types.ProviderBinance:    limit(cfg.Providers.Binance),
		types.ProviderCryptoCom:  limit(cfg.Providers.CryptoCom),
	}
}

// HealthChecks returns the dependency probes reported on /health
func (a *App) HealthChecks() map[string]func(ctx context.Context) error {
	return map[string]func(ctx context.Context) error{
		"postgres": a.Postgres.Ping,
		"redis":    a.Redis.Ping,
	}
}

// Close releases the database connections
func (a *App) Close() {
	if err := a.Redis.Close(); err != nil {
		logging.WithError(err).Warn("failed to close Redis")
	}
	a.Postgres.Close()
}
