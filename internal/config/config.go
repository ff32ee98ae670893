// Package config provides configuration management for the portfolio aggregator.
// It loads configuration from environment variables and .env files.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Cache     CacheConfig
	Vault     VaultConfig
	FX        FXConfig
	Fetch     FetchConfig
	Providers ProvidersConfig
	Pricing   PricingConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the postgres:// form used by golang-migrate
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// CacheConfig holds the per-user aggregate cache configuration
type CacheConfig struct {
	TTL time.Duration
}

// VaultConfig holds the credential vault master key
type VaultConfig struct {
	// MasterKey is VAULT_MASTER_KEY decoded from base64; empty when unset
	MasterKey []byte
}

// FXConfig holds exchange-rate snapshot configuration
type FXConfig struct {
	BaseCurrency    string
	TTL             time.Duration
	SourceURL       string
	RefreshSchedule string
}

// FetchConfig bounds outbound provider traffic
type FetchConfig struct {
	Timeout           time.Duration
	FanoutMaxInflight int
	// A provider is reported unhealthy after this many failures in a row
	// or when its success rate over ten or more calls falls below the rate
	HealthMaxFailures    int
	HealthMinSuccessRate float64
}

// ProvidersConfig holds per-provider endpoints and pacing
type ProvidersConfig struct {
	Degiro     ProviderConfig
	Trading212 ProviderConfig
	Binance    ProviderConfig
	CryptoCom  ProviderConfig
}

// ProviderConfig holds configuration for a single provider
type ProviderConfig struct {
	BaseURL string
	RPS     float64
	Burst   int
}

// PricingConfig holds the empirically derived mapping lists
type PricingConfig struct {
	QuoteSuffixes   []string
	Stablecoins     []string
	WrapperPrefixes []string
}

// RateLimitConfig holds inbound API rate limiting configuration
type RateLimitConfig struct {
	FreeTier    int
	BasicTier   int
	PremiumTier int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	masterKey, err := getEnvAsBase64("VAULT_MASTER_KEY")
	if err != nil {
		return nil, err
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "portfolio_aggregator"),
				User:           getEnv("POSTGRES_USER", "aggregator"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Cache: CacheConfig{
			TTL: getEnvAsDuration("CACHE_TTL", time.Hour),
		},
		Vault: VaultConfig{
			MasterKey: masterKey,
		},
		FX: FXConfig{
			BaseCurrency:    strings.ToUpper(getEnv("FX_BASE_CURRENCY", "EUR")),
			TTL:             getEnvAsDuration("FX_TTL", time.Hour),
			SourceURL:       getEnv("FX_SOURCE_URL", "https://api.frankfurter.app/latest"),
			RefreshSchedule: getEnv("FX_REFRESH_SCHEDULE", "@every 1h"),
		},
		Fetch: FetchConfig{
			Timeout:           getEnvAsDuration("PROVIDER_TIMEOUT", 20*time.Second),
			FanoutMaxInflight: getEnvAsInt("FANOUT_MAX_INFLIGHT", 8),

			HealthMaxFailures:    getEnvAsInt("PROVIDER_HEALTH_MAX_FAILURES", 5),
			HealthMinSuccessRate: getEnvAsFloat("PROVIDER_HEALTH_MIN_SUCCESS_RATE", 0.5),
		},
		Providers: ProvidersConfig{
			Degiro:     loadProviderConfig("DEGIRO", "https://trader.degiro.nl", 2, 2),
			Trading212: loadProviderConfig("TRADING212", "https://live.trading212.com", 1, 1),
			Binance:    loadProviderConfig("BINANCE", "https://api.binance.com", 10, 10),
			CryptoCom:  loadProviderConfig("CRYPTOCOM", "https://api.crypto.com/exchange/v1", 3, 3),
		},
		Pricing: PricingConfig{
			QuoteSuffixes:   getEnvAsList("PRICE_QUOTE_SUFFIXES", "USDT,USDC,BUSD,FDUSD,USD,EUR"),
			Stablecoins:     getEnvAsList("STABLECOINS", "USDT,USDC,BUSD,FDUSD,DAI,TUSD,USDP"),
			WrapperPrefixes: getEnvAsList("BINANCE_WRAPPER_PREFIXES", "LD"),
		},
		RateLimit: RateLimitConfig{
			FreeTier:    getEnvAsInt("RATE_LIMIT_FREE_TIER", 5),
			BasicTier:   getEnvAsInt("RATE_LIMIT_BASIC_TIER", 20),
			PremiumTier: getEnvAsInt("RATE_LIMIT_PREMIUM_TIER", 50),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// loadProviderConfig reads <PREFIX>_BASE_URL, <PREFIX>_RPS and <PREFIX>_BURST
func loadProviderConfig(prefix, defaultURL string, defaultRPS float64, defaultBurst int) ProviderConfig {
	return ProviderConfig{
		BaseURL: strings.TrimRight(getEnv(prefix+"_BASE_URL", defaultURL), "/"),
		RPS:     getEnvAsFloat(prefix+"_RPS", defaultRPS),
		Burst:   getEnvAsInt(prefix+"_BURST", defaultBurst),
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, trimming and upper-casing entries
func getEnvAsList(key, defaultValue string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, defaultValue), ",") {
		item = strings.ToUpper(strings.TrimSpace(item))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvAsBase64 decodes an optional base64 variable
func getEnvAsBase64(key string) ([]byte, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return nil, nil
	}
	value, err := base64.StdEncoding.DecodeString(valueStr)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid base64: %w", key, err)
	}
	return value, nil
}
