// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/mbd888/escrowd/internal/asset"
	"github.com/mbd888/escrowd/internal/fees"
)

// Arbitrator modes
const (
	ArbitratorCentralized = "centralized"
	ArbitratorAppealable  = "appealable"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow ledger
	Owner           common.Address
	FeeRecipient    common.Address
	PriceThresholds fees.Table
	TokenWhitelist  []asset.Asset
	MinAmount       *big.Int
	FeeTimeout      time.Duration
	PaymentTimeout  time.Duration

	// Arbitrator
	ArbitratorMode  string
	ArbitratorOwner common.Address // ruling authority; defaults to Owner
	ArbitrationCost *big.Int
	AppealCost      *big.Int
	AppealWindow    time.Duration

	// Background jobs
	WatcherInterval time.Duration

	// HTTP hardening
	RateLimitRPM   int
	RateLimitBurst int
	CORSOrigins    []string

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultPriceThresholds = "max:0"
	DefaultTokenWhitelist  = "native"
	DefaultArbitrationCost = "1000000000000000" // 0.001 native
	DefaultFeeTimeout      = 72 * time.Hour
	DefaultPaymentTimeout  = 7 * 24 * time.Hour
	DefaultAppealWindow    = 24 * time.Hour
	DefaultWatcherInterval = 30 * time.Second
	DefaultRateLimitRPM    = 120
	DefaultRateLimitBurst  = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ArbitratorMode:  strings.ToLower(getEnv("ARBITRATOR_MODE", ArbitratorCentralized)),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		FeeTimeout:      getEnvDuration("FEE_TIMEOUT", DefaultFeeTimeout),
		PaymentTimeout:  getEnvDuration("PAYMENT_TIMEOUT", DefaultPaymentTimeout),
		AppealWindow:    getEnvDuration("APPEAL_WINDOW", DefaultAppealWindow),
		WatcherInterval: getEnvDuration("WATCHER_INTERVAL", DefaultWatcherInterval),
		RateLimitRPM:    int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:  int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSOrigins:     splitList(getEnv("CORS_ORIGINS", "*")),
	}

	var err error
	if cfg.Owner, err = getEnvAddress("OWNER_ADDRESS", ""); err != nil {
		return nil, err
	}
	if cfg.FeeRecipient, err = getEnvAddress("FEE_RECIPIENT", os.Getenv("OWNER_ADDRESS")); err != nil {
		return nil, err
	}
	if cfg.ArbitratorOwner, err = getEnvAddress("ARBITRATOR_OWNER", os.Getenv("OWNER_ADDRESS")); err != nil {
		return nil, err
	}
	if cfg.PriceThresholds, err = fees.ParseTable(getEnv("PRICE_THRESHOLDS", DefaultPriceThresholds)); err != nil {
		return nil, fmt.Errorf("PRICE_THRESHOLDS: %w", err)
	}
	if cfg.TokenWhitelist, err = asset.ParseList(getEnv("TOKEN_WHITELIST", DefaultTokenWhitelist)); err != nil {
		return nil, fmt.Errorf("TOKEN_WHITELIST: %w", err)
	}
	if cfg.MinAmount, err = getEnvAmount("MIN_AMOUNT", "0"); err != nil {
		return nil, err
	}
	if cfg.ArbitrationCost, err = getEnvAmount("ARBITRATION_COST", DefaultArbitrationCost); err != nil {
		return nil, err
	}
	if cfg.AppealCost, err = getEnvAmount("APPEAL_COST", getEnv("ARBITRATION_COST", DefaultArbitrationCost)); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if asset.IsZero(c.Owner) {
		return fmt.Errorf("OWNER_ADDRESS is required")
	}
	if asset.IsZero(c.FeeRecipient) {
		return fmt.Errorf("FEE_RECIPIENT must be a non-zero address")
	}
	if asset.IsZero(c.ArbitratorOwner) {
		return fmt.Errorf("ARBITRATOR_OWNER must be a non-zero address")
	}
	if err := c.PriceThresholds.Validate(); err != nil {
		return fmt.Errorf("PRICE_THRESHOLDS: %w", err)
	}
	if err := c.PriceThresholds.CheckBasisPoints(); err != nil {
		return fmt.Errorf("PRICE_THRESHOLDS: %w", err)
	}
	if len(c.TokenWhitelist) == 0 {
		return fmt.Errorf("TOKEN_WHITELIST must name at least one asset")
	}
	switch c.ArbitratorMode {
	case ArbitratorCentralized, ArbitratorAppealable:
	default:
		return fmt.Errorf("ARBITRATOR_MODE must be %q or %q, got %q", ArbitratorCentralized, ArbitratorAppealable, c.ArbitratorMode)
	}
	if c.ArbitrationCost == nil || c.ArbitrationCost.Sign() <= 0 {
		return fmt.Errorf("ARBITRATION_COST must be a positive integer")
	}
	if c.FeeTimeout <= 0 || c.PaymentTimeout <= 0 {
		return fmt.Errorf("FEE_TIMEOUT and PAYMENT_TIMEOUT must be positive")
	}
	if c.ArbitratorMode == ArbitratorAppealable && c.AppealWindow <= 0 {
		return fmt.Errorf("APPEAL_WINDOW must be positive in appealable mode")
	}
	if c.WatcherInterval <= 0 {
		return fmt.Errorf("WATCHER_INTERVAL must be positive")
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90m") or bare seconds ("3600").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs := getEnvInt64(key, -1); secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvAddress(key, defaultValue string) (common.Address, error) {
	value := getEnv(key, defaultValue)
	if value == "" {
		return common.Address{}, nil
	}
	addr, err := asset.ParseAddress(value)
	if err != nil {
		return common.Address{}, fmt.Errorf("%s: %w", key, err)
	}
	return addr, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvAmount reads a base-unit integer.
func getEnvAmount(key, defaultValue string) (*big.Int, error) {
	value := strings.TrimSpace(getEnv(key, defaultValue))
	v, ok := new(big.Int).SetString(value, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative integer, got %q", key, value)
	}
	return v, nil
}
