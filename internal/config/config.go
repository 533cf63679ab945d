// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL          string
	ChainID         int64
	PrivateKey      string // Hex-encoded funding key, no 0x prefix (optional)
	Permit2Contract string
	EscrowArbiter   string
	USDTContract    string
	USDCContract    string

	// Escrow settings
	EscrowFeeBPS int           // Arbiter fee in basis points
	AllowanceTTL time.Duration // Lifetime of a scoped escrow allowance

	// Security / observability
	RateLimitRPS int
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

// Base mainnet defaults
const (
	DefaultRPCURL          = "https://mainnet.base.org"
	DefaultChainID         = 8453
	DefaultPermit2Contract = "0x000000000022D473030F116dDEE9F6B43aC78BA3"
	DefaultEscrowArbiter   = "0xe58E4ee5da1eBCB16869F8672C96D13EE83bC182"
	DefaultUSDTContract    = "0xfde4C96c8593536E31F229EA8f37B2ADa2699bB2"
	DefaultUSDCContract    = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultEscrowFeeBPS    = 10 // 0.1%
	DefaultAllowanceTTL    = 7 * 24 * time.Hour
	DefaultRateLimit       = 100
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
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:          getEnv("RPC_URL", DefaultRPCURL),
		ChainID:         getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:      os.Getenv("PRIVATE_KEY"), // Optional, disables escrow funding if unset
		Permit2Contract: getEnv("PERMIT2_CONTRACT", DefaultPermit2Contract),
		EscrowArbiter:   getEnv("ESCROW_ARBITER", DefaultEscrowArbiter),
		USDTContract:    getEnv("USDT_CONTRACT", DefaultUSDTContract),
		USDCContract:    getEnv("USDC_CONTRACT", DefaultUSDCContract),
		EscrowFeeBPS:    int(getEnvInt64("ESCROW_FEE_BPS", DefaultEscrowFeeBPS)),
		AllowanceTTL:    getEnvDuration("ALLOWANCE_TTL", DefaultAllowanceTTL),
		RateLimitRPS:    int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.PrivateKey != "" {
		// Allow both with and without 0x prefix
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when PRIVATE_KEY is set")
		}
	}

	if c.EscrowFeeBPS < 0 || c.EscrowFeeBPS > 10000 {
		return fmt.Errorf("ESCROW_FEE_BPS must be between 0 and 10000")
	}

	if c.AllowanceTTL <= 0 {
		return fmt.Errorf("ALLOWANCE_TTL must be positive")
	}

	return nil
}

// EscrowFundingEnabled reports whether the funding coordinator can run
func (c *Config) EscrowFundingEnabled() bool {
	return c.PrivateKey != "" && c.RPCURL != ""
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
