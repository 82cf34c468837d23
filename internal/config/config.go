// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// CORSOrigins is a comma-separated list of browser origins allowed to
	// call the API. Empty allows none; "*" allows any.
	CORSOrigins string

	// Ledger settings
	RPCURL     string
	ChainID    int64
	PrivateKey string // Hex-encoded signer keys, comma-separated; the first is primary

	// EscrowBytecode is the hex creation code of the escrow contract. Only
	// sessions that deploy need it; an arbiter-only daemon can leave it empty.
	EscrowBytecode string

	// Timeouts
	ConfirmationTimeout time.Duration // receipt wait after broadcast
	EventTimeout        time.Duration // Approved event wait after receipt
	BlockPollInterval   time.Duration // new-block polling when subscriptions are unavailable
	ReceiptPollInterval time.Duration // receipt and event polling while confirming

	// Storage (optional, uses in-memory journal if not set)
	DatabaseURL string

	// Tracing (optional)
	OTLPEndpoint string
}

// Local development chain defaults (hardhat / anvil)
const (
	DefaultRPCURL              = "http://127.0.0.1:8545"
	DefaultChainID             = 31337
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultConfirmationTimeout = 2 * time.Minute
	DefaultEventTimeout        = 30 * time.Second
	DefaultBlockPollInterval   = 4 * time.Second
	DefaultReceiptPollInterval = 2 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	bytecode, err := loadBytecode()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:         os.Getenv("CORS_ORIGINS"),
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:          os.Getenv("PRIVATE_KEY"), // Required, no default
		EscrowBytecode:      bytecode,
		ConfirmationTimeout: getEnvDuration("CONFIRMATION_TIMEOUT", DefaultConfirmationTimeout),
		EventTimeout:        getEnvDuration("EVENT_TIMEOUT", DefaultEventTimeout),
		BlockPollInterval:   getEnvDuration("BLOCK_POLL_INTERVAL", DefaultBlockPollInterval),
		ReceiptPollInterval: getEnvDuration("RECEIPT_POLL_INTERVAL", DefaultReceiptPollInterval),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadBytecode prefers ESCROW_BYTECODE and falls back to ESCROW_BYTECODE_FILE.
func loadBytecode() (string, error) {
	if code := os.Getenv("ESCROW_BYTECODE"); code != "" {
		return strings.TrimSpace(code), nil
	}
	path := os.Getenv("ESCROW_BYTECODE_FILE")
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied artifact path
	if err != nil {
		return "", fmt.Errorf("ESCROW_BYTECODE_FILE: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.PrivateKeys()) == 0 {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	for _, k := range c.PrivateKeys() {
		if len(strings.TrimPrefix(k, "0x")) != 64 {
			return fmt.Errorf("PRIVATE_KEY entries must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}

	if c.ConfirmationTimeout <= 0 || c.EventTimeout <= 0 {
		return fmt.Errorf("CONFIRMATION_TIMEOUT and EVENT_TIMEOUT must be positive durations")
	}

	if c.BlockPollInterval <= 0 || c.ReceiptPollInterval <= 0 {
		return fmt.Errorf("BLOCK_POLL_INTERVAL and RECEIPT_POLL_INTERVAL must be positive durations")
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

// PrivateKeys splits PrivateKey on commas.
func (c *Config) PrivateKeys() []string {
	var keys []string
	for _, k := range strings.Split(c.PrivateKey, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// CanDeploy reports whether escrow creation bytecode is configured.
func (c *Config) CanDeploy() bool {
	return c.EscrowBytecode != ""
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
