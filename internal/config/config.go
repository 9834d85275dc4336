// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Network describes one configured ledger network.
type Network struct {
	Name           string
	ChainID        int64
	RPCURL         string
	ExplorerURL    string
	NativeCurrency string
	// Confirmations is the block depth required before a submitted
	// transaction is treated as final. A single receipt is not enough on
	// networks where reorgs are possible.
	Confirmations uint64
}

// networks is the fixed set of supported networks. RPC URLs can be
// overridden per network via <NAME>_RPC_URL (e.g. BASE_RPC_URL).
var networks = map[string]Network{
	"base": {
		Name:           "base",
		ChainID:        8453,
		RPCURL:         "https://mainnet.base.org",
		ExplorerURL:    "https://basescan.org",
		NativeCurrency: "ETH",
		Confirmations:  12,
	},
	"base-sepolia": {
		Name:           "base-sepolia",
		ChainID:        84532,
		RPCURL:         "https://sepolia.base.org",
		ExplorerURL:    "https://sepolia.basescan.org",
		NativeCurrency: "ETH",
		Confirmations:  3,
	},
	"hardhat": {
		Name:           "hardhat",
		ChainID:        31337,
		RPCURL:         "http://localhost:8545",
		ExplorerURL:    "",
		NativeCurrency: "ETH",
		Confirmations:  1,
	},
}

// LookupNetwork returns the named network configuration.
func LookupNetwork(name string) (Network, error) {
	n, ok := networks[name]
	if !ok {
		return Network{}, fmt.Errorf("unknown network %q", name)
	}
	return n, nil
}

// NetworkNames returns the names of all configured networks.
func NetworkNames() []string {
	names := make([]string, 0, len(networks))
	for name := range networks {
		names = append(names, name)
	}
	return names
}

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chain settings
	Network        string // Network name from the fixed registry
	EscrowContract string // Escrow contract address; empty puts the gateway in unconfigured mode
	SignerKey      string // Platform operational key, hex-encoded
	TokenDecimals  int    // Decimals of the settlement token the contract holds

	// Payments (buyer funding leg)
	StripeSecretKey     string
	StripeWebhookSecret string

	// Security
	AdminJWTSecret string // Signs/verifies admin bearer tokens for release/refund/resolve
	WebhookSecret  string // HMAC secret for outbound notifications

	// WebhookEndpoints receive signed state-change events.
	WebhookEndpoints []string

	// Observability
	OTLPEndpoint string

	// Background work
	ReconcileInterval time.Duration
}

const (
	DefaultNetwork       = "base-sepolia"
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultTokenDecimals = 6 // USDC-style fixed point
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		Network:             getEnv("NETWORK", DefaultNetwork),
		EscrowContract:      os.Getenv("ESCROW_CONTRACT"),
		SignerKey:           os.Getenv("SIGNER_KEY"),
		TokenDecimals:       int(getEnvInt64("TOKEN_DECIMALS", DefaultTokenDecimals)),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		AdminJWTSecret:      os.Getenv("ADMIN_JWT_SECRET"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		WebhookEndpoints:    splitList(os.Getenv("WEBHOOK_ENDPOINTS")),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if _, err := LookupNetwork(c.Network); err != nil {
		return err
	}

	// The signer key is optional (read-only deployments), but when
	// present it must be a well-formed secp256k1 key.
	if c.SignerKey != "" {
		key := c.SignerKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("SIGNER_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.TokenDecimals < 0 || c.TokenDecimals > 18 {
		return fmt.Errorf("TOKEN_DECIMALS must be between 0 and 18")
	}

	return nil
}

// ChainNetwork returns the resolved network entry, with any RPC override applied.
func (c *Config) ChainNetwork() (Network, error) {
	n, err := LookupNetwork(c.Network)
	if err != nil {
		return Network{}, err
	}
	if override := os.Getenv("RPC_URL"); override != "" {
		n.RPCURL = override
	}
	return n, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
