// Package config loads agent configuration from the environment, with
// optional .env file support.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	DefaultAPIURL = "https://api.moltydex.com"
	DefaultRPCURL = "https://api.mainnet-beta.solana.com"
)

// Config holds everything the agent needs. Loaded once; read-only
// afterwards.
type Config struct {
	APIURL string `validate:"required,url"`
	RPCURL string `validate:"required,url"`

	// Wallet key material; exactly one source is used, in this order
	// of preference: WalletSecretKey (base58), WalletPath.
	WalletPath      string
	WalletSecretKey string
	WalletAddress   string

	PreferredInputMint  string
	SlippageBps         int `validate:"gte=0,lte=10000"`
	PriorityFeeLamports uint64

	MaxRetries     int           `validate:"gte=0"`
	BackoffBase    time.Duration `validate:"gt=0"`
	HTTPTimeout    time.Duration `validate:"gt=0"`
	ConfirmTimeout time.Duration `validate:"gt=0"`
	PollInterval   time.Duration `validate:"gt=0"`

	LogLevel string
}

// Default returns a Config with the stock endpoints and timings.
func Default() *Config {
	return &Config{
		APIURL:         DefaultAPIURL,
		RPCURL:         DefaultRPCURL,
		SlippageBps:    50,
		MaxRetries:     3,
		BackoffBase:    1 * time.Second,
		HTTPTimeout:    30 * time.Second,
		ConfirmTimeout: 60 * time.Second,
		PollInterval:   2 * time.Second,
		LogLevel:       "info",
	}
}

// Load reads configuration from the environment on top of defaults.
// A .env file is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	cfg.APIURL = getEnvOrDefault("MOLTYDEX_API_URL", cfg.APIURL)
	cfg.RPCURL = getEnvOrDefault("SOLANA_RPC_URL", cfg.RPCURL)
	cfg.WalletPath = os.Getenv("WALLET_PATH")
	cfg.WalletSecretKey = os.Getenv("WALLET_SECRET_KEY")
	cfg.WalletAddress = os.Getenv("WALLET_ADDRESS")
	cfg.PreferredInputMint = os.Getenv("PREFERRED_INPUT_MINT")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)

	var err error
	if cfg.SlippageBps, err = getEnvInt("SLIPPAGE_BPS", cfg.SlippageBps); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = getEnvInt("MAX_RETRIES", cfg.MaxRetries); err != nil {
		return nil, err
	}
	if fee, err := getEnvInt("PRIORITY_FEE_LAMPORTS", int(cfg.PriorityFeeLamports)); err != nil {
		return nil, err
	} else if fee < 0 {
		return nil, fmt.Errorf("PRIORITY_FEE_LAMPORTS must not be negative")
	} else {
		cfg.PriorityFeeLamports = uint64(fee)
	}
	if cfg.BackoffBase, err = getEnvDuration("BACKOFF_BASE", cfg.BackoffBase); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = getEnvDuration("HTTP_TIMEOUT", cfg.HTTPTimeout); err != nil {
		return nil, err
	}
	if cfg.ConfirmTimeout, err = getEnvDuration("CONFIRM_TIMEOUT", cfg.ConfirmTimeout); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getEnvDuration("POLL_INTERVAL", cfg.PollInterval); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the structural constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
