package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	// Settlement layer.
	RPCURL           string
	WalletPrivateKey string
	TokenAddress     string
	ChainID          int64
	TokenDecimals    int
	Confirmations    int

	// Orchestration.
	SettleTimeout     time.Duration
	MaxSettleRetries  int
	RetryBackoff      time.Duration
	ReconcileInterval time.Duration

	// Optional YAML override for the reward rule table.
	RulesPath string
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}
	rpcURL := os.Getenv("EVM_RPC_URL")
	if rpcURL == "" {
		return nil, fmt.Errorf("EVM_RPC_URL environment variable is required")
	}
	privateKey := os.Getenv("WALLET_PRIVATE_KEY")
	if privateKey == "" {
		return nil, fmt.Errorf("WALLET_PRIVATE_KEY environment variable is required")
	}
	tokenAddress := os.Getenv("TOKEN_CONTRACT_ADDRESS")
	if tokenAddress == "" {
		return nil, fmt.Errorf("TOKEN_CONTRACT_ADDRESS environment variable is required")
	}
	chainID, err := requireInt64("CHAIN_ID")
	if err != nil {
		return nil, err
	}

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	decimals, err := envInt("TOKEN_DECIMALS", 18)
	if err != nil {
		return nil, err
	}
	confirmations, err := envInt("CONFIRMATIONS", 1)
	if err != nil {
		return nil, err
	}
	maxRetries, err := envInt("MAX_SETTLE_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	settleTimeout, err := envDuration("SETTLE_TIMEOUT", 90*time.Second)
	if err != nil {
		return nil, err
	}
	retryBackoff, err := envDuration("RETRY_BACKOFF", 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	reconcileInterval, err := envDuration("RECONCILE_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}

	return &Config{
		DBSource:          dbSource,
		Port:              port,
		Env:               env,
		RPCURL:            rpcURL,
		WalletPrivateKey:  privateKey,
		TokenAddress:      tokenAddress,
		ChainID:           chainID,
		TokenDecimals:     decimals,
		Confirmations:     confirmations,
		SettleTimeout:     settleTimeout,
		MaxSettleRetries:  maxRetries,
		RetryBackoff:      retryBackoff,
		ReconcileInterval: reconcileInterval,
		RulesPath:         os.Getenv("REWARD_RULES_PATH"),
	}, nil
}

func requireInt64(key string) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, fmt.Errorf("%s environment variable is required", key)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return value, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return value, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 30s: %w", key, err)
	}
	return value, nil
}
