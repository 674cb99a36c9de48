package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the daemon settings, read from the environment and an optional .env file.
type Config struct {
	Port               string        `mapstructure:"SERVER_PORT"`
	Env                string        `mapstructure:"ENVIRONMENT"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	AppConfigPath      string        `mapstructure:"APP_CONFIG_PATH"`
	WalletBridgeURL    string        `mapstructure:"WALLET_BRIDGE_URL"`
	StoreBackend       string        `mapstructure:"STORE_BACKEND"`
	StorePath          string        `mapstructure:"STORE_PATH"`
	RedisAddr          string        `mapstructure:"REDIS_ADDR"`
	DBSource           string        `mapstructure:"DB_SOURCE"`
	ConfirmMaxAttempts int           `mapstructure:"CONFIRM_MAX_ATTEMPTS"`
	ConfirmInterval    time.Duration `mapstructure:"CONFIRM_INTERVAL"`
	HistoryLimit       int           `mapstructure:"HISTORY_LIMIT"`
	ResetDelay         time.Duration `mapstructure:"RESET_DELAY"`
	RPCRateLimit       float64       `mapstructure:"RPC_RATE_LIMIT"`
}

var envKeys = []string{
	"SERVER_PORT", "ENVIRONMENT", "LOG_LEVEL", "APP_CONFIG_PATH", "WALLET_BRIDGE_URL",
	"STORE_BACKEND", "STORE_PATH", "REDIS_ADDR", "DB_SOURCE", "CONFIRM_MAX_ATTEMPTS",
	"CONFIRM_INTERVAL", "HISTORY_LIMIT", "RESET_DELAY", "RPC_RATE_LIMIT",
}

// Load reads the configuration. path is searched for an optional .env file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("APP_CONFIG_PATH", "config.json")
	v.SetDefault("WALLET_BRIDGE_URL", "http://127.0.0.1:7755")
	v.SetDefault("STORE_BACKEND", "memory")
	v.SetDefault("STORE_PATH", "data/settings")
	v.SetDefault("CONFIRM_MAX_ATTEMPTS", 10)
	v.SetDefault("CONFIRM_INTERVAL", "1s")
	v.SetDefault("HISTORY_LIMIT", 10)
	v.SetDefault("RESET_DELAY", "3s")
	v.SetDefault("RPC_RATE_LIMIT", 0)
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read .env: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	switch cfg.StoreBackend {
	case "", "memory":
		cfg.StoreBackend = "memory"
	case "badger":
		if cfg.StorePath == "" {
			return nil, fmt.Errorf("STORE_PATH is required for the badger backend")
		}
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required for the redis backend")
		}
	case "postgres":
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	if cfg.ConfirmMaxAttempts <= 0 {
		cfg.ConfirmMaxAttempts = 10
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.ResetDelay < 0 {
		cfg.ResetDelay = 0
	}
	if cfg.RPCRateLimit < 0 {
		cfg.RPCRateLimit = 0
	}
	return &cfg, nil
}
