package config

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/quantfold/guardrail/pkg/secrets"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	GCP      GCPConfig      `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type ExchangeConfig struct {
	BaseURL          string  `mapstructure:"base_url"`
	StreamURL        string  `mapstructure:"stream_url"`
	APIKey           string  `mapstructure:"api_key"`
	APISecret        string  `mapstructure:"api_secret"`
	RecvWindowMs     int     `mapstructure:"recv_window_ms"`
	MaxRetries       int     `mapstructure:"max_retries"`
	WeightLimit      int     `mapstructure:"weight_limit"`
	RateLimitRPS     float64 `mapstructure:"rate_limit_rps"`
	TimeoutSec       int     `mapstructure:"timeout_sec"`
	ClockSyncMinutes int     `mapstructure:"clock_sync_minutes"`
	MaxClockDriftMs  int     `mapstructure:"max_clock_drift_ms"`
	ListenKeyMinutes int     `mapstructure:"listen_key_minutes"`
}

type StreamConfig struct {
	KeepAliveSec    int `mapstructure:"keepalive_sec"`
	MaxReconnects   int `mapstructure:"max_reconnects"`
	ReconnectBaseMs int `mapstructure:"reconnect_base_ms"`
}

type TradingConfig struct {
	SlippageBps float64 `mapstructure:"slippage_bps"`
	DepthLimit  int     `mapstructure:"depth_limit"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID   string              `mapstructure:"project_id"`
	UseSecrets  bool                `mapstructure:"use_secrets"`
	SecretNames secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/guardrail")
	}

	v.SetEnvPrefix("GUARD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)

	// Exchange defaults
	v.SetDefault("exchange.base_url", "https://fapi.binance.com")
	v.SetDefault("exchange.stream_url", "wss://fstream.binance.com")
	v.SetDefault("exchange.recv_window_ms", 5000)
	v.SetDefault("exchange.max_retries", 3)
	v.SetDefault("exchange.weight_limit", 2400)
	v.SetDefault("exchange.rate_limit_rps", 8)
	v.SetDefault("exchange.timeout_sec", 30)
	v.SetDefault("exchange.clock_sync_minutes", 30)
	v.SetDefault("exchange.max_clock_drift_ms", 1000)
	v.SetDefault("exchange.listen_key_minutes", 30)

	// Stream defaults
	v.SetDefault("stream.keepalive_sec", 30)
	v.SetDefault("stream.max_reconnects", 10)
	v.SetDefault("stream.reconnect_base_ms", 1000)

	// Trading defaults
	v.SetDefault("trading.slippage_bps", 50)
	v.SetDefault("trading.depth_limit", 100)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	// GCP defaults
	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.api_key", secretNames.APIKey)
	v.SetDefault("gcp.secret_names.api_secret", secretNames.APISecret)
}

func overrideFromEnv(config *Config) {
	// Exchange credentials from environment
	if apiKey := os.Getenv("EXCHANGE_API_KEY"); apiKey != "" {
		config.Exchange.APIKey = apiKey
	}
	if apiSecret := os.Getenv("EXCHANGE_API_SECRET"); apiSecret != "" {
		config.Exchange.APISecret = apiSecret
	}
	if baseURL := os.Getenv("EXCHANGE_BASE_URL"); baseURL != "" {
		config.Exchange.BaseURL = baseURL
	}
	if streamURL := os.Getenv("EXCHANGE_STREAM_URL"); streamURL != "" {
		config.Exchange.StreamURL = streamURL
	}

	// GCP configuration from environment
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	// Only load secrets that are not already set
	if config.Exchange.APIKey == "" {
		config.Exchange.APIKey = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.APIKey, "")
	}
	if config.Exchange.APISecret == "" {
		config.Exchange.APISecret = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.APISecret, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}
