package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/quantfold/guardrail/api"
	"github.com/quantfold/guardrail/internal/config"
	"github.com/quantfold/guardrail/pkg/exchange"
	"github.com/quantfold/guardrail/pkg/filters"
	"github.com/quantfold/guardrail/pkg/models"
	"github.com/quantfold/guardrail/pkg/protection"
	"github.com/quantfold/guardrail/pkg/trader"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "guardrail",
		Short: "Exchange execution-safety and connectivity engine",
		Long:  `Validates, rounds, and risk-checks leveraged exchange orders before submission, and maintains the signed REST and user-data stream connectivity they depend on`,
		Run:   runEngine,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runEngine(cmd *cobra.Command, args []string) {
	// Credentials may live in a local .env during development.
	_ = godotenv.Load()

	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	configureLogging(cfg.Logging)

	if cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "" {
		logger.Fatal("Exchange API credentials are not configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := exchange.NewClock(logger)
	signer := exchange.NewSigner(
		cfg.Exchange.APIKey,
		cfg.Exchange.APISecret,
		clock,
		time.Duration(cfg.Exchange.RecvWindowMs)*time.Millisecond,
	)
	client := exchange.NewRestClient(exchange.RestClientConfig{
		BaseURL:     cfg.Exchange.BaseURL,
		MaxRetries:  cfg.Exchange.MaxRetries,
		WeightLimit: cfg.Exchange.WeightLimit,
		RateLimit:   cfg.Exchange.RateLimitRPS,
		Timeout:     time.Duration(cfg.Exchange.TimeoutSec) * time.Second,
	}, signer, logger)

	registry := filters.NewRegistry(logger)
	protector := protection.NewEngine(registry, logger)

	engine := trader.NewEngine(client, clock, registry, protector, trader.Config{
		MaxClockDrift:     time.Duration(cfg.Exchange.MaxClockDriftMs) * time.Millisecond,
		ClockSyncInterval: time.Duration(cfg.Exchange.ClockSyncMinutes) * time.Minute,
		ListenKeyInterval: time.Duration(cfg.Exchange.ListenKeyMinutes) * time.Minute,
		SlippageBps:       cfg.Trading.SlippageBps,
		DepthLimit:        cfg.Trading.DepthLimit,
		ExchangeBaseURL:   cfg.Exchange.BaseURL,
		Stream: exchange.StreamConfig{
			URL:                cfg.Exchange.StreamURL,
			KeepAliveInterval:  time.Duration(cfg.Stream.KeepAliveSec) * time.Second,
			MaxReconnects:      cfg.Stream.MaxReconnects,
			ReconnectBaseDelay: time.Duration(cfg.Stream.ReconnectBaseMs) * time.Millisecond,
		},
	}, logger)

	if err := engine.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start engine")
	}

	engine.OnEvent(func(event models.StreamEvent) {
		logger.WithField("event", event.Type).Debug("Stream event received")
	})

	apiServer := api.NewServer(engine, logger, fmt.Sprintf("%d", cfg.Server.Port))
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Guardrail engine is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	engine.Stop()
	cancel()

	logger.Info("Guardrail engine stopped")
}

func configureLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, rotator))
	}
}
