package main

import (
	"fmt"
	"log"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"realtime/internal/realtime/auth"
	"realtime/internal/realtime/dispatcher"
	"realtime/internal/realtime/heartbeat"
	"realtime/internal/realtime/metrics"
	"realtime/internal/realtime/registry"
	"realtime/internal/realtime/server"
	"realtime/internal/realtime/subscription"
	"realtime/internal/realtime/tracing"
)

// Config is the full process configuration, read from the environment.
type Config struct {
	LogLevel            string `env:"LOG_LEVEL" envDefault:"info"`
	AccessDefaultPolicy string `env:"ACCESS_DEFAULT_POLICY" envDefault:"deny"`
	AccessPolicyFile    string `env:"ACCESS_POLICY_FILE"`

	Server       server.Config
	Registry     registry.Config
	Heartbeat    heartbeat.Config
	Dispatcher   dispatcher.Config
	Subscription subscription.Config
	Auth         auth.Config
	Metrics      metrics.ServerConfig
	Tracing      tracing.Config
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment variables: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		log.Printf("invalid log level %q, defaulting to info: %v", level, err)
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := config.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
