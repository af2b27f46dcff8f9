// Package config loads xhistd process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Transport names accepted in XHIST_TRANSPORT.
const (
	TransportMemory = "memory"
	TransportRedis  = "redis"
	TransportNATS   = "nats"
)

// Config is the xhistd process configuration.
type Config struct {
	Transport     string `env:"XHIST_TRANSPORT"      envDefault:"memory"`
	RedisAddr     string `env:"XHIST_REDIS_ADDR"     envDefault:"127.0.0.1:6379"`
	RedisPassword string `env:"XHIST_REDIS_PASSWORD"`
	NATSURL       string `env:"XHIST_NATS_URL"       envDefault:"nats://127.0.0.1:4222"`
	ServiceGroup  string `env:"XHIST_SERVICE_GROUP"  envDefault:"xhist"`

	// DBPath is the SQLite file of the event log. Empty keeps the log in memory.
	DBPath     string `env:"XHIST_DB_PATH"`
	AppVersion string `env:"XHIST_APP_VERSION" envDefault:"dev"`

	ConnectRetry         bool          `env:"XHIST_CONNECT_RETRY"          envDefault:"true"`
	ConnectRetryInterval time.Duration `env:"XHIST_CONNECT_RETRY_INTERVAL" envDefault:"2s"`
	ConnectMaxAttempts   int           `env:"XHIST_CONNECT_MAX_ATTEMPTS"   envDefault:"0"`

	RPCTimeout     time.Duration `env:"XHIST_RPC_TIMEOUT"      envDefault:"5s"`
	CatchUpTimeout time.Duration `env:"XHIST_CATCH_UP_TIMEOUT" envDefault:"30s"`

	// ReplayRate caps events per second per replay stream. Zero disables pacing.
	ReplayRate  float64 `env:"XHIST_REPLAY_RATE"  envDefault:"0"`
	ReplayBurst int     `env:"XHIST_REPLAY_BURST" envDefault:"256"`

	// MetricsAddr serves /metrics and /healthz. Empty disables the listener.
	MetricsAddr string `env:"XHIST_METRICS_ADDR" envDefault:":9464"`
	LogLevel    string `env:"XHIST_LOG_LEVEL"    envDefault:"info"`
	LogConsole  bool   `env:"XHIST_LOG_CONSOLE"  envDefault:"false"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env cannot check by type alone.
func (c Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportMemory, TransportRedis, TransportNATS:
	default:
		errs = append(errs, fmt.Errorf("config: unknown transport %q", c.Transport))
	}
	if c.ServiceGroup == "" {
		errs = append(errs, errors.New("config: service group required"))
	}
	if c.ConnectRetry && c.ConnectRetryInterval <= 0 {
		errs = append(errs, errors.New("config: connect retry interval must be > 0"))
	}
	if c.ConnectMaxAttempts < 0 {
		errs = append(errs, errors.New("config: connect max attempts must be >= 0"))
	}
	if c.RPCTimeout <= 0 {
		errs = append(errs, errors.New("config: rpc timeout must be > 0"))
	}
	if c.ReplayRate < 0 {
		errs = append(errs, errors.New("config: replay rate must be >= 0"))
	}
	if c.ReplayRate > 0 && c.ReplayBurst < 1 {
		errs = append(errs, errors.New("config: replay burst must be >= 1"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}
