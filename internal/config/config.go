// Package config loads and validates server configuration from the
// environment, following the priority ENV vars > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every recognized option from the wire/config surface.
type Config struct {
	Addr string `env:"FABRIC_ADDR" envDefault:":8080"`

	// Broker simulator.
	//
	// ExecutionDelay, when set, replaces the random [1s,2s] sleep in the
	// simulator loop with a fixed delay. A zero value keeps the random
	// delay; ExecutionDisabled turns the simulator off entirely (manual
	// testing only).
	ExecutionDelay    time.Duration `env:"FABRIC_EXECUTION_DELAY" envDefault:"0s"`
	ExecutionDisabled bool          `env:"FABRIC_EXECUTION_DISABLED" envDefault:"false"`

	// Datafeed generator.
	BroadcasterInterval    time.Duration `env:"FABRIC_BROADCASTER_INTERVAL" envDefault:"2s"`
	BroadcasterSymbols     string        `env:"FABRIC_BROADCASTER_SYMBOLS" envDefault:"AAPL,MSFT,TSLA"`
	BroadcasterResolutions string        `env:"FABRIC_BROADCASTER_RESOLUTIONS" envDefault:"1,5,15"`
	BroadcasterEnabled     bool          `env:"FABRIC_BROADCASTER_ENABLED" envDefault:"true"`

	// Connection lifecycle.
	HeartbeatTimeout      time.Duration `env:"FABRIC_HEARTBEAT_TIMEOUT" envDefault:"30s"`
	MaxConnectionLifetime time.Duration `env:"FABRIC_MAX_CONNECTION_LIFETIME" envDefault:"1h"`

	// Route pumps.
	RouteQueueCapacity int `env:"FABRIC_ROUTE_QUEUE_CAPACITY" envDefault:"1024"`

	// Capacity / rate limiting.
	MaxConnections     int     `env:"FABRIC_MAX_CONNECTIONS" envDefault:"10000"`
	MaxInboundRate     float64 `env:"FABRIC_MAX_INBOUND_RATE" envDefault:"20"`
	MaxInboundBurst    int     `env:"FABRIC_MAX_INBOUND_BURST" envDefault:"40"`
	CPURejectThreshold float64 `env:"FABRIC_CPU_REJECT_THRESHOLD" envDefault:"90.0"`

	MetricsInterval time.Duration `env:"FABRIC_METRICS_INTERVAL" envDefault:"15s"`

	LogLevel  string `env:"FABRIC_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"FABRIC_LOG_FORMAT" envDefault:"json"`

	Environment string `env:"FABRIC_ENV" envDefault:"development"`
}

// Load reads configuration from an optional .env file and the process
// environment. ENV vars take priority over the .env file.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && logger != nil {
		logger.Info().Msg("no .env file found, using environment variables only")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate fails fast on a ConfigError per the error taxonomy (§7): bad
// startup configuration must not reach the supervisor.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("FABRIC_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("FABRIC_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.RouteQueueCapacity < 1 {
		return fmt.Errorf("FABRIC_ROUTE_QUEUE_CAPACITY must be > 0, got %d", c.RouteQueueCapacity)
	}
	if c.CPURejectThreshold <= 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("FABRIC_CPU_REJECT_THRESHOLD must be in (0,100], got %.1f", c.CPURejectThreshold)
	}
	if c.BroadcasterInterval <= 0 {
		return fmt.Errorf("FABRIC_BROADCASTER_INTERVAL must be > 0")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("FABRIC_LOG_LEVEL must be one of debug, info, warn, error (got %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("FABRIC_LOG_FORMAT must be one of json, pretty (got %s)", c.LogFormat)
	}
	return nil
}

// Log emits the loaded configuration as one structured event.
func (c *Config) Log(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Dur("execution_delay", c.ExecutionDelay).
		Bool("execution_disabled", c.ExecutionDisabled).
		Dur("broadcaster_interval", c.BroadcasterInterval).
		Str("broadcaster_symbols", c.BroadcasterSymbols).
		Str("broadcaster_resolutions", c.BroadcasterResolutions).
		Bool("broadcaster_enabled", c.BroadcasterEnabled).
		Dur("heartbeat_timeout", c.HeartbeatTimeout).
		Dur("max_connection_lifetime", c.MaxConnectionLifetime).
		Int("route_queue_capacity", c.RouteQueueCapacity).
		Int("max_connections", c.MaxConnections).
		Float64("max_inbound_rate", c.MaxInboundRate).
		Int("max_inbound_burst", c.MaxInboundBurst).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
