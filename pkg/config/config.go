// Package config loads the service configuration from an optional YAML file
// merged over built-in defaults. Everything here is immutable after startup;
// the verification and enforcement constants in particular are never tuned
// at runtime.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	HTTP         HTTPConfig         `yaml:"http"`
	Bus          BusConfig          `yaml:"bus"`
	Verification VerificationConfig `yaml:"verification"`
	Restore      RestoreConfig      `yaml:"restore"`
	Database     DatabaseConfig     `yaml:"database"`
	Logging      LoggingConfig      `yaml:"logging"`

	// ShutdownGrace bounds how long shutdown waits for in-flight
	// verifications before rolling the stragglers back.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// BusConfig configures the dispatch fabric.
type BusConfig struct {
	// SubscriberQueueSize is the bounded per-subscription queue capacity.
	SubscriberQueueSize int `yaml:"subscriber_queue_size"`
}

// VerificationConfig bounds the verification engine.
type VerificationConfig struct {
	Deadline      time.Duration `yaml:"deadline"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// RestoreConfig bounds the rollback coordinator.
type RestoreConfig struct {
	Deadline time.Duration `yaml:"deadline"`
}

// DatabaseConfig selects the persistence backend. Connection parameters come
// from the environment (see pkg/database); only the choice lives here.
type DatabaseConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Bus: BusConfig{
			SubscriberQueueSize: 64,
		},
		Verification: VerificationConfig{
			Deadline:      30 * time.Second,
			MaxConcurrent: 8,
		},
		Restore: RestoreConfig{
			Deadline: 60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		ShutdownGrace: 10 * time.Second,
	}
}

// Load reads the YAML file at path and merges it over the defaults. An empty
// path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	defaults := Default()
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return Config{}, fmt.Errorf("failed to apply config defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr cannot be empty")
	}
	if c.Bus.SubscriberQueueSize <= 0 {
		return fmt.Errorf("bus.subscriber_queue_size must be positive, got %d", c.Bus.SubscriberQueueSize)
	}
	if c.Verification.Deadline <= 0 {
		return fmt.Errorf("verification.deadline must be positive, got %s", c.Verification.Deadline)
	}
	if c.Verification.MaxConcurrent <= 0 {
		return fmt.Errorf("verification.max_concurrent must be positive, got %d", c.Verification.MaxConcurrent)
	}
	if c.Restore.Deadline <= 0 {
		return fmt.Errorf("restore.deadline must be positive, got %s", c.Restore.Deadline)
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdown_grace must be positive, got %s", c.ShutdownGrace)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// SlogLevel maps the configured level name to a slog level.
func (c Config) SlogLevel() (slog.Level, error) {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
}
