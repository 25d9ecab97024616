// Package config manages ci-sessiond daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables. This configures the
// surrounding daemon only: the session.SessionLayer itself takes no
// environment variables or on-disk state, only max_sessions at
// construction.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete ci-sessiond configuration.
type Config struct {
	Session SessionLayerConfig `koanf:"session"`
	Metrics MetricsConfig      `koanf:"metrics"`
	Status  StatusConfig       `koanf:"status"`
	Log     LogConfig          `koanf:"log"`
}

// SessionLayerConfig holds the sole Session Layer construction parameter.
type SessionLayerConfig struct {
	// MaxSessions is the fixed Session Table size, 1..65535.
	MaxSessions int `koanf:"max_sessions"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// StatusConfig holds the read-only session status HTTP surface
// configuration.
type StatusConfig struct {
	// Addr is the HTTP listen address for the status endpoint (e.g., ":8088").
	Addr string `koanf:"addr"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Session: SessionLayerConfig{
			MaxSessions: 256,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Status: StatusConfig{
			Addr: ":8088",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for ci-sessiond
// configuration. Variables are named CISL_<section>_<key>, e.g.
// CISL_SESSION_MAX_SESSIONS.
const envPrefix = "CISL_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (CISL_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	CISL_SESSION_MAX_SESSIONS -> session.max_sessions
//	CISL_METRICS_ADDR         -> metrics.addr
//	CISL_METRICS_PATH         -> metrics.path
//	CISL_STATUS_ADDR          -> status.addr
//	CISL_LOG_LEVEL            -> log.level
//	CISL_LOG_FORMAT           -> log.format
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config from %s: %w", path, err)
			}
		} else if !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("stat config file %s: %w", path, statErr)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms CISL_SESSION_MAX_SESSIONS -> session.max_sessions.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"session.max_sessions": defaults.Session.MaxSessions,
		"metrics.addr":         defaults.Metrics.Addr,
		"metrics.path":         defaults.Metrics.Path,
		"status.addr":          defaults.Status.Addr,
		"log.level":            defaults.Log.Level,
		"log.format":           defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidMaxSessions indicates session.max_sessions is outside
	// [1, 65535].
	ErrInvalidMaxSessions = errors.New("session.max_sessions must be in [1, 65535]")

	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")

	// ErrEmptyStatusAddr indicates the status listen address is empty.
	ErrEmptyStatusAddr = errors.New("status.addr must not be empty")
)

// Validate checks the configuration for logical errors. Returns the first
// validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Session.MaxSessions < 1 || cfg.Session.MaxSessions > 65535 {
		return ErrInvalidMaxSessions
	}
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}
	if cfg.Status.Addr == "" {
		return ErrEmptyStatusAddr
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
