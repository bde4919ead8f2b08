package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for throttlequeue.
type Config struct {
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	Logging  LoggingConfig  `mapstructure:"logging"  yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"  yaml:"metrics"`
	API      APIConfig      `mapstructure:"api"      yaml:"api"`
}

// DispatchConfig controls the dispatcher's per-host concurrency and backoff
// policy.
type DispatchConfig struct {
	Concurrency int           `mapstructure:"concurrency"  yaml:"concurrency"`
	BaseBackoff time.Duration `mapstructure:"base_backoff" yaml:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"  yaml:"max_backoff"`
	JitterRatio float64       `mapstructure:"jitter_ratio" yaml:"jitter_ratio"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig holds the metrics settings, which Validate checks and the
// "config" subcommand prints. The Prometheus scrape endpoint is served by
// the API server at GET /metrics on api.addr; Enabled, Port and Path do not
// change it.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// APIConfig controls the REST submission front-end (internal/apiserver):
// Addr is its listen address and Timeout bounds each request. Enabled is
// only checked by Validate; the "serve" subcommand starts the server
// whatever its value.
type APIConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr    string        `mapstructure:"addr"    yaml:"addr"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults, matching
// dispatch.DefaultConfig.
func DefaultConfig() *Config {
	return &Config{
		Dispatch: DispatchConfig{
			Concurrency: 1,
			BaseBackoff: 500 * time.Millisecond,
			MaxBackoff:  30 * time.Second,
			JitterRatio: 0.25,
			MaxAttempts: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		API: APIConfig{
			Enabled: false,
			Addr:    ":8080",
			Timeout: 30 * time.Second,
		},
	}
}
