package config

import (
	"fmt"
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if cfg.Dispatch.Concurrency < 1 {
		return fmt.Errorf("dispatch.concurrency must be >= 1, got %d", cfg.Dispatch.Concurrency)
	}
	if cfg.Dispatch.Concurrency > 1000 {
		return fmt.Errorf("dispatch.concurrency must be <= 1000, got %d", cfg.Dispatch.Concurrency)
	}
	if cfg.Dispatch.BaseBackoff <= 0 {
		return fmt.Errorf("dispatch.base_backoff must be > 0")
	}
	if cfg.Dispatch.MaxBackoff < cfg.Dispatch.BaseBackoff {
		return fmt.Errorf("dispatch.max_backoff must be >= dispatch.base_backoff")
	}
	if cfg.Dispatch.JitterRatio < 0 {
		return fmt.Errorf("dispatch.jitter_ratio must be >= 0, got %f", cfg.Dispatch.JitterRatio)
	}
	if cfg.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be >= 1, got %d", cfg.Dispatch.MaxAttempts)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
		}
	}

	if cfg.API.Enabled {
		if cfg.API.Addr == "" {
			return fmt.Errorf("api.addr must be set when api.enabled is true")
		}
		if cfg.API.Timeout <= 0 {
			return fmt.Errorf("api.timeout must be > 0")
		}
	}

	return nil
}
