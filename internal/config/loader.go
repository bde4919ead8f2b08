package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// configSearchPaths are the directories Load checks, in order, when the
// caller doesn't name a file explicitly.
var configSearchPaths = []string{".", "./configs"}

// Load builds a Config by layering, from lowest to highest precedence: the
// struct defaults in DefaultConfig, a YAML file (explicit path, or the
// first "throttlequeue.yaml" found on configSearchPaths or under
// $HOME/.throttlequeue), then THROTTLEQUEUE_-prefixed environment
// variables. Viper owns that merge; this just wires the three sources in.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	registerDefaults(v, cfg)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("throttlequeue")
		for _, p := range configSearchPaths {
			v.AddConfigPath(p)
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".throttlequeue"))
		}
	}

	var notFound viper.ConfigFileNotFoundError
	if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
		// A missing file is fine when we were just guessing at paths, but
		// an explicitly-named path that can't be read is a real error.
		if configPath != "" {
			return nil, fmt.Errorf("read config file %q: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("THROTTLEQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

// LoadFromFile is Load with a required path, for callers that already know
// exactly which file they want and don't want the search-path fallback.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config file path is required")
	}
	return Load(path)
}

// registerDefaults seeds v with cfg's zero-config values so that a field
// absent from both the file and the environment still unmarshals to
// something sane rather than a Go zero value.
func registerDefaults(v *viper.Viper, cfg *Config) {
	defaults := map[string]any{
		"dispatch.concurrency":  cfg.Dispatch.Concurrency,
		"dispatch.base_backoff": cfg.Dispatch.BaseBackoff,
		"dispatch.max_backoff":  cfg.Dispatch.MaxBackoff,
		"dispatch.jitter_ratio": cfg.Dispatch.JitterRatio,
		"dispatch.max_attempts": cfg.Dispatch.MaxAttempts,

		"logging.level":  cfg.Logging.Level,
		"logging.format": cfg.Logging.Format,
		"logging.output": cfg.Logging.Output,

		"metrics.enabled": cfg.Metrics.Enabled,
		"metrics.port":    cfg.Metrics.Port,
		"metrics.path":    cfg.Metrics.Path,

		"api.enabled": cfg.API.Enabled,
		"api.addr":    cfg.API.Addr,
		"api.timeout": cfg.API.Timeout,
	}
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
}
