package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the configuration file at path, applies environment
// overrides, and validates the result. A missing file is an error;
// use Default for a file-less setup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays SATURN_* environment variables. Environment wins
// over the file for the operational knobs that differ per deployment.
func applyEnv(cfg *Config) {
	setString := func(key string, dest *string) {
		if v := os.Getenv(key); v != "" {
			*dest = v
		}
	}
	setString("SATURN_LISTEN_ADDR", &cfg.Server.ListenAddr)
	setString("SATURN_METRICS_ADDR", &cfg.Server.MetricsAddr)
	setString("SATURN_LOG_LEVEL", &cfg.Log.Level)
	setString("SATURN_LOG_FORMAT", &cfg.Log.Format)
	setString("SATURN_COUNTER_PATH", &cfg.Counter.Path)
	setString("SATURN_LEDGER_PATH", &cfg.Ledger.Path)
	setString("SATURN_TRACING_ENDPOINT", &cfg.Tracing.Endpoint)

	if v := os.Getenv("SATURN_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tracing.Enabled = b
		}
	}
}
