package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the engine tunables and CLI defaults loadable from a
// YAML file via --config.
type Config struct {
	// ReplayParallelism is the number of parallel replay slices per
	// template.
	ReplayParallelism int `yaml:"replay_parallelism"`
	// MaxNonreplayableWarning is how many non-replayable captures are
	// tolerated before a warning is emitted.
	MaxNonreplayableWarning int `yaml:"max_nonreplayable_warning"`
	// DB is the diagnostics database path; empty disables persistence.
	DB string `yaml:"db"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ReplayParallelism:       2,
		MaxNonreplayableWarning: 5,
		LogLevel:                "warn",
	}
}

// LoadConfig reads a YAML config file and merges it over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects out-of-range tunables.
func (c Config) Validate() error {
	if c.ReplayParallelism < 1 {
		return fmt.Errorf("config: replay_parallelism must be positive, got %d", c.ReplayParallelism)
	}
	if c.MaxNonreplayableWarning < 1 {
		return fmt.Errorf("config: max_nonreplayable_warning must be positive, got %d", c.MaxNonreplayableWarning)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}
