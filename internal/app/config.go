package app

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"skillhub/pkg/logging"
)

// Config is the platform configuration. Durations are YAML strings in
// time.ParseDuration syntax.
type Config struct {
	// DatabasePath is the SQLite file; ":memory:" runs ephemeral.
	DatabasePath string `yaml:"database_path,omitempty"`

	// BuiltinOverrideDir, when set, lets on-disk manifests shadow the
	// bundled builtin skills.
	BuiltinOverrideDir string `yaml:"builtin_override_dir,omitempty"`

	LogLevel string `yaml:"log_level,omitempty"`

	// WaitTimeout and PollInterval tune synchronous skill execution.
	WaitTimeout  string `yaml:"wait_timeout,omitempty"`
	PollInterval string `yaml:"poll_interval,omitempty"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		DatabasePath: "skillhub.db",
		LogLevel:     "info",
		WaitTimeout:  "5s",
		PollInterval: "50ms",
	}
}

// LoadConfig reads a YAML config file and overlays it on the defaults. A
// missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Info("Config", "No config file at %s, using defaults", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, err := c.waitTimeout(); err != nil {
		return fmt.Errorf("wait_timeout: %w", err)
	}
	if _, err := c.pollInterval(); err != nil {
		return fmt.Errorf("poll_interval: %w", err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

func (c Config) waitTimeout() (time.Duration, error) {
	if c.WaitTimeout == "" {
		return 5 * time.Second, nil
	}
	return time.ParseDuration(c.WaitTimeout)
}

func (c Config) pollInterval() (time.Duration, error) {
	if c.PollInterval == "" {
		return 50 * time.Millisecond, nil
	}
	return time.ParseDuration(c.PollInterval)
}
