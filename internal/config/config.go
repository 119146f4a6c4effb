// Package config handles configuration loading and management for relay.
// It supports XDG config paths, project-level overrides, and environment
// variables, plus a hot-reloadable policy file for routing parameters.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds process-level configuration for relay.
// Routing parameters live in the policy file (see policy.go) so they can be
// hot-reloaded; everything here requires a restart.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Policy      PolicyFileConfig  `mapstructure:"policy"`
}

// DatabaseConfig holds SQLite state store settings.
type DatabaseConfig struct {
	// Path is the SQLite database file. Empty means the XDG data default.
	Path string `mapstructure:"path"`
}

// QueueConfig holds message queue settings.
type QueueConfig struct {
	// VisibilityTimeout is how long a dequeued message stays invisible
	// before it is considered abandoned and redelivered.
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	// DequeueTimeout is the default blocking dequeue timeout.
	DequeueTimeout time.Duration `mapstructure:"dequeue_timeout"`
	// RedeliveryInterval is how often the queue sweeps for expired
	// visibility timeouts.
	RedeliveryInterval time.Duration `mapstructure:"redelivery_interval"`
}

// CoordinatorConfig holds control loop settings.
type CoordinatorConfig struct {
	// PollInterval is the delay between result pump polls when idle.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// ReconcileOnStart re-resolves tasks left running on startup.
	ReconcileOnStart bool `mapstructure:"reconcile_on_start"`
	// DebugLog is the path for the coordinator debug log. Empty disables it.
	DebugLog string `mapstructure:"debug_log"`
}

// PolicyFileConfig points at the hot-reloadable policy file.
type PolicyFileConfig struct {
	// Path is the policy YAML file. Empty means the XDG config default.
	Path string `mapstructure:"path"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (RELAY_*)
// 2. Project config (.relay.yaml in current directory or parent)
// 3. User config (~/.config/relay/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Project config takes precedence over user config
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("RELAY")
	v.BindEnv("database.path", "RELAY_DB_PATH")
	v.BindEnv("policy.path", "RELAY_POLICY_PATH")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyPathDefaults(cfg)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyPathDefaults(cfg)

	return cfg, nil
}

// Default returns a Config with default values.
func Default() *Config {
	cfg := &Config{
		Queue: QueueConfig{
			VisibilityTimeout:  30 * time.Second,
			DequeueTimeout:     5 * time.Second,
			RedeliveryInterval: time.Second,
		},
		Coordinator: CoordinatorConfig{
			PollInterval:     100 * time.Millisecond,
			ReconcileOnStart: true,
		},
	}
	applyPathDefaults(cfg)
	return cfg
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "")
	v.SetDefault("policy.path", "")

	v.SetDefault("queue.visibility_timeout", "30s")
	v.SetDefault("queue.dequeue_timeout", "5s")
	v.SetDefault("queue.redelivery_interval", "1s")

	v.SetDefault("coordinator.poll_interval", "100ms")
	v.SetDefault("coordinator.reconcile_on_start", true)
	v.SetDefault("coordinator.debug_log", "")
}

// applyPathDefaults fills empty file paths with XDG defaults.
func applyPathDefaults(cfg *Config) {
	if cfg.Database.Path == "" {
		cfg.Database.Path = DefaultDBPath()
	}
	if cfg.Policy.Path == "" {
		cfg.Policy.Path = DefaultPolicyPath()
	}
}

// DefaultDBPath returns the XDG data path for the relay database.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "relay", "relay.db")
}

// DefaultPolicyPath returns the XDG config path for the policy file.
func DefaultPolicyPath() string {
	return filepath.Join(getUserConfigDir(), "policy.yaml")
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// getUserConfigDir returns the XDG config directory for relay.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "relay")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "relay")
	}
	return filepath.Join(home, ".config", "relay")
}

// findProjectConfig searches for .relay.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".relay.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}
