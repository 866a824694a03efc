// Package config loads and watches the application configuration.
//
// Configuration lives in a YAML file (default ~/.habitsync/config.yaml),
// with environment variable overrides under the HABITSYNC_ prefix. Every
// field has a default so a missing file still yields a working setup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// RemoteURL is the base URL of the habit service.
	RemoteURL string `mapstructure:"remote_url" yaml:"remote_url"`

	// Token authenticates requests to the habit service.
	Token string `mapstructure:"token" yaml:"token"`

	// UserID is the account all local data belongs to.
	UserID int64 `mapstructure:"user_id" yaml:"user_id"`

	// DBPath is the SQLite database location.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// SyncInterval is how often the daemon runs a full sync cycle.
	SyncInterval time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`

	// ProbeInterval is how often connectivity is checked.
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`

	// DashboardPort is the WebSocket dashboard listen port. Zero disables it.
	DashboardPort int `mapstructure:"dashboard_port" yaml:"dashboard_port"`

	// LogFile is where the daemon writes its rotating log. Empty means stderr.
	LogFile string `mapstructure:"log_file" yaml:"log_file"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".habitsync")
	return &Config{
		RemoteURL:     "http://localhost:8080",
		UserID:        0,
		DBPath:        filepath.Join(base, "habits.db"),
		SyncInterval:  5 * time.Minute,
		ProbeInterval: 10 * time.Second,
		DashboardPort: 0,
		LogFile:       "",
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".habitsync", "config.yaml")
}

// Load reads the config file at path (or the default location when path is
// empty), applying defaults and HABITSYNC_ environment overrides. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	defaults := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HABITSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("remote_url", defaults.RemoteURL)
	v.SetDefault("token", defaults.Token)
	v.SetDefault("user_id", defaults.UserID)
	v.SetDefault("db_path", defaults.DBPath)
	v.SetDefault("sync_interval", defaults.SyncInterval)
	v.SetDefault("probe_interval", defaults.ProbeInterval)
	v.SetDefault("dashboard_port", defaults.DashboardPort)
	v.SetDefault("log_file", defaults.LogFile)

	if err := v.ReadInConfig(); err != nil {
		// A missing file means "use defaults"; anything else is a real error.
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("remote_url must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.SyncInterval < time.Second {
		return fmt.Errorf("sync_interval %v is below the 1s minimum", c.SyncInterval)
	}
	if c.ProbeInterval < time.Second {
		return fmt.Errorf("probe_interval %v is below the 1s minimum", c.ProbeInterval)
	}
	if c.DashboardPort < 0 || c.DashboardPort > 65535 {
		return fmt.Errorf("dashboard_port %d out of range", c.DashboardPort)
	}
	return nil
}

// WriteDefault writes a commented default config file to path, creating
// parent directories as needed. Refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to render default config: %w", err)
	}

	header := []byte("# habitsync configuration\n# Environment variables prefixed HABITSYNC_ override these values.\n")
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
