// Package config loads and watches the tabmux configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/roelfdiedericks/tabmux/internal/paths"
)

// Config represents the merged tabmux configuration
type Config struct {
	Mux         MuxConfig         `toml:"mux"`
	Logging     LoggingConfig     `toml:"logging"`
	Policy      PolicyConfig      `toml:"policy"`
	History     HistoryConfig     `toml:"history"`
	Screenshots ScreenshotsConfig `toml:"screenshots"`
	Timeouts    TimeoutsConfig    `toml:"timeouts"`

	// Path the config was loaded from, empty when running on defaults
	path string
}

// MuxConfig configures the shared endpoint and this process's session identity.
type MuxConfig struct {
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	SessionID string `toml:"session_id"` // empty = generated per process
}

type LoggingConfig struct {
	Level      string `toml:"level"`
	ShowCaller bool   `toml:"show_caller"`
}

// PolicyConfig points at an optional YAML rule file and carries inline rules
// that are merged over it.
type PolicyConfig struct {
	File              string   `toml:"file"`
	BlockPrivateHosts bool     `toml:"block_private_hosts"`
	AllowedOrigins    []string `toml:"allowed_origins"`
	BlockedOrigins    []string `toml:"blocked_origins"`
	BlockedMethods    []string `toml:"blocked_methods"`
}

type HistoryConfig struct {
	Enabled       bool `toml:"enabled"`
	RetentionDays int  `toml:"retention_days"`
}

type ScreenshotsConfig struct {
	Dir          string `toml:"dir"`
	MaxDimension int    `toml:"max_dimension"`
	MaxBytes     int    `toml:"max_bytes"`
	Cleanup      string `toml:"cleanup"` // cron expression, "" disables
	KeepDays     int    `toml:"keep_days"`
}

type TimeoutsConfig struct {
	CommandMs int `toml:"command_ms"`
	ConnectMs int `toml:"connect_ms"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Mux: MuxConfig{
			Host: "127.0.0.1",
			Port: 7316,
		},
		Logging: LoggingConfig{
			Level:      "info",
			ShowCaller: true,
		},
		Policy: PolicyConfig{
			BlockPrivateHosts: true,
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 14,
		},
		Screenshots: ScreenshotsConfig{
			MaxDimension: 2000,
			MaxBytes:     5 * 1024 * 1024,
			Cleanup:      "0 3 * * *",
			KeepDays:     7,
		},
		Timeouts: TimeoutsConfig{
			CommandMs: 30000,
			ConnectMs: 10000,
		},
	}
}

// Load reads configuration from the given path, or discovers one via
// paths.ConfigPath when path is empty. A missing config file is a valid
// state: all defaults apply. Keys absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		discovered, err := paths.ConfigPath()
		if err != nil {
			return nil, err
		}
		path = discovered
	}
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	cfg.path = path
	return cfg, nil
}

// Path returns the file the config was loaded from, or "" for defaults.
func (c *Config) Path() string {
	return c.path
}

// CommandTimeout returns the default sendCmd timeout.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Timeouts.CommandMs) * time.Millisecond
}

// ConnectTimeout returns the follower handshake timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Timeouts.ConnectMs) * time.Millisecond
}

// Addr returns the shared endpoint address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Mux.Host, c.Mux.Port)
}
