package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Mux.Host != "127.0.0.1" {
		t.Errorf("default host = %q, want %q", cfg.Mux.Host, "127.0.0.1")
	}
	if cfg.Mux.Port != 7316 {
		t.Errorf("default port = %d, want %d", cfg.Mux.Port, 7316)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default log level = %q, want %q", cfg.Logging.Level, "info")
	}
	if !cfg.Policy.BlockPrivateHosts {
		t.Error("private hosts should be blocked by default")
	}
	if got, want := cfg.CommandTimeout(), 30*time.Second; got != want {
		t.Errorf("command timeout = %v, want %v", got, want)
	}
	if got, want := cfg.ConnectTimeout(), 10*time.Second; got != want {
		t.Errorf("connect timeout = %v, want %v", got, want)
	}
}

func TestLoadMissingPathUsesDefaults(t *testing.T) {
	// Run from an empty directory so no local tabmux.toml is discovered
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	// Point HOME somewhere empty too
	t.Setenv("HOME", dir)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with no config file: %v", err)
	}
	if cfg.Path() != "" {
		t.Errorf("Path() = %q, want empty for defaults", cfg.Path())
	}
	if cfg.Mux.Port != 7316 {
		t.Errorf("port = %d, want default 7316", cfg.Mux.Port)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tabmux.toml")
	content := `
[mux]
port = 9000
session_id = "alpha"

[logging]
level = "debug"
show_caller = false

[history]
enabled = false

[timeouts]
command_ms = 5000
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Mux.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Mux.Port)
	}
	if cfg.Mux.SessionID != "alpha" {
		t.Errorf("session_id = %q, want %q", cfg.Mux.SessionID, "alpha")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.ShowCaller {
		t.Error("show_caller = true, want false from file")
	}
	if cfg.History.Enabled {
		t.Error("history.enabled = true, want false from file")
	}
	// Untouched keys keep their defaults
	if cfg.Mux.Host != "127.0.0.1" {
		t.Errorf("host = %q, want default", cfg.Mux.Host)
	}
	if cfg.Timeouts.ConnectMs != 10000 {
		t.Errorf("connect_ms = %d, want default 10000", cfg.Timeouts.ConnectMs)
	}
	if cfg.CommandTimeout() != 5*time.Second {
		t.Errorf("command timeout = %v, want 5s", cfg.CommandTimeout())
	}
	if cfg.Path() != path {
		t.Errorf("Path() = %q, want %q", cfg.Path(), path)
	}
}

func TestLoadRejectsBadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tabmux.toml")
	if err := os.WriteFile(path, []byte("[mux\nport = oops"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed TOML, got nil")
	}
}

func TestAddr(t *testing.T) {
	cfg := Defaults()
	if got, want := cfg.Addr(), "127.0.0.1:7316"; got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}

// chdir changes into dir and returns a cleanup restoring the old wd.
func chdir(t *testing.T, dir string) func() {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	return func() {
		if err := os.Chdir(old); err != nil {
			t.Fatalf("chdir back: %v", err)
		}
	}
}
