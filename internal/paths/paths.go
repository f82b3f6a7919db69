// Package paths provides centralized path resolution for tabmux.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// BaseDir returns the tabmux base directory (~/.tabmux).
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".tabmux"), nil
}

// DataPath returns a path within the tabmux data directory (~/.tabmux/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active tabmux.toml path.
// Priority: ./tabmux.toml (current dir) > ~/.tabmux/tabmux.toml
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath() (string, error) {
	// Check local first
	localPath := "tabmux.toml"
	if _, err := os.Stat(localPath); err == nil {
		absPath, err := filepath.Abs(localPath)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return absPath, nil
	}

	// Check global
	globalPath, err := DataPath("tabmux.toml")
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(globalPath); err == nil {
		return globalPath, nil
	}

	// No config found - valid state
	return "", nil
}

// DefaultConfigPath returns the default location for new configs (~/.tabmux/tabmux.toml).
func DefaultConfigPath() (string, error) {
	return DataPath("tabmux.toml")
}

// HistoryDBPath returns the command history database path (~/.tabmux/history.db).
func HistoryDBPath() (string, error) {
	return DataPath("history.db")
}

// ScreenshotsDir returns the default screenshot directory (~/.tabmux/screenshots).
func ScreenshotsDir() (string, error) {
	return DataPath("screenshots")
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}
