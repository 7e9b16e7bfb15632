package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const AppConfigDir = ".config/federa"

// GetConfigDir returns the directory holding config.yaml and the database,
// creating it on first use. FEDERA_HOME replaces ~/.config/federa.
func GetConfigDir() (string, error) {
	dir := os.Getenv("FEDERA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locate home directory: %w", err)
		}
		dir = filepath.Join(home, AppConfigDir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config directory %s: %w", dir, err)
	}
	return dir, nil
}

// ResolveFilePath prefers name in the working directory, then in the config
// directory. When neither exists the config directory path is returned so the
// file gets created there. Absolute paths are returned untouched.
func ResolveFilePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	dir, err := GetConfigDir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, name)
}
