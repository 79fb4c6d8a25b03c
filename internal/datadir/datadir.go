// Package datadir resolves the gateway's on-disk home and loads .env files
// from it before configuration is parsed.
package datadir

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default data directory under $HOME.
	DefaultDirName = ".valet"

	// EnvVar overrides the data directory location.
	EnvVar = "VALET_DATA_DIR"
)

// Resolve returns the data directory path, creating it with 0700
// permissions if needed.
//
// Resolution priority:
//  1. VALET_DATA_DIR environment variable
//  2. configValue (the data_dir config field)
//  3. ~/.valet/
func Resolve(configValue string) (string, error) {
	dir := os.Getenv(EnvVar)
	if dir == "" {
		dir = configValue
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, DefaultDirName)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return dir, nil
}

// FilePath returns the full path to a file inside the data directory,
// ensuring the directory exists.
func FilePath(configValue, filename string) (string, error) {
	dir, err := Resolve(configValue)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filename), nil
}
