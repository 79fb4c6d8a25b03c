package datadir

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvFileEnvVar overrides the .env file path entirely.
const EnvFileEnvVar = "VALET_ENV_FILE"

// LoadEnv loads KEY=VALUE .env files so ${VAR} references in the config can
// expand. Existing environment variables are never overridden, and a key set
// by an earlier file is not overwritten by a later one.
//
// Search order: VALET_ENV_FILE if set (sole source), then {dataRoot}/.env,
// then ./.env.
func LoadEnv(dataRoot string) error {
	var paths []string
	if override := os.Getenv(EnvFileEnvVar); override != "" {
		paths = []string{override}
	} else {
		if dataRoot != "" {
			paths = append(paths, filepath.Join(dataRoot, ".env"))
		}
		if cwd, err := os.Getwd(); err == nil {
			paths = append(paths, filepath.Join(cwd, ".env"))
		}
	}

	seen := make(map[string]bool)
	for _, p := range paths {
		if err := loadEnvFile(p, seen); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// loadEnvFile reads one KEY=VALUE file. A missing file is fine.
func loadEnvFile(path string, seen map[string]bool) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)

		if seen[key] {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			seen[key] = true
			continue
		}

		os.Setenv(key, value)
		seen[key] = true
	}
	return scanner.Err()
}
