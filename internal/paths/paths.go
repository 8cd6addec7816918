// Package paths resolves the config and data locations under ~/.fallgate.
// It imports nothing internal so every package can use it.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfigNames lists the accepted config file names in lookup order.
var ConfigNames = []string{"fallgate.json", "fallgate.yaml", "fallgate.yml", "fallgate.toml"}

// HomeEnv overrides the base directory, e.g. for containers.
const HomeEnv = "FALLGATE_HOME"

// BaseDir returns $FALLGATE_HOME, or ~/.fallgate.
func BaseDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return ExpandTilde(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".fallgate"), nil
}

// DataPath returns a path within the Fallgate data directory (~/.fallgate/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active config path.
// Priority: ./fallgate.{json,yaml,yml,toml} > ~/.fallgate/fallgate.{...}
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath() (string, error) {
	for _, name := range ConfigNames {
		if _, err := os.Stat(name); err == nil {
			absPath, err := filepath.Abs(name)
			if err != nil {
				return "", fmt.Errorf("failed to get absolute path: %w", err)
			}
			return absPath, nil
		}
	}

	for _, name := range ConfigNames {
		globalPath, err := DataPath(name)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(globalPath); err == nil {
			return globalPath, nil
		}
	}

	return "", nil
}

// DefaultConfigPath returns the default location for new configs (~/.fallgate/fallgate.json).
func DefaultConfigPath() (string, error) {
	return DataPath("fallgate.json")
}

// QuotaDBPath returns the default SQLite usage counter database (~/.fallgate/quota.db).
func QuotaDBPath() (string, error) {
	return DataPath("quota.db")
}

// EnsureDir creates path with 0750 permissions.
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

// ExpandTilde expands a leading "~" or "~/". Other paths, including
// "~user/...", are returned unchanged.
func ExpandTilde(path string) (string, error) {
	rest, ok := strings.CutPrefix(path, "~")
	if !ok || (rest != "" && rest[0] != '/') {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, rest), nil
}
