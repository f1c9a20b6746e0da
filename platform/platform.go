// Package platform resolves the per-OS directories splatlab keeps its
// config, database, artifacts and scratch files in.
package platform

import (
	"os"
	"path/filepath"
)

// AppName names the data, cache and temp directories on Unix systems.
const AppName = "splatlab"

// AppDisplayName names the data directory on Windows and macOS.
const AppDisplayName = "Splatlab"

// HomeEnv overrides every directory below when set. Tests and containers use it.
const HomeEnv = "SPLATLAB_HOME"

// GetDataDir returns the directory holding config.json and the database.
// Windows: %APPDATA%\Splatlab
// Linux: $XDG_DATA_HOME/splatlab or ~/.local/share/splatlab
// macOS: ~/Library/Application Support/Splatlab
func GetDataDir() string {
	if home := os.Getenv(HomeEnv); home != "" {
		return home
	}
	return getDataDir()
}

// GetCacheDir returns the directory for downloaded backend results.
func GetCacheDir() string {
	if home := os.Getenv(HomeEnv); home != "" {
		return filepath.Join(home, "cache")
	}
	return getCacheDir()
}

// GetTempDir returns a scratch directory for job intermediates.
func GetTempDir() string {
	if home := os.Getenv(HomeEnv); home != "" {
		return filepath.Join(home, "tmp")
	}
	return getTempDir()
}

// GetArtifactDir is where the local store keeps uploads, masks and PLY files.
func GetArtifactDir() string {
	return filepath.Join(GetDataDir(), "artifacts")
}

// EnsureDirs creates the data, cache and temp directories.
func EnsureDirs() error {
	for _, dir := range []string{GetDataDir(), GetCacheDir(), GetTempDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// UserHomeDir returns the user's home directory, or "." when it is unknown.
func UserHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
