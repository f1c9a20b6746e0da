//go:build linux

package platform

import (
	"os"
	"path/filepath"
)

func getDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	return filepath.Join(UserHomeDir(), ".local", "share", AppName)
}

func getTempDir() string {
	// XDG_RUNTIME_DIR is per-user and cleared on logout
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	return filepath.Join(os.TempDir(), AppName)
}

func getCacheDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	return filepath.Join(UserHomeDir(), ".cache", AppName)
}
