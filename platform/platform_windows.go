//go:build windows

package platform

import (
	"os"
	"path/filepath"
)

func getDataDir() string {
	appData := os.Getenv("APPDATA")
	if appData == "" {
		return filepath.Join(UserHomeDir(), "."+AppName)
	}
	return filepath.Join(appData, AppDisplayName)
}

func getTempDir() string {
	return filepath.Join(os.TempDir(), AppDisplayName)
}

func getCacheDir() string {
	if local := os.Getenv("LOCALAPPDATA"); local != "" {
		return filepath.Join(local, AppDisplayName, "cache")
	}
	return filepath.Join(getDataDir(), "cache")
}
