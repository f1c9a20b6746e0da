//go:build darwin

package platform

import (
	"os"
	"path/filepath"
)

func getDataDir() string {
	return filepath.Join(UserHomeDir(), "Library", "Application Support", AppDisplayName)
}

func getTempDir() string {
	return filepath.Join(os.TempDir(), AppName)
}

func getCacheDir() string {
	return filepath.Join(UserHomeDir(), "Library", "Caches", AppName)
}
