package platform

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHomeOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)

	if got := GetDataDir(); got != home {
		t.Errorf("GetDataDir() = %q, want %q", got, home)
	}
	if got := GetCacheDir(); got != filepath.Join(home, "cache") {
		t.Errorf("GetCacheDir() = %q", got)
	}
	if got := GetArtifactDir(); got != filepath.Join(home, "artifacts") {
		t.Errorf("GetArtifactDir() = %q", got)
	}

	if err := EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs() error = %v", err)
	}
	for _, dir := range []string{GetCacheDir(), GetTempDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s to exist", dir)
		}
	}
}

func TestDefaultDirsNamed(t *testing.T) {
	t.Setenv(HomeEnv, "")
	for name, dir := range map[string]string{"data": GetDataDir(), "cache": GetCacheDir(), "temp": GetTempDir()} {
		base := filepath.Base(dir)
		if base != AppName && base != AppDisplayName && base != "cache" && base != "."+AppName {
			t.Errorf("%s dir %q does not end in the app name", name, dir)
		}
	}
}
