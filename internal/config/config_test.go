package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsPopulated(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SocketPath == "" || cfg.DataDir == "" || cfg.ProfileDir == "" {
		t.Fatalf("default config has empty paths: %+v", cfg)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("PollInterval = %v, want 5s", cfg.PollInterval)
	}
	if cfg.HistoryCapacity != 200 {
		t.Fatalf("HistoryCapacity = %d, want 200", cfg.HistoryCapacity)
	}
}

func TestEnsureDirsCreatesAllPaths(t *testing.T) {
	base := t.TempDir()
	cfg := &Config{
		DataDir:    filepath.Join(base, "data"),
		SocketPath: filepath.Join(base, "run", "printerd.sock"),
		ProfileDir: filepath.Join(base, "profiles"),
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, d := range []string{cfg.DataDir, filepath.Dir(cfg.SocketPath), cfg.ProfileDir} {
		info, err := os.Stat(d)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s to exist", d)
		}
	}
}

func TestLoadPrefersFlagsOverDefaults(t *testing.T) {
	cfg := Load("/tmp/custom.sock", "", "", 0)
	if cfg.SocketPath != "/tmp/custom.sock" {
		t.Fatalf("SocketPath = %q, want override", cfg.SocketPath)
	}
	if cfg.DataDir == "" {
		t.Fatal("DataDir should fall back to default when not overridden")
	}
}
