package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Registry.RootDir != DefaultConfig().Registry.RootDir {
		t.Fatalf("expected default root dir, got %q", cfg.Registry.RootDir)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := "registry:\n  root_dir: /tmp/custom-programs\n  history_limit: 42\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Registry.RootDir != "/tmp/custom-programs" {
		t.Fatalf("root dir = %q, want overridden value", cfg.Registry.RootDir)
	}
	if cfg.Registry.HistoryLimit != 42 {
		t.Fatalf("history limit = %d, want 42", cfg.Registry.HistoryLimit)
	}
	// untouched fields keep their defaults
	if cfg.Sandbox.DefaultSeed != DefaultConfig().Sandbox.DefaultSeed {
		t.Fatalf("expected untouched sandbox seed to keep default")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Metrics.ListenAddr = ":9999"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Metrics.ListenAddr != ":9999" {
		t.Fatalf("listen addr = %q, want :9999", loaded.Metrics.ListenAddr)
	}
}
