package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.StoreDriver != "sqlite" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.StoreDSNOrDefault() != "/var/lib/llmctl/llmctl.db" {
		t.Fatalf("dsn = %s", cfg.StoreDSNOrDefault())
	}
}

func TestLoadFileThenEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{"listen_addr": ":9090", "data_dir": "/tmp/llmctl", "log_level": "debug"}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("LLMCTL_LISTEN_ADDR", ":7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Fatalf("env overlay lost: %s", cfg.ListenAddr)
	}
	if cfg.DataDir != "/tmp/llmctl" || cfg.LogLevel != "debug" {
		t.Fatalf("file values lost: %+v", cfg)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestFairnessLimitFloor(t *testing.T) {
	t.Setenv("LLMCTL_DISPATCH_FAIRNESS_LIMIT", "0")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DispatchFairnessLimit != 1 {
		t.Fatalf("fairness = %d", cfg.DispatchFairnessLimit)
	}
}
