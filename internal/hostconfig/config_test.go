package hostconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.ScrollbackBytes != 2*1024*1024 {
		t.Errorf("ScrollbackBytes = %d, want 2MiB", cfg.ScrollbackBytes)
	}
	if cfg.ResyncMode != ResyncRaw {
		t.Errorf("ResyncMode = %q, want %q", cfg.ResyncMode, ResyncRaw)
	}
	if cfg.IPCWorkers != 4 {
		t.Errorf("IPCWorkers = %d, want 4", cfg.IPCWorkers)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("Default() should validate cleanly: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if cfg != Default() {
		t.Errorf("Load of missing file = %+v, want Default()", cfg)
	}
}

func TestLoadMergesOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "scrollback_bytes: 65536\nrun_as: deploy\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ScrollbackBytes != 65536 {
		t.Errorf("ScrollbackBytes = %d, want 65536", cfg.ScrollbackBytes)
	}
	if cfg.RunAs.User != "deploy" {
		t.Errorf("RunAs.User = %q, want deploy", cfg.RunAs.User)
	}
	// Fields not present in the file keep Default()'s values.
	if cfg.IPCWorkers != 4 {
		t.Errorf("IPCWorkers = %d, want 4 (inherited from Default)", cfg.IPCWorkers)
	}
}

func TestLoadRejectsInvalidResyncMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("resync_mode: bogus\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for invalid resync_mode")
	}
}

func TestRunAsTargetMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("run_as:\n  user: deploy\n  uid: \"1000\"\n  gid: \"1000\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RunAs.User != "deploy" || cfg.RunAs.UID != "1000" || cfg.RunAs.GID != "1000" {
		t.Errorf("RunAs = %+v, want deploy/1000/1000", cfg.RunAs)
	}
}
