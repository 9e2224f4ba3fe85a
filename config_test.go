package pagecache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxPages != DefaultMaxPages {
		t.Fatalf("MaxPages = %d, want %d", cfg.MaxPages, DefaultMaxPages)
	}
	if cfg.EvictionPolicy != "lru" {
		t.Fatalf("EvictionPolicy = %q, want lru", cfg.EvictionPolicy)
	}
	if cfg.DirtyThreshold != DefaultDirtyThreshold {
		t.Fatalf("DirtyThreshold = %d, want %d", cfg.DirtyThreshold, DefaultDirtyThreshold)
	}
	if cfg.ReadaheadWindow != DefaultReadaheadWindow {
		t.Fatalf("ReadaheadWindow = %d, want %d", cfg.ReadaheadWindow, DefaultReadaheadWindow)
	}
}

func TestConfigFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.yaml")

	cfg := &Config{
		MaxPages:        1024,
		EvictionPolicy:  "clock",
		DirtyThreshold:  32,
		ReadaheadWindow: 2,
		ClockWindow:     500,
		WakeupInterval:  50 * time.Millisecond,
	}
	if err := cfg.SaveConfigFile(path); err != nil {
		t.Fatalf("SaveConfigFile: %v", err)
	}

	got, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if got.MaxPages != 1024 || got.EvictionPolicy != "clock" ||
		got.DirtyThreshold != 32 || got.ReadaheadWindow != 2 ||
		got.ClockWindow != 500 || got.WakeupInterval != 50*time.Millisecond {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	// Fields absent from the struct literal come back as defaults.
	if got.FlushConcurrency != 4 {
		t.Fatalf("FlushConcurrency = %d, want default 4", got.FlushConcurrency)
	}
}

func TestLoadConfigFilePartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.yaml")
	if err := os.WriteFile(path, []byte("max_pages: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if got.MaxPages != 7 {
		t.Fatalf("MaxPages = %d, want 7", got.MaxPages)
	}
	if got.DirtyThreshold != DefaultDirtyThreshold {
		t.Fatalf("DirtyThreshold = %d, want default", got.DirtyThreshold)
	}
}

func TestUnknownPolicyFallsBackToLRU(t *testing.T) {
	cfg := &Config{EvictionPolicy: "arc"}
	cfg.normalize()
	if cfg.EvictionPolicy != "lru" {
		t.Fatalf("EvictionPolicy = %q, want lru fallback", cfg.EvictionPolicy)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
