package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(cfg.Policy, DefaultPolicy()) {
		t.Fatalf("policy = %+v, want defaults", cfg.Policy)
	}
	if cfg.ExamAPIURL != "http://localhost:5000/api" {
		t.Fatalf("ExamAPIURL = %q", cfg.ExamAPIURL)
	}
}

func TestLoadPolicyFromEnv(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DISQUALIFY_THRESHOLD", "3")
	t.Setenv("DEBOUNCE_WINDOW", "1s")
	t.Setenv("RESYNC_INTERVAL", "12")
	t.Setenv("REQUIRE_FULLSCREEN", "false")
	t.Setenv("EXAM_API_URL", "http://exam.local/api/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Policy.DisqualifyThreshold != 3 {
		t.Errorf("DisqualifyThreshold = %d, want 3", cfg.Policy.DisqualifyThreshold)
	}
	if cfg.Policy.DebounceWindow != time.Second {
		t.Errorf("DebounceWindow = %v, want 1s", cfg.Policy.DebounceWindow)
	}
	if cfg.Policy.ResyncInterval != 12*time.Second {
		t.Errorf("ResyncInterval = %v, want 12s", cfg.Policy.ResyncInterval)
	}
	if cfg.Policy.RequireFullscreen {
		t.Error("RequireFullscreen = true, want false")
	}
	if cfg.ExamAPIURL != "http://exam.local/api" {
		t.Errorf("ExamAPIURL = %q, trailing slash not trimmed", cfg.ExamAPIURL)
	}
}

func TestLoadRejectsResyncOutsideWindow(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("RESYNC_INTERVAL", "45s")

	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted a 45s resync interval")
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "etcd")

	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted an unknown store driver")
	}
}

func TestLoadPolicyFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := "countdown_ticks: 5\ndebounce_window: 2s\ndisqualify_threshold: 1\nblocked_keys: [f5, ctrl+r]\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	pol, err := LoadPolicyFile(path, DefaultPolicy())
	if err != nil {
		t.Fatalf("LoadPolicyFile() error = %v", err)
	}
	if pol.CountdownTicks != 5 || pol.DebounceWindow != 2*time.Second || pol.DisqualifyThreshold != 1 {
		t.Fatalf("policy = %+v", pol)
	}
	if len(pol.BlockedKeys) != 2 || pol.BlockedKeys[1] != "ctrl+r" {
		t.Fatalf("BlockedKeys = %v", pol.BlockedKeys)
	}
	if pol.DriftTolerance != 5*time.Second {
		t.Fatalf("DriftTolerance = %v, want untouched default", pol.DriftTolerance)
	}
}

func TestLoadPolicyFileMissing(t *testing.T) {
	if _, err := LoadPolicyFile(filepath.Join(t.TempDir(), "nope.yaml"), DefaultPolicy()); err == nil {
		t.Fatal("expected error for missing file")
	}
}
