package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefault verifies the built-in tunables.
func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.RequestTimeout != 15*time.Second {
		t.Errorf("RequestTimeout = %v, want 15s", cfg.RequestTimeout)
	}
	if cfg.ProbeTimeout != 3*time.Second {
		t.Errorf("ProbeTimeout = %v, want 3s", cfg.ProbeTimeout)
	}
	if cfg.ListCacheAge != 5*time.Minute {
		t.Errorf("ListCacheAge = %v, want 5m", cfg.ListCacheAge)
	}
	if cfg.TreesCacheAge != 30*time.Minute {
		t.Errorf("TreesCacheAge = %v, want 30m", cfg.TreesCacheAge)
	}
	if cfg.DetailCacheAge != 60*time.Minute {
		t.Errorf("DetailCacheAge = %v, want 60m", cfg.DetailCacheAge)
	}
	if cfg.TileCacheBudgetBytes != 100*1024*1024 {
		t.Errorf("TileCacheBudgetBytes = %d, want 100 MiB", cfg.TileCacheBudgetBytes)
	}
	if cfg.TileRetention != 30*24*time.Hour {
		t.Errorf("TileRetention = %v, want 720h", cfg.TileRetention)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() should validate, got %v", err)
	}
}

// TestLoadMissingFileReturnsDefaults verifies a missing path is not fatal.
func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() of missing file failed: %v", err)
	}
	if cfg.RequestTimeout != Default().RequestTimeout {
		t.Error("missing file should yield defaults")
	}
}

// TestLoadOverlaysDefaults verifies file values win and omitted keys keep
// their defaults.
func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
api_base_url: "https://staging.olivetrack.example/api"
request_timeout: 5s
list_cache_age: 2m
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.APIBaseURL != "https://staging.olivetrack.example/api" {
		t.Errorf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %v, want 5s", cfg.RequestTimeout)
	}
	if cfg.ListCacheAge != 2*time.Minute {
		t.Errorf("ListCacheAge = %v, want 2m", cfg.ListCacheAge)
	}
	// Untouched key keeps its default.
	if cfg.TreesCacheAge != 30*time.Minute {
		t.Errorf("TreesCacheAge = %v, want default 30m", cfg.TreesCacheAge)
	}
}

// TestLoadRejectsInvalidConfig verifies validation runs on load.
func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(`api_base_url: ""`), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load() should reject an empty api_base_url")
	}
}

// TestLoadRejectsMalformedYAML verifies parse errors surface.
func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("api_base_url: [unclosed"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load() should reject malformed YAML")
	}
}

// TestValidate verifies each rejection rule.
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty api url", func(c *Config) { c.APIBaseURL = "" }},
		{"empty tile url", func(c *Config) { c.TileServerURL = "" }},
		{"zero request timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"negative probe timeout", func(c *Config) { c.ProbeTimeout = -time.Second }},
		{"zero tile budget", func(c *Config) { c.TileCacheBudgetBytes = 0 }},
		{"zero retention", func(c *Config) { c.TileRetention = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}
