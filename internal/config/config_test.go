package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	content := `
data:
  analyses_path: "/data/analyses"
query:
  response_limit: 500
  retry_attempts: 3
cache:
  result_size_mb: 64
pipeline:
  nprocesses: 8
  tmpdir: "/scratch"
`
	cfg := loadFromString(t, content)

	if cfg.Data.AnalysesPath != "/data/analyses" {
		t.Errorf("unexpected analyses_path: %s", cfg.Data.AnalysesPath)
	}
	if cfg.Query.ResponseLimit != 500 {
		t.Errorf("expected response limit 500, got %d", cfg.Query.ResponseLimit)
	}
	if cfg.Cache.ResultSizeMB != 64 {
		t.Errorf("expected result cache 64MB, got %d", cfg.Cache.ResultSizeMB)
	}
	if cfg.Pipeline.NProcesses != 8 {
		t.Errorf("expected 8 processes, got %d", cfg.Pipeline.NProcesses)
	}
	if cfg.Pipeline.TmpDir != "/scratch" {
		t.Errorf("unexpected tmpdir: %s", cfg.Pipeline.TmpDir)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
query:
  response_limit: 1000
`
	cfg := loadFromString(t, content)

	if cfg.Query.ResponseLimit != 1000 {
		t.Errorf("expected response limit 1000, got %d", cfg.Query.ResponseLimit)
	}
	if cfg.Query.RetryAttempts != 5 {
		t.Errorf("expected default retry attempts 5, got %d", cfg.Query.RetryAttempts)
	}
	if cfg.Cache.ResultSizeMB != 256 {
		t.Errorf("expected default result cache 256MB, got %d", cfg.Cache.ResultSizeMB)
	}
	if cfg.Cache.StoreHandles != 32 {
		t.Errorf("expected default store handles 32, got %d", cfg.Cache.StoreHandles)
	}
	if cfg.Data.AnalysesPath != "./data/analyses" {
		t.Errorf("unexpected default analyses_path: %s", cfg.Data.AnalysesPath)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("missing config file should fall back to defaults: %v", err)
	}
	if cfg.Query.ResponseLimit != 2000 {
		t.Errorf("expected default response limit 2000, got %d", cfg.Query.ResponseLimit)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("query: [broken"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDerivedSettings(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.ResultTTL(); got != 10*time.Minute {
		t.Errorf("expected 10m result TTL, got %s", got)
	}
	if got := cfg.StaleBuildMarkerAge(); got != time.Hour {
		t.Errorf("expected 1h stale marker age, got %s", got)
	}
	attempts, minDelay, maxDelay := cfg.RetrySettings()
	if attempts != 5 || minDelay != 10*time.Millisecond || maxDelay != 100*time.Millisecond {
		t.Errorf("unexpected retry settings: %d %s %s", attempts, minDelay, maxDelay)
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
