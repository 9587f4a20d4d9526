package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigFile(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	if err == nil {
		t.Fatalf("explicit missing file should fail, got %+v", cfg)
	}

	cfg, err = NewLoader().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "info" || cfg.Log.Format != "auto" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.ReAct.MaxRetriesPerStep != 2 {
		t.Errorf("ReAct.MaxRetriesPerStep = %d, want 2", cfg.ReAct.MaxRetriesPerStep)
	}
	if cfg.Retry.Planning.Attempts != 3 || cfg.Retry.Planning.TimeoutDuration() != 60*time.Second {
		t.Errorf("Retry.Planning = %+v", cfg.Retry.Planning)
	}
	if cfg.Retry.Evaluation.DelayDuration() != 500*time.Millisecond {
		t.Errorf("Retry.Evaluation.Delay = %q", cfg.Retry.Evaluation.Delay)
	}
	if cfg.State.Backend != "sqlite" || cfg.Aliases.Backend != "memory" || cfg.Files.Backend != "none" {
		t.Errorf("backends = %s/%s/%s", cfg.State.Backend, cfg.Aliases.Backend, cfg.Files.Backend)
	}
	if cfg.LLM.Enabled {
		t.Error("LLM should be disabled by default")
	}
	if got := cfg.Limits["atoms"]; got.RatePerSecond != 10 || got.Burst != 20 {
		t.Errorf("Limits[atoms] = %+v", got)
	}
	if got := cfg.Limits["llm"]; got.RatePerSecond != 2 || got.Burst != 5 {
		t.Errorf("Limits[llm] = %+v", got)
	}
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Setenv("LABFLOW_LOG_LEVEL", "debug")
	t.Setenv("LABFLOW_REACT_MAX_RETRIES_PER_STEP", "5")
	t.Setenv("LABFLOW_CONTEXT_CLIENT", "acme")
	t.Setenv("LABFLOW_ALIASES_REDIS_URL", "redis://cache:6379/0")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if cfg.ReAct.MaxRetriesPerStep != 5 {
		t.Errorf("ReAct.MaxRetriesPerStep = %d, want 5", cfg.ReAct.MaxRetriesPerStep)
	}
	if cfg.Context.Default().ClientName != "acme" {
		t.Errorf("Context.Client = %q, want acme", cfg.Context.Client)
	}
	if cfg.Aliases.RedisURL != "redis://cache:6379/0" {
		t.Errorf("Aliases.RedisURL = %q", cfg.Aliases.RedisURL)
	}
}

func TestLoader_ConfigFileOverride(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "labflow.yaml")
	content := `
log:
  level: warn
  format: json
retry:
  dispatch:
    attempts: 4
    delay: 250ms
aliases:
  backend: redis
  redis_url: redis://localhost:6379/1
context:
  client: acme
  app: sales
  project: q3
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	loader := NewLoader().WithConfigFile(configPath)
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "warn" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Retry.Dispatch.Attempts != 4 || cfg.Retry.Dispatch.DelayDuration() != 250*time.Millisecond {
		t.Errorf("Retry.Dispatch = %+v", cfg.Retry.Dispatch)
	}
	// Unset siblings keep their defaults.
	if cfg.Retry.Dispatch.Timeout != "120s" {
		t.Errorf("Retry.Dispatch.Timeout = %q, want default", cfg.Retry.Dispatch.Timeout)
	}
	if got := cfg.Context.Default(); got.String() != "acme/sales/q3" {
		t.Errorf("Context.Default() = %s", got)
	}
	if loader.ConfigFile() != configPath {
		t.Errorf("ConfigFile() = %q", loader.ConfigFile())
	}
	if err := ValidateConfig(cfg); err != nil {
		t.Errorf("ValidateConfig() error = %v", err)
	}
}

func TestLoader_Precedence(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "labflow.yaml")
	if err := os.WriteFile(configPath, []byte("log:\n  level: warn\n"), 0o644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	t.Setenv("LABFLOW_LOG_LEVEL", "debug")

	cfg, err := NewLoader().WithConfigFile(configPath).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug (env should override file)", cfg.Log.Level)
	}
}

func TestLoader_InvalidConfigFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	if err := os.WriteFile(configPath, []byte("log:\n  level: [invalid yaml\n"), 0o644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	if _, err := NewLoader().WithConfigFile(configPath).Load(); err == nil {
		t.Error("Load() should fail for invalid YAML")
	}
}

func TestLoader_WatchAppliesValidChanges(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "labflow.yaml")
	if err := os.WriteFile(configPath, []byte("log:\n  level: info\n"), 0o644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	loader := NewLoader().WithConfigFile(configPath)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	changed := make(chan *Config, 4)
	loader.Watch(func(cfg *Config) { changed <- cfg }, nil)

	if err := AtomicWrite(configPath, []byte("log:\n  level: debug\n")); err != nil {
		t.Fatalf("AtomicWrite error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changed:
			if cfg.Log.Level == "debug" {
				return
			}
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}
}

func TestRetryBudget_Durations(t *testing.T) {
	t.Parallel()
	b := RetryBudget{Attempts: 1, Delay: "bogus"}
	if b.DelayDuration() != 0 || b.TimeoutDuration() != 0 {
		t.Errorf("invalid or empty durations should be zero")
	}
	if Duration("", 3*time.Second) != 3*time.Second {
		t.Errorf("Duration fallback not applied")
	}
}
