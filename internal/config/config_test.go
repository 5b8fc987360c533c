package config_test

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/firasghr/loadengine/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.ServerPort != 9876 {
		t.Errorf("ServerPort = %d, want 9876", cfg.ServerPort)
	}
	if cfg.MaxConcurrent <= 0 {
		t.Errorf("MaxConcurrent should be > 0, got %d", cfg.MaxConcurrent)
	}
	if cfg.TargetRPS != 0 {
		t.Errorf("TargetRPS should default to 0 (pacing disabled), got %d", cfg.TargetRPS)
	}
}

func TestLoadConfig_ValidFile(t *testing.T) {
	raw := map[string]any{
		"server_port":         9000,
		"workers":             4,
		"max_concurrent":      500,
		"max_per_host":        50,
		"poll_timeout_ms":     10,
		"dns_cache_ttl_s":     300,
		"script_timeout_ms":   5000,
		"script_memory_bytes": 67108864,
		"script_stack_bytes":  262144,
		"default_timeout_ms":  30000,
		"stats_interval_ms":   1000,
		"graceful_stop_ms":    5000,
		"target_rps":          100,
		"burst_size":          200,
	}
	f, err := os.CreateTemp(t.TempDir(), "config*.json")
	if err != nil {
		t.Fatal(err)
	}
	if err := json.NewEncoder(f).Encode(raw); err != nil {
		t.Fatal(err)
	}
	f.Close()

	cfg, err := config.LoadConfig(f.Name())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServerPort != 9000 {
		t.Errorf("got ServerPort=%d, want 9000", cfg.ServerPort)
	}
	if cfg.TargetRPS != 100 {
		t.Errorf("got TargetRPS=%d, want 100", cfg.TargetRPS)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := config.LoadConfig("/nonexistent/path/config.json")
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "bad*.json")
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not valid json}")
	f.Close()

	_, err = config.LoadConfig(f.Name())
	if err == nil {
		t.Error("expected error for invalid JSON, got nil")
	}
}

func TestStore_SetAndGet(t *testing.T) {
	s := config.NewStore(config.DefaultConfig())

	if err := s.Set(map[string]any{"target_rps": 250, "burst_size": 500}); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	cfg := s.Get()
	if cfg.TargetRPS != 250 {
		t.Errorf("TargetRPS = %d, want 250", cfg.TargetRPS)
	}
	if cfg.BurstSize != 500 {
		t.Errorf("BurstSize = %d, want 500", cfg.BurstSize)
	}
	if cfg.MaxConcurrent != 1000 {
		t.Errorf("unrelated field MaxConcurrent changed to %d", cfg.MaxConcurrent)
	}
}

func TestStore_SetUnknownKey(t *testing.T) {
	s := config.NewStore(config.DefaultConfig())
	if err := s.Set(map[string]any{"bogus_key": 1}); err == nil {
		t.Error("expected error for unknown key, got nil")
	}
}

func TestStore_Entries(t *testing.T) {
	s := config.NewStore(config.DefaultConfig())
	entries := s.Entries()
	if len(entries) != 14 {
		t.Fatalf("got %d entries, want 14", len(entries))
	}
	found := false
	for _, e := range entries {
		if e.Key == "server_port" {
			found = true
			if e.Value != "9876" {
				t.Errorf("server_port entry value = %q, want 9876", e.Value)
			}
		}
	}
	if !found {
		t.Error("server_port entry missing")
	}
}
