// Package config provides production-grade configuration management for
// loadengine. It supports JSON-based configuration loading with safe
// defaults over the closed tunable set, plus a live, per-key metadata view
// consumed by the control surface's /config endpoints.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/firasghr/loadengine/internal/model"
)

// Config holds every tunable the engine reads at startup and during
// operation. The struct is loaded once and then shared behind a Store,
// which serializes mutation from the /config POST endpoint.
type Config struct {
	ServerPort         int `json:"server_port"`
	Workers            int `json:"workers"` // 0 = auto (runtime.GOMAXPROCS)
	MaxConcurrent      int `json:"max_concurrent"`
	MaxPerHost         int `json:"max_per_host"`
	PollTimeoutMs      int `json:"poll_timeout_ms"`
	DNSCacheTTLSeconds int `json:"dns_cache_ttl_s"`
	ScriptTimeoutMs    int `json:"script_timeout_ms"`
	ScriptMemoryBytes  int `json:"script_memory_bytes"`
	ScriptStackBytes   int `json:"script_stack_bytes"`
	DefaultTimeoutMs   int `json:"default_timeout_ms"`
	StatsIntervalMs    int `json:"stats_interval_ms"`
	GracefulStopMs     int `json:"graceful_stop_ms"`
	TargetRPS          int `json:"target_rps"`
	BurstSize          int `json:"burst_size"`
}

// LoadConfig reads a JSON file at filename and deserialises it into a
// Config. The file is decoded over DefaultConfig, so fields missing from it
// keep their default values; fields the Config does not know are rejected.
func LoadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename) // #nosec G304 -- filename is caller-provided config path
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", filename, err)
	}
	defer f.Close()

	cfg := DefaultConfig()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", filename, err)
	}
	return cfg, nil
}

// DefaultConfig returns a *Config pre-filled with the defaults named in the
// tunable set. Each call returns a fresh, independent copy.
func DefaultConfig() *Config {
	return &Config{
		ServerPort:         9876,
		Workers:            0,
		MaxConcurrent:      1000,
		MaxPerHost:         100,
		PollTimeoutMs:      10,
		DNSCacheTTLSeconds: 300,
		ScriptTimeoutMs:    5000,
		ScriptMemoryBytes:  64 * 1024 * 1024,
		ScriptStackBytes:   256 * 1024,
		DefaultTimeoutMs:   30000,
		StatsIntervalMs:    1000,
		GracefulStopMs:     5000,
		TargetRPS:          0,
		BurstSize:          0,
	}
}

// entryMeta describes one tunable's wire presentation for /config.
type entryMeta struct {
	label       string
	description string
	category    string
	typ         model.ConfigValueType
	min, max    *float64
}

func f(v float64) *float64 { return &v }

var meta = map[string]entryMeta{
	"server_port":         {"Server Port", "TCP port the control surface listens on.", "server", model.ConfigInteger, f(1), f(65535)},
	"workers":             {"Workers", "Number of worker goroutines; 0 selects GOMAXPROCS.", "execution", model.ConfigInteger, f(0), nil},
	"max_concurrent":      {"Max Concurrent", "Upper bound on in-flight requests across all workers.", "execution", model.ConfigInteger, f(1), nil},
	"max_per_host":        {"Max Per Host", "Upper bound on in-flight requests to a single host.", "execution", model.ConfigInteger, f(1), nil},
	"poll_timeout_ms":     {"Poll Timeout (ms)", "Worker submission-queue poll interval.", "execution", model.ConfigInteger, f(1), nil},
	"dns_cache_ttl_s":     {"DNS Cache TTL (s)", "Time a resolved DNS answer is reused.", "network", model.ConfigInteger, f(0), nil},
	"script_timeout_ms":   {"Script Timeout (ms)", "Wall-clock budget for one pre/post-request script.", "scripting", model.ConfigInteger, f(1), nil},
	"script_memory_bytes": {"Script Memory (bytes)", "Soft heap budget per sandboxed script VM.", "scripting", model.ConfigInteger, f(1), nil},
	"script_stack_bytes":  {"Script Stack (bytes)", "Stack budget per sandboxed script VM.", "scripting", model.ConfigInteger, f(1), nil},
	"default_timeout_ms":  {"Default Timeout (ms)", "Per-request timeout when a RunSpec omits one.", "execution", model.ConfigInteger, f(1), nil},
	"stats_interval_ms":   {"Stats Interval (ms)", "Cadence of metrics snapshots and SSE `metrics` events.", "observability", model.ConfigInteger, f(1), nil},
	"graceful_stop_ms":    {"Graceful Stop (ms)", "Deadline for in-flight work to drain after a stop request.", "execution", model.ConfigInteger, f(0), nil},
	"target_rps":          {"Target RPS", "Default aggregate request rate when a RunSpec omits one; 0 disables pacing.", "ratelimit", model.ConfigInteger, f(0), nil},
	"burst_size":          {"Burst Size", "Token-bucket burst allowance; 0 derives 2x target_rps.", "ratelimit", model.ConfigInteger, f(0), nil},
}

// Store is the process-wide, mutation-safe holder for the live Config. The
// control surface reads a consistent snapshot via Get and applies partial
// updates via Set; readers never observe a torn struct.
type Store struct {
	mu  sync.RWMutex
	cfg Config
}

// NewStore wraps cfg in a Store. cfg is copied; later mutation of the
// caller's value does not affect the Store.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: *cfg}
}

// Get returns a copy of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Entries renders the current configuration as the model.ConfigEntry list
// the /config endpoints serve, in the field order declared on Config.
func (s *Store) Entries() []model.ConfigEntry {
	cfg := s.Get()
	raw, _ := json.Marshal(cfg)
	var asMap map[string]json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	_ = dec.Decode(&asMap)

	keys := orderedKeys()
	out := make([]model.ConfigEntry, 0, len(keys))
	for _, k := range keys {
		m := meta[k]
		out = append(out, model.ConfigEntry{
			Key:         k,
			Value:       asMap[k].String(),
			Type:        m.typ,
			Label:       m.label,
			Description: m.description,
			Category:    m.category,
			Min:         m.min,
			Max:         m.max,
		})
	}
	return out
}

// Set applies a partial update: updates is a subset of Config's JSON keys
// mapped to their new values. Unknown keys are rejected.
func (s *Store) Set(updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(s.cfg)
	if err != nil {
		return fmt.Errorf("config: marshal current: %w", err)
	}
	var merged map[string]any
	if err := json.Unmarshal(raw, &merged); err != nil {
		return fmt.Errorf("config: unmarshal current: %w", err)
	}
	for k, v := range updates {
		if _, known := meta[k]; !known {
			return fmt.Errorf("config: unknown key %q", k)
		}
		merged[k] = v
	}
	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("config: marshal merged: %w", err)
	}
	var next Config
	if err := json.Unmarshal(mergedRaw, &next); err != nil {
		return fmt.Errorf("config: unmarshal merged: %w", err)
	}
	s.cfg = next
	return nil
}

func orderedKeys() []string {
	return []string{
		"server_port", "workers", "max_concurrent", "max_per_host",
		"poll_timeout_ms", "dns_cache_ttl_s", "script_timeout_ms",
		"script_memory_bytes", "script_stack_bytes", "default_timeout_ms",
		"stats_interval_ms", "graceful_stop_ms", "target_rps", "burst_size",
	}
}
