package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.Listen != ":7450" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Backend != "sqlite" {
		t.Errorf("Backend = %q", cfg.Backend)
	}
	if cfg.MaxOpenGraphs != 64 {
		t.Errorf("MaxOpenGraphs = %d", cfg.MaxOpenGraphs)
	}
	if cfg.IdleTTL != 10*time.Minute {
		t.Errorf("IdleTTL = %v", cfg.IdleTTL)
	}
	if !cfg.AutoReplay {
		t.Error("AutoReplay should default to true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("REVGRAPH_BACKEND", "badger")
	t.Setenv("REVGRAPH_MAX_OPEN", "8")
	t.Setenv("REVGRAPH_REPLAY_INTERVAL", "250ms")
	t.Setenv("REVGRAPH_AUTO_REPLAY", "false")
	t.Setenv("REVGRAPH_IDLE_TTL", "not-a-duration")

	cfg := FromEnv()
	if cfg.Backend != "badger" || cfg.MaxOpenGraphs != 8 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.ReplayInterval != 250*time.Millisecond {
		t.Errorf("ReplayInterval = %v", cfg.ReplayInterval)
	}
	if cfg.AutoReplay {
		t.Error("AutoReplay should be false")
	}
	if cfg.IdleTTL != 10*time.Minute {
		t.Errorf("invalid duration should fall back to default, got %v", cfg.IdleTTL)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "revgraph.yaml")
	data := "listen: \":9000\"\nbackend: badger\nidle_ttl: 30s\nmax_pack_size: 1024\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := FromEnv()
	if err := cfg.LoadFile(path); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Listen != ":9000" || cfg.Backend != "badger" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.IdleTTL != 30*time.Second {
		t.Errorf("IdleTTL = %v", cfg.IdleTTL)
	}
	if cfg.MaxPackSize != 1024 {
		t.Errorf("MaxPackSize = %d", cfg.MaxPackSize)
	}
	// Absent keys keep their previous value.
	if cfg.MaxOpenGraphs != 64 {
		t.Errorf("MaxOpenGraphs = %d", cfg.MaxOpenGraphs)
	}

	if err := cfg.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFromArgs(t *testing.T) {
	cfg := FromArgs(":1234", "/tmp/graphs", "")
	if cfg.Listen != ":1234" || cfg.DataDir != "/tmp/graphs" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Backend != "sqlite" {
		t.Errorf("empty backend should keep default, got %q", cfg.Backend)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"backend", func(c *Config) { c.Backend = "postgres" }, "unknown backend"},
		{"pack size", func(c *Config) { c.MaxPackSize = -1 }, "max pack size"},
		{"open graphs", func(c *Config) { c.MaxOpenGraphs = -2 }, "max open graphs"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "invalid log level"},
		{"data dir", func(c *Config) { c.DataDir = "" }, "data dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromArgs("", "./data", "sqlite")
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogLevel: "warn", LogFormat: "json"}
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "graph", "people")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message should be filtered")
	}
	if !strings.Contains(out, `"graph":"people"`) {
		t.Errorf("expected JSON output, got %q", out)
	}

	buf.Reset()
	cfg.Debug = true
	cfg.LogFormat = "text"
	cfg.NewLogger(&buf).Debug("details")
	if !strings.Contains(buf.String(), "msg=details") {
		t.Errorf("expected debug text output, got %q", buf.String())
	}
}
