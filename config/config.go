// Package config provides configuration for the revgraph server and CLI.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	// Listen is the address to listen on (e.g., ":7450").
	Listen string `yaml:"listen"`
	// DataDir is the root directory for graph stores.
	DataDir string `yaml:"data_dir"`
	// Backend is the store used for new graphs: sqlite or badger.
	Backend string `yaml:"backend"`
	// Version is the server version string.
	Version string `yaml:"version"`
	// Debug enables debug logging.
	Debug     bool   `yaml:"debug"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// MaxOpenGraphs is the maximum number of graphs to keep open (LRU cache size).
	MaxOpenGraphs int `yaml:"max_open_graphs"`
	// IdleTTL is how long to keep idle graphs open before closing.
	IdleTTL time.Duration `yaml:"idle_ttl"`
	// ReplayInterval is the tick of the background replayers.
	ReplayInterval time.Duration `yaml:"replay_interval"`
	AutoReplay     bool          `yaml:"auto_replay"`
	// AuthSecret signs API tokens. Empty disables authentication.
	AuthSecret string        `yaml:"auth_secret"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	// MaxPackSize is the maximum allowed pack size in bytes.
	MaxPackSize int64 `yaml:"max_pack_size"`
}

// FromEnv creates a Config from environment variables.
func FromEnv() *Config {
	cfg := &Config{
		Listen:         getEnv("REVGRAPH_LISTEN", ":7450"),
		DataDir:        getEnv("REVGRAPH_DATA", "./data"),
		Backend:        getEnv("REVGRAPH_BACKEND", "sqlite"),
		Version:        getEnv("REVGRAPH_VERSION", "0.1.0"),
		Debug:          getEnvBool("REVGRAPH_DEBUG", false),
		LogLevel:       getEnv("REVGRAPH_LOG_LEVEL", "info"),
		LogFormat:      getEnv("REVGRAPH_LOG_FORMAT", "text"),
		MaxOpenGraphs:  getEnvInt("REVGRAPH_MAX_OPEN", 64),
		IdleTTL:        getEnvDuration("REVGRAPH_IDLE_TTL", 10*time.Minute),
		ReplayInterval: getEnvDuration("REVGRAPH_REPLAY_INTERVAL", time.Second),
		AutoReplay:     getEnvBool("REVGRAPH_AUTO_REPLAY", true),
		AuthSecret:     getEnv("REVGRAPH_AUTH_SECRET", ""),
		TokenTTL:       getEnvDuration("REVGRAPH_TOKEN_TTL", 24*time.Hour),
		MaxPackSize:    getEnvInt64("REVGRAPH_MAX_PACK_SIZE", 256*1024*1024), // 256MB default
	}
	return cfg
}

// LoadFile overlays the values of a YAML file on cfg. Keys absent from the
// file keep their current value.
func (cfg *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// FromArgs creates a Config from explicit values, with env fallbacks.
func FromArgs(listen, dataDir, backend string) *Config {
	cfg := FromEnv()
	if listen != "" {
		cfg.Listen = listen
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if backend != "" {
		cfg.Backend = backend
	}
	return cfg
}

// Validate checks the configuration for unusable values.
func (cfg *Config) Validate() error {
	var errs []error
	switch cfg.Backend {
	case "sqlite", "badger":
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", cfg.Backend))
	}
	if cfg.DataDir == "" {
		errs = append(errs, errors.New("data dir is required"))
	}
	if cfg.MaxOpenGraphs < 0 {
		errs = append(errs, fmt.Errorf("max open graphs must not be negative: %d", cfg.MaxOpenGraphs))
	}
	if cfg.MaxPackSize < 0 {
		errs = append(errs, fmt.Errorf("max pack size must not be negative: %d", cfg.MaxPackSize))
	}
	if cfg.IdleTTL < 0 || cfg.ReplayInterval < 0 || cfg.TokenTTL < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger. Debug forces the debug level.
func (cfg *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
