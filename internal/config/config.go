// Package config provides configuration loading and structs for the kioku daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Embedding backends.
const (
	// BackendONNX runs the model in-process. Its tokenizer hashes whole words instead of
	// using the model's vocabulary, so recall quality is poor with real models; prefer
	// http against a server that tokenizes properly.
	BackendONNX = "onnx"
	BackendHTTP = "http"
	BackendHash = "hash"
)

// DefaultEmbedURL is a local OpenAI-compatible embeddings server (Ollama's default port).
const DefaultEmbedURL = "http://127.0.0.1:11434"

// Config holds all configuration for the application.
type Config struct {
	Debug       bool              `yaml:"debug"`
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Memory      MemoryConfig      `yaml:"memory"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Sync        SyncConfig        `yaml:"sync"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

// RequestTimeout returns the per-request deadline.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig holds the data directory. The vector index lives in DataDir/index.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// IndexDir returns the vector index directory.
func (s StorageConfig) IndexDir() string {
	return filepath.Join(s.DataDir, "index")
}

// EmbeddingConfig selects and configures the embedding backend.
type EmbeddingConfig struct {
	Backend        string `yaml:"backend"`
	Model          string `yaml:"model"`
	ModelPath      string `yaml:"model_path"`
	ONNXLibrary    string `yaml:"onnx_library"`
	URL            string `yaml:"url"`
	Dimensions     int    `yaml:"dimensions"`
	MaxTokens      int    `yaml:"max_tokens"`
	CacheSize      int    `yaml:"cache_size"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-call embedding deadline.
func (e EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// MemoryConfig holds store and recall settings.
type MemoryConfig struct {
	MinSimilarity      float64 `yaml:"min_similarity"`
	DuplicateThreshold float64 `yaml:"duplicate_threshold"`
	MaxResults         int     `yaml:"max_results"`
	MaxContentLength   int     `yaml:"max_content_length"`
	ScanTimeoutSeconds int     `yaml:"scan_timeout_seconds"`
	StrictDedup        bool    `yaml:"strict_dedup"`
}

// ScanTimeout returns the deadline for full index scans (recall, dedup, list, stats).
func (m MemoryConfig) ScanTimeout() time.Duration {
	return time.Duration(m.ScanTimeoutSeconds) * time.Second
}

// MaintenanceConfig holds compaction and access-tracking settings. Negative values
// disable a trigger; zero means default.
type MaintenanceConfig struct {
	CompactEveryRequests   int `yaml:"compact_every_requests"`
	CompactIntervalSeconds int `yaml:"compact_interval_seconds"`
	TrackerWorkers         int `yaml:"tracker_workers"`
	TrackerQueueSize       int `yaml:"tracker_queue_size"`
}

// CompactInterval returns the wall-clock compaction interval; zero when disabled.
func (m MaintenanceConfig) CompactInterval() time.Duration {
	if m.CompactIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(m.CompactIntervalSeconds) * time.Second
}

// SyncConfig holds inbox sync settings. Sync is off when InboxDir is empty.
type SyncConfig struct {
	InboxDir        string `yaml:"inbox_dir"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	Watch           *bool  `yaml:"watch"`
}

// Enabled reports whether an inbox is configured.
func (s SyncConfig) Enabled() bool {
	return s.InboxDir != ""
}

// WatchOrDefault returns whether to watch the inbox; defaults to true when unset.
func (s SyncConfig) WatchOrDefault() bool {
	if s.Watch != nil {
		return *s.Watch
	}
	return true
}

// Interval returns the periodic sync interval; zero when disabled.
func (s SyncConfig) Interval() time.Duration {
	if s.IntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Load reads and parses the config file at path, applies environment overrides and
// defaults, expands paths, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := finish(&cfg, filepath.Dir(path)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no config file exists. Environment
// overrides are applied and relative paths resolve against the home directory.
func Default() (*Config, error) {
	var cfg Config
	if err := finish(&cfg, "."); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func finish(cfg *Config, configDir string) error {
	if err := ApplyEnv(cfg); err != nil {
		return err
	}
	ApplyDefaults(cfg)

	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir, configDir)
	if cfg.Embedding.ModelPath != "" {
		cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	}
	if cfg.Sync.InboxDir != "" {
		cfg.Sync.InboxDir = expandPath(cfg.Sync.InboxDir, configDir)
	}
	return cfg.Validate()
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// LoadDotEnv loads variables from the given .env files (default ".env") without
// overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg from KIOKU_* environment variables.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv("KIOKU_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("KIOKU_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid KIOKU_PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("KIOKU_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("KIOKU_EMBED_BACKEND"); v != "" {
		cfg.Embedding.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("KIOKU_EMBED_URL"); v != "" {
		cfg.Embedding.URL = v
	}
	if v := os.Getenv("KIOKU_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid KIOKU_DEBUG %q: %w", v, err)
		}
		cfg.Debug = debug
	}
	return nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Embedding.Backend {
	case BackendONNX:
		if c.Embedding.ModelPath == "" {
			return fmt.Errorf("embedding.model_path is required for the onnx backend")
		}
	case BackendHTTP:
		if c.Embedding.URL == "" {
			return fmt.Errorf("embedding.url is required for the http backend")
		}
	case BackendHash:
	default:
		return fmt.Errorf("unknown embedding.backend %q (want onnx, http or hash)", c.Embedding.Backend)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Memory.MinSimilarity < 0 || c.Memory.MinSimilarity > 1 {
		return fmt.Errorf("memory.min_similarity must be in [0, 1], got %g", c.Memory.MinSimilarity)
	}
	if c.Memory.DuplicateThreshold < 0 || c.Memory.DuplicateThreshold > 1 {
		return fmt.Errorf("memory.duplicate_threshold must be in [0, 1], got %g", c.Memory.DuplicateThreshold)
	}
	if c.Memory.MaxContentLength <= 0 {
		return fmt.Errorf("memory.max_content_length must be positive, got %d", c.Memory.MaxContentLength)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if strings.HasPrefix(path, "~/") {
		path = path[2:]
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}

// DefaultPath returns the default config file location (~/.kioku/config.yaml).
func DefaultPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".kioku", "config.yaml")
	}
	return "config.yaml"
}
