// Package config provides configuration loading and structs for the miru server and CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Search    SearchConfig    `yaml:"search"`
	Watch     WatchConfig     `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds the record database location and snapshot settings.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	// SnapshotCompression is none, zstd, or lz4.
	SnapshotCompression string `yaml:"snapshot_compression"`
}

// EmbeddingConfig selects and configures the embedding gateway.
type EmbeddingConfig struct {
	// Provider is mock, onnx, or http.
	Provider        string `yaml:"provider"`
	TextModelPath   string `yaml:"text_model_path"`
	VisionModelPath string `yaml:"vision_model_path"`
	Dimensions      int    `yaml:"dimensions"`
	MaxTokens       int    `yaml:"max_tokens"`
	ImageSize       int    `yaml:"image_size"`
	CacheSize       int    `yaml:"cache_size"`

	Endpoint          string        `yaml:"endpoint"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxRetries        uint64        `yaml:"max_retries"`
}

// VectorConfig selects the similarity index.
type VectorConfig struct {
	// IndexType is memory or qdrant.
	IndexType string       `yaml:"index_type"`
	Qdrant    QdrantConfig `yaml:"qdrant"`
}

// QdrantConfig locates a Qdrant collection (gRPC port).
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Collection string `yaml:"collection"`
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	ImageDir   string   `yaml:"image_dir"`
	Extensions []string `yaml:"extensions"`
	// IDScheme is basename, relpath, or hash.
	IDScheme    string        `yaml:"id_scheme"`
	BatchSize   int           `yaml:"batch_size"`
	Workers     int           `yaml:"workers"`
	ItemTimeout time.Duration `yaml:"item_timeout"`
}

// SearchConfig holds query settings.
type SearchConfig struct {
	DefaultLimit int           `yaml:"default_limit"`
	MaxLimit     int           `yaml:"max_limit"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// WatchConfig holds directory watch settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Embedding.TextModelPath = expandPath(cfg.Embedding.TextModelPath, configDir)
	cfg.Embedding.VisionModelPath = expandPath(cfg.Embedding.VisionModelPath, configDir)
	if cfg.Ingest.ImageDir != "" {
		cfg.Ingest.ImageDir = expandPath(cfg.Ingest.ImageDir, configDir)
	}
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects enumerated settings with unknown values.
func (c *Config) Validate() error {
	checks := []struct {
		name    string
		value   string
		allowed []string
	}{
		{"embedding.provider", c.Embedding.Provider, []string{"mock", "onnx", "http"}},
		{"vector.index_type", c.Vector.IndexType, []string{"memory", "qdrant"}},
		{"ingest.id_scheme", c.Ingest.IDScheme, []string{"basename", "relpath", "hash"}},
		{"storage.snapshot_compression", c.Storage.SnapshotCompression, []string{"none", "zstd", "lz4"}},
	}
	for _, ch := range checks {
		ok := false
		for _, a := range ch.allowed {
			if ch.value == a {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("invalid %s %q (allowed: %s)", ch.name, ch.value, strings.Join(ch.allowed, ", "))
		}
	}
	if c.Embedding.Provider == "http" && c.Embedding.Endpoint == "" {
		return fmt.Errorf("embedding.endpoint is required for the http provider")
	}
	if c.Search.DefaultLimit > c.Search.MaxLimit {
		return fmt.Errorf("search.default_limit (%d) exceeds search.max_limit (%d)", c.Search.DefaultLimit, c.Search.MaxLimit)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
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
