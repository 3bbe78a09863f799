// Package config provides unified configuration for the partman service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the unified configuration for the partman service.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Catalog configuration
	Catalog CatalogConfig `json:"catalog" yaml:"catalog"`

	// Workers configuration for on-demand partition creation
	Workers WorkersConfig `json:"workers" yaml:"workers"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// gRPC configuration
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Snapshot configuration
	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot"`
}

// CatalogConfig holds the persisted configuration store settings.
type CatalogConfig struct {
	// Path is the SQLite catalog database path
	Path string `json:"path" yaml:"path"`

	// BusyTimeout bounds how long a writer waits on a locked database
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`
}

// WorkersConfig holds the creation-worker supervisor settings.
type WorkersConfig struct {
	// MaxWorkers is the number of creation workers that may run at once
	MaxWorkers int `json:"max_workers" yaml:"max_workers"`

	// StartTimeout bounds the wait for a free worker slot
	StartTimeout time.Duration `json:"start_timeout" yaml:"start_timeout"`

	// AutoCreate enables on-demand creation of missing range partitions
	AutoCreate bool `json:"auto_create" yaml:"auto_create"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// Sessions is the number of pooled sessions serving requests; each owns
	// a descriptor cache
	Sessions int `json:"sessions" yaml:"sessions"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is text or json
	Format string `json:"format" yaml:"format"`
}

// SnapshotConfig holds snapshot storage configuration.
type SnapshotConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/partman",
		Catalog: CatalogConfig{
			BusyTimeout: 5 * time.Second,
		},
		Workers: WorkersConfig{
			MaxWorkers:   8,
			StartTimeout: 10 * time.Second,
			AutoCreate:   true,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
			Sessions:     8,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Snapshot: SnapshotConfig{
			Type: "local",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/partman"
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = filepath.Join(c.DataDir, "catalog.db")
	}
	if c.Snapshot.Path == "" {
		c.Snapshot.Path = filepath.Join(c.DataDir, "snapshots")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Workers.MaxWorkers < 1 {
		return fmt.Errorf("workers.max_workers must be at least 1, got %d", c.Workers.MaxWorkers)
	}

	if c.HTTP.Sessions < 1 {
		return fmt.Errorf("http.sessions must be at least 1, got %d", c.HTTP.Sessions)
	}

	if c.Snapshot.Type != "local" && c.Snapshot.Type != "s3" {
		return fmt.Errorf("invalid snapshot type: %s (must be local or s3)", c.Snapshot.Type)
	}

	if c.Snapshot.Type == "s3" && c.Snapshot.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when snapshot type is s3")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the PARTMAN_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("PARTMAN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Catalog configuration
	if v := os.Getenv("PARTMAN_CATALOG_PATH"); v != "" {
		cfg.Catalog.Path = v
	}
	if v := os.Getenv("PARTMAN_CATALOG_BUSY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Catalog.BusyTimeout = d
		}
	}

	// Worker configuration
	if v := os.Getenv("PARTMAN_WORKERS_MAX"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Workers.MaxWorkers)
	}
	if v := os.Getenv("PARTMAN_WORKERS_START_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Workers.StartTimeout = d
		}
	}
	if v := os.Getenv("PARTMAN_WORKERS_AUTO_CREATE"); v != "" {
		cfg.Workers.AutoCreate = v == "true" || v == "1"
	}

	// HTTP configuration
	if v := os.Getenv("PARTMAN_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	if v := os.Getenv("PARTMAN_HTTP_SESSIONS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.HTTP.Sessions)
	}

	// gRPC configuration
	if v := os.Getenv("PARTMAN_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("PARTMAN_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	// Logging configuration
	if v := os.Getenv("PARTMAN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PARTMAN_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Snapshot configuration
	if v := os.Getenv("PARTMAN_SNAPSHOT_TYPE"); v != "" {
		cfg.Snapshot.Type = v
	}
	if v := os.Getenv("PARTMAN_SNAPSHOT_PATH"); v != "" {
		cfg.Snapshot.Path = v
	}
	if v := os.Getenv("PARTMAN_S3_BUCKET"); v != "" {
		cfg.Snapshot.S3.Bucket = v
	}
	if v := os.Getenv("PARTMAN_S3_REGION"); v != "" {
		cfg.Snapshot.S3.Region = v
	}
	if v := os.Getenv("PARTMAN_S3_ENDPOINT"); v != "" {
		cfg.Snapshot.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.Catalog.Path),
	}
	if c.Snapshot.Type == "local" {
		dirs = append(dirs, c.Snapshot.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
