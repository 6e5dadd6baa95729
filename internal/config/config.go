// Package config provides unified configuration for the table engine and
// its tooling.
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

// Config holds the configuration of one table deployment.
type Config struct {
	// DataDir is the base directory for local state (index database,
	// local storage root).
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Table configuration
	Table TableConfig `json:"table" yaml:"table"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Lock configuration
	Lock LockConfig `json:"lock" yaml:"lock"`

	// Service configuration for background table services
	Service ServiceConfig `json:"service" yaml:"service"`
}

// TableConfig holds per-table engine settings.
type TableConfig struct {
	// BasePath is the table's root prefix inside the store.
	BasePath string `json:"base_path" yaml:"base_path"`

	// IndexPath is the SQLite file of the index-backed view; empty derives
	// it from DataDir, "off" disables the index entirely.
	IndexPath string `json:"index_path" yaml:"index_path"`

	// MaxClockSkew widens the monotonic instant-time generator's guard
	// against wall-clock regression.
	MaxClockSkew time.Duration `json:"max_clock_skew" yaml:"max_clock_skew"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage root (for local type)
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

	// ConditionalWrites enables If-None-Match atomic create; disable for
	// S3-compatible stores that lack it.
	ConditionalWrites bool `json:"conditional_writes" yaml:"conditional_writes"`
}

// LockConfig selects the mutual-exclusion provider for timeline mutations.
type LockConfig struct {
	// Provider is one of: inprocess, storage, zookeeper
	Provider string `json:"provider" yaml:"provider"`

	// Timeout bounds every lock acquisition.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// TTL is the lease after which a storage lock is considered abandoned.
	TTL time.Duration `json:"ttl" yaml:"ttl"`

	// ZKServers is the ZooKeeper ensemble (for zookeeper provider).
	ZKServers []string `json:"zk_servers" yaml:"zk_servers"`

	// ZKPath is the lock node path (for zookeeper provider).
	ZKPath string `json:"zk_path" yaml:"zk_path"`
}

// ServiceConfig holds table service scheduling configuration.
type ServiceConfig struct {
	// Policy orders pending service executions: fifo, lifo
	Policy string `json:"policy" yaml:"policy"`

	// CheckInterval is the background daemon's cycle interval.
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`

	// Parallelism bounds concurrent service operations.
	Parallelism int `json:"parallelism" yaml:"parallelism"`

	// MaxLogFiles is the log-file count that triggers compaction of a slice.
	MaxLogFiles int `json:"max_log_files" yaml:"max_log_files"`

	// SmallFileBytes is the base-file size under which slices cluster.
	SmallFileBytes int64 `json:"small_file_bytes" yaml:"small_file_bytes"`

	// MetricsAddr is the listen address of the daemon's metrics and health
	// endpoints.
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/tidelake",
		Table: TableConfig{
			BasePath:     "tables/default",
			MaxClockSkew: 0,
		},
		Storage: StorageConfig{
			Type: "local",
		},
		Lock: LockConfig{
			Provider: "inprocess",
			Timeout:  30 * time.Second,
			TTL:      5 * time.Minute,
			ZKPath:   "/tidelake/locks/default",
		},
		Service: ServiceConfig{
			Policy:         "fifo",
			CheckInterval:  5 * time.Minute,
			Parallelism:    8,
			MaxLogFiles:    4,
			SmallFileBytes: 32 * 1024 * 1024,
			MetricsAddr:    ":8087",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/tidelake"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Table.IndexPath == "" {
		c.Table.IndexPath = filepath.Join(c.DataDir, "fileindex.db")
	}
}

// IndexEnabled reports whether the SQLite file index is in use.
func (c *Config) IndexEnabled() bool {
	return c.Table.IndexPath != "off"
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Table.BasePath == "" {
		return fmt.Errorf("table.base_path is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	switch c.Lock.Provider {
	case "inprocess", "storage", "zookeeper":
		// Valid providers
	default:
		return fmt.Errorf("invalid lock provider: %s (must be inprocess, storage, or zookeeper)", c.Lock.Provider)
	}
	if c.Lock.Provider == "zookeeper" && len(c.Lock.ZKServers) == 0 {
		return fmt.Errorf("lock.zk_servers is required for the zookeeper provider")
	}

	if c.Service.Policy != "fifo" && c.Service.Policy != "lifo" {
		return fmt.Errorf("invalid service policy: %s (must be fifo or lifo)", c.Service.Policy)
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
// Environment variables use the TIDELAKE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TIDELAKE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TIDELAKE_TABLE_BASE_PATH"); v != "" {
		cfg.Table.BasePath = v
	}
	if v := os.Getenv("TIDELAKE_TABLE_INDEX_PATH"); v != "" {
		cfg.Table.IndexPath = v
	}
	if v := os.Getenv("TIDELAKE_TABLE_MAX_CLOCK_SKEW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Table.MaxClockSkew = d
		}
	}

	// Storage configuration
	if v := os.Getenv("TIDELAKE_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("TIDELAKE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TIDELAKE_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("TIDELAKE_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("TIDELAKE_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("TIDELAKE_S3_CONDITIONAL_WRITES"); v != "" {
		cfg.Storage.S3.ConditionalWrites = v == "true" || v == "1"
	}

	// Lock configuration
	if v := os.Getenv("TIDELAKE_LOCK_PROVIDER"); v != "" {
		cfg.Lock.Provider = v
	}
	if v := os.Getenv("TIDELAKE_LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lock.Timeout = d
		}
	}
	if v := os.Getenv("TIDELAKE_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lock.TTL = d
		}
	}
	if v := os.Getenv("TIDELAKE_LOCK_ZK_SERVERS"); v != "" {
		cfg.Lock.ZKServers = strings.Split(v, ",")
	}
	if v := os.Getenv("TIDELAKE_LOCK_ZK_PATH"); v != "" {
		cfg.Lock.ZKPath = v
	}

	// Service configuration
	if v := os.Getenv("TIDELAKE_SERVICE_POLICY"); v != "" {
		cfg.Service.Policy = v
	}
	if v := os.Getenv("TIDELAKE_SERVICE_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Service.CheckInterval = d
		}
	}
	if v := os.Getenv("TIDELAKE_SERVICE_PARALLELISM"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Service.Parallelism)
	}
	if v := os.Getenv("TIDELAKE_SERVICE_MAX_LOG_FILES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Service.MaxLogFiles)
	}
	if v := os.Getenv("TIDELAKE_SERVICE_METRICS_ADDR"); v != "" {
		cfg.Service.MetricsAddr = v
	}
}

// EnsureDirectories creates all required local directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
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
