// Package config loads and validates syncstore configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/syncstore/syncstore/pkg/types"
)

// Configuration is the complete engine configuration.
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Adapters    AdaptersConfig    `yaml:"adapters"`
	Retry       RetryConfig       `yaml:"retry"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	APIAddress  string `yaml:"api_address"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
}

// CoordinatorConfig configures the storage coordinator.
type CoordinatorConfig struct {
	Primary            string                   `yaml:"primary"`
	Fallbacks          []string                 `yaml:"fallbacks"`
	EnableValidation   bool                     `yaml:"enable_validation"`
	SchemaFile         string                   `yaml:"schema_file"`
	MaxValueBytes      int64                    `yaml:"max_value_bytes"`
	EnableSync         bool                     `yaml:"enable_sync"`
	SyncInterval       time.Duration            `yaml:"sync_interval"`
	ConflictResolution types.ConflictResolution `yaml:"conflict_resolution"`
}

// SchedulerConfig configures the operation scheduler.
type SchedulerConfig struct {
	ConflictWaitTimeout   time.Duration `yaml:"conflict_wait_timeout"`
	DependencyWaitTimeout time.Duration `yaml:"dependency_wait_timeout"`
	MaxRetries            int           `yaml:"max_retries"`
	RetryBackoffBase      time.Duration `yaml:"retry_backoff_base"`
	SnapshotHistory       int           `yaml:"snapshot_history"`
	DefaultPriority       int           `yaml:"default_priority"`
}

// AdaptersConfig configures the storage backends.
type AdaptersConfig struct {
	Remote RemoteConfig `yaml:"remote"`
	KV     KVConfig     `yaml:"kv"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// RemoteConfig configures the S3-compatible remote durable store.
type RemoteConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures the breaker guarding the remote store.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// KVConfig configures the local persistent key-value store.
type KVConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Directory            string `yaml:"directory"`
	MaxSize              int64  `yaml:"max_size"`
	Compression          bool   `yaml:"compression"`
	CompressionThreshold int64  `yaml:"compression_threshold"`
}

// SQLiteConfig configures the local structured database.
type SQLiteConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RetryConfig configures the shared adapter retry helper.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// MonitoringConfig configures metrics and health probing.
type MonitoringConfig struct {
	MetricsEnabled      bool          `yaml:"metrics_enabled"`
	MetricsNamespace    string        `yaml:"metrics_namespace"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			APIAddress:  "localhost:8080",
			MetricsPort: 9090,
			HealthPort:  8081,
		},
		Coordinator: CoordinatorConfig{
			Primary:            "remote",
			Fallbacks:          []string{"kv", "sqlite"},
			EnableValidation:   false,
			MaxValueBytes:      16 * 1024 * 1024, // 16MB
			EnableSync:         true,
			SyncInterval:       5 * time.Minute,
			ConflictResolution: types.ResolveLatest,
		},
		Scheduler: SchedulerConfig{
			ConflictWaitTimeout:   30 * time.Second,
			DependencyWaitTimeout: 60 * time.Second,
			MaxRetries:            3,
			RetryBackoffBase:      time.Second,
			SnapshotHistory:       10,
			DefaultPriority:       5,
		},
		Adapters: AdaptersConfig{
			Remote: RemoteConfig{
				Enabled: false,
				Prefix:  "syncstore/",
				Region:  "us-west-2",
				CircuitBreaker: CircuitBreakerConfig{
					Enabled:          true,
					FailureThreshold: 5,
					Timeout:          60 * time.Second,
				},
			},
			KV: KVConfig{
				Enabled:              true,
				Directory:            "/var/lib/syncstore/kv",
				MaxSize:              2 * 1024 * 1024 * 1024, // 2GB
				Compression:          true,
				CompressionThreshold: 1024, // 1KB
			},
			SQLite: SQLiteConfig{
				Enabled: true,
				Path:    "/var/lib/syncstore/items.db",
			},
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:      true,
			MetricsNamespace:    "syncstore",
			HealthCheckInterval: 30 * time.Second,
			HealthCheckTimeout:  5 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv applies environment variable overrides.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("SYNCSTORE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("SYNCSTORE_API_ADDRESS"); val != "" {
		c.Global.APIAddress = val
	}
	if val := os.Getenv("SYNCSTORE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}

	if val := os.Getenv("SYNCSTORE_PRIMARY"); val != "" {
		c.Coordinator.Primary = val
	}
	if val := os.Getenv("SYNCSTORE_SYNC_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Coordinator.SyncInterval = d
		}
	}
	if val := os.Getenv("SYNCSTORE_CONFLICT_RESOLUTION"); val != "" {
		c.Coordinator.ConflictResolution = types.ConflictResolution(val)
	}

	if val := os.Getenv("SYNCSTORE_S3_BUCKET"); val != "" {
		c.Adapters.Remote.Bucket = val
		c.Adapters.Remote.Enabled = true
	}
	if val := os.Getenv("SYNCSTORE_S3_REGION"); val != "" {
		c.Adapters.Remote.Region = val
	}
	if val := os.Getenv("SYNCSTORE_S3_ENDPOINT"); val != "" {
		c.Adapters.Remote.Endpoint = val
	}
	if val := os.Getenv("AWS_ACCESS_KEY_ID"); val != "" {
		c.Adapters.Remote.AccessKeyID = val
	}
	if val := os.Getenv("AWS_SECRET_ACCESS_KEY"); val != "" {
		c.Adapters.Remote.SecretAccessKey = val
	}

	if val := os.Getenv("SYNCSTORE_KV_DIR"); val != "" {
		c.Adapters.KV.Directory = val
	}
	if val := os.Getenv("SYNCSTORE_SQLITE_PATH"); val != "" {
		c.Adapters.SQLite.Path = val
	}
	if val := os.Getenv("SYNCSTORE_COMPRESSION"); val != "" {
		c.Adapters.KV.Compression = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile writes the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for inconsistencies.
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("metrics_port and health_port cannot be the same")
	}

	switch c.Coordinator.ConflictResolution {
	case types.ResolveLatest, types.ResolvePrimary, types.ResolveManual:
	default:
		return fmt.Errorf("invalid conflict_resolution: %s (must be latest, primary, or manual)",
			c.Coordinator.ConflictResolution)
	}

	if c.Coordinator.Primary == "" {
		return fmt.Errorf("coordinator primary adapter is required")
	}
	for _, fb := range c.Coordinator.Fallbacks {
		if fb == c.Coordinator.Primary {
			return fmt.Errorf("adapter %q cannot be both primary and fallback", fb)
		}
	}

	if c.Coordinator.EnableSync && c.Coordinator.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive when sync is enabled")
	}

	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if c.Scheduler.SnapshotHistory <= 0 {
		return fmt.Errorf("snapshot_history must be greater than 0")
	}

	if c.Adapters.Remote.Enabled && c.Adapters.Remote.Bucket == "" {
		return fmt.Errorf("remote adapter requires a bucket")
	}
	if c.Adapters.KV.Enabled && c.Adapters.KV.Directory == "" {
		return fmt.Errorf("kv adapter requires a directory")
	}
	if c.Adapters.SQLite.Enabled && c.Adapters.SQLite.Path == "" {
		return fmt.Errorf("sqlite adapter requires a path")
	}

	return nil
}
