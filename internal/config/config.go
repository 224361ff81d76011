package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes the environment variables that override file settings
const EnvPrefix = "WINDOWSTORE_"

// ApplicationConfig identifies the application
type ApplicationConfig struct {
	ID string `yaml:"id"`
}

// StoreConfig holds window store configuration
type StoreConfig struct {
	Name            string        `yaml:"name"`
	DataDir         string        `yaml:"data_dir"` // empty keeps stores in memory
	WindowSize      time.Duration `yaml:"window_size"`
	SegmentInterval time.Duration `yaml:"segment_interval"`
	BloomFilterFP   float64       `yaml:"bloom_filter_fp"`
	Disk            DiskConfig    `yaml:"disk"`
}

// WindowSizeMs returns the window size in milliseconds
func (s StoreConfig) WindowSizeMs() int64 {
	return s.WindowSize.Milliseconds()
}

// SegmentIntervalMs returns the segment interval in milliseconds
func (s StoreConfig) SegmentIntervalMs() int64 {
	return s.SegmentInterval.Milliseconds()
}

// DiskConfig holds disk guard configuration for persistent stores
type DiskConfig struct {
	CheckInterval           time.Duration `yaml:"check_interval"`
	WarningThreshold        float64       `yaml:"warning_threshold"`
	CircuitBreakerThreshold float64       `yaml:"circuit_breaker_threshold"`
}

// CacheConfig holds the shared record cache configuration
type CacheConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

// TaskConfig holds stream task configuration
type TaskConfig struct {
	Count            int           `yaml:"count"`
	CommitInterval   time.Duration `yaml:"commit_interval"`
	RecordsPerSecond float64       `yaml:"records_per_second"`
}

// ProducerConfig holds record producer configuration
type ProducerConfig struct {
	Topic           string        `yaml:"topic"`
	DataDir         string        `yaml:"data_dir"`
	Partitions      int           `yaml:"partitions"`
	SyncWrites      bool          `yaml:"sync_writes"`
	MaxSendAttempts int           `yaml:"max_send_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration of a window store process
type Config struct {
	Application ApplicationConfig `yaml:"application"`
	Store       StoreConfig       `yaml:"store"`
	Cache       CacheConfig       `yaml:"cache"`
	Task        TaskConfig        `yaml:"task"`
	Producer    ProducerConfig    `yaml:"producer"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a file. An empty path or a missing
// file yields the defaults. Environment overrides are applied last.
func LoadConfig(filePath string) (*Config, error) {
	var cfg Config

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	// Set defaults if not specified
	setDefaults(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the default configuration
func Default() *Config {
	var cfg Config
	setDefaults(&cfg)
	return &cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Application.ID == "" {
		cfg.Application.ID = "windowstore-" + uuid.NewString()
	}

	if cfg.Store.Name == "" {
		cfg.Store.Name = "window-counts"
	}
	if cfg.Store.WindowSize == 0 {
		cfg.Store.WindowSize = time.Minute
	}
	if cfg.Store.SegmentInterval == 0 {
		cfg.Store.SegmentInterval = 10 * time.Minute
	}
	if cfg.Store.BloomFilterFP == 0 {
		cfg.Store.BloomFilterFP = 0.01
	}
	if cfg.Store.Disk.CheckInterval == 0 {
		cfg.Store.Disk.CheckInterval = 10 * time.Second
	}
	if cfg.Store.Disk.WarningThreshold == 0 {
		cfg.Store.Disk.WarningThreshold = 80
	}
	if cfg.Store.Disk.CircuitBreakerThreshold == 0 {
		cfg.Store.Disk.CircuitBreakerThreshold = 95
	}

	if cfg.Cache.MaxBytes == 0 {
		cfg.Cache.MaxBytes = 10485760 // 10MB
	}

	if cfg.Task.Count == 0 {
		cfg.Task.Count = 1
	}
	if cfg.Task.CommitInterval == 0 {
		cfg.Task.CommitInterval = 30 * time.Second
	}
	if cfg.Task.RecordsPerSecond == 0 {
		cfg.Task.RecordsPerSecond = 1000
	}

	if cfg.Producer.Topic == "" {
		cfg.Producer.Topic = cfg.Store.Name + "-changelog"
	}
	if cfg.Producer.Partitions == 0 {
		cfg.Producer.Partitions = 1
	}
	if cfg.Producer.MaxSendAttempts == 0 {
		cfg.Producer.MaxSendAttempts = 3
	}
	if cfg.Producer.RetryBackoff == 0 {
		cfg.Producer.RetryBackoff = 100 * time.Millisecond
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// applyEnv overrides settings from WINDOWSTORE_* variables
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"APPLICATION_ID": &cfg.Application.ID,
		"STORE_NAME":     &cfg.Store.Name,
		"STORE_DATA_DIR": &cfg.Store.DataDir,
		"PRODUCER_TOPIC": &cfg.Producer.Topic,
		"PRODUCER_DIR":   &cfg.Producer.DataDir,
		"LOG_LEVEL":      &cfg.Logging.Level,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"WINDOW_SIZE":      &cfg.Store.WindowSize,
		"SEGMENT_INTERVAL": &cfg.Store.SegmentInterval,
		"COMMIT_INTERVAL":  &cfg.Task.CommitInterval,
	}
	for name, dst := range durations {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup(EnvPrefix + "CACHE_MAX_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sCACHE_MAX_BYTES: %w", EnvPrefix, err)
		}
		cfg.Cache.MaxBytes = n
	}
	if v, ok := lookup(EnvPrefix + "TASKS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sTASKS: %w", EnvPrefix, err)
		}
		cfg.Task.Count = n
	}
	if v, ok := lookup(EnvPrefix + "METRICS_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMETRICS_PORT: %w", EnvPrefix, err)
		}
		cfg.Metrics.Port = n
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Store.WindowSize < time.Millisecond {
		return fmt.Errorf("store.window_size must be at least 1ms")
	}
	if c.Store.SegmentInterval < c.Store.WindowSize {
		return fmt.Errorf("store.segment_interval must not be smaller than store.window_size")
	}
	if c.Store.BloomFilterFP <= 0 || c.Store.BloomFilterFP >= 1 {
		return fmt.Errorf("store.bloom_filter_fp must be between 0 and 1")
	}
	if c.Store.Disk.WarningThreshold > c.Store.Disk.CircuitBreakerThreshold {
		return fmt.Errorf("store.disk.warning_threshold must not exceed store.disk.circuit_breaker_threshold")
	}
	if c.Cache.MaxBytes < 0 {
		return fmt.Errorf("cache.max_bytes must not be negative")
	}
	if c.Task.Count < 1 {
		return fmt.Errorf("task.count must be positive")
	}
	if c.Task.RecordsPerSecond < 0 {
		return fmt.Errorf("task.records_per_second must not be negative")
	}
	if c.Producer.Partitions < 1 {
		return fmt.Errorf("producer.partitions must be positive")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	return nil
}
