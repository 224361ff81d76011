package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
application:
  id: counts-app
store:
  name: clicks
  data_dir: /tmp/clicks
  window_size: 5s
  segment_interval: 1m
cache:
  max_bytes: 4096
task:
  count: 4
  commit_interval: 2s
producer:
  partitions: 3
logging:
  level: debug
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "counts-app", cfg.Application.ID)
	assert.Equal(t, "clicks", cfg.Store.Name)
	assert.Equal(t, int64(5000), cfg.Store.WindowSizeMs())
	assert.Equal(t, int64(60000), cfg.Store.SegmentIntervalMs())
	assert.Equal(t, int64(4096), cfg.Cache.MaxBytes)
	assert.Equal(t, 4, cfg.Task.Count)
	assert.Equal(t, 2*time.Second, cfg.Task.CommitInterval)
	assert.Equal(t, "clicks-changelog", cfg.Producer.Topic)
	assert.Equal(t, 3, cfg.Producer.Partitions)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 0.01, cfg.Store.BloomFilterFP)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(cfg.Application.ID, "windowstore-"))
	assert.Equal(t, time.Minute, cfg.Store.WindowSize)
	assert.Equal(t, int64(10485760), cfg.Cache.MaxBytes)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "window-counts-changelog", cfg.Producer.Topic)
}

func TestLoadConfig_ParseError(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "store: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "store:\n  name: clicks\n")
	t.Setenv("WINDOWSTORE_STORE_NAME", "views")
	t.Setenv("WINDOWSTORE_WINDOW_SIZE", "10s")
	t.Setenv("WINDOWSTORE_CACHE_MAX_BYTES", "2048")
	t.Setenv("WINDOWSTORE_TASKS", "2")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "views", cfg.Store.Name)
	assert.Equal(t, 10*time.Second, cfg.Store.WindowSize)
	assert.Equal(t, int64(2048), cfg.Cache.MaxBytes)
	assert.Equal(t, 2, cfg.Task.Count)
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "duration", env: map[string]string{"WINDOWSTORE_COMMIT_INTERVAL": "soon"}},
		{name: "cache bytes", env: map[string]string{"WINDOWSTORE_CACHE_MAX_BYTES": "lots"}},
		{name: "tasks", env: map[string]string{"WINDOWSTORE_TASKS": "two"}},
		{name: "metrics port", env: map[string]string{"WINDOWSTORE_METRICS_PORT": "http"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			err := applyEnv(&cfg, func(name string) (string, bool) {
				v, ok := tt.env[name]
				return v, ok
			})
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "sub-millisecond window", mutate: func(c *Config) { c.Store.WindowSize = time.Microsecond }, wantErr: "store.window_size"},
		{name: "segment smaller than window", mutate: func(c *Config) { c.Store.SegmentInterval = time.Second }, wantErr: "store.segment_interval"},
		{name: "bloom fp", mutate: func(c *Config) { c.Store.BloomFilterFP = 1 }, wantErr: "store.bloom_filter_fp"},
		{name: "disk thresholds", mutate: func(c *Config) { c.Store.Disk.WarningThreshold = 99 }, wantErr: "store.disk.warning_threshold"},
		{name: "negative cache", mutate: func(c *Config) { c.Cache.MaxBytes = -1 }, wantErr: "cache.max_bytes"},
		{name: "no tasks", mutate: func(c *Config) { c.Task.Count = 0 }, wantErr: "task.count"},
		{name: "partitions", mutate: func(c *Config) { c.Producer.Partitions = 0 }, wantErr: "producer.partitions"},
		{name: "metrics port", mutate: func(c *Config) { c.Metrics.Port = 70000 }, wantErr: "metrics.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
