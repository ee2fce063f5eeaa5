// Package config defines the history engine configuration: hot buffer
// limits, cold storage settings, retention, performance knobs, and
// streaming limits. Loaded from YAML with defaults applied first.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete history engine configuration.
type Config struct {
	// Hot configures the in-memory recent-event buffers.
	Hot HotConfig `yaml:"hot"`

	// Cold configures the persistent segment store.
	Cold ColdConfig `yaml:"cold"`

	// RetentionDays defines day-based cold retention per category.
	RetentionDays RetentionDays `yaml:"retention_days"`

	// Performance tunes buffering, flushing, and background intervals.
	Performance PerformanceConfig `yaml:"performance"`

	// Streaming limits the notification fan-out.
	Streaming StreamingConfig `yaml:"streaming"`
}

// HotConfig bounds the per-category in-memory buffers.
type HotConfig struct {
	// Per-category buffer capacities (event counts).
	DeviceCapacity    int `yaml:"device_capacity"`
	SensorCapacity    int `yaml:"sensor_capacity"`
	MetricCapacity    int `yaml:"metric_capacity"`
	AuditCapacity     int `yaml:"audit_capacity"`
	DiscoveryCapacity int `yaml:"discovery_capacity"`
	CacheCapacity     int `yaml:"cache_capacity"`

	// SensorRetention and MetricRetention age-bound the time-bounded
	// categories; entries older than this leave the fast path.
	SensorRetention time.Duration `yaml:"sensor_retention"`
	MetricRetention time.Duration `yaml:"metric_retention"`

	// HotRetention is the default age after which entries of any category
	// become eligible for tiering to cold storage.
	HotRetention time.Duration `yaml:"hot_retention"`
}

// ColdConfig configures the persistent segment store.
type ColdConfig struct {
	// Dir is the segment directory.
	Dir string `yaml:"dir"`

	// Compression is the segment compression algorithm: none, gzip, zstd, lz4.
	Compression string `yaml:"compression"`

	// MaxSizeBytes caps total on-disk segment size. Oldest whole segments
	// are deleted once exceeded.
	MaxSizeBytes int64 `yaml:"max_size_bytes"`

	// IndexCacheSizeMB bounds the in-memory LRU of segment indices.
	IndexCacheSizeMB int `yaml:"index_cache_size_mb"`

	// SegmentMaxEvents caps events per segment; larger appends roll over
	// into multiple segments.
	SegmentMaxEvents int `yaml:"segment_max_events"`

	// AppendRetries bounds write retry attempts, and AppendBackoff is the
	// initial backoff doubled per attempt.
	AppendRetries int           `yaml:"append_retries"`
	AppendBackoff time.Duration `yaml:"append_backoff"`
}

// RetentionDays is day-based cold retention per category.
type RetentionDays struct {
	Device    int `yaml:"device"`
	Sensor    int `yaml:"sensor"`
	Metric    int `yaml:"metric"`
	Audit     int `yaml:"audit"`
	Discovery int `yaml:"discovery"`
	Cache     int `yaml:"cache"`
}

// PerformanceConfig tunes buffering and background intervals.
type PerformanceConfig struct {
	// WriteBufferSize is the batch size for draining the detector's
	// recording queue into the hot store.
	WriteBufferSize int `yaml:"write_buffer_size"`

	// FlushInterval paces recording-queue drains.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// QueryCacheSize bounds the cold scan result cache (entries).
	QueryCacheSize int `yaml:"query_cache_size"`

	// TieringInterval paces hot-to-cold tiering cycles.
	TieringInterval time.Duration `yaml:"tiering_interval"`

	// CleanupInterval paces cold retention and size-cap enforcement.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// StreamingConfig limits the notification fan-out.
type StreamingConfig struct {
	// MaxSubscribers caps concurrently subscribed clients.
	MaxSubscribers int `yaml:"max_subscribers"`

	// BufferSize is the per-client delivery channel capacity.
	BufferSize int `yaml:"buffer_size"`

	// SlowSubscriberTimeout is how long a client's channel may stay full
	// before the client is forcibly disconnected.
	SlowSubscriberTimeout time.Duration `yaml:"slow_subscriber_timeout"`

	// DeliveryRetries bounds per-notification send attempts, and
	// DeliveryBackoff is the initial backoff doubled per attempt.
	DeliveryRetries int           `yaml:"delivery_retries"`
	DeliveryBackoff time.Duration `yaml:"delivery_backoff"`
}

// Load loads configuration from a YAML file, applying defaults first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Hot: HotConfig{
			DeviceCapacity:    5000,
			SensorCapacity:    10000,
			MetricCapacity:    5000,
			AuditCapacity:     2000,
			DiscoveryCapacity: 1000,
			CacheCapacity:     1000,
			SensorRetention:   time.Hour,
			MetricRetention:   time.Hour,
			HotRetention:      15 * time.Minute,
		},
		Cold: ColdConfig{
			Dir:              "/var/lib/domohist/segments",
			Compression:      "zstd",
			MaxSizeBytes:     1024 * 1024 * 1024, // 1GB
			IndexCacheSizeMB: 16,
			SegmentMaxEvents: 50000,
			AppendRetries:    3,
			AppendBackoff:    50 * time.Millisecond,
		},
		RetentionDays: RetentionDays{
			Device:    365,
			Sensor:    90,
			Metric:    30,
			Audit:     730,
			Discovery: 90,
			Cache:     7,
		},
		Performance: PerformanceConfig{
			WriteBufferSize: 256,
			FlushInterval:   time.Second,
			QueryCacheSize:  64,
			TieringInterval: time.Minute,
			CleanupInterval: 10 * time.Minute,
		},
		Streaming: StreamingConfig{
			MaxSubscribers:        256,
			BufferSize:            128,
			SlowSubscriberTimeout: 5 * time.Second,
			DeliveryRetries:       3,
			DeliveryBackoff:       100 * time.Millisecond,
		},
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Cold.Dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", c.Cold.Dir, err)
	}
	return nil
}

// DaysFor returns the cold retention in days for a category name.
// Unknown names get the shortest configured retention.
func (r *RetentionDays) DaysFor(category string) int {
	switch category {
	case "device":
		return r.Device
	case "sensor":
		return r.Sensor
	case "metric":
		return r.Metric
	case "audit":
		return r.Audit
	case "discovery":
		return r.Discovery
	case "cache":
		return r.Cache
	}
	min := r.Device
	for _, d := range []int{r.Sensor, r.Metric, r.Audit, r.Discovery, r.Cache} {
		if d < min {
			min = d
		}
	}
	return min
}
