package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for errors. Validation fails closed:
// zero capacities and a sub-megabyte cold size cap are rejected.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Hot.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("hot: %w", err))
	}
	if err := c.Cold.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("cold: %w", err))
	}
	if err := c.RetentionDays.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retention_days: %w", err))
	}
	if err := c.Performance.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("performance: %w", err))
	}
	if err := c.Streaming.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("streaming: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the hot buffer configuration.
func (c *HotConfig) Validate() error {
	var errs []error

	caps := map[string]int{
		"device_capacity":    c.DeviceCapacity,
		"sensor_capacity":    c.SensorCapacity,
		"metric_capacity":    c.MetricCapacity,
		"audit_capacity":     c.AuditCapacity,
		"discovery_capacity": c.DiscoveryCapacity,
		"cache_capacity":     c.CacheCapacity,
	}
	for name, v := range caps {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if c.SensorRetention <= 0 {
		errs = append(errs, errors.New("sensor_retention must be positive"))
	}
	if c.MetricRetention <= 0 {
		errs = append(errs, errors.New("metric_retention must be positive"))
	}
	if c.HotRetention <= 0 {
		errs = append(errs, errors.New("hot_retention must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the cold storage configuration.
func (c *ColdConfig) Validate() error {
	var errs []error

	if c.Dir == "" {
		errs = append(errs, errors.New("dir is required"))
	}

	validCompression := map[string]bool{
		"none": true,
		"gzip": true,
		"zstd": true,
		"lz4":  true,
		"":     true, // Empty defaults to zstd
	}
	if !validCompression[c.Compression] {
		errs = append(errs, errors.New("compression must be one of: none, gzip, zstd, lz4"))
	}

	if c.MaxSizeBytes < 1024*1024 {
		errs = append(errs, errors.New("max_size_bytes must be at least 1MB"))
	}
	if c.IndexCacheSizeMB <= 0 {
		errs = append(errs, errors.New("index_cache_size_mb must be positive"))
	}
	if c.SegmentMaxEvents <= 0 {
		errs = append(errs, errors.New("segment_max_events must be positive"))
	}
	if c.AppendRetries <= 0 {
		errs = append(errs, errors.New("append_retries must be positive"))
	}
	if c.AppendBackoff <= 0 {
		errs = append(errs, errors.New("append_backoff must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the retention configuration.
func (r *RetentionDays) Validate() error {
	var errs []error

	days := map[string]int{
		"device":    r.Device,
		"sensor":    r.Sensor,
		"metric":    r.Metric,
		"audit":     r.Audit,
		"discovery": r.Discovery,
		"cache":     r.Cache,
	}
	for name, d := range days {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the performance configuration.
func (c *PerformanceConfig) Validate() error {
	var errs []error

	if c.WriteBufferSize <= 0 {
		errs = append(errs, errors.New("write_buffer_size must be positive"))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, errors.New("flush_interval must be positive"))
	}
	if c.QueryCacheSize < 0 {
		errs = append(errs, errors.New("query_cache_size must be non-negative"))
	}
	if c.TieringInterval <= 0 {
		errs = append(errs, errors.New("tiering_interval must be positive"))
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, errors.New("cleanup_interval must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the streaming configuration.
func (c *StreamingConfig) Validate() error {
	var errs []error

	if c.MaxSubscribers <= 0 {
		errs = append(errs, errors.New("max_subscribers must be positive"))
	}
	if c.BufferSize <= 0 {
		errs = append(errs, errors.New("buffer_size must be positive"))
	}
	if c.SlowSubscriberTimeout <= 0 {
		errs = append(errs, errors.New("slow_subscriber_timeout must be positive"))
	}
	if c.DeliveryRetries <= 0 {
		errs = append(errs, errors.New("delivery_retries must be positive"))
	}
	if c.DeliveryBackoff <= 0 {
		errs = append(errs, errors.New("delivery_backoff must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
