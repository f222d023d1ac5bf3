// Package config provides configuration structures and loading for tap-bigquery.
package config

import "time"

// Config represents the complete tap configuration.
type Config struct {
	ProjectID          string                 `yaml:"project_id" mapstructure:"project_id" json:"project_id"`
	Credentials        interface{}            `yaml:"google_application_credentials" mapstructure:"google_application_credentials" json:"-"`
	StorageBucket      string                 `yaml:"google_storage_bucket" mapstructure:"google_storage_bucket" json:"google_storage_bucket,omitempty"`
	Location           string                 `yaml:"location" mapstructure:"location" json:"location,omitempty"`
	FilterSchemas      []string               `yaml:"filter_schemas" mapstructure:"filter_schemas" json:"filter_schemas,omitempty"`
	FilterTables       []string               `yaml:"filter_tables" mapstructure:"filter_tables" json:"filter_tables,omitempty"`
	StreamMaps         map[string]interface{} `yaml:"stream_maps" mapstructure:"stream_maps" json:"stream_maps,omitempty"`
	StreamMapConfig    map[string]interface{} `yaml:"stream_map_config" mapstructure:"stream_map_config" json:"stream_map_config,omitempty"`
	FlatteningEnabled  bool                   `yaml:"flattening_enabled" mapstructure:"flattening_enabled" json:"flattening_enabled"`
	FlatteningMaxDepth int                    `yaml:"flattening_max_depth" mapstructure:"flattening_max_depth" json:"flattening_max_depth,omitempty"`
	Batch              *BatchConfig           `yaml:"batch_config" mapstructure:"batch_config" json:"batch_config,omitempty"`
	Extraction         ExtractionConfig       `yaml:"extraction" mapstructure:"extraction" json:"extraction"`
	Logging            LoggingConfig          `yaml:"logging" mapstructure:"logging" json:"logging"`
}

// BatchConfig describes how BATCH messages are encoded and where the files land.
type BatchConfig struct {
	Encoding BatchEncoding `yaml:"encoding" mapstructure:"encoding" json:"encoding"`
	Storage  BatchStorage  `yaml:"storage" mapstructure:"storage" json:"storage"`
}

// BatchEncoding is the file format advertised in BATCH messages.
type BatchEncoding struct {
	Format      string `yaml:"format" mapstructure:"format" json:"format"`                // jsonl
	Compression string `yaml:"compression" mapstructure:"compression" json:"compression"` // gzip or none
}

// BatchStorage is the local directory batch files are downloaded into.
type BatchStorage struct {
	Root   string `yaml:"root" mapstructure:"root" json:"root"`
	Prefix string `yaml:"prefix" mapstructure:"prefix" json:"prefix"`
}

// ExtractionConfig controls batching, timeouts, retries and parallelism.
type ExtractionConfig struct {
	BatchSize         int    `yaml:"batch_size" mapstructure:"batch_size" json:"batch_size"`
	PageSize          int    `yaml:"page_size" mapstructure:"page_size" json:"page_size"`
	TimeoutSeconds    int    `yaml:"timeout_seconds" mapstructure:"timeout_seconds" json:"timeout_seconds"`
	JobTimeoutSeconds int    `yaml:"job_timeout_seconds" mapstructure:"job_timeout_seconds" json:"job_timeout_seconds"` // 0 leaves jobs uncapped
	MaxRetries        int    `yaml:"max_retries" mapstructure:"max_retries" json:"max_retries"`
	RetryInitialMs    int    `yaml:"retry_initial_ms" mapstructure:"retry_initial_ms" json:"retry_initial_ms"`
	RetryMaxMs        int    `yaml:"retry_max_ms" mapstructure:"retry_max_ms" json:"retry_max_ms"`
	Parallelism       int    `yaml:"parallelism" mapstructure:"parallelism" json:"parallelism"`
	NullBookmarks     string `yaml:"null_bookmarks" mapstructure:"null_bookmarks" json:"null_bookmarks"` // first or exclude
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level" json:"level"`    // debug, info, warn, error
	Format     string `yaml:"format" mapstructure:"format" json:"format"` // json or text
	Output     string `yaml:"output" mapstructure:"output" json:"output"` // stderr, stdout, or file path
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days" json:"max_age_days"`
}

// Null replication-key handling modes.
const (
	NullBookmarksFirst   = "first"
	NullBookmarksExclude = "exclude"
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Extraction: ExtractionConfig{
			BatchSize:      10000,
			PageSize:       10000,
			TimeoutSeconds: 300,
			MaxRetries:     3,
			RetryInitialMs: 1000,
			RetryMaxMs:     30000,
			Parallelism:    1,
			NullBookmarks:  NullBookmarksFirst,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stderr",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Timeout returns the per-operation I/O timeout.
func (e ExtractionConfig) Timeout() time.Duration {
	if e.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// JobTimeout returns the server-side job cap, 0 when uncapped.
func (e ExtractionConfig) JobTimeout() time.Duration {
	if e.JobTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(e.JobTimeoutSeconds) * time.Second
}

// RetryInitial returns the first retry backoff.
func (e ExtractionConfig) RetryInitial() time.Duration {
	return time.Duration(e.RetryInitialMs) * time.Millisecond
}

// RetryMax returns the backoff cap.
func (e ExtractionConfig) RetryMax() time.Duration {
	return time.Duration(e.RetryMaxMs) * time.Millisecond
}

// BatchMode reports whether file-based extraction through GCS is enabled.
func (c *Config) BatchMode() bool {
	return c.StorageBucket != ""
}

// GetBatchConfig returns the batch config, falling back to jsonl/gzip in the temp dir.
func (c *Config) GetBatchConfig() BatchConfig {
	result := BatchConfig{
		Encoding: BatchEncoding{Format: "jsonl", Compression: "gzip"},
	}
	if c.Batch == nil {
		return result
	}
	if c.Batch.Encoding.Format != "" {
		result.Encoding.Format = c.Batch.Encoding.Format
	}
	if c.Batch.Encoding.Compression != "" {
		result.Encoding.Compression = c.Batch.Encoding.Compression
	}
	result.Storage = c.Batch.Storage
	return result
}
