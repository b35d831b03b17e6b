// Package config loads and validates the platform configuration
// from a YAML file.
package config

import (
	"os"
	"time"

	"go.chromium.org/luci/common/errors"
	"gopkg.in/yaml.v2"
)

// Config is the platform configuration.
type Config struct {
	// SpannerDatabase is the full database name, as
	// projects/<p>/instances/<i>/databases/<d>. Empty selects the
	// in-memory store.
	SpannerDatabase string `yaml:"spanner_database"`

	Reload ReloadConfig `yaml:"reload"`
	Logs   LogConfig    `yaml:"logs"`
	Source SourceConfig `yaml:"source"`
}

// ReloadConfig configures the hot-reload controller.
type ReloadConfig struct {
	// IntervalSeconds is the monitor poll period.
	IntervalSeconds int `yaml:"interval_seconds"`
	// AutoReload reloads on detected changes instead of only logging
	// them.
	AutoReload bool `yaml:"auto_reload"`
}

// Interval returns the poll period as a duration.
func (r ReloadConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// LogConfig configures the execution log appender.
type LogConfig struct {
	BufferCapacity       int `yaml:"buffer_capacity"`
	BatchSize            int `yaml:"batch_size"`
	FlushIntervalSeconds int `yaml:"flush_interval_seconds"`
}

// FlushInterval returns the idle flush period as a duration.
func (l LogConfig) FlushInterval() time.Duration {
	return time.Duration(l.FlushIntervalSeconds) * time.Second
}

// SourceConfig names an external rule source for validation and
// import.
type SourceConfig struct {
	// Type is "database", "file" or "gcs".
	Type string `yaml:"type"`
	// Path is the bundle file path for file sources.
	Path string `yaml:"path"`
	// Bucket and Object locate the bundle for gcs sources.
	Bucket string `yaml:"bucket"`
	Object string `yaml:"object"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading %s", path).Err()
	}
	return Parse(blob)
}

// Parse parses and validates configuration text.
func Parse(blob []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(blob, cfg); err != nil {
		return nil, errors.Annotate(err, "parsing config").Err()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Reload.IntervalSeconds < 0 {
		return errors.Reason("reload.interval_seconds must not be negative").Err()
	}
	if c.Logs.BufferCapacity < 0 || c.Logs.BatchSize < 0 || c.Logs.FlushIntervalSeconds < 0 {
		return errors.Reason("logs settings must not be negative").Err()
	}
	switch c.Source.Type {
	case "", "database":
	case "file":
		if c.Source.Path == "" {
			return errors.Reason("source.path is required for file sources").Err()
		}
	case "gcs":
		if c.Source.Bucket == "" || c.Source.Object == "" {
			return errors.Reason("source.bucket and source.object are required for gcs sources").Err()
		}
	default:
		return errors.Reason("unknown source.type %q", c.Source.Type).Err()
	}
	return nil
}
