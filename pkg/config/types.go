package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct. yaml tags drive the config file,
// env tags the FEEDSYNC_ prefixed environment.
type Config struct {
	Store       StoreConfig       `yaml:"store" envPrefix:"STORE_"`
	Cache       CacheConfig       `yaml:"cache" envPrefix:"CACHE_"`
	Feed        FeedConfig        `yaml:"feed" envPrefix:"FEED_"`
	Publish     PublishConfig     `yaml:"publish" envPrefix:"PUBLISH_"`
	Network     NetworkConfig     `yaml:"network" envPrefix:"NETWORK_"`
	Logging     LoggingConfig     `yaml:"logging" envPrefix:"LOG_"`
	Metrics     MetricsConfig     `yaml:"metrics" envPrefix:"METRICS_"`
	Maintenance MaintenanceConfig `yaml:"maintenance" envPrefix:"MAINTENANCE_"`
}

// StoreConfig selects and tunes the persistent store.
type StoreConfig struct {
	Driver     string    `yaml:"driver" env:"DRIVER"` // pebble | memory
	Path       string    `yaml:"path" env:"PATH"`
	DisableWAL bool      `yaml:"disable_wal" env:"DISABLE_WAL"`
	CacheSize  SizeBytes `yaml:"cache_size" env:"CACHE_SIZE"`
}

// CacheConfig bounds the cached namespaces. Zero means unbounded.
type CacheConfig struct {
	ItemsCapacity int `yaml:"items_capacity" env:"ITEMS_CAPACITY"`
	PagesCapacity int `yaml:"pages_capacity" env:"PAGES_CAPACITY"`
}

// FeedConfig holds feed defaults.
type FeedConfig struct {
	Sort     string   `yaml:"sort" env:"SORT"`
	PageSize int      `yaml:"page_size" env:"PAGE_SIZE"`
	PageTTL  Duration `yaml:"page_ttl" env:"PAGE_TTL"`
}

// RateLimitConfig is a token bucket; a zero rate is unlimited.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate" env:"RATE"`
	Burst int     `yaml:"burst" env:"BURST"`
}

// PublishConfig holds the default per-account publish rate limits.
type PublishConfig struct {
	Comment RateLimitConfig `yaml:"comment" envPrefix:"COMMENT_"`
	Vote    RateLimitConfig `yaml:"vote" envPrefix:"VOTE_"`
	Edit    RateLimitConfig `yaml:"edit" envPrefix:"EDIT_"`
}

// NetworkConfig is the default network a new account connects to.
type NetworkConfig struct {
	GatewayURL   string   `yaml:"gateway_url" env:"GATEWAY_URL"`
	Timeout      Duration `yaml:"timeout" env:"TIMEOUT"`
	PollInterval Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	// Sink is stdout, stderr or file:/path.
	Sink   string `yaml:"sink" env:"SINK"`
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig controls the ops endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// MaintenanceConfig schedules cache sweeps and page pruning.
type MaintenanceConfig struct {
	Enabled *bool  `yaml:"enabled" env:"ENABLED"`
	Cron    string `yaml:"cron" env:"CRON"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func parseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := parseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s *SizeBytes) UnmarshalText(b []byte) error {
	v, err := parseSize(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// String renders s the way humanize prints sizes.
func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

// Duration is a wrapper around time.Duration that supports parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := parseDuration(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
