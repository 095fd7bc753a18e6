package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/adhocore/gronx"

	"feedsync/pkg/feed"
)

// ValidateConfig fills in defaults for unset values and fails fast on
// invalid ones.
func (c *Config) ValidateConfig() error {
	// store
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = defaultStoreDriver
	}
	switch c.Store.Driver {
	case "pebble":
		if c.Store.Path == "" {
			c.Store.Path = defaultStorePath
		}
	case "memory":
	default:
		return fmt.Errorf("invalid store.driver %q: want pebble or memory", c.Store.Driver)
	}
	if c.Store.CacheSize < 0 {
		return fmt.Errorf("store.cache_size must not be negative")
	}

	// cache
	if c.Cache.ItemsCapacity == 0 {
		c.Cache.ItemsCapacity = defaultItemsCapacity
	}
	if c.Cache.PagesCapacity == 0 {
		c.Cache.PagesCapacity = defaultPagesCapacity
	}
	if c.Cache.ItemsCapacity < 0 || c.Cache.PagesCapacity < 0 {
		return fmt.Errorf("cache capacities must be positive")
	}

	// feed
	if c.Feed.Sort == "" {
		c.Feed.Sort = defaultFeedSort
	}
	if _, ok := feed.Comparator(c.Feed.Sort); !ok {
		return fmt.Errorf("invalid feed.sort %q", c.Feed.Sort)
	}
	if c.Feed.PageSize == 0 {
		c.Feed.PageSize = defaultPageSize
	}
	if c.Feed.PageSize < 0 {
		return fmt.Errorf("feed.page_size must be positive")
	}
	if c.Feed.PageTTL == 0 {
		c.Feed.PageTTL = Duration(defaultPageTTL)
	}
	if c.Feed.PageTTL < 0 {
		return fmt.Errorf("feed.page_ttl must not be negative")
	}

	// publish
	for name, r := range map[string]RateLimitConfig{"comment": c.Publish.Comment, "vote": c.Publish.Vote, "edit": c.Publish.Edit} {
		if r.Rate < 0 || r.Burst < 0 {
			return fmt.Errorf("publish.%s rate limit must not be negative", name)
		}
	}

	// network
	if c.Network.GatewayURL == "" {
		c.Network.GatewayURL = defaultGatewayURL
	}
	if u, err := url.Parse(c.Network.GatewayURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid network.gateway_url %q", c.Network.GatewayURL)
	}
	if c.Network.Timeout == 0 {
		c.Network.Timeout = Duration(defaultTimeout)
	}
	if c.Network.PollInterval == 0 {
		c.Network.PollInterval = Duration(defaultPollInterval)
	}
	if c.Network.Timeout < 0 || c.Network.PollInterval < 0 {
		return fmt.Errorf("network durations must not be negative")
	}

	// logging
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "":
		c.Logging.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q: want text or json", c.Logging.Format)
	}
	if s := c.Logging.Sink; s != "" && s != "stdout" && s != "stderr" && !strings.HasPrefix(s, "file:") {
		return fmt.Errorf("invalid logging.sink %q: want stdout, stderr or file:<path>", s)
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = defaultMetricsAddr
	}

	// maintenance cron (if not set, every ten minutes)
	if c.Maintenance.Cron == "" {
		c.Maintenance.Cron = defaultCron
	}
	if !gronx.IsValid(c.Maintenance.Cron) {
		return fmt.Errorf("invalid maintenance cron expression: %s", c.Maintenance.Cron)
	}
	return nil
}
