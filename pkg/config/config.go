package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"feedsync/pkg/cache"
	"feedsync/pkg/models"
	"feedsync/pkg/store"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "FEEDSYNC_"

// Defaults applied by ValidateConfig to unset values.
const (
	defaultStoreDriver   = "pebble"
	defaultStorePath     = "./.feedsync"
	defaultItemsCapacity = 1000
	defaultPagesCapacity = 200
	defaultFeedSort      = "new"
	defaultPageSize      = 25
	defaultPageTTL       = 5 * time.Minute
	defaultGatewayURL    = "http://127.0.0.1:9138"
	defaultTimeout       = 30 * time.Second
	defaultPollInterval  = 5 * time.Second
	defaultLogLevel      = "info"
	defaultMetricsAddr   = "127.0.0.1:9464"
	defaultCron          = "*/10 * * * *" // every ten minutes
)

// holds parsed command-line flag values and which were set
type Flags struct {
	Config      string
	DB          string
	MetricsAddr string
	LogLevel    string
	Validate    bool
	Set         map[string]bool
}

// holds the result of LoadEffectiveConfig
type EffectiveConfigResult struct {
	Config      *Config
	DBPath      string
	MetricsAddr string
	// Source lists the layers that contributed, e.g. "defaults+file+env".
	Source string
}

// ParseConfigFlags parses args (without the program name).
func ParseConfigFlags(name string, args []string, output io.Writer) (Flags, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}
	cfgPtr := fs.String("config", "./feedsync.yaml", "Path to config file")
	dbPtr := fs.String("db", defaultStorePath, "Pebble DB path")
	metricsPtr := fs.String("metrics-addr", defaultMetricsAddr, "Ops endpoint listen address")
	levelPtr := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	validatePtr := fs.Bool("validate", false, "Validate the configuration and exit")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	// record which flags were set explicitly
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return Flags{
		Config:      *cfgPtr,
		DB:          *dbPtr,
		MetricsAddr: *metricsPtr,
		LogLevel:    *levelPtr,
		Validate:    *validatePtr,
		Set:         set,
	}, nil
}

// ResolveConfigPath returns the config file path, preferring flag, then env.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return flagPath
}

// LoadConfigFile parses path over cfg, keeping values the file leaves out.
func LoadConfigFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ParseConfigEnvs applies FEEDSYNC_ variables over cfg.
func ParseConfigEnvs(cfg *Config) (bool, error) {
	used := false
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, EnvPrefix) && !strings.HasPrefix(kv, EnvPrefix+"CONFIG=") {
			used = true
			break
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return used, fmt.Errorf("parse env: %w", err)
	}
	return used, nil
}

// LoadEffectiveConfig layers the config file, the environment and explicit
// flags, in increasing precedence. A missing file is only an error when
// --config was given.
func LoadEffectiveConfig(flags Flags) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult
	cfg := &Config{}
	layers := []string{"defaults"}

	path := ResolveConfigPath(flags.Config, flags.Set["config"])
	switch err := LoadConfigFile(path, cfg); {
	case err == nil:
		layers = append(layers, "file")
	case errors.Is(err, os.ErrNotExist):
		if flags.Set["config"] {
			return res, fmt.Errorf("config file %s not found", path)
		}
	default:
		return res, err
	}

	used, err := ParseConfigEnvs(cfg)
	if err != nil {
		return res, err
	}
	if used {
		layers = append(layers, "env")
	}

	flagUsed := false
	if flags.Set["db"] {
		cfg.Store.Path = flags.DB
		flagUsed = true
	}
	if flags.Set["metrics-addr"] {
		cfg.Metrics.Addr = flags.MetricsAddr
		flagUsed = true
	}
	if flags.Set["log-level"] {
		cfg.Logging.Level = flags.LogLevel
		flagUsed = true
	}
	if flagUsed {
		layers = append(layers, "flags")
	}

	if err := cfg.ValidateConfig(); err != nil {
		return res, err
	}
	res.Config = cfg
	res.DBPath = cfg.Store.Path
	res.MetricsAddr = cfg.Metrics.Addr
	res.Source = strings.Join(layers, "+")
	return res, nil
}

// Capacities returns the cache bounds per namespace.
func (c *Config) Capacities() cache.Capacities {
	return cache.Capacities{
		store.NSItems: c.Cache.ItemsCapacity,
		store.NSPages: c.Cache.PagesCapacity,
	}
}

// NetworkOptions returns the network new accounts are created with.
func (c *Config) NetworkOptions() models.NetworkOptions {
	return models.NetworkOptions{
		GatewayURL:   c.Network.GatewayURL,
		Timeout:      c.Network.Timeout.Duration(),
		PollInterval: c.Network.PollInterval.Duration(),
	}
}

// RateLimits returns the default publish limits per kind.
func (c *Config) RateLimits() map[models.Kind]models.RateLimit {
	conv := func(r RateLimitConfig) models.RateLimit { return models.RateLimit{Rate: r.Rate, Burst: r.Burst} }
	return map[models.Kind]models.RateLimit{
		models.KindComment: conv(c.Publish.Comment),
		models.KindVote:    conv(c.Publish.Vote),
		models.KindEdit:    conv(c.Publish.Edit),
	}
}

// MetricsEnabled reports whether the ops endpoint should run.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

// MaintenanceEnabled reports whether scheduled maintenance should run.
func (c *Config) MaintenanceEnabled() bool {
	return c.Maintenance.Enabled == nil || *c.Maintenance.Enabled
}

// Summary renders the effective values for logger.LogConfigSummary.
func (c *Config) Summary() []string {
	return []string{
		fmt.Sprintf("store: %s at %s (cache %s, wal %t)", c.Store.Driver, c.Store.Path, c.Store.CacheSize, !c.Store.DisableWAL),
		fmt.Sprintf("cache: items=%d pages=%d", c.Cache.ItemsCapacity, c.Cache.PagesCapacity),
		fmt.Sprintf("feed: sort=%s page_size=%d page_ttl=%s", c.Feed.Sort, c.Feed.PageSize, c.Feed.PageTTL.Duration()),
		fmt.Sprintf("network: %s timeout=%s poll=%s", c.Network.GatewayURL, c.Network.Timeout.Duration(), c.Network.PollInterval.Duration()),
		fmt.Sprintf("logging: level=%s format=%s sink=%s", c.Logging.Level, c.Logging.Format, orDefault(c.Logging.Sink, "stdout")),
		fmt.Sprintf("metrics: enabled=%t addr=%s", c.MetricsEnabled(), c.Metrics.Addr),
		fmt.Sprintf("maintenance: enabled=%t cron=%q", c.MaintenanceEnabled(), c.Maintenance.Cron),
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
