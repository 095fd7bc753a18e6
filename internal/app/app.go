// Package app assembles a running feedsync node: the store, the client core,
// scheduled maintenance and the ops HTTP endpoint.
package app

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/valyala/fasthttp"

	"feedsync/internal/maintenance"
	"feedsync/pkg/client"
	"feedsync/pkg/config"
	"feedsync/pkg/logger"
	"feedsync/pkg/network"
	"feedsync/pkg/network/httpnet"
	"feedsync/pkg/store"
	"feedsync/pkg/telemetry"
)

// pages older than this many TTLs are pruned by maintenance
const pageMaxAgeFactor = 4

type App struct {
	eff      config.EffectiveConfigResult
	store    store.Store
	registry *prometheus.Registry
	metrics  *telemetry.Metrics
	client   *client.Client
	maint    *maintenance.Manager

	factory  network.Factory
	listener net.Listener

	srvFast *fasthttp.Server

	mu        sync.Mutex
	state     string
	stopMaint func()
}

type Option func(*App)

// WithStore replaces the store opened from the configuration.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithNetworkFactory replaces the gateway client factory.
func WithNetworkFactory(f network.Factory) Option {
	return func(a *App) { a.factory = f }
}

// WithListener serves the ops endpoint on ln instead of the configured address.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// New opens the store and wires the core. The returned App owns the store.
func New(ctx context.Context, eff config.EffectiveConfigResult, opts ...Option) (*App, error) {
	_ = godotenv.Load(".env")

	if eff.Config == nil {
		return nil, fmt.Errorf("app: missing config")
	}
	cfg := eff.Config
	logger.LogConfigSummary("config_effective_summary", append([]string{"source: " + eff.Source}, cfg.Summary()...))

	a := &App{eff: eff, state: "starting"}
	for _, o := range opts {
		o(a)
	}
	if a.store == nil {
		s, err := openStore(cfg.Store)
		if err != nil {
			return nil, err
		}
		a.store = s
	}
	if a.factory == nil {
		a.factory = httpnet.Factory()
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = telemetry.New(a.registry)

	a.client = client.New(client.Options{
		Store:           a.store,
		Factory:         a.factory,
		Capacities:      cfg.Capacities(),
		NetworkDefaults: cfg.NetworkOptions(),
		RateLimits:      cfg.RateLimits(),
		PageSize:        cfg.Feed.PageSize,
		PageTTL:         cfg.Feed.PageTTL.Duration(),
		Metrics:         a.metrics,
	})
	if err := a.client.Load(ctx); err != nil {
		_ = a.store.Close()
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	maint, err := maintenance.New(a.client.Cache(), maintenance.Config{
		Cron:       cfg.Maintenance.Cron,
		PageMaxAge: cfg.Feed.PageTTL.Duration() * pageMaxAgeFactor,
	}, maintenance.WithMetrics(a.metrics))
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.maint = maint
	return a, nil
}

func openStore(sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case "memory":
		logger.Warn("durability_disabled", "durability", "memory store, state is lost on exit")
		return store.NewMemory(), nil
	case "pebble":
		p, err := store.OpenPebble(sc.Path, store.PebbleOptions{
			DisableWAL: sc.DisableWAL,
			CacheSize:  sc.CacheSize.Int64(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open pebble at %s: %w", sc.Path, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

// Client exposes the wired core.
func (a *App) Client() *client.Client { return a.client }

// Maintenance exposes the scheduled maintenance manager.
func (a *App) Maintenance() *maintenance.Manager { return a.maint }

func (a *App) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *App) setState(s string) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Run serves until ctx is cancelled or the ops server fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	if a.eff.Config.MaintenanceEnabled() {
		a.stopMaint = a.maint.Start(ctx)
	}

	var errCh <-chan error
	if a.eff.Config.MetricsEnabled() || a.listener != nil {
		errCh = a.startHTTP()
	}
	a.setState("running")
	logger.Info("app_started", "source", a.eff.Source, "accounts", len(a.client.Accounts()))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("ops_server_failed", "error", err)
			runErr = err
		}
	}
	if err := a.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
