// Package maintenance runs the periodic upkeep of the persistent caches on a
// cron schedule: retrying evictions left behind by store failures and
// dropping feed pages too old to be served.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"feedsync/pkg/cache"
	"feedsync/pkg/feed"
	"feedsync/pkg/logger"
	"feedsync/pkg/telemetry"
)

// ErrRunning is returned by RunOnce while another run is in progress.
var ErrRunning = errors.New("maintenance: run in progress")

type Config struct {
	Cron string
	// PageMaxAge is the age past which cached pages are dropped. Zero keeps
	// pages.
	PageMaxAge time.Duration
}

// Result describes one run.
type Result struct {
	Started          time.Time
	Duration         time.Duration
	PagesPruned      int
	PendingEvictions int
}

type Manager struct {
	cache   *cache.Cache
	cfg     Config
	metrics *telemetry.Metrics
	now     func() time.Time

	mu      sync.Mutex
	running bool
	last    Result
}

type Option func(*Manager)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(mg *Manager) { mg.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(mg *Manager) { mg.now = now }
}

func New(c *cache.Cache, cfg Config, opts ...Option) (*Manager, error) {
	if !gronx.IsValid(cfg.Cron) {
		return nil, fmt.Errorf("invalid maintenance cron expression: %s", cfg.Cron)
	}
	m := &Manager{cache: c, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Next returns the first scheduled run strictly after t.
func (m *Manager) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(m.cfg.Cron, t, false)
}

// Last returns the result of the latest completed run.
func (m *Manager) Last() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Start runs the schedule until ctx is done or the returned stop function
// is called; stop waits for the loop to exit.
func (m *Manager) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	logger.Info("maintenance_enabled", "cron", m.cfg.Cron, "page_max_age", m.cfg.PageMaxAge.String())
	go func() {
		defer close(done)
		m.scheduleLoop(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (m *Manager) scheduleLoop(ctx context.Context) {
	for {
		next, err := m.Next(m.now())
		if err != nil {
			logger.Error("maintenance_nexttick_failed", "cron", m.cfg.Cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		wait := next.Sub(m.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			if _, err := m.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunning) {
				logger.Error("maintenance_run_error", "error", err)
			}
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// RunOnce sweeps outstanding cache evictions and prunes stale pages now.
// Only one run happens at a time.
func (m *Manager) RunOnce(ctx context.Context) (Result, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return Result{}, ErrRunning
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	res := Result{Started: m.now()}
	logger.Info("maintenance_run_start", "run_id", fmt.Sprintf("run-%d", res.Started.UnixNano()))

	var err error
	if m.cfg.PageMaxAge > 0 {
		res.PagesPruned, err = feed.PrunePages(ctx, m.cache, m.cfg.PageMaxAge, res.Started)
	}
	res.PendingEvictions = m.cache.Sweep(ctx)
	res.Duration = m.now().Sub(res.Started)

	m.metrics.MaintenanceRun(err, float64(m.now().Unix()))
	if err != nil {
		return res, fmt.Errorf("prune pages: %w", err)
	}
	m.mu.Lock()
	m.last = res
	m.mu.Unlock()
	logger.Info("maintenance_run_done", "pages_pruned", res.PagesPruned, "pending_evictions", res.PendingEvictions, "duration", res.Duration.String())
	return res, nil
}
