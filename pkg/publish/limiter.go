package publish

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"feedsync/pkg/models"
)

// Per account and kind publication limiter pool.
type limiterEntry struct {
	l        *rate.Limiter
	cfg      models.RateLimit
	lastSeen time.Time
}

type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	defaults  map[models.Kind]models.RateLimit
	ttl       time.Duration
	lastPrune time.Time
	now       func() time.Time
}

func newLimiterPool(defaults map[models.Kind]models.RateLimit) *limiterPool {
	return &limiterPool{
		m:        make(map[string]*limiterEntry),
		defaults: defaults,
		ttl:      30 * time.Minute,
		now:      time.Now,
	}
}

func newLimiter(cfg models.RateLimit) *rate.Limiter {
	if cfg.Rate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.Rate), burst)
}

// get returns the limiter for the account's kind, replacing it when the
// account's configured limit changed.
func (p *limiterPool) get(acc models.Account, kind models.Kind) *rate.Limiter {
	cfg, ok := acc.RateLimits[kind]
	if !ok {
		cfg = p.defaults[kind]
	}
	key := acc.ID + "/" + string(kind)

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.pruneLocked(now)
	if e, ok := p.m[key]; ok && e.cfg == cfg {
		e.lastSeen = now
		return e.l
	}
	l := newLimiter(cfg)
	p.m[key] = &limiterEntry{l: l, cfg: cfg, lastSeen: now}
	return l
}

// drops limiters unused for longer than ttl, at most once per minute
func (p *limiterPool) pruneLocked(now time.Time) {
	if now.Sub(p.lastPrune) < time.Minute {
		return
	}
	p.lastPrune = now
	cutoff := now.Add(-p.ttl)
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
}

func (p *limiterPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
