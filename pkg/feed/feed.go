// Package feed merges the paginated content trees of several sources into
// one sorted, incrementally loaded sequence.
package feed

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"feedsync/pkg/cache"
	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/syncerr"
	"feedsync/pkg/telemetry"
	"feedsync/pkg/view"
)

// DefaultPageSize is used when Config.PageSize is zero.
const DefaultPageSize = 25

// Config selects what a feed shows.
type Config struct {
	Sources  []string
	Sort     string
	PageSize int
	// PageTTL is how long a cached page is served before it is fetched
	// again. Zero keeps cached pages forever.
	PageTTL time.Duration
}

// State is the observable view of a feed.
type State struct {
	Items   []models.ContentItem
	HasMore bool
}

// Primer receives every item a feed surfaces.
type Primer interface {
	Prime(ctx context.Context, item models.ContentItem)
}

type source struct {
	id     string
	cursor string
	done   bool
	buf    []models.ContentItem
}

// Feed is safe for concurrent use; LoadMore calls are serialized.
type Feed struct {
	client  PageFetcher
	cache   *cache.Cache
	cfg     Config
	cmp     CompareFunc
	metrics *telemetry.Metrics
	primer  Primer
	now     func() time.Time

	mu      sync.Mutex
	sources []*source
	items   []models.ContentItem
	seen    map[string]struct{}
	state   *view.Value[State]
}

type Option func(*Feed)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(f *Feed) { f.metrics = m }
}

// WithPrimer hands every surfaced item to p, typically the content syncer.
func WithPrimer(p Primer) Option {
	return func(f *Feed) { f.primer = p }
}

func WithClock(now func() time.Time) Option {
	return func(f *Feed) { f.now = now }
}

// New builds a feed. Nothing is fetched until LoadMore. A nil cache fetches
// every page from the network.
func New(client PageFetcher, c *cache.Cache, cfg Config, opts ...Option) (*Feed, error) {
	if client == nil {
		return nil, syncerr.Validation("feed needs a network client")
	}
	cmpFn, ok := Comparator(cfg.Sort)
	if !ok {
		return nil, syncerr.Validation("unknown sort %q", cfg.Sort)
	}
	if cfg.PageSize < 0 {
		return nil, syncerr.Validation("page size %d is negative", cfg.PageSize)
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	f := &Feed{
		client: client,
		cache:  c,
		cmp:    cmpFn,
		now:    time.Now,
		seen:   make(map[string]struct{}),
	}
	var ids []string
	for _, id := range cfg.Sources {
		if id == "" || slices.Contains(ids, id) {
			continue
		}
		ids = append(ids, id)
		f.sources = append(f.sources, &source{id: id})
	}
	cfg.Sources = ids
	f.cfg = cfg
	f.state = view.NewValue(State{HasMore: len(f.sources) > 0})
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Config returns the normalized configuration.
func (f *Feed) Config() Config {
	cfg := f.cfg
	cfg.Sources = slices.Clone(f.cfg.Sources)
	return cfg
}

// LoadMore extends the visible items by one page size, fetching further
// upstream pages as source buffers run dry. A source that fails is left out
// of this call only. An error is returned when nothing could be added
// because sources failed.
func (f *Feed) LoadMore(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	failed := make(map[string]error)
	before := len(f.items)
	target := before + f.cfg.PageSize
	for len(f.items) < target {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, s := range f.sources {
			if len(s.buf) > 0 || s.done || failed[s.id] != nil {
				continue
			}
			if err := f.fill(ctx, s); err != nil {
				failed[s.id] = err
				logger.Warn("feed_source_failed", "source", s.id, "sort", f.cfg.Sort, "error", err)
			}
		}
		next := f.pop()
		if next == nil {
			break
		}
		if _, dup := f.seen[next.ID]; dup {
			continue
		}
		f.seen[next.ID] = struct{}{}
		f.items = append(f.items, *next)
		if f.primer != nil {
			f.primer.Prime(ctx, *next)
		}
	}
	f.publish()

	if len(f.items) == before && len(failed) > 0 {
		errs := make([]error, 0, len(failed))
		for id, err := range failed {
			errs = append(errs, fmt.Errorf("source %s: %w", id, err))
		}
		return errors.Join(errs...)
	}
	return nil
}

// fill fetches pages of s until its buffer holds something or it has no
// further pages.
func (f *Feed) fill(ctx context.Context, s *source) error {
	for len(s.buf) == 0 && !s.done {
		p, err := f.page(ctx, s.id, s.cursor)
		if errors.Is(err, errNoPage) {
			s.done = true
			return nil
		}
		if err != nil {
			return err
		}
		flat := Flatten(p, f.cfg.Sort)
		slices.SortStableFunc(flat, f.cmp)
		s.buf = flat
		if p.NextCursor == "" || p.NextCursor == s.cursor {
			s.done = true
		}
		s.cursor = p.NextCursor
	}
	return nil
}

// pop removes the head that sorts first across all source buffers.
func (f *Feed) pop() *models.ContentItem {
	var best *source
	for _, s := range f.sources {
		if len(s.buf) == 0 {
			continue
		}
		if best == nil || f.cmp(s.buf[0], best.buf[0]) < 0 {
			best = s
		}
	}
	if best == nil {
		return nil
	}
	item := best.buf[0]
	best.buf = best.buf[1:]
	return &item
}

func (f *Feed) hasMoreLocked() bool {
	for _, s := range f.sources {
		if len(s.buf) > 0 || !s.done {
			return true
		}
	}
	return false
}

func (f *Feed) publish() {
	f.state.Set(State{Items: slices.Clone(f.items), HasMore: f.hasMoreLocked()})
}

// Items returns the visible items.
func (f *Feed) Items() []models.ContentItem {
	return f.state.Snapshot().Items
}

// HasMore reports whether LoadMore could still add items.
func (f *Feed) HasMore() bool {
	return f.state.Snapshot().HasMore
}

func (f *Feed) Subscribe() (<-chan State, func()) {
	return f.state.Subscribe()
}

// AddPending shows a locally authored top-level comment for one of the
// feed's sources ahead of the loaded items.
func (f *Feed) AddPending(rec models.PendingRecord, author models.Author) {
	if rec.Kind != models.KindComment || rec.Options.ParentID != "" ||
		!slices.Contains(f.cfg.Sources, rec.Options.SourceID) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	item := rec.LocalItem(author)
	if _, dup := f.seen[item.ID]; dup {
		return
	}
	f.seen[item.ID] = struct{}{}
	f.items = append([]models.ContentItem{item}, f.items...)
	f.publish()
}

// Reconcile replaces a pending item with its confirmed id. A confirmed copy
// loaded later is then recognized as a duplicate.
func (f *Feed) Reconcile(ctx context.Context, rec models.PendingRecord, author models.Author) {
	if rec.Kind != models.KindComment || !rec.Resolved() {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	local := models.LocalID(rec.AccountID, rec.LocalIndex)
	i := slices.IndexFunc(f.items, func(it models.ContentItem) bool { return it.ID == local })
	if i < 0 {
		return
	}
	delete(f.seen, local)
	if _, dup := f.seen[rec.ResolvedID]; dup {
		f.items = slices.Delete(f.items, i, i+1)
	} else {
		f.items[i] = rec.LocalItem(author)
		f.seen[rec.ResolvedID] = struct{}{}
	}
	f.publish()
}
