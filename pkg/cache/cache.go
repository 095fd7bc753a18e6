// Package cache is a size-bounded key/value cache persisted through a
// store.Store, evicting least recently used entries per namespace.
//
// Every entry is stored as a record holding the value and a per-namespace
// access counter. The in-memory recency list of a namespace is rebuilt from
// those records the first time the namespace is touched.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"feedsync/pkg/logger"
	"feedsync/pkg/store"
	"feedsync/pkg/syncerr"
	"feedsync/pkg/telemetry"
)

// Capacities maps a namespace to its maximum number of live entries.
// Zero or a missing namespace means unbounded.
type Capacities map[string]int

type record struct {
	Value []byte `json:"value"`
	Order uint64 `json:"order"`
}

type space struct {
	mu      sync.Mutex
	loaded  bool
	lru     *list.List // front is most recently used
	index   map[string]*list.Element
	order   uint64
	pending map[string]struct{} // evicted in memory, not yet removed from the store
}

func newSpace() *space {
	return &space{
		lru:     list.New(),
		index:   make(map[string]*list.Element),
		pending: make(map[string]struct{}),
	}
}

// Cache is safe for concurrent use. Operations on one namespace are
// serialized; different namespaces proceed independently.
type Cache struct {
	store   store.Store
	caps    Capacities
	metrics *telemetry.Metrics

	mu     sync.Mutex
	spaces map[string]*space
}

type Option func(*Cache)

// WithMetrics records hits, misses and evictions on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New returns a cache over s.
func New(s store.Store, caps Capacities, opts ...Option) *Cache {
	c := &Cache{
		store:  s,
		caps:   make(Capacities, len(caps)),
		spaces: make(map[string]*space),
	}
	for ns, n := range caps {
		c.caps[ns] = n
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// returns the namespace state, creating it if missing
func (c *Cache) space(ns string) *space {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sp, ok := c.spaces[ns]; ok {
		return sp
	}
	sp := newSpace()
	c.spaces[ns] = sp
	return sp
}

// lock returns the loaded namespace state with its mutex held.
func (c *Cache) lock(ctx context.Context, ns string) (*space, error) {
	if err := store.ValidateNamespace(ns); err != nil {
		return nil, syncerr.Validation("%v", err)
	}
	sp := c.space(ns)
	sp.mu.Lock()
	if sp.loaded {
		return sp, nil
	}
	if err := c.load(ctx, ns, sp); err != nil {
		sp.mu.Unlock()
		return nil, err
	}
	return sp, nil
}

func (c *Cache) load(ctx context.Context, ns string, sp *space) error {
	keys, err := c.store.Keys(ctx, ns)
	if err != nil {
		return syncerr.Transient("load cache namespace "+ns, err)
	}
	type entry struct {
		key   string
		order uint64
	}
	entries := make([]entry, 0, len(keys))
	for _, k := range keys {
		var rec record
		if err := store.GetJSON(ctx, c.store, ns, k, &rec); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			var se *json.SyntaxError
			var te *json.UnmarshalTypeError
			if errors.As(err, &se) || errors.As(err, &te) {
				logger.Warn("cache_record_corrupt", "namespace", ns, "key", k, "error", err)
				sp.pending[k] = struct{}{}
				continue
			}
			return syncerr.Transient("load cache record", err)
		}
		entries = append(entries, entry{key: k, order: rec.Order})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	for _, e := range entries {
		sp.index[e.key] = sp.lru.PushFront(e.key)
		if e.order > sp.order {
			sp.order = e.order
		}
	}
	sp.loaded = true
	// a previous process may have died with evictions outstanding
	c.evictLocked(ctx, ns, sp)
	logger.Debug("cache_namespace_loaded", "namespace", ns, "entries", sp.lru.Len(), "pending", len(sp.pending))
	return nil
}

// Get returns the value at key and marks it most recently used.
func (c *Cache) Get(ctx context.Context, ns, key string) ([]byte, bool, error) {
	sp, err := c.lock(ctx, ns)
	if err != nil {
		return nil, false, err
	}
	defer sp.mu.Unlock()

	el, ok := sp.index[key]
	if !ok {
		c.metrics.CacheMiss(ns)
		return nil, false, nil
	}
	var rec record
	if err := store.GetJSON(ctx, c.store, ns, key, &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// removed behind our back
			sp.lru.Remove(el)
			delete(sp.index, key)
			c.metrics.CacheMiss(ns)
			return nil, false, nil
		}
		return nil, false, syncerr.Transient("cache read", err)
	}
	sp.order++
	rec.Order = sp.order
	sp.lru.MoveToFront(el)
	if err := store.SetJSON(ctx, c.store, ns, key, rec); err != nil {
		// recency is still correct in memory; it is rewritten on the next access
		logger.Warn("cache_touch_failed", "namespace", ns, "key", key, "error", err)
	}
	c.metrics.CacheHit(ns)
	return rec.Value, true, nil
}

// Peek returns the value at key without changing its recency.
func (c *Cache) Peek(ctx context.Context, ns, key string) ([]byte, bool, error) {
	sp, err := c.lock(ctx, ns)
	if err != nil {
		return nil, false, err
	}
	defer sp.mu.Unlock()
	if _, ok := sp.index[key]; !ok {
		return nil, false, nil
	}
	var rec record
	if err := store.GetJSON(ctx, c.store, ns, key, &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, syncerr.Transient("cache read", err)
	}
	return rec.Value, true, nil
}

// Set writes value at key, marks it most recently used, then evicts least
// recently used entries until the namespace is within capacity. The new
// entry is durable before any eviction is attempted; eviction failures are
// logged and retried by the next mutating call.
func (c *Cache) Set(ctx context.Context, ns, key string, value []byte) error {
	sp, err := c.lock(ctx, ns)
	if err != nil {
		return err
	}
	defer sp.mu.Unlock()
	c.retryPendingLocked(ctx, ns, sp)

	order := sp.order + 1
	if err := store.SetJSON(ctx, c.store, ns, key, record{Value: value, Order: order}); err != nil {
		return syncerr.Transient("cache write", err)
	}
	sp.order = order
	delete(sp.pending, key)
	if el, ok := sp.index[key]; ok {
		sp.lru.MoveToFront(el)
	} else {
		sp.index[key] = sp.lru.PushFront(key)
	}
	c.evictLocked(ctx, ns, sp)
	return nil
}

func (c *Cache) evictLocked(ctx context.Context, ns string, sp *space) {
	limit := c.caps[ns]
	if limit <= 0 {
		return
	}
	for sp.lru.Len() > limit {
		back := sp.lru.Back()
		key := back.Value.(string)
		sp.lru.Remove(back)
		delete(sp.index, key)
		if err := c.store.Remove(ctx, ns, key); err != nil {
			sp.pending[key] = struct{}{}
			c.metrics.CacheEvictionFailed(ns)
			logger.Warn("cache_eviction_failed", "namespace", ns, "key", key, "error", err)
			continue
		}
		c.metrics.CacheEvicted(ns)
	}
}

func (c *Cache) retryPendingLocked(ctx context.Context, ns string, sp *space) {
	for key := range sp.pending {
		if err := c.store.Remove(ctx, ns, key); err != nil {
			logger.Warn("cache_eviction_retry_failed", "namespace", ns, "key", key, "error", err)
			continue
		}
		delete(sp.pending, key)
		c.metrics.CacheEvicted(ns)
	}
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, ns, key string) error {
	sp, err := c.lock(ctx, ns)
	if err != nil {
		return err
	}
	defer sp.mu.Unlock()
	c.retryPendingLocked(ctx, ns, sp)
	if err := c.store.Remove(ctx, ns, key); err != nil {
		return syncerr.Transient("cache delete", err)
	}
	if el, ok := sp.index[key]; ok {
		sp.lru.Remove(el)
		delete(sp.index, key)
	}
	delete(sp.pending, key)
	return nil
}

// Keys returns the live keys of ns from least to most recently used, which
// is also eviction order.
func (c *Cache) Keys(ctx context.Context, ns string) ([]string, error) {
	sp, err := c.lock(ctx, ns)
	if err != nil {
		return nil, err
	}
	defer sp.mu.Unlock()
	keys := make([]string, 0, sp.lru.Len())
	for el := sp.lru.Back(); el != nil; el = el.Prev() {
		keys = append(keys, el.Value.(string))
	}
	return keys, nil
}

// Len returns the number of live keys in ns.
func (c *Cache) Len(ctx context.Context, ns string) (int, error) {
	sp, err := c.lock(ctx, ns)
	if err != nil {
		return 0, err
	}
	defer sp.mu.Unlock()
	return sp.lru.Len(), nil
}

// Clear removes every entry of ns.
func (c *Cache) Clear(ctx context.Context, ns string) error {
	if err := store.ValidateNamespace(ns); err != nil {
		return syncerr.Validation("%v", err)
	}
	sp := c.space(ns)
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if err := c.store.Clear(ctx, ns); err != nil {
		return syncerr.Transient("cache clear", err)
	}
	sp.lru.Init()
	sp.index = make(map[string]*list.Element)
	sp.pending = make(map[string]struct{})
	sp.order = 0
	sp.loaded = true
	return nil
}

// Sweep retries outstanding evictions in every loaded namespace and returns
// how many are still outstanding.
func (c *Cache) Sweep(ctx context.Context) int {
	c.mu.Lock()
	names := make([]string, 0, len(c.spaces))
	for ns := range c.spaces {
		names = append(names, ns)
	}
	c.mu.Unlock()
	sort.Strings(names)

	left := 0
	for _, ns := range names {
		sp := c.space(ns)
		sp.mu.Lock()
		if sp.loaded {
			c.retryPendingLocked(ctx, ns, sp)
			left += len(sp.pending)
		}
		sp.mu.Unlock()
	}
	return left
}
