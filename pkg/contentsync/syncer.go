// Package contentsync keeps single content items fresh: it serves them from
// the bounded cache or the network, publishes them into an observable view
// and follows the network's updates, accepting a version only when its
// updatedAt is strictly newer than the one held.
package contentsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"feedsync/pkg/accounts"
	"feedsync/pkg/cache"
	"feedsync/pkg/history"
	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/network"
	"feedsync/pkg/store"
	"feedsync/pkg/syncerr"
	"feedsync/pkg/telemetry"
	"feedsync/pkg/view"
)

// AccountSource resolves the account whose client fetches an item.
type AccountSource interface {
	Account(id string) (accounts.Account, bool)
}

type flight struct {
	itemID, accountID string
}

// Syncer is safe for concurrent use.
type Syncer struct {
	cache    *cache.Cache
	accounts AccountSource
	history  *history.History
	metrics  *telemetry.Metrics
	items    *view.Map[string, models.ContentItem]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[flight]struct{}
	watching map[string]context.CancelFunc
}

type Option func(*Syncer)

// WithMetrics counts accepted and rejected updates on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Syncer) { s.metrics = m }
}

func New(c *cache.Cache, accts AccountSource, h *history.History, opts ...Option) *Syncer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Syncer{
		cache:    c,
		accounts: accts,
		history:  h,
		items:    view.NewMap[string, models.ContentItem](),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[flight]struct{}),
		watching: make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Item returns the item held in the view.
func (s *Syncer) Item(id string) (models.ContentItem, bool) {
	return s.items.Get(id)
}

// Subscribe streams the versions of item id held in the view.
func (s *Syncer) Subscribe(id string) (<-chan models.ContentItem, func()) {
	return s.items.Subscribe(id)
}

// Ensure makes item id available in the view and keeps it live. It is a
// no-op when the item is already held or a fetch for the same item and
// account is outstanding.
func (s *Syncer) Ensure(ctx context.Context, itemID, accountID string) error {
	if _, ok := s.items.Get(itemID); ok {
		return nil
	}
	key := flight{itemID, accountID}
	s.mu.Lock()
	if _, busy := s.inflight[key]; busy {
		s.mu.Unlock()
		return nil
	}
	s.inflight[key] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}()

	acc, ok := s.accounts.Account(accountID)
	if !ok {
		return syncerr.NotFound("account %s", accountID)
	}

	item, found, err := s.cached(ctx, itemID)
	if err != nil {
		return err
	}
	if !found {
		if acc.Client == nil {
			return fmt.Errorf("account %s has no network client", accountID)
		}
		item, err = acc.Client.FetchItem(ctx, itemID)
		if errors.Is(err, network.ErrNotFound) {
			return syncerr.NotFound("item %s", itemID)
		}
		if err != nil {
			logger.Warn("item_fetch_failed", "item", itemID, "account", accountID, "error", err)
			return fmt.Errorf("fetch item %s: %w", itemID, err)
		}
	}
	s.apply(ctx, item)
	s.recognize(ctx, acc, item)
	s.watch(acc, itemID)
	return nil
}

func (s *Syncer) cached(ctx context.Context, id string) (models.ContentItem, bool, error) {
	var item models.ContentItem
	raw, ok, err := s.cache.Get(ctx, store.NSItems, id)
	if err != nil || !ok {
		return item, false, err
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		logger.Warn("cached_item_corrupt", "item", id, "error", err)
		return item, false, nil
	}
	return item, true, nil
}

// apply publishes item if it is newer than the held version and persists it.
func (s *Syncer) apply(ctx context.Context, item models.ContentItem) bool {
	_, accepted := s.items.Update(item.ID, func(cur models.ContentItem, ok bool) (models.ContentItem, bool) {
		if ok && item.UpdatedAt <= cur.UpdatedAt {
			return cur, false
		}
		return item, true
	})
	s.metrics.SyncUpdate(accepted)
	if !accepted {
		logger.Debug("item_update_ignored", "item", item.ID, "updatedAt", item.UpdatedAt)
		return false
	}
	raw, err := json.Marshal(item)
	if err != nil {
		logger.Error("item_encode_failed", "item", item.ID, "error", err)
		return true
	}
	if err := s.cache.Set(ctx, store.NSItems, item.ID, raw); err != nil {
		logger.Warn("item_persist_failed", "item", item.ID, "error", err)
	}
	return true
}

// recognize records the permanent id of an item this account authored
// while its publication was still unresolved locally.
func (s *Syncer) recognize(ctx context.Context, acc accounts.Account, item models.ContentItem) {
	if s.history == nil || item.Author.Address != acc.Author.Address {
		return
	}
	own, err := s.history.IsOwn(ctx, acc.ID, item.ID)
	if err != nil || own {
		return
	}
	rec, ok, err := s.history.MatchUnresolved(ctx, acc.ID, item.Fingerprint())
	if err != nil || !ok {
		return
	}
	if _, err := s.history.Resolve(ctx, acc.ID, rec.Kind, rec.LocalIndex, item.ID); err != nil {
		logger.Warn("own_item_resolve_failed", "item", item.ID, "account", acc.ID, "error", err)
		return
	}
	s.items.Delete(models.LocalID(acc.ID, rec.LocalIndex))
	logger.Info("own_item_recognized", "item", item.ID, "account", acc.ID, "index", rec.LocalIndex)
}

func (s *Syncer) watch(acc accounts.Account, id string) {
	if acc.Client == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watching[id]; ok || s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	updates, err := acc.Client.WatchItem(ctx, id)
	if err != nil {
		cancel()
		logger.Warn("item_watch_failed", "item", id, "error", err)
		return
	}
	s.watching[id] = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for item := range updates {
			if item.ID == "" {
				item.ID = id
			}
			s.apply(ctx, item)
		}
	}()
}

// Release stops following item id; the held version stays in the view.
func (s *Syncer) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.watching[id]; ok {
		cancel()
		delete(s.watching, id)
	}
}

// Prime publishes an item obtained elsewhere, e.g. in a feed page.
func (s *Syncer) Prime(ctx context.Context, item models.ContentItem) {
	if item.ID == "" {
		return
	}
	s.apply(ctx, item)
}

// AddPending publishes a locally authored comment under its local id.
func (s *Syncer) AddPending(rec models.PendingRecord, author models.Author) {
	if rec.Kind != models.KindComment {
		return
	}
	item := rec.LocalItem(author)
	s.items.Set(item.ID, item)
}

// Reconcile moves a pending comment from its local id to the permanent id.
func (s *Syncer) Reconcile(ctx context.Context, rec models.PendingRecord, author models.Author) {
	if rec.Kind != models.KindComment || !rec.Resolved() {
		return
	}
	local := models.LocalID(rec.AccountID, rec.LocalIndex)
	if _, ok := s.items.Get(local); !ok {
		return
	}
	s.items.Delete(local)
	s.items.Update(rec.ResolvedID, func(cur models.ContentItem, ok bool) (models.ContentItem, bool) {
		if ok {
			return cur, false
		}
		return rec.LocalItem(author), true
	})
}

// Close stops every watch and waits for them.
func (s *Syncer) Close() {
	s.mu.Lock()
	s.cancel()
	s.watching = make(map[string]context.CancelFunc)
	s.mu.Unlock()
	s.wg.Wait()
}
