package feed

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"feedsync/pkg/cache"
	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/network"
	"feedsync/pkg/store"
)

// PageFetcher is the part of a network client a feed needs.
type PageFetcher interface {
	FetchPage(ctx context.Context, sourceID, sort, cursor string) (models.FeedPage, error)
}

type cachedPage struct {
	Page      models.FeedPage `json:"page"`
	FetchedAt int64           `json:"fetchedAt"`
}

// PageKey is the key of a page in the pages cache namespace.
func PageKey(sourceID, sort, cursor string) string {
	return strings.Join([]string{sourceID, sort, cursor}, "|")
}

// errNoPage marks a cursor the network no longer knows.
var errNoPage = errors.New("feed: page not found")

// page returns the page for cursor, from the cache while it is fresh and
// from the network otherwise.
func (f *Feed) page(ctx context.Context, sourceID, cursor string) (models.FeedPage, error) {
	key := PageKey(sourceID, f.cfg.Sort, cursor)
	if f.cache != nil {
		raw, ok, err := f.cache.Get(ctx, store.NSPages, key)
		if err != nil {
			logger.Warn("page_cache_read_failed", "key", key, "error", err)
		}
		if ok {
			var cp cachedPage
			if err := json.Unmarshal(raw, &cp); err == nil && f.fresh(cp.FetchedAt) {
				f.metrics.PageFetch("cache")
				return cp.Page, nil
			}
		}
	}

	p, err := f.client.FetchPage(ctx, sourceID, f.cfg.Sort, cursor)
	if errors.Is(err, network.ErrNotFound) {
		f.metrics.PageFetch("missing")
		return models.FeedPage{}, errNoPage
	}
	if err != nil {
		f.metrics.PageFetch("failed")
		return models.FeedPage{}, err
	}
	f.metrics.PageFetch("network")
	if f.cache != nil {
		raw, err := json.Marshal(cachedPage{Page: p, FetchedAt: f.now().Unix()})
		if err == nil {
			err = f.cache.Set(ctx, store.NSPages, key, raw)
		}
		if err != nil {
			logger.Warn("page_cache_write_failed", "key", key, "error", err)
		}
	}
	return p, nil
}

func (f *Feed) fresh(fetchedAt int64) bool {
	if f.cfg.PageTTL <= 0 {
		return true
	}
	return f.now().Sub(time.Unix(fetchedAt, 0)) < f.cfg.PageTTL
}

// PrunePages removes cached pages fetched more than maxAge before now, and
// pages that no longer decode. It returns how many were removed.
func PrunePages(ctx context.Context, c *cache.Cache, maxAge time.Duration, now time.Time) (int, error) {
	keys, err := c.Keys(ctx, store.NSPages)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		raw, ok, err := c.Peek(ctx, store.NSPages, key)
		if err != nil {
			return removed, err
		}
		if !ok {
			continue
		}
		var cp cachedPage
		if err := json.Unmarshal(raw, &cp); err == nil && now.Sub(time.Unix(cp.FetchedAt, 0)) <= maxAge {
			continue
		}
		if err := c.Delete(ctx, store.NSPages, key); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		logger.Info("pages_pruned", "removed", removed, "max_age", maxAge.String())
	}
	return removed, nil
}
