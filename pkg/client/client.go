// Package client is the outward surface of the sync core: the accounts with
// their active selection, publish actions for the active identity, merged
// feeds and live single items.
package client

import (
	"context"
	"sync"
	"time"

	"feedsync/pkg/accounts"
	"feedsync/pkg/cache"
	"feedsync/pkg/contentsync"
	"feedsync/pkg/feed"
	"feedsync/pkg/history"
	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/network"
	"feedsync/pkg/publish"
	"feedsync/pkg/store"
	"feedsync/pkg/syncerr"
	"feedsync/pkg/telemetry"
)

// Options wires a Client.
type Options struct {
	Store   store.Store
	Factory network.Factory
	// Capacities bounds the items and pages namespaces.
	Capacities      cache.Capacities
	NetworkDefaults models.NetworkOptions
	RateLimits      map[models.Kind]models.RateLimit
	PageSize        int
	PageTTL         time.Duration
	Metrics         *telemetry.Metrics
}

type Client struct {
	cache    *cache.Cache
	registry *accounts.Registry
	history  *history.History
	engine   *publish.Engine
	syncer   *contentsync.Syncer
	opts     Options

	mu    sync.Mutex
	feeds map[*feed.Feed]struct{}
}

// New wires the components over opts.Store. Call Load before use.
func New(opts Options) *Client {
	s := store.WithMetrics(opts.Store, opts.Metrics)
	c := &Client{
		cache:   cache.New(s, opts.Capacities, cache.WithMetrics(opts.Metrics)),
		history: history.New(s),
		opts:    opts,
		feeds:   make(map[*feed.Feed]struct{}),
	}
	c.registry = accounts.New(s, opts.Factory,
		accounts.WithNetworkDefaults(opts.NetworkDefaults),
		accounts.WithDefaultRateLimits(opts.RateLimits),
		accounts.WithDeleteHook(c.history.Drop),
	)
	c.syncer = contentsync.New(c.cache, c.registry, c.history, contentsync.WithMetrics(opts.Metrics))
	c.engine = publish.New(c.registry, c.history,
		publish.WithMetrics(opts.Metrics),
		publish.WithRateLimits(opts.RateLimits),
		publish.WithReconciler(c.syncer),
		publish.WithReconciler(c),
	)
	return c
}

// Load reads or initializes the account registry.
func (c *Client) Load(ctx context.Context) error {
	_, err := c.registry.LoadOrInitialize(ctx)
	return err
}

func (c *Client) Registry() *accounts.Registry { return c.registry }
func (c *Client) Cache() *cache.Cache          { return c.cache }
func (c *Client) Syncer() *contentsync.Syncer  { return c.syncer }
func (c *Client) History() *history.History    { return c.history }

// Accounts returns every account in registry order.
func (c *Client) Accounts() []accounts.Account {
	return c.registry.Snapshot().List()
}

func (c *Client) ActiveAccount() (accounts.Account, bool) {
	return c.registry.Snapshot().Active()
}

func (c *Client) SubscribeAccounts() (<-chan accounts.State, func()) {
	return c.registry.Subscribe()
}

func (c *Client) CreateAccount(ctx context.Context, name string) (accounts.Account, error) {
	return c.registry.CreateAccount(ctx, name)
}

func (c *Client) SetAccount(ctx context.Context, id string, acc models.Account) (accounts.Account, error) {
	return c.registry.SetAccount(ctx, id, acc)
}

func (c *Client) SetActiveAccount(ctx context.Context, name string) error {
	return c.registry.SetActiveAccount(ctx, name)
}

func (c *Client) SetAccountsOrder(ctx context.Context, names []string) error {
	return c.registry.SetAccountsOrder(ctx, names)
}

func (c *Client) DeleteAccount(ctx context.Context, name string) error {
	return c.registry.DeleteAccount(ctx, name)
}

func (c *Client) ExportAccount(ctx context.Context, name string) ([]byte, error) {
	return c.registry.ExportAccount(ctx, name)
}

func (c *Client) ImportAccount(ctx context.Context, data []byte) (accounts.Account, error) {
	return c.registry.ImportAccount(ctx, data)
}

func (c *Client) active() (accounts.Account, error) {
	acc, ok := c.ActiveAccount()
	if !ok {
		return acc, syncerr.NotFound("no active account")
	}
	return acc, nil
}

// PublishContent publishes a comment as the active account. The pending
// comment shows up at once in the item view and in open feeds of its source.
func (c *Client) PublishContent(ctx context.Context, opts models.PublishOptions, onChallenge publish.ChallengeFunc, onVerification publish.VerificationFunc) (*publish.Handle, error) {
	acc, err := c.active()
	if err != nil {
		return nil, err
	}
	h, err := c.engine.PublishComment(ctx, acc.ID, opts, onChallenge, onVerification)
	if err != nil {
		return nil, err
	}
	rec := h.Record()
	c.syncer.AddPending(rec, acc.Author)
	for _, f := range c.openFeeds() {
		f.AddPending(rec, acc.Author)
	}
	// resolved before the pending entries were added
	if latest := h.Record(); latest.Resolved() {
		c.syncer.Reconcile(ctx, latest, acc.Author)
		c.Reconcile(ctx, latest, acc.Author)
	}
	return h, nil
}

// PublishVote votes as the active account.
func (c *Client) PublishVote(ctx context.Context, targetID string, vote int, onChallenge publish.ChallengeFunc, onVerification publish.VerificationFunc) (*publish.Handle, error) {
	acc, err := c.active()
	if err != nil {
		return nil, err
	}
	return c.engine.PublishVote(ctx, acc.ID, targetID, vote, onChallenge, onVerification)
}

// PublishEdit edits one of the active account's comments.
func (c *Client) PublishEdit(ctx context.Context, opts models.PublishOptions, onChallenge publish.ChallengeFunc, onVerification publish.VerificationFunc) (*publish.Handle, error) {
	acc, err := c.active()
	if err != nil {
		return nil, err
	}
	return c.engine.PublishEdit(ctx, acc.ID, opts, onChallenge, onVerification)
}

// Feed opens a merged feed read through the active account's client. With
// no sources it follows the account's subscriptions. Release it with
// CloseFeed.
func (c *Client) Feed(ctx context.Context, sources []string, sort string) (*feed.Feed, error) {
	acc, err := c.active()
	if err != nil {
		return nil, err
	}
	if acc.Client == nil {
		return nil, syncerr.Validation("account %s has no network client", acc.Name)
	}
	if len(sources) == 0 {
		sources = acc.Subscriptions
	}
	f, err := feed.New(acc.Client, c.cache, feed.Config{
		Sources:  sources,
		Sort:     sort,
		PageSize: c.opts.PageSize,
		PageTTL:  c.opts.PageTTL,
	}, feed.WithMetrics(c.opts.Metrics), feed.WithPrimer(c.syncer))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.feeds[f] = struct{}{}
	c.mu.Unlock()
	logger.Debug("feed_opened", "account", acc.ID, "sources", len(f.Config().Sources), "sort", sort)
	return f, nil
}

// CloseFeed stops routing pending content and reconciliations to f.
func (c *Client) CloseFeed(f *feed.Feed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.feeds, f)
}

func (c *Client) openFeeds() []*feed.Feed {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*feed.Feed, 0, len(c.feeds))
	for f := range c.feeds {
		out = append(out, f)
	}
	return out
}

// Reconcile forwards a confirmed id to every open feed.
func (c *Client) Reconcile(ctx context.Context, rec models.PendingRecord, author models.Author) {
	for _, f := range c.openFeeds() {
		f.Reconcile(ctx, rec, author)
	}
}

// Item makes id available through the active account and streams its
// versions until cancel is called.
func (c *Client) Item(ctx context.Context, id string) (<-chan models.ContentItem, func(), error) {
	if !models.IsLocalID(id) {
		acc, err := c.active()
		if err != nil {
			return nil, nil, err
		}
		if err := c.syncer.Ensure(ctx, id, acc.ID); err != nil {
			return nil, nil, err
		}
	}
	ch, cancel := c.syncer.Subscribe(id)
	return ch, cancel, nil
}

// Close abandons running publications and stops item watches.
func (c *Client) Close() {
	c.engine.Close()
	c.syncer.Close()
}
