// Package accounts owns the local identities: their stable order, their
// unique names and which one is active.
//
// Three metadata records back the registry in the accountsMetadata
// namespace: accountIds (ordered ids), accountNamesToAccountIds and
// activeAccountId. Each account record lives under its id in the accounts
// namespace. Every mutation writes all records it touches in one store batch
// while holding the registry's writer lock, and the published snapshot is
// replaced only after the batch commits.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"feedsync/pkg/identity"
	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/network"
	"feedsync/pkg/store"
	"feedsync/pkg/syncerr"
	"feedsync/pkg/view"
)

const (
	keyAccountIDs  = "accountIds"
	keyActiveID    = "activeAccountId"
	keyNamesToIDs  = "accountNamesToAccountIds"
	defaultNameFmt = "Account %d"
)

// DeleteHook runs after an account is deleted, e.g. to drop its history.
type DeleteHook func(ctx context.Context, accountID string) error

type clientEntry struct {
	opts   models.NetworkOptions
	client network.Client
}

// Registry is safe for concurrent use.
type Registry struct {
	store    store.Store
	factory  network.Factory
	netOpts  models.NetworkOptions
	limits   map[models.Kind]models.RateLimit
	now      func() time.Time
	generate func() (identity.Identity, error)
	onDelete []DeleteHook

	mu      sync.Mutex // single writer
	clients map[string]clientEntry
	state   *view.Value[State]
}

type Option func(*Registry)

// WithNetworkDefaults sets the network options given to new accounts.
func WithNetworkDefaults(opts models.NetworkOptions) Option {
	return func(r *Registry) { r.netOpts = opts }
}

// WithDefaultRateLimits sets the rate limits given to new accounts.
func WithDefaultRateLimits(limits map[models.Kind]models.RateLimit) Option {
	return func(r *Registry) { r.limits = limits }
}

// WithDeleteHook registers h to run after DeleteAccount commits.
func WithDeleteHook(h DeleteHook) Option {
	return func(r *Registry) { r.onDelete = append(r.onDelete, h) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithGenerator replaces identity.Generate.
func WithGenerator(gen func() (identity.Identity, error)) Option {
	return func(r *Registry) { r.generate = gen }
}

// New returns an unloaded registry. factory may be nil, in which case
// accounts carry no client.
func New(s store.Store, factory network.Factory, opts ...Option) *Registry {
	r := &Registry{
		store:    s,
		factory:  factory,
		now:      time.Now,
		generate: identity.Generate,
		clients:  make(map[string]clientEntry),
		state:    view.NewValue(emptyState()),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Snapshot returns the current state.
func (r *Registry) Snapshot() State {
	return r.state.Snapshot()
}

// Subscribe streams state snapshots, latest wins.
func (r *Registry) Subscribe() (<-chan State, func()) {
	return r.state.Subscribe()
}

// Account returns the account with id.
func (r *Registry) Account(id string) (Account, bool) {
	a, ok := r.state.Snapshot().Accounts[id]
	return a, ok
}

// Loaded reports whether LoadOrInitialize has completed.
func (r *Registry) Loaded() bool {
	return r.state.Snapshot().Loaded
}

// LoadOrInitialize reads the persisted registry. On first use it creates
// "Account 1" and makes it active.
func (r *Registry) LoadOrInitialize(ctx context.Context) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(ctx); err != nil {
		return State{}, err
	}
	return r.state.Snapshot(), nil
}

func (r *Registry) ensureLoaded(ctx context.Context) (State, error) {
	cur := r.state.Snapshot()
	if cur.Loaded {
		return cur, nil
	}
	if err := r.loadLocked(ctx); err != nil {
		return State{}, err
	}
	return r.state.Snapshot(), nil
}

func (r *Registry) loadLocked(ctx context.Context) error {
	var ids []string
	err := store.GetJSON(ctx, r.store, store.NSAccountsMetadata, keyAccountIDs, &ids)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return syncerr.Transient("read account ids", err)
	}
	if len(ids) == 0 {
		_, err := r.createLocked(ctx, emptyState(), "")
		if err != nil {
			return err
		}
		logger.Info("accounts_initialized", "accounts", 1)
		return nil
	}

	next := emptyState()
	next.Loaded = true
	for _, id := range ids {
		var acc models.Account
		if err := store.GetJSON(ctx, r.store, store.NSAccounts, id, &acc); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				logger.Warn("account_record_missing", "id", id)
				continue
			}
			return syncerr.Transient("read account "+id, err)
		}
		next.Accounts[id] = r.hydrate(acc)
		next.OrderedIDs = append(next.OrderedIDs, id)
		next.NameToID[acc.Name] = id
	}

	var stored map[string]string
	if err := store.GetJSON(ctx, r.store, store.NSAccountsMetadata, keyNamesToIDs, &stored); err != nil && !errors.Is(err, store.ErrNotFound) {
		return syncerr.Transient("read account names", err)
	}
	if !sameIndex(stored, next.NameToID) {
		// the names index is derived from the records, which win
		logger.Warn("account_index_rebuilt", "stored", len(stored), "accounts", len(next.NameToID))
	}

	var active string
	if err := store.GetJSON(ctx, r.store, store.NSAccountsMetadata, keyActiveID, &active); err != nil && !errors.Is(err, store.ErrNotFound) {
		return syncerr.Transient("read active account", err)
	}
	if _, ok := next.Accounts[active]; !ok && len(next.OrderedIDs) > 0 {
		active = next.OrderedIDs[0]
	}
	next.ActiveID = active

	r.state.Set(next)
	logger.Info("accounts_loaded", "accounts", len(next.OrderedIDs), "active", next.ActiveID)
	return nil
}

func sameIndex(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// hydrate attaches the live client, reusing the existing one while the
// account's network options are unchanged.
func (r *Registry) hydrate(acc models.Account) Account {
	out := Account{Account: acc}
	if r.factory == nil {
		return out
	}
	if e, ok := r.clients[acc.ID]; ok && e.opts == acc.Network {
		out.Client = e.client
		return out
	}
	c, err := r.factory(acc.Network)
	if err != nil {
		logger.Warn("account_network_unavailable", "id", acc.ID, "error", err)
		return out
	}
	r.clients[acc.ID] = clientEntry{opts: acc.Network, client: c}
	out.Client = c
	return out
}

// writeMetadata stages the metadata records of s into b.
func writeMetadata(b store.Batch, s State) error {
	if err := store.BatchSetJSON(b, store.NSAccountsMetadata, keyAccountIDs, s.OrderedIDs); err != nil {
		return err
	}
	if err := store.BatchSetJSON(b, store.NSAccountsMetadata, keyNamesToIDs, s.NameToID); err != nil {
		return err
	}
	if s.ActiveID == "" {
		b.Remove(store.NSAccountsMetadata, keyActiveID)
		return nil
	}
	return store.BatchSetJSON(b, store.NSAccountsMetadata, keyActiveID, s.ActiveID)
}

func (r *Registry) commit(ctx context.Context, b store.Batch, what string) error {
	if err := b.Commit(ctx); err != nil {
		logger.Error("accounts_commit_failed", "op", what, "error", err)
		return syncerr.Transient(what, err)
	}
	return nil
}

func defaultName(names map[string]string) string {
	for n := 1; ; n++ {
		name := fmt.Sprintf(defaultNameFmt, n)
		if _, taken := names[name]; !taken {
			return name
		}
	}
}

func normalizeName(name string) string {
	return strings.TrimSpace(name)
}

// CreateAccount generates a new identity named name, or the lowest unused
// "Account N" when name is empty.
func (r *Registry) CreateAccount(ctx context.Context, name string) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.ensureLoaded(ctx)
	if err != nil {
		return Account{}, err
	}
	return r.createLocked(ctx, cur, name)
}

func (r *Registry) createLocked(ctx context.Context, cur State, name string) (Account, error) {
	name = normalizeName(name)
	if name == "" {
		name = defaultName(cur.NameToID)
	} else if _, taken := cur.NameToID[name]; taken {
		return Account{}, syncerr.Conflict("duplicate account name %q", name)
	}
	id, err := r.generate()
	if err != nil {
		return Account{}, fmt.Errorf("generate identity: %w", err)
	}
	acc := models.Account{
		ID:            id.ID,
		Name:          name,
		Author:        models.Author{Address: id.Address},
		Signer:        models.Signer{Type: id.Type, PublicKey: id.PublicKey, PrivateKey: id.PrivateKey},
		Network:       r.netOpts,
		Subscriptions: []string{},
		CreatedAt:     r.now().Unix(),
	}
	if len(r.limits) > 0 {
		acc.RateLimits = make(map[models.Kind]models.RateLimit, len(r.limits))
		for k, v := range r.limits {
			acc.RateLimits[k] = v
		}
	}
	return r.addLocked(ctx, cur, acc, "create account")
}

// addLocked persists a new account and appends it to the order.
func (r *Registry) addLocked(ctx context.Context, cur State, acc models.Account, what string) (Account, error) {
	next := cur.clone()
	next.OrderedIDs = append(next.OrderedIDs, acc.ID)
	next.NameToID[acc.Name] = acc.ID
	if next.ActiveID == "" {
		next.ActiveID = acc.ID
	}
	next.Loaded = true

	b := r.store.NewBatch()
	if err := store.BatchSetJSON(b, store.NSAccounts, acc.ID, acc); err != nil {
		return Account{}, err
	}
	if err := writeMetadata(b, next); err != nil {
		return Account{}, err
	}
	if err := r.commit(ctx, b, what); err != nil {
		return Account{}, err
	}
	hydrated := r.hydrate(acc)
	next.Accounts[acc.ID] = hydrated
	r.state.Set(next)
	logger.Info("account_created", "id", acc.ID, "name", acc.Name, "active", next.ActiveID == acc.ID)
	return hydrated, nil
}

// SetAccount replaces the stored data of account id. The id must exist; a
// rename must not collide with another account.
func (r *Registry) SetAccount(ctx context.Context, id string, acc models.Account) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.ensureLoaded(ctx)
	if err != nil {
		return Account{}, err
	}
	return r.setLocked(ctx, cur, id, acc)
}

func (r *Registry) setLocked(ctx context.Context, cur State, id string, acc models.Account) (Account, error) {
	old, ok := cur.Accounts[id]
	if !ok {
		return Account{}, syncerr.Conflict("account %s does not exist", id)
	}
	if acc.ID == "" {
		acc.ID = id
	}
	if acc.ID != id {
		return Account{}, syncerr.Validation("account id %s cannot change to %s", id, acc.ID)
	}
	acc.Name = normalizeName(acc.Name)
	if acc.Name == "" {
		return Account{}, syncerr.Validation("account name is empty")
	}
	next := cur.clone()
	renamed := acc.Name != old.Name
	if renamed {
		if _, taken := cur.NameToID[acc.Name]; taken {
			return Account{}, syncerr.Conflict("duplicate account name %q", acc.Name)
		}
		delete(next.NameToID, old.Name)
		next.NameToID[acc.Name] = id
	}

	b := r.store.NewBatch()
	if err := store.BatchSetJSON(b, store.NSAccounts, id, acc); err != nil {
		return Account{}, err
	}
	if renamed {
		if err := writeMetadata(b, next); err != nil {
			return Account{}, err
		}
	}
	if err := r.commit(ctx, b, "set account"); err != nil {
		return Account{}, err
	}

	var stored models.Account
	if err := store.GetJSON(ctx, r.store, store.NSAccounts, id, &stored); err != nil {
		return Account{}, syncerr.Transient("reread account", err)
	}
	hydrated := r.hydrate(stored)
	next.Accounts[id] = hydrated
	r.state.Set(next)
	return hydrated, nil
}

// SetActiveAccount makes the account called name active.
func (r *Registry) SetActiveAccount(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.ensureLoaded(ctx)
	if err != nil {
		return err
	}
	id, ok := cur.NameToID[name]
	if !ok {
		return syncerr.NotFound("no account named %q", name)
	}
	if cur.ActiveID == id {
		return nil
	}
	if err := store.SetJSON(ctx, r.store, store.NSAccountsMetadata, keyActiveID, id); err != nil {
		return syncerr.Transient("set active account", err)
	}
	next := cur.clone()
	next.ActiveID = id
	r.state.Set(next)
	logger.Info("account_activated", "id", id, "name", name)
	return nil
}

// SetAccountsOrder reorders the accounts. names must be exactly the current
// names in any order; otherwise nothing changes.
func (r *Registry) SetAccountsOrder(ctx context.Context, names []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.ensureLoaded(ctx)
	if err != nil {
		return err
	}
	if len(names) != len(cur.OrderedIDs) {
		return syncerr.Conflict("order has %d names, registry has %d accounts", len(names), len(cur.OrderedIDs))
	}
	seen := make(map[string]bool, len(names))
	ids := make([]string, 0, len(names))
	for _, name := range names {
		id, ok := cur.NameToID[name]
		if !ok {
			return syncerr.Conflict("unknown account name %q in order", name)
		}
		if seen[name] {
			return syncerr.Conflict("account name %q repeated in order", name)
		}
		seen[name] = true
		ids = append(ids, id)
	}
	if err := store.SetJSON(ctx, r.store, store.NSAccountsMetadata, keyAccountIDs, ids); err != nil {
		return syncerr.Transient("set accounts order", err)
	}
	next := cur.clone()
	next.OrderedIDs = ids
	r.state.Set(next)
	return nil
}

// SubscribeSource adds sourceID to the subscriptions of account name.
func (r *Registry) SubscribeSource(ctx context.Context, name, sourceID string) (Account, error) {
	return r.updateSubscriptions(ctx, name, func(subs []string) []string {
		for _, s := range subs {
			if s == sourceID {
				return subs
			}
		}
		return append(subs, sourceID)
	})
}

// UnsubscribeSource removes sourceID from the subscriptions of account name.
func (r *Registry) UnsubscribeSource(ctx context.Context, name, sourceID string) (Account, error) {
	return r.updateSubscriptions(ctx, name, func(subs []string) []string {
		out := subs[:0]
		for _, s := range subs {
			if s != sourceID {
				out = append(out, s)
			}
		}
		return out
	})
}

func (r *Registry) updateSubscriptions(ctx context.Context, name string, fn func([]string) []string) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.ensureLoaded(ctx)
	if err != nil {
		return Account{}, err
	}
	acc, ok := cur.ByName(name)
	if !ok {
		return Account{}, syncerr.NotFound("no account named %q", name)
	}
	data := acc.Account.Clone()
	data.Subscriptions = fn(data.Subscriptions)
	return r.setLocked(ctx, cur, acc.ID, data)
}
