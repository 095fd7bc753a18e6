// Package history keeps each account's append-only log of publications.
//
// Every account has one namespace per kind. Within a namespace, records live
// under their decimal local index, "length" holds the next index, votes are
// also indexed by "target:<id>" and resolved records by "resolved:<id>".
// The log goes straight to the store and is never subject to eviction.
package history

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/store"
	"feedsync/pkg/syncerr"
)

const (
	keyLength      = "length"
	targetPrefix   = "target:"
	resolvedPrefix = "resolved:"
)

var kinds = []models.Kind{models.KindComment, models.KindVote, models.KindEdit}

// Namespace returns the store namespace of accountID's log for kind.
func Namespace(accountID string, kind models.Kind) string {
	switch kind {
	case models.KindVote:
		return "accountVotes/" + accountID
	case models.KindEdit:
		return "accountEdits/" + accountID
	default:
		return "accountComments/" + accountID
	}
}

// History is safe for concurrent use; appends and resolutions are serialized
// per account.
type History struct {
	store store.Store
	now   func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(s store.Store) *History {
	return &History{store: s, now: time.Now, locks: make(map[string]*sync.Mutex)}
}

func (h *History) accountLock(accountID string) *sync.Mutex {
	h.locksMu.Lock()
	defer h.locksMu.Unlock()
	if l, ok := h.locks[accountID]; ok {
		return l
	}
	l := &sync.Mutex{}
	h.locks[accountID] = l
	return l
}

func (h *History) length(ctx context.Context, ns string) (int, error) {
	b, err := h.store.Get(ctx, ns, keyLength)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, syncerr.Transient("read history length", err)
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, fmt.Errorf("history length of %s: %w", ns, err)
	}
	return n, nil
}

// Append assigns the next local index to rec and persists it. Length, record
// and vote target index commit together.
func (h *History) Append(ctx context.Context, rec models.PendingRecord) (models.PendingRecord, error) {
	if rec.AccountID == "" {
		return rec, syncerr.Validation("history record without account")
	}
	if !rec.Kind.Valid() {
		return rec, syncerr.Validation("unknown kind %q", rec.Kind)
	}
	l := h.accountLock(rec.AccountID)
	l.Lock()
	defer l.Unlock()

	ns := Namespace(rec.AccountID, rec.Kind)
	n, err := h.length(ctx, ns)
	if err != nil {
		return rec, err
	}
	rec.LocalIndex = n
	if rec.CreatedAt == 0 {
		rec.CreatedAt = h.now().Unix()
	}

	b := h.store.NewBatch()
	if err := store.BatchSetJSON(b, ns, strconv.Itoa(n), rec); err != nil {
		return rec, err
	}
	b.Set(ns, keyLength, []byte(strconv.Itoa(n+1)))
	if rec.Kind == models.KindVote && rec.Options.TargetID != "" {
		b.Set(ns, targetPrefix+rec.Options.TargetID, []byte(strconv.Itoa(n)))
	}
	if err := b.Commit(ctx); err != nil {
		return rec, syncerr.Transient("append history", err)
	}
	logger.Debug("history_appended", "account", rec.AccountID, "kind", rec.Kind, "index", n)
	return rec, nil
}

// Get returns the record at index.
func (h *History) Get(ctx context.Context, accountID string, kind models.Kind, index int) (models.PendingRecord, error) {
	var rec models.PendingRecord
	err := store.GetJSON(ctx, h.store, Namespace(accountID, kind), strconv.Itoa(index), &rec)
	if errors.Is(err, store.ErrNotFound) {
		return rec, syncerr.NotFound("%s %d of account %s", kind, index, accountID)
	}
	if err != nil {
		return rec, syncerr.Transient("read history record", err)
	}
	return rec, nil
}

// Len returns the number of records of kind.
func (h *History) Len(ctx context.Context, accountID string, kind models.Kind) (int, error) {
	return h.length(ctx, Namespace(accountID, kind))
}

// List returns every record of kind in local index order.
func (h *History) List(ctx context.Context, accountID string, kind models.Kind) ([]models.PendingRecord, error) {
	n, err := h.Len(ctx, accountID, kind)
	if err != nil {
		return nil, err
	}
	out := make([]models.PendingRecord, 0, n)
	for i := 0; i < n; i++ {
		rec, err := h.Get(ctx, accountID, kind, i)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// VoteFor returns the latest vote of accountID on targetID.
func (h *History) VoteFor(ctx context.Context, accountID, targetID string) (models.PendingRecord, bool, error) {
	ns := Namespace(accountID, models.KindVote)
	b, err := h.store.Get(ctx, ns, targetPrefix+targetID)
	if errors.Is(err, store.ErrNotFound) {
		return models.PendingRecord{}, false, nil
	}
	if err != nil {
		return models.PendingRecord{}, false, syncerr.Transient("read vote index", err)
	}
	idx, err := strconv.Atoi(string(b))
	if err != nil {
		return models.PendingRecord{}, false, fmt.Errorf("vote index for %s: %w", targetID, err)
	}
	rec, err := h.Get(ctx, accountID, models.KindVote, idx)
	if err != nil {
		return models.PendingRecord{}, false, err
	}
	return rec, true, nil
}

// Resolve records the permanent id the network assigned to a record.
// Resolving again with the same id is a no-op.
func (h *History) Resolve(ctx context.Context, accountID string, kind models.Kind, index int, remoteID string) (models.PendingRecord, error) {
	if remoteID == "" {
		return models.PendingRecord{}, syncerr.Validation("empty remote id")
	}
	l := h.accountLock(accountID)
	l.Lock()
	defer l.Unlock()

	rec, err := h.Get(ctx, accountID, kind, index)
	if err != nil {
		return rec, err
	}
	if rec.ResolvedID == remoteID {
		return rec, nil
	}
	if rec.Resolved() {
		return rec, syncerr.Conflict("%s %d already resolved to %s", kind, index, rec.ResolvedID)
	}
	rec.ResolvedID = remoteID

	ns := Namespace(accountID, kind)
	b := h.store.NewBatch()
	if err := store.BatchSetJSON(b, ns, strconv.Itoa(index), rec); err != nil {
		return rec, err
	}
	b.Set(ns, resolvedPrefix+remoteID, []byte(strconv.Itoa(index)))
	if err := b.Commit(ctx); err != nil {
		return rec, syncerr.Transient("resolve history record", err)
	}
	logger.Info("history_resolved", "account", accountID, "kind", kind, "index", index, "id", remoteID)
	return rec, nil
}

// MatchUnresolved finds the newest unresolved comment of accountID whose
// fingerprint equals fp.
func (h *History) MatchUnresolved(ctx context.Context, accountID, fp string) (models.PendingRecord, bool, error) {
	n, err := h.Len(ctx, accountID, models.KindComment)
	if err != nil {
		return models.PendingRecord{}, false, err
	}
	for i := n - 1; i >= 0; i-- {
		rec, err := h.Get(ctx, accountID, models.KindComment, i)
		if err != nil {
			return models.PendingRecord{}, false, err
		}
		if !rec.Resolved() && rec.Fingerprint == fp {
			return rec, true, nil
		}
	}
	return models.PendingRecord{}, false, nil
}

// IsOwn reports whether remoteID resolves any record of accountID.
func (h *History) IsOwn(ctx context.Context, accountID, remoteID string) (bool, error) {
	for _, k := range kinds {
		_, err := h.store.Get(ctx, Namespace(accountID, k), resolvedPrefix+remoteID)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return false, syncerr.Transient("read resolved index", err)
		}
	}
	return false, nil
}

// Drop erases every log of accountID.
func (h *History) Drop(ctx context.Context, accountID string) error {
	l := h.accountLock(accountID)
	l.Lock()
	defer l.Unlock()
	for _, k := range kinds {
		if err := h.store.Clear(ctx, Namespace(accountID, k)); err != nil {
			return syncerr.Transient("drop history", err)
		}
	}
	return nil
}
