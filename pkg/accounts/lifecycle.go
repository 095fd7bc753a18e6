package accounts

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"feedsync/pkg/identity"
	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/store"
	"feedsync/pkg/syncerr"
)

// DeleteAccount removes the account called name. If it was active, the
// first remaining account becomes active. Its private key is gone for good
// unless it was exported first.
func (r *Registry) DeleteAccount(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.ensureLoaded(ctx)
	if err != nil {
		return err
	}
	acc, ok := cur.ByName(name)
	if !ok {
		return syncerr.NotFound("no account named %q", name)
	}
	next := cur.without(acc.ID)

	b := r.store.NewBatch()
	b.Remove(store.NSAccounts, acc.ID)
	if err := writeMetadata(b, next); err != nil {
		return err
	}
	if err := r.commit(ctx, b, "delete account"); err != nil {
		return err
	}
	delete(r.clients, acc.ID)
	r.state.Set(next)
	logger.Warn("account_deleted_key_lost", "id", acc.ID, "name", name, "address", acc.Author.Address, "active", next.ActiveID)

	for _, h := range r.onDelete {
		if err := h(ctx, acc.ID); err != nil {
			logger.Error("account_delete_hook_failed", "id", acc.ID, "error", err)
		}
	}
	return nil
}

// ExportAccount returns the persisted form of account name, keys included.
func (r *Registry) ExportAccount(ctx context.Context, name string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.ensureLoaded(ctx)
	if err != nil {
		return nil, err
	}
	acc, ok := cur.ByName(name)
	if !ok {
		return nil, syncerr.NotFound("no account named %q", name)
	}
	return json.MarshalIndent(acc.Account, "", "  ")
}

// ImportAccount adds an exported account. A colliding id is replaced by a
// fresh one; a colliding name is rejected. An empty name gets the next
// default name.
func (r *Registry) ImportAccount(ctx context.Context, data []byte) (Account, error) {
	var acc models.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return Account{}, syncerr.Validation("decode account: %v", err)
	}
	addr, err := identity.AddressFromPublicKey(acc.Signer.PublicKey)
	if err != nil {
		return Account{}, syncerr.Validation("imported account key: %v", err)
	}
	switch {
	case acc.Author.Address == "":
		acc.Author.Address = addr
	case !identity.ValidAddress(acc.Author.Address):
		return Account{}, syncerr.Validation("author address %q is not an address", acc.Author.Address)
	case acc.Author.Address != addr:
		return Account{}, syncerr.Validation("author address %s does not match key", acc.Author.Address)
	}
	if acc.Signer.Type == "" {
		acc.Signer.Type = identity.SignerType
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.ensureLoaded(ctx)
	if err != nil {
		return Account{}, err
	}
	acc.Name = normalizeName(acc.Name)
	if acc.Name == "" {
		acc.Name = defaultName(cur.NameToID)
	} else if _, taken := cur.NameToID[acc.Name]; taken {
		return Account{}, syncerr.Conflict("duplicate account name %q", acc.Name)
	}
	if _, taken := cur.Accounts[acc.ID]; taken || acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	if acc.Subscriptions == nil {
		acc.Subscriptions = []string{}
	}
	if acc.CreatedAt == 0 {
		acc.CreatedAt = r.now().Unix()
	}
	return r.addLocked(ctx, cur, acc, "import account")
}
