// Package store defines the namespaced persistent key-value contract used by
// every component of the sync core, with a pebble-backed driver for
// production and an in-memory driver for tests and ephemeral clients.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Namespaces used by the core.
const (
	NSAccounts         = "accounts"
	NSAccountsMetadata = "accountsMetadata"
	NSItems            = "items"
	NSPages            = "pages"
)

// Store is an asynchronous-safe key/value store partitioned by namespace.
type Store interface {
	Get(ctx context.Context, ns, key string) ([]byte, error)
	Set(ctx context.Context, ns, key string, value []byte) error
	Remove(ctx context.Context, ns, key string) error
	Clear(ctx context.Context, ns string) error
	// Keys returns the keys of ns in lexicographic order.
	Keys(ctx context.Context, ns string) ([]string, error)
	// NewBatch starts a group of writes that commit atomically, possibly
	// across namespaces.
	NewBatch() Batch
	Close() error
}

// Batch collects writes applied all-or-nothing by Commit.
type Batch interface {
	Set(ns, key string, value []byte)
	Remove(ns, key string)
	Commit(ctx context.Context) error
}

// ValidateNamespace rejects namespaces that would break key encoding.
func ValidateNamespace(ns string) error {
	if ns == "" {
		return fmt.Errorf("store: empty namespace")
	}
	if strings.ContainsRune(ns, 0) {
		return fmt.Errorf("store: namespace %q contains NUL", ns)
	}
	return nil
}

// GetJSON decodes the value stored at ns/key into out.
func GetJSON(ctx context.Context, s Store, ns, key string, out any) error {
	b, err := s.Get(ctx, ns, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s/%s: %w", ns, key, err)
	}
	return nil
}

// SetJSON encodes v and stores it at ns/key.
func SetJSON(ctx context.Context, s Store, ns, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", ns, key, err)
	}
	return s.Set(ctx, ns, key, b)
}

// BatchSetJSON encodes v into the batch.
func BatchSetJSON(b Batch, ns, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", ns, key, err)
	}
	b.Set(ns, key, data)
	return nil
}
