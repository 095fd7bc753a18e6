// Package storetest holds the shared store conformance suite and a fault
// injecting wrapper used by packages that depend on store.Store.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"feedsync/pkg/store"
)

// NewStore constructs a fresh, empty store for a test.
// The returned store MUST be isolated from other tests.
type NewStore func(t *testing.T) store.Store

func RunConformance(t *testing.T, newStore NewStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("SetGetRoundTrip", func(t *testing.T) {
		s := newStore(t)
		want := []byte("hello, feedsync")
		if err := s.Set(ctx, "items", "a", want); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		got, err := s.Get(ctx, "items", "a")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Get mismatch: got %q want %q", got, want)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, "items", "missing"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ReturnedValueIsCopy", func(t *testing.T) {
		s := newStore(t)
		if err := s.Set(ctx, "items", "a", []byte("abc")); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		got, _ := s.Get(ctx, "items", "a")
		got[0] = 'z'
		again, _ := s.Get(ctx, "items", "a")
		if string(again) != "abc" {
			t.Fatalf("stored value mutated through returned slice: %q", again)
		}
	})

	t.Run("NamespacesIsolated", func(t *testing.T) {
		s := newStore(t)
		_ = s.Set(ctx, "items", "k", []byte("1"))
		_ = s.Set(ctx, "itemsX", "k", []byte("2"))
		_ = s.Set(ctx, "pages", "k", []byte("3"))

		keys, err := s.Keys(ctx, "items")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(keys) != 1 || keys[0] != "k" {
			t.Fatalf("unexpected keys %v", keys)
		}
		if err := s.Clear(ctx, "items"); err != nil {
			t.Fatalf("Clear failed: %v", err)
		}
		if _, err := s.Get(ctx, "items", "k"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected cleared key, got %v", err)
		}
		if v, err := s.Get(ctx, "itemsX", "k"); err != nil || string(v) != "2" {
			t.Fatalf("Clear leaked into sibling namespace: %q %v", v, err)
		}
		if v, err := s.Get(ctx, "pages", "k"); err != nil || string(v) != "3" {
			t.Fatalf("Clear leaked into other namespace: %q %v", v, err)
		}
	})

	t.Run("KeysSorted", func(t *testing.T) {
		s := newStore(t)
		for _, k := range []string{"c", "a", "b"} {
			if err := s.Set(ctx, "pages", k, []byte(k)); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
		}
		keys, err := s.Keys(ctx, "pages")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
			t.Fatalf("unexpected key order %v", keys)
		}
	})

	t.Run("RemoveMissingIsNoop", func(t *testing.T) {
		s := newStore(t)
		if err := s.Remove(ctx, "items", "nope"); err != nil {
			t.Fatalf("Remove of missing key failed: %v", err)
		}
	})

	t.Run("BatchCommitsAcrossNamespaces", func(t *testing.T) {
		s := newStore(t)
		_ = s.Set(ctx, "accounts", "old", []byte("x"))

		b := s.NewBatch()
		b.Set("accounts", "id1", []byte("acc"))
		b.Set("accountsMetadata", "accountIds", []byte(`["id1"]`))
		b.Remove("accounts", "old")
		if err := b.Commit(ctx); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		if v, err := s.Get(ctx, "accounts", "id1"); err != nil || string(v) != "acc" {
			t.Fatalf("batched Set missing: %q %v", v, err)
		}
		if v, err := s.Get(ctx, "accountsMetadata", "accountIds"); err != nil || string(v) != `["id1"]` {
			t.Fatalf("batched Set missing: %q %v", v, err)
		}
		if _, err := s.Get(ctx, "accounts", "old"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("batched Remove not applied: %v", err)
		}
	})

	t.Run("BatchRejectsBadNamespace", func(t *testing.T) {
		s := newStore(t)
		b := s.NewBatch()
		b.Set("accounts", "id1", []byte("acc"))
		b.Set("", "k", []byte("v"))
		if err := b.Commit(ctx); err == nil {
			t.Fatalf("expected Commit to fail on empty namespace")
		}
		if _, err := s.Get(ctx, "accounts", "id1"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("failed batch partially applied: %v", err)
		}
	})

	t.Run("ClosedStore", func(t *testing.T) {
		s := newStore(t)
		if err := s.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if _, err := s.Get(ctx, "items", "a"); !errors.Is(err, store.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	})
}
