package storetest

import (
	"context"
	"errors"
	"sync"

	"feedsync/pkg/store"
)

// ErrInjected is returned by Faulty for operations matching a rule.
var ErrInjected = errors.New("storetest: injected failure")

// Op names a store operation for fault injection.
type Op string

const (
	OpGet    Op = "get"
	OpSet    Op = "set"
	OpRemove Op = "remove"
	OpClear  Op = "clear"
	OpKeys   Op = "keys"
	OpCommit Op = "commit"
)

type rule struct {
	op    Op
	ns    string
	key   string
	times int // remaining failures, <0 forever
}

// Faulty wraps a store and fails chosen operations. Empty ns or key in a rule
// match anything.
type Faulty struct {
	store.Store

	mu    sync.Mutex
	rules []*rule
	calls map[Op]int
}

func NewFaulty(inner store.Store) *Faulty {
	return &Faulty{Store: inner, calls: make(map[Op]int)}
}

// FailAlways makes every matching operation fail until Heal is called.
func (f *Faulty) FailAlways(op Op, ns, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{op: op, ns: ns, key: key, times: -1})
}

// FailTimes makes the next n matching operations fail.
func (f *Faulty) FailTimes(op Op, ns, key string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{op: op, ns: ns, key: key, times: n})
}

// Heal drops every rule.
func (f *Faulty) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = nil
}

// Calls returns how many times op was attempted.
func (f *Faulty) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Faulty) hit(op Op, ns, key string) error {
	return f.hitAny(op, []string{ns}, key)
}

func (f *Faulty) hitAny(op Op, nss []string, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	for _, r := range f.rules {
		if r.op != op || r.times == 0 {
			continue
		}
		if r.key != "" && r.key != key {
			continue
		}
		if r.ns != "" && !containsNS(nss, r.ns) {
			continue
		}
		if r.times > 0 {
			r.times--
		}
		return ErrInjected
	}
	return nil
}

func containsNS(nss []string, ns string) bool {
	for _, n := range nss {
		if n == ns {
			return true
		}
	}
	return false
}

func (f *Faulty) Get(ctx context.Context, ns, key string) ([]byte, error) {
	if err := f.hit(OpGet, ns, key); err != nil {
		return nil, err
	}
	return f.Store.Get(ctx, ns, key)
}

func (f *Faulty) Set(ctx context.Context, ns, key string, value []byte) error {
	if err := f.hit(OpSet, ns, key); err != nil {
		return err
	}
	return f.Store.Set(ctx, ns, key, value)
}

func (f *Faulty) Remove(ctx context.Context, ns, key string) error {
	if err := f.hit(OpRemove, ns, key); err != nil {
		return err
	}
	return f.Store.Remove(ctx, ns, key)
}

func (f *Faulty) Clear(ctx context.Context, ns string) error {
	if err := f.hit(OpClear, ns, ""); err != nil {
		return err
	}
	return f.Store.Clear(ctx, ns)
}

func (f *Faulty) Keys(ctx context.Context, ns string) ([]string, error) {
	if err := f.hit(OpKeys, ns, ""); err != nil {
		return nil, err
	}
	return f.Store.Keys(ctx, ns)
}

func (f *Faulty) NewBatch() store.Batch {
	return &faultyBatch{Batch: f.Store.NewBatch(), f: f}
}

type faultyBatch struct {
	store.Batch
	f   *Faulty
	nss []string
}

func (b *faultyBatch) Set(ns, key string, value []byte) {
	b.nss = append(b.nss, ns)
	b.Batch.Set(ns, key, value)
}

func (b *faultyBatch) Remove(ns, key string) {
	b.nss = append(b.nss, ns)
	b.Batch.Remove(ns, key)
}

// Commit fails when a rule matches any namespace touched by the batch.
func (b *faultyBatch) Commit(ctx context.Context) error {
	if err := b.f.hitAny(OpCommit, b.nss, ""); err != nil {
		return err
	}
	return b.Batch.Commit(ctx)
}
