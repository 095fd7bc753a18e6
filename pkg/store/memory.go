package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store. Values are copied on the way in and out.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

func (m *Memory) check(ctx context.Context, ns string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateNamespace(ns); err != nil {
		return err
	}
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, ns, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, ns); err != nil {
		return nil, err
	}
	v, ok := m.data[ns][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(ctx context.Context, ns, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, ns); err != nil {
		return err
	}
	m.setLocked(ns, key, value)
	return nil
}

func (m *Memory) setLocked(ns, key string, value []byte) {
	bucket, ok := m.data[ns]
	if !ok {
		bucket = make(map[string][]byte)
		m.data[ns] = bucket
	}
	bucket[key] = append([]byte(nil), value...)
}

func (m *Memory) Remove(ctx context.Context, ns, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, ns); err != nil {
		return err
	}
	delete(m.data[ns], key)
	return nil
}

func (m *Memory) Clear(ctx context.Context, ns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, ns); err != nil {
		return err
	}
	delete(m.data, ns)
	return nil
}

func (m *Memory) Keys(ctx context.Context, ns string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, ns); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m.data[ns]))
	for k := range m.data[ns] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) NewBatch() Batch {
	return &memoryBatch{m: m}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memoryBatch struct {
	m   *Memory
	ops []batchOp
}

func (b *memoryBatch) Set(ns, key string, value []byte) {
	b.ops = append(b.ops, batchOp{ns: ns, key: key, value: append([]byte(nil), value...)})
}

func (b *memoryBatch) Remove(ns, key string) {
	b.ops = append(b.ops, batchOp{remove: true, ns: ns, key: key})
}

func (b *memoryBatch) Commit(ctx context.Context) error {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	for _, op := range b.ops {
		if err := b.m.check(ctx, op.ns); err != nil {
			return err
		}
	}
	for _, op := range b.ops {
		if op.remove {
			delete(b.m.data[op.ns], op.key)
			continue
		}
		b.m.setLocked(op.ns, op.key, op.value)
	}
	return nil
}
