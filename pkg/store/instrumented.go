package store

import (
	"context"

	"feedsync/pkg/telemetry"
)

// Instrumented counts every operation of the wrapped store.
type Instrumented struct {
	Store
	metrics *telemetry.Metrics
}

// WithMetrics wraps s so its operations feed m. A nil m returns s unchanged.
func WithMetrics(s Store, m *telemetry.Metrics) Store {
	if m == nil {
		return s
	}
	return &Instrumented{Store: s, metrics: m}
}

func (i *Instrumented) Get(ctx context.Context, ns, key string) ([]byte, error) {
	v, err := i.Store.Get(ctx, ns, key)
	if err == ErrNotFound {
		i.metrics.StoreOp("get", nil)
	} else {
		i.metrics.StoreOp("get", err)
	}
	return v, err
}

func (i *Instrumented) Set(ctx context.Context, ns, key string, value []byte) error {
	err := i.Store.Set(ctx, ns, key, value)
	i.metrics.StoreOp("set", err)
	return err
}

func (i *Instrumented) Remove(ctx context.Context, ns, key string) error {
	err := i.Store.Remove(ctx, ns, key)
	i.metrics.StoreOp("remove", err)
	return err
}

func (i *Instrumented) Clear(ctx context.Context, ns string) error {
	err := i.Store.Clear(ctx, ns)
	i.metrics.StoreOp("clear", err)
	return err
}

func (i *Instrumented) Keys(ctx context.Context, ns string) ([]string, error) {
	keys, err := i.Store.Keys(ctx, ns)
	i.metrics.StoreOp("keys", err)
	return keys, err
}

func (i *Instrumented) NewBatch() Batch {
	return &instrumentedBatch{Batch: i.Store.NewBatch(), metrics: i.metrics}
}

type instrumentedBatch struct {
	Batch
	metrics *telemetry.Metrics
}

func (b *instrumentedBatch) Commit(ctx context.Context) error {
	err := b.Batch.Commit(ctx)
	b.metrics.StoreOp("batch", err)
	return err
}
