package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"

	"feedsync/pkg/logger"
)

// PebbleOptions tunes the pebble driver.
type PebbleOptions struct {
	// DisableWAL trades durability of the last writes for throughput.
	DisableWAL bool
	// CacheSize is the block cache size in bytes; zero keeps pebble's default.
	CacheSize int64
}

// Pebble stores every namespace in one pebble database; a key is encoded as
// namespace + 0x00 + key so namespaces are contiguous ranges.
type Pebble struct {
	mu   sync.RWMutex
	db   *pebble.DB
	path string
	sync bool
}

// OpenPebble opens or creates the database at path.
func OpenPebble(path string, opts PebbleOptions) (*Pebble, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	if opts.DisableWAL {
		logger.Warn("durability_disabled", "durability", "pebble WAL disabled")
	}
	po := &pebble.Options{DisableWAL: opts.DisableWAL}
	if opts.CacheSize > 0 {
		c := pebble.NewCache(opts.CacheSize)
		defer c.Unref()
		po.Cache = c
	}
	db, err := pebble.Open(path, po)
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Pebble{db: db, path: path, sync: !opts.DisableWAL}, nil
}

// Path returns the directory the database lives in.
func (p *Pebble) Path() string { return p.path }

// Ready reports whether the database is open.
func (p *Pebble) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.db != nil
}

func encodeKey(ns, key string) []byte {
	b := make([]byte, 0, len(ns)+1+len(key))
	b = append(b, ns...)
	b = append(b, 0)
	b = append(b, key...)
	return b
}

func nsBounds(ns string) (lower, upper []byte) {
	lower = append([]byte(ns), 0)
	upper = append([]byte(ns), 1)
	return lower, upper
}

// chooses sync/no-sync WriteOptions
func (p *Pebble) writeOpt() *pebble.WriteOptions {
	if p.sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (p *Pebble) open(ctx context.Context, ns string) (*pebble.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateNamespace(ns); err != nil {
		return nil, err
	}
	if p.db == nil {
		return nil, ErrClosed
	}
	return p.db, nil
}

func (p *Pebble) Get(ctx context.Context, ns, key string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, err := p.open(ctx, ns)
	if err != nil {
		return nil, err
	}
	v, closer, err := db.Get(encodeKey(ns, key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	// copy value
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (p *Pebble) Set(ctx context.Context, ns, key string, value []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, err := p.open(ctx, ns)
	if err != nil {
		return err
	}
	return db.Set(encodeKey(ns, key), value, p.writeOpt())
}

func (p *Pebble) Remove(ctx context.Context, ns, key string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, err := p.open(ctx, ns)
	if err != nil {
		return err
	}
	return db.Delete(encodeKey(ns, key), p.writeOpt())
}

func (p *Pebble) Clear(ctx context.Context, ns string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, err := p.open(ctx, ns)
	if err != nil {
		return err
	}
	lower, upper := nsBounds(ns)
	return db.DeleteRange(lower, upper, p.writeOpt())
}

func (p *Pebble) Keys(ctx context.Context, ns string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, err := p.open(ctx, ns)
	if err != nil {
		return nil, err
	}
	lower, upper := nsBounds(ns)
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		if !bytes.HasPrefix(k, lower) {
			break
		}
		keys = append(keys, string(k[len(lower):]))
	}
	return keys, iter.Error()
}

// Namespaces lists every namespace that currently holds at least one key.
func (p *Pebble) Namespaces(ctx context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.db == nil {
		return nil, ErrClosed
	}
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for iter.First(); iter.Valid(); {
		k := iter.Key()
		i := bytes.IndexByte(k, 0)
		if i < 0 {
			iter.Next()
			continue
		}
		ns := string(k[:i])
		out = append(out, ns)
		// jump past the namespace range
		_, upper := nsBounds(ns)
		iter.SeekGE(upper)
	}
	return out, iter.Error()
}

func (p *Pebble) NewBatch() Batch {
	return &pebbleBatch{p: p}
}

// Close flushes and closes the database.
func (p *Pebble) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	if err := p.db.Flush(); err != nil {
		logger.Error("pebble_flush_failed", "error", err)
	}
	err := p.db.Close()
	p.db = nil
	return err
}

type batchOp struct {
	remove bool
	ns     string
	key    string
	value  []byte
}

type pebbleBatch struct {
	p   *Pebble
	ops []batchOp
}

func (b *pebbleBatch) Set(ns, key string, value []byte) {
	b.ops = append(b.ops, batchOp{ns: ns, key: key, value: append([]byte(nil), value...)})
}

func (b *pebbleBatch) Remove(ns, key string) {
	b.ops = append(b.ops, batchOp{remove: true, ns: ns, key: key})
}

// Commit applies all collected writes in a single pebble batch.
func (b *pebbleBatch) Commit(ctx context.Context) error {
	b.p.mu.RLock()
	defer b.p.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.p.db == nil {
		return ErrClosed
	}
	pb := b.p.db.NewBatch()
	defer pb.Close()
	for _, op := range b.ops {
		if err := ValidateNamespace(op.ns); err != nil {
			return err
		}
		var err error
		if op.remove {
			err = pb.Delete(encodeKey(op.ns, op.key), nil)
		} else {
			err = pb.Set(encodeKey(op.ns, op.key), op.value, nil)
		}
		if err != nil {
			return err
		}
	}
	if err := b.p.db.Apply(pb, b.p.writeOpt()); err != nil {
		logger.Error("pebble_apply_batch_failed", "error", err)
		return err
	}
	return nil
}
