package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedsync/pkg/store"
	"feedsync/pkg/store/storetest"
	"feedsync/pkg/syncerr"
	"feedsync/pkg/telemetry"
)

const ns = "items"

func set(t *testing.T, c *Cache, key string, v int) {
	t.Helper()
	require.NoError(t, c.Set(context.Background(), ns, key, []byte(fmt.Sprint(v))))
}

func get(t *testing.T, c *Cache, key string) (string, bool) {
	t.Helper()
	v, ok, err := c.Get(context.Background(), ns, key)
	require.NoError(t, err)
	return string(v), ok
}

func TestLRUCapacity(t *testing.T) {
	c := New(store.NewMemory(), Capacities{ns: 4})

	for i, k := range []string{"one", "two", "three", "four"} {
		set(t, c, k, i+1)
	}
	for _, k := range []string{"three", "four", "one", "two"} {
		_, ok := get(t, c, k)
		require.True(t, ok, k)
	}
	set(t, c, "five", 5)
	set(t, c, "six", 6)

	_, ok := get(t, c, "three")
	assert.False(t, ok)
	_, ok = get(t, c, "four")
	assert.False(t, ok)
	for k, want := range map[string]string{"one": "1", "two": "2", "five": "5", "six": "6"} {
		v, ok := get(t, c, k)
		assert.True(t, ok, k)
		assert.Equal(t, want, v, k)
	}
	n, err := c.Len(context.Background(), ns)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestCapacityNeverExceeded(t *testing.T) {
	c := New(store.NewMemory(), Capacities{ns: 3})
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		set(t, c, fmt.Sprintf("k%d", i%7), i)
		if i%3 == 0 {
			_, _, err := c.Get(ctx, ns, fmt.Sprintf("k%d", (i+2)%7))
			require.NoError(t, err)
		}
		keys, err := c.Keys(ctx, ns)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(keys), 3)
	}
}

func TestKeysInEvictionOrder(t *testing.T) {
	ctx := context.Background()
	c := New(store.NewMemory(), Capacities{ns: 3})
	set(t, c, "a", 1)
	set(t, c, "b", 2)
	set(t, c, "c", 3)
	get(t, c, "a")

	keys, err := c.Keys(ctx, ns)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, keys)

	// the first key listed is the next one evicted
	set(t, c, "d", 4)
	keys, err = c.Keys(ctx, ns)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "d"}, keys)
}

func TestMissHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	c := New(s, Capacities{ns: 2})
	_, ok := get(t, c, "nope")
	assert.False(t, ok)
	keys, err := s.Keys(ctx, ns)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestUnboundedNamespace(t *testing.T) {
	c := New(store.NewMemory(), nil)
	for i := 0; i < 20; i++ {
		set(t, c, fmt.Sprint(i), i)
	}
	n, err := c.Len(context.Background(), ns)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestEvictionFailureKeepsNewEntryAndRetries(t *testing.T) {
	ctx := context.Background()
	inner := store.NewMemory()
	faulty := storetest.NewFaulty(inner)
	reg := prometheus.NewRegistry()
	m := telemetry.New(reg)
	c := New(faulty, Capacities{ns: 2}, WithMetrics(m))

	set(t, c, "a", 1)
	set(t, c, "b", 2)
	faulty.FailAlways(storetest.OpRemove, ns, "a")
	set(t, c, "c", 3)

	// c is durable and live, a is gone from the live set but still stored
	v, err := inner.Get(ctx, ns, "c")
	require.NoError(t, err)
	assert.Contains(t, string(v), `"order"`)
	keys, err := c.Keys(ctx, ns)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, keys)
	_, ok := get(t, c, "a")
	assert.False(t, ok)
	_, err = inner.Get(ctx, ns, "a")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheEvictionFailures.WithLabelValues(ns)))

	// still failing: Sweep reports it outstanding
	assert.Equal(t, 1, c.Sweep(ctx))

	faulty.Heal()
	set(t, c, "c", 33)
	_, err = inner.Get(ctx, ns, "a")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.Equal(t, 0, c.Sweep(ctx))
}

func TestSetFailureIsTransient(t *testing.T) {
	faulty := storetest.NewFaulty(store.NewMemory())
	c := New(faulty, Capacities{ns: 2})
	set(t, c, "a", 1)
	faulty.FailTimes(storetest.OpSet, ns, "b", 1)

	err := c.Set(context.Background(), ns, "b", []byte("2"))
	assert.ErrorIs(t, err, syncerr.ErrTransientStore)
	keys, err := c.Keys(context.Background(), ns)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)
}

func TestReloadRestoresRecency(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	c := New(s, Capacities{ns: 3})
	set(t, c, "a", 1)
	set(t, c, "b", 2)
	set(t, c, "c", 3)
	get(t, c, "a")

	reloaded := New(s, Capacities{ns: 3})
	keys, err := reloaded.Keys(ctx, ns)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, keys)

	set(t, reloaded, "d", 4)
	_, ok := get(t, reloaded, "b")
	assert.False(t, ok)
}

func TestReloadTrimsToSmallerCapacity(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	c := New(s, nil)
	for _, k := range []string{"a", "b", "c", "d"} {
		set(t, c, k, 0)
	}

	small := New(s, Capacities{ns: 2})
	keys, err := small.Keys(ctx, ns)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, keys)
	stored, err := s.Keys(ctx, ns)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, stored)
}

func TestDeleteClearAndPeek(t *testing.T) {
	ctx := context.Background()
	c := New(store.NewMemory(), Capacities{ns: 3})
	set(t, c, "a", 1)
	set(t, c, "b", 2)

	v, ok, err := c.Peek(ctx, ns, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", string(v))
	keys, _ := c.Keys(ctx, ns)
	assert.Equal(t, []string{"a", "b"}, keys, "peek must not touch recency")

	require.NoError(t, c.Delete(ctx, ns, "a"))
	_, ok = get(t, c, "a")
	assert.False(t, ok)

	require.NoError(t, c.Clear(ctx, ns))
	keys, err = c.Keys(ctx, ns)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestInvalidNamespace(t *testing.T) {
	c := New(store.NewMemory(), nil)
	_, _, err := c.Get(context.Background(), "", "k")
	assert.ErrorIs(t, err, syncerr.ErrValidation)
}
