package view

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueDispatchAndSubscribe(t *testing.T) {
	v := NewValue([]string{"a"})
	ch, cancel := v.Subscribe()
	defer cancel()

	assert.Equal(t, []string{"a"}, <-ch)

	v.Dispatch(func(s []string) []string {
		return append(append([]string(nil), s...), "b")
	})
	v.Dispatch(func(s []string) []string {
		return append(append([]string(nil), s...), "c")
	})

	// latest wins
	assert.Equal(t, []string{"a", "b", "c"}, <-ch)
	assert.Equal(t, []string{"a", "b", "c"}, v.Snapshot())
	select {
	case got := <-ch:
		t.Fatalf("unexpected extra snapshot %v", got)
	default:
	}
}

func TestValueCancelClosesChannel(t *testing.T) {
	v := NewValue(1)
	ch, cancel := v.Subscribe()
	<-ch
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	v.Set(2)
	assert.Equal(t, 2, v.Snapshot())
}

func TestMapUpdateRejects(t *testing.T) {
	m := NewMap[string, int]()
	ch, cancel := m.Subscribe("x")
	defer cancel()

	m.Set("x", 5)
	assert.Equal(t, 5, <-ch)

	_, applied := m.Update("x", func(cur int, ok bool) (int, bool) {
		return 3, cur < 3
	})
	assert.False(t, applied)
	got, ok := m.Get("x")
	require.True(t, ok)
	assert.Equal(t, 5, got)
	select {
	case v := <-ch:
		t.Fatalf("rejected update was published: %d", v)
	default:
	}

	next, applied := m.Update("x", func(cur int, ok bool) (int, bool) {
		return cur + 1, ok
	})
	assert.True(t, applied)
	assert.Equal(t, 6, next)
	assert.Equal(t, 6, <-ch)
	assert.Equal(t, 1, m.Len())
}

func TestMapSubscribePrimed(t *testing.T) {
	m := NewMap[string, string]()
	m.Set("k", "v")
	ch, cancel := m.Subscribe("k")
	assert.Equal(t, "v", <-ch)
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	m.Delete("k")
	_, ok = m.Get("k")
	assert.False(t, ok)
}
