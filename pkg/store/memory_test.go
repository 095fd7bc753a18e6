package store_test

import (
	"testing"

	"feedsync/pkg/store"
	"feedsync/pkg/store/storetest"
)

func TestMemoryConformance(t *testing.T) {
	storetest.RunConformance(t, func(t *testing.T) store.Store {
		return store.NewMemory()
	})
}
