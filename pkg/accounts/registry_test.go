package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedsync/pkg/models"
	"feedsync/pkg/network/nettest"
	"feedsync/pkg/store"
	"feedsync/pkg/store/storetest"
	"feedsync/pkg/syncerr"
)

func loaded(t *testing.T, s store.Store, opts ...Option) *Registry {
	t.Helper()
	r := New(s, nettest.New().Factory(), opts...)
	_, err := r.LoadOrInitialize(context.Background())
	require.NoError(t, err)
	return r
}

func TestLoadOrInitializeCreatesDefault(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r := New(s, nettest.New().Factory())

	st, err := r.LoadOrInitialize(ctx)
	require.NoError(t, err)
	require.Len(t, st.OrderedIDs, 1)
	active, ok := st.Active()
	require.True(t, ok)
	assert.Equal(t, "Account 1", active.Name)
	assert.NotNil(t, active.Client)
	assert.NotEmpty(t, active.Author.Address)

	// a second load reads the same account back
	again, err := New(s, nil).LoadOrInitialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, st.OrderedIDs, again.OrderedIDs)
	assert.Equal(t, st.ActiveID, again.ActiveID)
	a, _ := again.Active()
	assert.Nil(t, a.Client)
	assert.Equal(t, active.Signer.PrivateKey, a.Signer.PrivateKey)
}

func TestDefaultNameGapFilling(t *testing.T) {
	ctx := context.Background()
	r := loaded(t, store.NewMemory())

	two, err := r.CreateAccount(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "Account 2", two.Name)
	three, err := r.CreateAccount(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "Account 3", three.Name)

	renamed := two.Account.Clone()
	renamed.Name = "Alice"
	_, err = r.SetAccount(ctx, two.ID, renamed)
	require.NoError(t, err)

	next, err := r.CreateAccount(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "Account 2", next.Name)

	last, err := r.CreateAccount(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "Account 4", last.Name)
	assert.Equal(t, []string{"Account 1", "Alice", "Account 3", "Account 2", "Account 4"}, r.Snapshot().Names())
}

func TestDuplicateNameRejected(t *testing.T) {
	ctx := context.Background()
	r := loaded(t, store.NewMemory())
	before := r.Snapshot().OrderedIDs

	_, err := r.CreateAccount(ctx, "Account 1")
	assert.ErrorIs(t, err, syncerr.ErrConflict)
	assert.Equal(t, before, r.Snapshot().OrderedIDs)

	_, err = r.CreateAccount(ctx, "  Account 1 ")
	assert.ErrorIs(t, err, syncerr.ErrConflict)
}

func TestSetAccountsOrderAtomic(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r := loaded(t, s)
	_, err := r.CreateAccount(ctx, "b")
	require.NoError(t, err)
	_, err = r.CreateAccount(ctx, "c")
	require.NoError(t, err)
	original := r.Snapshot().Names()

	for _, bad := range [][]string{
		{"c", "b"},
		{"c", "b", "Account 1", "d"},
		{"c", "b", "Account1"},
		{"c", "c", "b"},
	} {
		err := r.SetAccountsOrder(ctx, bad)
		assert.ErrorIs(t, err, syncerr.ErrConflict, "%v", bad)
		assert.Equal(t, original, r.Snapshot().Names())
	}

	require.NoError(t, r.SetAccountsOrder(ctx, []string{"c", "Account 1", "b"}))
	assert.Equal(t, []string{"c", "Account 1", "b"}, r.Snapshot().Names())

	fresh := loaded(t, s)
	assert.Equal(t, []string{"c", "Account 1", "b"}, fresh.Snapshot().Names())
}

func TestSetAccountRequiresExisting(t *testing.T) {
	ctx := context.Background()
	r := loaded(t, store.NewMemory())
	_, err := r.SetAccount(ctx, "nope", models.Account{Name: "x"})
	assert.ErrorIs(t, err, syncerr.ErrConflict)

	a, _ := r.Snapshot().Active()
	other, err := r.CreateAccount(ctx, "other")
	require.NoError(t, err)
	clash := other.Account.Clone()
	clash.Name = a.Name
	_, err = r.SetAccount(ctx, other.ID, clash)
	assert.ErrorIs(t, err, syncerr.ErrConflict)
}

func TestSetAccountPersistsWithoutClient(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r := loaded(t, s)
	a, _ := r.Snapshot().Active()
	data := a.Account.Clone()
	data.Author.DisplayName = "dj"
	data.Network.GatewayURL = "http://gw"

	got, err := r.SetAccount(ctx, a.ID, data)
	require.NoError(t, err)
	assert.Equal(t, "dj", got.Author.DisplayName)
	assert.NotNil(t, got.Client)

	raw, err := s.Get(ctx, store.NSAccounts, a.ID)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.NotContains(t, fields, "Client")
}

func TestSetActiveAccount(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r := loaded(t, s)
	b, err := r.CreateAccount(ctx, "b")
	require.NoError(t, err)
	assert.NotEqual(t, b.ID, r.Snapshot().ActiveID, "only the first account becomes active")

	assert.ErrorIs(t, r.SetActiveAccount(ctx, "zzz"), syncerr.ErrNotFound)
	require.NoError(t, r.SetActiveAccount(ctx, "b"))
	assert.Equal(t, b.ID, r.Snapshot().ActiveID)
	assert.Equal(t, b.ID, loaded(t, s).Snapshot().ActiveID)
}

func TestFailedCommitLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	f := storetest.NewFaulty(store.NewMemory())
	r := loaded(t, f)
	before := r.Snapshot()

	f.FailAlways(storetest.OpCommit, store.NSAccountsMetadata, "")
	_, err := r.CreateAccount(ctx, "")
	assert.ErrorIs(t, err, syncerr.ErrTransientStore)
	assert.Equal(t, before.OrderedIDs, r.Snapshot().OrderedIDs)
	f.Heal()

	fresh := loaded(t, f)
	assert.Equal(t, before.OrderedIDs, fresh.Snapshot().OrderedIDs)
	assert.Len(t, fresh.Snapshot().NameToID, 1)
}

func TestDeleteAccountReassignsActive(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	var dropped []string
	r := loaded(t, s, WithDeleteHook(func(_ context.Context, id string) error {
		dropped = append(dropped, id)
		return nil
	}))
	first, _ := r.Snapshot().Active()
	second, err := r.CreateAccount(ctx, "second")
	require.NoError(t, err)

	assert.ErrorIs(t, r.DeleteAccount(ctx, "ghost"), syncerr.ErrNotFound)
	require.NoError(t, r.DeleteAccount(ctx, first.Name))

	st := r.Snapshot()
	assert.Equal(t, []string{second.ID}, st.OrderedIDs)
	assert.Equal(t, second.ID, st.ActiveID)
	assert.Equal(t, map[string]string{"second": second.ID}, st.NameToID)
	assert.Equal(t, []string{first.ID}, dropped)

	fresh := loaded(t, s)
	assert.Equal(t, st.OrderedIDs, fresh.Snapshot().OrderedIDs)
	assert.Equal(t, second.ID, fresh.Snapshot().ActiveID)

	// the freed default name is reused
	again, err := r.CreateAccount(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "Account 1", again.Name)
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := loaded(t, store.NewMemory())
	_, err := src.CreateAccount(ctx, "travel")
	require.NoError(t, err)
	data, err := src.ExportAccount(ctx, "travel")
	require.NoError(t, err)

	dst := loaded(t, store.NewMemory())
	imported, err := dst.ImportAccount(ctx, data)
	require.NoError(t, err)
	orig, _ := src.Snapshot().ByName("travel")
	assert.Equal(t, orig.ID, imported.ID)
	assert.Equal(t, orig.Author.Address, imported.Author.Address)
	assert.Equal(t, []string{"Account 1", "travel"}, dst.Snapshot().Names())

	_, err = dst.ImportAccount(ctx, data)
	assert.ErrorIs(t, err, syncerr.ErrConflict)

	// same id under a new name gets a fresh id
	var acc models.Account
	require.NoError(t, json.Unmarshal(data, &acc))
	acc.Name = "travel 2"
	renamed, _ := json.Marshal(acc)
	second, err := dst.ImportAccount(ctx, renamed)
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, second.ID)

	acc.Author.Address = "bogus"
	acc.Name = "bad"
	bad, _ := json.Marshal(acc)
	_, err = dst.ImportAccount(ctx, bad)
	assert.ErrorIs(t, err, syncerr.ErrValidation)

	// a well-formed address of another key
	other, _ := src.Snapshot().ByName("Account 1")
	acc.Author.Address = other.Author.Address
	mismatched, _ := json.Marshal(acc)
	_, err = dst.ImportAccount(ctx, mismatched)
	assert.ErrorIs(t, err, syncerr.ErrValidation)
	assert.Equal(t, []string{"Account 1", "travel", "travel 2"}, dst.Snapshot().Names())

	_, err = dst.ImportAccount(ctx, []byte("{"))
	assert.ErrorIs(t, err, syncerr.ErrValidation)
}

func TestSubscriptionsAndStateStream(t *testing.T) {
	ctx := context.Background()
	r := loaded(t, store.NewMemory())
	ch, cancel := r.Subscribe()
	defer cancel()
	<-ch

	a, err := r.SubscribeSource(ctx, "Account 1", "music")
	require.NoError(t, err)
	_, err = r.SubscribeSource(ctx, "Account 1", "music")
	require.NoError(t, err)
	a, err = r.SubscribeSource(ctx, "Account 1", "news")
	require.NoError(t, err)
	assert.Equal(t, []string{"music", "news"}, a.Subscriptions)

	a, err = r.UnsubscribeSource(ctx, "Account 1", "music")
	require.NoError(t, err)
	assert.Equal(t, []string{"news"}, a.Subscriptions)

	st := <-ch
	got, _ := st.Active()
	assert.Equal(t, []string{"news"}, got.Subscriptions)
}

func TestLoadRebuildsMissingActive(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r := loaded(t, s)
	require.NoError(t, s.Remove(ctx, store.NSAccountsMetadata, keyActiveID))

	fresh := loaded(t, s)
	assert.Equal(t, r.Snapshot().OrderedIDs[0], fresh.Snapshot().ActiveID)
}

func requireConsistent(t *testing.T, st State) {
	t.Helper()
	require.Len(t, st.NameToID, len(st.OrderedIDs))
	require.Len(t, st.Accounts, len(st.OrderedIDs))
	for _, id := range st.OrderedIDs {
		acc, ok := st.Accounts[id]
		require.True(t, ok, id)
		assert.Equal(t, id, st.NameToID[acc.Name])
	}
	for name, id := range st.NameToID {
		acc, ok := st.Accounts[id]
		require.True(t, ok, name)
		assert.Equal(t, name, acc.Name)
	}
	assert.Contains(t, st.Accounts, st.ActiveID)
}

func TestConcurrentMutationsStayConsistent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r := loaded(t, s)

	// errors from racing against another writer's change
	expected := func(err error) bool {
		return err == nil || errors.Is(err, syncerr.ErrConflict) || errors.Is(err, syncerr.ErrNotFound)
	}
	// pick returns a worker-created account, leaving "Account 1" alone so the
	// registry never empties
	pick := func(st State, n int) (Account, bool) {
		var owned []Account
		for _, acc := range st.List() {
			if strings.HasPrefix(acc.Name, "w") {
				owned = append(owned, acc)
			}
		}
		if len(owned) == 0 {
			return Account{}, false
		}
		return owned[n%len(owned)], true
	}

	const workers, rounds = 8, 30
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				var err error
				switch (w + i) % 5 {
				case 0, 1:
					_, err = r.CreateAccount(ctx, fmt.Sprintf("w%d-%d", w, i))
				case 2:
					if acc, ok := pick(r.Snapshot(), i); ok {
						m := acc.Account
						m.Name = fmt.Sprintf("w%d-%d-renamed", w, i)
						_, err = r.SetAccount(ctx, acc.ID, m)
					}
				case 3:
					names := r.Snapshot().Names()
					for a, b := 0, len(names)-1; a < b; a, b = a+1, b-1 {
						names[a], names[b] = names[b], names[a]
					}
					err = r.SetAccountsOrder(ctx, names)
					if err == nil && len(names) > 0 {
						err = r.SetActiveAccount(ctx, names[0])
					}
				case 4:
					if acc, ok := pick(r.Snapshot(), w); ok {
						err = r.DeleteAccount(ctx, acc.Name)
					}
				}
				assert.True(t, expected(err), "worker %d round %d: %v", w, i, err)
			}
		}(w)
	}
	wg.Wait()

	st := r.Snapshot()
	requireConsistent(t, st)
	_, ok := st.ByName("Account 1")
	require.True(t, ok)

	fresh := loaded(t, s).Snapshot()
	requireConsistent(t, fresh)
	assert.Equal(t, st.OrderedIDs, fresh.OrderedIDs)
	assert.Equal(t, st.NameToID, fresh.NameToID)
	assert.Equal(t, st.ActiveID, fresh.ActiveID)
	for id, acc := range st.Accounts {
		assert.Equal(t, acc.Name, fresh.Accounts[id].Name)
	}
}
