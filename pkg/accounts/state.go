package accounts

import (
	"feedsync/pkg/models"
	"feedsync/pkg/network"
)

// Account is a persisted account with its live network client attached.
// Client is never persisted.
type Account struct {
	models.Account
	Client network.Client `json:"-"`
}

// State is an immutable snapshot of the registry. OrderedIDs and NameToID
// always describe the same set of accounts.
type State struct {
	Accounts   map[string]Account
	OrderedIDs []string
	NameToID   map[string]string
	ActiveID   string
	Loaded     bool
}

func emptyState() State {
	return State{Accounts: map[string]Account{}, NameToID: map[string]string{}}
}

// clone copies the containers so the result can be modified freely.
func (s State) clone() State {
	out := State{
		Accounts:   make(map[string]Account, len(s.Accounts)),
		OrderedIDs: append([]string(nil), s.OrderedIDs...),
		NameToID:   make(map[string]string, len(s.NameToID)),
		ActiveID:   s.ActiveID,
		Loaded:     s.Loaded,
	}
	for k, v := range s.Accounts {
		out.Accounts[k] = v
	}
	for k, v := range s.NameToID {
		out.NameToID[k] = v
	}
	return out
}

// Active returns the active account.
func (s State) Active() (Account, bool) {
	a, ok := s.Accounts[s.ActiveID]
	return a, ok
}

// List returns the accounts in registry order.
func (s State) List() []Account {
	out := make([]Account, 0, len(s.OrderedIDs))
	for _, id := range s.OrderedIDs {
		if a, ok := s.Accounts[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Names returns account names in registry order.
func (s State) Names() []string {
	out := make([]string, 0, len(s.OrderedIDs))
	for _, a := range s.List() {
		out = append(out, a.Name)
	}
	return out
}

// ByName resolves an account by its unique name.
func (s State) ByName(name string) (Account, bool) {
	id, ok := s.NameToID[name]
	if !ok {
		return Account{}, false
	}
	a, ok := s.Accounts[id]
	return a, ok
}

func (s State) without(id string) State {
	out := s.clone()
	if a, ok := out.Accounts[id]; ok {
		delete(out.NameToID, a.Name)
	}
	delete(out.Accounts, id)
	ids := out.OrderedIDs[:0]
	for _, x := range out.OrderedIDs {
		if x != id {
			ids = append(ids, x)
		}
	}
	out.OrderedIDs = ids
	if out.ActiveID == id {
		out.ActiveID = ""
		if len(ids) > 0 {
			out.ActiveID = ids[0]
		}
	}
	return out
}
