// Package nettest is a scriptable in-memory content network for tests.
package nettest

import (
	"context"
	"fmt"
	"sync"

	"feedsync/pkg/models"
	"feedsync/pkg/network"
)

type pageKey struct {
	source, sort, cursor string
}

// Network implements network.Client. The zero value is not usable; call New.
type Network struct {
	mu sync.Mutex

	items    map[string]models.ContentItem
	pages    map[pageKey]models.FeedPage
	watchers map[string][]chan models.ContentItem

	verifications []bool
	deferIDs      bool
	createErr     error
	submitErr     error
	pageFailures  map[string]int
	itemFailures  map[string]int

	created      int
	submits      int
	answers      int
	pageFetches  map[string]int
	itemFetches  map[string]int
	submissions  []network.Submission
	nextID       int
	openWatchers int
}

func New() *Network {
	return &Network{
		items:        make(map[string]models.ContentItem),
		pages:        make(map[pageKey]models.FeedPage),
		watchers:     make(map[string][]chan models.ContentItem),
		pageFailures: make(map[string]int),
		itemFailures: make(map[string]int),
		pageFetches:  make(map[string]int),
		itemFetches:  make(map[string]int),
	}
}

// Factory returns a network.Factory that hands out n for every account.
func (n *Network) Factory() network.Factory {
	return func(models.NetworkOptions) (network.Client, error) { return n, nil }
}

// AddItem makes item fetchable.
func (n *Network) AddItem(item models.ContentItem) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items[item.ID] = item
}

// SetPage serves page for (source, sort, cursor).
func (n *Network) SetPage(cursor string, page models.FeedPage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pages[pageKey{page.SourceID, page.Sort, cursor}] = page
}

// ScriptVerifications queues verification outcomes; once exhausted every
// verification succeeds.
func (n *Network) ScriptVerifications(results ...bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.verifications = append(n.verifications, results...)
}

// DeferIDs makes successful verifications omit the item id, which then
// arrives in a later update event.
func (n *Network) DeferIDs(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deferIDs = v
}

// FailCreate makes CreateSubmittable fail with err; nil heals.
func (n *Network) FailCreate(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.createErr = err
}

// FailSubmit makes Submit fail with err; nil heals.
func (n *Network) FailSubmit(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submitErr = err
}

// FailPages makes the next times page fetches of source fail.
func (n *Network) FailPages(source string, times int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pageFailures[source] = times
}

// FailItem makes the next times fetches of id fail.
func (n *Network) FailItem(id string, times int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.itemFailures[id] = times
}

// PushUpdate stores item and delivers it to every watcher of its id.
func (n *Network) PushUpdate(item models.ContentItem) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items[item.ID] = item
	for _, ch := range n.watchers[item.ID] {
		select {
		case ch <- item:
		default:
		}
	}
}

// Created counts CreateSubmittable calls that returned a submittable.
func (n *Network) Created() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.created
}

// Submits counts Submit calls.
func (n *Network) Submits() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.submits
}

// Answers counts AnswerChallenge calls.
func (n *Network) Answers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.answers
}

// PageFetches counts FetchPage calls for source, failed ones included.
func (n *Network) PageFetches(source string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pageFetches[source]
}

// ItemFetches counts FetchItem calls for id.
func (n *Network) ItemFetches(id string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.itemFetches[id]
}

// Submissions returns every submission created so far.
func (n *Network) Submissions() []network.Submission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]network.Submission(nil), n.submissions...)
}

// Watchers returns the number of open WatchItem streams.
func (n *Network) Watchers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.openWatchers
}

func (n *Network) CreateSubmittable(ctx context.Context, sub network.Submission) (network.Submittable, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.createErr != nil {
		return nil, n.createErr
	}
	n.created++
	n.submissions = append(n.submissions, sub)
	return &submittable{
		n:      n,
		sub:    sub,
		events: make(chan network.Event, 8),
		reqID:  fmt.Sprintf("req-%d", n.created),
	}, nil
}

func (n *Network) FetchItem(ctx context.Context, id string) (models.ContentItem, error) {
	if err := ctx.Err(); err != nil {
		return models.ContentItem{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.itemFetches[id]++
	if n.itemFailures[id] > 0 {
		n.itemFailures[id]--
		return models.ContentItem{}, fmt.Errorf("nettest: injected fetch failure for %s", id)
	}
	item, ok := n.items[id]
	if !ok {
		return models.ContentItem{}, network.ErrNotFound
	}
	return item, nil
}

func (n *Network) WatchItem(ctx context.Context, id string) (<-chan models.ContentItem, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	in := make(chan models.ContentItem, 16)
	out := make(chan models.ContentItem)
	n.watchers[id] = append(n.watchers[id], in)
	n.openWatchers++
	go func() {
		defer close(out)
		defer n.unwatch(id, in)
		for {
			select {
			case <-ctx.Done():
				return
			case item := <-in:
				select {
				case out <- item:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (n *Network) unwatch(id string, ch chan models.ContentItem) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.watchers[id]
	for i, c := range list {
		if c == ch {
			n.watchers[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(n.watchers[id]) == 0 {
		delete(n.watchers, id)
	}
	n.openWatchers--
}

func (n *Network) FetchPage(ctx context.Context, sourceID, sort, cursor string) (models.FeedPage, error) {
	if err := ctx.Err(); err != nil {
		return models.FeedPage{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pageFetches[sourceID]++
	if n.pageFailures[sourceID] > 0 {
		n.pageFailures[sourceID]--
		return models.FeedPage{}, fmt.Errorf("nettest: injected page failure for %s", sourceID)
	}
	page, ok := n.pages[pageKey{sourceID, sort, cursor}]
	if !ok {
		if cursor == "" {
			// an unknown source is an empty one
			return models.FeedPage{SourceID: sourceID, Sort: sort}, nil
		}
		return models.FeedPage{}, network.ErrNotFound
	}
	return page, nil
}

// nextVerification pops the scripted outcome. Caller holds n.mu.
func (n *Network) nextVerification() bool {
	if len(n.verifications) == 0 {
		return true
	}
	ok := n.verifications[0]
	n.verifications = n.verifications[1:]
	return ok
}

type submittable struct {
	n      *Network
	sub    network.Submission
	reqID  string
	mu     sync.Mutex
	events chan network.Event
	closed bool
}

func (s *submittable) emit(ev network.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

func (s *submittable) Submit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.n.mu.Lock()
	s.n.submits++
	err := s.n.submitErr
	s.n.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(network.Event{
		Kind:      network.EventChallenge,
		Challenge: &network.Challenge{RequestID: s.reqID, Type: "text/plain", Prompt: "2+2=?"},
	})
	return nil
}

func (s *submittable) AnswerChallenge(ctx context.Context, answers []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.n.mu.Lock()
	s.n.answers++
	success := s.n.nextVerification()
	v := &network.Verification{RequestID: s.reqID, Success: success}
	var update *models.ContentItem
	if success {
		s.n.nextID++
		item := itemFromSubmission(fmt.Sprintf("Qm%04d", s.n.nextID), s.sub)
		s.n.items[item.ID] = item
		if s.n.deferIDs {
			update = &item
		} else {
			v.ItemID = item.ID
		}
	} else {
		v.Reason = "wrong answer"
		v.Errors = []string{"challenge failed"}
	}
	s.n.mu.Unlock()

	s.emit(network.Event{Kind: network.EventChallengeVerification, Verification: v})
	if update != nil {
		s.emit(network.Event{Kind: network.EventUpdate, Item: update})
	}
	return nil
}

func (s *submittable) Events() <-chan network.Event {
	return s.events
}

func (s *submittable) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func itemFromSubmission(id string, sub network.Submission) models.ContentItem {
	o := sub.Options
	return models.ContentItem{
		ID:        id,
		Kind:      o.Kind,
		SourceID:  o.SourceID,
		ParentID:  o.ParentID,
		Author:    sub.Author,
		Title:     o.Title,
		Content:   o.Content,
		Link:      o.Link,
		Timestamp: o.Timestamp,
		UpdatedAt: o.Timestamp,
	}
}
