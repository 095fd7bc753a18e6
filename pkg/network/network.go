// Package network defines the capability the sync core consumes from the
// content network: creating submittable publications, fetching items and
// source pages, and watching items for updates.
package network

import (
	"context"
	"errors"

	"feedsync/pkg/models"
)

// ErrNotFound is returned when the network has no item or page for a request.
var ErrNotFound = errors.New("network: not found")

// ErrClosed is returned by a Submittable after Close.
var ErrClosed = errors.New("network: submittable closed")

// EventKind names a lifecycle event of a Submittable.
type EventKind string

const (
	EventChallenge             EventKind = "challenge"
	EventChallengeVerification EventKind = "challengeverification"
	EventUpdate                EventKind = "update"
)

// Challenge is one question the network asks before accepting a publication.
type Challenge struct {
	RequestID string `json:"requestId"`
	Type      string `json:"type"`
	Prompt    string `json:"prompt"`
}

// Verification is the network's verdict on the answers to a challenge.
type Verification struct {
	RequestID string   `json:"requestId"`
	Success   bool     `json:"success"`
	Reason    string   `json:"reason,omitempty"`
	Errors    []string `json:"errors,omitempty"`
	// ItemID is the permanent id, when the network assigns it at verification.
	ItemID string `json:"itemId,omitempty"`
}

// Event is delivered on Submittable.Events.
type Event struct {
	Kind         EventKind
	Challenge    *Challenge
	Verification *Verification
	Item         *models.ContentItem
}

// Submission is what gets published on behalf of an author.
type Submission struct {
	Author  models.Author         `json:"author"`
	Options models.PublishOptions `json:"options"`
}

// Submittable is one publication attempt.
type Submittable interface {
	Submit(ctx context.Context) error
	AnswerChallenge(ctx context.Context, answers []string) error
	// Events is closed by Close.
	Events() <-chan Event
	Close() error
}

// Client is the network capability attached to an account.
type Client interface {
	CreateSubmittable(ctx context.Context, sub Submission) (Submittable, error)
	FetchItem(ctx context.Context, id string) (models.ContentItem, error)
	// WatchItem streams versions of the item until ctx is done; the channel is
	// then closed.
	WatchItem(ctx context.Context, id string) (<-chan models.ContentItem, error)
	FetchPage(ctx context.Context, sourceID, sort, cursor string) (models.FeedPage, error)
}

// Factory builds the client for an account's network options.
type Factory func(opts models.NetworkOptions) (Client, error)
