package models

import (
	"encoding/json"

	"feedsync/pkg/identity"
)

// Kind is the type of a publication.
type Kind string

const (
	KindComment Kind = "comment"
	KindVote    Kind = "vote"
	KindEdit    Kind = "edit"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindComment, KindVote, KindEdit:
		return true
	}
	return false
}

// Edit is one revision applied to a comment by its author.
type Edit struct {
	Content   string `json:"content,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ContentItem is a confirmed or locally pending piece of content.
type ContentItem struct {
	ID                 string      `json:"id"`
	Kind               Kind        `json:"kind,omitempty"`
	SourceID           string      `json:"sourceId"`
	ParentID           string      `json:"parentId,omitempty"`
	Author             Author      `json:"author"`
	Title              string      `json:"title,omitempty"`
	Content            string      `json:"content,omitempty"`
	Link               string      `json:"link,omitempty"`
	Timestamp          int64       `json:"timestamp"`
	UpdatedAt          int64       `json:"updatedAt"`
	Upvotes            int         `json:"upvotes"`
	Downvotes          int         `json:"downvotes"`
	ReplyCount         int         `json:"replyCount"`
	LastReplyTimestamp int64       `json:"lastReplyTimestamp,omitempty"`
	Edits              []Edit      `json:"edits,omitempty"`
	Replies            []ReplyTree `json:"replies,omitempty"`

	// Set only on locally authored items not yet confirmed.
	LocalIndex *int `json:"localIndex,omitempty"`
	Pending    bool `json:"pending,omitempty"`
}

// ReplyTree is one sorted view of an item's replies.
type ReplyTree struct {
	Sort       string        `json:"sort"`
	Items      []ContentItem `json:"items"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

// Score is upvotes minus downvotes.
func (c ContentItem) Score() int {
	return c.Upvotes - c.Downvotes
}

// LastActivity is the newest of the item's timestamp and its last reply.
func (c ContentItem) LastActivity() int64 {
	if c.LastReplyTimestamp > c.Timestamp {
		return c.LastReplyTimestamp
	}
	return c.Timestamp
}

// Fingerprint identifies the authored payload independent of the id the
// network later assigns.
func (c ContentItem) Fingerprint() string {
	return fingerprint(fingerprintInput{
		Author:    c.Author.Address,
		Kind:      kindOrComment(c.Kind),
		Source:    c.SourceID,
		Parent:    c.ParentID,
		Title:     c.Title,
		Content:   c.Content,
		Link:      c.Link,
		Timestamp: c.Timestamp,
	})
}

type fingerprintInput struct {
	Author    string `json:"author"`
	Kind      Kind   `json:"kind"`
	Source    string `json:"source"`
	Parent    string `json:"parent"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Link      string `json:"link"`
	Vote      int    `json:"vote"`
	Timestamp int64  `json:"timestamp"`
}

// encoding/json emits struct fields in declaration order, so the bytes are
// canonical for a given input.
func fingerprint(in fingerprintInput) string {
	b, err := json.Marshal(in)
	if err != nil {
		return ""
	}
	return identity.ContentCID(b)
}

func kindOrComment(k Kind) Kind {
	if k == "" {
		return KindComment
	}
	return k
}
