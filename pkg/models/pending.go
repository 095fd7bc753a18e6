package models

// PublishOptions describe one publication. Comments use SourceID, ParentID and
// the payload fields; votes use TargetID and Vote; edits use TargetID and
// Content or Deleted.
type PublishOptions struct {
	Kind      Kind   `json:"kind"`
	SourceID  string `json:"sourceId,omitempty"`
	ParentID  string `json:"parentId,omitempty"`
	TargetID  string `json:"targetId,omitempty"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content,omitempty"`
	Link      string `json:"link,omitempty"`
	Vote      int    `json:"vote,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Fingerprint of the options as authored by address. It equals the
// Fingerprint of the confirmed ContentItem for comments.
func (o PublishOptions) Fingerprint(address string) string {
	in := fingerprintInput{
		Author:    address,
		Kind:      o.Kind,
		Source:    o.SourceID,
		Parent:    o.ParentID,
		Title:     o.Title,
		Content:   o.Content,
		Link:      o.Link,
		Vote:      o.Vote,
		Timestamp: o.Timestamp,
	}
	if o.Kind != KindComment {
		in.Parent = o.TargetID
	}
	return fingerprint(in)
}

// PendingRecord is one entry of an account's append-only content history.
type PendingRecord struct {
	LocalIndex  int            `json:"localIndex"`
	Kind        Kind           `json:"kind"`
	Options     PublishOptions `json:"options"`
	AccountID   string         `json:"accountId"`
	Fingerprint string         `json:"fingerprint"`
	ResolvedID  string         `json:"resolvedId,omitempty"`
	CreatedAt   int64          `json:"createdAt"`
}

// Resolved reports whether the network assigned a permanent id.
func (r PendingRecord) Resolved() bool {
	return r.ResolvedID != ""
}

// LocalItem renders a pending comment as a ContentItem for optimistic views.
func (r PendingRecord) LocalItem(author Author) ContentItem {
	idx := r.LocalIndex
	item := ContentItem{
		ID:        r.ResolvedID,
		Kind:      r.Kind,
		SourceID:  r.Options.SourceID,
		ParentID:  r.Options.ParentID,
		Author:    author,
		Title:     r.Options.Title,
		Content:   r.Options.Content,
		Link:      r.Options.Link,
		Timestamp: r.Options.Timestamp,
		UpdatedAt: r.Options.Timestamp,
	}
	if !r.Resolved() {
		item.ID = LocalID(r.AccountID, r.LocalIndex)
		item.LocalIndex = &idx
		item.Pending = true
	}
	return item
}
