package models

import (
	"fmt"
	"strings"
)

// FeedPage is one page of a source's content tree under a sort.
type FeedPage struct {
	SourceID   string        `json:"sourceId"`
	Sort       string        `json:"sort"`
	Items      []ContentItem `json:"items"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

const localIDPrefix = "local:"

// LocalID names a pending item before the network assigns its id.
func LocalID(accountID string, index int) string {
	return fmt.Sprintf("%s%s/%d", localIDPrefix, accountID, index)
}

// IsLocalID reports whether id was produced by LocalID.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}
