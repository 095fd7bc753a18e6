package feed

import (
	"cmp"
	"math"

	"feedsync/pkg/models"
)

// Sort criteria understood by Comparator.
const (
	SortNew           = "new"
	SortOld           = "old"
	SortTop           = "top"
	SortHot           = "hot"
	SortControversial = "controversial"
	SortActive        = "active"
)

// Less-style comparison: negative when a comes before b.
type CompareFunc func(a, b models.ContentItem) int

// Comparator returns the global ordering for sort. Ties are broken by
// timestamp descending and then by id, so the order is total.
func Comparator(sort string) (CompareFunc, bool) {
	var primary CompareFunc
	switch sort {
	case SortNew:
		primary = func(a, b models.ContentItem) int { return cmp.Compare(b.Timestamp, a.Timestamp) }
	case SortOld:
		primary = func(a, b models.ContentItem) int { return cmp.Compare(a.Timestamp, b.Timestamp) }
	case SortTop:
		primary = func(a, b models.ContentItem) int { return cmp.Compare(b.Score(), a.Score()) }
	case SortHot:
		primary = func(a, b models.ContentItem) int { return cmp.Compare(hotScore(b), hotScore(a)) }
	case SortControversial:
		primary = func(a, b models.ContentItem) int {
			return cmp.Compare(controversialScore(b), controversialScore(a))
		}
	case SortActive:
		primary = func(a, b models.ContentItem) int { return cmp.Compare(b.LastActivity(), a.LastActivity()) }
	default:
		return nil, false
	}
	return func(a, b models.ContentItem) int {
		if c := primary(a, b); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Timestamp, a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	}, true
}

// hotEpoch offsets timestamps so hot scores stay small.
const hotEpoch = 1134028003

func hotScore(c models.ContentItem) float64 {
	score := float64(c.Score())
	order := math.Log10(math.Max(math.Abs(score), 1))
	sign := 0.0
	if score > 0 {
		sign = 1
	} else if score < 0 {
		sign = -1
	}
	return sign*order + float64(c.Timestamp-hotEpoch)/45000
}

func controversialScore(c models.ContentItem) float64 {
	if c.Upvotes <= 0 || c.Downvotes <= 0 {
		return 0
	}
	total := float64(c.Upvotes + c.Downvotes)
	balance := float64(min(c.Upvotes, c.Downvotes)) / float64(max(c.Upvotes, c.Downvotes))
	return math.Pow(total, balance)
}
