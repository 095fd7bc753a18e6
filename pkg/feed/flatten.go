package feed

import "feedsync/pkg/models"

// Flatten turns a page's reply tree into one sequence. A level's items are
// emitted in their given order, followed by the flattened reply tree of each
// of them in turn. The reply tree chosen for an item is the one sorted by
// sort, or its first tree when none matches. Reply trees are stripped from
// the emitted items.
//
// This is level-then-children, not pre-order: siblings stay adjacent and a
// reply can appear after items that are not its parent. Feeds rely on that
// order, so keep it.
func Flatten(page models.FeedPage, sort string) []models.ContentItem {
	if sort == "" {
		sort = page.Sort
	}
	var out []models.ContentItem
	flattenLevel(page.Items, sort, &out)
	return out
}

func flattenLevel(items []models.ContentItem, sort string, out *[]models.ContentItem) {
	for _, item := range items {
		flat := item
		flat.Replies = nil
		*out = append(*out, flat)
	}
	for _, item := range items {
		if tree, ok := replyTree(item, sort); ok {
			flattenLevel(tree.Items, sort, out)
		}
	}
}

func replyTree(item models.ContentItem, sort string) (models.ReplyTree, bool) {
	if len(item.Replies) == 0 {
		return models.ReplyTree{}, false
	}
	for _, t := range item.Replies {
		if t.Sort == sort {
			return t, true
		}
	}
	return item.Replies[0], true
}
