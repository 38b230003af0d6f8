package entity

import (
	"github.com/forumfed/forum-ap-bridge/types"
	"github.com/forumfed/forum-ap-bridge/vocab"
)

// ItemContext selects which set of rows a collection serializes. Collections
// are computed views, never stored membership lists; the caller picks the
// context before serialization.
type ItemContext string

const (
	ItemsAnnouncements ItemContext = "announcements"
	ItemsActivities    ItemContext = "activities"
	ItemsObjects       ItemContext = "objects"
	ItemsOutbox        ItemContext = "outbox"
	ItemsFollowers     ItemContext = "followers"
	ItemsFollows       ItemContext = "follows"
	ItemsLikes         ItemContext = "likes"
)

// Collection wraps a computed OrderedCollection view.
type Collection struct {
	base
	ApID    string
	Context ItemContext
	Items   []any
}

// NewOrderedCollection builds a collection over already-selected items. Each
// item is either an id string or a serialized document map.
func NewOrderedCollection(apID string, ctx ItemContext, items []any) *Collection {
	return &Collection{ApID: apID, Context: ctx, Items: items}
}

func (c *Collection) ID() string {
	if c.raw != nil {
		return c.raw.MustGetString("id")
	}
	return c.ApID
}

func (c *Collection) Type() string {
	if c.raw != nil {
		return c.raw.MustGetString("type")
	}
	if c.typ != "" {
		return c.typ
	}
	return vocab.TypeOrderedCollection
}

func (c *Collection) BaseType() string { return vocab.BaseCollection }

func (c *Collection) JSON() *types.RawApObj {
	if c.raw != nil {
		return c.raw
	}
	total := len(c.Items)
	return c.memoize(types.ApObject{
		Context:      vocab.ActivityStreamsContext,
		Type:         vocab.TypeOrderedCollection,
		ID:           c.ApID,
		TotalItems:   &total,
		OrderedItems: c.Items,
	})
}
