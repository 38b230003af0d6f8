package entity

import (
	"slices"
	"time"

	"github.com/forumfed/forum-ap-bridge/types"
	"github.com/forumfed/forum-ap-bridge/vocab"
)

// Object wraps federated content or its tombstoned remnant.
type Object struct {
	base
	Record *types.ApObjectRecord

	AttributedTo *Actor
}

// FromObjectRecord wraps a persisted object row.
func FromObjectRecord(rec *types.ApObjectRecord) *Object {
	return &Object{Record: rec}
}

func (o *Object) ID() string {
	if o.raw != nil {
		return o.raw.MustGetString("id")
	}
	if o.Record != nil {
		return o.Record.ApID
	}
	return ""
}

func (o *Object) Type() string {
	if o.raw != nil {
		return o.raw.MustGetString("type")
	}
	if o.Record != nil {
		return o.Record.ApType
	}
	return o.typ
}

func (o *Object) BaseType() string { return vocab.BaseObject }

func (o *Object) Content() string {
	if o.raw != nil {
		return o.raw.MustGetString("content")
	}
	if o.Record != nil {
		return o.Record.Content
	}
	return ""
}

func (o *Object) Name() string {
	if o.raw != nil {
		return o.raw.MustGetString("name")
	}
	if o.Record != nil {
		return o.Record.Name
	}
	return ""
}

func (o *Object) AttributedToRef() string {
	if o.raw != nil {
		return o.raw.MustGetString("attributedTo")
	}
	if o.Record != nil {
		return o.Record.AttributedToID
	}
	return ""
}

func (o *Object) ReplyTo() string {
	if o.raw != nil {
		return o.raw.MustGetString("inReplyTo")
	}
	if o.Record != nil {
		return o.Record.ReplyToID
	}
	return ""
}

func (o *Object) URL() string {
	if o.raw != nil {
		return o.raw.MustGetString("url")
	}
	if o.Record != nil {
		return o.Record.URL
	}
	return ""
}

func (o *Object) Public() bool {
	if o.raw != nil {
		if to, ok := o.raw.GetStringSlice("to"); ok && slices.Contains(to, vocab.PublicCollection) {
			return true
		}
		if cc, ok := o.raw.GetStringSlice("cc"); ok && slices.Contains(cc, vocab.PublicCollection) {
			return true
		}
		return false
	}
	if o.Record != nil {
		return slices.Contains(o.Record.To, vocab.PublicCollection) ||
			slices.Contains(o.Record.CC, vocab.PublicCollection)
	}
	return false
}

func (o *Object) Tombstoned() bool {
	return o.Type() == vocab.TypeTombstone
}

// Ready reports whether this object is in a state the given operation can
// act on. A Create needs a live target; a Delete needs one that still
// exists. Model-level readiness is checked separately by the model gate.
func (o *Object) Ready(deleting bool) bool {
	if o.Record == nil {
		// Wire-backed: a Create is workable, a Delete has nothing local yet.
		return !deleting || o.raw != nil
	}
	if deleting {
		return o.Record.DeletedAt == nil
	}
	return o.Record.DeletedAt == nil
}

// Tombstone clears content and remembers the prior type. The record keeps
// its identity so a later restore or hard delete can find it.
func (o *Object) Tombstone() {
	if o.Record == nil || o.Record.ApType == vocab.TypeTombstone {
		return
	}
	now := time.Now().UTC()
	o.Record.ApFormerType = o.Record.ApType
	o.Record.ApType = vocab.TypeTombstone
	o.Record.Content = ""
	o.Record.Name = ""
	o.Record.Summary = ""
	o.Record.DeletedAt = &now
	o.json = nil
}

// Restore reinstates the pre-tombstone type. Content comes back from the
// backing model on the next publish; identity and attribution survive here.
func (o *Object) Restore() {
	if o.Record == nil || o.Record.ApFormerType == "" {
		return
	}
	o.Record.ApType = o.Record.ApFormerType
	o.Record.ApFormerType = ""
	o.Record.DeletedAt = nil
	o.json = nil
}

func (o *Object) JSON() *types.RawApObj {
	if o.raw != nil {
		return o.raw
	}
	rec := o.Record
	if rec == nil {
		return o.memoize(types.ApObject{Type: o.typ})
	}

	if rec.ApType == vocab.TypeTombstone {
		return o.memoize(types.ApObject{
			Context:    vocab.ActivityStreamsContext,
			Type:       vocab.TypeTombstone,
			ID:         rec.ApID,
			FormerType: rec.ApFormerType,
			Deleted:    formatTime(rec.DeletedAt),
		})
	}

	obj := types.ApObject{
		Context:       vocab.ActivityStreamsContext,
		Type:          rec.ApType,
		ID:            rec.ApID,
		Content:       rec.Content,
		MediaType:     "text/html",
		Name:          rec.Name,
		Summary:       rec.Summary,
		AttributedTo:  rec.AttributedToID,
		InReplyTo:     rec.ReplyToID,
		ObjectContext: rec.Context,
		Audience:      rec.Audience,
		URL:           rec.URL,
		Published:     formatTime(rec.PublishedAt),
	}
	if len(rec.To) > 0 {
		obj.To = []string(rec.To)
	}
	if len(rec.CC) > 0 {
		obj.CC = []string(rec.CC)
	}
	return o.memoize(obj)
}
