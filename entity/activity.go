package entity

import (
	"slices"

	"github.com/forumfed/forum-ap-bridge/types"
	"github.com/forumfed/forum-ap-bridge/vocab"
)

// Activity wraps a recorded or just-received action. After the resolve stage
// has run, Actor and Object carry the resolved participants.
type Activity struct {
	base
	Record *types.ApActivity

	Actor  *Actor
	Object Entity

	// DeleteConfirmed is set when resolving a Delete activity's target
	// answered 410 Gone. The gone-ness is the confirmation; the target is
	// removed rather than tombstoned.
	DeleteConfirmed bool
}

// FromActivityRecord wraps a persisted activity row.
func FromActivityRecord(rec *types.ApActivity) *Activity {
	return &Activity{Record: rec}
}

func (a *Activity) ID() string {
	if a.raw != nil {
		return a.raw.MustGetString("id")
	}
	if a.Record != nil {
		return a.Record.ApID
	}
	return ""
}

func (a *Activity) Type() string {
	if a.raw != nil {
		return a.raw.MustGetString("type")
	}
	if a.Record != nil {
		return a.Record.ApType
	}
	return a.typ
}

func (a *Activity) BaseType() string { return vocab.BaseActivity }

// ActorRef returns the actor reference as it appears on the wire or in the
// record, before resolution.
func (a *Activity) ActorRef() string {
	if a.raw != nil {
		return a.raw.MustGetString("actor")
	}
	if a.Record != nil {
		return a.Record.ActorID
	}
	return ""
}

// ObjectRef returns the raw object reference: a bare URI string, an embedded
// document, or nil.
func (a *Activity) ObjectRef() any {
	if a.raw != nil {
		if embedded, ok := a.raw.GetRaw("object"); ok {
			return embedded
		}
		if id, ok := a.raw.GetString("object"); ok {
			return id
		}
		return nil
	}
	if a.Record != nil {
		return a.Record.ObjectID
	}
	return nil
}

// ObjectBaseType returns the base type of the activity's target, preferring
// the resolved object, falling back to the record.
func (a *Activity) ObjectBaseType() string {
	if a.Object != nil {
		return a.Object.BaseType()
	}
	if a.Record != nil {
		return a.Record.ObjectType
	}
	return ""
}

// Visibility derives public/private from the to/cc audience.
func (a *Activity) Visibility() string {
	if a.Record != nil && a.raw == nil {
		return a.Record.Visibility
	}
	if a.raw != nil {
		if to, ok := a.raw.GetStringSlice("to"); ok && slices.Contains(to, vocab.PublicCollection) {
			return vocab.VisibilityPublic
		}
		if cc, ok := a.raw.GetStringSlice("cc"); ok && slices.Contains(cc, vocab.PublicCollection) {
			return vocab.VisibilityPublic
		}
	}
	return vocab.VisibilityPrivate
}

func (a *Activity) JSON() *types.RawApObj {
	if a.raw != nil {
		return a.raw
	}
	rec := a.Record
	if rec == nil {
		return a.memoize(types.ApObject{Type: a.typ})
	}

	obj := types.ApObject{
		Context:   vocab.ActivityStreamsContext,
		Type:      rec.ApType,
		ID:        rec.ApID,
		Actor:     rec.ActorID,
		Published: formatTime(rec.PublishedAt),
	}
	if rec.Visibility == vocab.VisibilityPublic {
		obj.To = []string{vocab.PublicCollection}
	}
	if a.Object != nil {
		obj.Object = a.Object.JSON().GetData()
	} else {
		obj.Object = rec.ObjectID
	}
	return a.memoize(obj)
}
