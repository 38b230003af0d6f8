// Package entity wraps ActivityPub entities in a uniform shell that can be
// backed by either raw wire JSON (just received or about to be sent) or a
// persisted record (already known locally). Read accessors branch on which
// backing is present.
package entity

import (
	"encoding/json"
	"time"

	"github.com/forumfed/forum-ap-bridge/types"
	"github.com/forumfed/forum-ap-bridge/vocab"
)

// Entity is the read surface shared by all wrappers.
type Entity interface {
	ID() string
	Type() string
	BaseType() string
	// JSON returns the wire representation. For record-backed wrappers the
	// record serializer runs exactly once per wrapper instance.
	JSON() *types.RawApObj
}

type base struct {
	raw  *types.RawApObj
	json *types.RawApObj
	typ  string
}

// Raw returns the wire backing, nil for record-backed wrappers.
func (b *base) Raw() *types.RawApObj {
	return b.raw
}

func (b *base) memoize(obj types.ApObject) *types.RawApObj {
	if b.raw != nil {
		return b.raw
	}
	if b.json == nil {
		b.json = rawOf(obj)
	}
	return b.json
}

// rawOf converts a wire struct into a RawApObj through one JSON round trip.
func rawOf(obj types.ApObject) *types.RawApObj {
	bytes, err := json.Marshal(obj)
	if err != nil {
		return types.RawApObjFromMap(map[string]any{})
	}
	raw, err := types.LoadAsRawApObj(bytes)
	if err != nil {
		return types.RawApObjFromMap(map[string]any{})
	}
	return raw
}

// Factory wraps a wire document in the wrapper matching its declared type.
// Returns nil when the type tag is outside the supported vocabulary.
func Factory(raw *types.RawApObj) Entity {
	if raw == nil {
		return nil
	}
	t := raw.MustGetString("type")
	switch vocab.BaseType(t) {
	case vocab.BaseActivity:
		return &Activity{base: base{raw: raw}}
	case vocab.BaseActor:
		return &Actor{base: base{raw: raw}}
	case vocab.BaseObject:
		return &Object{base: base{raw: raw}}
	case vocab.BaseCollection:
		return &Collection{base: base{raw: raw}}
	case vocab.BaseLink:
		return &Link{base: base{raw: raw}}
	}
	return nil
}

// FromType returns an empty wrapper of the given concrete type, for internal
// construction and capability introspection. Nil for unknown types.
func FromType(t string) Entity {
	switch vocab.BaseType(t) {
	case vocab.BaseActivity:
		return &Activity{base: base{typ: t}}
	case vocab.BaseActor:
		return &Actor{base: base{typ: t}}
	case vocab.BaseObject:
		return &Object{base: base{typ: t}}
	case vocab.BaseCollection:
		return &Collection{base: base{typ: t}}
	case vocab.BaseLink:
		return &Link{base: base{typ: t}}
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Link is a bare reference to a remote resource.
type Link struct {
	base
}

func (l *Link) ID() string {
	if l.raw != nil {
		return l.raw.MustGetString("id")
	}
	return ""
}

func (l *Link) Href() string {
	if l.raw != nil {
		if href, ok := l.raw.GetString("href"); ok {
			return href
		}
		return l.raw.MustGetString("id")
	}
	return ""
}

func (l *Link) Type() string {
	if l.raw != nil {
		if t, ok := l.raw.GetString("type"); ok {
			return t
		}
	}
	if l.typ != "" {
		return l.typ
	}
	return vocab.TypeLink
}

func (l *Link) BaseType() string { return vocab.BaseLink }

func (l *Link) JSON() *types.RawApObj {
	return l.memoize(types.ApObject{Type: l.Type(), ID: l.ID()})
}
