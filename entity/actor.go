package entity

import (
	"github.com/forumfed/forum-ap-bridge/types"
	"github.com/forumfed/forum-ap-bridge/vocab"
)

// Actor wraps a federation participant.
type Actor struct {
	base
	Record *types.ApActor
}

// FromActorRecord wraps a persisted actor row.
func FromActorRecord(rec *types.ApActor) *Actor {
	return &Actor{Record: rec}
}

func (a *Actor) ID() string {
	if a.raw != nil {
		return a.raw.MustGetString("id")
	}
	if a.Record != nil {
		return a.Record.ApID
	}
	return ""
}

func (a *Actor) Type() string {
	if a.raw != nil {
		return a.raw.MustGetString("type")
	}
	if a.Record != nil {
		return a.Record.ApType
	}
	return a.typ
}

func (a *Actor) BaseType() string { return vocab.BaseActor }

func (a *Actor) Username() string {
	if a.raw != nil {
		return a.raw.MustGetString("preferredUsername")
	}
	if a.Record != nil {
		return a.Record.Username
	}
	return ""
}

func (a *Actor) Inbox() string {
	if a.raw != nil {
		return a.raw.MustGetString("inbox")
	}
	if a.Record != nil {
		return a.Record.Inbox
	}
	return ""
}

func (a *Actor) SharedInbox() string {
	if a.raw != nil {
		if inbox, ok := a.raw.GetString("endpoints.sharedInbox"); ok {
			return inbox
		}
		return a.raw.MustGetString("sharedInbox")
	}
	if a.Record != nil {
		return a.Record.SharedInbox
	}
	return ""
}

func (a *Actor) PublicKeyPem() string {
	if a.raw != nil {
		return a.raw.MustGetString("publicKey.publicKeyPem")
	}
	if a.Record != nil {
		return a.Record.PublicKey
	}
	return ""
}

func (a *Actor) Local() bool {
	return a.Record != nil && a.Record.Local
}

func (a *Actor) Tombstoned() bool {
	return a.Type() == vocab.TypeTombstone
}

// CanPerform consults the capability table for this actor's type. Tombstoned
// actors are judged by their former type so restores keep working, but a
// tombstoned actor cannot perform anything new.
func (a *Actor) CanPerform(activityType, objectBase string) bool {
	t := a.Type()
	if t == vocab.TypeTombstone {
		return false
	}
	return vocab.Can(t, activityType, objectBase)
}

func (a *Actor) JSON() *types.RawApObj {
	if a.raw != nil {
		return a.raw
	}
	rec := a.Record
	if rec == nil {
		return a.memoize(types.ApObject{Type: a.typ})
	}

	obj := types.ApObject{
		Context:           vocab.ActivityStreamsContext,
		Type:              rec.ApType,
		ID:                rec.ApID,
		Inbox:             rec.Inbox,
		Outbox:            rec.Outbox,
		SharedInbox:       rec.SharedInbox,
		PreferredUsername: rec.Username,
		Name:              rec.Name,
		Summary:           rec.Summary,
		URL:               rec.ApID,
		Published:         formatTime(&rec.CreatedAt),
	}
	if rec.SharedInbox != "" {
		obj.Endpoints = &types.ActorEndpoints{SharedInbox: rec.SharedInbox}
	}
	if rec.IconURL != "" {
		obj.Icon = &types.Icon{Type: "Image", MediaType: "image/png", URL: rec.IconURL}
	}
	if rec.ApType == vocab.TypeTombstone {
		obj.FormerType = rec.ApFormerType
		obj.Deleted = formatTime(rec.DeletedAt)
	} else if rec.PublicKey != "" {
		obj.PublicKey = &types.Key{
			ID:           rec.ApID + "#main-key",
			Type:         "Key",
			Owner:        rec.ApID,
			PublicKeyPem: rec.PublicKey,
		}
	}
	return a.memoize(obj)
}
