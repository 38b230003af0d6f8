package entity

import (
	"testing"
	"time"

	"github.com/forumfed/forum-ap-bridge/types"
	"github.com/forumfed/forum-ap-bridge/vocab"
)

func rawFrom(t *testing.T, m map[string]any) *types.RawApObj {
	t.Helper()
	return types.RawApObjFromMap(m)
}

func TestFactoryDispatch(t *testing.T) {
	cases := []struct {
		typ  string
		base string
	}{
		{"Create", vocab.BaseActivity},
		{"Person", vocab.BaseActor},
		{"Group", vocab.BaseActor},
		{"Note", vocab.BaseObject},
		{"Tombstone", vocab.BaseObject},
		{"OrderedCollection", vocab.BaseCollection},
	}
	for _, c := range cases {
		e := Factory(rawFrom(t, map[string]any{"type": c.typ, "id": "https://x.example/1"}))
		if e == nil {
			t.Fatalf("Factory returned nil for %s", c.typ)
		}
		if e.BaseType() != c.base {
			t.Errorf("%s: base = %s, want %s", c.typ, e.BaseType(), c.base)
		}
		if e.Type() != c.typ {
			t.Errorf("%s: type = %s", c.typ, e.Type())
		}
	}
}

func TestFactoryRejectsUnknownType(t *testing.T) {
	if e := Factory(rawFrom(t, map[string]any{"type": "Question"})); e != nil {
		t.Errorf("expected nil for unknown type, got %T", e)
	}
	if e := Factory(nil); e != nil {
		t.Errorf("expected nil for nil input, got %T", e)
	}
}

func TestActorWireAccessors(t *testing.T) {
	actor, ok := Factory(rawFrom(t, map[string]any{
		"type":              "Person",
		"id":                "https://remote.example.org/actors/bob",
		"preferredUsername": "bob",
		"inbox":             "https://remote.example.org/actors/bob/inbox",
		"endpoints":         map[string]any{"sharedInbox": "https://remote.example.org/inbox"},
		"publicKey":         map[string]any{"publicKeyPem": "PEM"},
	})).(*Actor)
	if !ok {
		t.Fatal("expected *Actor")
	}

	if actor.Username() != "bob" {
		t.Errorf("username = %q", actor.Username())
	}
	if actor.SharedInbox() != "https://remote.example.org/inbox" {
		t.Errorf("shared inbox = %q", actor.SharedInbox())
	}
	if actor.PublicKeyPem() != "PEM" {
		t.Errorf("public key = %q", actor.PublicKeyPem())
	}
	if actor.Local() {
		t.Error("wire-backed actor must not be local")
	}
}

func TestActorCanPerform(t *testing.T) {
	person := FromActorRecord(&types.ApActor{ApType: vocab.TypePerson})
	if !person.CanPerform(vocab.TypeCreate, vocab.BaseObject) {
		t.Error("Person should be able to Create content")
	}

	group := FromActorRecord(&types.ApActor{ApType: vocab.TypeGroup})
	if group.CanPerform(vocab.TypeCreate, vocab.BaseObject) {
		t.Error("Group must not author content")
	}
	if !group.CanPerform(vocab.TypeAnnounce, vocab.BaseObject) {
		t.Error("Group should announce content")
	}

	dead := FromActorRecord(&types.ApActor{ApType: vocab.TypeTombstone, ApFormerType: vocab.TypePerson})
	if dead.CanPerform(vocab.TypeCreate, vocab.BaseObject) {
		t.Error("tombstoned actor must not act")
	}
}

func TestObjectTombstoneRestoreRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	obj := FromObjectRecord(&types.ApObjectRecord{
		ApID:        "https://forum.example.com/ap/objects/1",
		ApType:      vocab.TypeNote,
		Content:     "<p>hello</p>",
		Name:        "hello",
		PublishedAt: &now,
	})

	obj.Tombstone()
	if obj.Record.ApType != vocab.TypeTombstone {
		t.Fatalf("type after tombstone = %s", obj.Record.ApType)
	}
	if obj.Record.ApFormerType != vocab.TypeNote {
		t.Errorf("former type = %s", obj.Record.ApFormerType)
	}
	if obj.Record.Content != "" || obj.Record.Name != "" {
		t.Error("tombstone must clear content")
	}
	if obj.Record.DeletedAt == nil {
		t.Error("tombstone must set deletion time")
	}

	data := obj.JSON().GetData()
	if data["type"] != vocab.TypeTombstone || data["formerType"] != vocab.TypeNote {
		t.Errorf("tombstone wire form = %v", data)
	}

	obj.Restore()
	if obj.Record.ApType != vocab.TypeNote {
		t.Errorf("type after restore = %s", obj.Record.ApType)
	}
	if obj.Record.ApFormerType != "" || obj.Record.DeletedAt != nil {
		t.Error("restore must clear tombstone state")
	}
	if obj.JSON().MustGetString("type") != vocab.TypeNote {
		t.Error("restored wire form must use the prior type")
	}

	// Double tombstone must not lose the former type.
	obj.Tombstone()
	obj.Tombstone()
	if obj.Record.ApFormerType != vocab.TypeNote {
		t.Errorf("former type after double tombstone = %s", obj.Record.ApFormerType)
	}
}

func TestRecordJSONMemoized(t *testing.T) {
	actor := FromActorRecord(&types.ApActor{
		ApID:   "https://forum.example.com/ap/actors/alice",
		ApType: vocab.TypePerson,
	})
	first := actor.JSON()
	second := actor.JSON()
	if first != second {
		t.Error("record serialization should run once per wrapper")
	}
}

func TestObjectPublicVisibility(t *testing.T) {
	public := Factory(rawFrom(t, map[string]any{
		"type": "Note",
		"id":   "https://remote.example.org/notes/1",
		"to":   []any{vocab.PublicCollection},
	})).(*Object)
	if !public.Public() {
		t.Error("note addressed to Public should be public")
	}

	private := Factory(rawFrom(t, map[string]any{
		"type": "Note",
		"id":   "https://remote.example.org/notes/2",
		"to":   []any{"https://remote.example.org/actors/bob/followers"},
	})).(*Object)
	if private.Public() {
		t.Error("followers-only note must not be public")
	}
}
