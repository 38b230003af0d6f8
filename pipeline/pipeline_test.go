package pipeline

import (
	"context"
	"maps"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/forumfed/forum-ap-bridge/entity"
	"github.com/forumfed/forum-ap-bridge/resolver"
	"github.com/forumfed/forum-ap-bridge/types"
	"github.com/forumfed/forum-ap-bridge/vocab"
)

const (
	localGroup  = "https://forum.example.com/ap/actors/golang"
	remoteActor = "https://remote.example.org/actors/bob"
)

type memStore struct {
	activities map[string]types.ApActivity
	follows    map[string]types.ApFollow
	objects    map[string]types.ApObjectRecord
	actors     map[string]types.ApActor

	failCreateActivity bool
}

func newMemStore() *memStore {
	return &memStore{
		activities: map[string]types.ApActivity{},
		follows:    map[string]types.ApFollow{},
		objects:    map[string]types.ApObjectRecord{},
		actors:     map[string]types.ApActor{},
	}
}

func (m *memStore) Transaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	activities := maps.Clone(m.activities)
	follows := maps.Clone(m.follows)
	objects := maps.Clone(m.objects)
	actors := maps.Clone(m.actors)
	if err := fn(ctx, m); err != nil {
		m.activities = activities
		m.follows = follows
		m.objects = objects
		m.actors = actors
		return err
	}
	return nil
}

func (m *memStore) CreateActivity(ctx context.Context, a types.ApActivity) (types.ApActivity, error) {
	if m.failCreateActivity {
		return types.ApActivity{}, errors.New("injected store failure")
	}
	actor, ok := m.actors[a.ActorID]
	if !ok {
		return types.ApActivity{}, errors.New("performing actor not stored")
	}
	if !vocab.Can(actor.ApType, a.ApType, a.ObjectType) {
		return types.ApActivity{}, errors.New("actor type cannot perform this activity")
	}
	if _, exists := m.activities[a.ApID]; !exists {
		m.activities[a.ApID] = a
	}
	return a, nil
}

func (m *memStore) DeleteActivity(ctx context.Context, apID string) error {
	delete(m.activities, apID)
	return nil
}

func (m *memStore) GetActivityByApID(ctx context.Context, apID string) (types.ApActivity, error) {
	a, ok := m.activities[apID]
	if !ok {
		return types.ApActivity{}, gorm.ErrRecordNotFound
	}
	return a, nil
}

func (m *memStore) CreateFollow(ctx context.Context, f types.ApFollow) error {
	key := f.FollowerID + "|" + f.FollowedID
	if _, exists := m.follows[key]; !exists {
		m.follows[key] = f
	}
	return nil
}

func (m *memStore) RemoveFollow(ctx context.Context, followerID, followedID string) (types.ApFollow, error) {
	key := followerID + "|" + followedID
	f, ok := m.follows[key]
	if !ok {
		return types.ApFollow{}, gorm.ErrRecordNotFound
	}
	delete(m.follows, key)
	return f, nil
}

func (m *memStore) GetFollowByApID(ctx context.Context, apID string) (types.ApFollow, error) {
	for _, f := range m.follows {
		if f.ApID == apID {
			return f, nil
		}
	}
	return types.ApFollow{}, gorm.ErrRecordNotFound
}

func (m *memStore) SettleFollow(ctx context.Context, apID string, accepted bool) error {
	for key, f := range m.follows {
		if f.ApID == apID {
			if !accepted {
				delete(m.follows, key)
				return nil
			}
			f.Accepted = true
			m.follows[key] = f
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (m *memStore) GetFollowers(ctx context.Context, followedID string) ([]types.ApFollow, error) {
	var out []types.ApFollow
	for _, f := range m.follows {
		if f.FollowedID == followedID && f.Accepted {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *memStore) GetActorByApID(ctx context.Context, apID string) (types.ApActor, error) {
	a, ok := m.actors[apID]
	if !ok {
		return types.ApActor{}, gorm.ErrRecordNotFound
	}
	return a, nil
}

func (m *memStore) TombstoneActor(ctx context.Context, apID string) error {
	a, ok := m.actors[apID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	a.ApFormerType = a.ApType
	a.ApType = vocab.TypeTombstone
	m.actors[apID] = a
	return nil
}

func (m *memStore) DeleteActor(ctx context.Context, apID string) error {
	for _, a := range m.activities {
		if a.ActorID == apID {
			return errors.New("actor still has dependent activities")
		}
	}
	delete(m.actors, apID)
	return nil
}

func (m *memStore) GetObjectByApID(ctx context.Context, apID string) (types.ApObjectRecord, error) {
	o, ok := m.objects[apID]
	if !ok {
		return types.ApObjectRecord{}, gorm.ErrRecordNotFound
	}
	return o, nil
}

func (m *memStore) UpsertObject(ctx context.Context, o types.ApObjectRecord) (types.ApObjectRecord, error) {
	m.objects[o.ApID] = o
	return o, nil
}

func (m *memStore) TombstoneObject(ctx context.Context, apID string) error {
	o, ok := m.objects[apID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	o.ApFormerType = o.ApType
	o.ApType = vocab.TypeTombstone
	o.Content = ""
	m.objects[apID] = o
	return nil
}

func (m *memStore) DeleteObject(ctx context.Context, apID string) error {
	delete(m.objects, apID)
	return nil
}

type memResolver struct {
	entities map[string]entity.Entity
	store    *memStore
}

func (r *memResolver) Resolve(ctx context.Context, ref any, opts resolver.Options) (entity.Entity, error) {
	switch v := ref.(type) {
	case *types.RawApObj:
		e := entity.Factory(v)
		if e == nil {
			return nil, resolver.ErrUnknownType
		}
		return e, nil
	case string:
		e, ok := r.entities[v]
		if !ok {
			return nil, errors.Errorf("unresolvable %s", v)
		}
		return e, nil
	}
	return nil, resolver.ErrNoReference
}

func (r *memResolver) ResolveActor(ctx context.Context, ref any, opts resolver.Options) (*entity.Actor, error) {
	e, err := r.Resolve(ctx, ref, opts)
	if err != nil {
		return nil, err
	}
	actor, ok := e.(*entity.Actor)
	if !ok {
		return nil, resolver.ErrRejectedType
	}
	return actor, nil
}

func (r *memResolver) Persist(ctx context.Context, e entity.Entity) error {
	actor, ok := e.(*entity.Actor)
	if !ok || actor.Record != nil {
		return nil
	}
	rec := resolver.RecordFromActor(actor)
	r.store.actors[rec.ApID] = rec
	actor.Record = &rec
	return nil
}

func (r *memResolver) IsLocal(id string) bool {
	return len(id) > 25 && id[:25] == "https://forum.example.com"
}

type memDeliverer struct {
	scheduled []Delivery
	cancelled []string
}

func (d *memDeliverer) Schedule(ctx context.Context, activityID, fromActorID, toActorID string) error {
	d.scheduled = append(d.scheduled, Delivery{activityID, fromActorID, toActorID})
	return nil
}

func (d *memDeliverer) Cancel(ctx context.Context, activityID string) error {
	d.cancelled = append(d.cancelled, activityID)
	return nil
}

type openGate struct{}

func (openGate) Ready(ctx context.Context, modelType, modelID string, deleting bool) (bool, error) {
	return true, nil
}

func fixture() (*Processor, *memStore, *memResolver, *memDeliverer) {
	st := newMemStore()
	st.actors[localGroup] = types.ApActor{
		ApID: localGroup, ApType: vocab.TypeGroup, Local: true, Enabled: true, Username: "golang",
	}
	st.actors[remoteActor] = types.ApActor{
		ApID: remoteActor, ApType: vocab.TypePerson, Domain: "remote.example.org",
	}

	localRec := st.actors[localGroup]
	remoteRec := st.actors[remoteActor]
	res := &memResolver{
		entities: map[string]entity.Entity{
			localGroup:  entity.FromActorRecord(&localRec),
			remoteActor: entity.FromActorRecord(&remoteRec),
		},
		store: st,
	}

	del := &memDeliverer{}
	proc := NewProcessor(DefaultBuilder().Build(), st, res, del, openGate{}, types.ApConfig{FQDN: "forum.example.com"})
	return proc, st, res, del
}

func wireActivity(t *testing.T, body string) *entity.Activity {
	t.Helper()
	raw, err := types.LoadAsRawApObj([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	activity, ok := entity.Factory(raw).(*entity.Activity)
	if !ok {
		t.Fatal("not an activity")
	}
	return activity
}

const followJSON = `{
	"id": "https://remote.example.org/activities/follow-1",
	"type": "Follow",
	"actor": "https://remote.example.org/actors/bob",
	"object": "https://forum.example.com/ap/actors/golang"
}`

func TestProcessFollowAcceptsAndSchedulesDelivery(t *testing.T) {
	proc, st, _, del := fixture()

	ok, err := proc.Process(context.Background(), wireActivity(t, followJSON), localGroup)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected follow to be performed")
	}

	edge, found := st.follows[remoteActor+"|"+localGroup]
	if !found {
		t.Fatal("follow edge not created")
	}
	if !edge.Accepted {
		t.Error("local follow targets auto-accept")
	}
	if _, found := st.activities["https://remote.example.org/activities/follow-1"]; !found {
		t.Error("follow activity not recorded")
	}

	if len(del.scheduled) != 1 {
		t.Fatalf("expected one Accept delivery, got %d", len(del.scheduled))
	}
	if del.scheduled[0].FromActorID != localGroup || del.scheduled[0].ToActorID != remoteActor {
		t.Errorf("accept scheduled %s -> %s", del.scheduled[0].FromActorID, del.scheduled[0].ToActorID)
	}

	for _, a := range st.activities {
		if a.ApType == vocab.TypeAccept {
			if a.ApKey == "" || !strings.HasSuffix(a.ApID, "/ap/activities/"+a.ApKey) {
				t.Errorf("minted Accept id %q does not derive from its key %q", a.ApID, a.ApKey)
			}
		}
	}
}

// A Follow whose sender we have never cached must still succeed: the
// resolve stage persists the actor it resolved, so the repository's
// stored-actor check in CreateActivity passes.
func TestProcessFollowFromUncachedActorPersistsIt(t *testing.T) {
	proc, st, res, del := fixture()

	const newcomer = "https://remote.example.org/actors/carol"
	raw, err := types.LoadAsRawApObj([]byte(`{
		"id": "` + newcomer + `",
		"type": "Person",
		"inbox": "` + newcomer + `/inbox"
	}`))
	if err != nil {
		t.Fatal(err)
	}
	res.entities[newcomer] = entity.Factory(raw)

	follow := wireActivity(t, `{
		"id": "https://remote.example.org/activities/follow-9",
		"type": "Follow",
		"actor": "`+newcomer+`",
		"object": "`+localGroup+`"
	}`)
	ok, err := proc.Process(context.Background(), follow, localGroup)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("follow from an uncached actor rolled back")
	}

	stored, found := st.actors[newcomer]
	if !found {
		t.Fatal("resolved actor was never persisted")
	}
	if stored.ApType != vocab.TypePerson || stored.Inbox != newcomer+"/inbox" {
		t.Errorf("persisted actor row %+v lost wire fields", stored)
	}
	if _, found := st.activities["https://remote.example.org/activities/follow-9"]; !found {
		t.Error("follow activity not recorded")
	}
	if len(del.scheduled) != 1 {
		t.Errorf("expected one Accept delivery, got %d", len(del.scheduled))
	}
}

func TestProcessDuplicateFollowConverges(t *testing.T) {
	proc, st, _, _ := fixture()

	for i := 0; i < 3; i++ {
		if _, err := proc.Process(context.Background(), wireActivity(t, followJSON), localGroup); err != nil {
			t.Fatalf("redelivery %d: %v", i, err)
		}
	}

	if len(st.follows) != 1 {
		t.Errorf("redelivered follow produced %d edges, want 1", len(st.follows))
	}
	var followRows int
	for _, a := range st.activities {
		if a.ApType == vocab.TypeFollow {
			followRows++
		}
	}
	if followRows != 1 {
		t.Errorf("redelivered follow produced %d activity rows, want 1", followRows)
	}
}

func TestProcessUndoFollowRemovesEdgeKeepsAccept(t *testing.T) {
	proc, st, res, del := fixture()

	if ok, _ := proc.Process(context.Background(), wireActivity(t, followJSON), localGroup); !ok {
		t.Fatal("follow setup failed")
	}

	followRec := st.activities["https://remote.example.org/activities/follow-1"]
	res.entities[followRec.ApID] = entity.FromActivityRecord(&followRec)

	var acceptID string
	for id, a := range st.activities {
		if a.ApType == vocab.TypeAccept {
			acceptID = id
		}
	}
	if acceptID == "" {
		t.Fatal("no Accept recorded")
	}

	undo := wireActivity(t, `{
		"id": "https://remote.example.org/activities/undo-1",
		"type": "Undo",
		"actor": "https://remote.example.org/actors/bob",
		"object": "https://remote.example.org/activities/follow-1"
	}`)
	ok, err := proc.Process(context.Background(), undo, localGroup)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected undo to be performed")
	}

	if _, found := st.follows[remoteActor+"|"+localGroup]; found {
		t.Error("follow edge survived the undo")
	}
	if _, found := st.activities[acceptID]; !found {
		t.Error("the Accept we sent should stay on record")
	}
	if len(del.cancelled) != 1 || del.cancelled[0] != "https://remote.example.org/activities/follow-1" {
		t.Errorf("expected pending deliveries of the follow cancelled, got %v", del.cancelled)
	}
}

func TestProcessStoreFailureRollsBackEverything(t *testing.T) {
	proc, st, _, del := fixture()
	st.failCreateActivity = true

	ok, err := proc.Process(context.Background(), wireActivity(t, followJSON), localGroup)
	if ok {
		t.Fatal("activity must not be reported performed")
	}
	if err == nil {
		t.Fatal("injected failure should surface")
	}

	if len(st.follows) != 0 {
		t.Error("follow edge leaked past the rollback")
	}
	if len(st.activities) != 0 {
		t.Error("activity row leaked past the rollback")
	}
	if len(del.scheduled) != 0 {
		t.Error("delivery scheduled despite rollback")
	}
}

func TestProcessRejectsActivityOutsideCapabilities(t *testing.T) {
	proc, st, res, _ := fixture()

	noteRaw, _ := types.LoadAsRawApObj([]byte(`{
		"id": "https://remote.example.org/notes/1",
		"type": "Note",
		"attributedTo": "https://forum.example.com/ap/actors/golang",
		"content": "hi"
	}`))
	res.entities["https://remote.example.org/notes/1"] = entity.Factory(noteRaw)

	// Groups cannot Create; only announce, settle follows and delete.
	create := wireActivity(t, `{
		"id": "https://forum.example.com/ap/activities/create-1",
		"type": "Create",
		"actor": "https://forum.example.com/ap/actors/golang",
		"object": "https://remote.example.org/notes/1"
	}`)
	ok, err := proc.Process(context.Background(), create, "")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("capability table should drop a Group's Create")
	}
	if len(st.objects) != 0 || len(st.activities) != 0 {
		t.Error("rejected activity left rows behind")
	}
}

func TestRegistryPriorityAndBaseFallback(t *testing.T) {
	var order []string
	mk := func(name string) HandlerFunc {
		return func(ctx context.Context, pc *Context) error {
			order = append(order, name)
			return nil
		}
	}

	reg := NewBuilder().
		Register(vocab.BaseActivity, StagePerform, 50, mk("base")).
		Register(vocab.TypeFollow, StagePerform, 20, mk("late")).
		Register(vocab.TypeFollow, StagePerform, 10, mk("early")).
		Build()

	for _, fn := range reg.Callbacks(vocab.TypeFollow, vocab.BaseActivity, StagePerform) {
		fn(context.Background(), nil)
	}
	want := []string{"early", "late", "base"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("callback order %v, want %v", order, want)
		}
	}

	if got := reg.Callbacks(vocab.TypeLike, vocab.BaseActivity, StagePerform); len(got) != 1 {
		t.Errorf("base fallback should fire for every concrete activity, got %d callbacks", len(got))
	}
}
