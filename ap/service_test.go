package ap

import (
	"context"
	"testing"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/forumfed/forum-ap-bridge/types"
	"github.com/forumfed/forum-ap-bridge/vocab"
)

const (
	testFQDN     = "forum.example.com"
	testTopicID  = "https://forum.example.com/ap/objects/topic-1"
	testAuthorID = "https://forum.example.com/ap/actors/alice"
)

// fakeRepo backs the federation read endpoints without a database.
type fakeRepo struct {
	actors     map[string]types.ApActor
	objects    map[string]types.ApObjectRecord
	activities []types.ApActivity
	follows    []types.ApFollow
}

func (r *fakeRepo) GetActorByUsername(ctx context.Context, username string) (types.ApActor, error) {
	for _, a := range r.actors {
		if a.Username == username {
			return a, nil
		}
	}
	return types.ApActor{}, gorm.ErrRecordNotFound
}

func (r *fakeRepo) GetActivityByApID(ctx context.Context, apID string) (types.ApActivity, error) {
	for _, a := range r.activities {
		if a.ApID == apID {
			return a, nil
		}
	}
	return types.ApActivity{}, gorm.ErrRecordNotFound
}

func (r *fakeRepo) GetActivitiesByActor(ctx context.Context, actorID string, limit int) ([]types.ApActivity, error) {
	var out []types.ApActivity
	for _, a := range r.activities {
		if a.ActorID == actorID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *fakeRepo) GetActivitiesByObject(ctx context.Context, apType, objectID string) ([]types.ApActivity, error) {
	var out []types.ApActivity
	for _, a := range r.activities {
		if a.ObjectID != objectID {
			continue
		}
		if apType != "" && a.ApType != apType {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *fakeRepo) GetObjectByApID(ctx context.Context, apID string) (types.ApObjectRecord, error) {
	if rec, ok := r.objects[apID]; ok {
		return rec, nil
	}
	return types.ApObjectRecord{}, gorm.ErrRecordNotFound
}

func (r *fakeRepo) GetObjectsByCollection(ctx context.Context, collectionID string, limit int) ([]types.ApObjectRecord, error) {
	var out []types.ApObjectRecord
	for _, rec := range r.objects {
		if rec.CollectionID == collectionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *fakeRepo) GetFollow(ctx context.Context, followerID, followedID string) (types.ApFollow, error) {
	for _, f := range r.follows {
		if f.FollowerID == followerID && f.FollowedID == followedID {
			return f, nil
		}
	}
	return types.ApFollow{}, gorm.ErrRecordNotFound
}

func (r *fakeRepo) GetFollowers(ctx context.Context, followedID string) ([]types.ApFollow, error) {
	var out []types.ApFollow
	for _, f := range r.follows {
		if f.FollowedID == followedID && f.Accepted {
			out = append(out, f)
		}
	}
	return out, nil
}

func (r *fakeRepo) GetFollows(ctx context.Context, followerID string) ([]types.ApFollow, error) {
	var out []types.ApFollow
	for _, f := range r.follows {
		if f.FollowerID == followerID && f.Accepted {
			out = append(out, f)
		}
	}
	return out, nil
}

func newTestService(repo *fakeRepo) *Service {
	return NewService(repo, nil, nil, types.NodeInfo{}, types.ApConfig{FQDN: testFQDN})
}

func publicTopic() types.ApObjectRecord {
	return types.ApObjectRecord{
		ApID:           testTopicID,
		ApKey:          "topic-1",
		ApType:         vocab.TypeNote,
		AttributedToID: testAuthorID,
		To:             pq.StringArray{vocab.PublicCollection},
	}
}

func TestObjectLikesAndSharesSplitByActivityType(t *testing.T) {
	repo := &fakeRepo{
		objects: map[string]types.ApObjectRecord{testTopicID: publicTopic()},
		activities: []types.ApActivity{
			{ApID: "https://remote.example.org/likes/1", ApType: vocab.TypeLike, ObjectID: testTopicID, Visibility: vocab.VisibilityPublic},
			{ApID: "https://remote.example.org/likes/2", ApType: vocab.TypeLike, ObjectID: testTopicID, Visibility: vocab.VisibilityPrivate},
			{ApID: "https://remote.example.org/shares/1", ApType: vocab.TypeAnnounce, ObjectID: testTopicID, Visibility: vocab.VisibilityPublic},
			{ApID: "https://remote.example.org/creates/1", ApType: vocab.TypeCreate, ObjectID: testTopicID, Visibility: vocab.VisibilityPublic},
		},
	}
	s := newTestService(repo)

	likes, err := s.ObjectLikes(context.Background(), "topic-1", "")
	if err != nil {
		t.Fatalf("ObjectLikes: %v", err)
	}
	if got := likes.MustGetString("id"); got != testTopicID+"/likes" {
		t.Errorf("likes collection id = %q", got)
	}
	items, _ := likes.GetStringSlice("orderedItems")
	if len(items) != 1 || items[0] != "https://remote.example.org/likes/1" {
		t.Errorf("likes items = %v, want only the public Like", items)
	}

	shares, err := s.ObjectShares(context.Background(), "topic-1", "")
	if err != nil {
		t.Fatalf("ObjectShares: %v", err)
	}
	if got := shares.MustGetString("id"); got != testTopicID+"/shares" {
		t.Errorf("shares collection id = %q", got)
	}
	items, _ = shares.GetStringSlice("orderedItems")
	if len(items) != 1 || items[0] != "https://remote.example.org/shares/1" {
		t.Errorf("shares items = %v, want only the Announce", items)
	}

	stream, err := s.ObjectStream(context.Background(), "topic-1", "")
	if err != nil {
		t.Fatalf("ObjectStream: %v", err)
	}
	items, _ = stream.GetStringSlice("orderedItems")
	if len(items) != 3 {
		t.Errorf("stream items = %v, want all public activities", items)
	}
}

func TestObjectLikesHonorVisibilityGate(t *testing.T) {
	private := publicTopic()
	private.To = pq.StringArray{testAuthorID + "/followers"}
	repo := &fakeRepo{
		objects: map[string]types.ApObjectRecord{testTopicID: private},
		follows: []types.ApFollow{
			{FollowerID: "https://remote.example.org/actors/bob", FollowedID: testAuthorID, Accepted: true},
		},
	}
	s := newTestService(repo)

	if _, err := s.ObjectLikes(context.Background(), "topic-1", ""); err != ErrNotAuthorized {
		t.Errorf("anonymous viewer: err = %v, want ErrNotAuthorized", err)
	}
	if _, err := s.ObjectLikes(context.Background(), "topic-1", "https://remote.example.org/actors/bob"); err != nil {
		t.Errorf("accepted follower: err = %v, want nil", err)
	}
	if _, err := s.ObjectLikes(context.Background(), "topic-1", "https://remote.example.org/actors/mallory"); err != ErrNotAuthorized {
		t.Errorf("stranger: err = %v, want ErrNotAuthorized", err)
	}
	if _, err := s.ObjectLikes(context.Background(), "gone", ""); err != ErrNotFound {
		t.Errorf("missing object: err = %v, want ErrNotFound", err)
	}
}

func TestFollowingListsAcceptedEdges(t *testing.T) {
	repo := &fakeRepo{
		actors: map[string]types.ApActor{
			testAuthorID: {ApID: testAuthorID, Username: "alice", Local: true},
		},
		follows: []types.ApFollow{
			{FollowerID: testAuthorID, FollowedID: "https://remote.example.org/actors/bob", Accepted: true},
			{FollowerID: testAuthorID, FollowedID: "https://remote.example.org/actors/carol", Accepted: false},
			{FollowerID: "https://remote.example.org/actors/bob", FollowedID: testAuthorID, Accepted: true},
		},
	}
	s := newTestService(repo)

	result, err := s.Following(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Following: %v", err)
	}
	if got := result.MustGetString("id"); got != testAuthorID+"/following" {
		t.Errorf("collection id = %q", got)
	}
	items, _ := result.GetStringSlice("orderedItems")
	if len(items) != 1 || items[0] != "https://remote.example.org/actors/bob" {
		t.Errorf("items = %v, want only the accepted follow", items)
	}

	if _, err := s.Following(context.Background(), "nobody"); err != ErrNotFound {
		t.Errorf("unknown actor: err = %v, want ErrNotFound", err)
	}
}
