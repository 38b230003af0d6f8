// Package ap serves the federation HTTP surface: inboxes, actor and object
// documents, collections, webfinger and nodeinfo.
package ap

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/forumfed/forum-ap-bridge/bridge"
	"github.com/forumfed/forum-ap-bridge/entity"
	"github.com/forumfed/forum-ap-bridge/types"
	"github.com/forumfed/forum-ap-bridge/vocab"
)

// InboundQueueKey is the redis list the inbox pushes to and the worker
// drains.
const InboundQueueKey = "ap:inbound"

var (
	ErrNotFound          = errors.New("not found")
	ErrUnsupportedScheme = errors.New("unsupported resource scheme")
	ErrNotAuthorized     = errors.New("viewer may not see this")
	ErrNotReady          = errors.New("backing model is not ready")
)

// InboxItem is one accepted-but-unprocessed inbound activity.
type InboxItem struct {
	Recipient  string          `json:"recipient"`
	Body       json.RawMessage `json:"body"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Repository is the read surface the federation endpoints need. *store.Store
// satisfies it.
type Repository interface {
	GetActorByUsername(ctx context.Context, username string) (types.ApActor, error)
	GetActivityByApID(ctx context.Context, apID string) (types.ApActivity, error)
	GetActivitiesByActor(ctx context.Context, actorID string, limit int) ([]types.ApActivity, error)
	GetActivitiesByObject(ctx context.Context, apType, objectID string) ([]types.ApActivity, error)
	GetObjectByApID(ctx context.Context, apID string) (types.ApObjectRecord, error)
	GetObjectsByCollection(ctx context.Context, collectionID string, limit int) ([]types.ApObjectRecord, error)
	GetFollow(ctx context.Context, followerID, followedID string) (types.ApFollow, error)
	GetFollowers(ctx context.Context, followedID string) ([]types.ApFollow, error)
	GetFollows(ctx context.Context, followerID string) ([]types.ApFollow, error)
}

type Service struct {
	store    Repository
	registry *bridge.Registry
	rdb      *redis.Client
	info     types.NodeInfo
	config   types.ApConfig
}

func NewService(
	store Repository,
	registry *bridge.Registry,
	rdb *redis.Client,
	info types.NodeInfo,
	config types.ApConfig,
) *Service {
	return &Service{
		store,
		registry,
		rdb,
		info,
		config,
	}
}

// EnqueueInbound accepts a verified inbound activity for asynchronous
// processing.
func (s *Service) EnqueueInbound(ctx context.Context, recipient string, body []byte) error {
	ctx, span := tracer.Start(ctx, "ApServiceEnqueueInbound")
	defer span.End()

	item, err := json.Marshal(InboxItem{
		Recipient:  recipient,
		Body:       body,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return s.rdb.LPush(ctx, InboundQueueKey, item).Err()
}

func (s *Service) WebFinger(ctx context.Context, resource string) (types.WebFinger, error) {
	ctx, span := tracer.Start(ctx, "ApServiceWebFinger")
	defer span.End()

	scheme, rest, found := strings.Cut(resource, ":")
	if !found || scheme != "acct" {
		return types.WebFinger{}, ErrUnsupportedScheme
	}

	split := strings.Split(strings.TrimPrefix(rest, "@"), "@")
	if len(split) != 2 {
		return types.WebFinger{}, ErrNotFound
	}
	username, domain := split[0], split[1]
	if domain != s.config.FQDN {
		return types.WebFinger{}, ErrNotFound
	}
	actor, err := s.store.GetActorByUsername(ctx, username)
	if err != nil {
		return types.WebFinger{}, ErrNotFound
	}

	return types.WebFinger{
		Subject: resource,
		Links: []types.WebFingerLink{
			{
				Rel:  "self",
				Type: vocab.ContentType,
				Href: actor.ApID,
			},
		},
	}, nil
}

func (s *Service) NodeInfo(ctx context.Context) (types.NodeInfo, error) {
	_, span := tracer.Start(ctx, "ApServiceNodeInfo")
	defer span.End()
	return s.info, nil
}

func (s *Service) NodeInfoWellKnown(ctx context.Context) (types.WellKnown, error) {
	_, span := tracer.Start(ctx, "ApServiceNodeInfoWellKnown")
	defer span.End()
	return types.WellKnown{
		Links: []types.WellKnownLink{
			{
				Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				Href: "https://" + s.config.FQDN + "/ap/nodeinfo/2.0",
			},
		},
	}, nil
}

// HostMeta is the legacy XRD pointer some servers still probe for.
func (s *Service) HostMeta(ctx context.Context) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" template="https://` + s.config.FQDN + `/.well-known/webfinger?resource={uri}"/>
</XRD>`
}

// Actor returns a local actor's document.
func (s *Service) Actor(ctx context.Context, username string) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "ApServiceActor")
	defer span.End()

	actor, err := s.store.GetActorByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !actor.Enabled && actor.ApType != vocab.TypeTombstone {
		return nil, ErrNotReady
	}
	return entity.FromActorRecord(&actor).JSON(), nil
}

// Object returns an object document. Private objects need a viewer who is
// the author or one of the author's accepted followers.
func (s *Service) Object(ctx context.Context, key, viewerID string) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "ApServiceObject")
	defer span.End()

	rec, err := s.visibleObject(ctx, key, viewerID)
	if err != nil {
		return nil, err
	}
	return entity.FromObjectRecord(&rec).JSON(), nil
}

// visibleObject loads an object row and applies the visibility and model
// readiness gates shared by every per-object endpoint.
func (s *Service) visibleObject(ctx context.Context, key, viewerID string) (types.ApObjectRecord, error) {
	rec, err := s.store.GetObjectByApID(ctx, s.objectID(key))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return rec, ErrNotFound
		}
		return rec, err
	}

	obj := entity.FromObjectRecord(&rec)
	if !obj.Public() && !obj.Tombstoned() {
		if allowed, err := s.viewerAllowed(ctx, rec.AttributedToID, viewerID); err != nil || !allowed {
			return rec, ErrNotAuthorized
		}
	}
	if rec.ModelType != "" && s.registry != nil {
		ready, err := s.registry.Ready(ctx, rec.ModelType, rec.ModelID, obj.Tombstoned())
		if err != nil || !ready {
			return rec, ErrNotReady
		}
	}
	return rec, nil
}

// ObjectWebURL returns where a browser should land for an object.
func (s *Service) ObjectWebURL(ctx context.Context, key string) (string, error) {
	rec, err := s.store.GetObjectByApID(ctx, s.objectID(key))
	if err != nil || rec.URL == "" {
		return "", ErrNotFound
	}
	return rec.URL, nil
}

// Activity returns an activity document. Private activities are visible
// only to their own actor.
func (s *Service) Activity(ctx context.Context, key, viewerID string) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "ApServiceActivity")
	defer span.End()

	rec, err := s.store.GetActivityByApID(ctx, "https://"+s.config.FQDN+"/ap/activities/"+key)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if rec.Visibility != vocab.VisibilityPublic && viewerID != rec.ActorID {
		return nil, ErrNotAuthorized
	}

	wrapped := entity.FromActivityRecord(&rec)
	if rec.ObjectType == vocab.BaseObject {
		if object, err := s.store.GetObjectByApID(ctx, rec.ObjectID); err == nil {
			wrapped.Object = entity.FromObjectRecord(&object)
		}
	}
	return wrapped.JSON(), nil
}

// Followers returns an actor's followers as an OrderedCollection of ids.
func (s *Service) Followers(ctx context.Context, username string) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "ApServiceFollowers")
	defer span.End()

	actor, err := s.store.GetActorByUsername(ctx, username)
	if err != nil {
		return nil, ErrNotFound
	}
	follows, err := s.store.GetFollowers(ctx, actor.ApID)
	if err != nil {
		return nil, err
	}
	items := make([]any, 0, len(follows))
	for _, f := range follows {
		items = append(items, f.FollowerID)
	}
	return entity.NewOrderedCollection(actor.ApID+"/followers", entity.ItemsFollowers, items).JSON(), nil
}

// Outbox returns an actor's public activities, newest first.
func (s *Service) Outbox(ctx context.Context, username string) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "ApServiceOutbox")
	defer span.End()

	actor, err := s.store.GetActorByUsername(ctx, username)
	if err != nil {
		return nil, ErrNotFound
	}
	activities, err := s.store.GetActivitiesByActor(ctx, actor.ApID, 50)
	if err != nil {
		return nil, err
	}
	items := make([]any, 0, len(activities))
	for i := range activities {
		if activities[i].Visibility != vocab.VisibilityPublic {
			continue
		}
		items = append(items, entity.FromActivityRecord(&activities[i]).JSON().GetData())
	}
	return entity.NewOrderedCollection(actor.ApID+"/outbox", entity.ItemsOutbox, items).JSON(), nil
}

// Collection returns the live objects filed under a Group actor, for
// category and tag timelines.
func (s *Service) Collection(ctx context.Context, username string) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "ApServiceCollection")
	defer span.End()

	actor, err := s.store.GetActorByUsername(ctx, username)
	if err != nil {
		return nil, ErrNotFound
	}
	objects, err := s.store.GetObjectsByCollection(ctx, actor.ApID, 50)
	if err != nil {
		return nil, err
	}
	items := make([]any, 0, len(objects))
	for i := range objects {
		if !entity.FromObjectRecord(&objects[i]).Public() {
			continue
		}
		items = append(items, objects[i].ApID)
	}
	return entity.NewOrderedCollection(actor.ApID+"/collection", entity.ItemsObjects, items).JSON(), nil
}

// ObjectStream returns the public activities around a stored object as an
// OrderedCollection, such as a topic's stream of creates, likes and
// announces. The same visibility and readiness gates apply as for the
// object itself.
func (s *Service) ObjectStream(ctx context.Context, key, viewerID string) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "ApServiceObjectStream")
	defer span.End()

	collectionID := "https://" + s.config.FQDN + "/ap/collections/" + key
	return s.objectActivities(ctx, key, viewerID, "", entity.ItemsActivities, collectionID)
}

// ObjectLikes returns the Likes an object has collected.
func (s *Service) ObjectLikes(ctx context.Context, key, viewerID string) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "ApServiceObjectLikes")
	defer span.End()

	return s.objectActivities(ctx, key, viewerID, vocab.TypeLike, entity.ItemsLikes, s.objectID(key)+"/likes")
}

// ObjectShares returns the Announces an object has collected.
func (s *Service) ObjectShares(ctx context.Context, key, viewerID string) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "ApServiceObjectShares")
	defer span.End()

	return s.objectActivities(ctx, key, viewerID, vocab.TypeAnnounce, entity.ItemsAnnouncements, s.objectID(key)+"/shares")
}

func (s *Service) objectActivities(ctx context.Context, key, viewerID, apType string, itemCtx entity.ItemContext, collectionID string) (*types.RawApObj, error) {
	rec, err := s.visibleObject(ctx, key, viewerID)
	if err != nil {
		return nil, err
	}

	activities, err := s.store.GetActivitiesByObject(ctx, apType, rec.ApID)
	if err != nil {
		return nil, err
	}
	items := make([]any, 0, len(activities))
	for i := range activities {
		if activities[i].Visibility != vocab.VisibilityPublic {
			continue
		}
		items = append(items, activities[i].ApID)
	}
	return entity.NewOrderedCollection(collectionID, itemCtx, items).JSON(), nil
}

// Following returns the actors a local actor follows.
func (s *Service) Following(ctx context.Context, username string) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "ApServiceFollowing")
	defer span.End()

	actor, err := s.store.GetActorByUsername(ctx, username)
	if err != nil {
		return nil, ErrNotFound
	}
	follows, err := s.store.GetFollows(ctx, actor.ApID)
	if err != nil {
		return nil, err
	}
	items := make([]any, 0, len(follows))
	for _, f := range follows {
		items = append(items, f.FollowedID)
	}
	return entity.NewOrderedCollection(actor.ApID+"/following", entity.ItemsFollows, items).JSON(), nil
}

func (s *Service) viewerAllowed(ctx context.Context, authorID, viewerID string) (bool, error) {
	if viewerID == "" {
		return false, nil
	}
	if viewerID == authorID {
		return true, nil
	}
	follow, err := s.store.GetFollow(ctx, viewerID, authorID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return follow.Accepted, nil
}

func (s *Service) objectID(key string) string {
	return "https://" + s.config.FQDN + "/ap/objects/" + key
}
