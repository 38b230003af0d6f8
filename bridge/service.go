package bridge

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/forumfed/forum-ap-bridge/delivery"
	"github.com/forumfed/forum-ap-bridge/store"
	"github.com/forumfed/forum-ap-bridge/types"
	"github.com/forumfed/forum-ap-bridge/vocab"
)

var tracer = otel.Tracer("bridge")

// Service publishes forum model changes to the fediverse.
type Service struct {
	store    *store.Store
	queue    *delivery.Queue
	worker   *delivery.Worker
	registry *Registry
	config   types.ApConfig
}

func NewService(
	st *store.Store,
	queue *delivery.Queue,
	worker *delivery.Worker,
	registry *Registry,
	config types.ApConfig,
) *Service {
	return &Service{
		store:    st,
		queue:    queue,
		worker:   worker,
		registry: registry,
		config:   config,
	}
}

// EnableActor mints (or re-enables) the actor fronting a model. Users
// federate as Person, categories and tags as Group. The keypair is created
// lazily on first enable and never rotated here.
func (s *Service) EnableActor(ctx context.Context, modelType, modelID string) (types.ApActor, error) {
	ctx, span := tracer.Start(ctx, "BridgeEnableActor")
	defer span.End()

	if existing, err := s.store.GetActorByModel(ctx, modelType, modelID); err == nil {
		if !existing.Enabled {
			existing.Enabled = true
			return s.store.UpsertActor(ctx, existing)
		}
		return existing, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return types.ApActor{}, err
	}

	adapter, err := s.registry.adapter(modelType)
	if err != nil {
		return types.ApActor{}, err
	}
	snap, err := adapter.Snapshot(ctx, modelID)
	if err != nil {
		return types.ApActor{}, err
	}
	if snap.ActorType == "" || snap.Username == "" {
		return types.ApActor{}, errors.Errorf("model %s/%s cannot front an actor", modelType, modelID)
	}

	pub, priv, err := mintKeypair()
	if err != nil {
		return types.ApActor{}, err
	}

	apID := s.actorID(snap.Username)
	actor := types.ApActor{
		ApID:        apID,
		ApKey:       snap.Username,
		ApType:      snap.ActorType,
		Local:       true,
		Enabled:     true,
		Username:    snap.Username,
		Name:        snap.Name,
		Summary:     snap.Summary,
		Domain:      s.config.FQDN,
		Inbox:       apID + "/inbox",
		Outbox:      apID + "/outbox",
		SharedInbox: "https://" + s.config.FQDN + "/ap/inbox",
		IconURL:     snap.IconURL,
		PublicKey:   pub,
		PrivateKey:  priv,
		ModelType:   modelType,
		ModelID:     modelID,
	}
	return s.store.UpsertActor(ctx, actor)
}

// DisableActor stops federating a model without tombstoning: the actor
// document keeps resolving but new activity is refused.
func (s *Service) DisableActor(ctx context.Context, modelType, modelID string) error {
	actor, err := s.store.GetActorByModel(ctx, modelType, modelID)
	if err != nil {
		return err
	}
	actor.Enabled = false
	_, err = s.store.UpsertActor(ctx, actor)
	return err
}

// PublishModel federates new content: the object row is written, a Create
// activity recorded, and deliveries fanned out to the author's followers
// plus an Announce to the owning collection's followers.
func (s *Service) PublishModel(ctx context.Context, modelType, modelID string) error {
	ctx, span := tracer.Start(ctx, "BridgePublishModel")
	defer span.End()

	snap, author, err := s.contentSnapshot(ctx, modelType, modelID)
	if err != nil {
		return err
	}

	rec, err := s.store.GetObjectByModel(ctx, modelType, modelID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		key := uuid.New().String()
		rec = types.ApObjectRecord{
			ApID:      s.objectID(key),
			ApKey:     key,
			ModelType: modelType,
			ModelID:   modelID,
		}
	} else if err != nil {
		return err
	}

	collection, _ := s.collectionActor(ctx, snap)
	s.fillObject(ctx, &rec, snap, author, collection)
	now := time.Now().UTC()
	rec.PublishedAt = &now

	rec, err = s.store.UpsertObject(ctx, rec)
	if err != nil {
		return err
	}

	createID, err := s.recordActivity(ctx, vocab.TypeCreate, author.ApID, vocab.BaseObject, rec.ApID, snap.Public)
	if err != nil {
		return err
	}
	if err := s.worker.FanOutToFollowers(ctx, createID, author.ApID); err != nil {
		return err
	}

	if collection != nil {
		announceID, err := s.recordActivity(ctx, vocab.TypeAnnounce, collection.ApID, vocab.BaseObject, rec.ApID, snap.Public)
		if err != nil {
			return err
		}
		if err := s.worker.FanOutToFollowers(ctx, announceID, collection.ApID); err != nil {
			return err
		}
	}
	return nil
}

// UpdateModel refreshes the federated copy. An Update activity only goes
// out once the original Create has been delivered somewhere; before that
// the pending Create already carries the new content.
func (s *Service) UpdateModel(ctx context.Context, modelType, modelID string) error {
	ctx, span := tracer.Start(ctx, "BridgeUpdateModel")
	defer span.End()

	snap, author, err := s.contentSnapshot(ctx, modelType, modelID)
	if err != nil {
		return err
	}
	rec, err := s.store.GetObjectByModel(ctx, modelType, modelID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.PublishModel(ctx, modelType, modelID)
	} else if err != nil {
		return err
	}

	collection, _ := s.collectionActor(ctx, snap)
	s.fillObject(ctx, &rec, snap, author, collection)
	rec, err = s.store.UpsertObject(ctx, rec)
	if err != nil {
		return err
	}
	if rec.DeliveredAt == nil {
		return nil
	}

	updateID, err := s.recordActivity(ctx, vocab.TypeUpdate, author.ApID, vocab.BaseObject, rec.ApID, snap.Public)
	if err != nil {
		return err
	}
	return s.worker.FanOutToFollowers(ctx, updateID, author.ApID)
}

// DeleteModel tombstones the federated copy and tells the author's
// followers. The row survives so the id keeps answering with a Tombstone.
func (s *Service) DeleteModel(ctx context.Context, modelType, modelID string) error {
	ctx, span := tracer.Start(ctx, "BridgeDeleteModel")
	defer span.End()

	rec, err := s.store.GetObjectByModel(ctx, modelType, modelID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	author, err := s.store.GetActorByApID(ctx, rec.AttributedToID)
	if err != nil {
		return err
	}

	if err := s.store.TombstoneObject(ctx, rec.ApID); err != nil {
		return err
	}

	deleteID, err := s.recordActivity(ctx, vocab.TypeDelete, author.ApID, vocab.BaseObject, rec.ApID, true)
	if err != nil {
		return err
	}
	return s.worker.FanOutToFollowers(ctx, deleteID, author.ApID)
}

// RestoreModel reverses a tombstone after a moderator undeletes content.
func (s *Service) RestoreModel(ctx context.Context, modelType, modelID string) error {
	rec, err := s.store.GetObjectByModel(ctx, modelType, modelID)
	if err != nil {
		return err
	}
	if rec.ApType != vocab.TypeTombstone {
		return nil
	}
	rec.ApType = rec.ApFormerType
	rec.ApFormerType = ""
	rec.DeletedAt = nil
	if _, err := s.store.UpsertObject(ctx, rec); err != nil {
		return err
	}
	return s.UpdateModel(ctx, modelType, modelID)
}

// LikeObject records a local user liking federated content and delivers
// the Like to the content's author.
func (s *Service) LikeObject(ctx context.Context, userModelID, objectApID string) error {
	ctx, span := tracer.Start(ctx, "BridgeLikeObject")
	defer span.End()

	actor, err := s.store.GetActorByModel(ctx, ModelUser, userModelID)
	if err != nil {
		return err
	}
	object, err := s.store.GetObjectByApID(ctx, objectApID)
	if err != nil {
		return err
	}

	likeID, err := s.recordActivity(ctx, vocab.TypeLike, actor.ApID, vocab.BaseObject, object.ApID, false)
	if err != nil {
		return err
	}
	if object.AttributedToID == "" {
		return nil
	}
	return s.queue.Schedule(ctx, likeID, actor.ApID, object.AttributedToID)
}

func (s *Service) contentSnapshot(ctx context.Context, modelType, modelID string) (Snapshot, types.ApActor, error) {
	adapter, err := s.registry.adapter(modelType)
	if err != nil {
		return Snapshot{}, types.ApActor{}, err
	}
	snap, err := adapter.Snapshot(ctx, modelID)
	if err != nil {
		return Snapshot{}, types.ApActor{}, err
	}
	if snap.ObjectType == "" {
		return Snapshot{}, types.ApActor{}, errors.Errorf("model %s/%s carries no federated content", modelType, modelID)
	}
	author, err := s.store.GetActorByModel(ctx, ModelUser, snap.AuthorModelID)
	if err != nil {
		return Snapshot{}, types.ApActor{}, errors.Wrap(err, "author is not federating")
	}
	if !author.Enabled {
		return Snapshot{}, types.ApActor{}, errors.New("author is not federating")
	}
	return snap, author, nil
}

func (s *Service) collectionActor(ctx context.Context, snap Snapshot) (*types.ApActor, error) {
	if snap.CollectionModelType == "" {
		return nil, nil
	}
	actor, err := s.store.GetActorByModel(ctx, snap.CollectionModelType, snap.CollectionModelID)
	if err != nil {
		return nil, err
	}
	if !actor.Enabled {
		return nil, nil
	}
	return &actor, nil
}

func (s *Service) fillObject(ctx context.Context, rec *types.ApObjectRecord, snap Snapshot, author types.ApActor, collection *types.ApActor) {
	rec.ApType = snap.ObjectType
	rec.Content = MarkdownToHTML(snap.Markdown)
	rec.Name = snap.Title
	rec.AttributedToID = author.ApID
	rec.Domain = s.config.FQDN
	rec.URL = snap.URL

	if snap.ReplyToModelType != "" {
		if replyTo, err := s.store.GetObjectByModel(ctx, snap.ReplyToModelType, snap.ReplyToModelID); err == nil {
			rec.ReplyToID = replyTo.ApID
		}
	}

	cc := pq.StringArray{author.ApID + "/followers"}
	if collection != nil {
		rec.CollectionID = collection.ApID
		cc = append(cc, collection.ApID)
	}
	if snap.Public {
		rec.To = pq.StringArray{vocab.PublicCollection}
		rec.CC = cc
	} else {
		rec.To = cc
		rec.CC = nil
	}
}

func (s *Service) recordActivity(ctx context.Context, apType, actorID, objectType, objectID string, public bool) (string, error) {
	visibility := vocab.VisibilityPrivate
	if public {
		visibility = vocab.VisibilityPublic
	}
	key := uuid.New().String()
	activity := types.ApActivity{
		ApID:       s.activityID(key),
		ApKey:      key,
		ApType:     apType,
		ActorID:    actorID,
		ObjectType: objectType,
		ObjectID:   objectID,
		Visibility: visibility,
		Local:      true,
	}
	if _, err := s.store.CreateActivity(ctx, activity); err != nil {
		return "", err
	}
	return activity.ApID, nil
}

func (s *Service) actorID(username string) string {
	return "https://" + s.config.FQDN + "/ap/actors/" + username
}

func (s *Service) objectID(key string) string {
	return "https://" + s.config.FQDN + "/ap/objects/" + key
}

func (s *Service) activityID(key string) string {
	return "https://" + s.config.FQDN + "/ap/activities/" + key
}

// EnsureInstanceActor creates the server-wide actor used to sign fetches on
// behalf of no particular user, if it does not exist yet. Called once at
// startup; without it a fresh deployment could not dereference anything.
func (s *Service) EnsureInstanceActor(ctx context.Context) (types.ApActor, error) {
	ctx, span := tracer.Start(ctx, "BridgeEnsureInstanceActor")
	defer span.End()

	username := s.config.InstanceActor
	if username == "" {
		username = "instance.actor"
	}
	if existing, err := s.store.GetActorByUsername(ctx, username); err == nil {
		return existing, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return types.ApActor{}, err
	}

	actor, err := NewInstanceActor(s.config.FQDN, username)
	if err != nil {
		return types.ApActor{}, err
	}
	return s.store.UpsertActor(ctx, actor)
}

// NewInstanceActor mints the instance-wide Application actor.
func NewInstanceActor(fqdn, username string) (types.ApActor, error) {
	pub, priv, err := mintKeypair()
	if err != nil {
		return types.ApActor{}, err
	}
	apID := "https://" + fqdn + "/ap/actors/" + username
	return types.ApActor{
		ApID:        apID,
		ApKey:       username,
		ApType:      vocab.TypeApplication,
		Local:       true,
		Enabled:     true,
		Username:    username,
		Name:        fqdn,
		Domain:      fqdn,
		Inbox:       apID + "/inbox",
		Outbox:      apID + "/outbox",
		SharedInbox: "https://" + fqdn + "/ap/inbox",
		PublicKey:   pub,
		PrivateKey:  priv,
	}, nil
}

func mintKeypair() (publicPem string, privatePem string, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", err
	}

	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	privatePem = string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes}))

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", "", err
	}
	publicPem = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}))
	return publicPem, privatePem, nil
}
