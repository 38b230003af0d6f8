package store

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/forumfed/forum-ap-bridge/types"
	"github.com/forumfed/forum-ap-bridge/vocab"
)

var tracer = otel.Tracer("store")

var (
	ErrNotFound     = gorm.ErrRecordNotFound
	ErrHasActivity  = errors.New("actor still has dependent activities")
	ErrNotPermitted = errors.New("actor type cannot perform this activity")
)

// Store is a repository for ActivityPub records.
type Store struct {
	db *gorm.DB
}

// NewStore returns a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Transaction runs fn inside a database transaction. fn receives a Store
// bound to the transaction handle; any error rolls everything back.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &Store{db: tx})
	})
}

// GetActorByApID returns an actor by its ActivityPub id.
func (s *Store) GetActorByApID(ctx context.Context, apID string) (types.ApActor, error) {
	ctx, span := tracer.Start(ctx, "StoreGetActorByApID")
	defer span.End()

	var actor types.ApActor
	result := s.db.WithContext(ctx).Where("ap_id = ?", apID).First(&actor)
	return actor, result.Error
}

// GetActorByUsername returns a local actor by preferred username.
func (s *Store) GetActorByUsername(ctx context.Context, username string) (types.ApActor, error) {
	ctx, span := tracer.Start(ctx, "StoreGetActorByUsername")
	defer span.End()

	var actor types.ApActor
	result := s.db.WithContext(ctx).Where("username = ? AND local = ?", username, true).First(&actor)
	return actor, result.Error
}

// GetActorByModel returns the actor fronting a forum model row.
func (s *Store) GetActorByModel(ctx context.Context, modelType, modelID string) (types.ApActor, error) {
	ctx, span := tracer.Start(ctx, "StoreGetActorByModel")
	defer span.End()

	var actor types.ApActor
	result := s.db.WithContext(ctx).Where("model_type = ? AND model_id = ?", modelType, modelID).First(&actor)
	return actor, result.Error
}

// GetLocalActors returns all enabled local actors.
func (s *Store) GetLocalActors(ctx context.Context) ([]types.ApActor, error) {
	ctx, span := tracer.Start(ctx, "StoreGetLocalActors")
	defer span.End()

	var actors []types.ApActor
	err := s.db.WithContext(ctx).Where("local = ? AND enabled = ?", true, true).Find(&actors).Error
	return actors, err
}

// UpsertActor inserts or refreshes an actor keyed by ap_id. Concurrent
// resolutions of the same remote actor converge on one row.
func (s *Store) UpsertActor(ctx context.Context, actor types.ApActor) (types.ApActor, error) {
	ctx, span := tracer.Start(ctx, "StoreUpsertActor")
	defer span.End()

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ap_id"}},
		UpdateAll: true,
	}).Create(&actor)
	return actor, result.Error
}

// TombstoneActor marks an actor deleted while keeping the row and its
// keypair, so later signed fetches of the tombstone still work.
func (s *Store) TombstoneActor(ctx context.Context, apID string) error {
	ctx, span := tracer.Start(ctx, "StoreTombstoneActor")
	defer span.End()

	now := time.Now()
	return s.db.WithContext(ctx).Model(&types.ApActor{}).
		Where("ap_id = ? AND deleted_at IS NULL", apID).
		Updates(map[string]any{
			"ap_former_type": gorm.Expr("ap_type"),
			"ap_type":        vocab.TypeTombstone,
			"name":           "",
			"summary":        "",
			"icon_url":       "",
			"deleted_at":     now,
		}).Error
}

// DeleteActor removes an actor row outright. Refused while activities still
// reference it; callers tombstone instead in that case.
func (s *Store) DeleteActor(ctx context.Context, apID string) error {
	ctx, span := tracer.Start(ctx, "StoreDeleteActor")
	defer span.End()

	var count int64
	err := s.db.WithContext(ctx).Model(&types.ApActivity{}).Where("actor_id = ?", apID).Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrHasActivity
	}
	return s.db.WithContext(ctx).Where("ap_id = ?", apID).Delete(&types.ApActor{}).Error
}

// GetActivityByApID returns an activity by its ActivityPub id.
func (s *Store) GetActivityByApID(ctx context.Context, apID string) (types.ApActivity, error) {
	ctx, span := tracer.Start(ctx, "StoreGetActivityByApID")
	defer span.End()

	var activity types.ApActivity
	result := s.db.WithContext(ctx).Where("ap_id = ?", apID).First(&activity)
	return activity, result.Error
}

// CreateActivity records an activity after checking the performing actor's
// type is allowed to do it against the target's base type.
func (s *Store) CreateActivity(ctx context.Context, activity types.ApActivity) (types.ApActivity, error) {
	ctx, span := tracer.Start(ctx, "StoreCreateActivity")
	defer span.End()

	actor, err := s.GetActorByApID(ctx, activity.ActorID)
	if err != nil {
		return types.ApActivity{}, errors.Wrap(err, "performing actor not stored")
	}
	if !vocab.Can(actor.ApType, activity.ApType, activity.ObjectType) {
		return types.ApActivity{}, ErrNotPermitted
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ap_id"}},
		DoNothing: true,
	}).Create(&activity)
	return activity, result.Error
}

// DeleteActivity removes an activity row, used when an Undo retracts it.
func (s *Store) DeleteActivity(ctx context.Context, apID string) error {
	ctx, span := tracer.Start(ctx, "StoreDeleteActivity")
	defer span.End()

	return s.db.WithContext(ctx).Where("ap_id = ?", apID).Delete(&types.ApActivity{}).Error
}

// MarkActivityPublished stamps the first successful delivery time. The
// guard keeps retries from moving an already-set timestamp.
func (s *Store) MarkActivityPublished(ctx context.Context, apID string, at time.Time) error {
	ctx, span := tracer.Start(ctx, "StoreMarkActivityPublished")
	defer span.End()

	return s.db.WithContext(ctx).Model(&types.ApActivity{}).
		Where("ap_id = ? AND published_at IS NULL", apID).
		Update("published_at", at).Error
}

// GetActivitiesByActor returns an actor's recorded activities, newest first.
func (s *Store) GetActivitiesByActor(ctx context.Context, actorID string, limit int) ([]types.ApActivity, error) {
	ctx, span := tracer.Start(ctx, "StoreGetActivitiesByActor")
	defer span.End()

	var activities []types.ApActivity
	q := s.db.WithContext(ctx).Where("actor_id = ?", actorID).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&activities).Error
	return activities, err
}

// GetActivitiesByObject returns activities targeting an object, such as all
// Likes of a post. An empty apType matches every activity type.
func (s *Store) GetActivitiesByObject(ctx context.Context, apType, objectID string) ([]types.ApActivity, error) {
	ctx, span := tracer.Start(ctx, "StoreGetActivitiesByObject")
	defer span.End()

	var activities []types.ApActivity
	q := s.db.WithContext(ctx).Where("object_id = ?", objectID)
	if apType != "" {
		q = q.Where("ap_type = ?", apType)
	}
	err := q.Order("created_at desc").Find(&activities).Error
	return activities, err
}

// GetObjectByApID returns an object by its ActivityPub id.
func (s *Store) GetObjectByApID(ctx context.Context, apID string) (types.ApObjectRecord, error) {
	ctx, span := tracer.Start(ctx, "StoreGetObjectByApID")
	defer span.End()

	var object types.ApObjectRecord
	result := s.db.WithContext(ctx).Where("ap_id = ?", apID).First(&object)
	return object, result.Error
}

// GetObjectByModel returns the object fronting a forum model row.
func (s *Store) GetObjectByModel(ctx context.Context, modelType, modelID string) (types.ApObjectRecord, error) {
	ctx, span := tracer.Start(ctx, "StoreGetObjectByModel")
	defer span.End()

	var object types.ApObjectRecord
	result := s.db.WithContext(ctx).Where("model_type = ? AND model_id = ?", modelType, modelID).First(&object)
	return object, result.Error
}

// UpsertObject inserts or refreshes an object keyed by ap_id.
func (s *Store) UpsertObject(ctx context.Context, object types.ApObjectRecord) (types.ApObjectRecord, error) {
	ctx, span := tracer.Start(ctx, "StoreUpsertObject")
	defer span.End()

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ap_id"}},
		UpdateAll: true,
	}).Create(&object)
	return object, result.Error
}

// GetObjectsByCollection returns live objects filed under a collection actor,
// newest first.
func (s *Store) GetObjectsByCollection(ctx context.Context, collectionID string, limit int) ([]types.ApObjectRecord, error) {
	ctx, span := tracer.Start(ctx, "StoreGetObjectsByCollection")
	defer span.End()

	var objects []types.ApObjectRecord
	q := s.db.WithContext(ctx).
		Where("collection_id = ? AND deleted_at IS NULL", collectionID).
		Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&objects).Error
	return objects, err
}

// TombstoneObject blanks a deleted object's content but keeps the row so the
// id keeps resolving to a Tombstone.
func (s *Store) TombstoneObject(ctx context.Context, apID string) error {
	ctx, span := tracer.Start(ctx, "StoreTombstoneObject")
	defer span.End()

	now := time.Now()
	return s.db.WithContext(ctx).Model(&types.ApObjectRecord{}).
		Where("ap_id = ? AND deleted_at IS NULL", apID).
		Updates(map[string]any{
			"ap_former_type": gorm.Expr("ap_type"),
			"ap_type":        vocab.TypeTombstone,
			"content":        "",
			"name":           "",
			"summary":        "",
			"deleted_at":     now,
		}).Error
}

// DeleteObject removes an object row outright, once the origin confirmed the
// deletion.
func (s *Store) DeleteObject(ctx context.Context, apID string) error {
	ctx, span := tracer.Start(ctx, "StoreDeleteObject")
	defer span.End()

	if err := s.db.WithContext(ctx).Where("object_id = ?", apID).Delete(&types.ApAttachment{}).Error; err != nil {
		return err
	}
	return s.db.WithContext(ctx).Where("ap_id = ?", apID).Delete(&types.ApObjectRecord{}).Error
}

// MarkObjectDelivered stamps the first successful outbound delivery.
func (s *Store) MarkObjectDelivered(ctx context.Context, apID string, at time.Time) error {
	ctx, span := tracer.Start(ctx, "StoreMarkObjectDelivered")
	defer span.End()

	return s.db.WithContext(ctx).Model(&types.ApObjectRecord{}).
		Where("ap_id = ? AND delivered_at IS NULL", apID).
		Update("delivered_at", at).Error
}

// SaveAttachments replaces an object's attachment rows.
func (s *Store) SaveAttachments(ctx context.Context, objectID string, attachments []types.ApAttachment) error {
	ctx, span := tracer.Start(ctx, "StoreSaveAttachments")
	defer span.End()

	if err := s.db.WithContext(ctx).Where("object_id = ?", objectID).Delete(&types.ApAttachment{}).Error; err != nil {
		return err
	}
	if len(attachments) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&attachments).Error
}

// GetAttachments returns an object's attachment rows.
func (s *Store) GetAttachments(ctx context.Context, objectID string) ([]types.ApAttachment, error) {
	ctx, span := tracer.Start(ctx, "StoreGetAttachments")
	defer span.End()

	var attachments []types.ApAttachment
	err := s.db.WithContext(ctx).Where("object_id = ?", objectID).Find(&attachments).Error
	return attachments, err
}

// CreateFollow records a follow edge. Replays of the same Follow are
// absorbed by the (follower, followed) unique index.
func (s *Store) CreateFollow(ctx context.Context, follow types.ApFollow) error {
	ctx, span := tracer.Start(ctx, "StoreCreateFollow")
	defer span.End()

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "follower_id"}, {Name: "followed_id"}},
		DoNothing: true,
	}).Create(&follow).Error
}

// GetFollow returns the edge between two actors.
func (s *Store) GetFollow(ctx context.Context, followerID, followedID string) (types.ApFollow, error) {
	ctx, span := tracer.Start(ctx, "StoreGetFollow")
	defer span.End()

	var follow types.ApFollow
	result := s.db.WithContext(ctx).Where("follower_id = ? AND followed_id = ?", followerID, followedID).First(&follow)
	return follow, result.Error
}

// GetFollowByApID returns a follow edge by the Follow activity's id.
func (s *Store) GetFollowByApID(ctx context.Context, apID string) (types.ApFollow, error) {
	ctx, span := tracer.Start(ctx, "StoreGetFollowByApID")
	defer span.End()

	var follow types.ApFollow
	result := s.db.WithContext(ctx).Where("ap_id = ?", apID).First(&follow)
	return follow, result.Error
}

// SettleFollow marks a pending outbound follow accepted or removes it on
// rejection.
func (s *Store) SettleFollow(ctx context.Context, apID string, accepted bool) error {
	ctx, span := tracer.Start(ctx, "StoreSettleFollow")
	defer span.End()

	if !accepted {
		return s.db.WithContext(ctx).Where("ap_id = ?", apID).Delete(&types.ApFollow{}).Error
	}
	return s.db.WithContext(ctx).Model(&types.ApFollow{}).
		Where("ap_id = ?", apID).Update("accepted", true).Error
}

// RemoveFollow deletes the edge between two actors, returning the removed
// row so callers can reference the original Follow id.
func (s *Store) RemoveFollow(ctx context.Context, followerID, followedID string) (types.ApFollow, error) {
	ctx, span := tracer.Start(ctx, "StoreRemoveFollow")
	defer span.End()

	var follow types.ApFollow
	err := s.db.WithContext(ctx).Where("follower_id = ? AND followed_id = ?", followerID, followedID).First(&follow).Error
	if err != nil {
		return types.ApFollow{}, err
	}
	err = s.db.WithContext(ctx).Where("follower_id = ? AND followed_id = ?", followerID, followedID).Delete(&types.ApFollow{}).Error
	if err != nil {
		return types.ApFollow{}, err
	}
	return follow, nil
}

// GetFollowers returns accepted followers of an actor.
func (s *Store) GetFollowers(ctx context.Context, followedID string) ([]types.ApFollow, error) {
	ctx, span := tracer.Start(ctx, "StoreGetFollowers")
	defer span.End()

	var follows []types.ApFollow
	err := s.db.WithContext(ctx).Where("followed_id = ? AND accepted = ?", followedID, true).Find(&follows).Error
	return follows, err
}

// GetFollows returns actors an actor follows, accepted edges only.
func (s *Store) GetFollows(ctx context.Context, followerID string) ([]types.ApFollow, error) {
	ctx, span := tracer.Start(ctx, "StoreGetFollows")
	defer span.End()

	var follows []types.ApFollow
	err := s.db.WithContext(ctx).Where("follower_id = ? AND accepted = ?", followerID, true).Find(&follows).Error
	return follows, err
}

// GetActorStats counts an actor's follower/following edges and activities.
func (s *Store) GetActorStats(ctx context.Context, actorID string) (types.ActorStats, error) {
	ctx, span := tracer.Start(ctx, "StoreGetActorStats")
	defer span.End()

	var stats types.ActorStats
	err := s.db.WithContext(ctx).Model(&types.ApFollow{}).
		Where("followed_id = ? AND accepted = ?", actorID, true).Count(&stats.Followers).Error
	if err != nil {
		return stats, err
	}
	err = s.db.WithContext(ctx).Model(&types.ApFollow{}).
		Where("follower_id = ? AND accepted = ?", actorID, true).Count(&stats.Follows).Error
	if err != nil {
		return stats, err
	}
	err = s.db.WithContext(ctx).Model(&types.ApActivity{}).
		Where("actor_id = ?", actorID).Count(&stats.Activities).Error
	return stats, err
}

// TrackDeliveryFailure bumps the failure counter for an (actor, domain) pair.
func (s *Store) TrackDeliveryFailure(ctx context.Context, actorID, domain, reason string) error {
	ctx, span := tracer.Start(ctx, "StoreTrackDeliveryFailure")
	defer span.End()

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "actor_id"}, {Name: "domain"}},
		DoUpdates: clause.Assignments(map[string]any{
			"fail_count":     gorm.Expr("ap_delivery_failures.fail_count + 1"),
			"last_error":     reason,
			"last_failed_at": time.Now(),
		}),
	}).Create(&types.ApDeliveryFailure{
		ActorID:      actorID,
		Domain:       domain,
		FailCount:    1,
		LastError:    reason,
		LastFailedAt: time.Now(),
	}).Error
}

// ResetDeliveryFailure clears the counter after a successful delivery.
func (s *Store) ResetDeliveryFailure(ctx context.Context, actorID, domain string) error {
	ctx, span := tracer.Start(ctx, "StoreResetDeliveryFailure")
	defer span.End()

	return s.db.WithContext(ctx).
		Where("actor_id = ? AND domain = ?", actorID, domain).
		Delete(&types.ApDeliveryFailure{}).Error
}

// GetDeliveryFailure returns the current failure state for a pair; a zero
// row when none is tracked.
func (s *Store) GetDeliveryFailure(ctx context.Context, actorID, domain string) (types.ApDeliveryFailure, error) {
	ctx, span := tracer.Start(ctx, "StoreGetDeliveryFailure")
	defer span.End()

	var failure types.ApDeliveryFailure
	err := s.db.WithContext(ctx).Where("actor_id = ? AND domain = ?", actorID, domain).First(&failure).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.ApDeliveryFailure{ActorID: actorID, Domain: domain}, nil
	}
	return failure, err
}

// LoadKey parses an actor's PEM private key, accepting PKCS1 and PKCS8.
func (s *Store) LoadKey(ctx context.Context, actor types.ApActor) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(actor.PrivateKey))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the key")
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return priv, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DER encoded private key: %s", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}
