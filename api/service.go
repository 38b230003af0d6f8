package api

import (
	"context"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/forumfed/forum-ap-bridge/apclient"
	"github.com/forumfed/forum-ap-bridge/bridge"
	"github.com/forumfed/forum-ap-bridge/entity"
	"github.com/forumfed/forum-ap-bridge/resolver"
	"github.com/forumfed/forum-ap-bridge/store"
	"github.com/forumfed/forum-ap-bridge/types"
	"github.com/forumfed/forum-ap-bridge/vocab"
)

// Service is the application-facing side of the bridge. The forum software
// calls it to enable federation on its models and to act on behalf of users.
type Service struct {
	store    *store.Store
	apclient *apclient.ApClient
	resolver *resolver.Resolver
	bridge   *bridge.Service
	config   types.ApConfig
}

func NewService(
	store *store.Store,
	apclient *apclient.ApClient,
	resolver *resolver.Resolver,
	bridge *bridge.Service,
	config types.ApConfig,
) *Service {
	return &Service{
		store,
		apclient,
		resolver,
		bridge,
		config,
	}
}

func (s *Service) EnableFederation(ctx context.Context, modelType, modelID string) (types.ApActor, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.EnableFederation")
	defer span.End()

	actor, err := s.bridge.EnableActor(ctx, modelType, modelID)
	if err != nil {
		span.RecordError(err)
		return types.ApActor{}, err
	}

	actor.PrivateKey = ""
	return actor, nil
}

func (s *Service) DisableFederation(ctx context.Context, modelType, modelID string) error {
	ctx, span := tracer.Start(ctx, "Api.Service.DisableFederation")
	defer span.End()

	return s.bridge.DisableActor(ctx, modelType, modelID)
}

func (s *Service) GetActor(ctx context.Context, modelType, modelID string) (types.ApActor, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.GetActor")
	defer span.End()

	actor, err := s.store.GetActorByModel(ctx, modelType, modelID)
	if err != nil {
		span.RecordError(err)
		return types.ApActor{}, err
	}

	actor.PrivateKey = ""
	return actor, nil
}

// Follow sends a Follow to a remote actor on behalf of a local user. The
// edge stays pending until the remote side answers with Accept.
func (s *Service) Follow(ctx context.Context, userModelID, target string) (types.ApFollow, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.Follow")
	defer span.End()

	actor, err := s.localUser(ctx, userModelID)
	if err != nil {
		span.RecordError(err)
		return types.ApFollow{}, err
	}

	remote, err := s.resolveTarget(ctx, target, actor)
	if err != nil {
		log.Println("resolve target error", err)
		span.RecordError(err)
		return types.ApFollow{}, err
	}

	followKey := uuid.New().String()
	followID := "https://" + s.config.FQDN + "/ap/activities/" + followKey

	_, err = s.store.CreateActivity(ctx, types.ApActivity{
		ApID:       followID,
		ApKey:      followKey,
		ApType:     vocab.TypeFollow,
		ActorID:    actor.ApID,
		ObjectType: vocab.BaseActor,
		ObjectID:   remote.ID(),
		Visibility: vocab.VisibilityPrivate,
		Local:      true,
	})
	if err != nil {
		span.RecordError(err)
		return types.ApFollow{}, err
	}

	follow := types.ApFollow{
		ApID:       followID,
		FollowerID: actor.ApID,
		FollowedID: remote.ID(),
		Accepted:   false,
	}
	if err := s.store.CreateFollow(ctx, follow); err != nil {
		span.RecordError(err)
		return types.ApFollow{}, err
	}

	followObject := map[string]any{
		"@context": vocab.ActivityStreamsContext,
		"id":       followID,
		"type":     vocab.TypeFollow,
		"actor":    actor.ApID,
		"object":   remote.ID(),
	}
	if err := s.apclient.PostToInbox(ctx, remote.Inbox(), followObject, actor); err != nil {
		log.Println("post to inbox error", err)
		span.RecordError(err)
		return types.ApFollow{}, err
	}

	return follow, nil
}

// UnFollow undoes an earlier Follow, whether or not it was ever accepted.
func (s *Service) UnFollow(ctx context.Context, userModelID, target string) (types.ApFollow, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.UnFollow")
	defer span.End()

	actor, err := s.localUser(ctx, userModelID)
	if err != nil {
		span.RecordError(err)
		return types.ApFollow{}, err
	}

	remote, err := s.resolveTarget(ctx, target, actor)
	if err != nil {
		span.RecordError(err)
		return types.ApFollow{}, err
	}

	follow, err := s.store.GetFollow(ctx, actor.ApID, remote.ID())
	if err != nil {
		span.RecordError(err)
		return types.ApFollow{}, err
	}

	undoObject := map[string]any{
		"@context": vocab.ActivityStreamsContext,
		"id":       follow.ApID + "/undo",
		"type":     vocab.TypeUndo,
		"actor":    actor.ApID,
		"object": map[string]any{
			"id":     follow.ApID,
			"type":   vocab.TypeFollow,
			"actor":  actor.ApID,
			"object": remote.ID(),
		},
	}
	if err := s.apclient.PostToInbox(ctx, remote.Inbox(), undoObject, actor); err != nil {
		span.RecordError(err)
		return types.ApFollow{}, err
	}

	removed, err := s.store.RemoveFollow(ctx, actor.ApID, remote.ID())
	if err != nil {
		span.RecordError(err)
		return types.ApFollow{}, err
	}

	// The pending Follow row has no further use once the edge is gone.
	if err := s.store.DeleteActivity(ctx, follow.ApID); err != nil {
		span.RecordError(err)
	}

	return removed, nil
}

func (s *Service) LikeObject(ctx context.Context, userModelID, objectApID string) error {
	ctx, span := tracer.Start(ctx, "Api.Service.LikeObject")
	defer span.End()

	return s.bridge.LikeObject(ctx, userModelID, objectApID)
}

func (s *Service) GetStats(ctx context.Context, modelType, modelID string) (types.ActorStats, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.GetStats")
	defer span.End()

	actor, err := s.store.GetActorByModel(ctx, modelType, modelID)
	if err != nil {
		span.RecordError(err)
		return types.ActorStats{}, err
	}

	return s.store.GetActorStats(ctx, actor.ApID)
}

func (s *Service) GetFollows(ctx context.Context, modelType, modelID string) ([]types.ApFollow, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.GetFollows")
	defer span.End()

	actor, err := s.store.GetActorByModel(ctx, modelType, modelID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return s.store.GetFollows(ctx, actor.ApID)
}

func (s *Service) GetFollowers(ctx context.Context, modelType, modelID string) ([]types.ApFollow, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.GetFollowers")
	defer span.End()

	actor, err := s.store.GetActorByModel(ctx, modelType, modelID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return s.store.GetFollowers(ctx, actor.ApID)
}

// ResolveActor fetches a remote actor document for display, by handle or id.
func (s *Service) ResolveActor(ctx context.Context, userModelID, target string) (any, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.ResolveActor")
	defer span.End()

	actor, err := s.localUser(ctx, userModelID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	remote, err := s.resolveTarget(ctx, target, actor)
	if err != nil {
		log.Println("resolve target error", err)
		span.RecordError(err)
		return nil, err
	}

	return remote.JSON().GetData(), nil
}

// Settings keys the forum may read and write at runtime.
var settingKeys = []string{
	store.SettingEnabled,
	store.SettingRequireSignedRequests,
	store.SettingMaxRetries,
	store.SettingBackoffBase,
	store.SettingAllowedOrigins,
	store.SettingBlockedOrigins,
}

func (s *Service) GetSettings(ctx context.Context) (map[string]string, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.GetSettings")
	defer span.End()

	settings := make(map[string]string)
	for _, key := range settingKeys {
		value, err := s.store.GetSetting(ctx, key)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		settings[key] = value
	}
	return settings, nil
}

func (s *Service) UpdateSettings(ctx context.Context, settings map[string]string) error {
	ctx, span := tracer.Start(ctx, "Api.Service.UpdateSettings")
	defer span.End()

	for key := range settings {
		if !knownSetting(key) {
			return errors.Errorf("unknown setting %q", key)
		}
	}
	for key, value := range settings {
		if err := s.store.PutSetting(ctx, key, value); err != nil {
			span.RecordError(err)
			return err
		}
	}
	return nil
}

func (s *Service) localUser(ctx context.Context, userModelID string) (types.ApActor, error) {
	actor, err := s.store.GetActorByModel(ctx, bridge.ModelUser, userModelID)
	if err != nil {
		return types.ApActor{}, err
	}
	if !actor.Enabled {
		return types.ApActor{}, errors.New("user is not federating")
	}
	return actor, nil
}

// resolveTarget accepts either an actor id or a user@domain handle.
func (s *Service) resolveTarget(ctx context.Context, target string, signer types.ApActor) (*entity.Actor, error) {
	id := target
	if !strings.HasPrefix(target, "https://") {
		resolved, err := apclient.ResolveActorHandle(ctx, target)
		if err != nil {
			return nil, err
		}
		id = resolved
	}

	remote, err := s.resolver.ResolveActor(ctx, id, resolver.Options{SignAs: &signer})
	if err != nil {
		return nil, err
	}
	if err := s.resolver.Persist(ctx, remote); err != nil {
		return nil, err
	}
	return remote, nil
}

func knownSetting(key string) bool {
	for _, k := range settingKeys {
		if k == key {
			return true
		}
	}
	return false
}
