package resolver

import (
	"context"
	"crypto/rsa"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/forumfed/forum-ap-bridge/apclient"
	"github.com/forumfed/forum-ap-bridge/entity"
	"github.com/forumfed/forum-ap-bridge/signature"
)

// PublicKey resolves a keyId to the owning actor's public key, preferring
// the stored actor row. Satisfies signature.ActorKeys.
func (r *Resolver) PublicKey(ctx context.Context, keyID string) (string, *rsa.PublicKey, error) {
	actorID, err := r.actorIDFromKeyID(ctx, keyID)
	if err != nil {
		return "", nil, err
	}

	if actor, err := r.store.GetActorByApID(ctx, actorID); err == nil && actor.PublicKey != "" {
		key, err := signature.ParsePublicKeyPem(actor.PublicKey)
		if err != nil {
			return "", nil, err
		}
		return actorID, key, nil
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, err
	}

	return r.RefreshPublicKey(ctx, keyID)
}

// RefreshPublicKey refetches the actor from its origin, updates the cache
// row and returns the fresh key.
func (r *Resolver) RefreshPublicKey(ctx context.Context, keyID string) (string, *rsa.PublicKey, error) {
	actorID, err := r.actorIDFromKeyID(ctx, keyID)
	if err != nil {
		return "", nil, err
	}

	signer, _ := r.InstanceActor(ctx)
	raw, err := r.client.RefreshActor(ctx, actorID, signer)
	if err != nil {
		return "", nil, err
	}
	actor, ok := entity.Factory(raw).(*entity.Actor)
	if !ok {
		return "", nil, errors.New("keyId does not resolve to an actor")
	}
	if err := r.Persist(ctx, actor); err != nil {
		return "", nil, err
	}

	pem := actor.PublicKeyPem()
	if pem == "" {
		return "", nil, errors.New("actor carries no public key")
	}
	key, err := signature.ParsePublicKeyPem(pem)
	if err != nil {
		return "", nil, err
	}
	return actor.ID(), key, nil
}

func (r *Resolver) actorIDFromKeyID(ctx context.Context, keyID string) (string, error) {
	id := signature.StripKeyFragment(keyID)
	if strings.HasPrefix(id, "acct:") {
		resolved, err := apclient.ResolveActorHandle(ctx, id)
		if err != nil {
			return "", err
		}
		return resolved, nil
	}
	return id, nil
}
