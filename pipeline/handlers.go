package pipeline

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/forumfed/forum-ap-bridge/entity"
	"github.com/forumfed/forum-ap-bridge/resolver"
	"github.com/forumfed/forum-ap-bridge/types"
	"github.com/forumfed/forum-ap-bridge/vocab"
)

// DefaultBuilder returns a builder pre-loaded with the standard handlers.
// Callers may register additional hooks before Build.
func DefaultBuilder() *Builder {
	b := NewBuilder()

	// Every activity leaves a row. Registered at the base type so new
	// concrete types are recorded without extra wiring.
	b.Register(vocab.BaseActivity, StageStore, 100, recordActivity)

	b.Register(vocab.TypeFollow, StageValidate, 0, validateFollow)
	b.Register(vocab.TypeFollow, StagePerform, 0, performFollow)
	b.Register(vocab.TypeFollow, StageRespondTo, 0, respondToFollow)

	b.Register(vocab.TypeUndo, StageValidate, 0, validateUndo)
	b.Register(vocab.TypeUndo, StagePerform, 0, performUndo)

	b.Register(vocab.TypeCreate, StageValidate, 0, validateContent)
	b.Register(vocab.TypeCreate, StagePerform, 0, performCreate)

	b.Register(vocab.TypeUpdate, StageValidate, 0, validateContent)
	b.Register(vocab.TypeUpdate, StageValidate, 10, validateUpdate)
	b.Register(vocab.TypeUpdate, StagePerform, 0, performCreate)

	b.Register(vocab.TypeDelete, StageValidate, 0, validateDelete)
	b.Register(vocab.TypeDelete, StagePerform, 0, performDelete)

	b.Register(vocab.TypeLike, StageValidate, 0, validateLike)

	b.Register(vocab.TypeAccept, StagePerform, 0, settleFollow(true))
	b.Register(vocab.TypeReject, StagePerform, 0, settleFollow(false))

	b.Register(vocab.TypeCreate, StageForward, 0, forwardToFollowers)
	b.Register(vocab.TypeAnnounce, StageForward, 0, forwardToFollowers)

	return b
}

// recordActivity persists the inbound activity itself. The repository
// re-checks the capability table before writing, so a handler bug cannot
// smuggle in a row the actor's type forbids.
func recordActivity(ctx context.Context, pc *Context) error {
	_, err := pc.Store.CreateActivity(ctx, types.ApActivity{
		ApID:       pc.Activity.ID(),
		ApType:     pc.Activity.Type(),
		ActorID:    pc.Actor.ID(),
		ObjectType: pc.Object.BaseType(),
		ObjectID:   pc.Object.ID(),
		Visibility: pc.Activity.Visibility(),
		Local:      false,
	})
	return err
}

func validateFollow(ctx context.Context, pc *Context) error {
	target, ok := pc.Object.(*entity.Actor)
	if !ok {
		return Warnf("follow target is not an actor")
	}
	if !target.Local() {
		return Warnf("follow target %s is not hosted here", target.ID())
	}
	if target.Tombstoned() {
		return Warnf("follow target %s is deleted", target.ID())
	}
	if target.Record != nil && !target.Record.Enabled {
		return Warnf("follow target %s is not federating", target.ID())
	}
	return nil
}

// performFollow creates the edge immediately: local targets auto-accept.
// Replayed Follows collapse on the edge's uniqueness constraint.
func performFollow(ctx context.Context, pc *Context) error {
	return pc.Store.CreateFollow(ctx, types.ApFollow{
		ApID:       pc.Activity.ID(),
		FollowerID: pc.Actor.ID(),
		FollowedID: pc.Object.ID(),
		Accepted:   true,
	})
}

// respondToFollow records and schedules the Accept. Delivery is buffered so
// a rollback of the surrounding transaction cancels the send.
func respondToFollow(ctx context.Context, pc *Context) error {
	acceptID, acceptKey := pc.MintActivityID()
	_, err := pc.Store.CreateActivity(ctx, types.ApActivity{
		ApID:       acceptID,
		ApKey:      acceptKey,
		ApType:     vocab.TypeAccept,
		ActorID:    pc.Object.ID(),
		ObjectType: vocab.BaseActivity,
		ObjectID:   pc.Activity.ID(),
		Visibility: vocab.VisibilityPrivate,
		Local:      true,
	})
	if err != nil {
		return err
	}
	pc.Deliver(acceptID, pc.Object.ID(), pc.Actor.ID())
	return nil
}

func validateUndo(ctx context.Context, pc *Context) error {
	undone, ok := pc.Object.(*entity.Activity)
	if !ok {
		return Warnf("undo target is not an activity")
	}
	if undone.ActorRef() != pc.Actor.ID() {
		return Warnf("only the author may undo %s", undone.ID())
	}
	return nil
}

// performUndo retracts the undone activity's effect. The Accept we sent for
// a Follow stays on record; only the edge goes.
func performUndo(ctx context.Context, pc *Context) error {
	undone := pc.Object.(*entity.Activity)
	switch undone.Type() {
	case vocab.TypeFollow:
		follow, err := pc.Store.GetFollowByApID(ctx, undone.ID())
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return Warnf("no follow edge for %s", undone.ID())
			}
			return err
		}
		if _, err := pc.Store.RemoveFollow(ctx, follow.FollowerID, follow.FollowedID); err != nil {
			return err
		}
	case vocab.TypeLike, vocab.TypeAnnounce:
		if err := pc.Store.DeleteActivity(ctx, undone.ID()); err != nil {
			return err
		}
	default:
		return Warnf("cannot undo a %s", undone.Type())
	}
	pc.CancelDeliveries(undone.ID())
	return nil
}

// validateContent checks authorship and attachment media types for Create
// and Update.
func validateContent(ctx context.Context, pc *Context) error {
	obj, ok := pc.Object.(*entity.Object)
	if !ok {
		return Warnf("target is not an object")
	}
	attributed := obj.AttributedToRef()
	if attributed == "" || attributed != pc.Actor.ID() {
		return Warnf("object %s is not attributed to %s", obj.ID(), pc.Actor.ID())
	}

	raw := obj.JSON()
	if attachments, found := raw.GetData()["attachment"]; found {
		list, ok := attachments.([]any)
		if !ok {
			return Warnf("malformed attachment list on %s", obj.ID())
		}
		for _, item := range list {
			att, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if mt, ok := att["mediaType"].(string); ok && !vocab.ValidMediaType(mt) {
				return Warnf("attachment media type %q is not allowed", mt)
			}
		}
	}
	return nil
}

// validateUpdate refuses remote edits of local-origin content and of
// objects we have never seen.
func validateUpdate(ctx context.Context, pc *Context) error {
	obj := pc.Object.(*entity.Object)
	if pc.Resolver.IsLocal(obj.ID()) {
		return Warnf("object %s originates here; remote updates are refused", obj.ID())
	}
	if _, err := pc.Store.GetObjectByApID(ctx, obj.ID()); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Warnf("update of unknown object %s", obj.ID())
		}
		return err
	}
	return nil
}

// performCreate materializes remote content as a cache row. Update shares
// this path: the upsert keyed on ap_id replaces the stale copy.
func performCreate(ctx context.Context, pc *Context) error {
	obj := pc.Object.(*entity.Object)
	if obj.Record != nil {
		return nil
	}
	rec := resolver.RecordFromObject(obj)
	rec.PublishedAt = publishedNow()
	stored, err := pc.Store.UpsertObject(ctx, rec)
	if err != nil {
		return err
	}
	obj.Record = &stored
	return nil
}

func validateDelete(ctx context.Context, pc *Context) error {
	switch target := pc.Object.(type) {
	case *entity.Actor:
		if target.ID() != pc.Actor.ID() {
			return Warnf("actor %s may only delete itself", pc.Actor.ID())
		}
	case *entity.Object:
		if target.AttributedToRef() != pc.Actor.ID() {
			return Warnf("object %s is not attributed to %s", target.ID(), pc.Actor.ID())
		}
	default:
		return Warnf("delete target is neither actor nor object")
	}
	return nil
}

// performDelete tombstones by default. A 410 from the origin during
// resolution confirmed the deletion, so the row is removed outright.
func performDelete(ctx context.Context, pc *Context) error {
	switch target := pc.Object.(type) {
	case *entity.Actor:
		// The keypair survives tombstoning so signed fetches of the
		// tombstone keep verifying. Hard deletion only happens once no
		// activity references the actor, which the repository enforces.
		if pc.Activity.DeleteConfirmed {
			if err := pc.Store.DeleteActor(ctx, target.ID()); err == nil {
				return nil
			}
		}
		return pc.Store.TombstoneActor(ctx, target.ID())
	case *entity.Object:
		if pc.Activity.DeleteConfirmed {
			return pc.Store.DeleteObject(ctx, target.ID())
		}
		return pc.Store.TombstoneObject(ctx, target.ID())
	}
	return nil
}

func validateLike(ctx context.Context, pc *Context) error {
	if _, ok := pc.Object.(*entity.Object); !ok {
		return Warnf("like target is not an object")
	}
	return nil
}

// settleFollow applies a remote Accept or Reject to our pending outbound
// Follow. Only the followed actor may settle it.
func settleFollow(accepted bool) HandlerFunc {
	return func(ctx context.Context, pc *Context) error {
		followed, ok := pc.Object.(*entity.Activity)
		if !ok || followed.Type() != vocab.TypeFollow {
			return Warnf("settlement target is not a follow")
		}
		follow, err := pc.Store.GetFollowByApID(ctx, followed.ID())
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return Warnf("no pending follow %s", followed.ID())
			}
			return err
		}
		if follow.FollowedID != pc.Actor.ID() {
			return Warnf("actor %s cannot settle follow of %s", pc.Actor.ID(), follow.FollowedID)
		}
		return pc.Store.SettleFollow(ctx, followed.ID(), accepted)
	}
}

// forwardToFollowers implements inbox forwarding: content that arrived at a
// local Group's inbox is re-delivered to the group's followers. Runs after
// commit; failures are logged by the processor and never unwind state.
func forwardToFollowers(ctx context.Context, pc *Context) error {
	if pc.RecipientID == "" {
		return nil
	}
	recipient, err := pc.Store.GetActorByApID(ctx, pc.RecipientID)
	if err != nil {
		return err
	}
	if !recipient.Local || recipient.ApType != vocab.TypeGroup {
		return nil
	}
	followers, err := pc.Store.GetFollowers(ctx, recipient.ApID)
	if err != nil {
		return err
	}
	for _, f := range followers {
		if f.FollowerID == pc.Actor.ID() {
			continue
		}
		if err := pc.Deliverer.Schedule(ctx, pc.Activity.ID(), recipient.ApID, f.FollowerID); err != nil {
			return err
		}
	}
	return nil
}
