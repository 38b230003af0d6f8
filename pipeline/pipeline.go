// Package pipeline runs inbound activities through the staged handler
// registry: resolve outside any transaction, validate/perform/store/
// respond_to inside one, forward after commit.
package pipeline

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/forumfed/forum-ap-bridge/entity"
	"github.com/forumfed/forum-ap-bridge/resolver"
	"github.com/forumfed/forum-ap-bridge/store"
	"github.com/forumfed/forum-ap-bridge/types"
	"github.com/forumfed/forum-ap-bridge/vocab"
)

var tracer = otel.Tracer("pipeline")

// Store is the slice of the repository the pipeline needs. Transaction
// hands handlers a Store bound to the running transaction.
type Store interface {
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	CreateActivity(ctx context.Context, activity types.ApActivity) (types.ApActivity, error)
	DeleteActivity(ctx context.Context, apID string) error
	GetActivityByApID(ctx context.Context, apID string) (types.ApActivity, error)

	CreateFollow(ctx context.Context, follow types.ApFollow) error
	RemoveFollow(ctx context.Context, followerID, followedID string) (types.ApFollow, error)
	GetFollowByApID(ctx context.Context, apID string) (types.ApFollow, error)
	SettleFollow(ctx context.Context, apID string, accepted bool) error
	GetFollowers(ctx context.Context, followedID string) ([]types.ApFollow, error)

	GetActorByApID(ctx context.Context, apID string) (types.ApActor, error)
	TombstoneActor(ctx context.Context, apID string) error
	DeleteActor(ctx context.Context, apID string) error

	GetObjectByApID(ctx context.Context, apID string) (types.ApObjectRecord, error)
	UpsertObject(ctx context.Context, object types.ApObjectRecord) (types.ApObjectRecord, error)
	TombstoneObject(ctx context.Context, apID string) error
	DeleteObject(ctx context.Context, apID string) error
}

// EntityResolver is the slice of the resolver the pipeline needs.
type EntityResolver interface {
	Resolve(ctx context.Context, ref any, opts resolver.Options) (entity.Entity, error)
	ResolveActor(ctx context.Context, ref any, opts resolver.Options) (*entity.Actor, error)
	Persist(ctx context.Context, e entity.Entity) error
	IsLocal(id string) bool
}

// Deliverer schedules outbound deliveries and cancels pending ones.
type Deliverer interface {
	Schedule(ctx context.Context, activityID, fromActorID, toActorID string) error
	Cancel(ctx context.Context, activityID string) error
}

// ModelGate answers whether the forum model behind a local entity is in a
// state federation may act on.
type ModelGate interface {
	Ready(ctx context.Context, modelType, modelID string, deleting bool) (bool, error)
}

// Delivery is one buffered outbound delivery, flushed after commit.
type Delivery struct {
	ActivityID  string
	FromActorID string
	ToActorID   string
}

// Context carries one activity through all stages.
type Context struct {
	Activity *entity.Activity
	Actor    *entity.Actor
	Object   entity.Entity

	// RecipientID is the local actor whose inbox received the activity,
	// empty for shared-inbox posts. Forward handlers use it for inbox
	// forwarding.
	RecipientID string

	// Store is rebound to the transaction for the transactional stages.
	Store    Store
	Resolver EntityResolver
	Models   ModelGate
	Config   types.ApConfig

	// Deliverer is only for forward-stage handlers, which run after commit.
	Deliverer Deliverer

	deliveries []Delivery
	cancels    []string
}

// Deliver buffers a delivery to flush after the transaction commits, so a
// rollback never leaks a scheduled send.
func (pc *Context) Deliver(activityID, fromActorID, toActorID string) {
	pc.deliveries = append(pc.deliveries, Delivery{
		ActivityID:  activityID,
		FromActorID: fromActorID,
		ToActorID:   toActorID,
	})
}

// CancelDeliveries buffers cancellation of an activity's pending deliveries.
func (pc *Context) CancelDeliveries(activityID string) {
	pc.cancels = append(pc.cancels, activityID)
}

// MintActivityID mints a fresh local activity key and the id derived from
// it. The key is persisted alongside the row so the id stays reproducible.
func (pc *Context) MintActivityID() (id string, key string) {
	key = uuid.New().String()
	return "https://" + pc.Config.FQDN + "/ap/activities/" + key, key
}

// Processor drives activities through the registry.
type Processor struct {
	registry  *Registry
	store     Store
	resolver  EntityResolver
	deliverer Deliverer
	models    ModelGate
	config    types.ApConfig
}

func NewProcessor(registry *Registry, st Store, res EntityResolver, del Deliverer, models ModelGate, config types.ApConfig) *Processor {
	return &Processor{
		registry:  registry,
		store:     st,
		resolver:  res,
		deliverer: del,
		models:    models,
		config:    config,
	}
}

// Process runs one inbound activity to completion. recipientID names the
// local inbox the activity arrived at, empty for shared-inbox posts. It
// returns false when the activity was dropped (warning or rollback); the
// error is non-nil only for faults worth operator attention.
func (p *Processor) Process(ctx context.Context, activity *entity.Activity, recipientID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "PipelineProcess")
	defer span.End()

	pc := &Context{
		Activity:    activity,
		RecipientID: recipientID,
		Store:       p.store,
		Resolver:    p.resolver,
		Models:      p.models,
		Config:      p.config,
		Deliverer:   p.deliverer,
	}

	typ := activity.Type()
	base := activity.BaseType()

	if err := p.resolveParticipants(ctx, pc); err != nil {
		if IsWarning(err) {
			log.Printf("activity %s dropped: %v", activity.ID(), err)
			span.RecordError(err)
			return false, nil
		}
		span.RecordError(err)
		return false, err
	}
	for _, fn := range p.registry.Callbacks(typ, base, StageResolve) {
		if err := fn(ctx, pc); err != nil {
			if IsWarning(err) {
				log.Printf("activity %s dropped: %v", activity.ID(), err)
				span.RecordError(err)
				return false, nil
			}
			span.RecordError(err)
			return false, err
		}
	}

	txErr := p.store.Transaction(ctx, func(ctx context.Context, tx Store) error {
		pc.Store = tx
		for _, stage := range []Stage{StageValidate, StagePerform, StageStore, StageRespondTo} {
			for _, fn := range p.registry.Callbacks(typ, base, stage) {
				if err := fn(ctx, pc); err != nil {
					return errors.Wrapf(err, "%s stage", stage)
				}
			}
		}
		return nil
	})
	pc.Store = p.store
	if txErr != nil {
		log.Printf("activity %s rolled back: %v", activity.ID(), txErr)
		span.RecordError(txErr)
		if IsWarning(txErr) {
			return false, nil
		}
		return false, txErr
	}

	p.flush(ctx, pc)

	// Forwarding is best-effort: the state is already durable and a failure
	// here must not look like a failed activity.
	for _, fn := range p.registry.Callbacks(typ, base, StageForward) {
		if err := fn(ctx, pc); err != nil {
			log.Printf("activity %s forward: %v", activity.ID(), err)
			span.RecordError(err)
		}
	}

	return true, nil
}

// resolveParticipants is the built-in resolve stage: actor, object,
// readiness and capability. Failures here are warnings; the remote side is
// misbehaving or the content is simply not for us.
func (p *Processor) resolveParticipants(ctx context.Context, pc *Context) error {
	activity := pc.Activity

	actorRef := activity.ActorRef()
	if actorRef == "" {
		return Warnf("activity %s has no actor", activity.ID())
	}
	actor, err := p.resolver.ResolveActor(ctx, actorRef, resolver.Options{})
	if err != nil {
		return Warn(errors.Wrap(err, "actor unresolvable"))
	}
	// The actor's cache row must exist before the transactional stages: the
	// repository refuses activity rows whose performing actor it has never
	// seen. A persist failure is our fault, not the remote's, so no warning.
	if err := p.resolver.Persist(ctx, actor); err != nil {
		return errors.Wrap(err, "persist resolved actor")
	}
	pc.Actor = actor
	activity.Actor = actor

	objectRef := activity.ObjectRef()
	if objectRef == nil || objectRef == "" {
		return Warnf("activity %s has no object", activity.ID())
	}
	deleting := activity.Type() == vocab.TypeDelete
	object, err := p.resolver.Resolve(ctx, objectRef, resolver.Options{Deleting: deleting})
	if err != nil {
		if deleting && errors.Is(err, resolver.ErrGoneConfirmed) {
			activity.DeleteConfirmed = true
			object, err = p.localTarget(ctx, objectRef)
			if err != nil {
				return Warn(errors.Wrap(err, "confirmed-deleted object unknown here"))
			}
		} else {
			return Warn(errors.Wrap(err, "object unresolvable"))
		}
	}
	pc.Object = object
	activity.Object = object

	if obj, ok := object.(*entity.Object); ok {
		if !obj.Ready(deleting) {
			return Warnf("object %s is not ready", obj.ID())
		}
		if obj.Record != nil && obj.Record.ModelType != "" && p.models != nil {
			ready, err := p.models.Ready(ctx, obj.Record.ModelType, obj.Record.ModelID, deleting)
			if err != nil {
				return err
			}
			if !ready {
				return Warnf("backing model for %s is not ready", obj.ID())
			}
		}
	}

	if !actor.CanPerform(activity.Type(), object.BaseType()) {
		return Warnf("actor %s (%s) may not %s a %s",
			actor.ID(), actor.Type(), activity.Type(), object.BaseType())
	}
	return nil
}

// localTarget loads the local row for an object whose origin confirmed
// deletion, so the Delete handler can remove it.
func (p *Processor) localTarget(ctx context.Context, ref any) (entity.Entity, error) {
	id, ok := ref.(string)
	if !ok {
		if raw, isRaw := ref.(*types.RawApObj); isRaw {
			id = raw.MustGetString("id")
		}
	}
	if id == "" {
		return nil, errors.New("no object id")
	}
	rec, err := p.store.GetObjectByApID(ctx, id)
	if err != nil {
		return nil, err
	}
	return entity.FromObjectRecord(&rec), nil
}

func (p *Processor) flush(ctx context.Context, pc *Context) {
	for _, id := range pc.cancels {
		if err := p.deliverer.Cancel(ctx, id); err != nil {
			log.Printf("cancel deliveries for %s: %v", id, err)
		}
	}
	for _, d := range pc.deliveries {
		if err := p.deliverer.Schedule(ctx, d.ActivityID, d.FromActorID, d.ToActorID); err != nil {
			log.Printf("schedule delivery of %s to %s: %v", d.ActivityID, d.ToActorID, err)
		}
	}
	pc.cancels = nil
	pc.deliveries = nil
}

// WrapStore adapts the concrete repository to the pipeline Store interface.
func WrapStore(s *store.Store) Store {
	return storeAdapter{s}
}

type storeAdapter struct {
	*store.Store
}

func (s storeAdapter) Transaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return s.Store.Transaction(ctx, func(ctx context.Context, tx *store.Store) error {
		return fn(ctx, storeAdapter{tx})
	})
}

func publishedNow() *time.Time {
	now := time.Now().UTC()
	return &now
}
