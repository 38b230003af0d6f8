// Package resolver turns wire references, embedded documents and local ids
// into entity wrappers, caching remote entities as local rows.
package resolver

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/forumfed/forum-ap-bridge/apclient"
	"github.com/forumfed/forum-ap-bridge/entity"
	"github.com/forumfed/forum-ap-bridge/store"
	"github.com/forumfed/forum-ap-bridge/types"
	"github.com/forumfed/forum-ap-bridge/vocab"
)

var tracer = otel.Tracer("resolver")

var (
	// ErrGoneConfirmed is returned when the target of a Delete answered 410.
	// The caller removes the local row instead of tombstoning it.
	ErrGoneConfirmed = errors.New("origin confirmed deletion")

	ErrUnknownType  = errors.New("unrecognized entity type")
	ErrRejectedType = errors.New("entity type not accepted here")
	ErrNoReference  = errors.New("no usable reference")
)

// Options steer one resolution.
type Options struct {
	// SignAs signs remote fetches with this local actor's key.
	SignAs *types.ApActor
	// Deleting marks resolution on behalf of a Delete activity, making a
	// 410 from the origin a confirmation instead of a failure.
	Deleting bool
}

type Resolver struct {
	store  *store.Store
	client *apclient.ApClient
	config types.ApConfig
}

func NewResolver(store *store.Store, client *apclient.ApClient, config types.ApConfig) *Resolver {
	return &Resolver{store: store, client: client, config: config}
}

// IsLocal reports whether an id belongs to this server.
func (r *Resolver) IsLocal(id string) bool {
	return strings.HasPrefix(id, "https://"+r.config.FQDN+"/")
}

// Resolve accepts an embedded document, a map, or a bare URI and returns a
// wrapper. Local ids never touch the network; remote references are
// dereferenced with ActivityPub content negotiation.
func (r *Resolver) Resolve(ctx context.Context, ref any, opts Options) (entity.Entity, error) {
	ctx, span := tracer.Start(ctx, "ResolverResolve")
	defer span.End()

	var raw *types.RawApObj
	var id string

	switch v := ref.(type) {
	case *types.RawApObj:
		raw = v
		id = v.MustGetString("id")
	case map[string]any:
		raw = types.RawApObjFromMap(v)
		id = raw.MustGetString("id")
	case string:
		id = v
	default:
		return nil, ErrNoReference
	}
	if id == "" && raw == nil {
		return nil, ErrNoReference
	}

	if id != "" && r.IsLocal(id) {
		return r.resolveLocal(ctx, id)
	}

	if raw == nil {
		// A bare remote reference is served from the cache rows first. A
		// Delete resolution skips the cache: its whole point is asking the
		// origin, so a 410 can confirm the deletion.
		if !opts.Deleting {
			if cached, err := r.cachedRemote(ctx, id); cached != nil || err != nil {
				return cached, err
			}
		}
		fetched, err := r.fetch(ctx, id, opts)
		if err != nil {
			return nil, err
		}
		raw = fetched
	}

	e := entity.Factory(raw)
	if e == nil {
		return nil, errors.Wrapf(ErrUnknownType, "type %q", raw.MustGetString("type"))
	}

	// Service and Application actors automate; nothing here belongs to them.
	if actor, ok := e.(*entity.Actor); ok {
		switch actor.Type() {
		case vocab.TypePerson, vocab.TypeGroup, vocab.TypeTombstone:
		default:
			return nil, errors.Wrapf(ErrRejectedType, "actor type %q", actor.Type())
		}
	}

	// Chase attribution one level so content arrives with a known author.
	// No deeper recursion: the author's own attributions stay unresolved.
	if obj, ok := e.(*entity.Object); ok && obj.AttributedTo == nil {
		if ref := obj.AttributedToRef(); ref != "" {
			author, err := r.resolveActorShallow(ctx, ref, opts)
			if err == nil {
				obj.AttributedTo = author
			}
		}
	}

	return e, nil
}

// ResolveActor resolves a reference that must be an actor.
func (r *Resolver) ResolveActor(ctx context.Context, ref any, opts Options) (*entity.Actor, error) {
	e, err := r.Resolve(ctx, ref, opts)
	if err != nil {
		return nil, err
	}
	actor, ok := e.(*entity.Actor)
	if !ok {
		return nil, errors.Wrapf(ErrRejectedType, "expected an actor, got %s", e.BaseType())
	}
	return actor, nil
}

// ResolveAndStore resolves a remote reference and persists it as a cache
// row keyed by ap_id. Concurrent resolutions converge through the upsert.
func (r *Resolver) ResolveAndStore(ctx context.Context, ref any, opts Options) (entity.Entity, error) {
	ctx, span := tracer.Start(ctx, "ResolverResolveAndStore")
	defer span.End()

	e, err := r.Resolve(ctx, ref, opts)
	if err != nil {
		return nil, err
	}
	return e, r.Persist(ctx, e)
}

// Persist writes a resolved entity's cache row. Local record-backed
// wrappers are already durable and pass through.
func (r *Resolver) Persist(ctx context.Context, e entity.Entity) error {
	switch v := e.(type) {
	case *entity.Actor:
		if v.Record != nil {
			return nil
		}
		rec := RecordFromActor(v)
		stored, err := r.store.UpsertActor(ctx, rec)
		if err != nil {
			return err
		}
		v.Record = &stored
	case *entity.Object:
		if v.Record != nil {
			return nil
		}
		if v.AttributedTo != nil {
			if err := r.Persist(ctx, v.AttributedTo); err != nil {
				return err
			}
		}
		rec := RecordFromObject(v)
		stored, err := r.store.UpsertObject(ctx, rec)
		if err != nil {
			return err
		}
		v.Record = &stored
	}
	return nil
}

// cachedRemote returns the stored copy of a remote entity, or (nil, nil)
// when none of the cache tables know the id.
func (r *Resolver) cachedRemote(ctx context.Context, id string) (entity.Entity, error) {
	if actor, err := r.store.GetActorByApID(ctx, id); err == nil {
		return entity.FromActorRecord(&actor), nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if object, err := r.store.GetObjectByApID(ctx, id); err == nil {
		return entity.FromObjectRecord(&object), nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if activity, err := r.store.GetActivityByApID(ctx, id); err == nil {
		return entity.FromActivityRecord(&activity), nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return nil, nil
}

func (r *Resolver) resolveLocal(ctx context.Context, id string) (entity.Entity, error) {
	if actor, err := r.store.GetActorByApID(ctx, id); err == nil {
		return entity.FromActorRecord(&actor), nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if object, err := r.store.GetObjectByApID(ctx, id); err == nil {
		return entity.FromObjectRecord(&object), nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if activity, err := r.store.GetActivityByApID(ctx, id); err == nil {
		return entity.FromActivityRecord(&activity), nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return nil, errors.Errorf("local id %s does not exist", id)
}

func (r *Resolver) fetch(ctx context.Context, id string, opts Options) (*types.RawApObj, error) {
	signer := opts.SignAs
	if signer == nil {
		instance, err := r.InstanceActor(ctx)
		if err == nil {
			signer = instance
		}
	}
	if signer == nil {
		return nil, errors.New("no local actor available to sign the fetch")
	}

	raw, err := r.client.FetchObject(ctx, id, *signer)
	if err != nil {
		if errors.Is(err, apclient.ErrGone) && opts.Deleting {
			return nil, ErrGoneConfirmed
		}
		return nil, err
	}
	return raw, nil
}

// resolveActorShallow resolves an attribution target without further
// attribution chasing (actors have none anyway) and caches it.
func (r *Resolver) resolveActorShallow(ctx context.Context, ref string, opts Options) (*entity.Actor, error) {
	if r.IsLocal(ref) {
		actor, err := r.store.GetActorByApID(ctx, ref)
		if err != nil {
			return nil, err
		}
		return entity.FromActorRecord(&actor), nil
	}

	if actor, err := r.store.GetActorByApID(ctx, ref); err == nil {
		return entity.FromActorRecord(&actor), nil
	}

	signer := opts.SignAs
	raw, err := r.client.FetchActor(ctx, ref, signer)
	if err != nil {
		return nil, err
	}
	a, ok := entity.Factory(raw).(*entity.Actor)
	if !ok {
		return nil, errors.Wrap(ErrRejectedType, "attributedTo is not an actor")
	}
	if err := r.Persist(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// InstanceActor returns the server-wide actor used to sign anonymous
// fetches.
func (r *Resolver) InstanceActor(ctx context.Context) (*types.ApActor, error) {
	name := r.config.InstanceActor
	if name == "" {
		name = "instance.actor"
	}
	actor, err := r.store.GetActorByUsername(ctx, name)
	if err != nil {
		return nil, err
	}
	return &actor, nil
}

// RecordFromActor builds a cache row from a wire-backed actor.
func RecordFromActor(a *entity.Actor) types.ApActor {
	raw := a.JSON()
	name, _ := raw.GetString("name")
	summary, _ := raw.GetString("summary")
	icon, _ := raw.GetString("icon.url")
	outbox, _ := raw.GetString("outbox")
	return types.ApActor{
		ApID:        a.ID(),
		ApType:      a.Type(),
		Username:    a.Username(),
		Name:        name,
		Summary:     summary,
		Domain:      domainOf(a.ID()),
		Inbox:       a.Inbox(),
		Outbox:      outbox,
		SharedInbox: a.SharedInbox(),
		IconURL:     icon,
		PublicKey:   a.PublicKeyPem(),
	}
}

// RecordFromObject builds a cache row from a wire-backed object.
func RecordFromObject(o *entity.Object) types.ApObjectRecord {
	raw := o.JSON()
	summary, _ := raw.GetString("summary")
	objContext, _ := raw.GetString("context")
	audience, _ := raw.GetString("audience")
	to, _ := raw.GetStringSlice("to")
	cc, _ := raw.GetStringSlice("cc")
	return types.ApObjectRecord{
		ApID:           o.ID(),
		ApType:         o.Type(),
		Content:        o.Content(),
		Name:           o.Name(),
		Summary:        summary,
		AttributedToID: o.AttributedToRef(),
		ReplyToID:      o.ReplyTo(),
		Context:        objContext,
		Audience:       audience,
		To:             to,
		CC:             cc,
		URL:            o.URL(),
		Domain:         domainOf(o.ID()),
	}
}

func domainOf(id string) string {
	u, err := url.Parse(id)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
