// Package bridge connects forum models to their federated representations:
// users and categories and tags become actors, topics and posts become
// objects, and model lifecycle events become outbound activities.
package bridge

import (
	"context"

	"github.com/pkg/errors"
)

// Forum model type names the bridge understands.
const (
	ModelUser     = "user"
	ModelCategory = "category"
	ModelTag      = "tag"
	ModelTopic    = "topic"
	ModelPost     = "post"
)

// Snapshot is the current federated view of one model row. Actor-backed
// models fill the actor fields, content-backed models the object fields.
type Snapshot struct {
	ActorType string
	Username  string
	Name      string
	Summary   string
	IconURL   string

	ObjectType          string
	Title               string
	Markdown            string
	AuthorModelID       string
	CollectionModelType string
	CollectionModelID   string
	ReplyToModelType    string
	ReplyToModelID      string
	URL                 string
	Public              bool
}

// ModelAdapter lets the bridge read one forum model type without knowing
// the forum's schema.
type ModelAdapter interface {
	Type() string
	// Ready reports whether the row exists and is not trashed; a deletion
	// inverts the requirement.
	Ready(ctx context.Context, modelID string, deleting bool) (bool, error)
	Snapshot(ctx context.Context, modelID string) (Snapshot, error)
}

// Registry holds the adapters, one per model type. It satisfies the
// pipeline's ModelGate.
type Registry struct {
	adapters map[string]ModelAdapter
}

func NewRegistry(adapters ...ModelAdapter) *Registry {
	r := &Registry{adapters: map[string]ModelAdapter{}}
	for _, a := range adapters {
		r.adapters[a.Type()] = a
	}
	return r
}

func (r *Registry) adapter(modelType string) (ModelAdapter, error) {
	a, ok := r.adapters[modelType]
	if !ok {
		return nil, errors.Errorf("no adapter for model type %q", modelType)
	}
	return a, nil
}

// Ready gates pipeline processing on the backing model's state.
func (r *Registry) Ready(ctx context.Context, modelType, modelID string, deleting bool) (bool, error) {
	a, err := r.adapter(modelType)
	if err != nil {
		return false, err
	}
	return a.Ready(ctx, modelID, deleting)
}
