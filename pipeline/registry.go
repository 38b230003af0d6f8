package pipeline

import (
	"context"
	"sort"
)

// Stage names one phase of activity processing. The resolve stage runs
// before the transaction, forward after it; everything between is
// transactional.
type Stage string

const (
	StageResolve   Stage = "resolve"
	StageValidate  Stage = "validate"
	StagePerform   Stage = "perform"
	StageStore     Stage = "store"
	StageRespondTo Stage = "respond_to"
	StageForward   Stage = "forward"
)

// HandlerFunc is one pipeline callback.
type HandlerFunc func(ctx context.Context, pc *Context) error

type registration struct {
	priority int
	order    int
	fn       HandlerFunc
}

// Builder collects handler registrations at process start.
type Builder struct {
	handlers map[string]map[Stage][]registration
	count    int
}

func NewBuilder() *Builder {
	return &Builder{handlers: map[string]map[Stage][]registration{}}
}

// Register binds fn to (type, stage). typ may be a concrete type like
// Follow or a base type like Activity; base registrations fire for every
// subtype. Lower priority runs first; ties keep registration order.
func (b *Builder) Register(typ string, stage Stage, priority int, fn HandlerFunc) *Builder {
	stages, ok := b.handlers[typ]
	if !ok {
		stages = map[Stage][]registration{}
		b.handlers[typ] = stages
	}
	b.count++
	stages[stage] = append(stages[stage], registration{priority: priority, order: b.count, fn: fn})
	return b
}

// Build sorts every callback list and freezes the registry.
func (b *Builder) Build() *Registry {
	for _, stages := range b.handlers {
		for _, regs := range stages {
			sort.SliceStable(regs, func(i, j int) bool {
				if regs[i].priority != regs[j].priority {
					return regs[i].priority < regs[j].priority
				}
				return regs[i].order < regs[j].order
			})
		}
	}
	return &Registry{handlers: b.handlers}
}

// Registry is the immutable handler table built once at startup.
type Registry struct {
	handlers map[string]map[Stage][]registration
}

// Callbacks returns the handlers for a stage, concrete-type registrations
// first, then base-type fallbacks.
func (r *Registry) Callbacks(typ, baseType string, stage Stage) []HandlerFunc {
	var fns []HandlerFunc
	if stages, ok := r.handlers[typ]; ok {
		for _, reg := range stages[stage] {
			fns = append(fns, reg.fn)
		}
	}
	if baseType != typ {
		if stages, ok := r.handlers[baseType]; ok {
			for _, reg := range stages[stage] {
				fns = append(fns, reg.fn)
			}
		}
	}
	return fns
}
