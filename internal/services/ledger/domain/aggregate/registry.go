package aggregate

import (
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/codec"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
)

// Definition describes one aggregate type: the event kinds it declares, how
// each folds into state, and how state is serialized for snapshots.
type Definition interface {
	Type() event.AggregateType
	EventTypes() []event.Type
	New() any
	Fold(state any, evt event.Event) (any, error)
	Encode(state any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// Transition is a pure state transition for one event kind.
type Transition[S any] func(state S, evt event.Event) (S, error)

// Fold is a Definition backed by a dispatch table from event type to
// transition. Event types missing from Handlers fold as no-ops so history
// written by newer code still loads. S must survive a JSON round trip for
// snapshots to be transparent.
type Fold[S any] struct {
	AggregateType event.AggregateType
	Handlers      map[event.Type]Transition[S]
}

func (f Fold[S]) Type() event.AggregateType { return f.AggregateType }

func (f Fold[S]) EventTypes() []event.Type {
	types := make([]event.Type, 0, len(f.Handlers))
	for t := range f.Handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func (f Fold[S]) New() any {
	var state S
	return state
}

func (f Fold[S]) Fold(state any, evt event.Event) (any, error) {
	current, err := f.cast(state)
	if err != nil {
		return nil, err
	}
	transition, ok := f.Handlers[evt.Type]
	if !ok {
		return current, nil
	}
	return transition(current, evt)
}

func (f Fold[S]) Encode(state any) ([]byte, error) {
	current, err := f.cast(state)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(current)
}

func (f Fold[S]) Decode(data []byte) (any, error) {
	var state S
	if err := codec.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode %s state: %w", f.AggregateType, err)
	}
	return state, nil
}

func (f Fold[S]) cast(state any) (S, error) {
	if state == nil {
		var zero S
		return zero, nil
	}
	typed, ok := state.(S)
	if !ok {
		var zero S
		return zero, apperrors.New(apperrors.CodeInternal, fmt.Sprintf("%s state has type %T, want %T", f.AggregateType, state, zero))
	}
	return typed, nil
}

// Registry holds the definitions of every known aggregate type.
type Registry struct {
	defs   map[event.AggregateType]Definition
	owners map[event.Type]event.AggregateType
}

// NewRegistry validates and indexes definitions. Each aggregate type must be
// registered once and declare at least one event type; an event type belongs
// to exactly one aggregate type.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{
		defs:   make(map[event.AggregateType]Definition, len(defs)),
		owners: make(map[event.Type]event.AggregateType),
	}
	for _, def := range defs {
		if def == nil {
			return nil, fmt.Errorf("aggregate definition is required")
		}
		aggregateType := def.Type()
		if strings.TrimSpace(string(aggregateType)) == "" {
			return nil, fmt.Errorf("aggregate type is required")
		}
		if _, dup := r.defs[aggregateType]; dup {
			return nil, fmt.Errorf("aggregate type %s registered twice", aggregateType)
		}
		types := def.EventTypes()
		if len(types) == 0 {
			return nil, fmt.Errorf("aggregate type %s declares no event types", aggregateType)
		}
		for _, t := range types {
			if owner, taken := r.owners[t]; taken {
				return nil, fmt.Errorf("event type %s declared by both %s and %s", t, owner, aggregateType)
			}
			r.owners[t] = aggregateType
		}
		r.defs[aggregateType] = def
	}
	return r, nil
}

// Definition returns the definition for aggregateType.
func (r *Registry) Definition(aggregateType event.AggregateType) (Definition, error) {
	if r == nil {
		return nil, apperrors.New(apperrors.CodeInternal, "aggregate registry is not configured")
	}
	def, ok := r.defs[aggregateType]
	if !ok {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("unknown aggregate type %q", aggregateType))
	}
	return def, nil
}

// Types lists registered aggregate types in sorted order.
func (r *Registry) Types() []event.AggregateType {
	types := make([]event.AggregateType, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// EventTypes lists the event types aggregateType declares.
func (r *Registry) EventTypes(aggregateType event.AggregateType) []event.Type {
	def, ok := r.defs[aggregateType]
	if !ok {
		return nil
	}
	return def.EventTypes()
}

// Declares reports whether eventType belongs to aggregateType.
func (r *Registry) Declares(aggregateType event.AggregateType, eventType event.Type) bool {
	owner, ok := r.owners[eventType]
	return ok && owner == aggregateType
}
