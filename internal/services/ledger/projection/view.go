package projection

import (
	"fmt"
	"slices"

	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/codec"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
)

// Reference names another aggregate a read model depends on.
type Reference struct {
	TenantID      string
	AggregateType event.AggregateType
	AggregateID   string
}

// Key returns the stream key of the referenced aggregate.
func (r Reference) Key() event.StreamKey {
	return event.StreamKey{TenantID: r.TenantID, AggregateID: r.AggregateID}
}

// Definition describes the read model of one aggregate type.
type Definition interface {
	AggregateType() event.AggregateType
	// Handled lists every event type the definition accounts for, whether
	// it transforms the record or deliberately ignores the event.
	Handled() []event.Type
	New() any
	Apply(state any, evt event.Event) (any, error)
	Encode(state any) ([]byte, error)
	Decode(data []byte) (any, error)
	References(key event.StreamKey, state any) ([]Reference, error)
}

// Transition derives the next record state from one event. It must depend
// only on its inputs so replays reproduce incremental results exactly.
type Transition[V any] func(view V, evt event.Event) (V, error)

// View is a Definition backed by a dispatch table.
type View[V any] struct {
	Type     event.AggregateType
	Handlers map[event.Type]Transition[V]
	// Ignore lists declared event types that leave the record unchanged.
	Ignore []event.Type
	// Requires reports aggregates the record of key points at.
	Requires func(key event.StreamKey, view V) []Reference
}

func (v View[V]) AggregateType() event.AggregateType { return v.Type }

func (v View[V]) Handled() []event.Type {
	types := make([]event.Type, 0, len(v.Handlers)+len(v.Ignore))
	for t := range v.Handlers {
		types = append(types, t)
	}
	types = append(types, v.Ignore...)
	slices.Sort(types)
	return slices.Compact(types)
}

func (v View[V]) New() any {
	var view V
	return view
}

// Apply runs the handler for evt. Event types without a handler leave the
// record unchanged.
func (v View[V]) Apply(state any, evt event.Event) (any, error) {
	current, err := v.cast(state)
	if err != nil {
		return nil, err
	}
	transition, ok := v.Handlers[evt.Type]
	if !ok {
		return current, nil
	}
	return transition(current, evt)
}

func (v View[V]) Encode(state any) ([]byte, error) {
	current, err := v.cast(state)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(current)
}

func (v View[V]) Decode(data []byte) (any, error) {
	var view V
	if err := codec.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("decode %s read model: %w", v.Type, err)
	}
	return view, nil
}

func (v View[V]) References(key event.StreamKey, state any) ([]Reference, error) {
	if v.Requires == nil {
		return nil, nil
	}
	current, err := v.cast(state)
	if err != nil {
		return nil, err
	}
	return v.Requires(key, current), nil
}

func (v View[V]) cast(state any) (V, error) {
	if state == nil {
		var zero V
		return zero, nil
	}
	typed, ok := state.(V)
	if !ok {
		var zero V
		return zero, apperrors.New(apperrors.CodeInternal, fmt.Sprintf("%s read model has type %T, want %T", v.Type, state, zero))
	}
	return typed, nil
}
