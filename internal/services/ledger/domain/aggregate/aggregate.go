// Package aggregate loads and saves event-sourced aggregates: snapshot plus
// replay on read, optimistic compare-and-append on write.
package aggregate

import (
	"fmt"

	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
)

// Aggregate is state reconstructed for one use case. It is owned by the
// caller and must not be shared across concurrent operations.
type Aggregate struct {
	TenantID string
	ID       string
	Type     event.AggregateType
	// Seq is the last committed sequence reflected in State.
	Seq   uint64
	State any

	snapshotSeq uint64
}

// Key returns the stream key of the aggregate.
func (a *Aggregate) Key() event.StreamKey {
	return event.StreamKey{TenantID: a.TenantID, AggregateID: a.ID}
}

// SnapshotSeq is the sequence of the snapshot the aggregate was loaded from
// or last wrote, zero when none.
func (a *Aggregate) SnapshotSeq() uint64 {
	return a.snapshotSeq
}

// StateAs returns the aggregate state as S.
func StateAs[S any](a *Aggregate) (S, error) {
	var zero S
	if a == nil {
		return zero, apperrors.New(apperrors.CodeInvalidArgument, "aggregate is required")
	}
	if a.State == nil {
		return zero, nil
	}
	state, ok := a.State.(S)
	if !ok {
		return zero, apperrors.New(apperrors.CodeInternal, fmt.Sprintf("aggregate state has type %T, want %T", a.State, zero))
	}
	return state, nil
}
