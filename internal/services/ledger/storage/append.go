package storage

import (
	"fmt"
	"strconv"

	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
)

// PrepareAppend stamps events with the stream identity and numbers them from
// expectedSeq+1. Events that already carry a sequence must match their
// position. Adapters call it before writing so every backend accepts the
// same input.
func PrepareAppend(key event.StreamKey, aggregateType event.AggregateType, expectedSeq uint64, events []event.Event) ([]event.Event, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if aggregateType == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "aggregate type is required")
	}
	prepared := make([]event.Event, len(events))
	for i, evt := range events {
		want := expectedSeq + uint64(i) + 1
		if evt.Seq != 0 && evt.Seq != want {
			return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("event %d has seq %d, want %d", i, evt.Seq, want))
		}
		if evt.Type == "" {
			return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("event %d has no type", i))
		}
		if evt.AggregateType != "" && evt.AggregateType != aggregateType {
			return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("event %d belongs to %s, not %s", i, evt.AggregateType, aggregateType))
		}
		evt.TenantID = key.TenantID
		evt.AggregateID = key.AggregateID
		evt.AggregateType = aggregateType
		evt.Seq = want
		prepared[i] = evt
	}
	return prepared, nil
}

// ConflictError reports an append whose expected sequence was stale.
func ConflictError(key event.StreamKey, expectedSeq, currentSeq uint64) error {
	return apperrors.WithMetadata(
		apperrors.CodeConcurrencyConflict,
		fmt.Sprintf("stream %s is at seq %d, expected %d", key, currentSeq, expectedSeq),
		map[string]string{
			"tenant_id":    key.TenantID,
			"aggregate_id": key.AggregateID,
			"expected_seq": strconv.FormatUint(expectedSeq, 10),
			"current_seq":  strconv.FormatUint(currentSeq, 10),
		},
	)
}

// StreamTypeError reports an append under an aggregate type other than the
// one the stream was created with.
func StreamTypeError(key event.StreamKey, stored, requested event.AggregateType) error {
	return apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("stream %s holds %s events, not %s", key, stored, requested))
}

// LeaseHeldError reports a migration cursor leased by another runner.
func LeaseHeldError(name, owner string) error {
	return apperrors.WithMetadata(
		apperrors.CodeMigrationInProgress,
		fmt.Sprintf("migration %s is running elsewhere", name),
		map[string]string{"migration": name, "owner": owner},
	)
}
