// Package replay folds a stream's committed events into state, checking that
// sequences are contiguous.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
)

var (
	// ErrEventStoreRequired indicates a missing event store.
	ErrEventStoreRequired = errors.New("event store is required")
	// ErrFolderRequired indicates a missing folder.
	ErrFolderRequired = errors.New("folder is required")
)

// Folder applies one event to state.
type Folder interface {
	Fold(state any, evt event.Event) (any, error)
}

// FolderFunc adapts a function to Folder.
type FolderFunc func(state any, evt event.Event) (any, error)

func (f FolderFunc) Fold(state any, evt event.Event) (any, error) { return f(state, evt) }

// Options configures replay behavior.
type Options struct {
	// AfterSeq is the sequence already reflected in the initial state.
	AfterSeq uint64
	// UntilSeq stops replay after this sequence when non-zero.
	UntilSeq uint64
	PageSize int
}

// Result captures replay outcomes.
type Result struct {
	State       any
	LastSeq     uint64
	Applied     int
	LastEventAt time.Time
}

// Replay folds the events of key after options.AfterSeq into state, in order.
// A missing sequence number fails with CodeCorruptEvent; the partial result is
// returned alongside the error.
func Replay(ctx context.Context, store storage.EventLister, folder Folder, key event.StreamKey, state any, options Options) (Result, error) {
	if store == nil {
		return Result{}, ErrEventStoreRequired
	}
	if folder == nil {
		return Result{}, ErrFolderRequired
	}

	result := Result{State: state, LastSeq: options.AfterSeq}
	for evt, err := range storage.LoadPages(ctx, store, key, options.AfterSeq, options.PageSize) {
		if err != nil {
			return result, err
		}
		if options.UntilSeq > 0 && evt.Seq > options.UntilSeq {
			return result, nil
		}
		expectedSeq := result.LastSeq + 1
		if evt.Seq != expectedSeq {
			return result, apperrors.WithMetadata(
				apperrors.CodeCorruptEvent,
				fmt.Sprintf("event sequence gap: expected %d got %d", expectedSeq, evt.Seq),
				map[string]string{"tenant_id": key.TenantID, "aggregate_id": key.AggregateID},
			)
		}
		nextState, err := folder.Fold(result.State, evt)
		if err != nil {
			return result, err
		}
		result.State = nextState
		result.LastSeq = evt.Seq
		result.LastEventAt = evt.Timestamp
		result.Applied++
	}
	return result, nil
}
