// Package storage defines the persistence contracts of the ledger: the
// append-only event log, snapshots, read models and migration cursors.
// Adapters live in subpackages and share the conformance suite in
// storagetest.
package storage

import (
	"context"
	"time"

	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
)

// ErrNotFound indicates a requested record does not exist.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// StreamHead describes the committed tip of one aggregate stream.
type StreamHead struct {
	Key           event.StreamKey
	AggregateType event.AggregateType
	Seq           uint64
	UpdatedAt     time.Time
}

// StreamFilter narrows ListStreams. Zero values match everything.
type StreamFilter struct {
	AggregateType event.AggregateType
	TenantID      string
}

// EventLister pages through one stream's events.
type EventLister interface {
	// ListEvents returns up to limit events with Seq > afterSeq, ascending.
	ListEvents(ctx context.Context, key event.StreamKey, afterSeq uint64, limit int) ([]event.Event, error)
}

// EventStore is the append-only, tenant-scoped event log.
type EventStore interface {
	EventLister

	// Append writes events as the contiguous range expectedSeq+1.. in one
	// transaction and returns the new stream sequence. It fails with
	// CodeConcurrencyConflict when the stored sequence differs from
	// expectedSeq. Events with Seq == 0 are numbered by the store; non-zero
	// sequences must already match their position.
	Append(ctx context.Context, key event.StreamKey, aggregateType event.AggregateType, expectedSeq uint64, events []event.Event) (uint64, error)

	// CurrentSequence returns the stream's latest sequence; found is false
	// for streams with no events.
	CurrentSequence(ctx context.Context, key event.StreamKey) (seq uint64, found bool, err error)

	// ListStreams returns stream heads ordered by (TenantID, AggregateID),
	// strictly after the given key.
	ListStreams(ctx context.Context, filter StreamFilter, after event.StreamKey, limit int) ([]StreamHead, error)
}

// Snapshot is a cached materialization of aggregate state at Seq.
type Snapshot struct {
	Key           event.StreamKey
	AggregateType event.AggregateType
	Seq           uint64
	State         []byte
	CreatedAt     time.Time
}

// SnapshotStore keeps the latest snapshot per aggregate.
type SnapshotStore interface {
	// SaveSnapshot replaces the stored snapshot unless the stored one has a
	// higher sequence, in which case the call is a no-op.
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
	LatestSnapshot(ctx context.Context, key event.StreamKey) (Snapshot, error)
	DeleteSnapshot(ctx context.Context, key event.StreamKey) error
}

// ReadModel is the denormalized projection of one aggregate, derivable by
// replaying events 1..AsOfSeq.
type ReadModel struct {
	Key           event.StreamKey
	AggregateType event.AggregateType
	AsOfSeq       uint64
	State         []byte
	LastEventAt   time.Time
}

// ReadModelStore persists read-model records.
type ReadModelStore interface {
	GetReadModel(ctx context.Context, aggregateType event.AggregateType, key event.StreamKey) (ReadModel, error)
	// PutReadModel upserts the record unless the stored one is further
	// ahead (higher AsOfSeq).
	PutReadModel(ctx context.Context, model ReadModel) error
	DeleteReadModel(ctx context.Context, aggregateType event.AggregateType, key event.StreamKey) error
}

// Cursor statuses persisted with a migration cursor.
const (
	CursorRunning = "running"
	CursorPaused  = "paused"
	CursorFailed  = "failed"
)

// Cursor records durable migration progress. Owner and LeaseExpiresAt keep
// two processes from driving the same migration at once.
type Cursor struct {
	Name           string
	LastKey        string
	Processed      int64
	Status         string
	Owner          string
	LeaseExpiresAt time.Time
	UpdatedAt      time.Time
}

// Completion records that a migration drained all its records.
type Completion struct {
	Name        string
	Processed   int64
	CompletedAt time.Time
}

// CursorStore persists migration cursors and completions.
type CursorStore interface {
	// AcquireCursor loads or creates the named cursor and takes its lease
	// for owner until now+lease. A live lease held by another owner fails
	// with CodeMigrationInProgress.
	AcquireCursor(ctx context.Context, name, owner string, now time.Time, lease time.Duration) (Cursor, error)
	GetCursor(ctx context.Context, name string) (Cursor, error)
	// SaveCursor persists progress for the current owner. A cursor taken
	// over by another owner fails with CodeMigrationInProgress.
	SaveCursor(ctx context.Context, cursor Cursor) error
	// CompleteCursor deletes the owner's cursor and records the completion
	// in one transaction.
	CompleteCursor(ctx context.Context, name, owner string, completedAt time.Time) (Completion, error)
	GetCompletion(ctx context.Context, name string) (Completion, error)
}

// Maintainer reclaims storage space; migrations call it between batches.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// Store is a complete ledger backend.
type Store interface {
	EventStore
	SnapshotStore
	ReadModelStore
	CursorStore
	Maintainer
	Close() error
}
