package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/underwrite/internal/platform/clock"
	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
	"github.com/louisbranch/underwrite/internal/platform/logging/logattr"
	"github.com/louisbranch/underwrite/internal/platform/timeouts"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/replay"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
)

const tracerName = "github.com/louisbranch/underwrite/internal/services/ledger/domain/aggregate"

// DefaultSnapshotThreshold is the number of events between snapshots.
const DefaultSnapshotThreshold = 50

// Projector receives every committed event in sequence order and returns the
// read-model record it produced.
type Projector interface {
	Apply(ctx context.Context, evt event.Event) (storage.ReadModel, error)
}

// Repository composes the event store and snapshot store.
type Repository struct {
	events    storage.EventStore
	snapshots storage.SnapshotStore
	registry  *Registry
	projector Projector
	clock     clock.Clock
	logger    *slog.Logger
	tracer    trace.Tracer
	newID     func() string

	snapshotThreshold uint64
	asyncSnapshots    bool
	callTimeout       time.Duration
	pending           sync.WaitGroup
}

// Option configures a Repository.
type Option func(*Repository)

// WithProjector feeds committed events to p after each Save.
func WithProjector(p Projector) Option {
	return func(r *Repository) { r.projector = p }
}

// WithClock sets the clock used for event timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Repository) { r.clock = c }
}

// WithLogger sets the logging sink.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

// WithSnapshotThreshold sets how many events may accumulate past the last
// snapshot before Save writes a new one. Zero disables snapshots on Save.
func WithSnapshotThreshold(n uint64) Option {
	return func(r *Repository) { r.snapshotThreshold = n }
}

// WithAsyncSnapshots makes Save write snapshots in the background. Flush
// waits for them.
func WithAsyncSnapshots(async bool) Option {
	return func(r *Repository) { r.asyncSnapshots = async }
}

// WithTracerProvider sets the tracer provider; the global one is used
// otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Repository) { r.tracer = tp.Tracer(tracerName) }
}

// WithCallTimeout bounds each snapshot and event store call; stream pages
// read during replay use timeouts.StorageCall.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Repository) { r.callTimeout = d }
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(newID func() string) Option {
	return func(r *Repository) { r.newID = newID }
}

// NewRepository builds a repository over the given stores.
func NewRepository(events storage.EventStore, snapshots storage.SnapshotStore, registry *Registry, opts ...Option) (*Repository, error) {
	if events == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if snapshots == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("aggregate registry is required")
	}
	r := &Repository{
		events:            events,
		snapshots:         snapshots,
		registry:          registry,
		clock:             clock.System{},
		logger:            slog.Default(),
		tracer:            otel.Tracer(tracerName),
		newID:             uuid.NewString,
		snapshotThreshold: DefaultSnapshotThreshold,
		callTimeout:       timeouts.StorageCall,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(logattr.Component("aggregate_repository"))
	return r, nil
}

// New returns an empty aggregate that has never been saved.
func (r *Repository) New(tenantID, aggregateID string, aggregateType event.AggregateType) (*Aggregate, error) {
	key := event.StreamKey{TenantID: tenantID, AggregateID: aggregateID}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	def, err := r.registry.Definition(aggregateType)
	if err != nil {
		return nil, err
	}
	return &Aggregate{TenantID: tenantID, ID: aggregateID, Type: aggregateType, State: def.New()}, nil
}

// GetByID loads the latest snapshot and folds the events committed after it.
// It fails with CodeNotFound when the aggregate has neither.
func (r *Repository) GetByID(ctx context.Context, tenantID, aggregateID string, aggregateType event.AggregateType) (_ *Aggregate, err error) {
	key := event.StreamKey{TenantID: tenantID, AggregateID: aggregateID}
	ctx, span := r.startSpan(ctx, "aggregate.GetByID", key, aggregateType)
	defer func() { endSpan(span, err) }()

	if err := key.Validate(); err != nil {
		return nil, err
	}
	def, err := r.registry.Definition(aggregateType)
	if err != nil {
		return nil, err
	}

	state := def.New()
	var snapshotSeq uint64
	snapshot, err := timeouts.Call(ctx, r.callTimeout, func(ctx context.Context) (storage.Snapshot, error) {
		return r.snapshots.LatestSnapshot(ctx, key)
	})
	switch {
	case err == nil:
		if restored, ok := r.restore(def, snapshot); ok {
			state = restored
			snapshotSeq = snapshot.Seq
		}
	case apperrors.IsCode(err, apperrors.CodeNotFound):
	default:
		return nil, err
	}

	result, err := replay.Replay(ctx, r.events, typeGuard{def}, key, state, replay.Options{AfterSeq: snapshotSeq})
	if err != nil {
		return nil, err
	}
	if snapshotSeq == 0 && result.Applied == 0 {
		return nil, apperrors.WithMetadata(apperrors.CodeNotFound, "aggregate not found", map[string]string{
			"tenant_id":      tenantID,
			"aggregate_id":   aggregateID,
			"aggregate_type": string(aggregateType),
		})
	}
	span.SetAttributes(attribute.Int("replayed", result.Applied), attribute.Int64("snapshot_seq", int64(snapshotSeq)))
	return &Aggregate{
		TenantID:    tenantID,
		ID:          aggregateID,
		Type:        aggregateType,
		Seq:         result.LastSeq,
		State:       result.State,
		snapshotSeq: snapshotSeq,
	}, nil
}

// restore decodes a snapshot. Snapshots are a cache, so an unusable one is
// logged and ignored.
func (r *Repository) restore(def Definition, snapshot storage.Snapshot) (any, bool) {
	if snapshot.AggregateType != "" && snapshot.AggregateType != def.Type() {
		r.logger.Warn("snapshot aggregate type mismatch, replaying from start",
			logattr.TenantID(snapshot.Key.TenantID),
			logattr.AggregateID(snapshot.Key.AggregateID),
			logattr.AggregateType(string(snapshot.AggregateType)),
		)
		return nil, false
	}
	state, err := def.Decode(snapshot.State)
	if err != nil {
		r.logger.Warn("snapshot undecodable, replaying from start",
			logattr.TenantID(snapshot.Key.TenantID),
			logattr.AggregateID(snapshot.Key.AggregateID),
			logattr.Sequence(snapshot.Seq),
			logattr.Error(err),
		)
		return nil, false
	}
	return state, true
}

// Save appends drafts expecting agg.Seq as the current stream sequence. On
// success agg reflects the new events, every event is offered to the
// projector in order, and a snapshot is written once SnapshotThreshold
// events have accumulated. Projection and snapshot failures are logged and
// do not fail the save: both are derived data. A lost race fails with
// CodeConcurrencyConflict and leaves agg untouched.
func (r *Repository) Save(ctx context.Context, agg *Aggregate, drafts ...event.Draft) (err error) {
	if agg == nil {
		return apperrors.New(apperrors.CodeInvalidArgument, "aggregate is required")
	}
	key := agg.Key()
	ctx, span := r.startSpan(ctx, "aggregate.Save", key, agg.Type)
	defer func() { endSpan(span, err) }()

	if err := key.Validate(); err != nil {
		return err
	}
	if len(drafts) == 0 {
		return nil
	}
	def, err := r.registry.Definition(agg.Type)
	if err != nil {
		return err
	}

	now := r.clock.Now().UTC().Truncate(time.Millisecond)
	events := make([]event.Event, len(drafts))
	state := agg.State
	for i, draft := range drafts {
		if !r.registry.Declares(agg.Type, draft.Type) {
			return apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("event type %q is not declared by %s", draft.Type, agg.Type))
		}
		events[i] = event.Event{
			ID:            r.newID(),
			TenantID:      agg.TenantID,
			AggregateID:   agg.ID,
			AggregateType: agg.Type,
			Seq:           agg.Seq + uint64(i) + 1,
			Type:          draft.Type,
			PayloadJSON:   draft.PayloadJSON,
			Timestamp:     now,
		}
		// Folding before the append rejects undecodable payloads while
		// nothing is committed yet.
		state, err = def.Fold(state, events[i])
		if err != nil {
			return err
		}
	}

	newSeq, err := timeouts.Call(ctx, r.callTimeout, func(ctx context.Context) (uint64, error) {
		return r.events.Append(ctx, key, agg.Type, agg.Seq, events)
	})
	if err != nil {
		return err
	}
	agg.Seq = newSeq
	agg.State = state
	span.SetAttributes(attribute.Int64("new_seq", int64(newSeq)))

	r.project(ctx, events)
	if r.snapshotThreshold > 0 && newSeq-agg.snapshotSeq >= r.snapshotThreshold {
		r.snapshot(ctx, def, agg)
	}
	return nil
}

func (r *Repository) project(ctx context.Context, events []event.Event) {
	if r.projector == nil {
		return
	}
	for _, evt := range events {
		if _, err := r.projector.Apply(ctx, evt); err != nil {
			r.logger.Error("project event failed, read model left behind",
				logattr.TenantID(evt.TenantID),
				logattr.AggregateID(evt.AggregateID),
				logattr.EventType(string(evt.Type)),
				logattr.Sequence(evt.Seq),
				logattr.Error(err),
			)
		}
	}
}

func (r *Repository) snapshot(ctx context.Context, def Definition, agg *Aggregate) {
	data, err := def.Encode(agg.State)
	if err != nil {
		r.logger.Error("encode snapshot failed", logattr.TenantID(agg.TenantID), logattr.AggregateID(agg.ID), logattr.Error(err))
		return
	}
	snapshot := storage.Snapshot{
		Key:           agg.Key(),
		AggregateType: agg.Type,
		Seq:           agg.Seq,
		State:         data,
		CreatedAt:     r.clock.Now().UTC(),
	}
	agg.snapshotSeq = agg.Seq

	write := func(ctx context.Context) {
		if err := timeouts.Exec(ctx, r.callTimeout, func(ctx context.Context) error {
			return r.snapshots.SaveSnapshot(ctx, snapshot)
		}); err != nil {
			r.logger.Warn("save snapshot failed",
				logattr.TenantID(snapshot.Key.TenantID),
				logattr.AggregateID(snapshot.Key.AggregateID),
				logattr.Sequence(snapshot.Seq),
				logattr.Error(err),
			)
		}
	}
	if !r.asyncSnapshots {
		write(ctx)
		return
	}
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		write(context.WithoutCancel(ctx))
	}()
}

// Flush waits for background snapshot writes.
func (r *Repository) Flush() {
	r.pending.Wait()
}

// ReplayOptions configures ReplayAll.
type ReplayOptions struct {
	// PersistSnapshot writes a snapshot of the rebuilt state.
	PersistSnapshot bool
}

// ReplayAll rebuilds the aggregate from its first event, ignoring snapshots.
// It writes a snapshot only when asked to, and then reports write failures.
func (r *Repository) ReplayAll(ctx context.Context, tenantID, aggregateID string, aggregateType event.AggregateType, options ReplayOptions) (_ *Aggregate, err error) {
	key := event.StreamKey{TenantID: tenantID, AggregateID: aggregateID}
	ctx, span := r.startSpan(ctx, "aggregate.ReplayAll", key, aggregateType)
	defer func() { endSpan(span, err) }()

	if err := key.Validate(); err != nil {
		return nil, err
	}
	def, err := r.registry.Definition(aggregateType)
	if err != nil {
		return nil, err
	}
	result, err := replay.Replay(ctx, r.events, typeGuard{def}, key, def.New(), replay.Options{})
	if err != nil {
		return nil, err
	}
	if result.Applied == 0 {
		return nil, apperrors.New(apperrors.CodeNotFound, "aggregate not found")
	}
	agg := &Aggregate{TenantID: tenantID, ID: aggregateID, Type: aggregateType, Seq: result.LastSeq, State: result.State}
	if !options.PersistSnapshot {
		return agg, nil
	}
	data, err := def.Encode(agg.State)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "encode snapshot", err)
	}
	snapshot := storage.Snapshot{
		Key:           key,
		AggregateType: aggregateType,
		Seq:           agg.Seq,
		State:         data,
		CreatedAt:     r.clock.Now().UTC(),
	}
	if err := timeouts.Exec(ctx, r.callTimeout, func(ctx context.Context) error {
		return r.snapshots.SaveSnapshot(ctx, snapshot)
	}); err != nil {
		return nil, err
	}
	agg.snapshotSeq = agg.Seq
	return agg, nil
}

func (r *Repository) startSpan(ctx context.Context, name string, key event.StreamKey, aggregateType event.AggregateType) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("tenant_id", key.TenantID),
		attribute.String("aggregate_id", key.AggregateID),
		attribute.String("aggregate_type", string(aggregateType)),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
	}
	span.End()
}

// typeGuard rejects events recorded under a different aggregate type.
type typeGuard struct {
	def Definition
}

func (g typeGuard) Fold(state any, evt event.Event) (any, error) {
	if evt.AggregateType != "" && evt.AggregateType != g.def.Type() {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("stream %s holds %s events, not %s", evt.Key(), evt.AggregateType, g.def.Type()))
	}
	return g.def.Fold(state, evt)
}
