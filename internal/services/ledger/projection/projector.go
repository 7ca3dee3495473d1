// Package projection derives denormalized read models from committed events
// and repairs them by replay when they drift.
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
	"github.com/louisbranch/underwrite/internal/platform/logging/logattr"
	"github.com/louisbranch/underwrite/internal/platform/timeouts"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/replay"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
)

// EventCatalog reports the event types each aggregate type declares.
type EventCatalog interface {
	Types() []event.AggregateType
	EventTypes(aggregateType event.AggregateType) []event.Type
}

// ReferenceCheck verifies the aggregates a rebuilt record points at.
type ReferenceCheck func(ctx context.Context, refs []Reference) error

// Projector keeps one read-model record per aggregate in step with its
// event stream.
type Projector struct {
	events storage.EventStore
	models storage.ReadModelStore
	views  map[event.AggregateType]Definition
	logger *slog.Logger
}

// Option configures a Projector.
type Option func(*Projector)

// WithLogger sets the logging sink.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Projector) { p.logger = logger }
}

// NewProjector validates that every view accounts for exactly the event
// types its aggregate declares.
func NewProjector(events storage.EventStore, models storage.ReadModelStore, catalog EventCatalog, views []Definition, opts ...Option) (*Projector, error) {
	if events == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if models == nil {
		return nil, fmt.Errorf("read model store is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("event catalog is required")
	}
	p := &Projector{
		events: events,
		models: models,
		views:  make(map[event.AggregateType]Definition, len(views)),
		logger: slog.Default(),
	}
	known := catalog.Types()
	for _, def := range views {
		if def == nil {
			return nil, fmt.Errorf("projection definition is required")
		}
		aggregateType := def.AggregateType()
		if !slices.Contains(known, aggregateType) {
			return nil, fmt.Errorf("projection for unregistered aggregate type %q", aggregateType)
		}
		if _, dup := p.views[aggregateType]; dup {
			return nil, fmt.Errorf("projection for %s registered twice", aggregateType)
		}
		if err := validateCoverage(def, catalog.EventTypes(aggregateType)); err != nil {
			return nil, err
		}
		p.views[aggregateType] = def
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(logattr.Component("projector"))
	return p, nil
}

func validateCoverage(def Definition, declared []event.Type) error {
	handled := def.Handled()
	var missing, stale []string
	for _, t := range declared {
		if !slices.Contains(handled, t) {
			missing = append(missing, string(t))
		}
	}
	for _, t := range handled {
		if !slices.Contains(declared, t) {
			stale = append(stale, string(t))
		}
	}
	if len(missing) == 0 && len(stale) == 0 {
		return nil
	}
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing handlers for "+strings.Join(missing, ", "))
	}
	if len(stale) > 0 {
		parts = append(parts, "handlers for undeclared "+strings.Join(stale, ", "))
	}
	return fmt.Errorf("projection %s: %s", def.AggregateType(), strings.Join(parts, "; "))
}

// Types lists the aggregate types with a read model.
func (p *Projector) Types() []event.AggregateType {
	types := make([]event.AggregateType, 0, len(p.views))
	for t := range p.views {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Apply folds one committed event into its aggregate's record. Events at or
// below the record's watermark are ignored. When evt is not the next
// sequence the missing events are read from the store first. Aggregate
// types without a view produce no record.
func (p *Projector) Apply(ctx context.Context, evt event.Event) (storage.ReadModel, error) {
	def, ok := p.views[evt.AggregateType]
	if !ok {
		return storage.ReadModel{}, nil
	}
	key := evt.Key()
	current, state, err := p.load(ctx, def, key)
	if err != nil {
		return storage.ReadModel{}, err
	}
	if evt.Seq <= current.AsOfSeq {
		return current, nil
	}

	var model storage.ReadModel
	if evt.Seq == current.AsOfSeq+1 {
		next, err := def.Apply(state, evt)
		if err != nil {
			return storage.ReadModel{}, err
		}
		model, err = record(def, key, evt.Seq, next, evt.Timestamp)
		if err != nil {
			return storage.ReadModel{}, err
		}
	} else {
		model, _, err = p.fold(ctx, def, key, current.AsOfSeq, state, evt.Seq)
		if err != nil {
			return storage.ReadModel{}, err
		}
	}
	if err := p.putModel(ctx, model); err != nil {
		return storage.ReadModel{}, err
	}
	return model, nil
}

// load returns the stored record and its decoded state. A missing record
// starts from the zero state. An undecodable one keeps its watermark so old
// events stay ignored, but restarts the fold from the zero state.
func (p *Projector) load(ctx context.Context, def Definition, key event.StreamKey) (storage.ReadModel, any, error) {
	current, err := p.getModel(ctx, def.AggregateType(), key)
	if apperrors.IsCode(err, apperrors.CodeNotFound) {
		return storage.ReadModel{Key: key, AggregateType: def.AggregateType()}, def.New(), nil
	}
	if err != nil {
		return storage.ReadModel{}, nil, err
	}
	state, err := def.Decode(current.State)
	if err != nil {
		p.logger.Warn("read model undecodable, rebuilding from start",
			logattr.TenantID(key.TenantID),
			logattr.AggregateID(key.AggregateID),
			logattr.AggregateType(string(def.AggregateType())),
			logattr.Error(err),
		)
		if current.AsOfSeq == 0 {
			return storage.ReadModel{Key: key, AggregateType: def.AggregateType()}, def.New(), nil
		}
		return p.fold(ctx, def, key, 0, def.New(), current.AsOfSeq)
	}
	return current, state, nil
}

// fold replays events after afterSeq through untilSeq (zero for the whole
// stream) on top of state and returns the resulting record.
func (p *Projector) fold(ctx context.Context, def Definition, key event.StreamKey, afterSeq uint64, state any, untilSeq uint64) (storage.ReadModel, any, error) {
	result, err := replay.Replay(ctx, p.events, replay.FolderFunc(def.Apply), key, state, replay.Options{AfterSeq: afterSeq, UntilSeq: untilSeq})
	if err != nil {
		return storage.ReadModel{}, nil, err
	}
	if untilSeq > 0 && result.LastSeq != untilSeq {
		return storage.ReadModel{}, nil, apperrors.New(apperrors.CodeCorruptEvent,
			fmt.Sprintf("stream %s ends at seq %d, before %d", key, result.LastSeq, untilSeq))
	}
	if result.Applied == 0 {
		return storage.ReadModel{Key: key, AggregateType: def.AggregateType(), AsOfSeq: afterSeq}, result.State, nil
	}
	model, err := record(def, key, result.LastSeq, result.State, result.LastEventAt)
	if err != nil {
		return storage.ReadModel{}, nil, err
	}
	return model, result.State, nil
}

func record(def Definition, key event.StreamKey, seq uint64, state any, lastEventAt time.Time) (storage.ReadModel, error) {
	data, err := def.Encode(state)
	if err != nil {
		return storage.ReadModel{}, apperrors.Wrap(apperrors.CodeInternal, fmt.Sprintf("encode %s read model", def.AggregateType()), err)
	}
	return storage.ReadModel{
		Key:           key,
		AggregateType: def.AggregateType(),
		AsOfSeq:       seq,
		State:         data,
		LastEventAt:   lastEventAt.UTC(),
	}, nil
}

func (p *Projector) view(aggregateType event.AggregateType) (Definition, error) {
	def, ok := p.views[aggregateType]
	if !ok {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("no read model for aggregate type %q", aggregateType))
	}
	return def, nil
}

// Get returns the stored record.
func (p *Projector) Get(ctx context.Context, key event.StreamKey, aggregateType event.AggregateType) (storage.ReadModel, error) {
	if _, err := p.view(aggregateType); err != nil {
		return storage.ReadModel{}, err
	}
	return p.getModel(ctx, aggregateType, key)
}

// References decodes the stored record and lists the aggregates it points
// at.
func (p *Projector) References(ctx context.Context, key event.StreamKey, aggregateType event.AggregateType) ([]Reference, error) {
	def, err := p.view(aggregateType)
	if err != nil {
		return nil, err
	}
	model, err := p.getModel(ctx, aggregateType, key)
	if err != nil {
		return nil, err
	}
	state, err := def.Decode(model.State)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDataIntegrity, "decode read model", err)
	}
	return def.References(key, state)
}

// Rebuild discards the record and replays the full history into a new one.
func (p *Projector) Rebuild(ctx context.Context, key event.StreamKey, aggregateType event.AggregateType) (storage.ReadModel, error) {
	return p.RebuildChecked(ctx, key, aggregateType, nil)
}

// RebuildChecked is Rebuild with a reference check run before the new
// record is written. A failing check leaves no record behind.
func (p *Projector) RebuildChecked(ctx context.Context, key event.StreamKey, aggregateType event.AggregateType, check ReferenceCheck) (storage.ReadModel, error) {
	def, err := p.view(aggregateType)
	if err != nil {
		return storage.ReadModel{}, err
	}
	if err := key.Validate(); err != nil {
		return storage.ReadModel{}, err
	}
	if err := p.deleteModel(ctx, aggregateType, key); err != nil {
		return storage.ReadModel{}, err
	}
	model, state, err := p.fold(ctx, def, key, 0, def.New(), 0)
	if err != nil {
		return storage.ReadModel{}, err
	}
	if model.AsOfSeq == 0 {
		return storage.ReadModel{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("stream %s has no events", key))
	}
	if check != nil {
		refs, err := def.References(key, state)
		if err != nil {
			return storage.ReadModel{}, err
		}
		if err := check(ctx, refs); err != nil {
			return storage.ReadModel{}, err
		}
	}
	if err := p.putModel(ctx, model); err != nil {
		return storage.ReadModel{}, err
	}
	return model, nil
}

// DriftStatus classifies a record against its stream.
type DriftStatus string

const (
	DriftOK      DriftStatus = "ok"
	DriftMissing DriftStatus = "missing"
	DriftBehind  DriftStatus = "behind"
	DriftAhead   DriftStatus = "ahead"
)

// DriftReport compares a record's watermark with its stream's tip.
type DriftReport struct {
	Key           event.StreamKey
	AggregateType event.AggregateType
	Status        DriftStatus
	AsOfSeq       uint64
	StreamSeq     uint64
	Repaired      bool
}

// Check reports whether the record is in step with its stream.
func (p *Projector) Check(ctx context.Context, key event.StreamKey, aggregateType event.AggregateType) (DriftReport, error) {
	if _, err := p.view(aggregateType); err != nil {
		return DriftReport{}, err
	}
	report := DriftReport{Key: key, AggregateType: aggregateType}
	streamSeq, err := timeouts.Call(ctx, 0, func(ctx context.Context) (uint64, error) {
		seq, _, err := p.events.CurrentSequence(ctx, key)
		return seq, err
	})
	if err != nil {
		return DriftReport{}, err
	}
	report.StreamSeq = streamSeq

	model, err := p.getModel(ctx, aggregateType, key)
	switch {
	case apperrors.IsCode(err, apperrors.CodeNotFound):
		if streamSeq == 0 {
			report.Status = DriftOK
		} else {
			report.Status = DriftMissing
		}
		return report, nil
	case err != nil:
		return DriftReport{}, err
	}
	report.AsOfSeq = model.AsOfSeq
	switch {
	case model.AsOfSeq == streamSeq:
		report.Status = DriftOK
	case model.AsOfSeq < streamSeq:
		report.Status = DriftBehind
	default:
		report.Status = DriftAhead
	}
	return report, nil
}

// Repair brings a drifted record back in step: a record behind its stream
// is caught up, a missing or ahead one is rebuilt. The report describes what
// was found before repairing.
func (p *Projector) Repair(ctx context.Context, key event.StreamKey, aggregateType event.AggregateType) (DriftReport, error) {
	report, err := p.Check(ctx, key, aggregateType)
	if err != nil {
		return DriftReport{}, err
	}
	switch report.Status {
	case DriftOK:
		return report, nil
	case DriftBehind:
		def, _ := p.view(aggregateType)
		current, state, err := p.load(ctx, def, key)
		if err != nil {
			return report, err
		}
		model, _, err := p.fold(ctx, def, key, current.AsOfSeq, state, report.StreamSeq)
		if err != nil {
			return report, err
		}
		if err := p.putModel(ctx, model); err != nil {
			return report, err
		}
	default:
		if _, err := p.Rebuild(ctx, key, aggregateType); err != nil {
			return report, err
		}
	}
	report.Repaired = true
	p.logger.Info("read model repaired",
		logattr.TenantID(key.TenantID),
		logattr.AggregateID(key.AggregateID),
		logattr.AggregateType(string(aggregateType)),
		slog.String("drift", string(report.Status)),
		logattr.Sequence(report.StreamSeq),
	)
	return report, nil
}

// Read-model calls are bounded one by one, like event store calls.

func (p *Projector) getModel(ctx context.Context, aggregateType event.AggregateType, key event.StreamKey) (storage.ReadModel, error) {
	return timeouts.Call(ctx, 0, func(ctx context.Context) (storage.ReadModel, error) {
		return p.models.GetReadModel(ctx, aggregateType, key)
	})
}

func (p *Projector) putModel(ctx context.Context, model storage.ReadModel) error {
	return timeouts.Exec(ctx, 0, func(ctx context.Context) error {
		return p.models.PutReadModel(ctx, model)
	})
}

func (p *Projector) deleteModel(ctx context.Context, aggregateType event.AggregateType, key event.StreamKey) error {
	return timeouts.Exec(ctx, 0, func(ctx context.Context) error {
		return p.models.DeleteReadModel(ctx, aggregateType, key)
	})
}
