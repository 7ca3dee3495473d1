// Package memory is an in-process ledger backend. It backs tests and the
// "memory" storage mode; nothing survives a restart.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
)

type stream struct {
	aggregateType event.AggregateType
	events        []event.Event
	updatedAt     time.Time
}

type readModelKey struct {
	aggregateType event.AggregateType
	key           event.StreamKey
}

// Store implements storage.Store with maps guarded by one mutex.
type Store struct {
	mu          sync.RWMutex
	streams     map[event.StreamKey]*stream
	snapshots   map[event.StreamKey]storage.Snapshot
	readModels  map[readModelKey]storage.ReadModel
	cursors     map[string]storage.Cursor
	completions map[string]storage.Completion
	maintained  int
	now         func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		streams:     make(map[event.StreamKey]*stream),
		snapshots:   make(map[event.StreamKey]storage.Snapshot),
		readModels:  make(map[readModelKey]storage.ReadModel),
		cursors:     make(map[string]storage.Cursor),
		completions: make(map[string]storage.Completion),
		now:         time.Now,
	}
}

var _ storage.Store = (*Store)(nil)

func (s *Store) Close() error { return nil }

// Append implements storage.EventStore.
func (s *Store) Append(ctx context.Context, key event.StreamKey, aggregateType event.AggregateType, expectedSeq uint64, events []event.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prepared, err := storage.PrepareAppend(key, aggregateType, expectedSeq, events)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streams[key]
	var current uint64
	if st != nil {
		current = uint64(len(st.events))
		if st.aggregateType != aggregateType {
			return 0, storage.StreamTypeError(key, st.aggregateType, aggregateType)
		}
	}
	if current != expectedSeq {
		return 0, storage.ConflictError(key, expectedSeq, current)
	}
	if len(prepared) == 0 {
		return current, nil
	}
	if st == nil {
		st = &stream{aggregateType: aggregateType}
		s.streams[key] = st
	}
	for _, evt := range prepared {
		evt.PayloadJSON = bytes.Clone(evt.PayloadJSON)
		st.events = append(st.events, evt)
	}
	st.updatedAt = s.now().UTC()
	return uint64(len(st.events)), nil
}

// ListEvents implements storage.EventLister.
func (s *Store) ListEvents(ctx context.Context, key event.StreamKey, afterSeq uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.streams[key]
	if st == nil || afterSeq >= uint64(len(st.events)) {
		return nil, nil
	}
	rest := st.events[afterSeq:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	page := make([]event.Event, len(rest))
	for i, evt := range rest {
		evt.PayloadJSON = bytes.Clone(evt.PayloadJSON)
		page[i] = evt
	}
	return page, nil
}

// CurrentSequence implements storage.EventStore.
func (s *Store) CurrentSequence(ctx context.Context, key event.StreamKey) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.streams[key]
	if st == nil || len(st.events) == 0 {
		return 0, false, nil
	}
	return uint64(len(st.events)), true, nil
}

// ListStreams implements storage.EventStore.
func (s *Store) ListStreams(ctx context.Context, filter storage.StreamFilter, after event.StreamKey, limit int) ([]storage.StreamHead, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	heads := make([]storage.StreamHead, 0, len(s.streams))
	for key, st := range s.streams {
		if filter.AggregateType != "" && st.aggregateType != filter.AggregateType {
			continue
		}
		if filter.TenantID != "" && key.TenantID != filter.TenantID {
			continue
		}
		if !after.IsZero() && !after.Less(key) {
			continue
		}
		heads = append(heads, storage.StreamHead{
			Key:           key,
			AggregateType: st.aggregateType,
			Seq:           uint64(len(st.events)),
			UpdatedAt:     st.updatedAt,
		})
	}
	s.mu.RUnlock()

	sort.Slice(heads, func(i, j int) bool { return heads[i].Key.Less(heads[j].Key) })
	if limit > 0 && len(heads) > limit {
		heads = heads[:limit]
	}
	return heads, nil
}

// SaveSnapshot implements storage.SnapshotStore.
func (s *Store) SaveSnapshot(ctx context.Context, snapshot storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := snapshot.Key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.snapshots[snapshot.Key]; ok && stored.Seq > snapshot.Seq {
		return nil
	}
	snapshot.State = bytes.Clone(snapshot.State)
	s.snapshots[snapshot.Key] = snapshot
	return nil
}

// LatestSnapshot implements storage.SnapshotStore.
func (s *Store) LatestSnapshot(ctx context.Context, key event.StreamKey) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.snapshots[key]
	if !ok {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	snapshot.State = bytes.Clone(snapshot.State)
	return snapshot, nil
}

// DeleteSnapshot implements storage.SnapshotStore.
func (s *Store) DeleteSnapshot(ctx context.Context, key event.StreamKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, key)
	return nil
}

// GetReadModel implements storage.ReadModelStore.
func (s *Store) GetReadModel(ctx context.Context, aggregateType event.AggregateType, key event.StreamKey) (storage.ReadModel, error) {
	if err := ctx.Err(); err != nil {
		return storage.ReadModel{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	model, ok := s.readModels[readModelKey{aggregateType, key}]
	if !ok {
		return storage.ReadModel{}, storage.ErrNotFound
	}
	model.State = bytes.Clone(model.State)
	return model, nil
}

// PutReadModel implements storage.ReadModelStore.
func (s *Store) PutReadModel(ctx context.Context, model storage.ReadModel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := model.Key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := readModelKey{model.AggregateType, model.Key}
	if stored, ok := s.readModels[k]; ok && stored.AsOfSeq > model.AsOfSeq {
		return nil
	}
	model.State = bytes.Clone(model.State)
	s.readModels[k] = model
	return nil
}

// DeleteReadModel implements storage.ReadModelStore.
func (s *Store) DeleteReadModel(ctx context.Context, aggregateType event.AggregateType, key event.StreamKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.readModels, readModelKey{aggregateType, key})
	return nil
}

// AcquireCursor implements storage.CursorStore.
func (s *Store) AcquireCursor(ctx context.Context, name, owner string, now time.Time, lease time.Duration) (storage.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return storage.Cursor{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor, ok := s.cursors[name]
	if !ok {
		cursor = storage.Cursor{Name: name, Status: storage.CursorRunning}
	} else if cursor.Owner != owner && cursor.LeaseExpiresAt.After(now) {
		return storage.Cursor{}, storage.LeaseHeldError(name, cursor.Owner)
	}
	cursor.Owner = owner
	cursor.LeaseExpiresAt = now.Add(lease).UTC()
	cursor.UpdatedAt = now.UTC()
	s.cursors[name] = cursor
	return cursor, nil
}

// GetCursor implements storage.CursorStore.
func (s *Store) GetCursor(ctx context.Context, name string) (storage.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return storage.Cursor{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cursor, ok := s.cursors[name]
	if !ok {
		return storage.Cursor{}, storage.ErrNotFound
	}
	return cursor, nil
}

// SaveCursor implements storage.CursorStore.
func (s *Store) SaveCursor(ctx context.Context, cursor storage.Cursor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.cursors[cursor.Name]
	if !ok {
		return storage.ErrNotFound
	}
	if stored.Owner != cursor.Owner {
		return storage.LeaseHeldError(cursor.Name, stored.Owner)
	}
	s.cursors[cursor.Name] = cursor
	return nil
}

// CompleteCursor implements storage.CursorStore.
func (s *Store) CompleteCursor(ctx context.Context, name, owner string, completedAt time.Time) (storage.Completion, error) {
	if err := ctx.Err(); err != nil {
		return storage.Completion{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.cursors[name]
	if !ok {
		return storage.Completion{}, storage.ErrNotFound
	}
	if stored.Owner != owner {
		return storage.Completion{}, storage.LeaseHeldError(name, stored.Owner)
	}
	completion := storage.Completion{Name: name, Processed: stored.Processed, CompletedAt: completedAt.UTC()}
	delete(s.cursors, name)
	s.completions[name] = completion
	return completion, nil
}

// GetCompletion implements storage.CursorStore.
func (s *Store) GetCompletion(ctx context.Context, name string) (storage.Completion, error) {
	if err := ctx.Err(); err != nil {
		return storage.Completion{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	completion, ok := s.completions[name]
	if !ok {
		return storage.Completion{}, storage.ErrNotFound
	}
	return completion, nil
}

// Maintain implements storage.Maintainer. It only counts invocations.
func (s *Store) Maintain(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maintained++
	return nil
}

// MaintainCalls returns how many times Maintain ran.
func (s *Store) MaintainCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maintained
}

// Tamper rewrites a stored event in place. It exists so tests can plant
// corrupt history that Append would never accept.
func (s *Store) Tamper(key event.StreamKey, seq uint64, mutate func(*event.Event)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[key]
	if st == nil || seq == 0 || seq > uint64(len(st.events)) {
		return false
	}
	mutate(&st.events[seq-1])
	return true
}
