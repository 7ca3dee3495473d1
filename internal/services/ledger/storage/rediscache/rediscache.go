// Package rediscache fronts a storage.ReadModelStore with a Redis read-through
// cache. Writes go to the backing store first and then evict the cached
// entry, so the backing store's never-regress rule stays authoritative.
package rediscache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/louisbranch/underwrite/internal/platform/logging/logattr"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/codec"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
)

// DefaultTTL bounds how long a cached read model is served.
const DefaultTTL = 10 * time.Minute

type entry struct {
	AsOfSeq     uint64    `json:"as_of_seq"`
	State       []byte    `json:"state"`
	LastEventAt time.Time `json:"last_event_at"`
}

// Store is a caching storage.ReadModelStore.
type Store struct {
	base   storage.ReadModelStore
	redis  redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

var _ storage.ReadModelStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the entry lifetime. Zero disables caching of reads.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl < 0 {
			ttl = 0
		}
		s.ttl = ttl
	}
}

// WithLogger sets the logger for cache failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New wraps base. Cache failures never fail a call; they fall back to base.
func New(base storage.ReadModelStore, client redis.UniversalClient, opts ...Option) (*Store, error) {
	if base == nil {
		return nil, errors.New("backing read model store is required")
	}
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	s := &Store{base: base, redis: client, ttl: DefaultTTL, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logattr.Component("rediscache"))
	return s, nil
}

// GetReadModel implements storage.ReadModelStore.
func (s *Store) GetReadModel(ctx context.Context, aggregateType event.AggregateType, key event.StreamKey) (storage.ReadModel, error) {
	cacheKey := Key(aggregateType, key)
	if model, ok := s.load(ctx, cacheKey); ok {
		model.Key = key
		model.AggregateType = aggregateType
		return model, nil
	}
	model, err := s.base.GetReadModel(ctx, aggregateType, key)
	if err != nil {
		return storage.ReadModel{}, err
	}
	s.store(ctx, cacheKey, model)
	return model, nil
}

// PutReadModel implements storage.ReadModelStore.
func (s *Store) PutReadModel(ctx context.Context, model storage.ReadModel) error {
	if err := s.base.PutReadModel(ctx, model); err != nil {
		return err
	}
	s.evict(ctx, Key(model.AggregateType, model.Key))
	return nil
}

// DeleteReadModel implements storage.ReadModelStore.
func (s *Store) DeleteReadModel(ctx context.Context, aggregateType event.AggregateType, key event.StreamKey) error {
	if err := s.base.DeleteReadModel(ctx, aggregateType, key); err != nil {
		return err
	}
	s.evict(ctx, Key(aggregateType, key))
	return nil
}

// Key returns the Redis key of one read model.
func Key(aggregateType event.AggregateType, key event.StreamKey) string {
	return "readmodel:" + string(aggregateType) + ":" + key.String()
}

func (s *Store) load(ctx context.Context, cacheKey string) (storage.ReadModel, bool) {
	if s.ttl == 0 {
		return storage.ReadModel{}, false
	}
	data, err := s.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("read model cache get failed", logattr.Error(err))
		}
		return storage.ReadModel{}, false
	}
	var cached entry
	if err := codec.Unmarshal(data, &cached); err != nil {
		s.evict(ctx, cacheKey)
		return storage.ReadModel{}, false
	}
	return storage.ReadModel{AsOfSeq: cached.AsOfSeq, State: cached.State, LastEventAt: cached.LastEventAt}, true
}

func (s *Store) store(ctx context.Context, cacheKey string, model storage.ReadModel) {
	if s.ttl == 0 {
		return
	}
	data, err := codec.Marshal(entry{AsOfSeq: model.AsOfSeq, State: model.State, LastEventAt: model.LastEventAt})
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, cacheKey, data, s.ttl).Err(); err != nil {
		s.logger.Warn("read model cache set failed", logattr.Error(err))
	}
}

func (s *Store) evict(ctx context.Context, cacheKey string) {
	if err := s.redis.Del(ctx, cacheKey).Err(); err != nil {
		s.logger.Warn("read model cache evict failed", logattr.Error(err))
	}
}
