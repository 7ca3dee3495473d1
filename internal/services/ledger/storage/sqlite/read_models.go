package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
)

// GetReadModel implements storage.ReadModelStore.
func (s *Store) GetReadModel(ctx context.Context, aggregateType event.AggregateType, key event.StreamKey) (storage.ReadModel, error) {
	if err := ctx.Err(); err != nil {
		return storage.ReadModel{}, err
	}
	var (
		asOfSeq     int64
		lastEventAt int64
	)
	model := storage.ReadModel{Key: key, AggregateType: aggregateType}
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT as_of_seq, state, last_event_at FROM read_models
		 WHERE tenant_id = ? AND aggregate_type = ? AND aggregate_id = ?`,
		key.TenantID, string(aggregateType), key.AggregateID,
	).Scan(&asOfSeq, &model.State, &lastEventAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ReadModel{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.ReadModel{}, classify("get read model", err)
	}
	model.AsOfSeq = uint64(asOfSeq)
	model.LastEventAt = fromMillis(lastEventAt)
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
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO read_models (tenant_id, aggregate_type, aggregate_id, as_of_seq, state, last_event_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, aggregate_type, aggregate_id) DO UPDATE SET
		     as_of_seq = excluded.as_of_seq,
		     state = excluded.state,
		     last_event_at = excluded.last_event_at
		 WHERE read_models.as_of_seq <= excluded.as_of_seq`,
		model.Key.TenantID, string(model.AggregateType), model.Key.AggregateID,
		int64(model.AsOfSeq), model.State, toMillis(model.LastEventAt),
	)
	return classify("put read model", err)
}

// DeleteReadModel implements storage.ReadModelStore.
func (s *Store) DeleteReadModel(ctx context.Context, aggregateType event.AggregateType, key event.StreamKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM read_models WHERE tenant_id = ? AND aggregate_type = ? AND aggregate_id = ?",
		key.TenantID, string(aggregateType), key.AggregateID,
	)
	return classify("delete read model", err)
}
