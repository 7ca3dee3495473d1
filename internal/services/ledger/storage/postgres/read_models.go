package postgres

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
	var asOfSeq int64
	model := storage.ReadModel{Key: key, AggregateType: aggregateType}
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT as_of_seq, state, last_event_at FROM read_models
		 WHERE tenant_id = $1 AND aggregate_type = $2 AND aggregate_id = $3`,
		key.TenantID, string(aggregateType), key.AggregateID,
	).Scan(&asOfSeq, &model.State, &model.LastEventAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ReadModel{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.ReadModel{}, classify("get read model", err)
	}
	model.AsOfSeq = uint64(asOfSeq)
	model.LastEventAt = model.LastEventAt.UTC()
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
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, aggregate_type, aggregate_id) DO UPDATE SET
		     as_of_seq = EXCLUDED.as_of_seq,
		     state = EXCLUDED.state,
		     last_event_at = EXCLUDED.last_event_at
		 WHERE read_models.as_of_seq <= EXCLUDED.as_of_seq`,
		model.Key.TenantID, string(model.AggregateType), model.Key.AggregateID,
		int64(model.AsOfSeq), model.State, model.LastEventAt.UTC(),
	)
	return classify("put read model", err)
}

// DeleteReadModel implements storage.ReadModelStore.
func (s *Store) DeleteReadModel(ctx context.Context, aggregateType event.AggregateType, key event.StreamKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM read_models WHERE tenant_id = $1 AND aggregate_type = $2 AND aggregate_id = $3",
		key.TenantID, string(aggregateType), key.AggregateID,
	)
	return classify("delete read model", err)
}
