package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
)

// SaveSnapshot implements storage.SnapshotStore.
func (s *Store) SaveSnapshot(ctx context.Context, snapshot storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := snapshot.Key.Validate(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO snapshots (tenant_id, aggregate_id, aggregate_type, seq, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, aggregate_id) DO UPDATE SET
		     aggregate_type = excluded.aggregate_type,
		     seq = excluded.seq,
		     state = excluded.state,
		     created_at = excluded.created_at
		 WHERE snapshots.seq <= excluded.seq`,
		snapshot.Key.TenantID, snapshot.Key.AggregateID, string(snapshot.AggregateType),
		int64(snapshot.Seq), snapshot.State, toMillis(snapshot.CreatedAt),
	)
	return classify("save snapshot", err)
}

// LatestSnapshot implements storage.SnapshotStore.
func (s *Store) LatestSnapshot(ctx context.Context, key event.StreamKey) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}
	var (
		aggregateType string
		seq           int64
		createdAt     int64
	)
	snapshot := storage.Snapshot{Key: key}
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT aggregate_type, seq, state, created_at FROM snapshots WHERE tenant_id = ? AND aggregate_id = ?",
		key.TenantID, key.AggregateID,
	).Scan(&aggregateType, &seq, &snapshot.State, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Snapshot{}, classify("get snapshot", err)
	}
	snapshot.AggregateType = event.AggregateType(aggregateType)
	snapshot.Seq = uint64(seq)
	snapshot.CreatedAt = fromMillis(createdAt)
	return snapshot, nil
}

// DeleteSnapshot implements storage.SnapshotStore.
func (s *Store) DeleteSnapshot(ctx context.Context, key event.StreamKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM snapshots WHERE tenant_id = ? AND aggregate_id = ?",
		key.TenantID, key.AggregateID,
	)
	return classify("delete snapshot", err)
}
