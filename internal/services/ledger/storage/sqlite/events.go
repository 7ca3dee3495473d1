package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
)

// Append implements storage.EventStore. The stream head row is read and
// advanced inside the same transaction as the event inserts; the events
// primary key catches any writer that slipped past the head check.
func (s *Store) Append(ctx context.Context, key event.StreamKey, aggregateType event.AggregateType, expectedSeq uint64, events []event.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prepared, err := storage.PrepareAppend(key, aggregateType, expectedSeq, events)
	if err != nil {
		return 0, err
	}

	var newSeq uint64
	err = s.inTx(ctx, "append events", func(tx *sql.Tx) error {
		var (
			storedType string
			current    int64
		)
		err := tx.QueryRowContext(ctx,
			"SELECT aggregate_type, seq FROM streams WHERE tenant_id = ? AND aggregate_id = ?",
			key.TenantID, key.AggregateID,
		).Scan(&storedType, &current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			current = 0
		case err != nil:
			return classify("read stream head", err)
		case event.AggregateType(storedType) != aggregateType:
			return storage.StreamTypeError(key, event.AggregateType(storedType), aggregateType)
		}
		if uint64(current) != expectedSeq {
			return storage.ConflictError(key, expectedSeq, uint64(current))
		}
		newSeq = expectedSeq
		if len(prepared) == 0 {
			return nil
		}

		for _, evt := range prepared {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO events (tenant_id, aggregate_id, seq, aggregate_type, event_id, event_type, payload_json, timestamp)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				evt.TenantID, evt.AggregateID, int64(evt.Seq), string(evt.AggregateType),
				evt.ID, string(evt.Type), evt.PayloadJSON, toMillis(evt.Timestamp),
			)
			if isConstraintError(err) {
				return storage.ConflictError(key, expectedSeq, evt.Seq)
			}
			if err != nil {
				return classify("insert event", err)
			}
		}
		newSeq = prepared[len(prepared)-1].Seq
		_, err = tx.ExecContext(ctx,
			`INSERT INTO streams (tenant_id, aggregate_id, aggregate_type, seq, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(tenant_id, aggregate_id) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at`,
			key.TenantID, key.AggregateID, string(aggregateType), int64(newSeq), toMillis(s.now()),
		)
		return classify("advance stream head", err)
	})
	if err != nil {
		return 0, err
	}
	return newSeq, nil
}

// ListEvents implements storage.EventLister.
func (s *Store) ListEvents(ctx context.Context, key event.StreamKey, afterSeq uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT seq, aggregate_type, event_id, event_type, payload_json, timestamp
		 FROM events WHERE tenant_id = ? AND aggregate_id = ? AND seq > ?
		 ORDER BY seq LIMIT ?`,
		key.TenantID, key.AggregateID, int64(afterSeq), limit,
	)
	if err != nil {
		return nil, classify("list events", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var (
			seq           int64
			aggregateType string
			eventType     string
			timestamp     int64
		)
		evt := event.Event{TenantID: key.TenantID, AggregateID: key.AggregateID}
		if err := rows.Scan(&seq, &aggregateType, &evt.ID, &eventType, &evt.PayloadJSON, &timestamp); err != nil {
			return nil, classify("scan event", err)
		}
		evt.Seq = uint64(seq)
		evt.AggregateType = event.AggregateType(aggregateType)
		evt.Type = event.Type(eventType)
		evt.Timestamp = fromMillis(timestamp)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list events", err)
	}
	return events, nil
}

// CurrentSequence implements storage.EventStore.
func (s *Store) CurrentSequence(ctx context.Context, key event.StreamKey) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	var seq int64
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT seq FROM streams WHERE tenant_id = ? AND aggregate_id = ?",
		key.TenantID, key.AggregateID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, classify("current sequence", err)
	}
	return uint64(seq), seq > 0, nil
}

// ListStreams implements storage.EventStore.
func (s *Store) ListStreams(ctx context.Context, filter storage.StreamFilter, after event.StreamKey, limit int) ([]storage.StreamHead, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT tenant_id, aggregate_id, aggregate_type, seq, updated_at FROM streams
		 WHERE (? = '' OR aggregate_type = ?)
		   AND (? = '' OR tenant_id = ?)
		   AND (tenant_id > ? OR (tenant_id = ? AND aggregate_id > ?))
		 ORDER BY tenant_id, aggregate_id LIMIT ?`,
		string(filter.AggregateType), string(filter.AggregateType),
		filter.TenantID, filter.TenantID,
		after.TenantID, after.TenantID, after.AggregateID,
		limit,
	)
	if err != nil {
		return nil, classify("list streams", err)
	}
	defer rows.Close()

	var heads []storage.StreamHead
	for rows.Next() {
		var (
			head          storage.StreamHead
			aggregateType string
			seq           int64
			updatedAt     int64
		)
		if err := rows.Scan(&head.Key.TenantID, &head.Key.AggregateID, &aggregateType, &seq, &updatedAt); err != nil {
			return nil, classify("scan stream", err)
		}
		head.AggregateType = event.AggregateType(aggregateType)
		head.Seq = uint64(seq)
		head.UpdatedAt = fromMillis(updatedAt)
		heads = append(heads, head)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list streams", err)
	}
	return heads, nil
}
