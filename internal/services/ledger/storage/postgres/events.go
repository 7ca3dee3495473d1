package postgres

import (
	"context"
	"database/sql"
	"errors"
	"math"

	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
)

// Append implements storage.EventStore. The stream head is locked for the
// transaction; two writers creating the same stream collide on the events
// primary key instead.
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
			"SELECT aggregate_type, seq FROM streams WHERE tenant_id = $1 AND aggregate_id = $2 FOR UPDATE",
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
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				evt.TenantID, evt.AggregateID, int64(evt.Seq), string(evt.AggregateType),
				evt.ID, string(evt.Type), evt.PayloadJSON, evt.Timestamp.UTC(),
			)
			if isUniqueViolation(err) {
				return storage.ConflictError(key, expectedSeq, evt.Seq)
			}
			if err != nil {
				return classify("insert event", err)
			}
		}
		newSeq = prepared[len(prepared)-1].Seq
		_, err = tx.ExecContext(ctx,
			`INSERT INTO streams (tenant_id, aggregate_id, aggregate_type, seq, updated_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (tenant_id, aggregate_id) DO UPDATE SET seq = EXCLUDED.seq, updated_at = EXCLUDED.updated_at`,
			key.TenantID, key.AggregateID, string(aggregateType), int64(newSeq), s.now().UTC(),
		)
		if isUniqueViolation(err) {
			return storage.ConflictError(key, expectedSeq, newSeq)
		}
		return classify("advance stream head", err)
	})
	if err != nil {
		return 0, err
	}
	return newSeq, nil
}

func pageLimit(limit int) int64 {
	if limit <= 0 {
		return math.MaxInt64
	}
	return int64(limit)
}

// ListEvents implements storage.EventLister.
func (s *Store) ListEvents(ctx context.Context, key event.StreamKey, afterSeq uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT seq, aggregate_type, event_id, event_type, payload_json, timestamp
		 FROM events WHERE tenant_id = $1 AND aggregate_id = $2 AND seq > $3
		 ORDER BY seq LIMIT $4`,
		key.TenantID, key.AggregateID, int64(afterSeq), pageLimit(limit),
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
		)
		evt := event.Event{TenantID: key.TenantID, AggregateID: key.AggregateID}
		if err := rows.Scan(&seq, &aggregateType, &evt.ID, &eventType, &evt.PayloadJSON, &evt.Timestamp); err != nil {
			return nil, classify("scan event", err)
		}
		evt.Seq = uint64(seq)
		evt.AggregateType = event.AggregateType(aggregateType)
		evt.Type = event.Type(eventType)
		evt.Timestamp = evt.Timestamp.UTC()
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
		"SELECT seq FROM streams WHERE tenant_id = $1 AND aggregate_id = $2",
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
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT tenant_id, aggregate_id, aggregate_type, seq, updated_at FROM streams
		 WHERE ($1 = '' OR aggregate_type = $1)
		   AND ($2 = '' OR tenant_id = $2)
		   AND (tenant_id, aggregate_id) > ($3, $4)
		 ORDER BY tenant_id, aggregate_id LIMIT $5`,
		string(filter.AggregateType), filter.TenantID,
		after.TenantID, after.AggregateID, pageLimit(limit),
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
		)
		if err := rows.Scan(&head.Key.TenantID, &head.Key.AggregateID, &aggregateType, &seq, &head.UpdatedAt); err != nil {
			return nil, classify("scan stream", err)
		}
		head.AggregateType = event.AggregateType(aggregateType)
		head.Seq = uint64(seq)
		head.UpdatedAt = head.UpdatedAt.UTC()
		heads = append(heads, head)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list streams", err)
	}
	return heads, nil
}
