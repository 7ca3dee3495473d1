package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
)

const cursorColumns = "migration_name, last_processed_key, processed_count, status, owner, lease_expires_at, updated_at"

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanCursor(row *sql.Row) (storage.Cursor, error) {
	var (
		cursor    storage.Cursor
		leaseExp  int64
		updatedAt int64
	)
	if err := row.Scan(&cursor.Name, &cursor.LastKey, &cursor.Processed, &cursor.Status, &cursor.Owner, &leaseExp, &updatedAt); err != nil {
		return storage.Cursor{}, err
	}
	cursor.LeaseExpiresAt = fromMillis(leaseExp)
	cursor.UpdatedAt = fromMillis(updatedAt)
	return cursor, nil
}

func getCursor(ctx context.Context, q rowQuerier, name string) (storage.Cursor, error) {
	cursor, err := scanCursor(q.QueryRowContext(ctx,
		"SELECT "+cursorColumns+" FROM migration_cursors WHERE migration_name = ?", name))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Cursor{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Cursor{}, classify("get cursor", err)
	}
	return cursor, nil
}

// AcquireCursor implements storage.CursorStore.
func (s *Store) AcquireCursor(ctx context.Context, name, owner string, now time.Time, lease time.Duration) (storage.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return storage.Cursor{}, err
	}
	var cursor storage.Cursor
	err := s.inTx(ctx, "acquire cursor", func(tx *sql.Tx) error {
		stored, err := getCursor(ctx, tx, name)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			stored = storage.Cursor{Name: name, Status: storage.CursorRunning}
		case err != nil:
			return err
		case stored.Owner != owner && stored.LeaseExpiresAt.After(now):
			return storage.LeaseHeldError(name, stored.Owner)
		}
		stored.Owner = owner
		stored.LeaseExpiresAt = now.Add(lease).UTC()
		stored.UpdatedAt = now.UTC()
		cursor = stored
		return putCursor(ctx, tx, stored)
	})
	if err != nil {
		return storage.Cursor{}, err
	}
	return cursor, nil
}

func putCursor(ctx context.Context, tx *sql.Tx, cursor storage.Cursor) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO migration_cursors (`+cursorColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(migration_name) DO UPDATE SET
		     last_processed_key = excluded.last_processed_key,
		     processed_count = excluded.processed_count,
		     status = excluded.status,
		     owner = excluded.owner,
		     lease_expires_at = excluded.lease_expires_at,
		     updated_at = excluded.updated_at`,
		cursor.Name, cursor.LastKey, cursor.Processed, cursor.Status, cursor.Owner,
		toMillis(cursor.LeaseExpiresAt), toMillis(cursor.UpdatedAt),
	)
	return classify("put cursor", err)
}

// GetCursor implements storage.CursorStore.
func (s *Store) GetCursor(ctx context.Context, name string) (storage.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return storage.Cursor{}, err
	}
	return getCursor(ctx, s.sqlDB, name)
}

// SaveCursor implements storage.CursorStore.
func (s *Store) SaveCursor(ctx context.Context, cursor storage.Cursor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.inTx(ctx, "save cursor", func(tx *sql.Tx) error {
		stored, err := getCursor(ctx, tx, cursor.Name)
		if err != nil {
			return err
		}
		if stored.Owner != cursor.Owner {
			return storage.LeaseHeldError(cursor.Name, stored.Owner)
		}
		return putCursor(ctx, tx, cursor)
	})
}

// CompleteCursor implements storage.CursorStore.
func (s *Store) CompleteCursor(ctx context.Context, name, owner string, completedAt time.Time) (storage.Completion, error) {
	if err := ctx.Err(); err != nil {
		return storage.Completion{}, err
	}
	var completion storage.Completion
	err := s.inTx(ctx, "complete cursor", func(tx *sql.Tx) error {
		stored, err := getCursor(ctx, tx, name)
		if err != nil {
			return err
		}
		if stored.Owner != owner {
			return storage.LeaseHeldError(name, stored.Owner)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM migration_cursors WHERE migration_name = ?", name); err != nil {
			return classify("delete cursor", err)
		}
		completion = storage.Completion{Name: name, Processed: stored.Processed, CompletedAt: completedAt.UTC().Truncate(time.Millisecond)}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO migration_completions (migration_name, processed_count, completed_at)
			 VALUES (?, ?, ?)
			 ON CONFLICT(migration_name) DO UPDATE SET
			     processed_count = excluded.processed_count,
			     completed_at = excluded.completed_at`,
			name, completion.Processed, toMillis(completion.CompletedAt),
		)
		return classify("record completion", err)
	})
	if err != nil {
		return storage.Completion{}, err
	}
	return completion, nil
}

// GetCompletion implements storage.CursorStore.
func (s *Store) GetCompletion(ctx context.Context, name string) (storage.Completion, error) {
	if err := ctx.Err(); err != nil {
		return storage.Completion{}, err
	}
	var completedAt int64
	completion := storage.Completion{Name: name}
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT processed_count, completed_at FROM migration_completions WHERE migration_name = ?", name,
	).Scan(&completion.Processed, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Completion{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Completion{}, classify("get completion", err)
	}
	completion.CompletedAt = fromMillis(completedAt)
	return completion, nil
}
