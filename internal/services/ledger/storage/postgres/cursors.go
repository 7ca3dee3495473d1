package postgres

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

func getCursor(ctx context.Context, q rowQuerier, name string, lock bool) (storage.Cursor, error) {
	query := "SELECT " + cursorColumns + " FROM migration_cursors WHERE migration_name = $1"
	if lock {
		query += " FOR UPDATE"
	}
	var cursor storage.Cursor
	err := q.QueryRowContext(ctx, query, name).Scan(
		&cursor.Name, &cursor.LastKey, &cursor.Processed, &cursor.Status, &cursor.Owner,
		&cursor.LeaseExpiresAt, &cursor.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Cursor{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Cursor{}, classify("get cursor", err)
	}
	cursor.LeaseExpiresAt = cursor.LeaseExpiresAt.UTC()
	cursor.UpdatedAt = cursor.UpdatedAt.UTC()
	return cursor, nil
}

func updateCursor(ctx context.Context, tx *sql.Tx, cursor storage.Cursor) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE migration_cursors SET
		     last_processed_key = $2, processed_count = $3, status = $4,
		     owner = $5, lease_expires_at = $6, updated_at = $7
		 WHERE migration_name = $1`,
		cursor.Name, cursor.LastKey, cursor.Processed, cursor.Status, cursor.Owner,
		cursor.LeaseExpiresAt.UTC(), cursor.UpdatedAt.UTC(),
	)
	return classify("update cursor", err)
}

// AcquireCursor implements storage.CursorStore. A missing cursor is created
// unowned first so concurrent acquirers serialize on its row lock.
func (s *Store) AcquireCursor(ctx context.Context, name, owner string, now time.Time, lease time.Duration) (storage.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return storage.Cursor{}, err
	}
	var cursor storage.Cursor
	err := s.inTx(ctx, "acquire cursor", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO migration_cursors (`+cursorColumns+`)
			 VALUES ($1, '', 0, $2, '', $3, $3)
			 ON CONFLICT (migration_name) DO NOTHING`,
			name, storage.CursorRunning, time.Unix(0, 0).UTC(),
		); err != nil {
			return classify("create cursor", err)
		}
		stored, err := getCursor(ctx, tx, name, true)
		if err != nil {
			return err
		}
		if stored.Owner != "" && stored.Owner != owner && stored.LeaseExpiresAt.After(now) {
			return storage.LeaseHeldError(name, stored.Owner)
		}
		stored.Owner = owner
		stored.LeaseExpiresAt = now.Add(lease).UTC()
		stored.UpdatedAt = now.UTC()
		cursor = stored
		return updateCursor(ctx, tx, stored)
	})
	if err != nil {
		return storage.Cursor{}, err
	}
	return cursor, nil
}

// GetCursor implements storage.CursorStore.
func (s *Store) GetCursor(ctx context.Context, name string) (storage.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return storage.Cursor{}, err
	}
	return getCursor(ctx, s.sqlDB, name, false)
}

// SaveCursor implements storage.CursorStore.
func (s *Store) SaveCursor(ctx context.Context, cursor storage.Cursor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.inTx(ctx, "save cursor", func(tx *sql.Tx) error {
		stored, err := getCursor(ctx, tx, cursor.Name, true)
		if err != nil {
			return err
		}
		if stored.Owner != cursor.Owner {
			return storage.LeaseHeldError(cursor.Name, stored.Owner)
		}
		return updateCursor(ctx, tx, cursor)
	})
}

// CompleteCursor implements storage.CursorStore.
func (s *Store) CompleteCursor(ctx context.Context, name, owner string, completedAt time.Time) (storage.Completion, error) {
	if err := ctx.Err(); err != nil {
		return storage.Completion{}, err
	}
	var completion storage.Completion
	err := s.inTx(ctx, "complete cursor", func(tx *sql.Tx) error {
		stored, err := getCursor(ctx, tx, name, true)
		if err != nil {
			return err
		}
		if stored.Owner != owner {
			return storage.LeaseHeldError(name, stored.Owner)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM migration_cursors WHERE migration_name = $1", name); err != nil {
			return classify("delete cursor", err)
		}
		completion = storage.Completion{Name: name, Processed: stored.Processed, CompletedAt: completedAt.UTC()}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO migration_completions (migration_name, processed_count, completed_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (migration_name) DO UPDATE SET
			     processed_count = EXCLUDED.processed_count,
			     completed_at = EXCLUDED.completed_at`,
			name, completion.Processed, completion.CompletedAt,
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
	completion := storage.Completion{Name: name}
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT processed_count, completed_at FROM migration_completions WHERE migration_name = $1", name,
	).Scan(&completion.Processed, &completion.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Completion{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Completion{}, classify("get completion", err)
	}
	completion.CompletedAt = completion.CompletedAt.UTC()
	return completion, nil
}
