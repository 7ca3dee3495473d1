// Package postgres is the server ledger backend. The schema is managed by
// golang-migrate; queries go through database/sql on the pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
	"github.com/louisbranch/underwrite/internal/platform/storage/pgmigrate"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage/postgres/migrations"
)

// Store provides a Postgres-backed storage.Store.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open migrates the database at dsn to the newest schema and connects.
func Open(ctx context.Context, dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if err := pgmigrate.Up(dsn, migrations.FS, "."); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres db: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the connection pool. It is nil-safe.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Maintain implements storage.Maintainer by vacuuming the tables that
// migrations rewrite.
func (s *Store) Maintain(ctx context.Context) error {
	for _, table := range []string{"snapshots", "read_models", "migration_cursors"} {
		if _, err := s.sqlDB.ExecContext(ctx, "VACUUM (ANALYZE) "+table); err != nil {
			return classify("vacuum "+table, err)
		}
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return classify(op+": begin tx", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(op+": commit", err)
	}
	return nil
}

// classify maps driver failures onto the ledger error codes. Coded errors
// pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var coded *apperrors.Error
	if errors.As(err, &coded) {
		return err
	}
	if isTransient(err) {
		return apperrors.Wrap(apperrors.CodeTransientStorage, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03", "57P01", "53300":
		// serialization failure, deadlock, lock unavailable, admin
		// shutdown, too many connections
		return true
	}
	return strings.HasPrefix(pgErr.Code, "08")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
