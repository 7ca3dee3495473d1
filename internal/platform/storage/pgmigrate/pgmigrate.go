// Package pgmigrate applies embedded postgres migrations with golang-migrate.
package pgmigrate

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Up migrates the database at dsn to the newest version found under root in
// migrationFS. Files follow golang-migrate naming: 0001_name.up.sql. Being
// already at the newest version is not an error.
func Up(dsn string, migrationFS fs.FS, root string) error {
	m, err := newMigrator(dsn, migrationFS, root)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Version reports the applied schema version and whether the last migration
// left the schema dirty.
func Version(dsn string, migrationFS fs.FS, root string) (uint, bool, error) {
	m, err := newMigrator(dsn, migrationFS, root)
	if err != nil {
		return 0, false, err
	}
	defer func() { _, _ = m.Close() }()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migrate version: %w", err)
	}
	return version, dirty, nil
}

func newMigrator(dsn string, migrationFS fs.FS, root string) (*migrate.Migrate, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if migrationFS == nil {
		return nil, errors.New("migration fs is required")
	}
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	sourceDriver, err := iofs.New(migrationFS, root)
	if err != nil {
		return nil, fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return m, nil
}
