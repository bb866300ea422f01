package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// NewMigrator builds a migrator over the embedded migrations for backend
// ("sqlite" or "postgres") bound to db. The caller owns db; close the
// migrator before the db.
func NewMigrator(backend string, db *sql.DB) (*migrate.Migrate, error) {
	var (
		driver database.Driver
		err    error
	)
	switch backend {
	case BackendSQLite:
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	case BackendPostgres:
		driver, err = migratepg.WithInstance(db, &migratepg.Config{})
	default:
		return nil, fmt.Errorf("backend %q has no schema migrations", backend)
	}
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations/"+backend)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, backend, driver)
	if err != nil {
		return nil, fmt.Errorf("migrator: %w", err)
	}
	return m, nil
}

// MigrateSQLite brings a sqlite database up to the current schema.
func MigrateSQLite(db *sql.DB) error {
	return migrateUp(BackendSQLite, db)
}

// MigratePostgres brings a postgres database up to the current schema.
func MigratePostgres(db *sql.DB) error {
	return migrateUp(BackendPostgres, db)
}

func migrateUp(backend string, db *sql.DB) error {
	m, err := NewMigrator(backend, db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
