package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsDir embed.FS

// RunMigrations applies the embedded migrations to the database at dsn.
func RunMigrations(dsn string) error {
	m, db, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate.Up: %w", err)
	}
	return nil
}

// RollbackMigrations reverts the last n migrations.
func RollbackMigrations(dsn string, n int) error {
	m, db, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := m.Steps(-n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate.Steps: %w", err)
	}
	return nil
}

// MigrationVersion reports the applied schema version.
func MigrationVersion(dsn string) (version uint, dirty bool, err error) {
	m, db, err := newMigrator(dsn)
	if err != nil {
		return 0, false, err
	}
	defer db.Close()
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func newMigrator(dsn string) (*migrate.Migrate, *sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open: %w", err)
	}
	d, err := iofs.New(migrationsDir, "migrations")
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("iofs.New: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("postgres.WithInstance: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", d, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate.NewWithInstance: %w", err)
	}
	return m, db, nil
}
