// Package pg implements the session and message stores on Postgres for
// deployments where the relay runs alongside other services or needs
// multi-instance durability. Schema mirrors the sqlite backend.
package pg

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewStores connects to Postgres, applies pending migrations, and returns
// the stores.
func NewStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}

	sessions := &SessionStore{db: db, ttl: cfg.TTL}
	return store.NewStores(
		sessions,
		&MessageStore{db: db, sessions: sessions},
		db.Close,
	), nil
}

func migrateUp(db *sql.DB) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// NewMigrator connects with the DSN and returns a migrator over the embedded
// migrations (for the migrate CLI). The caller owns Close.
func NewMigrator(dsn string) (*migrate.Migrate, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	m, err := newMigrator(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// now returns the current UTC time at microsecond precision, matching
// Postgres timestamptz resolution so written and read times compare equal.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
