// Package sqlite implements the session and message stores on an embedded
// SQLite database (pure-Go modernc driver). This is the default backend;
// Postgres is available for multi-instance deployments (see store/pg).
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewStores opens (creating if needed) the SQLite database, applies pending
// migrations, and returns the stores.
func NewStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := openDB(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	sessions := &SessionStore{db: db, ttl: cfg.TTL}
	return store.NewStores(
		sessions,
		&MessageStore{db: db, sessions: sessions},
		db.Close,
	), nil
}

func openDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	// foreign_keys enforces the messages→sessions cascade; busy_timeout keeps
	// the reaper and request handlers from tripping over each other's locks.
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent appends.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
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

// NewMigrator opens the database at path and returns a migrator over the
// embedded migrations (for the migrate CLI). The caller owns Close.
func NewMigrator(path string) (*migrate.Migrate, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
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
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// now returns the current UTC time at millisecond precision, matching the
// resolution of the stored unix-milli columns so that times written and read
// back compare equal.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func fromMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
