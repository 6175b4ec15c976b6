// Package db is a SQLite-backed document store. Every database holds
// schemaless JSON documents with revisions and an append-only change log,
// and a store-wide lifecycle feed records database creation, deletion and
// updates.
package db

import (
	"context"
	"database/sql"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/livinlefevreloca/docfeed/internal/store"
	"github.com/livinlefevreloca/docfeed/migrations"
	"github.com/livinlefevreloca/docfeed/tools/migrator"
)

// DefaultUpdatesPollInterval is how often a waiting lifecycle long-poll
// re-checks the table for writes made by other processes.
const DefaultUpdatesPollInterval = time.Second

// DB wraps sql.DB with the document store operations
type DB struct {
	*sql.DB
	driver string

	clock        clock.Clock
	notify       *notifier
	pollInterval time.Duration
}

// Tx wraps sql.Tx with additional context
type Tx struct {
	*sql.Tx
	db *DB

	// Set when the transaction appended to the lifecycle feed
	wroteUpdates bool
}

// Config holds database connection configuration
type Config struct {
	Driver              string        `toml:"driver"`
	DSN                 string        `toml:"dsn"`
	MaxOpenConns        int           `toml:"max_open_conns"`
	MaxIdleConns        int           `toml:"max_idle_conns"`
	ConnMaxLifetime     time.Duration `toml:"conn_max_lifetime"`
	ConnMaxIdleTime     time.Duration `toml:"conn_max_idle_time"`
	MigrationsDir       string        `toml:"migrations_dir"`
	SkipMigrations      bool          `toml:"skip_migrations"`
	UpdatesPollInterval time.Duration `toml:"updates_poll_interval"`
}

var (
	_ store.Client        = (*DB)(nil)
	_ store.CreationTimes = (*DB)(nil)
)

// Open creates a new database connection
func Open(driver, dsn string) (*DB, error) {
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// Each connection to :memory: is a separate database
	if isMemoryDSN(dsn) {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, errors.Annotate(err, "connecting to database")
	}

	if driver == "sqlite3" {
		if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
			sqlDB.Close()
			return nil, errors.Trace(err)
		}
	}

	return &DB{
		DB:           sqlDB,
		driver:       driver,
		clock:        clock.WallClock,
		notify:       newNotifier(),
		pollInterval: DefaultUpdatesPollInterval,
	}, nil
}

// OpenWithConfig creates a connection with custom configuration
func OpenWithConfig(config Config) (*DB, error) {
	db, err := Open(config.Driver, config.DSN)
	if err != nil {
		return nil, err
	}

	if config.MaxOpenConns > 0 && !isMemoryDSN(config.DSN) {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}
	if config.UpdatesPollInterval > 0 {
		db.pollInterval = config.UpdatesPollInterval
	}

	return db, nil
}

// SetClock replaces the clock used for timestamps and long-poll timers.
func (db *DB) SetClock(clk clock.Clock) {
	db.clock = clk
}

// Driver returns the database driver name
func (db *DB) Driver() string {
	return db.driver
}

// Migrate applies pending schema migrations and returns their versions. An
// empty dir uses the migrations compiled into the binary.
func (db *DB) Migrate(ctx context.Context, dir string) ([]int, error) {
	var fsys fs.FS = migrations.FS
	if dir != "" {
		fsys = os.DirFS(dir)
	}
	applied, err := migrator.RunMigrations(ctx, db.DB, fsys)
	return applied, errors.Annotate(err, "migrating document store")
}

// SchemaVersion returns the highest applied migration.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	return migrator.GetCurrentVersion(ctx, db.DB)
}

// Begin starts a new transaction
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &Tx{
		Tx: tx,
		db: db,
	}, nil
}

// WithTransaction executes a function within a transaction
// Automatically commits on success, rolls back on error
func (db *DB) WithTransaction(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}

	// Make sure we make a best effort to rollback on panic
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Trace(err)
	}

	if tx.wroteUpdates {
		db.notify.broadcast()
	}
	return nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// Error classification functions

// IsDuplicate checks if error is a duplicate key error
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "duplicate key")
}
