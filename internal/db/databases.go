package db

import (
	"context"
	"database/sql"
	"regexp"
	"time"

	"github.com/juju/errors"

	"github.com/livinlefevreloca/docfeed/internal/store"
)

var databaseNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_$()+/-]*$`)

// ValidDatabaseName reports whether name may be used for a database.
func ValidDatabaseName(name string) bool {
	return databaseNameRegex.MatchString(name)
}

// =============================================================================
// Database Operations
// =============================================================================

// CreateDatabase creates an empty database and announces it on the
// lifecycle feed.
func (db *DB) CreateDatabase(ctx context.Context, name string) error {
	if !ValidDatabaseName(name) {
		return errors.NotValidf("database name %q", name)
	}

	return db.WithTransaction(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO databases (name, update_seq, created_at) VALUES (?, 0, ?)",
			name, db.clock.Now().UTC())
		if IsDuplicate(err) {
			return errors.Annotatef(store.ErrDatabaseExists, "database %s", name)
		}
		if err != nil {
			return errors.Annotatef(err, "creating database %s", name)
		}
		return tx.recordUpdate(ctx, name, store.DatabaseCreated)
	})
}

// DeleteDatabase drops a database with all its documents and announces the
// deletion on the lifecycle feed.
func (db *DB) DeleteDatabase(ctx context.Context, name string) error {
	return db.WithTransaction(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE db_name = ?", name); err != nil {
			return errors.Annotatef(err, "deleting documents of %s", name)
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM databases WHERE name = ?", name)
		if err != nil {
			return errors.Annotatef(err, "deleting database %s", name)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if n == 0 {
			return errors.Annotatef(store.ErrDatabaseNotFound, "database %s", name)
		}

		return tx.recordUpdate(ctx, name, store.DatabaseDeleted)
	})
}

// GetDatabase returns one database's metadata.
func (db *DB) GetDatabase(ctx context.Context, name string) (*Database, error) {
	d := &Database{}
	err := db.QueryRowContext(ctx,
		"SELECT name, update_seq, created_at FROM databases WHERE name = ?", name,
	).Scan(&d.Name, &d.UpdateSeq, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.Annotatef(store.ErrDatabaseNotFound, "database %s", name)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

// DatabaseCreatedAt returns when name was created.
func (db *DB) DatabaseCreatedAt(ctx context.Context, name string) (time.Time, error) {
	d, err := db.GetDatabase(ctx, name)
	if err != nil {
		return time.Time{}, err
	}
	return d.CreatedAt, nil
}

// ListDatabases returns the names of all databases, sorted.
func (db *DB) ListDatabases(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM databases ORDER BY name")
	if err != nil {
		return nil, errors.Annotate(err, "listing databases")
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Trace(err)
		}
		names = append(names, name)
	}
	return names, errors.Trace(rows.Err())
}

// recordUpdate appends a notification to the lifecycle feed.
func (tx *Tx) recordUpdate(ctx context.Context, name string, typ store.UpdateType) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO db_updates (db_name, type, created_at) VALUES (?, ?, ?)",
		name, string(typ), tx.db.clock.Now().UTC())
	if err != nil {
		return errors.Annotatef(err, "recording %s update for %s", typ, name)
	}
	tx.wroteUpdates = true
	return nil
}

// updateSeq returns the current change sequence of a database.
func (tx *Tx) updateSeq(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, "SELECT update_seq FROM databases WHERE name = ?", name).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, errors.Annotatef(store.ErrDatabaseNotFound, "database %s", name)
	}
	return seq, errors.Trace(err)
}
