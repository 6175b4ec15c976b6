package migrator

import (
	"context"
	"database/sql"
	"io/fs"
	"strings"

	"github.com/juju/errors"
)

const (
	createSchemaTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`
	recordMigration = "INSERT INTO schema_migrations (version) VALUES (?)"
)

// RunMigrations applies every migration in fsys that is not yet recorded in
// schema_migrations and returns the versions it applied, in order.
func RunMigrations(ctx context.Context, db *sql.DB, fsys fs.FS) ([]int, error) {
	if _, err := db.ExecContext(ctx, createSchemaTable); err != nil {
		return nil, errors.Annotate(err, "creating schema table")
	}

	all, err := LoadMigrations(fsys)
	if err != nil {
		return nil, errors.Annotate(err, "loading migrations")
	}

	done, err := GetAppliedMigrations(ctx, db)
	if err != nil {
		return nil, errors.Annotate(err, "reading applied migrations")
	}
	applied := make(map[int]bool, len(done))
	latest := 0
	for _, v := range done {
		applied[v] = true
		latest = max(latest, v)
	}

	var ran []int
	for _, m := range all {
		if applied[m.Version] {
			continue
		}
		// A gap below the latest applied version means history was rewritten
		if m.Version < latest {
			return ran, errors.Errorf("migration %d is older than applied version %d", m.Version, latest)
		}
		for _, dep := range m.Dependencies {
			if !applied[dep] {
				return ran, errors.Errorf("migration %d depends on unapplied version %d", m.Version, dep)
			}
		}

		if err := apply(ctx, db, m); err != nil {
			return ran, errors.Annotatef(err, "applying migration %d (%s)", m.Version, m.Name)
		}
		applied[m.Version] = true
		ran = append(ran, m.Version)
	}
	return ran, nil
}

// GetCurrentVersion returns the highest applied version, 0 on a fresh
// database.
func GetCurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	switch {
	case err == nil:
		return version, nil
	case noSchemaTable(err):
		return 0, nil
	default:
		return 0, errors.Trace(err)
	}
}

// GetAppliedMigrations returns the applied versions in ascending order.
func GetAppliedMigrations(ctx context.Context, db *sql.DB) ([]int, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if noSchemaTable(err) {
		return []int{}, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	versions := []int{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Trace(err)
		}
		versions = append(versions, v)
	}
	return versions, errors.Trace(rows.Err())
}

func noSchemaTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// apply runs one migration and records it. Unless the migration opts out,
// both happen in a single transaction.
func apply(ctx context.Context, db *sql.DB, m Migration) error {
	if m.NoTransaction {
		if _, err := db.ExecContext(ctx, m.UpSQL); err != nil {
			return errors.Annotate(err, "executing SQL")
		}
		_, err := db.ExecContext(ctx, recordMigration, m.Version)
		return errors.Annotate(err, "recording migration")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
		return errors.Annotate(err, "executing SQL")
	}
	if _, err := tx.ExecContext(ctx, recordMigration, m.Version); err != nil {
		return errors.Annotate(err, "recording migration")
	}
	return errors.Annotate(tx.Commit(), "committing migration")
}
