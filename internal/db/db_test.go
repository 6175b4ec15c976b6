package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/docfeed/internal/store"
)

// =============================================================================
// Test Fixtures and Helpers
// =============================================================================

// NewTestDB creates a migrated in-memory document store for testing
func NewTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open("sqlite3", ":memory:")
	require.NoError(t, err, "failed to create test database")
	t.Cleanup(func() { db.Close() })

	_, err = db.Migrate(context.Background(), "")
	require.NoError(t, err, "failed to initialize test schema")
	return db
}

// NewTestDatabase creates a document database named name in db
func NewTestDatabase(t *testing.T, db *DB, name string) {
	t.Helper()
	require.NoError(t, db.CreateDatabase(context.Background(), name))
}

func readAll(t *testing.T, it store.ChangeIterator) []store.Change {
	t.Helper()
	defer it.Close()

	var out []store.Change
	for it.Next() {
		out = append(out, it.Change())
	}
	require.NoError(t, it.Err())
	return out
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		driver  string
		dsn     string
		wantErr bool
	}{
		{name: "sqlite in-memory", driver: "sqlite3", dsn: ":memory:"},
		{name: "invalid driver", driver: "invalid", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, err := Open(tt.driver, tt.dsn)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer db.Close()

			assert.Equal(t, tt.driver, db.Driver())
		})
	}
}

func TestOpenWithConfig_MemoryKeepsSingleConnection(t *testing.T) {
	db, err := OpenWithConfig(Config{
		Driver:              "sqlite3",
		DSN:                 ":memory:",
		MaxOpenConns:        10,
		MaxIdleConns:        5,
		ConnMaxLifetime:     5 * time.Minute,
		UpdatesPollInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, 1, db.Stats().MaxOpenConnections)
	assert.Equal(t, 50*time.Millisecond, db.pollInterval)
}

func TestMigrate(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	version, err := db.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	// Running again is a no-op
	applied, err := db.Migrate(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, applied)
}

// =============================================================================
// Database Tests
// =============================================================================

func TestCreateDatabase(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateDatabase(ctx, "jobs"))
	require.NoError(t, db.CreateDatabase(ctx, "alpha"))

	names, err := db.ListDatabases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "jobs"}, names)

	err = db.CreateDatabase(ctx, "jobs")
	assert.True(t, errors.Is(err, store.ErrDatabaseExists), "got %v", err)

	err = db.CreateDatabase(ctx, "Bad Name")
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
}

func TestGetDatabase(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	db.SetClock(testclock.NewClock(created))

	NewTestDatabase(t, db, "jobs")
	_, err := db.PutDocument(ctx, "jobs", store.Document{store.FieldID: "note/1"})
	require.NoError(t, err)

	info, err := db.GetDatabase(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, "jobs", info.Name)
	assert.Equal(t, int64(1), info.UpdateSeq)
	assert.True(t, created.Equal(info.CreatedAt), "got %v", info.CreatedAt)

	at, err := db.DatabaseCreatedAt(ctx, "jobs")
	require.NoError(t, err)
	assert.True(t, created.Equal(at), "got %v", at)

	_, err = db.GetDatabase(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrDatabaseNotFound), "got %v", err)
	_, err = db.DatabaseCreatedAt(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrDatabaseNotFound), "got %v", err)
}

func TestDeleteDatabase(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	NewTestDatabase(t, db, "jobs")

	_, err := db.PutDocument(ctx, "jobs", store.Document{store.FieldID: "note/1"})
	require.NoError(t, err)

	require.NoError(t, db.DeleteDatabase(ctx, "jobs"))

	names, err := db.ListDatabases(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = db.GetDocument(ctx, "jobs", "note/1")
	assert.True(t, errors.Is(err, store.ErrDatabaseNotFound), "got %v", err)

	err = db.DeleteDatabase(ctx, "jobs")
	assert.True(t, errors.Is(err, store.ErrDatabaseNotFound), "got %v", err)

	// Recreating starts an empty change log
	NewTestDatabase(t, db, "jobs")
	it, err := db.Changes(ctx, "jobs", store.ChangesOptions{})
	require.NoError(t, err)
	assert.Empty(t, readAll(t, it))
	assert.Equal(t, "0", it.LastSeq())
}

// =============================================================================
// Document Tests
// =============================================================================

func TestPutDocument_Revisions(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	NewTestDatabase(t, db, "jobs")

	rev1, err := db.PutDocument(ctx, "jobs", store.Document{store.FieldID: "$export/42", "format": "csv"})
	require.NoError(t, err)
	gen, err := store.RevGeneration(rev1)
	require.NoError(t, err)
	assert.Equal(t, 1, gen)

	doc, err := db.GetDocument(ctx, "jobs", "$export/42")
	require.NoError(t, err)
	assert.Equal(t, rev1, doc.Rev())
	assert.Equal(t, "csv", doc.String("format"))

	// Stale or missing revision conflicts
	_, err = db.PutDocument(ctx, "jobs", store.Document{store.FieldID: "$export/42"})
	assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)
	_, err = db.PutDocument(ctx, "jobs", store.Document{store.FieldID: "$export/42", store.FieldRev: "1-stale"})
	assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)

	doc["format"] = "json"
	rev2, err := db.PutDocument(ctx, "jobs", doc)
	require.NoError(t, err)
	gen, err = store.RevGeneration(rev2)
	require.NoError(t, err)
	assert.Equal(t, 2, gen)
}

func TestPutDocument_DeleteAndRecreate(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	NewTestDatabase(t, db, "jobs")

	rev1, err := db.PutDocument(ctx, "jobs", store.Document{store.FieldID: "note/1"})
	require.NoError(t, err)

	rev2, err := db.PutDocument(ctx, "jobs", store.Document{
		store.FieldID:      "note/1",
		store.FieldRev:     rev1,
		store.FieldDeleted: true,
	})
	require.NoError(t, err)

	_, err = db.GetDocument(ctx, "jobs", "note/1")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	// Deleting again finds nothing
	_, err = db.PutDocument(ctx, "jobs", store.Document{store.FieldID: "note/1", store.FieldRev: rev2, store.FieldDeleted: true})
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	rev3, err := db.PutDocument(ctx, "jobs", store.Document{store.FieldID: "note/1"})
	require.NoError(t, err)
	gen, err := store.RevGeneration(rev3)
	require.NoError(t, err)
	assert.Equal(t, 3, gen)
}

func TestPutDocument_Errors(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	_, err := db.PutDocument(ctx, "missing", store.Document{store.FieldID: "note/1"})
	assert.True(t, errors.Is(err, store.ErrDatabaseNotFound), "got %v", err)

	NewTestDatabase(t, db, "jobs")
	_, err = db.PutDocument(ctx, "jobs", store.Document{"title": "no id"})
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)

	_, err = db.GetDocument(ctx, "jobs", "note/404")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
}

// The existence check runs inside the write's transaction, so a database
// dropped earlier in that transaction is reported as missing.
func TestPutDocument_DatabaseDroppedInTransaction(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	NewTestDatabase(t, db, "jobs")

	err := db.WithTransaction(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM databases WHERE name = ?", "jobs")
		require.NoError(t, err)
		_, err = tx.PutDocument(ctx, "jobs", store.Document{store.FieldID: "note/1"})
		return err
	})
	assert.True(t, errors.Is(err, store.ErrDatabaseNotFound), "got %v", err)

	names, err := db.ListDatabases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"jobs"}, names, "rolled back")
}

// =============================================================================
// Change Feed Tests
// =============================================================================

func TestChanges(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	NewTestDatabase(t, db, "jobs")

	revA, err := db.PutDocument(ctx, "jobs", store.Document{store.FieldID: "note/a"})
	require.NoError(t, err)
	_, err = db.PutDocument(ctx, "jobs", store.Document{store.FieldID: "note/b", "n": 1})
	require.NoError(t, err)
	_, err = db.PutDocument(ctx, "jobs", store.Document{store.FieldID: "note/a", store.FieldRev: revA, store.FieldDeleted: true})
	require.NoError(t, err)

	it, err := db.Changes(ctx, "jobs", store.ChangesOptions{IncludeDocs: true})
	require.NoError(t, err)
	changes := readAll(t, it)

	// note/a is reported once, at its latest revision
	require.Len(t, changes, 2)
	assert.Equal(t, "note/b", changes[0].ID)
	assert.Equal(t, "2", changes[0].Seq)
	assert.Equal(t, float64(1), changes[0].Doc["n"])
	assert.Equal(t, "note/a", changes[1].ID)
	assert.Equal(t, "3", changes[1].Seq)
	assert.True(t, changes[1].Deleted)
	assert.True(t, changes[1].Doc.Deleted())
	assert.Equal(t, "3", it.LastSeq())

	it, err = db.Changes(ctx, "jobs", store.ChangesOptions{Since: "2"})
	require.NoError(t, err)
	changes = readAll(t, it)
	require.Len(t, changes, 1)
	assert.Equal(t, "note/a", changes[0].ID)
	assert.Nil(t, changes[0].Doc)

	_, err = db.Changes(ctx, "jobs", store.ChangesOptions{Since: "bogus"})
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)

	_, err = db.Changes(ctx, "missing", store.ChangesOptions{})
	assert.True(t, errors.Is(err, store.ErrDatabaseNotFound), "got %v", err)
}

// =============================================================================
// Lifecycle Feed Tests
// =============================================================================

func TestDatabaseUpdates_History(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	NewTestDatabase(t, db, "jobs")
	_, err := db.PutDocument(ctx, "jobs", store.Document{store.FieldID: "note/1"})
	require.NoError(t, err)
	require.NoError(t, db.DeleteDatabase(ctx, "jobs"))

	res, err := db.DatabaseUpdates(ctx, store.UpdatesOptions{Since: "0"})
	require.NoError(t, err)
	require.Len(t, res.Updates, 3)
	assert.Equal(t, store.DatabaseCreated, res.Updates[0].Type)
	assert.Equal(t, store.DatabaseUpdated, res.Updates[1].Type)
	assert.Equal(t, store.DatabaseDeleted, res.Updates[2].Type)
	assert.Equal(t, "jobs", res.Updates[2].Database)
	assert.Equal(t, "3", res.LastSeq)
}

func TestDatabaseUpdates_NowDoesNotBlock(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	NewTestDatabase(t, db, "jobs")

	res, err := db.DatabaseUpdates(ctx, store.UpdatesOptions{Since: store.SinceNow})
	require.NoError(t, err)
	assert.Empty(t, res.Updates)
	assert.Equal(t, "1", res.LastSeq)
}

func TestDatabaseUpdates_WakesOnCommit(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		res store.UpdatesResult
		err error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err = db.DatabaseUpdates(ctx, store.UpdatesOptions{Since: "0", Timeout: 10 * time.Second})
	}()

	time.Sleep(20 * time.Millisecond)
	NewTestDatabase(t, db, "jobs")
	wg.Wait()

	require.NoError(t, err)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, "jobs", res.Updates[0].Database)
	assert.Equal(t, store.DatabaseCreated, res.Updates[0].Type)
}

func TestDatabaseUpdates_Timeout(t *testing.T) {
	db := NewTestDB(t)

	res, err := db.DatabaseUpdates(context.Background(), store.UpdatesOptions{Since: "0", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, res.Updates)
	assert.Equal(t, "0", res.LastSeq)
}

func TestDatabaseUpdates_ContextCancel(t *testing.T) {
	db := NewTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := db.DatabaseUpdates(ctx, store.UpdatesOptions{Since: "0", Timeout: time.Minute})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

// =============================================================================
// Error Classification Tests
// =============================================================================

func TestErrorClassification(t *testing.T) {
	assert.False(t, IsDuplicate(nil))
	assert.True(t, IsDuplicate(errors.New("UNIQUE constraint failed: databases.name")))
	assert.False(t, IsDuplicate(errors.New("FOREIGN KEY constraint failed")))
}
