// Package checkpoint persists the last processed change sequence of every
// database as documents in the administrative database.
package checkpoint

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/livinlefevreloca/docfeed/internal/store"
)

// DefaultAdminDatabase holds the checkpoint documents.
const DefaultAdminDatabase = "docfeed_admin"

// IDPrefix is the id prefix of checkpoint documents.
const IDPrefix = "checkpoint" + store.IDSeparator

// Checkpoint document fields
const (
	fieldDatabase  = "database"
	fieldSeq       = "seq"
	fieldUpdatedAt = "updatedAt"
)

// Checkpoint is the last change sequence committed for a database.
type Checkpoint struct {
	Database  string    `json:"database"`
	Seq       string    `json:"seq"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DocumentID returns the id of database's checkpoint document.
func DocumentID(database string) string {
	return IDPrefix + database
}

// Store reads and writes checkpoints. Writes are compare-and-set on the
// checkpoint document's revision and never move a checkpoint backwards.
type Store struct {
	client  store.Client
	adminDB string
	clock   clock.Clock
	logger  *slog.Logger
}

// NewStore creates a checkpoint store over the given administrative
// database.
func NewStore(client store.Client, adminDB string, clk clock.Clock, logger *slog.Logger) *Store {
	if adminDB == "" {
		adminDB = DefaultAdminDatabase
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{
		client:  client,
		adminDB: adminDB,
		clock:   clk,
		logger:  logger,
	}
}

// AdminDatabase returns the database holding the checkpoints.
func (s *Store) AdminDatabase() string {
	return s.adminDB
}

// EnsureAvailable fails unless the administrative database exists.
func (s *Store) EnsureAvailable(ctx context.Context) error {
	names, err := s.client.ListDatabases(ctx)
	if err != nil {
		return errors.Annotate(err, "checking administrative database")
	}
	for _, name := range names {
		if name == s.adminDB {
			return nil
		}
	}
	return errors.Annotatef(store.ErrDatabaseNotFound, "administrative database %s", s.adminDB)
}

// Get returns the checkpoint of database, or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, database string) (Checkpoint, error) {
	doc, err := s.client.GetDocument(ctx, s.adminDB, DocumentID(database))
	if err != nil {
		return Checkpoint{}, errors.Annotatef(err, "reading checkpoint of %s", database)
	}
	return fromDocument(database, doc), nil
}

// Set records seq as the checkpoint of database. It reports false without
// writing when the stored checkpoint is already at or past seq. A write
// that loses a race is re-read and re-applied once; a second conflict is
// returned.
func (s *Store) Set(ctx context.Context, database, seq string) (bool, error) {
	id := DocumentID(database)

	for attempt := 0; attempt < 2; attempt++ {
		doc, err := s.client.GetDocument(ctx, s.adminDB, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			doc = store.Document{store.FieldID: id}
		case err != nil:
			return false, errors.Annotatef(err, "reading checkpoint of %s", database)
		}

		current := doc.String(fieldSeq)
		if store.CompareSeq(current, seq) >= 0 {
			s.logger.Debug("checkpoint already current",
				"database", database,
				"current", current,
				"seq", seq)
			return false, nil
		}

		doc[fieldDatabase] = database
		doc[fieldSeq] = seq
		doc[fieldUpdatedAt] = s.clock.Now().UTC().Format(time.RFC3339Nano)

		_, err = s.client.PutDocument(ctx, s.adminDB, doc)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return false, errors.Annotatef(err, "writing checkpoint of %s", database)
		}
		s.logger.Debug("checkpoint write conflict", "database", database, "seq", seq, "attempt", attempt+1)
	}

	return false, errors.Annotatef(store.ErrConflict, "writing checkpoint of %s", database)
}

// Delete drops the checkpoint of database. A missing checkpoint is not an
// error.
func (s *Store) Delete(ctx context.Context, database string) error {
	id := DocumentID(database)

	for attempt := 0; attempt < 2; attempt++ {
		doc, err := s.client.GetDocument(ctx, s.adminDB, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return errors.Annotatef(err, "reading checkpoint of %s", database)
		}

		_, err = s.client.PutDocument(ctx, s.adminDB, store.Document{
			store.FieldID:      id,
			store.FieldRev:     doc.Rev(),
			store.FieldDeleted: true,
		})
		if err == nil || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return errors.Annotatef(err, "deleting checkpoint of %s", database)
		}
	}

	return errors.Annotatef(store.ErrConflict, "deleting checkpoint of %s", database)
}

// List returns every live checkpoint, sorted by database.
func (s *Store) List(ctx context.Context) ([]Checkpoint, error) {
	it, err := s.client.Changes(ctx, s.adminDB, store.ChangesOptions{IncludeDocs: true})
	if err != nil {
		return nil, errors.Annotate(err, "listing checkpoints")
	}
	defer it.Close()

	checkpoints := []Checkpoint{}
	for it.Next() {
		change := it.Change()
		if change.Deleted || !strings.HasPrefix(change.ID, IDPrefix) {
			continue
		}
		database := strings.TrimPrefix(change.ID, IDPrefix)
		checkpoints = append(checkpoints, fromDocument(database, change.Doc))
	}
	if err := it.Err(); err != nil {
		return nil, errors.Annotate(err, "listing checkpoints")
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].Database < checkpoints[j].Database
	})
	return checkpoints, nil
}

func fromDocument(database string, doc store.Document) Checkpoint {
	cp := Checkpoint{
		Database: database,
		Seq:      doc.String(fieldSeq),
	}
	if ts := doc.String(fieldUpdatedAt); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			cp.UpdatedAt = t
		}
	}
	return cp
}
