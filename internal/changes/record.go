package changes

import (
	"github.com/juju/errors"

	"github.com/livinlefevreloca/docfeed/internal/store"
)

// Record is a normalized change entry as published on the bus.
// Consumers must be idempotent on (Database, DocumentID, RevisionID):
// records can be delivered more than once.
type Record struct {
	Database     string
	DocumentID   string
	DocumentType string
	LocalID      string
	RevisionID   string
	Seq          string
	Deleted      bool
	Document     store.Document
}

// Normalize builds a Record from a raw change of database. Ids without a
// "type/local" shape are not valid.
func Normalize(database string, change store.Change) (Record, error) {
	docType, localID, ok := store.SplitID(change.ID)
	if !ok {
		return Record{}, errors.NotValidf("document id %q", change.ID)
	}

	return Record{
		Database:     database,
		DocumentID:   change.ID,
		DocumentType: docType,
		LocalID:      localID,
		RevisionID:   change.Rev,
		Seq:          change.Seq,
		Deleted:      change.Deleted,
		Document:     change.Doc,
	}, nil
}

// Key identifies the delivered revision.
func (r Record) Key() string {
	return r.Database + store.IDSeparator + r.DocumentID + "@" + r.RevisionID
}
