// Package store defines the document store contract consumed by the change
// feed aggregator, the checkpoint store and the task deriver.
package store

import (
	"context"
	"time"

	"github.com/juju/errors"
)

// Standard errors
const (
	ErrNotFound         = errors.ConstError("document not found")
	ErrConflict         = errors.ConstError("document update conflict")
	ErrDatabaseNotFound = errors.ConstError("database not found")
	ErrDatabaseExists   = errors.ConstError("database already exists")
)

// SinceNow asks DatabaseUpdates to start at the current end of the
// lifecycle feed instead of replaying its history.
const SinceNow = "now"

// UpdateType is the kind of a database lifecycle notification.
type UpdateType string

const (
	DatabaseCreated UpdateType = "created"
	DatabaseDeleted UpdateType = "deleted"
	DatabaseUpdated UpdateType = "updated"
)

// Valid reports whether t is one of the known lifecycle notification types.
func (t UpdateType) Valid() bool {
	switch t {
	case DatabaseCreated, DatabaseDeleted, DatabaseUpdated:
		return true
	default:
		return false
	}
}

// Change is one entry of a database's change log. Only the latest revision
// of a document is reported.
type Change struct {
	ID      string
	Rev     string
	Seq     string
	Deleted bool
	// Doc is only set when the feed was opened with IncludeDocs.
	Doc Document
}

// ChangesOptions controls a Changes request.
type ChangesOptions struct {
	// Since is the exclusive lower bound; empty means start of log.
	Since       string
	IncludeDocs bool
}

// ChangeIterator walks a change batch in sequence order. After Next returns
// false, LastSeq holds the position the batch was read up to and Err any
// error that ended the iteration.
type ChangeIterator interface {
	Next() bool
	Change() Change
	LastSeq() string
	Err() error
	Close() error
}

// DatabaseUpdate is a store-level lifecycle notification.
type DatabaseUpdate struct {
	Database string
	Type     UpdateType
	Seq      string
}

// UpdatesOptions controls a DatabaseUpdates long-poll.
type UpdatesOptions struct {
	// Since is the exclusive lower bound; SinceNow or empty means the
	// current end of the feed.
	Since string
	// Timeout bounds how long the request waits for a notification.
	// Zero returns immediately.
	Timeout time.Duration
}

// UpdatesResult is the answer to one long-poll request.
type UpdatesResult struct {
	Updates []DatabaseUpdate
	LastSeq string
}

// Client is request/response access to a document store.
type Client interface {
	// ListDatabases returns the names of all databases.
	ListDatabases(ctx context.Context) ([]string, error)

	// GetDocument returns the latest revision of a document, or ErrNotFound
	// when it does not exist or is deleted.
	GetDocument(ctx context.Context, database, id string) (Document, error)

	// PutDocument writes a document and returns its new revision. The
	// document's _rev must name the current revision; a mismatch returns
	// ErrConflict. A document with _deleted set is deleted.
	PutDocument(ctx context.Context, database string, doc Document) (string, error)

	// Changes opens a cursor over the changes made after opts.Since.
	Changes(ctx context.Context, database string, opts ChangesOptions) (ChangeIterator, error)

	// DatabaseUpdates waits for lifecycle notifications after opts.Since.
	DatabaseUpdates(ctx context.Context, opts UpdatesOptions) (UpdatesResult, error)
}

// CreationTimes is implemented by clients that report when a database was
// created. A database deleted and created again restarts its change log.
type CreationTimes interface {
	DatabaseCreatedAt(ctx context.Context, database string) (time.Time, error)
}
