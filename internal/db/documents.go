package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/livinlefevreloca/docfeed/internal/store"
)

// =============================================================================
// Document Operations
// =============================================================================

// GetDocument returns the latest revision of a live document.
func (db *DB) GetDocument(ctx context.Context, database, id string) (store.Document, error) {
	row := documentRow{ID: id}
	err := db.QueryRowContext(ctx, `
		SELECT rev, deleted, seq, body, updated_at
		FROM documents
		WHERE db_name = ? AND doc_id = ?
	`, database, id).Scan(&row.Rev, &row.Deleted, &row.Seq, &row.Body, &row.UpdatedAt)

	if err == sql.ErrNoRows {
		if _, err := db.GetDatabase(ctx, database); err != nil {
			return nil, err
		}
		return nil, errors.Annotatef(store.ErrNotFound, "document %s/%s", database, id)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "reading document %s/%s", database, id)
	}
	if row.Deleted {
		return nil, errors.Annotatef(store.ErrNotFound, "document %s/%s", database, id)
	}

	return row.document()
}

// PutDocument writes a new revision of a document. The write, the change
// sequence bump and the lifecycle notification commit together.
func (db *DB) PutDocument(ctx context.Context, database string, doc store.Document) (string, error) {
	var rev string
	err := db.WithTransaction(ctx, func(tx *Tx) error {
		var err error
		rev, err = tx.PutDocument(ctx, database, doc)
		return err
	})
	if err != nil {
		return "", err
	}
	return rev, nil
}

// PutDocument writes a new revision of a document within a transaction
func (tx *Tx) PutDocument(ctx context.Context, database string, doc store.Document) (string, error) {
	id := doc.ID()
	if id == "" {
		return "", errors.NotValidf("document without %s", store.FieldID)
	}

	seq, err := tx.updateSeq(ctx, database)
	if err != nil {
		return "", err
	}

	generation, err := tx.checkRevision(ctx, database, id, doc)
	if err != nil {
		return "", err
	}

	body, err := encodeBody(doc)
	if err != nil {
		return "", errors.Annotatef(err, "encoding document %s", id)
	}

	seq++
	rev := newRevision(generation + 1)
	now := tx.db.clock.Now().UTC()

	if _, err := tx.ExecContext(ctx, "UPDATE databases SET update_seq = ? WHERE name = ?", seq, database); err != nil {
		return "", errors.Annotatef(err, "advancing sequence of %s", database)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (db_name, doc_id, rev, deleted, seq, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (db_name, doc_id) DO UPDATE SET
			rev = excluded.rev,
			deleted = excluded.deleted,
			seq = excluded.seq,
			body = excluded.body,
			updated_at = excluded.updated_at
	`, database, id, rev, doc.Deleted(), seq, body, now)
	if err != nil {
		return "", errors.Annotatef(err, "writing document %s/%s", database, id)
	}

	if err := tx.recordUpdate(ctx, database, store.DatabaseUpdated); err != nil {
		return "", err
	}
	return rev, nil
}

// checkRevision validates doc's _rev against the stored revision and
// returns the stored generation (0 for a new document).
func (tx *Tx) checkRevision(ctx context.Context, database, id string, doc store.Document) (int, error) {
	var (
		current string
		deleted bool
	)
	err := tx.QueryRowContext(ctx,
		"SELECT rev, deleted FROM documents WHERE db_name = ? AND doc_id = ?",
		database, id,
	).Scan(&current, &deleted)

	if err == sql.ErrNoRows {
		if doc.Rev() != "" {
			return 0, errors.Annotatef(store.ErrConflict, "document %s/%s does not exist at %s", database, id, doc.Rev())
		}
		if doc.Deleted() {
			return 0, errors.Annotatef(store.ErrNotFound, "document %s/%s", database, id)
		}
		return 0, nil
	}
	if err != nil {
		return 0, errors.Annotatef(err, "reading revision of %s/%s", database, id)
	}

	switch {
	case deleted && doc.Deleted():
		return 0, errors.Annotatef(store.ErrNotFound, "document %s/%s", database, id)
	case deleted && (doc.Rev() == "" || doc.Rev() == current):
		// Recreating a deleted document continues its revision history
	case doc.Rev() != current:
		return 0, errors.Annotatef(store.ErrConflict, "document %s/%s is at %s, not %s", database, id, current, doc.Rev())
	}

	return store.RevGeneration(current)
}

func newRevision(generation int) string {
	return fmt.Sprintf("%d-%s", generation, strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// encodeBody serializes the document without its reserved fields.
func encodeBody(doc store.Document) (string, error) {
	body := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == store.FieldID || k == store.FieldRev || k == store.FieldDeleted {
			continue
		}
		body[k] = v
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// document rebuilds the stored document with its reserved fields.
func (r documentRow) document() (store.Document, error) {
	doc := store.Document{}
	if r.Body != "" {
		if err := json.Unmarshal([]byte(r.Body), &doc); err != nil {
			return nil, errors.Annotatef(err, "decoding document %s", r.ID)
		}
	}
	doc[store.FieldID] = r.ID
	doc[store.FieldRev] = r.Rev
	if r.Deleted {
		doc[store.FieldDeleted] = true
	}
	return doc, nil
}
