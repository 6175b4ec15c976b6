package db

import (
	"context"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/livinlefevreloca/docfeed/internal/store"
)

// Changes returns every document whose latest revision was written after
// opts.Since, in sequence order. The batch is read in one transaction and
// held in memory, so the iterator keeps no connection open.
func (db *DB) Changes(ctx context.Context, database string, opts store.ChangesOptions) (store.ChangeIterator, error) {
	since, err := parseSeq(opts.Since)
	if err != nil {
		return nil, err
	}

	it := &changeIterator{pos: -1}
	err = db.WithTransaction(ctx, func(tx *Tx) error {
		lastSeq, err := tx.updateSeq(ctx, database)
		if err != nil {
			return err
		}
		it.lastSeq = formatSeq(lastSeq)

		rows, err := tx.QueryContext(ctx, `
			SELECT doc_id, rev, deleted, seq, body, updated_at
			FROM documents
			WHERE db_name = ? AND seq > ?
			ORDER BY seq
		`, database, since)
		if err != nil {
			return errors.Annotatef(err, "reading changes of %s", database)
		}
		defer rows.Close()

		for rows.Next() {
			var row documentRow
			if err := rows.Scan(&row.ID, &row.Rev, &row.Deleted, &row.Seq, &row.Body, &row.UpdatedAt); err != nil {
				return errors.Trace(err)
			}

			change := store.Change{
				ID:      row.ID,
				Rev:     row.Rev,
				Seq:     formatSeq(row.Seq),
				Deleted: row.Deleted,
			}
			if opts.IncludeDocs {
				doc, err := row.document()
				if err != nil {
					return err
				}
				change.Doc = doc
			}
			it.changes = append(it.changes, change)
		}
		return errors.Trace(rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return it, nil
}

type changeIterator struct {
	changes []store.Change
	pos     int
	lastSeq string
}

func (it *changeIterator) Next() bool {
	if it.pos+1 >= len(it.changes) {
		it.pos = len(it.changes)
		return false
	}
	it.pos++
	return true
}

func (it *changeIterator) Change() store.Change {
	return it.changes[it.pos]
}

func (it *changeIterator) LastSeq() string { return it.lastSeq }
func (it *changeIterator) Err() error      { return nil }
func (it *changeIterator) Close() error    { return nil }

func formatSeq(seq int64) string {
	return strconv.FormatInt(seq, 10)
}

// parseSeq reads the numeric head of a sequence token. The empty token is
// the start of the log.
func parseSeq(seq string) (int64, error) {
	if seq == "" {
		return 0, nil
	}
	head, _, _ := strings.Cut(seq, "-")
	n, err := strconv.ParseInt(head, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.NotValidf("sequence %q", seq)
	}
	return n, nil
}
