package db

import (
	"context"

	"github.com/juju/errors"

	"github.com/livinlefevreloca/docfeed/internal/store"
)

// DatabaseUpdates returns lifecycle notifications written after opts.Since.
// When there are none it waits until a local commit signals new rows, the
// poll interval elapses (for writers in other processes), opts.Timeout
// expires or ctx is done. A timeout returns an empty result positioned at
// Since.
func (db *DB) DatabaseUpdates(ctx context.Context, opts store.UpdatesOptions) (store.UpdatesResult, error) {
	since, err := db.resolveUpdatesSince(ctx, opts.Since)
	if err != nil {
		return store.UpdatesResult{}, err
	}

	var deadline <-chan struct{}
	if opts.Timeout > 0 {
		done := make(chan struct{})
		timer := db.clock.AfterFunc(opts.Timeout, func() { close(done) })
		defer timer.Stop()
		deadline = done
	}

	for {
		// Take the wake-up channel before reading so a commit landing
		// between the read and the wait is not missed.
		wake := db.notify.wait()

		rows, err := db.readUpdates(ctx, since)
		if err != nil {
			return store.UpdatesResult{}, err
		}
		if len(rows) > 0 {
			return toUpdatesResult(rows), nil
		}

		if deadline == nil {
			return store.UpdatesResult{LastSeq: formatSeq(since)}, nil
		}

		select {
		case <-wake:
		case <-db.clock.After(db.pollInterval):
		case <-deadline:
			return store.UpdatesResult{LastSeq: formatSeq(since)}, nil
		case <-ctx.Done():
			return store.UpdatesResult{}, errors.Trace(ctx.Err())
		}
	}
}

func (db *DB) resolveUpdatesSince(ctx context.Context, since string) (int64, error) {
	if since != "" && since != store.SinceNow {
		return parseSeq(since)
	}

	var seq int64
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM db_updates").Scan(&seq)
	if err != nil {
		return 0, errors.Annotate(err, "reading lifecycle position")
	}
	return seq, nil
}

func (db *DB) readUpdates(ctx context.Context, since int64) ([]updateRow, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT seq, db_name, type FROM db_updates WHERE seq > ? ORDER BY seq", since)
	if err != nil {
		return nil, errors.Annotate(err, "reading lifecycle feed")
	}
	defer rows.Close()

	var updates []updateRow
	for rows.Next() {
		var u updateRow
		if err := rows.Scan(&u.Seq, &u.Database, &u.Type); err != nil {
			return nil, errors.Trace(err)
		}
		updates = append(updates, u)
	}
	return updates, errors.Trace(rows.Err())
}

func toUpdatesResult(rows []updateRow) store.UpdatesResult {
	result := store.UpdatesResult{Updates: make([]store.DatabaseUpdate, 0, len(rows))}
	for _, row := range rows {
		result.Updates = append(result.Updates, store.DatabaseUpdate{
			Database: row.Database,
			Type:     store.UpdateType(row.Type),
			Seq:      formatSeq(row.Seq),
		})
	}
	result.LastSeq = formatSeq(rows[len(rows)-1].Seq)
	return result
}
