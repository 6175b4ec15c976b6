package testutil

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/livinlefevreloca/docfeed/internal/store"
)

// MockStore is an in-memory store.Client with fault injection
type MockStore struct {
	mu      sync.Mutex
	dbs     map[string]*mockDatabase
	updates []store.DatabaseUpdate
	wake    chan struct{}

	listError      error
	getError       error
	putError       error
	updatesError   error
	changesErrors  map[string]error
	forcedConflict int
	lastSeqs       map[string]string
	replicaLag     map[string]int64

	putCount     map[string]int
	changesCalls map[string]int
}

type mockDatabase struct {
	seq     int64
	docs    map[string]*mockDoc
	created time.Time
}

type mockDoc struct {
	rev     string
	seq     int64
	deleted bool
	body    store.Document
}

var (
	_ store.Client        = (*MockStore)(nil)
	_ store.CreationTimes = (*MockStore)(nil)
)

func NewMockStore() *MockStore {
	return &MockStore{
		dbs:           make(map[string]*mockDatabase),
		wake:          make(chan struct{}),
		changesErrors: make(map[string]error),
		lastSeqs:      make(map[string]string),
		replicaLag:    make(map[string]int64),
		putCount:      make(map[string]int),
		changesCalls:  make(map[string]int),
	}
}

// =============================================================================
// Fault Injection
// =============================================================================

func (m *MockStore) SetListError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listError = err
}

func (m *MockStore) SetGetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getError = err
}

func (m *MockStore) SetPutError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putError = err
}

func (m *MockStore) SetUpdatesError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updatesError = err
}

// SetChangesError makes Changes fail for one database.
func (m *MockStore) SetChangesError(database string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.changesErrors, database)
		return
	}
	m.changesErrors[database] = err
}

// ForceConflicts makes the next n writes fail with store.ErrConflict.
func (m *MockStore) ForceConflicts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forcedConflict = n
}

// SetLastSeq overrides the last_seq reported by Changes for a database.
func (m *MockStore) SetLastSeq(database, seq string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeqs[database] = seq
}

// SetReplicaLag makes Changes answer as if since were lag entries earlier,
// like a replica that has not caught up with the caller's checkpoint.
func (m *MockStore) SetReplicaLag(database string, lag int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replicaLag[database] = lag
}

// SetCreatedAt overrides the creation time of a database.
func (m *MockStore) SetCreatedAt(database string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.dbs[database]; ok {
		d.created = at
	}
}

// =============================================================================
// Setup and Inspection
// =============================================================================

// CreateDatabase adds an empty database and records a created update.
func (m *MockStore) CreateDatabase(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dbs[name] = &mockDatabase{docs: make(map[string]*mockDoc), created: time.Now()}
	m.pushLocked(store.DatabaseUpdate{Database: name, Type: store.DatabaseCreated})
}

// DeleteDatabase removes a database and records a deleted update.
func (m *MockStore) DeleteDatabase(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dbs, name)
	m.pushLocked(store.DatabaseUpdate{Database: name, Type: store.DatabaseDeleted})
}

// PushUpdate appends a raw lifecycle notification, valid or not.
func (m *MockStore) PushUpdate(update store.DatabaseUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushLocked(update)
}

// Put writes a document for test setup and panics on error.
func (m *MockStore) Put(database string, doc store.Document) string {
	rev, err := m.PutDocument(context.Background(), database, doc)
	if err != nil {
		panic(fmt.Sprintf("mock put %s/%s: %v", database, doc.ID(), err))
	}
	return rev
}

// RawDocument returns a document including deletion tombstones.
func (m *MockStore) RawDocument(database, id string) (store.Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dbs[database]
	if !ok {
		return nil, false
	}
	doc, ok := d.docs[id]
	if !ok {
		return nil, false
	}
	return doc.document(id), true
}

func (m *MockStore) PutCount(database string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putCount[database]
}

func (m *MockStore) ChangesCalls(database string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changesCalls[database]
}

// =============================================================================
// store.Client
// =============================================================================

func (m *MockStore) DatabaseCreatedAt(_ context.Context, database string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dbs[database]
	if !ok {
		return time.Time{}, store.ErrDatabaseNotFound
	}
	return d.created, nil
}

func (m *MockStore) ListDatabases(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listError != nil {
		return nil, m.listError
	}

	names := make([]string, 0, len(m.dbs))
	for name := range m.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MockStore) GetDocument(_ context.Context, database, id string) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getError != nil {
		return nil, m.getError
	}

	d, ok := m.dbs[database]
	if !ok {
		return nil, store.ErrDatabaseNotFound
	}
	doc, ok := d.docs[id]
	if !ok || doc.deleted {
		return nil, store.ErrNotFound
	}
	return doc.document(id), nil
}

func (m *MockStore) PutDocument(_ context.Context, database string, doc store.Document) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.putError != nil {
		return "", m.putError
	}
	if m.forcedConflict > 0 {
		m.forcedConflict--
		return "", store.ErrConflict
	}

	d, ok := m.dbs[database]
	if !ok {
		return "", store.ErrDatabaseNotFound
	}

	id := doc.ID()
	if id == "" {
		return "", errors.NotValidf("document without _id")
	}

	generation := 0
	current, exists := d.docs[id]
	switch {
	case !exists && doc.Rev() != "":
		return "", store.ErrConflict
	case !exists && doc.Deleted():
		return "", store.ErrNotFound
	case exists && current.deleted && doc.Deleted():
		return "", store.ErrNotFound
	case exists && current.deleted && doc.Rev() != "" && doc.Rev() != current.rev:
		return "", store.ErrConflict
	case exists && !current.deleted && doc.Rev() != current.rev:
		return "", store.ErrConflict
	}
	if exists {
		generation, _ = store.RevGeneration(current.rev)
	}

	d.seq++
	body := doc.Clone()
	delete(body, store.FieldID)
	delete(body, store.FieldRev)
	delete(body, store.FieldDeleted)

	rev := fmt.Sprintf("%d-%08x", generation+1, d.seq)
	d.docs[id] = &mockDoc{rev: rev, seq: d.seq, deleted: doc.Deleted(), body: body}
	m.putCount[database]++
	m.pushLocked(store.DatabaseUpdate{Database: database, Type: store.DatabaseUpdated})
	return rev, nil
}

func (m *MockStore) Changes(_ context.Context, database string, opts store.ChangesOptions) (store.ChangeIterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.changesCalls[database]++
	if err := m.changesErrors[database]; err != nil {
		return nil, err
	}

	d, ok := m.dbs[database]
	if !ok {
		return nil, store.ErrDatabaseNotFound
	}

	since := int64(0)
	if opts.Since != "" {
		n, err := strconv.ParseInt(opts.Since, 10, 64)
		if err != nil {
			return nil, errors.NotValidf("sequence %q", opts.Since)
		}
		since = n
	}
	since -= m.replicaLag[database]

	it := &SliceIterator{LastSeqValue: strconv.FormatInt(d.seq, 10)}
	if seq, ok := m.lastSeqs[database]; ok {
		it.LastSeqValue = seq
	}

	for id, doc := range d.docs {
		if doc.seq <= since {
			continue
		}
		change := store.Change{
			ID:      id,
			Rev:     doc.rev,
			Seq:     strconv.FormatInt(doc.seq, 10),
			Deleted: doc.deleted,
		}
		if opts.IncludeDocs {
			change.Doc = doc.document(id)
		}
		it.Changes = append(it.Changes, change)
	}
	sort.Slice(it.Changes, func(i, j int) bool {
		return store.CompareSeq(it.Changes[i].Seq, it.Changes[j].Seq) < 0
	})
	return it, nil
}

func (m *MockStore) DatabaseUpdates(ctx context.Context, opts store.UpdatesOptions) (store.UpdatesResult, error) {
	m.mu.Lock()
	since := len(m.updates)
	if opts.Since != "" && opts.Since != store.SinceNow {
		n, err := strconv.Atoi(opts.Since)
		if err != nil {
			m.mu.Unlock()
			return store.UpdatesResult{}, errors.NotValidf("sequence %q", opts.Since)
		}
		since = n
	}
	m.mu.Unlock()

	var deadline <-chan struct{}
	if opts.Timeout > 0 {
		ctx2, cancel := context.WithTimeout(context.Background(), opts.Timeout)
		defer cancel()
		deadline = ctx2.Done()
	}

	for {
		m.mu.Lock()
		if m.updatesError != nil {
			err := m.updatesError
			m.mu.Unlock()
			return store.UpdatesResult{}, err
		}
		if since < len(m.updates) {
			res := store.UpdatesResult{
				Updates: append([]store.DatabaseUpdate(nil), m.updates[since:]...),
				LastSeq: strconv.Itoa(len(m.updates)),
			}
			m.mu.Unlock()
			return res, nil
		}
		wake := m.wake
		m.mu.Unlock()

		if deadline == nil {
			return store.UpdatesResult{LastSeq: strconv.Itoa(since)}, nil
		}

		select {
		case <-wake:
		case <-deadline:
			return store.UpdatesResult{LastSeq: strconv.Itoa(since)}, nil
		case <-ctx.Done():
			return store.UpdatesResult{}, ctx.Err()
		}
	}
}

func (m *MockStore) pushLocked(update store.DatabaseUpdate) {
	update.Seq = strconv.Itoa(len(m.updates) + 1)
	m.updates = append(m.updates, update)
	close(m.wake)
	m.wake = make(chan struct{})
}

func (d *mockDoc) document(id string) store.Document {
	doc := d.body.Clone()
	if doc == nil {
		doc = store.Document{}
	}
	doc[store.FieldID] = id
	doc[store.FieldRev] = d.rev
	if d.deleted {
		doc[store.FieldDeleted] = true
	}
	return doc
}

// SliceIterator is a store.ChangeIterator over a fixed batch
type SliceIterator struct {
	Changes      []store.Change
	LastSeqValue string
	ErrValue     error

	pos int
}

func (it *SliceIterator) Next() bool {
	if it.pos >= len(it.Changes) {
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Change() store.Change { return it.Changes[it.pos-1] }
func (it *SliceIterator) LastSeq() string      { return it.LastSeqValue }
func (it *SliceIterator) Err() error           { return it.ErrValue }
func (it *SliceIterator) Close() error         { return nil }
