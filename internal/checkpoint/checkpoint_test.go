package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/docfeed/internal/store"
	"github.com/livinlefevreloca/docfeed/internal/testutil"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *testutil.MockStore) {
	t.Helper()
	mock := testutil.NewMockStore()
	mock.CreateDatabase(DefaultAdminDatabase)
	s := NewStore(mock, "", testclock.NewClock(epoch), testutil.NewTestLogger().Logger())
	return s, mock
}

// =============================================================================
// Get / Set
// =============================================================================

func TestGet_Missing(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "jobs")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
}

func TestSet_CreatesAndAdvances(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	written, err := s.Set(ctx, "jobs", "5")
	require.NoError(t, err)
	assert.True(t, written)

	cp, err := s.Get(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, Checkpoint{Database: "jobs", Seq: "5", UpdatedAt: epoch}, cp)

	written, err = s.Set(ctx, "jobs", "12-opaque")
	require.NoError(t, err)
	assert.True(t, written)

	doc, ok := mock.RawDocument(DefaultAdminDatabase, "checkpoint/jobs")
	require.True(t, ok)
	assert.Equal(t, "12-opaque", doc.String("seq"))
	assert.Equal(t, "jobs", doc.String("database"))
}

func TestSet_NeverRegresses(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	_, err := s.Set(ctx, "jobs", "10")
	require.NoError(t, err)
	puts := mock.PutCount(DefaultAdminDatabase)

	for _, seq := range []string{"10", "9", "2-x", ""} {
		written, err := s.Set(ctx, "jobs", seq)
		require.NoError(t, err)
		assert.False(t, written, "seq %q", seq)
	}

	cp, err := s.Get(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, "10", cp.Seq)
	assert.Equal(t, puts, mock.PutCount(DefaultAdminDatabase), "no write for stale sequences")
}

func TestSet_RetriesOneConflict(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Set(ctx, "jobs", "1")
	require.NoError(t, err)

	s.client.(*testutil.MockStore).ForceConflicts(1)
	written, err := s.Set(ctx, "jobs", "2")
	require.NoError(t, err)
	assert.True(t, written)

	cp, err := s.Get(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, "2", cp.Seq)
}

func TestSet_SecondConflictIsReturned(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ForceConflicts(2)
	written, err := s.Set(context.Background(), "jobs", "3")
	assert.False(t, written)
	assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)
}

func TestSet_StoreUnreachable(t *testing.T) {
	s, mock := newTestStore(t)

	mock.SetGetError(errors.New("connection refused"))
	_, err := s.Set(context.Background(), "jobs", "3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

// Concurrent writers for the same database leave the highest sequence.
func TestSet_ConcurrentWritersAreMonotonic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			// Losing both attempts is acceptable; regressing is not
			_, err := s.Set(ctx, "jobs", fmt.Sprint(seq))
			if err != nil {
				assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)
			}
		}(i)
	}
	wg.Wait()

	// A final write settles the race winner
	_, err := s.Set(ctx, "jobs", "50")
	require.NoError(t, err)

	cp, err := s.Get(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, "50", cp.Seq)
}

// =============================================================================
// Delete / List / EnsureAvailable
// =============================================================================

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Set(ctx, "jobs", "4")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "jobs"))
	_, err = s.Get(ctx, "jobs")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	// Absent checkpoint
	require.NoError(t, s.Delete(ctx, "jobs"))

	// A recreated database starts over
	written, err := s.Set(ctx, "jobs", "1")
	require.NoError(t, err)
	assert.True(t, written)
}

func TestList(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	_, err := s.Set(ctx, "zeta", "3")
	require.NoError(t, err)
	_, err = s.Set(ctx, "alpha", "7")
	require.NoError(t, err)
	_, err = s.Set(ctx, "gone", "1")
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "gone"))
	mock.Put(DefaultAdminDatabase, store.Document{store.FieldID: "settings/main"})

	cps, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, "alpha", cps[0].Database)
	assert.Equal(t, "7", cps[0].Seq)
	assert.Equal(t, "zeta", cps[1].Database)
}

func TestEnsureAvailable(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureAvailable(ctx))

	other := NewStore(mock, "missing_admin", nil, testutil.NewTestLogger().Logger())
	err := other.EnsureAvailable(ctx)
	assert.True(t, errors.Is(err, store.ErrDatabaseNotFound), "got %v", err)

	mock.SetListError(errors.New("unreachable"))
	require.Error(t, s.EnsureAvailable(ctx))
}

func TestDocumentID(t *testing.T) {
	assert.Equal(t, "checkpoint/jobs", DocumentID("jobs"))
}
