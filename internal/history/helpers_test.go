package history

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/sperwe/Tree-Style-History-sub000/internal/browser"
	"github.com/sperwe/Tree-Style-History-sub000/internal/storage"
)

// openTestStore creates a migrated in-memory store for testing.
func openTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, storage.NewMigrationRunner(db).Run())

	store, err := storage.NewSQLiteStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

// recordingHistory wraps a MemoryHistory and remembers every search window.
type recordingHistory struct {
	*browser.MemoryHistory

	mu       sync.Mutex
	searches []browser.Query
}

func newRecordingHistory() *recordingHistory {
	return &recordingHistory{MemoryHistory: browser.NewMemoryHistory()}
}

func (h *recordingHistory) Search(ctx context.Context, q browser.Query) ([]browser.HistoryItem, error) {
	h.mu.Lock()
	h.searches = append(h.searches, q)
	h.mu.Unlock()
	return h.MemoryHistory.Search(ctx, q)
}

func (h *recordingHistory) searchCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.searches)
}

func (h *recordingHistory) searched(day time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, q := range h.searches {
		if !day.Before(q.StartTime) && day.Before(q.EndTime) {
			return true
		}
	}
	return false
}

// failingWriter rejects every visit with err.
type failingWriter struct {
	err   error
	calls int
}

func (w *failingWriter) AddVisit(context.Context, *storage.VisitRecord) error {
	w.calls++
	return w.err
}
