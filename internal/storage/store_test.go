package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore creates a migrated in-memory Store for testing.
func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	runner := NewMigrationRunner(db)
	require.NoError(t, runner.Run())

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

var base = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

// --- Close records ---

func TestPutCloseRecord_InsertThenUpdateInPlace(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := &CloseRecord{SessionOrdinal: 3, TabID: 42, URL: "https://a.com", Title: "A", CloseState: CloseStateOpen}
	require.NoError(t, store.PutCloseRecord(ctx, rec))
	assert.Equal(t, "3_42", rec.ID)

	got, err := store.GetCloseRecord(ctx, "3_42")
	require.NoError(t, err)
	assert.Equal(t, CloseStateOpen, got.CloseState)
	assert.True(t, got.CloseTime.IsZero())

	rec.CloseState = CloseStateClosed
	rec.CloseTime = base
	require.NoError(t, store.PutCloseRecord(ctx, rec))

	got, err = store.GetCloseRecord(ctx, "3_42")
	require.NoError(t, err)
	assert.Equal(t, CloseStateClosed, got.CloseState)
	assert.Equal(t, base.UnixMilli(), got.CloseTime.UnixMilli())
	assert.Equal(t, int64(3), got.SessionOrdinal)
}

func TestGetCloseRecord_NotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetCloseRecord(context.Background(), "0_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloseRecordsByState(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutCloseRecord(ctx, &CloseRecord{SessionOrdinal: 0, TabID: 1, URL: "https://a.com", Title: "A", CloseState: CloseStateOpen}))
	require.NoError(t, store.PutCloseRecord(ctx, &CloseRecord{SessionOrdinal: 0, TabID: 2, URL: "https://b.com", Title: "B", CloseState: CloseStateUpdated}))
	require.NoError(t, store.PutCloseRecord(ctx, &CloseRecord{SessionOrdinal: 0, TabID: 3, URL: "https://c.com", Title: "C", CloseState: CloseStateClosed, CloseTime: base}))

	open, err := store.CloseRecordsByState(ctx, true)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	closed, err := store.CloseRecordsByState(ctx, false)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, 3, closed[0].TabID)
}

// --- Visits ---

func TestAddVisit_GetVisit_Roundtrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	v := &VisitRecord{VisitID: 10, URL: "https://a.com", VisitTime: base, Title: "A", Transition: TransitionLink}
	require.NoError(t, store.AddVisit(ctx, v))

	got, err := store.GetVisit(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "https://a.com", got.URL)
	assert.Equal(t, TransitionLink, got.Transition)
	assert.Equal(t, int64(0), got.ReferringVisitID)
	assert.Equal(t, base.UnixMilli(), got.VisitTime.UnixMilli())
}

func TestAddVisit_DuplicateFails(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddVisit(ctx, &VisitRecord{VisitID: 1, URL: "https://a.com", VisitTime: base}))
	err := store.AddVisit(ctx, &VisitRecord{VisitID: 1, URL: "https://other.com", VisitTime: base})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateVisit))

	got, err := store.GetVisit(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "https://a.com", got.URL, "duplicate insert must not overwrite")
}

func TestAddVisit_ForwardReferenceFails(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddVisit(ctx, &VisitRecord{VisitID: 2, URL: "https://later.com", VisitTime: base.Add(time.Minute)}))

	err := store.AddVisit(ctx, &VisitRecord{VisitID: 3, ReferringVisitID: 2, URL: "https://earlier.com", VisitTime: base})
	assert.ErrorIs(t, err, ErrForwardReference)

	_, err = store.GetVisit(ctx, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddVisit_UnknownReferrerAccepted(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.AddVisit(ctx, &VisitRecord{VisitID: 5, ReferringVisitID: 999, URL: "https://a.com", VisitTime: base})
	assert.NoError(t, err)
}

func TestVisitsByURL_NewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.AddVisit(ctx, &VisitRecord{
			VisitID: int64(i), URL: "https://a.com", VisitTime: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.AddVisit(ctx, &VisitRecord{VisitID: 9, URL: "https://b.com", VisitTime: base}))

	visits, err := store.VisitsByURL(ctx, "https://a.com")
	require.NoError(t, err)
	require.Len(t, visits, 3)
	assert.Equal(t, int64(3), visits[0].VisitID)
	assert.Equal(t, int64(1), visits[2].VisitID)

	none, err := store.VisitsByURL(ctx, "https://nowhere.com")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestVisitIDsBefore_DeleteVisits(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.AddVisit(ctx, &VisitRecord{
			VisitID: int64(i), URL: fmt.Sprintf("https://%d.com", i), VisitTime: base.AddDate(0, 0, -i),
		}))
	}

	ids, err := store.VisitIDsBefore(ctx, base.AddDate(0, 0, -3))
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{4, 5}, ids)

	n, err := store.DeleteVisits(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.DeleteVisits(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	recent, err := store.VisitsSince(ctx, base.AddDate(0, 0, -10))
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

// --- URL summaries ---

func TestURLSummary_WatermarkRoundtrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	u := &URLSummary{URLID: 7, URL: "https://a.com", Title: "A", LastVisitTime: base, VisitCount: 4}
	require.NoError(t, store.PutURLSummary(ctx, u))

	got, err := store.GetURLSummary(ctx, 7)
	require.NoError(t, err)
	assert.False(t, got.HasWatermark(), "watermark should be undefined until drained")

	got.LoadedFrom = base.AddDate(0, 0, -7)
	got.LoadedTo = base
	require.NoError(t, store.PutURLSummary(ctx, got))

	got, err = store.GetURLSummary(ctx, 7)
	require.NoError(t, err)
	assert.True(t, got.HasWatermark())
	assert.True(t, got.Covers(base.Add(-time.Hour)))
	assert.False(t, got.Covers(base.Add(time.Hour)))

	all, err := store.ListURLSummaries(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// --- Calendar & session counter ---

func TestCalendar_SaveLoad(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	morning := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveCalendar(ctx, map[string]time.Time{"2026-03-14": morning, "2026-03-13": {}}))
	require.NoError(t, store.SaveCalendar(ctx, map[string]time.Time{"2026-03-14": evening, "2026-03-12": morning}))

	days, err := store.LoadCalendar(ctx)
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.True(t, days["2026-03-14"].Equal(evening))
	assert.True(t, days["2026-03-12"].Equal(morning))

	// An older scan time never moves the stored one back.
	require.NoError(t, store.SaveCalendar(ctx, map[string]time.Time{"2026-03-14": morning}))
	days, err = store.LoadCalendar(ctx)
	require.NoError(t, err)
	assert.True(t, days["2026-03-14"].Equal(evening))
}

func TestNextSessionOrdinal_Increments(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.NextSessionOrdinal(ctx)
	require.NoError(t, err)
	second, err := store.NextSessionOrdinal(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(0), first)
	assert.Equal(t, int64(1), second)
}

// --- Notes ---

func TestMergeNote_CreateAndUpdate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.MergeNote(ctx, 100, func(existing *Note) (*Note, error) {
		assert.Nil(t, existing)
		return &Note{VisitID: 100, URL: "https://a.com", Note: "first", UpdatedAt: base}, nil
	})
	require.NoError(t, err)

	err = store.MergeNote(ctx, 100, func(existing *Note) (*Note, error) {
		require.NotNil(t, existing)
		existing.Note += " second"
		return existing, nil
	})
	require.NoError(t, err)

	got, err := store.GetNote(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "first second", got.Note)
}

func TestMergeNote_NilResultWritesNothing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.MergeNote(ctx, 1, func(*Note) (*Note, error) { return nil, nil }))

	_, err := store.GetNote(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMergeNote_ErrorAbortsWrite(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.MergeNote(ctx, 1, func(*Note) (*Note, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestMergeNote_ConcurrentAppendsNotLost(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.MergeNote(ctx, 1, func(existing *Note) (*Note, error) {
				if existing == nil {
					existing = &Note{VisitID: 1, URL: "https://a.com"}
				}
				existing.Note += fmt.Sprintf("[%d]", i)
				existing.UpdatedAt = base
				return existing, nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := store.GetNote(ctx, 1)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		assert.Contains(t, got.Note, fmt.Sprintf("[%d]", i))
	}
}

func TestNotesByURL_AllNotes_DeleteNote(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	put := func(id int64, url string, at time.Time) {
		require.NoError(t, store.MergeNote(ctx, id, func(*Note) (*Note, error) {
			return &Note{VisitID: id, URL: url, Note: "n", UpdatedAt: at}, nil
		}))
	}
	put(1, "https://a.com", base)
	put(2, "https://a.com", base.Add(time.Minute))
	put(3, "https://b.com", base)

	byURL, err := store.NotesByURL(ctx, "https://a.com")
	require.NoError(t, err)
	require.Len(t, byURL, 2)
	assert.Equal(t, int64(2), byURL[0].VisitID)

	all, err := store.AllNotes(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, store.DeleteNote(ctx, 1))
	assert.ErrorIs(t, store.DeleteNote(ctx, 1), ErrNotFound)
}

// --- Maintenance ---

func TestStats_AndPurgeAll(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddVisit(ctx, &VisitRecord{VisitID: 1, URL: "https://a.com", VisitTime: base}))
	require.NoError(t, store.AddVisit(ctx, &VisitRecord{VisitID: 2, ReferringVisitID: 1, URL: "https://b.com", VisitTime: base.Add(time.Second)}))
	require.NoError(t, store.PutCloseRecord(ctx, &CloseRecord{TabID: 1, URL: "https://a.com", Title: "A", CloseState: CloseStateOpen}))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Visits)
	assert.Equal(t, int64(1), stats.OpenTabs)
	require.Len(t, stats.TopReferrers, 1)
	assert.Equal(t, "https://a.com", stats.TopReferrers[0].URL)

	require.NoError(t, store.PurgeAll(ctx))

	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Visits)
	assert.Equal(t, int64(0), stats.CloseRecords)
	assert.True(t, stats.OldestVisit.IsZero())
}
