package app

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sperwe/Tree-Style-History-sub000/internal/browser"
	"github.com/sperwe/Tree-Style-History-sub000/internal/config"
	"github.com/sperwe/Tree-Style-History-sub000/internal/history"
	"github.com/sperwe/Tree-Style-History-sub000/internal/message"
	"github.com/sperwe/Tree-Style-History-sub000/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestApp(t *testing.T, db *sql.DB) *App {
	t.Helper()
	a, err := New(context.Background(), db, config.DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Store.Close() })
	return a
}

func visit(id, ref int64, at time.Time, transition string) browser.VisitItem {
	return browser.VisitItem{VisitID: id, ReferringVisitID: ref, VisitTime: at, Transition: transition}
}

func TestNew_StartsNewSessionAndReconciles(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	first := newTestApp(t, db)
	assert.Equal(t, int64(0), first.Session)
	require.NoError(t, first.TabOpened(ctx, browser.Tab{ID: 5, URL: "https://a.com", Title: "A"}))

	// The browser restarts without closing the tab.
	second := newTestApp(t, db)
	assert.Equal(t, int64(1), second.Session)

	rec, err := second.Store.GetCloseRecord(ctx, "0_5")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.CloseState)
	assert.False(t, rec.CloseTime.IsZero())
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Notes.MergeMode = "merge"
	_, err := New(context.Background(), openTestDB(t), cfg, nil)
	assert.Error(t, err)
}

func TestNew_WarmsResolverFromRecentVisits(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	first := newTestApp(t, db)
	now := time.Now()
	require.NoError(t, first.Store.AddVisit(ctx, &storage.VisitRecord{VisitID: 1, URL: "https://a.com", VisitTime: now.Add(-time.Hour), Transition: storage.TransitionTyped}))
	require.NoError(t, first.Store.AddVisit(ctx, &storage.VisitRecord{VisitID: 2, URL: "https://old.com", VisitTime: now.AddDate(0, 0, -30), Transition: storage.TransitionTyped}))

	second := newTestApp(t, db)
	assert.True(t, second.Resolver.Known(1))
	assert.False(t, second.Resolver.Known(2), "only visits inside the import range are warmed")
}

func TestLinkInNewTabInheritsOpenerVisit(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, openTestDB(t))
	now := time.Now()

	require.NoError(t, a.TabOpened(ctx, browser.Tab{ID: 1, URL: "https://a.com", Title: "A"}))
	a.History.Record("https://a.com", "A", visit(100, 0, now.Add(-2*time.Minute), "typed"))
	rep, err := a.TabUpdated(ctx, browser.Tab{ID: 1, URL: "https://a.com", Title: "A", Status: browser.StatusComplete})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Added)

	require.NoError(t, a.TabOpened(ctx, browser.Tab{ID: 2, OpenerTabID: 1}))
	a.History.Record("https://b.com", "B", visit(101, 0, now.Add(-time.Minute), "link"))
	_, err = a.TabUpdated(ctx, browser.Tab{ID: 2, URL: "https://b.com", Title: "B", Status: browser.StatusComplete})
	require.NoError(t, err)

	v, err := a.Store.GetVisit(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, int64(100), v.ReferringVisitID)
}

func TestTypedURLInOpenedTabHasNoReferrer(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, openTestDB(t))
	now := time.Now()

	require.NoError(t, a.TabOpened(ctx, browser.Tab{ID: 1, URL: "https://a.com", Title: "A"}))
	a.History.Record("https://a.com", "A", visit(100, 0, now.Add(-2*time.Minute), "link"))
	_, err := a.TabUpdated(ctx, browser.Tab{ID: 1, URL: "https://a.com", Title: "A", Status: browser.StatusComplete})
	require.NoError(t, err)

	require.NoError(t, a.TabOpened(ctx, browser.Tab{ID: 2, OpenerTabID: 1}))
	a.History.Record("https://b.com", "B", visit(101, 100, now.Add(-time.Minute), "typed"))
	_, err = a.TabUpdated(ctx, browser.Tab{ID: 2, URL: "https://b.com", Title: "B", Status: browser.StatusComplete})
	require.NoError(t, err)

	v, err := a.Store.GetVisit(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.ReferringVisitID)
}

func TestTabUpdated_IgnoresUnfinishedNavigation(t *testing.T) {
	a := newTestApp(t, openTestDB(t))
	a.History.Record("https://a.com", "A", visit(1, 0, time.Now(), "link"))

	rep, err := a.TabUpdated(context.Background(), browser.Tab{ID: 1, URL: "https://a.com", Status: "loading"})
	require.NoError(t, err)
	assert.Equal(t, history.CorrelationReport{}, rep)
}

func TestReimportAndPrune(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, openTestDB(t))
	now := time.Now()

	added := a.SyncHistory([]browser.Snapshot{
		{
			HistoryItem: browser.HistoryItem{ID: 9, URL: "https://a.com", Title: "A"},
			Visits:      []browser.VisitItem{visit(1, 0, now.Add(-time.Hour), "typed")},
		},
		{
			HistoryItem: browser.HistoryItem{ID: 10, URL: "https://b.com", Title: "B"},
			Visits:      []browser.VisitItem{visit(2, 1, now.Add(-30*time.Minute), "link")},
		},
	})
	assert.Equal(t, 2, added)

	report, err := a.Reimport(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.VisitsAdded)

	v, err := a.Store.GetVisit(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.ReferringVisitID)

	deleted, err := a.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)

	status, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.Stats.Visits)
	assert.Equal(t, "idle", status.Import.StateName)
}

func TestMaintenanceIsSerialized(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, openTestDB(t))

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = a.Guard.Do(ctx, "import", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	_, err := a.Prune(ctx, 0)
	assert.ErrorIs(t, err, history.ErrBusy)

	resp := a.Dispatcher.Dispatch(ctx, message.DeleteDatabase{})
	assert.Equal(t, message.CodeBusy, resp.Code)
}

func TestPurgeForgetsVisits(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, openTestDB(t))

	require.NoError(t, a.Store.AddVisit(ctx, &storage.VisitRecord{VisitID: 1, URL: "https://a.com", VisitTime: time.Now(), Transition: storage.TransitionTyped}))
	a.Resolver.Remember(1, "https://a.com", time.Now())

	require.NoError(t, a.Purge(ctx))
	assert.False(t, a.Resolver.Known(1))

	stats, err := a.Store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Visits)
}
