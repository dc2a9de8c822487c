// Package app wires the record store, the tab tracker, the visit graph and
// the note service into one running instance.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sperwe/Tree-Style-History-sub000/internal/browser"
	"github.com/sperwe/Tree-Style-History-sub000/internal/config"
	"github.com/sperwe/Tree-Style-History-sub000/internal/history"
	"github.com/sperwe/Tree-Style-History-sub000/internal/message"
	"github.com/sperwe/Tree-Style-History-sub000/internal/notes"
	"github.com/sperwe/Tree-Style-History-sub000/internal/storage"
	"github.com/sperwe/Tree-Style-History-sub000/internal/tabs"
)

// App is one running instance over one database.
type App struct {
	Config     *config.Config
	Store      *storage.SQLiteStore
	History    *browser.MemoryHistory
	Resolver   *history.Resolver
	Tracker    *tabs.Tracker
	Correlator *history.Correlator
	Importer   *history.Importer
	Retention  *history.Retention
	Guard      *history.Guard
	Notes      *notes.Service
	Dispatcher *message.Dispatcher
	Session    int64

	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

// OpenDB opens the SQLite database at path, creating its directory.
func OpenDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// Open opens the configured database and starts a new session on it.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	path, err := cfg.DBPath()
	if err != nil {
		return nil, err
	}
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	a, err := New(ctx, db, cfg, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// New migrates db and wires every component on it. Startup resolves the
// session ordinal, reconciles close records left open by earlier sessions
// and warms the resolver with visits inside the import range. App takes
// ownership of db.
func New(ctx context.Context, db *sql.DB, cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := storage.NewMigrationRunner(db).RunWithJournalMode(cfg.Storage.SQLiteJournalMode); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	store, err := storage.NewSQLiteStore(db)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	session, err := store.NextSessionOrdinal(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}

	mode, err := notes.ParseMode(cfg.Notes.MergeMode)
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Store:    store,
		History:  browser.NewMemoryHistory(),
		Resolver: history.NewResolver(),
		Guard:    &history.Guard{},
		Session:  session,
		db:       db,
		log:      log,
		now:      time.Now,
	}

	a.Tracker = tabs.NewTracker(store, a.Resolver, session, tabs.Options{
		RecentLimit:   cfg.Tabs.RecentLimit,
		RecordUpdates: cfg.Tabs.RecordUpdates,
	}, log.With("component", "tabs"))
	a.Correlator = history.NewCorrelator(store, a.History, a.Resolver, cfg.Import.LiveLookback(), log.With("component", "correlator"))
	a.Importer = history.NewImporter(store, a.History, a.Resolver, cfg.Import.LoadRangeDays, log.With("component", "importer"))
	a.Retention = history.NewRetention(store, a.Resolver, cfg.Retention.BatchSize, log.With("component", "retention"))
	a.Notes = notes.NewService(store, mode, log.With("component", "notes"))
	a.Dispatcher = message.NewDispatcher(a.Tracker, a.Notes, a, log.With("component", "message"))

	if _, err := a.Tracker.Reconcile(ctx); err != nil {
		log.Error("reconcile close records", "error", err)
	}
	if err := a.warmResolver(ctx); err != nil {
		log.Error("warm referrer cache", "error", err)
	}

	log.Info("session started", "session", session, "remembered_visits", a.Resolver.Size())
	return a, nil
}

func (a *App) warmResolver(ctx context.Context) error {
	since := a.now().AddDate(0, 0, -a.Config.Import.LoadRangeDays)
	visits, err := a.Store.VisitsSince(ctx, since)
	if err != nil {
		return err
	}
	for _, v := range visits {
		a.Resolver.Remember(v.VisitID, v.URL, v.VisitTime)
	}
	return nil
}

// Close releases the store and the database.
func (a *App) Close() error {
	if err := a.Store.Close(); err != nil {
		a.db.Close()
		return err
	}
	return a.db.Close()
}

// TabOpened handles a tab creation event.
func (a *App) TabOpened(ctx context.Context, tab browser.Tab) error {
	return a.Tracker.OnTabOpened(ctx, tab)
}

// TabUpdated handles a tab update event. A finished navigation is threaded
// into the visit graph even when the close record could not be written.
func (a *App) TabUpdated(ctx context.Context, tab browser.Tab) (history.CorrelationReport, error) {
	changed, err := a.Tracker.OnTabUpdated(ctx, tab)
	if err != nil {
		a.log.Error("track tab update", "tab", tab.ID, "error", err)
	}
	if tab.Status != browser.StatusComplete {
		return history.CorrelationReport{}, nil
	}

	report, err := a.Correlator.OnNavigationComplete(ctx, tab)
	if err != nil {
		return report, err
	}
	a.log.Debug("navigation correlated", "tab", tab.ID, "url_changed", changed,
		"added", report.Added, "duplicates", report.Duplicates, "stale", report.Stale)
	return report, nil
}

// TabClosed handles a tab removal event.
func (a *App) TabClosed(ctx context.Context, tabID int) error {
	return a.Tracker.OnTabClosed(ctx, tabID)
}

// TabActivated handles a tab activation event.
func (a *App) TabActivated(tabID int) {
	a.Tracker.OnTabActivated(tabID)
}

// RecentTabs returns the recency list.
func (a *App) RecentTabs() []tabs.OpenTab {
	return a.Tracker.Recent()
}

// Dispatch answers a message from the extension UI.
func (a *App) Dispatch(ctx context.Context, req message.Request) message.Response {
	return a.Dispatcher.Dispatch(ctx, req)
}

// SyncHistory folds history pushed by the extension into the history oracle.
func (a *App) SyncHistory(snapshots []browser.Snapshot) int {
	return a.History.Merge(snapshots)
}

// Purge deletes every record. It shares the guard with import and prune.
func (a *App) Purge(ctx context.Context) error {
	return a.Guard.Do(ctx, "purge", func(ctx context.Context) error {
		if err := a.Store.PurgeAll(ctx); err != nil {
			return err
		}
		a.Resolver.ForgetVisits()
		a.log.Warn("database purged")
		return nil
	})
}

// Reimport runs the bulk history importer.
func (a *App) Reimport(ctx context.Context) (*history.ImportReport, error) {
	var report *history.ImportReport
	err := a.Guard.Do(ctx, "import", func(ctx context.Context) error {
		var err error
		report, err = a.Importer.Run(ctx)
		return err
	})
	return report, err
}

// Prune removes visits older than days, or the configured horizon when
// days is 0.
func (a *App) Prune(ctx context.Context, days int) (int64, error) {
	horizon := a.Config.Retention.Horizon()
	if days > 0 {
		horizon = time.Duration(days) * 24 * time.Hour
	}

	var deleted int64
	err := a.Guard.Do(ctx, "prune", func(ctx context.Context) error {
		var err error
		deleted, err = a.Retention.Sweep(ctx, horizon)
		return err
	})
	return deleted, err
}

// Status summarizes the database and the running session.
type Status struct {
	Session      int64            `json:"session"`
	OpenTabs     int              `json:"openTabs"`
	Remembered   int              `json:"rememberedVisits"`
	Import       history.Progress `json:"import"`
	Maintenance  string           `json:"maintenance,omitempty"`
	Stats        *storage.Stats   `json:"stats"`
	DatabasePath string           `json:"databasePath,omitempty"`
}

// Status collects a Status.
func (a *App) Status(ctx context.Context) (*Status, error) {
	stats, err := a.Store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	path, _ := a.Config.DBPath()
	return &Status{
		Session:      a.Session,
		OpenTabs:     a.Tracker.Len(),
		Remembered:   a.Resolver.Size(),
		Import:       a.Importer.Progress(),
		Maintenance:  a.Guard.Running(),
		Stats:        stats,
		DatabasePath: path,
	}, nil
}
