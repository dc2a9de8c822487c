// Package tabs tracks the browser's open tabs, keeps the recency list shown
// in the popup and writes the close-record audit trail.
package tabs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/sperwe/Tree-Style-History-sub000/internal/browser"
	"github.com/sperwe/Tree-Style-History-sub000/internal/metrics"
	"github.com/sperwe/Tree-Style-History-sub000/internal/storage"
)

// DefaultRecentLimit caps the recency list.
const DefaultRecentLimit = 100

// CloseStore is the part of the record store the tracker writes to.
type CloseStore interface {
	PutCloseRecord(ctx context.Context, rec *storage.CloseRecord) error
	CloseRecordsByState(ctx context.Context, open bool) ([]storage.CloseRecord, error)
}

// Lineage receives the per-tab facts the referrer resolver needs.
type Lineage interface {
	InheritOpener(tabID int, openerURL string)
	NotePrevious(tabID int, previousURL string)
	ForgetTab(tabID int)
}

// Options tune the tracker.
type Options struct {
	RecentLimit   int
	RecordUpdates bool
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{RecentLimit: DefaultRecentLimit, RecordUpdates: true}
}

// OpenTab is a tab currently open in the browser.
type OpenTab struct {
	ID          int       `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	OpenerTabID int       `json:"openerTabId,omitempty"`
	OpenedAt    time.Time `json:"openedAt"`
}

// ShouldRecord reports whether a tab showing url with title gets a close record.
func ShouldRecord(url, title string) bool {
	return browser.IsWebURL(url) && url != title && title != ""
}

// Tracker maintains the open tabs of one session.
type Tracker struct {
	store   CloseStore
	lineage Lineage
	session int64
	opts    Options
	now     func() time.Time
	log     *slog.Logger

	mu     sync.Mutex
	open   map[int]*OpenTab
	recent []int // most recent first
}

// NewTracker creates a tracker writing close records for session.
// lineage may be nil.
func NewTracker(store CloseStore, lineage Lineage, session int64, opts Options, log *slog.Logger) *Tracker {
	if opts.RecentLimit <= 0 || opts.RecentLimit > DefaultRecentLimit {
		opts.RecentLimit = DefaultRecentLimit
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		store:   store,
		lineage: lineage,
		session: session,
		opts:    opts,
		now:     time.Now,
		log:     log,
		open:    make(map[int]*OpenTab),
	}
}

// SetClock replaces the time source (used by tests).
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Session returns the session ordinal close records are written under.
func (t *Tracker) Session() int64 {
	return t.session
}

func (t *Tracker) put(ctx context.Context, tab *OpenTab, state int, closeTime time.Time) error {
	rec := &storage.CloseRecord{
		SessionOrdinal: t.session,
		TabID:          tab.ID,
		URL:            tab.URL,
		Title:          tab.Title,
		CloseTime:      closeTime,
		CloseState:     state,
	}
	if err := t.store.PutCloseRecord(ctx, rec); err != nil {
		return fmt.Errorf("write close record %s: %w", storage.CloseRecordID(t.session, tab.ID), err)
	}
	metrics.CloseRecords.WithLabelValues(strconv.Itoa(state)).Inc()
	return nil
}

// OnTabOpened registers tab. A close record in the open state is written
// when the tab passes ShouldRecord.
func (t *Tracker) OnTabOpened(ctx context.Context, tab browser.Tab) error {
	ot := &OpenTab{
		ID:          tab.ID,
		URL:         tab.URL,
		Title:       tab.Title,
		OpenerTabID: tab.OpenerTabID,
		OpenedAt:    t.now(),
	}

	t.mu.Lock()
	var openerURL string
	if opener, ok := t.open[tab.OpenerTabID]; ok && tab.OpenerTabID != tab.ID {
		openerURL = opener.URL
	}
	t.open[tab.ID] = ot
	metrics.OpenTabs.Set(float64(len(t.open)))
	t.mu.Unlock()

	if t.lineage != nil && openerURL != "" {
		t.lineage.InheritOpener(tab.ID, openerURL)
	}

	if !ShouldRecord(tab.URL, tab.Title) {
		return nil
	}
	return t.put(ctx, ot, storage.CloseStateOpen, time.Time{})
}

// OnTabClosed forgets tabID and marks its close record closed.
func (t *Tracker) OnTabClosed(ctx context.Context, tabID int) error {
	t.mu.Lock()
	ot, ok := t.open[tabID]
	if ok {
		delete(t.open, tabID)
		t.removeRecentLocked(tabID)
		metrics.OpenTabs.Set(float64(len(t.open)))
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}
	if t.lineage != nil {
		t.lineage.ForgetTab(tabID)
	}
	if !ShouldRecord(ot.URL, ot.Title) {
		return nil
	}
	return t.put(ctx, ot, storage.CloseStateClosed, t.now())
}

// OnTabUpdated applies a finished navigation of a tracked tab. It reports
// whether the URL changed, which is when the caller should correlate the
// navigation with history.
func (t *Tracker) OnTabUpdated(ctx context.Context, tab browser.Tab) (bool, error) {
	if tab.Status != browser.StatusComplete {
		return false, nil
	}

	t.mu.Lock()
	ot, ok := t.open[tab.ID]
	if !ok {
		t.mu.Unlock()
		return false, nil
	}
	prevURL, prevTitle := ot.URL, ot.Title
	if tab.URL != "" {
		ot.URL = tab.URL
	}
	ot.Title = tab.Title
	t.touchLocked(tab.ID)
	snapshot := *ot
	t.mu.Unlock()

	urlChanged := snapshot.URL != prevURL
	if urlChanged && t.lineage != nil {
		t.lineage.NotePrevious(tab.ID, prevURL)
	}

	changed := urlChanged || snapshot.Title != prevTitle
	if changed && t.opts.RecordUpdates && ShouldRecord(snapshot.URL, snapshot.Title) {
		if err := t.put(ctx, &snapshot, storage.CloseStateUpdated, time.Time{}); err != nil {
			return urlChanged, err
		}
	}
	return urlChanged, nil
}

// OnTabActivated moves a tracked tab to the front of the recency list.
func (t *Tracker) OnTabActivated(tabID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.open[tabID]; ok {
		t.touchLocked(tabID)
	}
}

func (t *Tracker) touchLocked(tabID int) {
	t.removeRecentLocked(tabID)
	t.recent = append(t.recent, 0)
	copy(t.recent[1:], t.recent)
	t.recent[0] = tabID
	if len(t.recent) > t.opts.RecentLimit {
		t.recent = t.recent[:t.opts.RecentLimit]
	}
}

func (t *Tracker) removeRecentLocked(tabID int) {
	for i, id := range t.recent {
		if id == tabID {
			t.recent = append(t.recent[:i], t.recent[i+1:]...)
			return
		}
	}
}

// Recent returns a copy of the recency list, most recent first.
func (t *Tracker) Recent() []OpenTab {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]OpenTab, 0, len(t.recent))
	for _, id := range t.recent {
		if ot, ok := t.open[id]; ok {
			out = append(out, *ot)
		}
	}
	return out
}

// tracked returns the tracked tab with id.
func (t *Tracker) tracked(id int) (OpenTab, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ot, ok := t.open[id]
	if !ok {
		return OpenTab{}, false
	}
	return *ot, true
}

// Len reports the number of tracked tabs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// Reconcile closes the records left open by earlier sessions: their
// negative state is flipped positive and the close time set to now. It
// returns how many records were reconciled.
func (t *Tracker) Reconcile(ctx context.Context) (int, error) {
	stale, err := t.store.CloseRecordsByState(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("list open close records: %w", err)
	}

	now := t.now()
	n := 0
	for i := range stale {
		rec := &stale[i]
		if rec.SessionOrdinal >= t.session {
			continue
		}
		rec.CloseState = -rec.CloseState
		rec.CloseTime = now
		if err := t.store.PutCloseRecord(ctx, rec); err != nil {
			t.log.Error("reconcile close record", "id", rec.ID, "error", err)
			continue
		}
		metrics.CloseRecords.WithLabelValues(strconv.Itoa(rec.CloseState)).Inc()
		n++
	}
	if n > 0 {
		t.log.Info("reconciled stale close records", "count", n)
	}
	return n, nil
}
