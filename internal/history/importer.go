package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sperwe/Tree-Style-History-sub000/internal/browser"
	"github.com/sperwe/Tree-Style-History-sub000/internal/metrics"
	"github.com/sperwe/Tree-Style-History-sub000/internal/storage"
)

// dayKeyLayout formats the calendar key of a scanned day.
const dayKeyLayout = "2006-01-02"

// ImportState is the position of the importer in its day-by-day walk.
type ImportState int

const (
	StateIdle ImportState = iota
	StateScanningDay
	StateExtractingURL
	StateFetchingVisits
	StateDrainingVisits
)

func (s ImportState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanningDay:
		return "scanning_day"
	case StateExtractingURL:
		return "extracting_url"
	case StateFetchingVisits:
		return "fetching_visits"
	case StateDrainingVisits:
		return "draining_visits"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Progress is a snapshot of a running import.
type Progress struct {
	State      ImportState `json:"-"`
	StateName  string      `json:"state"`
	DateID     int         `json:"dateId"`
	URLIndex   int         `json:"urlIndex"`
	VisitIndex int         `json:"visitIndex"`
	Remaining  int         `json:"remaining"`
}

// ImportReport summarizes one importer run.
type ImportReport struct {
	DaysScanned    int `json:"daysScanned"`
	DaysRefreshed  int `json:"daysRefreshed"`
	DaysSkipped    int `json:"daysSkipped"`
	URLsRegistered int `json:"urlsRegistered"`
	URLsDrained    int `json:"urlsDrained"`
	VisitsAdded    int `json:"visitsAdded"`
	VisitsSkipped  int `json:"visitsSkipped"`
	Failures       int `json:"failures"`
}

// ImportStore is the part of the record store the importer uses.
type ImportStore interface {
	VisitWriter
	GetURLSummary(ctx context.Context, urlID int64) (*storage.URLSummary, error)
	PutURLSummary(ctx context.Context, u *storage.URLSummary) error
	ListURLSummaries(ctx context.Context) ([]storage.URLSummary, error)
	LoadCalendar(ctx context.Context) (map[string]time.Time, error)
	SaveCalendar(ctx context.Context, days map[string]time.Time) error
}

// Importer backfills the visit graph from the browser's full history,
// walking backward one day at a time. Every unit of work is watermarked, so
// an interrupted run resumes where it stopped when started again.
type Importer struct {
	store         ImportStore
	history       browser.History
	resolver      *Resolver
	loadRangeDays int
	now           func() time.Time
	log           *slog.Logger

	mu       sync.Mutex
	progress Progress
}

// NewImporter creates an Importer walking loadRangeDays days back from today.
func NewImporter(store ImportStore, h browser.History, r *Resolver, loadRangeDays int, log *slog.Logger) *Importer {
	if log == nil {
		log = slog.Default()
	}
	return &Importer{
		store:         store,
		history:       h,
		resolver:      r,
		loadRangeDays: loadRangeDays,
		now:           time.Now,
		log:           log,
		progress:      Progress{State: StateIdle, StateName: StateIdle.String()},
	}
}

// SetClock replaces the time source (used by tests).
func (im *Importer) SetClock(now func() time.Time) {
	im.now = now
}

// Progress returns the current position of the importer.
func (im *Importer) Progress() Progress {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.progress
}

func (im *Importer) enter(state ImportState, dateID, urlIndex, visitIndex int) {
	im.mu.Lock()
	im.progress.State = state
	im.progress.StateName = state.String()
	im.progress.DateID = dateID
	im.progress.URLIndex = urlIndex
	im.progress.VisitIndex = visitIndex
	im.mu.Unlock()
}

func (im *Importer) setRemaining(n int) {
	im.mu.Lock()
	im.progress.Remaining = n
	im.mu.Unlock()
	metrics.ImportRemaining.Set(float64(n))
}

// endOfDay returns the midnight that ends t's day.
func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
}

// Run performs one full import: the day walk that registers URL summaries,
// then the drain that imports visits for every summary whose watermark is
// missing or stale. Storage or history failures of single days, URLs or
// visits are logged and counted; only failing to read the calendar or the
// summary list aborts the run.
func (im *Importer) Run(ctx context.Context) (*ImportReport, error) {
	report := &ImportReport{}
	defer im.enter(StateIdle, 0, 0, 0)

	scanAt := im.now()
	dayEnd := endOfDay(scanAt)
	depth := dayEnd.AddDate(0, 0, -im.loadRangeDays)

	calendar, err := im.store.LoadCalendar(ctx)
	if err != nil {
		return report, fmt.Errorf("load calendar: %w", err)
	}

	for dateID := 0; dateID < im.loadRangeDays; dateID++ {
		if err := ctx.Err(); err != nil {
			im.saveCalendar(ctx, calendar, report)
			return report, err
		}
		im.scanDay(ctx, dateID, dayEnd, scanAt, calendar, report)
	}
	im.saveCalendar(ctx, calendar, report)

	summaries, err := im.store.ListURLSummaries(ctx)
	if err != nil {
		return report, fmt.Errorf("list url summaries: %w", err)
	}

	var pending []storage.URLSummary
	for _, s := range summaries {
		if needsDrain(&s, depth) {
			pending = append(pending, s)
		}
	}
	// Least recently visited first, so referrers are usually remembered
	// before the visits pointing at them.
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].LastVisitTime.Before(pending[j].LastVisitTime)
	})

	im.setRemaining(len(pending))
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		im.drainURL(ctx, i, &pending[i], depth, report)
		im.setRemaining(len(pending) - i - 1)
	}

	im.log.Info("history import finished",
		"days_scanned", report.DaysScanned, "days_refreshed", report.DaysRefreshed,
		"days_skipped", report.DaysSkipped,
		"urls_drained", report.URLsDrained, "visits_added", report.VisitsAdded,
		"failures", report.Failures)
	return report, nil
}

func (im *Importer) saveCalendar(ctx context.Context, calendar map[string]time.Time, report *ImportReport) {
	if err := im.store.SaveCalendar(ctx, calendar); err != nil {
		report.Failures++
		im.log.Error("save import calendar", "error", err)
	}
}

// scanDay registers the URLs visited on day dateID (0 = today). A day
// scanned after it ended advances with an empty result set. A day scanned
// before it ended is searched again from its last scan time on, so visits
// made later that day still get their URLs registered.
func (im *Importer) scanDay(ctx context.Context, dateID int, dayEnd, scanAt time.Time, calendar map[string]time.Time, report *ImportReport) {
	im.enter(StateScanningDay, dateID, 0, 0)

	end := dayEnd.AddDate(0, 0, -dateID)
	start := end.AddDate(0, 0, -1)
	key := start.Format(dayKeyLayout)

	var items []browser.HistoryItem
	scannedAt, seen := calendar[key]
	if seen && !scannedAt.Before(end) {
		report.DaysSkipped++
	} else {
		from := start
		if seen && scannedAt.After(start) {
			from = scannedAt
		}
		var err error
		items, err = im.history.Search(ctx, browser.Query{StartTime: from, EndTime: end})
		if err != nil {
			report.Failures++
			im.log.Error("search history day", "day", key, "error", err)
			return
		}
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].VisitCount > items[j].VisitCount
		})
		if seen {
			report.DaysRefreshed++
		} else {
			report.DaysScanned++
		}
		calendar[key] = scanAt
	}

	for i, item := range items {
		im.enter(StateExtractingURL, dateID, i, 0)
		if !browser.IsWebURL(item.URL) {
			continue
		}
		if err := im.register(ctx, item); err != nil {
			report.Failures++
			im.log.Error("register url", "url", item.URL, "error", err)
			continue
		}
		report.URLsRegistered++
	}
}

// register refreshes the summary of item, keeping its watermark.
func (im *Importer) register(ctx context.Context, item browser.HistoryItem) error {
	summary, err := im.store.GetURLSummary(ctx, item.ID)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		summary = &storage.URLSummary{URLID: item.ID}
	default:
		return err
	}

	summary.URL = item.URL
	if item.Title != "" {
		summary.Title = item.Title
	}
	if item.LastVisitTime.After(summary.LastVisitTime) {
		summary.LastVisitTime = item.LastVisitTime
	}
	if item.VisitCount > summary.VisitCount {
		summary.VisitCount = item.VisitCount
	}
	return im.store.PutURLSummary(ctx, summary)
}

// needsDrain reports whether visits of s still have to be imported down to depth.
func needsDrain(s *storage.URLSummary, depth time.Time) bool {
	if !s.HasWatermark() {
		return true
	}
	return s.LoadedTo.Before(s.LastVisitTime) || s.LoadedFrom.After(depth)
}

// drainURL imports the visits of one URL newest first. Visits inside the
// watermark are skipped; the first visit older than depth ends the walk.
// The watermark is only advanced when no visit failed transiently, so a
// later run retries them.
func (im *Importer) drainURL(ctx context.Context, urlIndex int, s *storage.URLSummary, depth time.Time, report *ImportReport) {
	im.enter(StateFetchingVisits, 0, urlIndex, 0)

	visits, err := im.history.GetVisits(ctx, s.URL)
	if err != nil {
		report.Failures++
		im.log.Error("get visits", "url", s.URL, "error", err)
		return
	}
	sort.Slice(visits, func(i, j int) bool {
		return visits[i].VisitTime.After(visits[j].VisitTime)
	})

	retry := false
	for j, v := range visits {
		im.enter(StateDrainingVisits, 0, urlIndex, j)

		if v.VisitTime.Before(depth) {
			break
		}
		if s.Covers(v.VisitTime) {
			report.VisitsSkipped++
			continue
		}

		record := &storage.VisitRecord{
			VisitID:    v.VisitID,
			URL:        s.URL,
			VisitTime:  v.VisitTime,
			Title:      s.Title,
			Transition: storage.Transition(v.Transition),
		}
		record.ReferringVisitID = im.resolver.Resolve(Candidate{
			Transition:      record.Transition,
			BrowserReferrer: v.ReferringVisitID,
		})

		switch err := im.store.AddVisit(ctx, record); {
		case err == nil:
			report.VisitsAdded++
			metrics.VisitsPersisted.WithLabelValues("import").Inc()
			im.resolver.Remember(record.VisitID, record.URL, record.VisitTime)
		case errors.Is(err, storage.ErrDuplicateVisit):
			report.VisitsSkipped++
			im.resolver.Remember(record.VisitID, record.URL, record.VisitTime)
		case errors.Is(err, storage.ErrForwardReference):
			report.Failures++
			metrics.VisitFailures.WithLabelValues("forward_reference").Inc()
			im.log.Warn("visit references a newer visit", "visit", record.VisitID, "error", err)
		default:
			report.Failures++
			retry = true
			metrics.VisitFailures.WithLabelValues("storage").Inc()
			im.log.Error("persist visit", "visit", record.VisitID, "url", record.URL, "error", err)
		}
	}

	if retry {
		return
	}

	top := s.LastVisitTime
	if len(visits) > 0 && visits[0].VisitTime.After(top) {
		top = visits[0].VisitTime
	}
	s.LoadedFrom, s.LoadedTo = mergeWatermark(s.LoadedFrom, s.LoadedTo, depth, top)
	if err := im.store.PutURLSummary(ctx, s); err != nil {
		report.Failures++
		im.log.Error("write watermark", "url", s.URL, "error", err)
		return
	}
	report.URLsDrained++
}

// mergeWatermark combines the previous watermark [from, to] with the range
// [depth, top] just imported. Ranges that do not touch are not merged, the
// gap between them was never imported.
func mergeWatermark(from, to, depth, top time.Time) (time.Time, time.Time) {
	if top.Before(depth) {
		top = depth
	}
	if from.IsZero() || to.IsZero() || to.Before(depth) {
		return depth, top
	}
	if from.After(depth) {
		from = depth
	}
	if top.After(to) {
		to = top
	}
	return from, to
}
