// Package history builds the visit graph: the live correlator threads
// navigations of open tabs into it, the importer backfills it from the
// browser's history, and the retention sweep prunes it.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sperwe/Tree-Style-History-sub000/internal/browser"
	"github.com/sperwe/Tree-Style-History-sub000/internal/metrics"
	"github.com/sperwe/Tree-Style-History-sub000/internal/storage"
)

// DefaultLiveLookback bounds how old a visit may be for the live path to
// still link it causally to the navigation that reported it.
const DefaultLiveLookback = 16 * time.Minute

// VisitWriter is the part of the record store the visit graph writes to.
type VisitWriter interface {
	AddVisit(ctx context.Context, v *storage.VisitRecord) error
}

// CorrelationReport summarizes one navigation.
type CorrelationReport struct {
	Added      int `json:"added"`
	Duplicates int `json:"duplicates"`
	Stale      int `json:"stale"`
	Failed     int `json:"failed"`
}

// Correlator threads a tab's completed navigation into the visit graph.
type Correlator struct {
	store    VisitWriter
	history  browser.History
	resolver *Resolver
	lookback time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// NewCorrelator creates a Correlator. A non-positive lookback uses DefaultLiveLookback.
func NewCorrelator(store VisitWriter, h browser.History, r *Resolver, lookback time.Duration, log *slog.Logger) *Correlator {
	if lookback <= 0 {
		lookback = DefaultLiveLookback
	}
	if log == nil {
		log = slog.Default()
	}
	return &Correlator{
		store:    store,
		history:  h,
		resolver: r,
		lookback: lookback,
		now:      time.Now,
		log:      log,
	}
}

// SetClock replaces the time source (used by tests).
func (c *Correlator) SetClock(now func() time.Time) {
	c.now = now
}

// OnNavigationComplete queries the browser's visits of tab.URL and persists
// each one not yet stored. Visits the resolver already remembers count as
// duplicates without a write. One rejected visit never stops the others;
// the returned error is reserved for the history query itself.
func (c *Correlator) OnNavigationComplete(ctx context.Context, tab browser.Tab) (CorrelationReport, error) {
	var report CorrelationReport

	if !browser.IsWebURL(tab.URL) || browser.IsInternal(tab.Title) {
		return report, nil
	}

	visits, err := c.history.GetVisits(ctx, tab.URL)
	if err != nil {
		return report, fmt.Errorf("get visits for %s: %w", tab.URL, err)
	}
	if len(visits) == 0 {
		c.log.Info("no history visits for navigation", "tab", tab.ID, "url", tab.URL)
		return report, nil
	}

	sort.Slice(visits, func(i, j int) bool {
		return visits[i].VisitTime.After(visits[j].VisitTime)
	})

	horizon := c.now().Add(-c.lookback)
	for i, v := range visits {
		if v.VisitTime.Before(horizon) {
			report.Stale = len(visits) - i
			c.log.Warn("visit arrived too late to link",
				"tab", tab.ID, "url", tab.URL, "visit", v.VisitID,
				"visit_time", v.VisitTime, "dropped", report.Stale)
			break
		}

		if c.resolver.Known(v.VisitID) {
			report.Duplicates++
			metrics.VisitFailures.WithLabelValues("duplicate").Inc()
			continue
		}

		record := &storage.VisitRecord{
			VisitID:    v.VisitID,
			URL:        tab.URL,
			VisitTime:  v.VisitTime,
			Title:      tab.Title,
			Transition: storage.Transition(v.Transition),
		}
		record.ReferringVisitID = c.resolver.Resolve(Candidate{
			TabID:           tab.ID,
			Transition:      record.Transition,
			BrowserReferrer: v.ReferringVisitID,
			InheritsOpener:  true,
		})

		switch err := c.store.AddVisit(ctx, record); {
		case err == nil:
			report.Added++
			metrics.VisitsPersisted.WithLabelValues("live").Inc()
			c.resolver.Remember(record.VisitID, record.URL, record.VisitTime)
		case errors.Is(err, storage.ErrDuplicateVisit):
			report.Duplicates++
			metrics.VisitFailures.WithLabelValues("duplicate").Inc()
			c.resolver.Remember(record.VisitID, record.URL, record.VisitTime)
		default:
			report.Failed++
			metrics.VisitFailures.WithLabelValues(failureReason(err)).Inc()
			c.log.Error("persist visit", "visit", record.VisitID, "url", record.URL, "error", err)
		}
	}

	return report, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, storage.ErrDuplicateVisit):
		return "duplicate"
	case errors.Is(err, storage.ErrForwardReference):
		return "forward_reference"
	default:
		return "storage"
	}
}
