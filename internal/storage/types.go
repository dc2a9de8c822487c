package storage

import (
	"fmt"
	"time"
)

// Close states recorded on a CloseRecord. Negative values mean the tab is
// still open, zero is a normal close, positive values were reconciled at
// startup from a stale open record.
const (
	CloseStateOpen    = -1
	CloseStateUpdated = -2
	CloseStateClosed  = 0
)

// CloseRecord is the persisted audit trail of one tab within one session.
type CloseRecord struct {
	ID             string
	SessionOrdinal int64
	TabID          int
	URL            string
	Title          string
	CloseTime      time.Time // zero while the tab is open
	CloseState     int
}

// CloseRecordID builds the composite key "{sessionOrdinal}_{tabId}".
func CloseRecordID(sessionOrdinal int64, tabID int) string {
	return fmt.Sprintf("%d_%d", sessionOrdinal, tabID)
}

// Transition is the browser's classification of what caused a navigation.
type Transition string

const (
	TransitionLink             Transition = "link"
	TransitionTyped            Transition = "typed"
	TransitionAutoBookmark     Transition = "auto_bookmark"
	TransitionAutoSubframe     Transition = "auto_subframe"
	TransitionManualSubframe   Transition = "manual_subframe"
	TransitionGenerated        Transition = "generated"
	TransitionAutoToplevel     Transition = "auto_toplevel"
	TransitionFormSubmit       Transition = "form_submit"
	TransitionReload           Transition = "reload"
	TransitionKeyword          Transition = "keyword"
	TransitionKeywordGenerated Transition = "keyword_generated"
)

// IsUserInitiated reports whether the navigation has no causal parent page.
// Visits with such a transition never carry a referrer.
func (t Transition) IsUserInitiated() bool {
	switch t {
	case TransitionTyped, TransitionAutoBookmark, TransitionKeyword, TransitionKeywordGenerated:
		return true
	}
	return false
}

// VisitRecord is one node of the visit graph.
type VisitRecord struct {
	VisitID          int64
	ReferringVisitID int64 // 0 = no known referrer
	URL              string
	VisitTime        time.Time
	Title            string
	Transition       Transition
}

// URLSummary tracks one distinct URL seen by the bulk importer together with
// the watermark of visits already imported for it.
type URLSummary struct {
	URLID         int64
	URL           string
	Title         string
	LastVisitTime time.Time
	VisitCount    int
	LoadedFrom    time.Time // zero = nothing imported yet
	LoadedTo      time.Time
}

// HasWatermark reports whether any visits were imported for this URL.
func (u *URLSummary) HasWatermark() bool {
	return !u.LoadedFrom.IsZero() && !u.LoadedTo.IsZero()
}

// Covers reports whether t falls inside the imported watermark.
func (u *URLSummary) Covers(t time.Time) bool {
	if !u.HasWatermark() {
		return false
	}
	return !t.Before(u.LoadedFrom) && !t.After(u.LoadedTo)
}

// Note is a Markdown annotation keyed by visit id.
type Note struct {
	VisitID   int64
	URL       string
	Note      string
	UpdatedAt time.Time
}

// Stats holds aggregate counts about the database.
type Stats struct {
	OpenTabs      int64           `json:"openTabs"`
	CloseRecords  int64           `json:"closeRecords"`
	Visits        int64           `json:"visits"`
	URLSummaries  int64           `json:"urlSummaries"`
	Notes         int64           `json:"notes"`
	ScannedDays   int64           `json:"scannedDays"`
	OldestVisit   time.Time       `json:"oldestVisit"`
	NewestVisit   time.Time       `json:"newestVisit"`
	TopReferrers  []ReferrerCount `json:"topReferrers"`
	SessionsSoFar int64           `json:"sessionsSoFar"`
}

// ReferrerCount pairs a referring URL with how many visits it spawned.
type ReferrerCount struct {
	URL   string `json:"url"`
	Count int64  `json:"count"`
}

// toMillis converts t to epoch milliseconds; the zero time maps to 0.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMillis is the inverse of toMillis.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
