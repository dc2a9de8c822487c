// Package browser describes the slice of the browser's tab and history APIs
// the visit graph consumes. The browser itself is an external collaborator:
// tab events arrive as Tab values and history is queried through History.
package browser

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// StatusComplete is the tab status reported once a navigation finished loading.
const StatusComplete = "complete"

// Tab is the payload of a tab lifecycle event.
type Tab struct {
	ID          int    `json:"id"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	OpenerTabID int    `json:"openerTabId,omitempty"`
	Status      string `json:"status,omitempty"`
}

// HistoryItem is one distinct URL returned by a history search.
type HistoryItem struct {
	ID            int64     `json:"urlId"`
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	LastVisitTime time.Time `json:"lastVisitTime"`
	VisitCount    int       `json:"visitCount"`
}

// VisitItem is one visit of a URL as reported by the browser.
type VisitItem struct {
	VisitID          int64     `json:"visitId"`
	ReferringVisitID int64     `json:"referringVisitId"`
	VisitTime        time.Time `json:"visitTime"`
	Transition       string    `json:"transition"`
}

// Query bounds a history search to [StartTime, EndTime).
type Query struct {
	Text       string
	StartTime  time.Time
	EndTime    time.Time
	MaxResults int // 0 = unlimited
}

// History is the read-only oracle over the browser's navigation history.
type History interface {
	Search(ctx context.Context, q Query) ([]HistoryItem, error)
	GetVisits(ctx context.Context, url string) ([]VisitItem, error)
}

var webURL = regexp.MustCompile(`^https?://`)

// IsWebURL reports whether url uses the http or https scheme.
func IsWebURL(url string) bool {
	return webURL.MatchString(url)
}

var internalPrefixes = []string{
	"chrome://",
	"chrome-extension://",
	"edge://",
	"about:",
	"moz-extension://",
	"view-source:",
	"data:",
}

// IsInternal reports whether s (a URL or a title) names a browser-internal page.
func IsInternal(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range internalPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
