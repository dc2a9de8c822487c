package browser

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryHistory is a History kept in memory. The daemon fills it from
// history snapshots pushed by the extension; tests use it as a fixture.
type MemoryHistory struct {
	mu     sync.RWMutex
	items  map[string]*HistoryItem
	visits map[string][]VisitItem
	nextID int64
}

// NewMemoryHistory returns an empty history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{
		items:  make(map[string]*HistoryItem),
		visits: make(map[string][]VisitItem),
	}
}

// Record adds a visit of url. The item's last visit time and count follow
// the recorded visits; a visit id already present for url is ignored.
func (h *MemoryHistory) Record(url, title string, v VisitItem) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recordLocked(0, url, title, v)
}

func (h *MemoryHistory) recordLocked(urlID int64, url, title string, v VisitItem) {
	item, ok := h.items[url]
	if !ok {
		if urlID == 0 {
			h.nextID++
			urlID = h.nextID
		} else if urlID > h.nextID {
			h.nextID = urlID
		}
		item = &HistoryItem{ID: urlID, URL: url}
		h.items[url] = item
	}
	if title != "" {
		item.Title = title
	}

	for _, existing := range h.visits[url] {
		if existing.VisitID == v.VisitID {
			return
		}
	}
	h.visits[url] = append(h.visits[url], v)
	item.VisitCount++
	if v.VisitTime.After(item.LastVisitTime) {
		item.LastVisitTime = v.VisitTime
	}
}

// Snapshot is one URL with its visits as pushed by the extension.
type Snapshot struct {
	HistoryItem
	Visits []VisitItem `json:"visits"`
}

// Merge folds snapshots into the history and returns how many new visits were added.
func (h *MemoryHistory) Merge(snapshots []Snapshot) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	added := 0
	for _, s := range snapshots {
		before := len(h.visits[s.URL])
		for _, v := range s.Visits {
			h.recordLocked(s.ID, s.URL, s.Title, v)
		}
		added += len(h.visits[s.URL]) - before
		if item, ok := h.items[s.URL]; ok && s.VisitCount > item.VisitCount {
			item.VisitCount = s.VisitCount
		}
	}
	return added
}

// Search returns the items with at least one visit inside the query window.
func (h *MemoryHistory) Search(_ context.Context, q Query) ([]HistoryItem, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []HistoryItem
	for url, item := range h.items {
		if !h.visitedWithin(url, q.StartTime, q.EndTime) {
			continue
		}
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastVisitTime.After(out[j].LastVisitTime)
	})
	if q.MaxResults > 0 && len(out) > q.MaxResults {
		out = out[:q.MaxResults]
	}
	return out, nil
}

func (h *MemoryHistory) visitedWithin(url string, start, end time.Time) bool {
	for _, v := range h.visits[url] {
		if !start.IsZero() && v.VisitTime.Before(start) {
			continue
		}
		if !end.IsZero() && !v.VisitTime.Before(end) {
			continue
		}
		return true
	}
	return false
}

// GetVisits returns a copy of the visits of url in recording order.
func (h *MemoryHistory) GetVisits(_ context.Context, url string) ([]VisitItem, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	visits := h.visits[url]
	out := make([]VisitItem, len(visits))
	copy(out, visits)
	return out, nil
}
