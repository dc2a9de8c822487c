package history

import (
	"sync"
	"time"

	"github.com/sperwe/Tree-Style-History-sub000/internal/storage"
)

// Candidate carries what is known about a freshly observed visit when its
// referrer is resolved.
type Candidate struct {
	TabID           int // 0 when no live tab is involved (backfill)
	Transition      storage.Transition
	BrowserReferrer int64 // referringVisitId supplied by the browser, 0 if none
	InheritsOpener  bool  // false for backfilled history
}

type latestVisit struct {
	id int64
	at time.Time
}

// Resolver decides which prior visit caused a new one. It owns the per-tab
// opener and previous-URL caches and the URL to visit id maps.
type Resolver struct {
	mu sync.RWMutex

	openerURL   map[int]string
	previousURL map[int]string
	urlToVisit  map[string]latestVisit
	visitToURL  map[int64]string
}

// NewResolver returns a resolver with empty caches.
func NewResolver() *Resolver {
	return &Resolver{
		openerURL:   make(map[int]string),
		previousURL: make(map[int]string),
		urlToVisit:  make(map[string]latestVisit),
		visitToURL:  make(map[int64]string),
	}
}

// InheritOpener records the URL of the tab that spawned tabID.
func (r *Resolver) InheritOpener(tabID int, openerURL string) {
	if openerURL == "" {
		return
	}
	r.mu.Lock()
	r.openerURL[tabID] = openerURL
	r.mu.Unlock()
}

// NotePrevious records the URL tabID showed before its latest navigation.
func (r *Resolver) NotePrevious(tabID int, previousURL string) {
	if previousURL == "" {
		return
	}
	r.mu.Lock()
	r.previousURL[tabID] = previousURL
	r.mu.Unlock()
}

// ForgetTab drops both per-tab caches for a closed tab.
func (r *Resolver) ForgetTab(tabID int) {
	r.mu.Lock()
	delete(r.openerURL, tabID)
	delete(r.previousURL, tabID)
	r.mu.Unlock()
}

// Remember associates a persisted visit with its URL. The visit id to URL
// association is first-writer-wins; the URL to visit association only moves
// forward in time. Both make repeated or interleaved calls harmless.
func (r *Resolver) Remember(visitID int64, url string, at time.Time) {
	if visitID == 0 || url == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, known := r.visitToURL[visitID]; known {
		return
	}
	r.visitToURL[visitID] = url

	if cur, ok := r.urlToVisit[url]; !ok || !at.Before(cur.at) {
		r.urlToVisit[url] = latestVisit{id: visitID, at: at}
	}
}

// Evict forgets pruned visits.
func (r *Resolver) Evict(ids ...int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		url, ok := r.visitToURL[id]
		if !ok {
			continue
		}
		delete(r.visitToURL, id)
		if cur, ok := r.urlToVisit[url]; ok && cur.id == id {
			delete(r.urlToVisit, url)
		}
	}
}

// ForgetVisits drops every remembered visit; the per-tab caches are kept.
func (r *Resolver) ForgetVisits() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urlToVisit = make(map[string]latestVisit)
	r.visitToURL = make(map[int64]string)
}

// visitForURL returns the latest known visit id of url.
func (r *Resolver) visitForURL(url string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.urlToVisit[url]
	return v.id, ok
}

// Known reports whether visitID has been persisted and remembered.
func (r *Resolver) Known(visitID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.visitToURL[visitID]
	return ok
}

// Resolve applies the referrer rules in order, first applicable wins:
//
//  1. user-initiated transitions have no referrer;
//  2. the opener tab's URL, when resolvable, is a candidate;
//  3. a browser-supplied referrer wins over the opener candidate when it is
//     known, otherwise the opener candidate is used;
//  4. a link navigation falls back to the tab's previous URL;
//  5. otherwise there is no referrer.
//
// The per-tab caches are only consulted for a live tab (TabID > 0).
// Resolve does not mutate any cache.
func (r *Resolver) Resolve(c Candidate) int64 {
	if c.Transition.IsUserInitiated() {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	live := c.TabID > 0

	var fromOpener int64
	if live && c.InheritsOpener {
		if url, ok := r.openerURL[c.TabID]; ok {
			if v, ok := r.urlToVisit[url]; ok {
				fromOpener = v.id
			}
		}
	}

	if c.BrowserReferrer != 0 {
		if _, ok := r.visitToURL[c.BrowserReferrer]; ok {
			return c.BrowserReferrer
		}
	}
	if fromOpener != 0 {
		return fromOpener
	}

	if live && c.Transition == storage.TransitionLink {
		if url, ok := r.previousURL[c.TabID]; ok {
			if v, ok := r.urlToVisit[url]; ok {
				return v.id
			}
		}
	}

	return 0
}

// Size reports the number of remembered visits.
func (r *Resolver) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.visitToURL)
}
