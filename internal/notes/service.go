// Package notes attaches free-text annotations to visits.
package notes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/sperwe/Tree-Style-History-sub000/internal/metrics"
	"github.com/sperwe/Tree-Style-History-sub000/internal/storage"
)

var (
	// ErrNotReady is returned by every operation of a Service without a store.
	ErrNotReady = errors.New("notes: database not ready")
	// ErrEmptyNote rejects saving blank text.
	ErrEmptyNote = errors.New("notes: empty note")
)

// Mode is the policy for combining a new annotation with an existing note.
type Mode string

const (
	ModeAppend   Mode = "append"
	ModeReplace  Mode = "replace"
	ModeSeparate Mode = "separate"
)

// ParseMode validates a configured merge mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAppend, ModeReplace, ModeSeparate:
		return m, nil
	}
	return "", fmt.Errorf("unknown merge mode %q (want append, replace or separate)", s)
}

// Save outcomes.
const (
	StatusCreated   = "created"
	StatusAppended  = "appended"
	StatusReplaced  = "replaced"
	StatusDuplicate = "duplicate"
)

// SaveResult tells the caller where the note ended up and what happened.
type SaveResult struct {
	VisitID int64  `json:"visitId"`
	Status  string `json:"status"`
}

// Store is the part of the record store notes are kept in.
type Store interface {
	VisitsByURL(ctx context.Context, url string) ([]storage.VisitRecord, error)
	GetNote(ctx context.Context, visitID int64) (*storage.Note, error)
	NotesByURL(ctx context.Context, url string) ([]storage.Note, error)
	AllNotes(ctx context.Context) ([]storage.Note, error)
	DeleteNote(ctx context.Context, visitID int64) error
	MergeNote(ctx context.Context, visitID int64, merge func(existing *storage.Note) (*storage.Note, error)) error
}

// maxPseudoIDAttempts bounds the search for an unused pseudo visit id.
const maxPseudoIDAttempts = 1000

var errKeyTaken = errors.New("visit id already has a note")

// Service implements note attachment.
type Service struct {
	store Store
	mode  Mode
	now   func() time.Time
	log   *slog.Logger
}

// NewService creates a Service. A nil store yields a service whose every
// operation fails with ErrNotReady. An empty mode means ModeAppend.
func NewService(store Store, mode Mode, log *slog.Logger) *Service {
	if mode == "" {
		mode = ModeAppend
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, mode: mode, now: time.Now, log: log}
}

// SetClock replaces the time source (used by tests).
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) pseudoID() int64 {
	return s.now().UnixMilli()
}

// FindLatestVisitID returns the most recent visit of url. A url never
// visited, or a failed lookup, yields a pseudo id taken from the clock.
func (s *Service) FindLatestVisitID(ctx context.Context, url string) (int64, error) {
	if s.store == nil {
		return 0, ErrNotReady
	}
	visits, err := s.store.VisitsByURL(ctx, url)
	if err != nil {
		s.log.Error("lookup visits for note", "url", url, "error", err)
	}

	var latest *storage.VisitRecord
	for i := range visits {
		if latest == nil || visits[i].VisitTime.After(latest.VisitTime) {
			latest = &visits[i]
		}
	}
	if latest == nil {
		return s.pseudoID(), nil
	}
	return latest.VisitID, nil
}

func separator(at time.Time) string {
	return "\n\n--- " + at.Format("2006-01-02 15:04:05") + " ---\n\n"
}

// Save stores text on visitID according to mode. A zero visitID is resolved
// with FindLatestVisitID and an empty mode uses the service default.
func (s *Service) Save(ctx context.Context, visitID int64, url, text string, mode Mode) (SaveResult, error) {
	if s.store == nil {
		return SaveResult{}, ErrNotReady
	}
	if strings.TrimSpace(text) == "" {
		return SaveResult{}, ErrEmptyNote
	}
	if mode == "" {
		mode = s.mode
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return SaveResult{}, err
	}
	if visitID == 0 {
		id, err := s.FindLatestVisitID(ctx, url)
		if err != nil {
			return SaveResult{}, err
		}
		visitID = id
	}

	now := s.now()
	result := SaveResult{VisitID: visitID}
	occupied := false

	err := s.store.MergeNote(ctx, visitID, func(existing *storage.Note) (*storage.Note, error) {
		if existing == nil {
			result.Status = StatusCreated
			return &storage.Note{VisitID: visitID, URL: url, Note: text, UpdatedAt: now}, nil
		}

		next := *existing
		next.UpdatedAt = now
		if url != "" {
			next.URL = url
		}

		switch mode {
		case ModeReplace:
			result.Status = StatusReplaced
			next.Note = text
		case ModeSeparate:
			occupied = true
			return nil, nil
		default:
			if strings.Contains(existing.Note, text) {
				result.Status = StatusDuplicate
				return nil, nil
			}
			result.Status = StatusAppended
			next.Note = existing.Note + separator(now) + text
		}
		return &next, nil
	})
	if err != nil {
		return SaveResult{}, fmt.Errorf("save note %d: %w", visitID, err)
	}

	if occupied {
		id, err := s.saveSeparate(ctx, url, text, now)
		if err != nil {
			return SaveResult{}, err
		}
		result = SaveResult{VisitID: id, Status: StatusCreated}
	}

	metrics.NotesSaved.WithLabelValues(string(mode), result.Status).Inc()
	return result, nil
}

// saveSeparate stores text under a fresh pseudo id, bumping it until unused.
func (s *Service) saveSeparate(ctx context.Context, url, text string, now time.Time) (int64, error) {
	id := s.pseudoID()
	for i := 0; i < maxPseudoIDAttempts; i, id = i+1, id+1 {
		candidate := id
		err := s.store.MergeNote(ctx, candidate, func(existing *storage.Note) (*storage.Note, error) {
			if existing != nil {
				return nil, errKeyTaken
			}
			return &storage.Note{VisitID: candidate, URL: url, Note: text, UpdatedAt: now}, nil
		})
		if errors.Is(err, errKeyTaken) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("save separate note: %w", err)
		}
		return candidate, nil
	}
	return 0, fmt.Errorf("save separate note: no free visit id after %d attempts", maxPseudoIDAttempts)
}

// Normalize reduces a URL to scheme, host and path so that visits of one
// page with different query strings or fragments compare equal.
func Normalize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			raw = raw[:i]
		}
		return strings.TrimSuffix(raw, "/")
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + strings.TrimSuffix(u.EscapedPath(), "/")
}

// LoadByURL returns the notes of url: exact matches when there are any,
// otherwise the notes whose normalized URL matches.
func (s *Service) LoadByURL(ctx context.Context, url string) ([]storage.Note, error) {
	if s.store == nil {
		return nil, ErrNotReady
	}

	exact, err := s.store.NotesByURL(ctx, url)
	if err != nil {
		s.log.Error("load notes by url", "url", url, "error", err)
	}
	if len(exact) > 0 {
		return exact, nil
	}

	all, err := s.store.AllNotes(ctx)
	if err != nil {
		s.log.Error("scan notes", "error", err)
		return []storage.Note{}, nil
	}

	want := Normalize(url)
	matched := []storage.Note{}
	for _, n := range all {
		if Normalize(n.URL) == want {
			matched = append(matched, n)
		}
	}
	return matched, nil
}

// Exists reports whether any note matches url.
func (s *Service) Exists(ctx context.Context, url string) (bool, error) {
	found, err := s.LoadByURL(ctx, url)
	if err != nil {
		return false, err
	}
	return len(found) > 0, nil
}

// Get returns the note stored under visitID, or nil.
func (s *Service) Get(ctx context.Context, visitID int64) (*storage.Note, error) {
	if s.store == nil {
		return nil, ErrNotReady
	}
	n, err := s.store.GetNote(ctx, visitID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Error("get note", "visit", visitID, "error", err)
		}
		return nil, nil
	}
	return n, nil
}

// List returns every note, most recently updated first.
func (s *Service) List(ctx context.Context) ([]storage.Note, error) {
	if s.store == nil {
		return nil, ErrNotReady
	}
	all, err := s.store.AllNotes(ctx)
	if err != nil {
		s.log.Error("list notes", "error", err)
		return []storage.Note{}, nil
	}
	return all, nil
}

// Delete removes the note stored under visitID.
func (s *Service) Delete(ctx context.Context, visitID int64) error {
	if s.store == nil {
		return ErrNotReady
	}
	return s.store.DeleteNote(ctx, visitID)
}
