package message

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sperwe/Tree-Style-History-sub000/internal/history"
	"github.com/sperwe/Tree-Style-History-sub000/internal/notes"
	"github.com/sperwe/Tree-Style-History-sub000/internal/storage"
	"github.com/sperwe/Tree-Style-History-sub000/internal/tabs"
)

// Error codes carried by a failed Response.
const (
	CodeInvalid  = "invalid"
	CodeNotFound = "not_found"
	CodeNotReady = "not_ready"
	CodeBusy     = "busy"
	CodeInternal = "internal"
)

// Response is the reply to every request.
type Response struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Code  string      `json:"code,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// TabSource exposes the recency list.
type TabSource interface {
	Recent() []tabs.OpenTab
}

// NoteService is the note attachment surface.
type NoteService interface {
	FindLatestVisitID(ctx context.Context, url string) (int64, error)
	Save(ctx context.Context, visitID int64, url, text string, mode notes.Mode) (notes.SaveResult, error)
	LoadByURL(ctx context.Context, url string) ([]storage.Note, error)
	Get(ctx context.Context, visitID int64) (*storage.Note, error)
	List(ctx context.Context) ([]storage.Note, error)
	Delete(ctx context.Context, visitID int64) error
	Exists(ctx context.Context, url string) (bool, error)
}

// Maintenance runs the jobs that rewrite the database in bulk.
type Maintenance interface {
	Purge(ctx context.Context) error
	Reimport(ctx context.Context) (*history.ImportReport, error)
	Prune(ctx context.Context, days int) (int64, error)
}

// NoteView is the wire form of a note.
type NoteView struct {
	VisitID   int64  `json:"visitId"`
	URL       string `json:"url"`
	Note      string `json:"note"`
	UpdatedAt int64  `json:"updatedAt"`
}

func toView(n storage.Note) NoteView {
	return NoteView{VisitID: n.VisitID, URL: n.URL, Note: n.Note, UpdatedAt: n.UpdatedAt.UnixMilli()}
}

func toViews(list []storage.Note) []NoteView {
	out := make([]NoteView, 0, len(list))
	for _, n := range list {
		out = append(out, toView(n))
	}
	return out
}

// Dispatcher answers requests.
type Dispatcher struct {
	tabs  TabSource
	notes NoteService
	maint Maintenance
	log   *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(t TabSource, n NoteService, m Maintenance, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{tabs: t, notes: n, maint: m, log: log}
}

// Dispatch handles req. It never returns a nil Response; failures are
// reported in the Response itself.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	data, err := d.handle(ctx, req)
	if err != nil {
		code := errorCode(err)
		if code == CodeInternal {
			d.log.Error("message failed", "action", Action(req), "error", err)
		}
		return Response{Error: err.Error(), Code: code}
	}
	return Response{OK: true, Data: data}
}

func (d *Dispatcher) handle(ctx context.Context, req Request) (interface{}, error) {
	switch r := req.(type) {
	case RecentTabs:
		return d.tabs.Recent(), nil

	case DeleteDatabase:
		return nil, d.maint.Purge(ctx)

	case FindLatestVisit:
		id, err := d.notes.FindLatestVisitID(ctx, r.URL)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"visitId": id}, nil

	case SaveNote:
		var mode notes.Mode
		if r.Mode != "" {
			m, err := notes.ParseMode(r.Mode)
			if err != nil {
				return nil, invalid(err)
			}
			mode = m
		}
		res, err := d.notes.Save(ctx, r.VisitID, r.URL, r.Text, mode)
		if errors.Is(err, notes.ErrEmptyNote) {
			return nil, invalid(err)
		}
		return res, err

	case ListNotes:
		list, err := d.notes.LoadByURL(ctx, r.URL)
		if err != nil {
			return nil, err
		}
		return toViews(list), nil

	case GetNote:
		n, err := d.notes.Get(ctx, r.VisitID)
		if err != nil || n == nil {
			return nil, err
		}
		return toView(*n), nil

	case AllNotes:
		list, err := d.notes.List(ctx)
		if err != nil {
			return nil, err
		}
		return toViews(list), nil

	case DeleteNote:
		return nil, d.notes.Delete(ctx, r.VisitID)

	case NoteExists:
		ok, err := d.notes.Exists(ctx, r.URL)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"exists": ok}, nil

	case Reimport:
		return d.maint.Reimport(ctx)

	case Prune:
		if r.Days < 0 {
			return nil, invalid(errors.New("days must not be negative"))
		}
		n, err := d.maint.Prune(ctx, r.Days)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"deleted": n}, nil
	}
	return nil, invalid(ErrUnknownAction)
}

type invalidError struct{ err error }

func (e invalidError) Error() string { return e.err.Error() }
func (e invalidError) Unwrap() error { return e.err }

func invalid(err error) error { return invalidError{err} }

func errorCode(err error) string {
	var inv invalidError
	switch {
	case errors.As(err, &inv):
		return CodeInvalid
	case errors.Is(err, notes.ErrNotReady):
		return CodeNotReady
	case errors.Is(err, history.ErrBusy):
		return CodeBusy
	case errors.Is(err, storage.ErrNotFound):
		return CodeNotFound
	}
	return CodeInternal
}
