// Package message is the request/response surface the extension UI talks
// to. Requests form a closed set: every request type is declared here and
// handled by Dispatcher.Dispatch.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownAction is returned by Decode for an action no request maps to.
var ErrUnknownAction = errors.New("unknown action")

// Request is implemented only by the request types of this package.
type Request interface {
	action() string
}

// RecentTabs asks for the recency list.
type RecentTabs struct{}

// DeleteDatabase wipes every record.
type DeleteDatabase struct{}

// FindLatestVisit resolves the visit a note on URL would attach to.
type FindLatestVisit struct {
	URL string `json:"url"`
}

// SaveNote stores Text on VisitID (0 = latest visit of URL) using Mode
// ("" = configured mode).
type SaveNote struct {
	VisitID int64  `json:"visitId"`
	URL     string `json:"url"`
	Text    string `json:"text"`
	Mode    string `json:"mode"`
}

// ListNotes returns the notes of URL, exact or normalized match.
type ListNotes struct {
	URL string `json:"url"`
}

// GetNote returns the note stored under VisitID.
type GetNote struct {
	VisitID int64 `json:"visitId"`
}

// AllNotes returns every note.
type AllNotes struct{}

// DeleteNote removes the note stored under VisitID.
type DeleteNote struct {
	VisitID int64 `json:"visitId"`
}

// NoteExists reports whether URL has a note.
type NoteExists struct {
	URL string `json:"url"`
}

// Reimport runs the bulk history importer.
type Reimport struct{}

// Prune runs the retention sweep; Days 0 uses the configured horizon.
type Prune struct {
	Days int `json:"days"`
}

func (RecentTabs) action() string      { return "getRecentTabs" }
func (DeleteDatabase) action() string  { return "deleteDatabase" }
func (FindLatestVisit) action() string { return "findLatestVisitId" }
func (SaveNote) action() string        { return "saveNote" }
func (ListNotes) action() string       { return "getNotesByUrl" }
func (GetNote) action() string         { return "getNote" }
func (AllNotes) action() string        { return "getAllNotes" }
func (DeleteNote) action() string      { return "deleteNote" }
func (NoteExists) action() string      { return "checkNoteExists" }
func (Reimport) action() string        { return "reimportHistory" }
func (Prune) action() string           { return "pruneHistory" }

// Action returns the wire name of req.
func Action(req Request) string {
	return req.action()
}

var decoders = map[string]func() Request{
	"getRecentTabs":     func() Request { return &RecentTabs{} },
	"deleteDatabase":    func() Request { return &DeleteDatabase{} },
	"findLatestVisitId": func() Request { return &FindLatestVisit{} },
	"saveNote":          func() Request { return &SaveNote{} },
	"getNotesByUrl":     func() Request { return &ListNotes{} },
	"getNote":           func() Request { return &GetNote{} },
	"getAllNotes":       func() Request { return &AllNotes{} },
	"deleteNote":        func() Request { return &DeleteNote{} },
	"checkNoteExists":   func() Request { return &NoteExists{} },
	"reimportHistory":   func() Request { return &Reimport{} },
	"pruneHistory":      func() Request { return &Prune{} },
}

// Decode maps the extension's action name and JSON payload onto a typed
// request. An empty payload is accepted.
func Decode(action string, payload []byte) (Request, error) {
	newReq, ok := decoders[action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	req := newReq()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, req); err != nil {
			return nil, fmt.Errorf("decode %s: %w", action, err)
		}
	}
	return deref(req), nil
}

// DecodeEnvelope decodes a body of the form {"action": "...", ...fields}.
func DecodeEnvelope(body []byte) (Request, error) {
	var env struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return Decode(env.Action, body)
}

func deref(req Request) Request {
	switch r := req.(type) {
	case *RecentTabs:
		return *r
	case *DeleteDatabase:
		return *r
	case *FindLatestVisit:
		return *r
	case *SaveNote:
		return *r
	case *ListNotes:
		return *r
	case *GetNote:
		return *r
	case *AllNotes:
		return *r
	case *DeleteNote:
		return *r
	case *NoteExists:
		return *r
	case *Reimport:
		return *r
	case *Prune:
		return *r
	}
	return req
}
