package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sperwe/Tree-Style-History-sub000/internal/notes"
	"github.com/sperwe/Tree-Style-History-sub000/internal/storage"
)

type noteJSON struct {
	VisitID   int64     `json:"visit_id"`
	URL       string    `json:"url"`
	Note      string    `json:"note"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newNoteService(e *env) (*notes.Service, error) {
	mode, err := notes.ParseMode(e.cfg.Notes.MergeMode)
	if err != nil {
		return nil, err
	}
	return notes.NewService(e.store, mode, e.log), nil
}

// Execute implements the go-flags Commander interface for NotesListCommand.
func (c *NotesListCommand) Execute(args []string) error {
	e, err := openEnv(c.globals, c.db)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.run(context.Background(), e)
}

func (c *NotesListCommand) run(ctx context.Context, e *env) error {
	svc, err := newNoteService(e)
	if err != nil {
		return err
	}

	var list []storage.Note
	if c.URL != "" {
		list, err = svc.LoadByURL(ctx, c.URL)
	} else {
		list, err = svc.List(ctx)
	}
	if err != nil {
		return err
	}

	out := make([]noteJSON, 0, len(list))
	for _, n := range list {
		out = append(out, noteJSON{VisitID: n.VisitID, URL: n.URL, Note: n.Note, UpdatedAt: n.UpdatedAt})
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(out)
	}
	if len(out) == 0 {
		fmt.Println("No notes.")
		return nil
	}
	for i, n := range out {
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("[%d] %s  (%s)\n", n.VisitID, n.URL, formatTime(n.UpdatedAt))
		for _, line := range strings.Split(n.Note, "\n") {
			fmt.Printf("    %s\n", line)
		}
	}
	return nil
}

// Execute implements the go-flags Commander interface for NotesAddCommand.
func (c *NotesAddCommand) Execute(args []string) error {
	if c.URL == "" {
		return fmt.Errorf("--url is required for notes add")
	}
	if strings.TrimSpace(c.Text) == "" {
		return fmt.Errorf("--text is required for notes add")
	}
	var mode notes.Mode
	if c.Mode != "" {
		m, err := notes.ParseMode(c.Mode)
		if err != nil {
			return err
		}
		mode = m
	}

	e, err := openEnv(c.globals, c.db)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.run(context.Background(), e, mode)
}

func (c *NotesAddCommand) run(ctx context.Context, e *env, mode notes.Mode) error {
	svc, err := newNoteService(e)
	if err != nil {
		return err
	}
	res, err := svc.Save(ctx, c.VisitID, c.URL, c.Text, mode)
	if err != nil {
		return err
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(res)
	}
	fmt.Printf("Note %s on visit %d.\n", res.Status, res.VisitID)
	return nil
}

// Execute implements the go-flags Commander interface for NotesDeleteCommand.
func (c *NotesDeleteCommand) Execute(args []string) error {
	if c.VisitID == 0 {
		return fmt.Errorf("--visit is required for notes delete")
	}

	e, err := openEnv(c.globals, c.db)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.run(context.Background(), e)
}

func (c *NotesDeleteCommand) run(ctx context.Context, e *env) error {
	svc, err := newNoteService(e)
	if err != nil {
		return err
	}
	if err := svc.Delete(ctx, c.VisitID); err != nil {
		return fmt.Errorf("delete note %d: %w", c.VisitID, err)
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(map[string]interface{}{"deleted": true, "visit_id": c.VisitID})
	}
	fmt.Printf("Deleted note on visit %d.\n", c.VisitID)
	return nil
}
