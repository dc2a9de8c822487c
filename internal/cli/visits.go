package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sperwe/Tree-Style-History-sub000/internal/storage"
)

// maxTrailDepth bounds a referrer walk.
const maxTrailDepth = 100

type visitJSON struct {
	VisitID          int64     `json:"visit_id"`
	ReferringVisitID int64     `json:"referring_visit_id,omitempty"`
	ReferrerURL      string    `json:"referrer_url,omitempty"`
	URL              string    `json:"url"`
	Title            string    `json:"title,omitempty"`
	VisitTime        time.Time `json:"visit_time"`
	Transition       string    `json:"transition"`
}

// Execute implements the go-flags Commander interface for VisitsCommand.
func (c *VisitsCommand) Execute(args []string) error {
	if c.URL == "" && c.Trail == 0 {
		return fmt.Errorf("--url or --trail is required for visits command")
	}

	e, err := openEnv(c.globals, c.db)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.run(context.Background(), e)
}

func (c *VisitsCommand) run(ctx context.Context, e *env) error {
	var (
		visits []visitJSON
		err    error
	)
	if c.Trail != 0 {
		visits, err = c.trail(ctx, e.store)
	} else {
		visits, err = c.list(ctx, e.store)
	}
	if err != nil {
		return err
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(visits)
	}
	if len(visits) == 0 {
		fmt.Println("No visits recorded.")
		return nil
	}
	for _, v := range visits {
		fmt.Printf("%-16d %s  %-12s %s\n", v.VisitID, formatTime(v.VisitTime), v.Transition, v.URL)
		if v.ReferringVisitID != 0 {
			ref := v.ReferrerURL
			if ref == "" {
				ref = "(not stored)"
			}
			fmt.Printf("  <- %d %s\n", v.ReferringVisitID, ref)
		}
	}
	return nil
}

func toVisitJSON(ctx context.Context, store *storage.SQLiteStore, v storage.VisitRecord) visitJSON {
	out := visitJSON{
		VisitID:          v.VisitID,
		ReferringVisitID: v.ReferringVisitID,
		URL:              v.URL,
		Title:            v.Title,
		VisitTime:        v.VisitTime,
		Transition:       string(v.Transition),
	}
	if v.ReferringVisitID != 0 {
		if ref, err := store.GetVisit(ctx, v.ReferringVisitID); err == nil {
			out.ReferrerURL = ref.URL
		}
	}
	return out
}

// list returns the visits of c.URL, newest first.
func (c *VisitsCommand) list(ctx context.Context, store *storage.SQLiteStore) ([]visitJSON, error) {
	records, err := store.VisitsByURL(ctx, c.URL)
	if err != nil {
		return nil, fmt.Errorf("list visits: %w", err)
	}
	out := make([]visitJSON, 0, len(records))
	for _, r := range records {
		out = append(out, toVisitJSON(ctx, store, r))
	}
	return out, nil
}

// trail follows referrers from c.Trail back to the first visit that has
// none, or whose referrer is not stored.
func (c *VisitsCommand) trail(ctx context.Context, store *storage.SQLiteStore) ([]visitJSON, error) {
	var out []visitJSON
	seen := make(map[int64]bool)

	id := c.Trail
	for id != 0 && len(out) < maxTrailDepth && !seen[id] {
		seen[id] = true
		v, err := store.GetVisit(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			if len(out) == 0 {
				return nil, fmt.Errorf("visit %d not found", id)
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("get visit %d: %w", id, err)
		}
		out = append(out, toVisitJSON(ctx, store, *v))
		id = v.ReferringVisitID
	}
	return out, nil
}
