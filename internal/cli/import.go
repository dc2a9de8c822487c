package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sperwe/Tree-Style-History-sub000/internal/browser"
	"github.com/sperwe/Tree-Style-History-sub000/internal/history"
)

// Execute implements the go-flags Commander interface for ImportCommand.
func (c *ImportCommand) Execute(args []string) error {
	if c.From == "" {
		return fmt.Errorf("--from is required for import command")
	}

	data, err := os.ReadFile(c.From)
	if err != nil {
		return fmt.Errorf("read %s: %w", c.From, err)
	}
	var snapshots []browser.Snapshot
	if err := json.Unmarshal(data, &snapshots); err != nil {
		return fmt.Errorf("parse %s: %w", c.From, err)
	}

	e, err := openEnv(c.globals, c.db)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.run(context.Background(), e, snapshots)
}

func (c *ImportCommand) run(ctx context.Context, e *env, snapshots []browser.Snapshot) error {
	days := e.cfg.Import.LoadRangeDays
	if c.Days > 0 {
		days = c.Days
	}

	h := browser.NewMemoryHistory()
	h.Merge(snapshots)

	// Referrers already stored must resolve, so the resolver starts warm.
	r := history.NewResolver()
	known, err := e.store.VisitsSince(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		return fmt.Errorf("load stored visits: %w", err)
	}
	for _, v := range known {
		r.Remember(v.VisitID, v.URL, v.VisitTime)
	}

	report, err := history.NewImporter(e.store, h, r, days, e.log).Run(ctx)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(report)
	}
	fmt.Printf("Days scanned:    %d (%d refreshed, %d already scanned)\n", report.DaysScanned, report.DaysRefreshed, report.DaysSkipped)
	fmt.Printf("URLs registered: %d\n", report.URLsRegistered)
	fmt.Printf("URLs drained:    %d\n", report.URLsDrained)
	fmt.Printf("Visits added:    %d (%d skipped, %d failed)\n", report.VisitsAdded, report.VisitsSkipped, report.Failures)
	return nil
}
