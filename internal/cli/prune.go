package cli

import (
	"context"
	"fmt"

	"github.com/sperwe/Tree-Style-History-sub000/internal/history"
)

type pruneJSON struct {
	Horizon string `json:"horizon"`
	DryRun  bool   `json:"dry_run"`
	Deleted int64  `json:"deleted"`
	Expired int    `json:"expired,omitempty"`
}

// Execute implements the go-flags Commander interface for PruneCommand.
func (c *PruneCommand) Execute(args []string) error {
	e, err := openEnv(c.globals, c.db)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.run(context.Background(), e)
}

func (c *PruneCommand) run(ctx context.Context, e *env) error {
	horizon := e.cfg.Retention.Horizon()
	if c.OlderThan != "" {
		d, err := parseDuration(c.OlderThan)
		if err != nil {
			return err
		}
		horizon = d
	}

	rt := history.NewRetention(e.store, nil, e.cfg.Retention.BatchSize, e.log)
	out := pruneJSON{Horizon: formatDurationHuman(horizon), DryRun: c.DryRun}

	if c.DryRun {
		ids, err := rt.Expired(ctx, horizon)
		if err != nil {
			return fmt.Errorf("list expired visits: %w", err)
		}
		out.Expired = len(ids)
	} else {
		n, err := rt.Sweep(ctx, horizon)
		out.Deleted = n
		if err != nil {
			return fmt.Errorf("prune (deleted %d before failing): %w", n, err)
		}
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(out)
	}
	if c.DryRun {
		fmt.Printf("Would prune %s visits older than %s.\n", formatNumber(int64(out.Expired)), out.Horizon)
		return nil
	}
	fmt.Printf("Pruned %s visits older than %s.\n", formatNumber(out.Deleted), out.Horizon)
	return nil
}
