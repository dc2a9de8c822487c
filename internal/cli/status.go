package cli

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sperwe/Tree-Style-History-sub000/internal/storage"
)

// statusJSON is the JSON output structure for the status command.
type statusJSON struct {
	Version           string         `json:"version"`
	DatabasePath      string         `json:"database_path,omitempty"`
	DatabaseSizeBytes int64          `json:"database_size_bytes"`
	Stats             *storage.Stats `json:"stats"`
	RetentionDays     int            `json:"retention_days"`
	LoadRangeDays     int            `json:"load_range_days"`
	MergeMode         string         `json:"merge_mode"`
	DaemonAddr        string         `json:"daemon_addr"`
	DaemonRunning     bool           `json:"daemon_running"`
}

// Execute implements the go-flags Commander interface for StatusCommand.
func (c *StatusCommand) Execute(args []string) error {
	e, err := openEnv(c.globals, c.db)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.run(context.Background(), e)
}

func (c *StatusCommand) run(ctx context.Context, e *env) error {
	stats, err := e.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	out := statusJSON{
		Version:           c.version,
		DatabasePath:      e.dbPath,
		DatabaseSizeBytes: getDatabaseSize(e.db, e.dbPath),
		Stats:             stats,
		RetentionDays:     e.cfg.Retention.Days,
		LoadRangeDays:     e.cfg.Import.LoadRangeDays,
		MergeMode:         e.cfg.Notes.MergeMode,
		DaemonAddr:        e.cfg.Daemon.Addr(),
		DaemonRunning:     checkDaemon(e.cfg.Daemon.Addr()),
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(out)
	}
	printStatusHuman(out)
	return nil
}

func printStatusHuman(out statusJSON) {
	s := out.Stats
	fmt.Println("Tree Style History Status")
	fmt.Println("=========================")
	fmt.Printf("Version:       %s\n", out.Version)
	if out.DatabasePath != "" {
		fmt.Printf("Database:      %s (%s)\n", out.DatabasePath, formatBytes(out.DatabaseSizeBytes))
	} else {
		fmt.Printf("Database:      %s\n", formatBytes(out.DatabaseSizeBytes))
	}
	fmt.Printf("Visits:        %s\n", formatNumber(s.Visits))
	fmt.Printf("URLs:          %s\n", formatNumber(s.URLSummaries))
	fmt.Printf("Notes:         %s\n", formatNumber(s.Notes))
	fmt.Printf("Close records: %s (%s open)\n", formatNumber(s.CloseRecords), formatNumber(s.OpenTabs))
	fmt.Printf("Sessions:      %s\n", formatNumber(s.SessionsSoFar))
	fmt.Printf("Scanned days:  %s\n", formatNumber(s.ScannedDays))

	if s.Visits > 0 {
		fmt.Printf("Oldest:        %s\n", s.OldestVisit.Local().Format("2006-01-02"))
		fmt.Printf("Newest:        %s\n", s.NewestVisit.Local().Format("2006-01-02"))
	}

	fmt.Printf("Retention:     %d days\n", out.RetentionDays)
	fmt.Printf("Import range:  %d days\n", out.LoadRangeDays)
	fmt.Printf("Merge mode:    %s\n", out.MergeMode)

	if len(s.TopReferrers) > 0 {
		fmt.Println()
		fmt.Println("Top Referrers:")
		for _, r := range s.TopReferrers {
			fmt.Printf("  %-40s %s\n", r.URL, formatNumber(r.Count))
		}
	}

	fmt.Println()
	if out.DaemonRunning {
		fmt.Printf("Daemon:        running on %s\n", out.DaemonAddr)
	} else {
		fmt.Println("Daemon:        not running")
	}
}

// getDatabaseSize returns the database file size in bytes.
// For on-disk databases, it uses os.Stat. For in-memory databases,
// it queries page_count * page_size.
func getDatabaseSize(db *sql.DB, dbPath string) int64 {
	if dbPath != "" {
		if info, err := os.Stat(dbPath); err == nil {
			return info.Size()
		}
	}

	var pageCount, pageSize int64
	if err := db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0
	}
	if err := db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0
	}
	return pageCount * pageSize
}

// checkDaemon probes the daemon's health endpoint.
// Returns true if the daemon responds within 1 second.
func checkDaemon(addr string) bool {
	client := &http.Client{Timeout: 1 * time.Second}
	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// formatBytes formats a byte count into a human-readable string.
func formatBytes(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
