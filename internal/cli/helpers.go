package cli

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sperwe/Tree-Style-History-sub000/internal/app"
	"github.com/sperwe/Tree-Style-History-sub000/internal/config"
	"github.com/sperwe/Tree-Style-History-sub000/internal/logging"
	"github.com/sperwe/Tree-Style-History-sub000/internal/storage"
)

// env is what a command runs against: the loaded config and a migrated store.
type env struct {
	cfg    *config.Config
	store  *storage.SQLiteStore
	db     *sql.DB
	log    *slog.Logger
	dbPath string
	owned  bool
}

// loadConfig reads --config when given, otherwise the default config file
// (created with defaults when missing).
func loadConfig(g *GlobalFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g != nil && g.Config != "" {
		cfg, err = config.Load(g.Config)
	} else {
		cfg, err = config.LoadOrCreate()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openEnv opens the configured database and runs migrations. An injected
// db (tests) is used as is, with default config unless --config is given.
// Commands work on the store directly and never start a tab session, so
// they are safe to run next to a live daemon.
func openEnv(g *GlobalFlags, injected *sql.DB) (*env, error) {
	var (
		cfg *config.Config
		err error
	)
	if injected != nil && (g == nil || g.Config == "") {
		cfg = config.DefaultConfig()
	} else if cfg, err = loadConfig(g); err != nil {
		return nil, err
	}

	verbose := g != nil && g.Verbose
	log, err := logging.New(os.Stderr, cfg.Logging, verbose)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, log: log, db: injected}
	if injected == nil {
		path, err := cfg.DBPath()
		if err != nil {
			return nil, err
		}
		db, err := app.OpenDB(path)
		if err != nil {
			return nil, err
		}
		e.db, e.dbPath, e.owned = db, path, true
	}

	if err := storage.NewMigrationRunner(e.db).RunWithJournalMode(cfg.Storage.SQLiteJournalMode); err != nil {
		e.closeDB()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	store, err := storage.NewSQLiteStore(e.db)
	if err != nil {
		e.closeDB()
		return nil, fmt.Errorf("create store: %w", err)
	}
	e.store = store
	return e, nil
}

func (e *env) closeDB() {
	if e.owned {
		e.db.Close()
	}
}

// Close releases the store and, unless injected, the database.
func (e *env) Close() {
	e.store.Close()
	e.closeDB()
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseDuration parses a human-friendly duration string like "30d", "7d", "24h", "2w".
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("invalid duration: empty string")
	}

	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	suffix := s[len(s)-1]
	numStr := s[:len(s)-1]

	n, err := strconv.Atoi(numStr)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	switch suffix {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	default:
		return 0, fmt.Errorf("invalid duration: %q (use d, h, w, or m suffix)", s)
	}
}

// formatDurationHuman formats a duration into a human-readable string like "30 days".
func formatDurationHuman(d time.Duration) string {
	days := int(d.Hours() / 24)
	if days > 0 {
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	hours := int(d.Hours())
	if hours > 0 {
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	return d.String()
}

// formatNumber formats an int64 with comma separators.
func formatNumber(n int64) string {
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		result.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if i > 0 {
			result.WriteString(",")
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}

// formatTime renders t in local time, or "-" for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
