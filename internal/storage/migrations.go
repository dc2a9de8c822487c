package storage

import (
	"database/sql"
	"fmt"
	"strings"
)

// migration is one versioned schema step.
type migration struct {
	Version int
	Name    string
	Apply   func(tx *sql.Tx) error
}

// migrations lists every schema step in version order.
var migrations = []migration{
	{Version: 1, Name: "initial_schema", Apply: migrateV001},
	{Version: 2, Name: "visit_url_time_index", Apply: migrateV002},
}

// journalModes are the SQLite journal modes accepted in configuration.
var journalModes = map[string]bool{
	"wal": true, "delete": true, "truncate": true, "persist": true, "memory": true, "off": true,
}

// MigrationRunner brings a database to the latest schema version.
type MigrationRunner struct {
	db         *sql.DB
	migrations []migration
}

// NewMigrationRunner creates a runner over db.
func NewMigrationRunner(db *sql.DB) *MigrationRunner {
	return &MigrationRunner{db: db, migrations: migrations}
}

// Run migrates with the WAL journal.
func (r *MigrationRunner) Run() error {
	return r.RunWithJournalMode("wal")
}

// RunWithJournalMode sets the journal mode and busy timeout, then applies
// every migration not yet recorded in schema_migrations, each in its own
// transaction.
func (r *MigrationRunner) RunWithJournalMode(mode string) error {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "wal"
	}
	if !journalModes[mode] {
		return fmt.Errorf("unknown journal mode %q", mode)
	}

	setup := []struct{ what, stmt string }{
		{"journal mode", "PRAGMA journal_mode = " + mode},
		{"busy timeout", "PRAGMA busy_timeout = 5000"},
		{"schema_migrations table", `CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`},
	}
	for _, s := range setup {
		if _, err := r.db.Exec(s.stmt); err != nil {
			return fmt.Errorf("set %s: %w", s.what, err)
		}
	}

	applied, err := r.appliedVersions()
	if err != nil {
		return err
	}
	for _, m := range r.migrations {
		if applied[m.Version] {
			continue
		}
		if err := r.apply(m); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// Version returns the highest applied schema version, 0 for a fresh database.
func (r *MigrationRunner) Version() (int, error) {
	var v sql.NullInt64
	if err := r.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

func (r *MigrationRunner) appliedVersions() (map[int]bool, error) {
	rows, err := r.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (r *MigrationRunner) apply(m migration) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := m.Apply(tx); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.Version, m.Name); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

// migrateV002 replaces the single-column url index with one that also
// serves the newest-first ordering of VisitsByURL.
func migrateV002(tx *sql.Tx) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_visits_url_time ON visits(url, visit_time DESC)`,
		`DROP INDEX IF EXISTS idx_visits_url`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return fmt.Errorf("migrate v002: %w", err)
		}
	}
	return nil
}
