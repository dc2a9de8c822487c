package storage

import "database/sql"

// migrateV001 creates the initial schema: close records, visits, URL
// summaries, notes, the import calendar and the meta table. Every statement
// uses IF NOT EXISTS for idempotency.
func migrateV001(tx *sql.Tx) error {
	stmts := []string{
		// ── Tables ──────────────────────────────────────────────

		`CREATE TABLE IF NOT EXISTS close_records (
			id              TEXT PRIMARY KEY,
			session_ordinal INTEGER NOT NULL,
			tab_id          INTEGER NOT NULL,
			url             TEXT NOT NULL,
			title           TEXT NOT NULL DEFAULT '',
			close_time      INTEGER NOT NULL DEFAULT 0,
			close_state     INTEGER NOT NULL DEFAULT -1
		)`,

		`CREATE TABLE IF NOT EXISTS visits (
			visit_id           INTEGER PRIMARY KEY,
			referring_visit_id INTEGER NOT NULL DEFAULT 0,
			url                TEXT NOT NULL,
			visit_time         INTEGER NOT NULL,
			title              TEXT NOT NULL DEFAULT '',
			transition         TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS url_summaries (
			url_id          INTEGER PRIMARY KEY,
			url             TEXT NOT NULL,
			title           TEXT NOT NULL DEFAULT '',
			last_visit_time INTEGER NOT NULL DEFAULT 0,
			visit_count     INTEGER NOT NULL DEFAULT 0,
			loaded_from     INTEGER,
			loaded_to       INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS notes (
			visit_id   INTEGER PRIMARY KEY,
			url        TEXT NOT NULL,
			note       TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS calendar (
			day        TEXT PRIMARY KEY,
			scanned_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		// ── Indexes ────────────────────────────────────────────

		`CREATE INDEX IF NOT EXISTS idx_close_records_state   ON close_records(close_state)`,
		`CREATE INDEX IF NOT EXISTS idx_visits_url            ON visits(url)`,
		`CREATE INDEX IF NOT EXISTS idx_visits_time           ON visits(visit_time)`,
		`CREATE INDEX IF NOT EXISTS idx_visits_referrer       ON visits(referring_visit_id)`,
		`CREATE INDEX IF NOT EXISTS idx_visits_title          ON visits(title)`,
		`CREATE INDEX IF NOT EXISTS idx_visits_transition     ON visits(transition)`,
		`CREATE INDEX IF NOT EXISTS idx_url_summaries_url     ON url_summaries(url)`,
		`CREATE INDEX IF NOT EXISTS idx_url_summaries_last    ON url_summaries(last_visit_time)`,
		`CREATE INDEX IF NOT EXISTS idx_url_summaries_title   ON url_summaries(title)`,
		`CREATE INDEX IF NOT EXISTS idx_url_summaries_loaded  ON url_summaries(loaded_from, loaded_to)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_url             ON notes(url)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_updated         ON notes(updated_at)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	_, err := tx.Exec(`INSERT OR IGNORE INTO meta (key, value) VALUES ('session_counter', '0')`)
	return err
}
