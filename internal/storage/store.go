package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateVisit is returned by AddVisit when the visit id is already stored.
	ErrDuplicateVisit = errors.New("duplicate visit id")

	// ErrForwardReference is returned by AddVisit when the referring visit is
	// stored with a visit time later than the new visit.
	ErrForwardReference = errors.New("referring visit is newer than visit")
)

// Store defines the record operations the visit graph, tab tracker and
// note attachment rely on.
type Store interface {
	PutCloseRecord(ctx context.Context, rec *CloseRecord) error
	GetCloseRecord(ctx context.Context, id string) (*CloseRecord, error)
	CloseRecordsByState(ctx context.Context, open bool) ([]CloseRecord, error)

	AddVisit(ctx context.Context, v *VisitRecord) error
	GetVisit(ctx context.Context, visitID int64) (*VisitRecord, error)
	VisitsByURL(ctx context.Context, url string) ([]VisitRecord, error)
	VisitsSince(ctx context.Context, since time.Time) ([]VisitRecord, error)
	VisitIDsBefore(ctx context.Context, before time.Time) ([]int64, error)
	DeleteVisits(ctx context.Context, ids []int64) (int64, error)

	PutURLSummary(ctx context.Context, u *URLSummary) error
	GetURLSummary(ctx context.Context, urlID int64) (*URLSummary, error)
	ListURLSummaries(ctx context.Context) ([]URLSummary, error)

	LoadCalendar(ctx context.Context) (map[string]time.Time, error)
	SaveCalendar(ctx context.Context, days map[string]time.Time) error

	NextSessionOrdinal(ctx context.Context) (int64, error)

	GetNote(ctx context.Context, visitID int64) (*Note, error)
	NotesByURL(ctx context.Context, url string) ([]Note, error)
	AllNotes(ctx context.Context) ([]Note, error)
	DeleteNote(ctx context.Context, visitID int64) error
	MergeNote(ctx context.Context, visitID int64, merge func(existing *Note) (*Note, error)) error

	Stats(ctx context.Context) (*Stats, error)
	PurgeAll(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store backed by a SQLite database. It is the single
// writer for every collection: mutations of one collection are serialized by
// that collection's mutex.
type SQLiteStore struct {
	db *sql.DB

	// Prepared statements
	putCloseRecord *sql.Stmt
	getCloseRecord *sql.Stmt
	getVisit       *sql.Stmt
	getURLSummary  *sql.Stmt
	getNote        *sql.Stmt

	closeMu    sync.Mutex
	visitMu    sync.Mutex
	summaryMu  sync.Mutex
	noteMu     sync.Mutex
	calendarMu sync.Mutex
	metaMu     sync.Mutex
}

// NewSQLiteStore creates a new SQLiteStore from an already-opened and migrated database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}

	if err := s.prepareStatements(); err != nil {
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.putCloseRecord, err = s.db.Prepare(`
		INSERT INTO close_records (id, session_ordinal, tab_id, url, title, close_time, close_state)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			title = excluded.title,
			close_time = excluded.close_time,
			close_state = excluded.close_state
	`)
	if err != nil {
		return err
	}

	s.getCloseRecord, err = s.db.Prepare(`
		SELECT id, session_ordinal, tab_id, url, title, close_time, close_state
		FROM close_records WHERE id = ?
	`)
	if err != nil {
		return err
	}

	s.getVisit, err = s.db.Prepare(`
		SELECT visit_id, referring_visit_id, url, visit_time, title, transition
		FROM visits WHERE visit_id = ?
	`)
	if err != nil {
		return err
	}

	s.getURLSummary, err = s.db.Prepare(`
		SELECT url_id, url, title, last_visit_time, visit_count, loaded_from, loaded_to
		FROM url_summaries WHERE url_id = ?
	`)
	if err != nil {
		return err
	}

	s.getNote, err = s.db.Prepare(`
		SELECT visit_id, url, note, updated_at FROM notes WHERE visit_id = ?
	`)
	if err != nil {
		return err
	}

	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// isConstraintError reports whether err is a SQLite primary key or unique violation.
func isConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// ── Close records ─────────────────────────────────────────────

// PutCloseRecord inserts rec or updates it in place when the id exists.
func (s *SQLiteStore) PutCloseRecord(ctx context.Context, rec *CloseRecord) error {
	if rec.ID == "" {
		rec.ID = CloseRecordID(rec.SessionOrdinal, rec.TabID)
	}

	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	_, err := s.putCloseRecord.ExecContext(ctx,
		rec.ID, rec.SessionOrdinal, rec.TabID, rec.URL, rec.Title,
		toMillis(rec.CloseTime), rec.CloseState,
	)
	if err != nil {
		return fmt.Errorf("put close record: %w", err)
	}
	return nil
}

func scanCloseRecord(row rowScanner) (*CloseRecord, error) {
	var rec CloseRecord
	var closeTime int64
	if err := row.Scan(
		&rec.ID, &rec.SessionOrdinal, &rec.TabID, &rec.URL, &rec.Title,
		&closeTime, &rec.CloseState,
	); err != nil {
		return nil, err
	}
	rec.CloseTime = fromMillis(closeTime)
	return &rec, nil
}

// GetCloseRecord retrieves a close record by its composite id.
func (s *SQLiteStore) GetCloseRecord(ctx context.Context, id string) (*CloseRecord, error) {
	rec, err := scanCloseRecord(s.getCloseRecord.QueryRowContext(ctx, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("close record %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get close record: %w", err)
	}
	return rec, nil
}

// CloseRecordsByState returns records still marked open (negative state)
// when open is true, otherwise the closed or reconciled ones.
func (s *SQLiteStore) CloseRecordsByState(ctx context.Context, open bool) ([]CloseRecord, error) {
	query := `SELECT id, session_ordinal, tab_id, url, title, close_time, close_state
		FROM close_records WHERE close_state >= 0 ORDER BY close_time DESC`
	if open {
		query = `SELECT id, session_ordinal, tab_id, url, title, close_time, close_state
			FROM close_records WHERE close_state < 0 ORDER BY session_ordinal, tab_id`
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query close records: %w", err)
	}
	defer rows.Close()

	records := []CloseRecord{}
	for rows.Next() {
		rec, err := scanCloseRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan close record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// ── Visits ────────────────────────────────────────────────────

// AddVisit inserts a new visit. It never overwrites: an existing visit id
// yields ErrDuplicateVisit. A referrer that is already stored with a later
// visit time yields ErrForwardReference. Referrers that are not stored (for
// example pruned by retention) are accepted.
func (s *SQLiteStore) AddVisit(ctx context.Context, v *VisitRecord) error {
	s.visitMu.Lock()
	defer s.visitMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if v.ReferringVisitID != 0 {
		var refTime int64
		err := tx.QueryRowContext(ctx,
			"SELECT visit_time FROM visits WHERE visit_id = ?", v.ReferringVisitID,
		).Scan(&refTime)
		switch {
		case err == nil:
			if refTime > toMillis(v.VisitTime) {
				return fmt.Errorf("visit %d -> %d: %w", v.VisitID, v.ReferringVisitID, ErrForwardReference)
			}
		case errors.Is(err, sql.ErrNoRows):
		default:
			return fmt.Errorf("lookup referrer: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO visits (visit_id, referring_visit_id, url, visit_time, title, transition)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		v.VisitID, v.ReferringVisitID, v.URL, toMillis(v.VisitTime), v.Title, string(v.Transition),
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("visit %d: %w", v.VisitID, ErrDuplicateVisit)
		}
		return fmt.Errorf("insert visit: %w", err)
	}

	return tx.Commit()
}

func scanVisit(row rowScanner) (*VisitRecord, error) {
	var v VisitRecord
	var visitTime int64
	var transition string
	if err := row.Scan(&v.VisitID, &v.ReferringVisitID, &v.URL, &visitTime, &v.Title, &transition); err != nil {
		return nil, err
	}
	v.VisitTime = fromMillis(visitTime)
	v.Transition = Transition(transition)
	return &v, nil
}

// GetVisit retrieves a single visit by id.
func (s *SQLiteStore) GetVisit(ctx context.Context, visitID int64) (*VisitRecord, error) {
	v, err := scanVisit(s.getVisit.QueryRowContext(ctx, visitID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("visit %d: %w", visitID, ErrNotFound)
		}
		return nil, fmt.Errorf("get visit: %w", err)
	}
	return v, nil
}

// VisitsByURL returns every visit of url, newest first.
func (s *SQLiteStore) VisitsByURL(ctx context.Context, url string) ([]VisitRecord, error) {
	return s.scanVisits(ctx, `
		SELECT visit_id, referring_visit_id, url, visit_time, title, transition
		FROM visits WHERE url = ? ORDER BY visit_time DESC`, url)
}

// VisitsSince returns visits at or after since, oldest first.
func (s *SQLiteStore) VisitsSince(ctx context.Context, since time.Time) ([]VisitRecord, error) {
	return s.scanVisits(ctx, `
		SELECT visit_id, referring_visit_id, url, visit_time, title, transition
		FROM visits WHERE visit_time >= ? ORDER BY visit_time ASC`, toMillis(since))
}

// scanVisits executes a query and scans results into a VisitRecord slice.
func (s *SQLiteStore) scanVisits(ctx context.Context, query string, args ...interface{}) ([]VisitRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	defer rows.Close()

	visits := []VisitRecord{}
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		visits = append(visits, *v)
	}
	return visits, rows.Err()
}

// VisitIDsBefore lists the ids of visits strictly older than before.
func (s *SQLiteStore) VisitIDsBefore(ctx context.Context, before time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT visit_id FROM visits WHERE visit_time < ? ORDER BY visit_time ASC", toMillis(before),
	)
	if err != nil {
		return nil, fmt.Errorf("query expired visits: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteVisits removes the given visits in a single transaction.
func (s *SQLiteStore) DeleteVisits(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	s.visitMu.Lock()
	defer s.visitMu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, "DELETE FROM visits WHERE visit_id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("delete visits: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	return n, tx.Commit()
}

// ── URL summaries ─────────────────────────────────────────────

// PutURLSummary inserts or replaces the summary for u.URLID.
func (s *SQLiteStore) PutURLSummary(ctx context.Context, u *URLSummary) error {
	s.summaryMu.Lock()
	defer s.summaryMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO url_summaries (url_id, url, title, last_visit_time, visit_count, loaded_from, loaded_to)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url_id) DO UPDATE SET
			url = excluded.url,
			title = excluded.title,
			last_visit_time = excluded.last_visit_time,
			visit_count = excluded.visit_count,
			loaded_from = excluded.loaded_from,
			loaded_to = excluded.loaded_to`,
		u.URLID, u.URL, u.Title, toMillis(u.LastVisitTime), u.VisitCount,
		nullableMillis(u.LoadedFrom), nullableMillis(u.LoadedTo),
	)
	if err != nil {
		return fmt.Errorf("put url summary: %w", err)
	}
	return nil
}

func nullableMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func scanURLSummary(row rowScanner) (*URLSummary, error) {
	var u URLSummary
	var lastVisit int64
	var loadedFrom, loadedTo sql.NullInt64
	if err := row.Scan(&u.URLID, &u.URL, &u.Title, &lastVisit, &u.VisitCount, &loadedFrom, &loadedTo); err != nil {
		return nil, err
	}
	u.LastVisitTime = fromMillis(lastVisit)
	if loadedFrom.Valid {
		u.LoadedFrom = fromMillis(loadedFrom.Int64)
	}
	if loadedTo.Valid {
		u.LoadedTo = fromMillis(loadedTo.Int64)
	}
	return &u, nil
}

// GetURLSummary retrieves the summary for a browser-assigned url id.
func (s *SQLiteStore) GetURLSummary(ctx context.Context, urlID int64) (*URLSummary, error) {
	u, err := scanURLSummary(s.getURLSummary.QueryRowContext(ctx, urlID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("url summary %d: %w", urlID, ErrNotFound)
		}
		return nil, fmt.Errorf("get url summary: %w", err)
	}
	return u, nil
}

// ListURLSummaries returns all summaries, most recently visited first.
func (s *SQLiteStore) ListURLSummaries(ctx context.Context) ([]URLSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url_id, url, title, last_visit_time, visit_count, loaded_from, loaded_to
		FROM url_summaries ORDER BY last_visit_time DESC, url_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query url summaries: %w", err)
	}
	defer rows.Close()

	summaries := []URLSummary{}
	for rows.Next() {
		u, err := scanURLSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan url summary: %w", err)
		}
		summaries = append(summaries, *u)
	}
	return summaries, rows.Err()
}

// ── Calendar & meta ──────────────────────────────────────────

// LoadCalendar returns the days already scanned by the importer and when
// each was last scanned.
func (s *SQLiteStore) LoadCalendar(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT day, scanned_at FROM calendar")
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}
	defer rows.Close()

	days := make(map[string]time.Time)
	for rows.Next() {
		var (
			day       string
			scannedAt int64
		)
		if err := rows.Scan(&day, &scannedAt); err != nil {
			return nil, err
		}
		days[day] = fromMillis(scannedAt)
	}
	return days, rows.Err()
}

// SaveCalendar records the scan time of every day. A stored scan time is
// only ever moved forward; zero times are ignored.
func (s *SQLiteStore) SaveCalendar(ctx context.Context, days map[string]time.Time) error {
	s.calendarMu.Lock()
	defer s.calendarMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for day, scannedAt := range days {
		if scannedAt.IsZero() {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO calendar (day, scanned_at) VALUES (?, ?)
			 ON CONFLICT(day) DO UPDATE SET scanned_at = MAX(scanned_at, excluded.scanned_at)`,
			day, toMillis(scannedAt),
		); err != nil {
			return fmt.Errorf("save calendar day %s: %w", day, err)
		}
	}
	return tx.Commit()
}

// NextSessionOrdinal increments the persisted session counter and returns
// the value it held before, identifying the current extension-load generation.
func (s *SQLiteStore) NextSessionOrdinal(ctx context.Context) (int64, error) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var raw string
	err = tx.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'session_counter'").Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read session counter: %w", err)
	}
	current, _ := strconv.ParseInt(raw, 10, 64)
	next := current + 1

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES ('session_counter', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		strconv.FormatInt(next, 10),
	); err != nil {
		return 0, fmt.Errorf("write session counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next - 1, nil
}

// ── Notes ─────────────────────────────────────────────────────

func scanNote(row rowScanner) (*Note, error) {
	var n Note
	var updated int64
	if err := row.Scan(&n.VisitID, &n.URL, &n.Note, &updated); err != nil {
		return nil, err
	}
	n.UpdatedAt = fromMillis(updated)
	return &n, nil
}

// GetNote retrieves a note by visit id.
func (s *SQLiteStore) GetNote(ctx context.Context, visitID int64) (*Note, error) {
	n, err := scanNote(s.getNote.QueryRowContext(ctx, visitID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("note %d: %w", visitID, ErrNotFound)
		}
		return nil, fmt.Errorf("get note: %w", err)
	}
	return n, nil
}

// NotesByURL returns notes whose url matches exactly, newest first.
func (s *SQLiteStore) NotesByURL(ctx context.Context, url string) ([]Note, error) {
	return s.scanNotes(ctx,
		"SELECT visit_id, url, note, updated_at FROM notes WHERE url = ? ORDER BY updated_at DESC", url)
}

// AllNotes returns every note, newest first.
func (s *SQLiteStore) AllNotes(ctx context.Context) ([]Note, error) {
	return s.scanNotes(ctx,
		"SELECT visit_id, url, note, updated_at FROM notes ORDER BY updated_at DESC, visit_id DESC")
}

func (s *SQLiteStore) scanNotes(ctx context.Context, query string, args ...interface{}) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	notes := []Note{}
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, *n)
	}
	return notes, rows.Err()
}

// DeleteNote removes a note by visit id.
func (s *SQLiteStore) DeleteNote(ctx context.Context, visitID int64) error {
	s.noteMu.Lock()
	defer s.noteMu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM notes WHERE visit_id = ?", visitID)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("note %d: %w", visitID, ErrNotFound)
	}
	return nil
}

// MergeNote reads the note stored under visitID (nil if absent), passes it
// to merge and writes the returned note, all within one transaction and
// under the notes lock so no other write to the key can interleave. A nil
// note from merge leaves the store untouched. The returned note may carry a
// different visit id than the one read, which stores it under that key.
func (s *SQLiteStore) MergeNote(ctx context.Context, visitID int64, merge func(existing *Note) (*Note, error)) error {
	s.noteMu.Lock()
	defer s.noteMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := scanNote(tx.QueryRowContext(ctx,
		"SELECT visit_id, url, note, updated_at FROM notes WHERE visit_id = ?", visitID,
	))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read note: %w", err)
		}
		existing = nil
	}

	next, err := merge(existing)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO notes (visit_id, url, note, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(visit_id) DO UPDATE SET
			url = excluded.url,
			note = excluded.note,
			updated_at = excluded.updated_at`,
		next.VisitID, next.URL, next.Note, toMillis(next.UpdatedAt),
	); err != nil {
		return fmt.Errorf("write note: %w", err)
	}

	return tx.Commit()
}

// ── Maintenance ──────────────────────────────────────────────

// Stats returns aggregate statistics about the database.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM close_records WHERE close_state < 0", &stats.OpenTabs},
		{"SELECT COUNT(*) FROM close_records", &stats.CloseRecords},
		{"SELECT COUNT(*) FROM visits", &stats.Visits},
		{"SELECT COUNT(*) FROM url_summaries", &stats.URLSummaries},
		{"SELECT COUNT(*) FROM notes", &stats.Notes},
		{"SELECT COUNT(*) FROM calendar", &stats.ScannedDays},
		{"SELECT COUNT(DISTINCT session_ordinal) FROM close_records", &stats.SessionsSoFar},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("stats (%s): %w", c.query, err)
		}
	}

	if stats.Visits > 0 {
		var oldest, newest int64
		err := s.db.QueryRowContext(ctx, "SELECT MIN(visit_time), MAX(visit_time) FROM visits").Scan(&oldest, &newest)
		if err != nil {
			return nil, fmt.Errorf("visit time range: %w", err)
		}
		stats.OldestVisit = fromMillis(oldest)
		stats.NewestVisit = fromMillis(newest)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.url, COUNT(*) AS cnt
		FROM visits v JOIN visits r ON r.visit_id = v.referring_visit_id
		GROUP BY r.url ORDER BY cnt DESC LIMIT 10`)
	if err != nil {
		return nil, fmt.Errorf("top referrers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rc ReferrerCount
		if err := rows.Scan(&rc.URL, &rc.Count); err != nil {
			return nil, err
		}
		stats.TopReferrers = append(stats.TopReferrers, rc)
	}

	return stats, rows.Err()
}

// PurgeAll deletes every record. The session counter is kept so close
// record keys stay unique across the purge.
func (s *SQLiteStore) PurgeAll(ctx context.Context) error {
	stmts := []string{
		"DELETE FROM close_records",
		"DELETE FROM visits",
		"DELETE FROM url_summaries",
		"DELETE FROM notes",
		"DELETE FROM calendar",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("purge (%s): %w", stmt, err)
		}
	}
	return nil
}

// Close releases all prepared statements. The underlying *sql.DB is NOT
// closed; that is the caller's responsibility.
func (s *SQLiteStore) Close() error {
	stmts := []*sql.Stmt{
		s.putCloseRecord, s.getCloseRecord, s.getVisit,
		s.getURLSummary, s.getNote,
	}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}
