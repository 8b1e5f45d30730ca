package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/attrwatch/attrwatch/message"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	page_id    TEXT    NOT NULL,
	action     TEXT    NOT NULL,
	watcher_id INTEGER,
	log_id     TEXT,
	attribute  TEXT,
	new_value  TEXT,
	ts_ms      INTEGER NOT NULL,
	payload    TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_page ON events(page_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_watcher ON events(page_id, watcher_id, seq);
`

// Archive appends every record to an SQLite database. It is the only
// persisted history; watchers themselves are never restored from it.
type Archive struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// ArchiveOption configures an Archive.
type ArchiveOption func(*Archive)

// WithArchiveLogger sets a custom logger.
func WithArchiveLogger(l *slog.Logger) ArchiveOption {
	return func(a *Archive) { a.logger = l }
}

// WithArchiveClock replaces the clock stamping lifecycle events.
func WithArchiveClock(now func() time.Time) ArchiveOption {
	return func(a *Archive) { a.now = now }
}

// OpenArchive opens (or creates) the archive at path. ":memory:" gives a
// private in-memory database.
func OpenArchive(path string, opts ...ArchiveOption) (*Archive, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("archive: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	for _, p := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("archive: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: schema: %w", err)
	}

	a := &Archive{db: db, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

func (a *Archive) Send(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec.Event)
	if err != nil {
		return fmt.Errorf("archive: marshal: %w", err)
	}
	var (
		logID, attr, value sql.NullString
		ts                 = a.now().UnixMilli()
	)
	if e := rec.Event.LogEntry; e != nil {
		logID = sql.NullString{String: e.ID, Valid: true}
		attr = sql.NullString{String: e.Attribute, Valid: true}
		if e.NewValue != nil {
			value = sql.NullString{String: *e.NewValue, Valid: true}
		}
		ts = e.Timestamp
	}
	var watcherID sql.NullInt64
	if rec.Event.WatcherID != 0 {
		watcherID = sql.NullInt64{Int64: rec.Event.WatcherID, Valid: true}
	}

	return a.execRetry(ctx,
		`INSERT INTO events (page_id, action, watcher_id, log_id, attribute, new_value, ts_ms, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PageID, string(rec.Event.Kind), watcherID, logID, attr, value, ts, string(payload))
}

// Recent returns up to limit archived records of pageID, newest first.
// A non-zero watcherID restricts the result to that watcher.
func (a *Archive) Recent(ctx context.Context, pageID string, watcherID int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT payload FROM events WHERE page_id = ?`
	args := []any{pageID}
	if watcherID != 0 {
		q += ` AND watcher_id = ?`
		args = append(args, watcherID)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: query: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		var ev message.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			a.logger.Warn("archive: skipping undecodable row", "page_id", pageID, "error", err)
			continue
		}
		out = append(out, Record{PageID: pageID, Event: ev})
	}
	return out, rows.Err()
}

// Count returns the number of archived records of pageID.
func (a *Archive) Count(ctx context.Context, pageID string) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE page_id = ?`, pageID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("archive: count: %w", err)
	}
	return n, nil
}

func (a *Archive) Close() error { return a.db.Close() }

// execRetry retries a statement up to three times while SQLite reports
// the database as busy.
func (a *Archive) execRetry(ctx context.Context, query string, args ...any) error {
	const attempts = 3
	for i := range attempts {
		_, err := a.db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		if !isBusy(err) || i == attempts-1 {
			return fmt.Errorf("archive: insert: %w", err)
		}
		t := time.NewTimer(time.Duration(100*(i+1)) * time.Millisecond)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("archive: insert: %w", ctx.Err())
		}
	}
	return nil
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
