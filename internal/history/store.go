// Package history keeps a per-process audit log of multiplexer commands in
// SQLite. Recording is best-effort: a failed insert is logged and never fails
// the command it describes.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/roelfdiedericks/tabmux/internal/logging"
	"github.com/roelfdiedericks/tabmux/internal/paths"
)

const schema = `
CREATE TABLE IF NOT EXISTS commands (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	method TEXT NOT NULL,
	tab_id INTEGER NOT NULL DEFAULT 0,
	ok INTEGER NOT NULL DEFAULT 1,
	error TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_id, id);
CREATE INDEX IF NOT EXISTS idx_commands_created ON commands(created_at);
`

// Entry is one recorded command
type Entry struct {
	ID        int64         `json:"id"`
	SessionID string        `json:"sessionId"`
	Method    string        `json:"method"`
	TabID     int           `json:"tabId,omitempty"`
	OK        bool          `json:"ok"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"-"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Store handles command history persistence
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	if err := paths.EnsureParentDir(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}

	L_debug("history: opened", "path", path)
	return &Store{db: db}, nil
}

// Record inserts one entry. Errors are returned so the caller can decide to
// log them; callers in the command path treat them as non-fatal.
func (s *Store) Record(e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO commands (session_id, method, tab_id, ok, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.SessionID, e.Method, e.TabID, boolToInt(e.OK), e.Error,
		e.Duration.Milliseconds(), e.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

// Recent returns the most recent entries for a session, newest first.
func (s *Store) Recent(sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, session_id, method, tab_id, ok, error, duration_ms, created_at
		FROM commands
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ok int
		var durationMs int64
		var createdAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Method, &e.TabID, &ok, &e.Error, &durationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		e.OK = ok != 0
		e.Duration = time.Duration(durationMs) * time.Millisecond
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than the cutoff and returns the count removed.
func (s *Store) Prune(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM commands WHERE created_at < ?`, olderThan.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("prune commands: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		L_debug("history: pruned", "removed", n, "olderThan", olderThan.Format(time.RFC3339))
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
