// Package store provides SQLite-backed persistence for tracked sessions.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nishu-builder/plate-spinner/internal/state"
)

// ErrNotFound is returned when an operation targets an unknown session id.
var ErrNotFound = errors.New("session not found")

// Store owns all durable session state. It is a process-wide singleton:
// exactly one Store may point at a given database file. Writes are
// serialized by an internal mutex so the existence check inside an upsert
// is atomic per session id.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (creating if needed) the database at dbPath.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id      TEXT PRIMARY KEY,
		project_path    TEXT NOT NULL,
		transcript_path TEXT,
		git_branch      TEXT,
		status          TEXT NOT NULL DEFAULT 'running',
		last_event_type TEXT,
		last_tool       TEXT,
		summary         TEXT,
		goal            TEXT,
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME NOT NULL
	);

	-- One snapshot per session, replaced wholesale on every update.
	CREATE TABLE IF NOT EXISTS todos (
		session_id TEXT PRIMARY KEY REFERENCES sessions(session_id),
		todos_json TEXT,
		updated_at DATETIME NOT NULL
	);

	-- Append-only event log; removed only by whole-session deletion.
	CREATE TABLE IF NOT EXISTS events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload    TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.addMissingColumns()
}

// addMissingColumns upgrades databases created before optional columns
// existed. New rows get NULL defaults, so old rows keep working.
func (s *Store) addMissingColumns() error {
	rows, err := s.db.Query(`PRAGMA table_info(sessions)`)
	if err != nil {
		return err
	}
	defer rows.Close()

	have := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notnull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &primaryKey); err != nil {
			return err
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, col := range []string{"transcript_path", "git_branch", "summary", "goal"} {
		if !have[col] {
			if _, err := s.db.Exec(fmt.Sprintf(`ALTER TABLE sessions ADD COLUMN %s TEXT`, col)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Session is one tracked run of an external interactive process.
type Session struct {
	SessionID      string
	ProjectPath    string
	TranscriptPath *string
	GitBranch      *string
	Status         state.Status
	LastEventType  *string
	LastTool       *string
	Summary        *string
	Goal           *string
	TodoProgress   *string // derived at read time, never stored
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProjectName returns the last path element of the project path.
func (s *Session) ProjectName() string {
	p := s.ProjectPath
	for len(p) > 1 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return filepath.Base(p)
}

// Todo is one entry of a session's todo snapshot. Status values are
// producer-controlled; only the shape is validated.
type Todo struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// EventRecord is one entry of the append-only event log.
type EventRecord struct {
	ID        int64
	SessionID string
	EventType string
	Payload   string
	CreatedAt time.Time
}

// PlaceholderID returns the synthetic session id used for a placeholder
// row registered before the real session has reported in.
func PlaceholderID(projectPath string) string {
	return "pending:" + projectPath
}
