package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/nishu-builder/plate-spinner/internal/event"
	"github.com/nishu-builder/plate-spinner/internal/state"
)

// RecordEvent applies one event to storage as a single atomic unit: the
// session row moves to the derived status, the todo snapshot is replaced
// when the event carried one, and the canonical event joins the
// append-only log. Any failure rolls the whole ingest back, so a session
// row never advances without its matching log entry.
func (s *Store) RecordEvent(ev *event.Event, status state.Status, todos []Todo, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	defer tx.Rollback()

	if err := upsertSession(tx, ev, status, now); err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	if err := replaceTodos(tx, ev.SessionID, todos, now); err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	if err := appendEvent(tx, ev, now); err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return tx.Commit()
}

// upsertSession records the event's effect on the session row. Unknown
// session ids create a row (superseding any placeholder for the same
// project); existing rows are updated in place. Optional fields coalesce
// on write: an empty incoming value never erases a stored one.
func upsertSession(tx *sql.Tx, ev *event.Event, status state.Status, now time.Time) error {
	var existing string
	err := tx.QueryRow(`SELECT session_id FROM sessions WHERE session_id = ?`, ev.SessionID).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		// A freshly registered "starting" placeholder for this project is
		// superseded by the real session reporting in.
		if _, err := tx.Exec(`DELETE FROM sessions WHERE session_id = ?`, PlaceholderID(ev.ProjectPath)); err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO sessions (session_id, project_path, transcript_path, git_branch,
			                      status, last_event_type, last_tool, created_at, updated_at)
			VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, ?)`,
			ev.SessionID, ev.ProjectPath, ev.TranscriptPath, ev.GitBranch,
			status, ev.EventType, ev.ToolName, now, now)
		return err
	case err != nil:
		return err
	default:
		_, err = tx.Exec(`
			UPDATE sessions SET
				status = ?,
				last_event_type = ?,
				last_tool = COALESCE(NULLIF(?, ''), last_tool),
				transcript_path = COALESCE(NULLIF(?, ''), transcript_path),
				git_branch = COALESCE(NULLIF(?, ''), git_branch),
				updated_at = ?
			WHERE session_id = ?`,
			status, ev.EventType, ev.ToolName, ev.TranscriptPath, ev.GitBranch,
			now, ev.SessionID)
		return err
	}
}

// appendEvent adds the canonical event to the append-only log.
func appendEvent(tx *sql.Tx, ev *event.Event, now time.Time) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO events (session_id, event_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		ev.SessionID, ev.EventType, string(payload), now)
	return err
}

// replaceTodos swaps the session's todo snapshot wholesale. An empty
// list is a no-op.
func replaceTodos(tx *sql.Tx, sessionID string, todos []Todo, now time.Time) error {
	if len(todos) == 0 {
		return nil
	}
	todosJSON, err := json.Marshal(todos)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT OR REPLACE INTO todos (session_id, todos_json, updated_at) VALUES (?, ?, ?)`,
		sessionID, string(todosJSON), now)
	return err
}

// RegisterPlaceholder creates a provisional "starting" row for a project
// whose real session id is not yet known. Idempotent: an existing
// placeholder for the project is returned as-is.
func (s *Store) RegisterPlaceholder(projectPath string, now time.Time) (string, error) {
	id := PlaceholderID(projectPath)

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing string
	err := s.db.QueryRow(`SELECT session_id FROM sessions WHERE session_id = ?`, id).Scan(&existing)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("register placeholder: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (session_id, project_path, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, projectPath, state.StatusStarting, now, now)
	if err != nil {
		return "", fmt.Errorf("register placeholder: %w", err)
	}
	return id, nil
}

// MarkStopped transitions every session under projectPath that is not
// already closed or errored to closed, returning the affected ids so
// callers can broadcast once per session (and skip broadcasting entirely
// when nothing changed).
func (s *Store) MarkStopped(projectPath string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("mark stopped: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT session_id FROM sessions
		WHERE project_path = ? AND status NOT IN (?, ?)`,
		projectPath, state.StatusClosed, state.StatusError)
	if err != nil {
		return nil, fmt.Errorf("mark stopped: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("mark stopped: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("mark stopped: %w", err)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?`,
			state.StatusClosed, now, id); err != nil {
			return nil, fmt.Errorf("mark stopped: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mark stopped: %w", err)
	}
	return ids, nil
}

// Delete removes the session row, its todo snapshot, and its event log
// entries as one atomic unit.
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM todos WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM events WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// ToggleClosed flips a session between closed and idle, returning the new
// status. Unknown ids return ErrNotFound.
func (s *Store) ToggleClosed(sessionID string, now time.Time) (state.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current state.Status
	err := s.db.QueryRow(`SELECT status FROM sessions WHERE session_id = ?`, sessionID).Scan(&current)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("toggle closed: %w", err)
	}

	next := state.StatusClosed
	if current == state.StatusClosed {
		next = state.StatusIdle
	}
	if _, err := s.db.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?`,
		next, now, sessionID); err != nil {
		return "", fmt.Errorf("toggle closed: %w", err)
	}
	return next, nil
}

// SetStatus overwrites a session's status directly. Used by the
// health-check recovery sweep, which bypasses event derivation.
func (s *Store) SetStatus(sessionID string, status state.Status, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?`,
		status, now, sessionID)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

// SetSummary stores the latest summarization result. It deliberately does
// not touch updated_at: a background summary should not reorder the list.
func (s *Store) SetSummary(sessionID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE sessions SET summary = ? WHERE session_id = ?`, summary, sessionID)
	if err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	return nil
}

// SetGoal caches the extracted long-running goal for a session.
func (s *Store) SetGoal(sessionID, goal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE sessions SET goal = ? WHERE session_id = ?`, goal, sessionID)
	if err != nil {
		return fmt.Errorf("set goal: %w", err)
	}
	return nil
}

// Goal returns the cached goal, or "" when none has been extracted.
func (s *Store) Goal(sessionID string) (string, error) {
	var goal sql.NullString
	err := s.db.QueryRow(`SELECT goal FROM sessions WHERE session_id = ?`, sessionID).Scan(&goal)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get goal: %w", err)
	}
	return goal.String, nil
}

// TranscriptPath returns the stored transcript path, or "" when unknown.
func (s *Store) TranscriptPath(sessionID string) (string, error) {
	var path sql.NullString
	err := s.db.QueryRow(`SELECT transcript_path FROM sessions WHERE session_id = ?`, sessionID).Scan(&path)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get transcript path: %w", err)
	}
	return path.String, nil
}

// EventCount returns the total number of logged events for a session.
func (s *Store) EventCount(sessionID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// GetSession retrieves a single session, or nil when the id is unknown.
func (s *Store) GetSession(sessionID string) (*Session, error) {
	row := s.db.QueryRow(sessionSelect+` WHERE s.session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns every session ordered by most-recently-updated
// first, each joined with its todo snapshot to derive todo progress.
func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(sessionSelect + ` ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Events retrieves up to limit log entries for a session, newest first.
func (s *Store) Events(sessionID string, limit int) ([]*EventRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, event_type, payload, created_at
		FROM events WHERE session_id = ?
		ORDER BY id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var records []*EventRecord
	for rows.Next() {
		var r EventRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.EventType, &r.Payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// GroupSessions orders a projection for presentation: open sessions
// needing attention first, then running/starting ones, closed sessions
// last. Stable within groups, so the updated_at ordering from
// ListSessions is preserved. This is a read-time view, never persisted.
func GroupSessions(sessions []*Session) []*Session {
	grouped := make([]*Session, len(sessions))
	copy(grouped, sessions)
	sort.SliceStable(grouped, func(i, j int) bool {
		return groupRank(grouped[i].Status) < groupRank(grouped[j].Status)
	})
	return grouped
}

func groupRank(s state.Status) int {
	switch s {
	case state.StatusClosed:
		return 2
	case state.StatusRunning:
		return 1
	default:
		return 0
	}
}

const sessionSelect = `
	SELECT s.session_id, s.project_path, s.transcript_path, s.git_branch,
	       s.status, s.last_event_type, s.last_tool, s.summary, s.goal,
	       s.created_at, s.updated_at, t.todos_json
	FROM sessions s
	LEFT JOIN todos t ON s.session_id = t.session_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess      Session
		status    string
		todosJSON sql.NullString
	)
	err := row.Scan(
		&sess.SessionID, &sess.ProjectPath, &sess.TranscriptPath, &sess.GitBranch,
		&status, &sess.LastEventType, &sess.LastTool, &sess.Summary, &sess.Goal,
		&sess.CreatedAt, &sess.UpdatedAt, &todosJSON,
	)
	if err != nil {
		return nil, err
	}
	sess.Status = state.Status(status)
	if !sess.Status.Valid() {
		return nil, fmt.Errorf("session %s has unknown status %q", sess.SessionID, status)
	}
	if todosJSON.Valid {
		if progress := todoProgress(todosJSON.String); progress != "" {
			sess.TodoProgress = &progress
		}
	}
	return &sess, nil
}

// todoProgress renders "<completed>/<total>" from a stored snapshot, or
// "" when the snapshot cannot be parsed.
func todoProgress(todosJSON string) string {
	var todos []Todo
	if err := json.Unmarshal([]byte(todosJSON), &todos); err != nil || len(todos) == 0 {
		return ""
	}
	completed := 0
	for _, t := range todos {
		if t.Status == "completed" {
			completed++
		}
	}
	return fmt.Sprintf("%d/%d", completed, len(todos))
}
