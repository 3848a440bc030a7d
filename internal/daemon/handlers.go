package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nishu-builder/plate-spinner/internal/api"
	"github.com/nishu-builder/plate-spinner/internal/event"
	"github.com/nishu-builder/plate-spinner/internal/hub"
	"github.com/nishu-builder/plate-spinner/internal/logging"
	"github.com/nishu-builder/plate-spinner/internal/state"
	"github.com/nishu-builder/plate-spinner/internal/store"
	"github.com/nishu-builder/plate-spinner/internal/summary"
)

// Hook payloads are small; anything larger is malformed or hostile.
const maxEventBody = 1 << 20

// Loopback-only daemon, no cross-origin concerns.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", d.handlePostEvent)
	mux.HandleFunc("GET /sessions", d.handleListSessions)
	mux.HandleFunc("POST /sessions/register", d.handleRegister)
	mux.HandleFunc("POST /sessions/stopped", d.handleStopped)
	mux.HandleFunc("DELETE /sessions/{id}", d.handleDelete)
	mux.HandleFunc("POST /sessions/{id}/toggle", d.handleToggle)
	mux.HandleFunc("GET /sessions/{id}/events", d.handleListEvents)
	mux.HandleFunc("GET /ws", d.handleWebsocket)
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("GET /status", d.handleStatus)
	return mux
}

// handlePostEvent ingests one hook payload: normalize, derive the new
// status, commit the session row, todo snapshot, and event-log entry as
// one transaction, kick off summarization if due, and signal observers.
func (d *Daemon) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}

	now := time.Now().UTC()
	ev, err := event.Normalize(body, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	status := state.Derive(ev)
	if err := d.store.RecordEvent(ev, status, extractTodos(ev), now); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	d.maybeSummarize(ev.SessionID, status, ev.EventType)

	d.hub.Broadcast(hub.Signal{Type: hub.SignalSessionUpdate, SessionID: ev.SessionID})
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (d *Daemon) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := d.store.ListSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	infos := make([]api.SessionInfo, 0, len(sessions))
	for _, s := range store.GroupSessions(sessions) {
		infos = append(infos, sessionToInfo(s))
	}
	writeJSON(w, http.StatusOK, infos)
}

func (d *Daemon) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.ProjectPath == "" {
		writeError(w, http.StatusBadRequest, &event.ValidationError{Field: "project_path", Reason: "missing"})
		return
	}

	id, err := d.store.RegisterPlaceholder(req.ProjectPath, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	d.hub.Broadcast(hub.Signal{Type: hub.SignalSessionUpdate, SessionID: id})
	writeJSON(w, http.StatusOK, api.RegisterResponse{SessionID: id})
}

func (d *Daemon) handleStopped(w http.ResponseWriter, r *http.Request) {
	var req api.StoppedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.ProjectPath == "" {
		writeError(w, http.StatusBadRequest, &event.ValidationError{Field: "project_path", Reason: "missing"})
		return
	}

	closed, err := d.store.MarkStopped(req.ProjectPath, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	for _, id := range closed {
		d.hub.Broadcast(hub.Signal{Type: hub.SignalSessionUpdate, SessionID: id})
	}
	writeJSON(w, http.StatusOK, api.StoppedResponse{Closed: closed})
}

func (d *Daemon) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := d.store.Delete(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	d.hub.Broadcast(hub.Signal{Type: hub.SignalSessionDeleted, SessionID: id})
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) handleToggle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := d.store.ToggleClosed(id, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	d.hub.Broadcast(hub.Signal{Type: hub.SignalSessionUpdate, SessionID: id})
	writeJSON(w, http.StatusOK, api.ToggleResponse{SessionID: id, Status: string(status)})
}

// Event pages default to the last 50 entries unless the caller asks for
// more with ?limit=.
const defaultEventPage = 50

// handleListEvents exposes a session's event log, newest first.
func (d *Daemon) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := d.store.GetSession(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", id))
		return
	}

	limit := defaultEventPage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	records, err := d.store.Events(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	infos := make([]api.EventInfo, 0, len(records))
	for _, rec := range records {
		infos = append(infos, api.EventInfo{
			ID:        rec.ID,
			SessionID: rec.SessionID,
			EventType: rec.EventType,
			Payload:   json.RawMessage(rec.Payload),
			CreatedAt: rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

func (d *Daemon) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := d.hub.Add(conn)
	logging.Debug("observer connected", "observers", d.hub.ClientCount())

	// Observers never send application data; the read loop exists to
	// notice disconnects (and service ping/pong) promptly.
	d.safeGo("ws-reader", func() {
		defer d.hub.Remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions, err := d.store.ListSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{
		Version:    Version,
		Uptime:     time.Since(d.startedAt).Round(time.Second).String(),
		Sessions:   len(sessions),
		Observers:  d.hub.ClientCount(),
		Summarizer: d.summarizer != nil,
	})
}

// maybeSummarize kicks off a background summary when the event count or
// a stop event warrants one. Summarization failure is logged and
// dropped: a stale summary beats a failed request.
func (d *Daemon) maybeSummarize(sessionID string, status state.Status, eventType string) {
	if d.summarizer == nil {
		return
	}

	count, err := d.store.EventCount(sessionID)
	if err != nil {
		logging.Warn("count events for summary trigger", "session_id", sessionID, "error", err)
		return
	}
	if !summary.ShouldTrigger(status, eventType, count) {
		return
	}

	d.safeGo("summarize", func() {
		transcript, err := d.store.TranscriptPath(sessionID)
		if err != nil || transcript == "" {
			return
		}
		goal, err := d.store.Goal(sessionID)
		if err != nil {
			logging.Warn("load cached goal", "session_id", sessionID, "error", err)
			return
		}

		result, err := d.summarizer.Summarize(d.ctx, transcript, goal)
		if err != nil {
			logging.Debug("summarize failed", "session_id", sessionID, "error", err)
			return
		}

		if result.Goal != "" {
			if err := d.store.SetGoal(sessionID, result.Goal); err != nil {
				logging.Warn("cache goal", "session_id", sessionID, "error", err)
			}
		}
		if err := d.store.SetSummary(sessionID, result.Summary); err != nil {
			logging.Warn("store summary", "session_id", sessionID, "error", err)
			return
		}
		d.hub.Broadcast(hub.Signal{Type: hub.SignalSessionUpdate, SessionID: sessionID})
	})
}

// extractTodos pulls the todo list out of a completed TodoWrite call.
func extractTodos(ev *event.Event) []store.Todo {
	if ev.EventType != event.TypeToolCall || ev.ToolName != state.ToolTodoWrite {
		return nil
	}
	raw, ok := ev.ToolParams["todos"]
	if !ok {
		return nil
	}

	// Round-trip through JSON: ToolParams is decoded as generic values.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var todos []store.Todo
	if err := json.Unmarshal(data, &todos); err != nil {
		return nil
	}
	return todos
}

func sessionToInfo(s *store.Session) api.SessionInfo {
	return api.SessionInfo{
		SessionID:      s.SessionID,
		ProjectPath:    s.ProjectPath,
		ProjectName:    s.ProjectName(),
		TranscriptPath: deref(s.TranscriptPath),
		GitBranch:      deref(s.GitBranch),
		Status:         string(s.Status),
		LastEventType:  deref(s.LastEventType),
		LastTool:       deref(s.LastTool),
		Summary:        deref(s.Summary),
		TodoProgress:   deref(s.TodoProgress),
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		logging.Error("request failed", "error", err)
	}
	writeJSON(w, status, api.ErrorResponse{Error: err.Error()})
}
