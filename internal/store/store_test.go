package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishu-builder/plate-spinner/internal/event"
	"github.com/nishu-builder/plate-spinner/internal/state"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "spinner-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	st, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create store: %v", err)
	}

	cleanup := func() {
		st.Close()
		os.RemoveAll(tmpDir)
	}

	return st, cleanup
}

func testEvent(sessionID, eventType string) *event.Event {
	return &event.Event{
		SessionID:   sessionID,
		ProjectPath: "/home/dev/myapp",
		EventType:   eventType,
		Timestamp:   time.Now().UTC(),
	}
}

func TestRecordEvent(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	now := time.Now().UTC()

	t.Run("CreatesRowForUnknownSession", func(t *testing.T) {
		ev := testEvent("sess-1", event.TypeSessionStart)
		ev.TranscriptPath = "/tmp/transcript.jsonl"
		ev.GitBranch = "main"

		if err := st.RecordEvent(ev, state.StatusRunning, nil, now); err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}

		s, err := st.GetSession("sess-1")
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if s == nil {
			t.Fatal("expected session, got nil")
		}
		if s.Status != state.StatusRunning {
			t.Errorf("expected status running, got %s", s.Status)
		}
		if s.TranscriptPath == nil || *s.TranscriptPath != "/tmp/transcript.jsonl" {
			t.Errorf("transcript path not stored: %v", s.TranscriptPath)
		}
		if s.GitBranch == nil || *s.GitBranch != "main" {
			t.Errorf("git branch not stored: %v", s.GitBranch)
		}
	})

	t.Run("RepeatedEventsKeepOneRow", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			ev := testEvent("sess-1", event.TypeToolCall)
			ev.ToolName = "Bash"
			if err := st.RecordEvent(ev, state.StatusRunning, nil, now.Add(time.Duration(i)*time.Second)); err != nil {
				t.Fatalf("RecordEvent failed: %v", err)
			}
		}

		sessions, err := st.ListSessions()
		if err != nil {
			t.Fatalf("ListSessions failed: %v", err)
		}
		if len(sessions) != 1 {
			t.Fatalf("expected 1 session, got %d", len(sessions))
		}
	})

	t.Run("EmptyFieldsDoNotErase", func(t *testing.T) {
		// A later event with no transcript path or branch must not wipe
		// the values stored earlier.
		ev := testEvent("sess-1", event.TypeStop)
		if err := st.RecordEvent(ev, state.StatusIdle, nil, now.Add(time.Minute)); err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}

		s, _ := st.GetSession("sess-1")
		if s.TranscriptPath == nil || *s.TranscriptPath != "/tmp/transcript.jsonl" {
			t.Errorf("transcript path erased by empty update: %v", s.TranscriptPath)
		}
		if s.GitBranch == nil || *s.GitBranch != "main" {
			t.Errorf("git branch erased by empty update: %v", s.GitBranch)
		}
		if s.LastTool == nil || *s.LastTool != "Bash" {
			t.Errorf("last tool erased by empty update: %v", s.LastTool)
		}
		if s.Status != state.StatusIdle {
			t.Errorf("expected status idle, got %s", s.Status)
		}
	})
}

func TestPlaceholderLifecycle(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	now := time.Now().UTC()

	id, err := st.RegisterPlaceholder("/home/dev/myapp", now)
	if err != nil {
		t.Fatalf("RegisterPlaceholder failed: %v", err)
	}
	if id != "pending:/home/dev/myapp" {
		t.Errorf("unexpected placeholder id: %s", id)
	}

	t.Run("RegisterIsIdempotent", func(t *testing.T) {
		id2, err := st.RegisterPlaceholder("/home/dev/myapp", now.Add(time.Second))
		if err != nil {
			t.Fatalf("second RegisterPlaceholder failed: %v", err)
		}
		if id2 != id {
			t.Errorf("expected same id, got %s and %s", id, id2)
		}

		sessions, _ := st.ListSessions()
		if len(sessions) != 1 {
			t.Fatalf("expected 1 session, got %d", len(sessions))
		}
		if sessions[0].Status != state.StatusStarting {
			t.Errorf("expected starting, got %s", sessions[0].Status)
		}
	})

	t.Run("RealSessionSupersedesPlaceholder", func(t *testing.T) {
		ev := testEvent("sess-real", event.TypeSessionStart)
		if err := st.RecordEvent(ev, state.StatusRunning, nil, now.Add(2*time.Second)); err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}

		sessions, _ := st.ListSessions()
		if len(sessions) != 1 {
			t.Fatalf("expected placeholder to be replaced, got %d sessions", len(sessions))
		}
		if sessions[0].SessionID != "sess-real" {
			t.Errorf("expected sess-real, got %s", sessions[0].SessionID)
		}
	})
}

func TestMarkStopped(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	now := time.Now().UTC()

	open := testEvent("sess-open", event.TypeSessionStart)
	st.RecordEvent(open, state.StatusRunning, nil, now)

	errored := testEvent("sess-err", event.TypeStop)
	errored.Error = "boom"
	st.RecordEvent(errored, state.StatusError, nil, now)

	other := testEvent("sess-other", event.TypeSessionStart)
	other.ProjectPath = "/home/dev/otherapp"
	st.RecordEvent(other, state.StatusRunning, nil, now)

	closed, err := st.MarkStopped("/home/dev/myapp", now.Add(time.Second))
	if err != nil {
		t.Fatalf("MarkStopped failed: %v", err)
	}
	if len(closed) != 1 || closed[0] != "sess-open" {
		t.Fatalf("expected [sess-open], got %v", closed)
	}

	t.Run("ErrorSessionsAreSkipped", func(t *testing.T) {
		s, _ := st.GetSession("sess-err")
		if s.Status != state.StatusError {
			t.Errorf("error session should keep its status, got %s", s.Status)
		}
	})

	t.Run("OtherProjectsUntouched", func(t *testing.T) {
		s, _ := st.GetSession("sess-other")
		if s.Status != state.StatusRunning {
			t.Errorf("other project should be untouched, got %s", s.Status)
		}
	})

	t.Run("SecondSweepIsEmpty", func(t *testing.T) {
		closed, err := st.MarkStopped("/home/dev/myapp", now.Add(2*time.Second))
		if err != nil {
			t.Fatalf("second MarkStopped failed: %v", err)
		}
		if len(closed) != 0 {
			t.Errorf("expected no sessions on second sweep, got %v", closed)
		}
	})
}

func TestToggleClosed(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	now := time.Now().UTC()
	st.RecordEvent(testEvent("sess-1", event.TypeStop), state.StatusIdle, nil, now)

	status, err := st.ToggleClosed("sess-1", now.Add(time.Second))
	if err != nil {
		t.Fatalf("ToggleClosed failed: %v", err)
	}
	if status != state.StatusClosed {
		t.Errorf("expected closed, got %s", status)
	}

	status, err = st.ToggleClosed("sess-1", now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("second ToggleClosed failed: %v", err)
	}
	if status != state.StatusIdle {
		t.Errorf("expected idle, got %s", status)
	}

	t.Run("UnknownSession", func(t *testing.T) {
		if _, err := st.ToggleClosed("missing", now); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ClosedSessionReopensOnEvent", func(t *testing.T) {
		if _, err := st.ToggleClosed("sess-1", now.Add(3*time.Second)); err != nil {
			t.Fatal(err)
		}
		s, _ := st.GetSession("sess-1")
		if s.Status != state.StatusClosed {
			t.Fatalf("expected closed, got %s", s.Status)
		}

		ev := testEvent("sess-1", event.TypeToolStart)
		if err := st.RecordEvent(ev, state.StatusRunning, nil, now.Add(4*time.Second)); err != nil {
			t.Fatal(err)
		}
		s, _ = st.GetSession("sess-1")
		if s.Status != state.StatusRunning {
			t.Errorf("real event should reopen closed session, got %s", s.Status)
		}
	})
}

func TestDelete(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	now := time.Now().UTC()
	ev := testEvent("sess-1", event.TypeSessionStart)
	st.RecordEvent(ev, state.StatusRunning, []Todo{{Content: "write tests", Status: "pending"}}, now)

	if err := st.Delete("sess-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	s, err := st.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if s != nil {
		t.Error("session should be gone")
	}

	count, err := st.EventCount("sess-1")
	if err != nil {
		t.Fatalf("EventCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("event log should be purged, got %d entries", count)
	}

	t.Run("UnknownSession", func(t *testing.T) {
		if err := st.Delete("missing"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestTodos(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	now := time.Now().UTC()
	st.RecordEvent(testEvent("sess-1", event.TypeSessionStart), state.StatusRunning, nil, now)

	todos := []Todo{
		{Content: "read code", Status: "completed"},
		{Content: "write fix", Status: "in_progress"},
		{Content: "write tests", Status: "pending"},
	}
	if err := st.RecordEvent(testEvent("sess-1", event.TypeToolCall), state.StatusRunning, todos, now); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}

	s, _ := st.GetSession("sess-1")
	if s.TodoProgress == nil || *s.TodoProgress != "1/3" {
		t.Errorf("expected todo progress 1/3, got %v", s.TodoProgress)
	}

	t.Run("SnapshotIsReplacedWholesale", func(t *testing.T) {
		err := st.RecordEvent(testEvent("sess-1", event.TypeToolCall), state.StatusRunning,
			[]Todo{{Content: "done", Status: "completed"}}, now)
		if err != nil {
			t.Fatal(err)
		}
		s, _ := st.GetSession("sess-1")
		if s.TodoProgress == nil || *s.TodoProgress != "1/1" {
			t.Errorf("expected 1/1, got %v", s.TodoProgress)
		}
	})

	t.Run("EmptyListIsNoOp", func(t *testing.T) {
		if err := st.RecordEvent(testEvent("sess-1", event.TypeToolCall), state.StatusRunning, nil, now); err != nil {
			t.Fatal(err)
		}
		s, _ := st.GetSession("sess-1")
		if s.TodoProgress == nil || *s.TodoProgress != "1/1" {
			t.Errorf("empty snapshot should not clear progress, got %v", s.TodoProgress)
		}
	})
}

func TestListOrdering(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	base := time.Now().UTC()
	st.RecordEvent(testEvent("sess-old", event.TypeSessionStart), state.StatusRunning, nil, base)
	st.RecordEvent(testEvent("sess-new", event.TypeSessionStart), state.StatusRunning, nil, base.Add(time.Minute))

	sessions, err := st.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].SessionID != "sess-new" {
		t.Errorf("expected most recent first, got %s", sessions[0].SessionID)
	}
}

func TestGroupSessions(t *testing.T) {
	mk := func(id string, s state.Status) *Session {
		return &Session{SessionID: id, Status: s}
	}
	// Input is updated_at order; grouping must keep it within groups.
	in := []*Session{
		mk("closed-1", state.StatusClosed),
		mk("running-1", state.StatusRunning),
		mk("idle-1", state.StatusIdle),
		mk("waiting-1", state.StatusAwaitingInput),
		mk("running-2", state.StatusRunning),
	}

	out := GroupSessions(in)
	want := []string{"idle-1", "waiting-1", "running-1", "running-2", "closed-1"}
	for i, id := range want {
		if out[i].SessionID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, out[i].SessionID)
		}
	}

	// The input slice must not be reordered.
	if in[0].SessionID != "closed-1" {
		t.Error("GroupSessions mutated its input")
	}
}

func TestSummaryAndGoal(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	now := time.Now().UTC()
	st.RecordEvent(testEvent("sess-1", event.TypeSessionStart), state.StatusRunning, nil, now)

	if err := st.SetGoal("sess-1", "Auth system"); err != nil {
		t.Fatalf("SetGoal failed: %v", err)
	}
	if err := st.SetSummary("sess-1", "Auth system: running login tests"); err != nil {
		t.Fatalf("SetSummary failed: %v", err)
	}

	goal, err := st.Goal("sess-1")
	if err != nil {
		t.Fatalf("Goal failed: %v", err)
	}
	if goal != "Auth system" {
		t.Errorf("expected cached goal, got %q", goal)
	}

	s, _ := st.GetSession("sess-1")
	if s.Summary == nil || *s.Summary != "Auth system: running login tests" {
		t.Errorf("summary not stored: %v", s.Summary)
	}

	t.Run("UnknownSessionHasNoGoal", func(t *testing.T) {
		goal, err := st.Goal("missing")
		if err != nil || goal != "" {
			t.Errorf("expected empty goal, got %q err %v", goal, err)
		}
	})
}

func TestEventLog(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		ev := testEvent("sess-1", event.TypeToolCall)
		ev.ToolName = "Read"
		if err := st.RecordEvent(ev, state.StatusRunning, nil, now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}
	}

	count, err := st.EventCount("sess-1")
	if err != nil {
		t.Fatalf("EventCount failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 events, got %d", count)
	}

	records, err := st.Events("sess-1", 2)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("expected 2 records with limit, got %d", len(records))
	}
}

func TestRecordEventIsAtomic(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	now := time.Now().UTC()
	if err := st.RecordEvent(testEvent("sess-1", event.TypeSessionStart), state.StatusRunning, nil, now); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}

	t.Run("RowAndLogMoveTogether", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			ev := testEvent("sess-1", event.TypeToolCall)
			if err := st.RecordEvent(ev, state.StatusRunning, nil, now.Add(time.Duration(i)*time.Second)); err != nil {
				t.Fatalf("RecordEvent failed: %v", err)
			}
		}
		count, err := st.EventCount("sess-1")
		if err != nil {
			t.Fatalf("EventCount failed: %v", err)
		}
		if count != 5 {
			t.Errorf("expected one log entry per recorded event, got %d", count)
		}
	})

	t.Run("LogFailureRollsBackRow", func(t *testing.T) {
		// Break the event log so the append inside the transaction fails;
		// the session row must not advance without it.
		if _, err := st.db.Exec(`DROP TABLE events`); err != nil {
			t.Fatal(err)
		}

		err := st.RecordEvent(testEvent("sess-1", event.TypeStop), state.StatusIdle, nil, now.Add(time.Minute))
		if err == nil {
			t.Fatal("expected RecordEvent to fail with a broken event log")
		}

		s, getErr := st.GetSession("sess-1")
		if getErr != nil {
			t.Fatalf("GetSession failed: %v", getErr)
		}
		if s.Status != state.StatusRunning {
			t.Errorf("session row advanced despite failed commit: %s", s.Status)
		}
	})
}

func TestScanRejectsUnknownStatus(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	now := time.Now().UTC()
	_, err := st.db.Exec(`
		INSERT INTO sessions (session_id, project_path, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		"sess-bad", "/home/dev/myapp", "bogus", now, now)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := st.GetSession("sess-bad"); err == nil {
		t.Error("expected an error for a row with an unknown status")
	}
	if _, err := st.ListSessions(); err == nil {
		t.Error("expected ListSessions to reject the corrupt row")
	}
}
