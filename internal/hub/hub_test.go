package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// dialHub spins up a test server that registers every connection with
// the hub, and returns a connected client-side socket.
func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		h.Add(conn)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, h.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcast(t *testing.T) {
	h := New()
	defer h.Close()

	conn := dialHub(t, h)
	waitForClients(t, h, 1)

	h.Broadcast(Signal{Type: SignalSessionUpdate, SessionID: "sess-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		t.Fatalf("signal is not valid JSON: %v", err)
	}
	if sig.Type != SignalSessionUpdate || sig.SessionID != "sess-1" {
		t.Errorf("unexpected signal: %+v", sig)
	}
}

func TestBroadcastReachesAllObservers(t *testing.T) {
	h := New()
	defer h.Close()

	conns := []*websocket.Conn{dialHub(t, h), dialHub(t, h), dialHub(t, h)}
	waitForClients(t, h, 3)

	h.Broadcast(Signal{Type: SignalSessionDeleted, SessionID: "sess-9"})

	for i, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("observer %d read failed: %v", i, err)
		}
		var sig Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			t.Fatal(err)
		}
		if sig.SessionID != "sess-9" {
			t.Errorf("observer %d got %+v", i, sig)
		}
	}
}

// addClient registers one connection with the hub and returns its
// client handle alongside the peer socket.
func addClient(t *testing.T, h *Hub) (*Client, *websocket.Conn) {
	t.Helper()

	var registered *Client
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		registered = h.Add(conn)
		close(done)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	<-done
	return registered, conn
}

func TestRemoveIsIdempotent(t *testing.T) {
	h := New()
	defer h.Close()

	registered, _ := addClient(t, h)

	h.Remove(registered)
	h.Remove(registered)
	if h.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", h.ClientCount())
	}
}

func TestBroadcastSurvivesClosedClient(t *testing.T) {
	h := New()
	defer h.Close()

	// A client whose queue was already closed can still be in a
	// broadcast's snapshot when its removal races the sweep. The
	// broadcast must skip it and evict it, not panic.
	registered, _ := addClient(t, h)
	live := dialHub(t, h)
	waitForClients(t, h, 2)

	registered.close()
	h.Broadcast(Signal{Type: SignalSessionUpdate, SessionID: "sess-1"})

	live.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := live.ReadMessage(); err != nil {
		t.Fatalf("live observer read failed: %v", err)
	}
	waitForClients(t, h, 1)
}

func TestConcurrentBroadcastAndDisconnect(t *testing.T) {
	h := New()
	defer h.Close()

	var clients []*Client
	for i := 0; i < 8; i++ {
		c, _ := addClient(t, h)
		clients = append(clients, c)
	}
	waitForClients(t, h, 8)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.Broadcast(Signal{Type: SignalSessionUpdate, SessionID: "sess-1"})
		}
	}()
	go func() {
		defer wg.Done()
		for _, c := range clients {
			h.Remove(c)
		}
	}()
	wg.Wait()

	if h.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", h.ClientCount())
	}
}

func TestCloseRejectsNewClients(t *testing.T) {
	h := New()
	h.Close()

	conn := dialHub(t, h)
	defer conn.Close()

	// The server handler ran Add against a closed hub; the connection
	// must not be tracked.
	time.Sleep(50 * time.Millisecond)
	if h.ClientCount() != 0 {
		t.Errorf("closed hub accepted a client")
	}

	// Broadcasting into a closed hub must not panic.
	h.Broadcast(Signal{Type: SignalSessionUpdate, SessionID: "x"})
}
