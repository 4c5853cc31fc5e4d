package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/workbench-sh/workbench/internal/wire"
)

func TestBackoffSchedule(t *testing.T) {
	b := NewBackoff(3*time.Second, 30*time.Second)
	want := []time.Duration{
		3 * time.Second,
		6 * time.Second,
		12 * time.Second,
		24 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("attempt %d: delay = %v, want %v", i, got, w)
		}
	}
	if b.Attempts() != len(want) {
		t.Errorf("Attempts = %d", b.Attempts())
	}
	b.Reset()
	if got := b.Next(); got != 3*time.Second {
		t.Errorf("after Reset: delay = %v, want 3s", got)
	}
}

func TestRunStopsWithoutSessions(t *testing.T) {
	m := New("http://127.0.0.1:1", "tok", Events{})

	start := time.Now()
	err := m.Run(context.Background())
	if err == nil {
		t.Fatal("Run returned nil against an unreachable gateway")
	}
	if errors.Is(err, ErrReconnectExhausted) {
		t.Error("Run burned reconnect attempts with an empty session list")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Run kept retrying for %v with no sessions", elapsed)
	}
}

func TestReconnectExhaustedMessage(t *testing.T) {
	if ErrReconnectExhausted.Error() != "Máximo de tentativas de reconexão atingido" {
		t.Errorf("message = %q", ErrReconnectExhausted.Error())
	}
}

func TestSendCommandEchoesLocallyBeforeDelivery(t *testing.T) {
	m := New("http://127.0.0.1:1", "tok", Events{})
	m.CreateSession("s1", "/srv/web")

	m.SendCommand("s1", "claude -p hi", nil)

	s, ok := m.Session("s1")
	if !ok {
		t.Fatal("session missing")
	}
	if len(s.Messages) != 1 || s.Messages[0].Role != "user" || s.Messages[0].Content != "claude -p hi" {
		t.Fatalf("transcript = %+v", s.Messages)
	}
	if s.Status != StatusRunning {
		t.Errorf("status = %q, want running", s.Status)
	}
}

func TestOfflineFramesQueueInOrder(t *testing.T) {
	m := New("http://127.0.0.1:1", "tok", Events{})

	m.CreateSession("s1", "/srv/web")
	m.SendCommand("s1", "first", nil)
	m.SendCommand("s1", "second", nil)

	if got := m.PendingMessagesCount(); got != 3 {
		t.Fatalf("PendingMessagesCount = %d, want 3", got)
	}

	var types []string
	for _, raw := range m.pending {
		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatal(err)
		}
		types = append(types, env.Type)
	}
	want := []string{wire.TypeStartSession, wire.TypeInput, wire.TypeInput}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("pending[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestHeartbeatsNeverQueued(t *testing.T) {
	m := New("http://127.0.0.1:1", "tok", Events{})
	m.CreateSession("s1", "/srv/web")
	queued := m.PendingMessagesCount()

	// Offline heartbeat write fails and must not land in the queue.
	hb, _ := json.Marshal(wire.Heartbeat{Type: wire.TypeHeartbeat})
	if err := m.writeRaw(context.Background(), hb); err == nil {
		t.Fatal("writeRaw succeeded without a connection")
	}
	if m.PendingMessagesCount() != queued {
		t.Errorf("heartbeat was queued: pending = %d", m.PendingMessagesCount())
	}
}

// fakeGateway stands in for the daemon: an HTTP API that reports the
// websocket port, and a websocket endpoint that records inbound frames.
type fakeGateway struct {
	api    *httptest.Server
	ws     *httptest.Server
	frames chan []byte
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{frames: make(chan []byte, 64)}

	fg.ws = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			fg.frames <- data
		}
	}))

	var wsPort int
	fmt.Sscanf(fg.ws.Listener.Addr().String(), "127.0.0.1:%d", &wsPort)

	fg.api = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/terminal-port" {
			fmt.Fprintf(w, `{"port":%d}`, wsPort)
			return
		}
		if r.URL.Path == "/api/current-user" {
			fmt.Fprint(w, `{"id":"u1","displayName":"Ada"}`)
			return
		}
		http.NotFound(w, r)
	}))

	t.Cleanup(func() {
		fg.api.Close()
		fg.ws.Close()
	})
	return fg
}

func (fg *fakeGateway) nextFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-fg.frames:
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatal(err)
		}
		return m
	case <-time.After(10 * time.Second):
		t.Fatal("no frame from client")
		return nil
	}
}

func TestPendingDrainedOnConnect(t *testing.T) {
	fg := newFakeGateway(t)
	m := New(fg.api.URL, "tok", Events{})

	m.CreateSession("s1", "/srv/web")
	m.SendCommand("s1", "claude -p queued", nil)
	if m.PendingMessagesCount() != 2 {
		t.Fatalf("pending = %d", m.PendingMessagesCount())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	first := fg.nextFrame(t)
	if first["type"] != wire.TypeStartSession {
		t.Errorf("first drained frame = %v", first["type"])
	}
	second := fg.nextFrame(t)
	if second["type"] != wire.TypeInput || second["data"] != "claude -p queued" {
		t.Errorf("second drained frame = %+v", second)
	}
	if m.PendingMessagesCount() != 0 {
		t.Errorf("pending after drain = %d", m.PendingMessagesCount())
	}
}

func TestFetchCurrentUser(t *testing.T) {
	fg := newFakeGateway(t)
	m := New(fg.api.URL, "tok", Events{})

	id, name, err := m.FetchCurrentUser(context.Background())
	if err != nil {
		t.Fatalf("FetchCurrentUser: %v", err)
	}
	if id != "u1" || name != "Ada" {
		t.Errorf("user = %q/%q", id, name)
	}
}

func TestDispatchUpdatesSessionState(t *testing.T) {
	var updates []Session
	m := New("http://127.0.0.1:1", "tok", Events{
		OnSessionUpdate: func(s Session) { updates = append(updates, s) },
	})
	m.CreateSession("s1", "/srv/web")

	frame := func(v any) []byte {
		data, _ := json.Marshal(v)
		return data
	}

	m.dispatch(frame(wire.DataFrame{Type: wire.TypeClaudeResponse, SessionID: "s1", Data: `{"type":"result"}`}))
	s, _ := m.Session("s1")
	if s.Status != StatusRunning || len(s.Messages) != 1 {
		t.Fatalf("after claude_response: %+v", s)
	}

	m.dispatch(frame(wire.DataFrame{Type: wire.TypeMessage, SessionID: "s1", Data: wire.CompleteMarker}))
	s, _ = m.Session("s1")
	if s.Status != StatusCompleted {
		t.Errorf("after complete marker: status = %q", s.Status)
	}

	m.dispatch(frame(wire.DataFrame{Type: wire.TypeError, SessionID: "s1", Data: "boom"}))
	s, _ = m.Session("s1")
	if s.Status != StatusError {
		t.Errorf("after error: status = %q", s.Status)
	}
	if s.Messages[len(s.Messages)-1].Role != "system" {
		t.Errorf("error message role = %q", s.Messages[len(s.Messages)-1].Role)
	}

	m.dispatch(frame(wire.SessionStopped{Type: wire.TypeSessionStopped, SessionID: "s1"}))
	if _, ok := m.Session("s1"); ok {
		t.Error("session survived session_stopped")
	}
	if len(updates) == 0 {
		t.Error("OnSessionUpdate never fired")
	}
}

func TestSelectSession(t *testing.T) {
	m := New("http://127.0.0.1:1", "tok", Events{})
	m.CreateSession("a", "/srv/a")
	m.CreateSession("b", "/srv/b")

	if m.Selected() != "a" {
		t.Errorf("initial selection = %q, want a", m.Selected())
	}
	m.SelectSession("b")
	if m.Selected() != "b" {
		t.Errorf("selection = %q, want b", m.Selected())
	}
	m.SelectSession("missing")
	if m.Selected() != "b" {
		t.Error("selection moved to unknown session")
	}
}
