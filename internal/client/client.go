// Package client is the Go-side counterpart of the browser app: it keeps a
// local view of assistant sessions, talks to the gateway over its
// websocket protocol, and survives gateway restarts with bounded
// reconnection.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/workbench-sh/workbench/internal/logger"
	"github.com/workbench-sh/workbench/internal/wire"
)

// MaxReconnectAttempts bounds consecutive failed dials before giving up.
const MaxReconnectAttempts = 9

const (
	reconnectBase     = 3 * time.Second
	reconnectMax      = 30 * time.Second
	heartbeatInterval = 15 * time.Second
	writeTimeout      = 10 * time.Second
)

// ErrReconnectExhausted is surfaced to the UI verbatim once every attempt
// failed.
var ErrReconnectExhausted = errors.New("Máximo de tentativas de reconexão atingido")

// Status is the client-side view of a session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Message is one entry in a session transcript.
type Message struct {
	Role      string // "user", "assistant", "system"
	Content   string
	Timestamp time.Time
}

// Session mirrors one gateway session.
type Session struct {
	ID            string
	WorkspacePath string
	Status        Status
	Messages      []Message
	CreatedAt     time.Time
}

// Events are optional callbacks into the UI layer. All fire from the
// manager's goroutines.
type Events struct {
	OnSessionUpdate func(Session)
	OnStateChange   func(state string, err error)
}

// Manager owns the connection and the local session table.
type Manager struct {
	baseURL string // HTTP API, e.g. http://localhost:3000
	token   string // web session token
	events  Events
	httpc   *http.Client

	mu        sync.Mutex
	sessions  map[string]*Session
	selected  string
	conn      *websocket.Conn
	connected bool
	pending   [][]byte
}

// New creates a manager. Call Run to connect.
func New(baseURL, token string, events Events) *Manager {
	return &Manager{
		baseURL:  baseURL,
		token:    token,
		events:   events,
		httpc:    &http.Client{Timeout: 10 * time.Second},
		sessions: make(map[string]*Session),
	}
}

// FetchGatewayPort asks the HTTP API where the websocket listener is.
func (m *Manager) FetchGatewayPort(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", m.baseURL+"/api/terminal-port?session="+url.QueryEscape(m.token), nil)
	if err != nil {
		return 0, err
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch terminal port: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("terminal port endpoint: status %d", resp.StatusCode)
	}
	var body struct {
		Port int `json:"port"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode terminal port: %w", err)
	}
	return body.Port, nil
}

// FetchCurrentUser resolves the authenticated user.
func (m *Manager) FetchCurrentUser(ctx context.Context) (id, displayName string, err error) {
	req, err := http.NewRequestWithContext(ctx, "GET", m.baseURL+"/api/current-user?session="+url.QueryEscape(m.token), nil)
	if err != nil {
		return "", "", err
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch current user: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("current user endpoint: status %d", resp.StatusCode)
	}
	var body struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", err
	}
	return body.ID, body.DisplayName, nil
}

// Run connects to the gateway and serves until ctx is cancelled or the
// reconnect budget runs out.
func (m *Manager) Run(ctx context.Context) error {
	backoff := NewBackoff(reconnectBase, reconnectMax)
	for {
		m.notifyState("connecting", nil)
		err := m.connectAndServe(ctx)
		if ctx.Err() != nil {
			m.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		}
		if m.wasConnected() {
			backoff.Reset()
		}
		m.notifyState("disconnected", err)

		// With no sessions there is nothing to resume; reconnecting would
		// just burn attempts.
		if m.SessionCount() == 0 {
			return err
		}
		if backoff.Attempts() >= MaxReconnectAttempts {
			m.notifyState("exhausted", ErrReconnectExhausted)
			return ErrReconnectExhausted
		}
		delay := backoff.Next()
		logger.Warn("gateway disconnected", "error", err, "retry_in", delay, "attempt", backoff.Attempts())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (m *Manager) wasConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.connected
	m.connected = false
	return was
}

func (m *Manager) connectAndServe(ctx context.Context) error {
	port, err := m.FetchGatewayPort(ctx)
	if err != nil {
		return err
	}

	u, err := url.Parse(m.baseURL)
	if err != nil {
		return err
	}
	wsURL := fmt.Sprintf("ws://%s:%d/?type=%s&session=%s", u.Hostname(), port, "claude-code", url.QueryEscape(m.token))

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(16 << 20)
	defer conn.CloseNow()

	m.mu.Lock()
	m.conn = conn
	m.connected = true
	queued := m.pending
	m.pending = nil
	m.mu.Unlock()

	m.notifyState("connected", nil)

	// Everything composed while offline goes out now, oldest first.
	for _, data := range queued {
		if err := m.writeRaw(ctx, data); err != nil {
			return fmt.Errorf("drain pending: %w", err)
		}
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go m.heartbeatLoop(hbCtx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.mu.Lock()
			m.conn = nil
			m.mu.Unlock()
			return fmt.Errorf("read: %w", err)
		}
		m.dispatch(data)
	}
}

// heartbeatLoop sends application heartbeats while any session exists.
// Heartbeats are liveness signals; a stale one queued offline is worse
// than none, so they bypass the pending queue entirely.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.SessionCount() == 0 {
				continue
			}
			hb, _ := json.Marshal(wire.Heartbeat{Type: wire.TypeHeartbeat, Timestamp: time.Now().UnixMilli()})
			if err := m.writeRaw(ctx, hb); err != nil {
				return
			}
		}
	}
}

func (m *Manager) writeRaw(ctx context.Context, data []byte) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// send marshals a frame and either writes it or queues it for the next
// connection.
func (m *Manager) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("marshal frame", "error", err)
		return
	}
	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.pending = append(m.pending, data)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		m.mu.Lock()
		m.pending = append(m.pending, data)
		m.mu.Unlock()
	}
}

// PendingMessagesCount reports frames waiting for the next connection.
func (m *Manager) PendingMessagesCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) notifyState(state string, err error) {
	if m.events.OnStateChange != nil {
		m.events.OnStateChange(state, err)
	}
}

func (m *Manager) notifyUpdate(s Session) {
	if m.events.OnSessionUpdate != nil {
		m.events.OnSessionUpdate(s)
	}
}

// CreateSession registers a session locally and announces it to the
// gateway.
func (m *Manager) CreateSession(id, workspacePath string) {
	m.mu.Lock()
	s := &Session{ID: id, WorkspacePath: workspacePath, Status: StatusIdle, CreatedAt: time.Now()}
	m.sessions[id] = s
	if m.selected == "" {
		m.selected = id
	}
	snapshot := *s
	m.mu.Unlock()

	m.notifyUpdate(snapshot)
	m.send(wire.StartSession{Type: wire.TypeStartSession, SessionID: id, WorkspacePath: workspacePath})
}

// CloseSession asks the gateway to stop a session. The local entry goes
// away when session_stopped arrives.
func (m *Manager) CloseSession(id string) {
	m.send(wire.StopSession{Type: wire.TypeStopSession, SessionID: id})
}

// SendCommand runs a command in a session. The user's text is echoed into
// the transcript immediately, before any gateway round trip.
func (m *Manager) SendCommand(id, command string, imageIDs []string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.Messages = append(s.Messages, Message{Role: "user", Content: command, Timestamp: time.Now()})
	s.Status = StatusRunning
	snapshot := *s
	m.mu.Unlock()

	m.notifyUpdate(snapshot)
	m.send(wire.Input{Type: wire.TypeInput, SessionID: id, Data: command, ImageIDs: imageIDs})
}

// SelectSession marks the session the UI is looking at.
func (m *Manager) SelectSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		m.selected = id
	}
}

// Selected returns the focused session id.
func (m *Manager) Selected() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// Sessions returns snapshots ordered by creation.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SessionCount returns the number of local sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Session returns one session snapshot.
func (m *Manager) Session(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// dispatch routes one inbound frame into the session table.
func (m *Manager) dispatch(data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warn("bad frame from gateway", "error", err)
		return
	}

	switch env.Type {
	case wire.TypeHeartbeat:
		// Liveness echo, nothing to record.

	case wire.TypeSessionStarted:
		var msg wire.SessionStarted
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		m.updateSession(msg.SessionID, func(s *Session) {
			if msg.Status == wire.StatusError {
				s.Status = StatusError
				s.Messages = append(s.Messages, Message{Role: "system", Content: msg.Message, Timestamp: time.Now()})
			}
		})

	case wire.TypeSessionStopped:
		m.mu.Lock()
		delete(m.sessions, env.SessionID)
		if m.selected == env.SessionID {
			m.selected = ""
		}
		m.mu.Unlock()

	case wire.TypeClaudeResponse, wire.TypeStdout:
		var msg wire.DataFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		m.updateSession(msg.SessionID, func(s *Session) {
			s.Messages = append(s.Messages, Message{Role: "assistant", Content: msg.Data, Timestamp: time.Now()})
			s.Status = StatusRunning
		})

	case wire.TypeError:
		var msg wire.DataFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		m.updateSession(msg.SessionID, func(s *Session) {
			s.Messages = append(s.Messages, Message{Role: "system", Content: msg.Data, Timestamp: time.Now()})
			s.Status = StatusError
		})

	case wire.TypeProcessExit:
		// The completion marker follows; transcript state changes there.

	case wire.TypeMessage:
		var msg wire.DataFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if msg.Data == wire.CompleteMarker {
			m.updateSession(msg.SessionID, func(s *Session) {
				s.Status = StatusCompleted
			})
		}

	default:
		logger.Debug("ignoring frame", "type", env.Type)
	}
}

func (m *Manager) updateSession(id string, mutate func(*Session)) {
	if id == "" {
		return
	}
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	mutate(s)
	snapshot := *s
	m.mu.Unlock()
	m.notifyUpdate(snapshot)
}
