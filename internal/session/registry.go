// Package session tracks the gateway's logical assistant sessions and which
// of them currently has a child process running. A session outlives its
// children: the resume token carries conversation state between spawns.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound matches the wire-level "Session not found" message.
	ErrNotFound = errors.New("Session not found")
	// ErrExists is returned when creating a session id twice.
	ErrExists = errors.New("session already exists")
	// ErrBusy enforces sequential commands. Its text goes to the browser
	// verbatim.
	ErrBusy = errors.New("Another command is already running. Please wait for it to complete.")
)

// Session is one logical assistant conversation bound to a workspace.
type Session struct {
	ID            string
	WorkspacePath string
	CreatedAt     time.Time

	// ResumeToken is the CLI session id from the last child's init line.
	ResumeToken string
	// ActiveProcess is the process id of the live child, or "".
	ActiveProcess string
}

// Busy reports whether a child is currently running for this session.
func (s *Session) Busy() bool { return s.ActiveProcess != "" }

// Registry holds all logical sessions behind one mutex. Command lifecycle
// and session lifecycle mutate the same state, so they share it.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	lastStamp int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers a new session.
func (r *Registry) Create(id, workspacePath string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	s := &Session{ID: id, WorkspacePath: workspacePath, CreatedAt: time.Now()}
	r.sessions[id] = s
	return s, nil
}

// Get returns a snapshot of the session, so callers never hold registry
// state without the lock.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Remove deletes a session. The caller stops any live child first.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	return ok
}

// List returns session snapshots ordered by creation time.
func (r *Registry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// BeginCommand claims the session for a new child. It fails with ErrBusy
// while a previous child is live, and returns the new process id plus the
// resume token to spawn with.
func (r *Registry) BeginCommand(id string) (processID, resumeToken string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return "", "", ErrNotFound
	}
	if s.ActiveProcess != "" {
		return "", "", ErrBusy
	}
	processID = fmt.Sprintf("%s_%d", id, r.nextStamp())
	s.ActiveProcess = processID
	return processID, s.ResumeToken, nil
}

// nextStamp returns a strictly increasing millisecond timestamp. Callers
// hold r.mu.
func (r *Registry) nextStamp() int64 {
	now := time.Now().UnixMilli()
	if now <= r.lastStamp {
		now = r.lastStamp + 1
	}
	r.lastStamp = now
	return now
}

// EndCommand releases the session after its child exited. A non-empty
// resumeToken is recorded for the next spawn. Stale process ids are ignored.
func (r *Registry) EndCommand(id, processID, resumeToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.ActiveProcess != processID {
		return
	}
	s.ActiveProcess = ""
	if resumeToken != "" {
		s.ResumeToken = resumeToken
	}
}

// ActiveProcess returns the live child's process id for a session, or "".
func (r *Registry) ActiveProcess(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s.ActiveProcess
	}
	return ""
}
