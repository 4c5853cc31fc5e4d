// Package proc owns every child process the gateway spawns: assistant CLI
// runs with piped stdio and interactive shells under a PTY. It streams
// output to per-process callbacks, reports exit exactly once, and evicts
// idle shells.
package proc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/workbench-sh/workbench/internal/logger"
)

var (
	// ErrProcessExists means the id is already registered.
	ErrProcessExists = errors.New("process already exists")
	// ErrSpawnFailed wraps any failure to start a child.
	ErrSpawnFailed = errors.New("spawn failed")
)

// Kind distinguishes the two child flavors.
type Kind string

const (
	KindAssistant Kind = "assistant"
	KindTerminal  Kind = "terminal"
)

// ExitStatus describes how a child ended. Exactly one of Code and Signal is
// non-nil except for the rare wait error, where both stay nil.
type ExitStatus struct {
	Code   *int
	Signal *string
}

// Handle is one live child process.
type Handle struct {
	ID        string
	Kind      Kind
	Pid       int
	StartedAt time.Time

	cmd    *exec.Cmd
	stdin  io.WriteCloser // assistant only
	ptmx   *os.File       // terminal only
	killed atomic.Bool
	// unix nanos of the last read/write/resize; drives idle eviction
	lastActivity atomic.Int64

	exit     ExitStatus // valid once done is closed
	done     chan struct{}
	exitOnce sync.Once
}

// Killed reports whether Stop was called on this handle.
func (h *Handle) Killed() bool { return h.killed.Load() }

// Done is closed when the child has exited and its exit was reported.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitStatus returns how the child ended. Only meaningful after Done.
func (h *Handle) ExitStatus() ExitStatus { return h.exit }

func (h *Handle) touch() { h.lastActivity.Store(time.Now().UnixNano()) }

// AssistantIO receives an assistant child's output. Stdout and Stderr are
// called with raw chunks from their own goroutines; Exit is called exactly
// once after both streams are drained.
type AssistantIO struct {
	Stdout func([]byte)
	Stderr func([]byte)
	Exit   func(ExitStatus)
}

// TerminalIO receives a PTY child's merged output stream.
type TerminalIO struct {
	Data func([]byte)
	Exit func(ExitStatus)
}

// Supervisor tracks all children by process id.
type Supervisor struct {
	mu    sync.Mutex
	procs map[string]*Handle

	// Tunables; defaults set by New.
	StopGrace   time.Duration // SIGTERM to SIGKILL
	IdleTimeout time.Duration // PTY eviction threshold
	SweepEvery  time.Duration

	done    chan struct{}
	stopped sync.Once
}

// New returns a supervisor with production defaults. Call Start to run the
// idle sweep.
func New() *Supervisor {
	return &Supervisor{
		procs:       make(map[string]*Handle),
		StopGrace:   5 * time.Second,
		IdleTimeout: 30 * time.Minute,
		SweepEvery:  time.Minute,
		done:        make(chan struct{}),
	}
}

// Start launches the idle-eviction sweep. It returns immediately.
func (s *Supervisor) Start() {
	go func() {
		ticker := time.NewTicker(s.SweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.sweepIdle()
			}
		}
	}()
}

// Stop terminates the sweep and every remaining child.
func (s *Supervisor) Stop() {
	s.stopped.Do(func() { close(s.done) })
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.StopProcess(id)
	}
}

func (s *Supervisor) sweepIdle() {
	cutoff := time.Now().Add(-s.IdleTimeout).UnixNano()
	s.mu.Lock()
	var idle []string
	for id, h := range s.procs {
		if h.Kind == KindTerminal && h.lastActivity.Load() < cutoff {
			idle = append(idle, id)
		}
	}
	s.mu.Unlock()
	for _, id := range idle {
		logger.Info("evicting idle terminal", "id", id)
		s.StopProcess(id)
	}
}

func (s *Supervisor) register(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.procs[h.ID]; ok {
		return fmt.Errorf("%w: %s", ErrProcessExists, h.ID)
	}
	s.procs[h.ID] = h
	return nil
}

func (s *Supervisor) unregister(id string) {
	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()
}

// Get returns the handle for a process id.
func (s *Supervisor) Get(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.procs[id]
	return h, ok
}

// Count returns the number of live children.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// SpawnAssistant starts an assistant child with piped stdio. argv must
// already be sanitized and workdir already scoped.
func (s *Supervisor) SpawnAssistant(id, workdir string, argv []string, sink AssistantIO) (*Handle, error) {
	h := &Handle{
		ID:        id,
		Kind:      KindAssistant,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
	if err := s.register(h); err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), "PWD="+workdir)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.unregister(id)
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.unregister(id)
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.unregister(id)
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		s.unregister(id)
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	h.cmd = cmd
	h.stdin = stdin
	h.Pid = cmd.Process.Pid
	h.touch()

	logger.Debug("assistant spawned", "id", id, "pid", h.Pid, "dir", workdir)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pump(stdout, sink.Stdout)
	}()
	go func() {
		defer wg.Done()
		pump(stderr, sink.Stderr)
	}()
	go func() {
		wg.Wait()
		s.reap(h, sink.Exit)
	}()

	return h, nil
}

// SpawnTerminal starts the platform default interactive shell under a PTY.
func (s *Supervisor) SpawnTerminal(id, workdir string, cols, rows uint16, sink TerminalIO) (*Handle, error) {
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	h := &Handle{
		ID:        id,
		Kind:      KindTerminal,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
	if err := s.register(h); err != nil {
		return nil, err
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	cmd := exec.Command(shell)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(),
		"TERM=xterm-color",
		"COLORTERM=truecolor",
		"PWD="+workdir,
	)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		s.unregister(id)
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	h.cmd = cmd
	h.ptmx = ptmx
	h.Pid = cmd.Process.Pid
	h.touch()

	logger.Debug("terminal spawned", "id", id, "pid", h.Pid, "shell", shell, "dir", workdir)

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				h.touch()
				data := make([]byte, n)
				copy(data, buf[:n])
				if sink.Data != nil {
					sink.Data(data)
				}
			}
			if err != nil {
				break
			}
		}
		s.reap(h, sink.Exit)
	}()

	return h, nil
}

func pump(r io.Reader, cb func([]byte)) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 && cb != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			cb(data)
		}
		if err != nil {
			return
		}
	}
}

// reap waits for the child, reports its exit exactly once, and cleans up.
func (s *Supervisor) reap(h *Handle, exit func(ExitStatus)) {
	h.exitOnce.Do(func() {
		err := h.cmd.Wait()

		var st ExitStatus
		if ps := h.cmd.ProcessState; ps != nil {
			if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				sig := ws.Signal().String()
				st.Signal = &sig
			} else {
				code := ps.ExitCode()
				st.Code = &code
			}
		} else if err != nil {
			code := 1
			st.Code = &code
		} else {
			code := 0
			st.Code = &code
		}

		if h.ptmx != nil {
			h.ptmx.Close()
		}
		if h.stdin != nil {
			h.stdin.Close()
		}
		s.unregister(h.ID)
		h.exit = st
		close(h.done)

		logger.Debug("child exited", "id", h.ID, "code", deref(st.Code), "signal", derefStr(st.Signal))
		if exit != nil {
			exit(st)
		}
	})
}

// Write sends bytes to the child's stdin or PTY master.
func (s *Supervisor) Write(id string, data []byte) bool {
	h, ok := s.Get(id)
	if !ok {
		return false
	}
	h.touch()
	var err error
	if h.ptmx != nil {
		_, err = h.ptmx.Write(data)
	} else if h.stdin != nil {
		_, err = h.stdin.Write(data)
	} else {
		return false
	}
	return err == nil
}

// CloseStdin closes the assistant child's stdin, signalling end of input.
func (s *Supervisor) CloseStdin(id string) bool {
	h, ok := s.Get(id)
	if !ok || h.stdin == nil {
		return false
	}
	return h.stdin.Close() == nil
}

// Resize changes a PTY's geometry. No-op for assistant children.
func (s *Supervisor) Resize(id string, cols, rows uint16) bool {
	h, ok := s.Get(id)
	if !ok || h.ptmx == nil {
		return false
	}
	h.touch()
	return pty.Setsize(h.ptmx, &pty.Winsize{Cols: cols, Rows: rows}) == nil
}

// StopProcess sends SIGTERM and escalates to SIGKILL after the grace period.
// Returns false when the id is unknown.
func (s *Supervisor) StopProcess(id string) bool {
	h, ok := s.Get(id)
	if !ok {
		return false
	}
	h.killed.Store(true)
	if h.cmd.Process != nil {
		h.cmd.Process.Signal(syscall.SIGTERM)
	}
	go func() {
		select {
		case <-h.done:
		case <-time.After(s.StopGrace):
			if h.cmd.Process != nil {
				logger.Warn("child ignored SIGTERM, killing", "id", h.ID, "pid", h.Pid)
				h.cmd.Process.Kill()
			}
		}
	}()
	return true
}

func deref(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
