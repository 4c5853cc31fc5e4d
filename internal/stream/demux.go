// Package stream turns an assistant child's raw stdio into protocol frames.
// Stdout is line-buffered stream-json: JSON lines become claude_response
// frames, anything else becomes stdout frames, and the init line's session
// id is captured as the resume token for the next spawn.
package stream

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/workbench-sh/workbench/internal/logger"
	"github.com/workbench-sh/workbench/internal/proc"
	"github.com/workbench-sh/workbench/internal/wire"
)

// Emit delivers one outbound frame. Errors are the channel's problem, not
// the demuxer's; a failed emit drops the frame.
type Emit func(v any) error

// Demuxer converts one child's output into frames for one session.
type Demuxer struct {
	sessionID string
	emit      Emit

	mu          sync.Mutex
	buf         bytes.Buffer
	resumeToken string
}

// initLine matches the stream-json handshake the CLI prints on startup.
type initLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
}

// NewDemuxer returns a demuxer for one assistant child.
func NewDemuxer(sessionID string, emit Emit) *Demuxer {
	return &Demuxer{sessionID: sessionID, emit: emit}
}

// ResumeToken returns the session id captured from the init line, or "".
func (d *Demuxer) ResumeToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resumeToken
}

// Stdout consumes a raw stdout chunk, emitting a frame per complete line.
func (d *Demuxer) Stdout(chunk []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf.Write(chunk)
	for {
		line, err := d.buf.ReadString('\n')
		if err != nil {
			// Partial line stays buffered until more data or exit.
			d.buf.WriteString(line)
			return
		}
		d.emitLine(strings.TrimRight(line, "\r\n"))
	}
}

// Stderr forwards a stderr chunk verbatim as an error frame.
func (d *Demuxer) Stderr(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	d.emit(wire.DataFrame{
		Type:      wire.TypeError,
		SessionID: d.sessionID,
		Data:      string(chunk),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (d *Demuxer) emitLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	if json.Valid([]byte(line)) && strings.HasPrefix(strings.TrimSpace(line), "{") {
		var init initLine
		if err := json.Unmarshal([]byte(line), &init); err == nil &&
			init.Type == "system" && init.Subtype == "init" && init.SessionID != "" {
			d.resumeToken = init.SessionID
			logger.Debug("captured resume token", "session", d.sessionID, "token", init.SessionID)
		}
		d.emit(wire.DataFrame{
			Type:      wire.TypeClaudeResponse,
			SessionID: d.sessionID,
			Data:      line,
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}
	d.emit(wire.DataFrame{
		Type:      wire.TypeStdout,
		SessionID: d.sessionID,
		Data:      line,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Exit flushes any buffered partial line, then emits process_exit followed
// by the completion marker.
func (d *Demuxer) Exit(st proc.ExitStatus) {
	d.mu.Lock()
	if rest := d.buf.String(); rest != "" {
		d.buf.Reset()
		d.emitLine(strings.TrimRight(rest, "\r\n"))
	}
	token := d.resumeToken
	d.mu.Unlock()

	payload, err := json.Marshal(wire.ExitPayload{
		Code:        st.Code,
		Signal:      st.Signal,
		ResumeToken: token,
	})
	if err != nil {
		payload = []byte("{}")
	}
	d.emit(wire.ProcessExit{
		Type:      wire.TypeProcessExit,
		SessionID: d.sessionID,
		Data:      string(payload),
	})
	d.emit(wire.DataFrame{
		Type:      wire.TypeMessage,
		SessionID: d.sessionID,
		Data:      wire.CompleteMarker,
	})
}
