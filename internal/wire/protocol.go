package wire

import "encoding/json"

// Frame types for the gateway WebSocket protocol.
const (
	// Browser → Gateway (assistant)
	TypeStartSession = "start_session"
	TypeStopSession  = "stop_session"
	TypeInput        = "input"
	TypeUploadImage  = "upload_image"
	TypeExit         = "exit"

	// Gateway → Browser (assistant)
	TypeSessionStarted = "session_started"
	TypeSessionStopped = "session_stopped"
	TypeStdout         = "stdout"
	TypeClaudeResponse = "claude_response"
	TypeProcessExit    = "process_exit"
	TypeMessage        = "message"

	// Bidirectional
	TypeHeartbeat = "heartbeat"
	TypeError     = "error"

	// Gateway → Browser (terminal)
	TypeOutput = "output"
)

// Status values carried by session_started frames.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// CompleteMarker is the data of the message frame sent after process_exit.
const CompleteMarker = "claude-complete"

// Terminal control actions embedded in a terminal input frame's data field.
const (
	ActionInit   = "init"
	ActionResize = "resize"
	ActionClose  = "close"
)

// Envelope wraps every frame with a type field for routing.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
}

// StartSession creates a session and spawns the first child.
type StartSession struct {
	Type          string   `json:"type"`
	SessionID     string   `json:"sessionId"`
	WorkspacePath string   `json:"workspacePath"`
	Command       string   `json:"command,omitempty"`
	ImageIDs      []string `json:"imageIds,omitempty"`
}

// SessionStarted is the reply to start_session.
type SessionStarted struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"` // "success" or "error"
	Message   string `json:"message,omitempty"`
}

// StopSession terminates a session.
type StopSession struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// SessionStopped confirms a stop, voluntary or not.
type SessionStopped struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Input runs a new command in an existing assistant session, or carries
// terminal keystrokes / control actions on a terminal connection.
type Input struct {
	Type      string   `json:"type"`
	SessionID string   `json:"sessionId"`
	Data      string   `json:"data"`
	ImageIDs  []string `json:"imageIds,omitempty"`
}

// Heartbeat is the application-level liveness frame, distinct from the
// channel's ping/pong.
type Heartbeat struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"` // epoch ms
}

// ImageData is the payload of an upload_image frame.
type ImageData struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

// UploadImage registers an image for later input frames.
type UploadImage struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	ImageData ImageData `json:"imageData"`
}

// UploadResult is the reply to upload_image; Data holds the image id on
// success.
type UploadResult struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Status    string `json:"status"`
	Data      string `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
}

// DataFrame covers the output-bearing frames that share a single data field:
// stdout, claude_response, error, message, output, and terminal exit.
type DataFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ExitPayload is the JSON carried in a process_exit frame's data field.
type ExitPayload struct {
	Code        *int    `json:"code"`
	Signal      *string `json:"signal"`
	ResumeToken string  `json:"resumeToken,omitempty"`
}

// ProcessExit tells the browser the assistant child terminated.
type ProcessExit struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"` // JSON-encoded ExitPayload
}

// TermControl is the control object a terminal connection may embed in an
// input frame's data field. Anything that does not parse as one of these
// actions is written to the shell verbatim.
type TermControl struct {
	Action        string `json:"action"`
	WorkspaceName string `json:"workspaceName,omitempty"`
	WorkspacePath string `json:"workspacePath,omitempty"`
	Cols          int    `json:"cols,omitempty"`
	Rows          int    `json:"rows,omitempty"`
}

// ParseTermControl interprets a terminal input's data as a control object.
// Returns false for raw keystrokes.
func ParseTermControl(data string) (TermControl, bool) {
	var tc TermControl
	if err := json.Unmarshal([]byte(data), &tc); err != nil {
		return TermControl{}, false
	}
	switch tc.Action {
	case ActionInit, ActionResize, ActionClose:
		return tc, true
	}
	return TermControl{}, false
}
