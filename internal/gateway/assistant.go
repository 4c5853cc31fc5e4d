package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/workbench-sh/workbench/internal/argv"
	"github.com/workbench-sh/workbench/internal/channel"
	"github.com/workbench-sh/workbench/internal/logger"
	"github.com/workbench-sh/workbench/internal/proc"
	"github.com/workbench-sh/workbench/internal/session"
	"github.com/workbench-sh/workbench/internal/stream"
	"github.com/workbench-sh/workbench/internal/wire"
)

const scopeViolationMessage = "Workspace path must be within project boundaries"

// assistantConn serves one browser tab's assistant websocket.
type assistantConn struct {
	gw     *Gateway
	ch     *channel.Channel
	userID string

	lastHeartbeat atomic.Int64 // unix nanos

	handlers map[string]func(context.Context, []byte)
}

func newAssistantConn(g *Gateway, ch *channel.Channel, userID string) *assistantConn {
	c := &assistantConn{gw: g, ch: ch, userID: userID}
	c.lastHeartbeat.Store(time.Now().UnixNano())
	c.handlers = map[string]func(context.Context, []byte){
		wire.TypeHeartbeat:    c.onHeartbeat,
		wire.TypeStartSession: c.onStartSession,
		wire.TypeStopSession:  c.onStopSession,
		wire.TypeInput:        c.onInput,
		wire.TypeUploadImage:  c.onUploadImage,
		wire.TypeExit:         c.onExit,
	}
	return c
}

func (c *assistantConn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.liveness(ctx)

	for {
		data, err := c.ch.Read(ctx)
		if err != nil {
			logger.Debug("assistant read loop ended", "user", c.userID, "error", err)
			c.ch.Terminate()
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("unparseable frame", "user", c.userID, "error", err)
			continue
		}
		handler, ok := c.handlers[env.Type]
		if !ok {
			// Unknown types are ignored so older frontends keep working.
			logger.Debug("ignoring unknown frame type", "type", env.Type)
			continue
		}
		handler(ctx, data)
	}
}

// liveness pings at the channel level and terminates connections whose
// application heartbeats stop arriving.
func (c *assistantConn) liveness(ctx context.Context) {
	ticker := time.NewTicker(c.gw.cfg.Gateway.PingInterval)
	defer ticker.Stop()
	maxSilence := 2 * c.gw.cfg.Gateway.HeartbeatInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ch.Done():
			return
		case <-ticker.C:
			// One slow pong is forgiven; a second missed interval ends it.
			pingCtx, cancel := context.WithTimeout(ctx, 2*c.gw.cfg.Gateway.PingInterval)
			err := c.ch.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Warn("assistant ping failed", "user", c.userID, "error", err)
				c.ch.Terminate()
				return
			}
			silence := time.Since(time.Unix(0, c.lastHeartbeat.Load()))
			if silence > maxSilence {
				logger.Warn("assistant heartbeat timeout", "user", c.userID, "silence", silence)
				c.ch.Terminate()
				return
			}
		}
	}
}

func (c *assistantConn) sendError(sessionID, msg string) {
	c.send(wire.DataFrame{
		Type:      wire.TypeError,
		SessionID: sessionID,
		Data:      msg,
		Timestamp: time.Now().UnixMilli(),
	})
}

// send pushes a frame; on backpressure the connection is dropped but any
// running child is left alive for resume.
func (c *assistantConn) send(v any) {
	if err := c.ch.Send(v); errors.Is(err, channel.ErrBackpressure) {
		logger.Warn("assistant connection too slow, dropping", "user", c.userID)
		c.ch.Terminate()
	}
}

func (c *assistantConn) onHeartbeat(_ context.Context, _ []byte) {
	c.lastHeartbeat.Store(time.Now().UnixNano())
	c.send(wire.Heartbeat{Type: wire.TypeHeartbeat, Timestamp: time.Now().UnixMilli()})
}

func (c *assistantConn) onStartSession(_ context.Context, data []byte) {
	var req wire.StartSession
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		c.sendError("", "invalid start_session frame")
		return
	}

	fail := func(msg string) {
		c.send(wire.SessionStarted{
			Type:      wire.TypeSessionStarted,
			SessionID: req.SessionID,
			Status:    wire.StatusError,
			Message:   msg,
		})
	}

	scoped, err := c.gw.scoper.Scope(req.WorkspacePath)
	if err != nil {
		fail(scopeViolationMessage)
		return
	}

	// An empty command spawns the bare default binary.
	args, err := argv.Sanitize(req.Command, c.gw.cfg.Assistant.Binary)
	if err != nil {
		fail(err.Error())
		return
	}

	// Session ids are client-chosen but single-use.
	if _, err := c.gw.sessions.Create(req.SessionID, scoped); err != nil {
		fail(err.Error())
		return
	}

	if err := c.runCommand(req.SessionID, args, req.ImageIDs); err != nil {
		// A session whose first spawn failed should not poison its id.
		c.gw.sessions.Remove(req.SessionID)
		fail(err.Error())
		return
	}

	c.send(wire.SessionStarted{
		Type:      wire.TypeSessionStarted,
		SessionID: req.SessionID,
		Status:    wire.StatusSuccess,
	})
}

func (c *assistantConn) onInput(_ context.Context, data []byte) {
	var req wire.Input
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		c.sendError("", "invalid input frame")
		return
	}
	// input carries prompt text, not a command line.
	args, err := argv.Prompt(req.Data, c.gw.cfg.Assistant.Binary)
	if err != nil {
		c.sendError(req.SessionID, err.Error())
		return
	}
	if err := c.runCommand(req.SessionID, args, req.ImageIDs); err != nil {
		c.sendError(req.SessionID, err.Error())
	}
}

// runCommand spawns one assistant child for a session. The registry
// guarantees at most one live child per session.
func (c *assistantConn) runCommand(sessionID string, args []string, imageIDs []string) error {
	sess, ok := c.gw.sessions.Get(sessionID)
	if !ok {
		return session.ErrNotFound
	}

	processID, resumeToken, err := c.gw.sessions.BeginCommand(sessionID)
	if err != nil {
		return err
	}
	if resumeToken != "" {
		args = append(args, "--resume", resumeToken)
	}
	if c.gw.images != nil {
		args = append(args, c.gw.images.Paths(imageIDs)...)
	}

	demux := stream.NewDemuxer(sessionID, func(v any) error {
		c.send(v)
		return nil
	})
	_, err = c.gw.sup.SpawnAssistant(processID, sess.WorkspacePath, args, proc.AssistantIO{
		Stdout: demux.Stdout,
		Stderr: demux.Stderr,
		Exit: func(st proc.ExitStatus) {
			demux.Exit(st)
			c.gw.sessions.EndCommand(sessionID, processID, demux.ResumeToken())
		},
	})
	if err != nil {
		c.gw.sessions.EndCommand(sessionID, processID, "")
		return err
	}

	logger.Info("assistant command started", "session", sessionID, "process", processID, "user", c.userID)
	return nil
}

func (c *assistantConn) onStopSession(_ context.Context, data []byte) {
	var req wire.StopSession
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		c.sendError("", "invalid stop_session frame")
		return
	}

	sess, ok := c.gw.sessions.Get(req.SessionID)
	if !ok {
		// Stopping twice is harmless; the second reply just says so.
		c.send(wire.SessionStopped{
			Type:      wire.TypeSessionStopped,
			SessionID: req.SessionID,
			Message:   session.ErrNotFound.Error(),
		})
		return
	}

	if sess.ActiveProcess == "" {
		c.gw.sessions.Remove(req.SessionID)
		c.send(wire.SessionStopped{Type: wire.TypeSessionStopped, SessionID: req.SessionID})
		return
	}

	handle, ok := c.gw.sup.Get(sess.ActiveProcess)
	c.gw.sup.StopProcess(sess.ActiveProcess)
	go func() {
		var exitCode *int
		if ok {
			<-handle.Done()
			exitCode = handle.ExitStatus().Code
		}
		c.gw.sessions.Remove(req.SessionID)
		c.send(wire.SessionStopped{
			Type:      wire.TypeSessionStopped,
			SessionID: req.SessionID,
			ExitCode:  exitCode,
		})
	}()
}

func (c *assistantConn) onUploadImage(_ context.Context, data []byte) {
	var req wire.UploadImage
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", "invalid upload_image frame")
		return
	}
	if c.gw.images == nil {
		c.send(wire.UploadResult{
			Type:      wire.TypeUploadImage,
			SessionID: req.SessionID,
			Status:    wire.StatusError,
			Message:   "uploads disabled",
		})
		return
	}
	id, err := c.gw.images.Save(req.ImageData.MimeType, req.ImageData.Data)
	if err != nil {
		c.send(wire.UploadResult{
			Type:      wire.TypeUploadImage,
			SessionID: req.SessionID,
			Status:    wire.StatusError,
			Message:   err.Error(),
		})
		return
	}
	c.send(wire.UploadResult{
		Type:      wire.TypeUploadImage,
		SessionID: req.SessionID,
		Status:    wire.StatusSuccess,
		Data:      id,
	})
}

func (c *assistantConn) onExit(_ context.Context, data []byte) {
	var req wire.Envelope
	json.Unmarshal(data, &req)
	if req.SessionID != "" {
		if sess, ok := c.gw.sessions.Get(req.SessionID); ok {
			if sess.ActiveProcess != "" {
				c.gw.sup.StopProcess(sess.ActiveProcess)
			}
			c.gw.sessions.Remove(req.SessionID)
		}
	}
	logger.Info("assistant requested close", "user", c.userID)
	c.ch.Close(channel.StatusNormalClosure, "client exit")
}
