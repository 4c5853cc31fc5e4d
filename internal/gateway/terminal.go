package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workbench-sh/workbench/internal/channel"
	"github.com/workbench-sh/workbench/internal/logger"
	"github.com/workbench-sh/workbench/internal/proc"
	"github.com/workbench-sh/workbench/internal/wire"
)

// terminalConn serves one browser terminal tab. The shell is spawned on
// the init control message and torn down with the connection.
type terminalConn struct {
	gw     *Gateway
	ch     *channel.Channel
	userID string

	mu     sync.Mutex
	procID string
}

func newTerminalConn(g *Gateway, ch *channel.Channel, userID string) *terminalConn {
	return &terminalConn{gw: g, ch: ch, userID: userID}
}

func (c *terminalConn) proc() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.procID
}

func (c *terminalConn) setProc(id string) {
	c.mu.Lock()
	c.procID = id
	c.mu.Unlock()
}

func (c *terminalConn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.teardown()
	go c.liveness(ctx)

	for {
		data, err := c.ch.Read(ctx)
		if err != nil {
			logger.Debug("terminal read loop ended", "user", c.userID, "error", err)
			return
		}
		var frame wire.Input
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type != wire.TypeInput {
			continue
		}

		if ctrl, ok := wire.ParseTermControl(frame.Data); ok {
			switch ctrl.Action {
			case wire.ActionInit:
				c.onInit(ctrl)
			case wire.ActionResize:
				if id := c.proc(); id != "" {
					c.gw.sup.Resize(id, uint16(ctrl.Cols), uint16(ctrl.Rows))
				}
			case wire.ActionClose:
				if id := c.proc(); id != "" {
					c.gw.sup.StopProcess(id)
				}
				return
			}
			continue
		}

		// Anything that is not a control object is keystrokes.
		if id := c.proc(); id != "" {
			c.gw.sup.Write(id, []byte(frame.Data))
		}
	}
}

// liveness pings at the channel level. A terminal that stops answering
// loses its shell along with the connection; there is nothing to resume.
func (c *terminalConn) liveness(ctx context.Context) {
	ticker := time.NewTicker(c.gw.cfg.Gateway.PingInterval)
	defer ticker.Stop()
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
				logger.Warn("terminal ping failed", "user", c.userID, "error", err)
				c.ch.Terminate()
				if id := c.proc(); id != "" {
					c.gw.sup.StopProcess(id)
				}
				return
			}
		}
	}
}

func (c *terminalConn) onInit(ctrl wire.TermControl) {
	if c.proc() != "" {
		c.sendError("terminal already initialized")
		return
	}

	path := ctrl.WorkspacePath
	if path == "" && ctrl.WorkspaceName != "" && c.gw.workspaces != nil {
		if ws, ok := c.gw.workspaces.Lookup(ctrl.WorkspaceName); ok {
			path = ws.Path
		}
	}
	if path == "" {
		c.sendError("workspace required")
		return
	}
	scoped, err := c.gw.scoper.Scope(path)
	if err != nil {
		c.sendError(scopeViolationMessage)
		return
	}

	procID := "term_" + uuid.New().String()
	_, err = c.gw.sup.SpawnTerminal(procID, scoped, uint16(ctrl.Cols), uint16(ctrl.Rows), proc.TerminalIO{
		Data: c.onOutput,
		Exit: c.onShellExit,
	})
	if err != nil {
		c.sendError(fmt.Sprintf("failed to start shell: %v", err))
		return
	}
	c.setProc(procID)
	logger.Info("terminal shell started", "process", procID, "user", c.userID, "dir", scoped)
}

func (c *terminalConn) onOutput(data []byte) {
	err := c.ch.Send(wire.DataFrame{Type: wire.TypeOutput, Data: string(data)})
	if errors.Is(err, channel.ErrBackpressure) {
		// A terminal that cannot drain its output is dead weight; unlike
		// assistant sessions there is nothing to resume.
		logger.Warn("terminal connection too slow, dropping", "user", c.userID)
		c.ch.Terminate()
		if id := c.proc(); id != "" {
			c.gw.sup.StopProcess(id)
		}
	}
}

func (c *terminalConn) onShellExit(st proc.ExitStatus) {
	code := 0
	if st.Code != nil {
		code = *st.Code
	}
	c.ch.Send(wire.DataFrame{
		Type:      wire.TypeExit,
		Data:      fmt.Sprintf("%d", code),
		Timestamp: time.Now().UnixMilli(),
	})
	c.ch.Close(channel.StatusNormalClosure, "shell exited")
}

func (c *terminalConn) sendError(msg string) {
	c.ch.Send(wire.DataFrame{
		Type:      wire.TypeError,
		Data:      msg,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *terminalConn) teardown() {
	c.ch.Terminate()
	if id := c.proc(); id != "" {
		c.gw.sup.StopProcess(id)
	}
}
