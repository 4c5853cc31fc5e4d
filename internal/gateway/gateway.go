// Package gateway accepts browser websocket connections and bridges them
// to assistant child processes and PTY shells. One daemon hosts many
// concurrent connections; each connection is classified, authenticated,
// and then served by its own read loop.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/workbench-sh/workbench/internal/auth"
	"github.com/workbench-sh/workbench/internal/channel"
	"github.com/workbench-sh/workbench/internal/config"
	"github.com/workbench-sh/workbench/internal/images"
	"github.com/workbench-sh/workbench/internal/logger"
	"github.com/workbench-sh/workbench/internal/proc"
	"github.com/workbench-sh/workbench/internal/session"
	"github.com/workbench-sh/workbench/internal/workspace"
)

// portSearchSpan is how many successive ports Start tries when the
// configured one is taken.
const portSearchSpan = 5

// connTypeAssistant is the query value marking an assistant connection.
// Anything else is a terminal.
const connTypeAssistant = "claude-code"

// viteSubprotocols are dev-server protocols that sometimes dial the wrong
// port. They are rejected immediately so the dev server retries elsewhere.
var viteSubprotocols = []string{"vite-hmr", "vite-ping"}

// Gateway owns the websocket listener and everything the connections share.
type Gateway struct {
	cfg        *config.Config
	scoper     *workspace.Scoper
	workspaces *workspace.Registry
	sessions   *session.Registry
	sup        *proc.Supervisor
	images     *images.Store
	resolver   *auth.Resolver

	mu      sync.Mutex
	ln      net.Listener
	srv     *http.Server
	port    int
	started bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Options carries the gateway's collaborators.
type Options struct {
	Config     *config.Config
	Scoper     *workspace.Scoper
	Workspaces *workspace.Registry
	Images     *images.Store
	Resolver   *auth.Resolver
}

// New assembles a gateway. Call Start to listen.
func New(opts Options) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		cfg:        opts.Config,
		scoper:     opts.Scoper,
		workspaces: opts.Workspaces,
		sessions:   session.NewRegistry(),
		sup:        proc.New(),
		images:     opts.Images,
		resolver:   opts.Resolver,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start binds the websocket port and begins serving. When the configured
// port is taken it walks forward up to four successors. Idempotent.
func (g *Gateway) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return nil
	}

	base := g.cfg.Gateway.Port
	span := portSearchSpan
	if base == 0 {
		// Port 0 lets the kernel choose; used by tests.
		span = 1
	}
	var ln net.Listener
	var err error
	for port := base; port < base+span; port++ {
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			break
		}
		logger.Warn("gateway port busy", "port", port, "error", err)
	}
	if ln == nil {
		return fmt.Errorf("no free port in %d..%d: %w", base, base+span-1, err)
	}
	g.port = ln.Addr().(*net.TCPAddr).Port

	g.ln = ln
	g.srv = &http.Server{Handler: http.HandlerFunc(g.handleWS)}
	g.started = true
	g.sup.Start()

	go func() {
		if err := g.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway serve", "error", err)
		}
	}()

	logger.Info("gateway listening", "port", g.port)
	return nil
}

// Port returns the bound port, or 0 before Start.
func (g *Gateway) Port() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.port
}

// Started reports whether Start succeeded.
func (g *Gateway) Started() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}

// Stop closes the listener, cancels every connection, and kills all
// children.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	srv := g.srv
	g.mu.Unlock()

	g.cancel()
	g.sup.Stop()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Sessions exposes the registry for the HTTP API.
func (g *Gateway) Sessions() *session.Registry { return g.sessions }

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	reqProto := r.Header.Get("Sec-WebSocket-Protocol")
	if proto := matchViteProtocol(reqProto); proto != "" {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: viteSubprotocols})
		if err != nil {
			return
		}
		logger.Debug("rejecting dev-server subprotocol", "protocol", proto)
		conn.Close(channel.StatusProtocolError, "unsupported subprotocol")
		return
	}

	isAssistant := r.URL.Query().Get("type") == connTypeAssistant

	userID, err := g.resolver.Resolve(r)
	if err != nil {
		// Terminals may fall back to the configured development identity;
		// assistant connections never do.
		if isAssistant || g.cfg.Auth.DevUserID == "" {
			conn, aerr := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
			if aerr != nil {
				return
			}
			conn.Close(channel.StatusPolicyViolation, "authentication required")
			return
		}
		userID = g.cfg.Auth.DevUserID
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.Warn("websocket accept", "error", err)
		return
	}
	conn.SetReadLimit(16 << 20)

	ch := channel.New(g.ctx, conn, channel.Options{})
	if isAssistant {
		logger.Info("assistant connected", "user", userID, "remote", r.RemoteAddr)
		newAssistantConn(g, ch, userID).run(g.ctx)
	} else {
		logger.Info("terminal connected", "user", userID, "remote", r.RemoteAddr)
		newTerminalConn(g, ch, userID).run(g.ctx)
	}
}

func matchViteProtocol(header string) string {
	for _, part := range strings.Split(header, ",") {
		p := strings.TrimSpace(part)
		for _, vite := range viteSubprotocols {
			if p == vite {
				return p
			}
		}
	}
	return ""
}
