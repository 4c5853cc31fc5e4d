package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/workbench-sh/workbench/internal/auth"
	"github.com/workbench-sh/workbench/internal/logger"
)

// API is the plain-HTTP surface the web app talks to before opening its
// websockets.
type API struct {
	gw       *Gateway
	resolver *auth.Resolver
}

// NewAPI binds the HTTP endpoints to a gateway.
func NewAPI(gw *Gateway, resolver *auth.Resolver) *API {
	return &API{gw: gw, resolver: resolver}
}

// Handler returns the API routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /api/terminal-port", a.handleTerminalPort)
	mux.HandleFunc("GET /api/current-user", a.handleCurrentUser)
	mux.HandleFunc("GET /api/workspaces", a.handleWorkspaces)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("write json response", "error", err)
	}
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": a.gw.Sessions().Count(),
	})
}

// handleTerminalPort starts the websocket listener on first use and tells
// the web app where it landed.
func (a *API) handleTerminalPort(w http.ResponseWriter, _ *http.Request) {
	if err := a.gw.Start(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"port": a.gw.Port()})
}

func (a *API) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	userID, err := a.resolver.Resolve(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthenticated"})
		return
	}
	user, err := a.resolver.Store.GetUser(userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	resp := map[string]string{"id": userID}
	if user != nil {
		resp["displayName"] = user.DisplayName
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleWorkspaces(w http.ResponseWriter, _ *http.Request) {
	if a.gw.workspaces == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, a.gw.workspaces.List())
}
