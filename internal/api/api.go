// Package api wires the gateway's HTTP surface: the SSE transport, the
// per-tool REST endpoint, and the management and user endpoints.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/toolgate/toolgate/pkg/auth"
	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/logging"
	"github.com/toolgate/toolgate/pkg/mcp"
)

// Server is the combined HTTP server for the gateway.
type Server struct {
	sup       *mcp.Supervisor
	router    *mcp.Router
	priv      *mcp.PrivateManager
	transport *mcp.SSETransport
	store     *config.Store
	info      mcp.ServerInfo
	logger    *slog.Logger

	metricsHandler http.Handler
	logBuffer      *logging.LogBuffer
}

// NewServer creates the API server.
func NewServer(sup *mcp.Supervisor, router *mcp.Router, priv *mcp.PrivateManager, transport *mcp.SSETransport, store *config.Store, info mcp.ServerInfo) *Server {
	return &Server{
		sup:       sup,
		router:    router,
		priv:      priv,
		transport: transport,
		store:     store,
		info:      info,
		logger:    logging.NewDiscardLogger(),
	}
}

// SetLogger sets the logger for request handling.
func (s *Server) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetMetricsHandler mounts a /metrics handler.
func (s *Server) SetMetricsHandler(h http.Handler) { s.metricsHandler = h }

// SetLogBuffer mounts the in-memory log buffer behind /api/logs.
func (s *Server) SetLogBuffer(b *logging.LogBuffer) { s.logBuffer = b }

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /mcp/sse", s.transport)
	mux.HandleFunc("POST /mcp/message", s.transport.HandleMessage)
	mux.HandleFunc("POST /tool/{server}/{tool}", s.handleToolInvoke)

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/mcpservers", s.handleListServers)
	mux.HandleFunc("POST /api/mcpserver", s.requireAdmin(s.handleAddServers))
	mux.HandleFunc("DELETE /api/mcpserver/{name}", s.requireAdmin(s.handleDeleteServer))
	mux.HandleFunc("POST /api/mcpserver/{name}/restart", s.requireAdmin(s.handleRestartServer))
	mux.HandleFunc("POST /api/mcpservers/restart", s.requireAdmin(s.handleRestartAll))
	mux.HandleFunc("POST /api/tools/reload", s.requireAdmin(s.handleToolsReload))

	mux.HandleFunc("POST /api/user/login", s.handleLogin)
	mux.HandleFunc("GET /api/user/me", s.requireUser(s.handleMe))
	mux.HandleFunc("POST /api/user/apikey", s.requireUser(s.handleCreateAPIKey))
	mux.HandleFunc("DELETE /api/user/apikey/{key}", s.requireUser(s.handleDeleteAPIKey))
	mux.HandleFunc("GET /api/user/env", s.requireUser(s.handleGetEnv))
	mux.HandleFunc("POST /api/user/env", s.requireUser(s.handleSetEnv))
	mux.HandleFunc("DELETE /api/user/env/{key}", s.requireUser(s.handleDeleteEnv))
	mux.HandleFunc("POST /api/user/mcpserver/{base}/env", s.requireUser(s.handleSetServerEnv))
	mux.HandleFunc("GET /api/user/mcpservers", s.requireUser(s.handleListPrivate))
	mux.HandleFunc("DELETE /api/user/mcpserver/{base}", s.requireUser(s.handleStopPrivate))

	mux.HandleFunc("POST /api/admin/user", s.requireAdmin(s.handleCreateUser))
	mux.HandleFunc("GET /api/admin/users", s.requireAdmin(s.handleListUsers))
	mux.HandleFunc("DELETE /api/admin/user/{name}", s.requireAdmin(s.handleDeleteUser))

	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	if s.logBuffer != nil {
		mux.HandleFunc("GET /api/logs", s.requireAdmin(s.handleLogs))
	}

	return corsMiddleware(s.authMiddleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"gateway":  s.info,
		"servers":  s.sup.Statuses(),
		"sessions": s.transport.Sessions().Count(),
	})
}

// handleToolInvoke serves POST /tool/{server}/{tool}: the body is the
// arguments object and the reply is the raw JSON-RPC envelope from the
// child. Authenticated callers may be routed to their private instance.
func (s *Server) handleToolInvoke(w http.ResponseWriter, r *http.Request) {
	serverName := r.PathValue("server")
	toolName := r.PathValue("tool")

	var arguments map[string]any
	r.Body = http.MaxBytesReader(w, r.Body, mcp.MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&arguments); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body", mcp.ErrInvalidArgument))
		return
	}

	principal := auth.FromContext(r.Context())
	resp, err := s.router.InvokeOn(r.Context(), serverName, toolName, arguments, principal, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Statuses())
}

// handleAddServers accepts the config.json mcpServers shape:
// {"mcpServers": {"name": {"command": ..., "args": [...]}}}.
func (s *Server) handleAddServers(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MCPServers map[string]config.ServerSpec `json:"mcpServers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.MCPServers) == 0 {
		writeError(w, fmt.Errorf("%w: missing mcpServers block", mcp.ErrInvalidArgument))
		return
	}

	type result struct {
		Status  string `json:"status"`
		Message string `json:"message,omitempty"`
	}
	results := make(map[string]result, len(body.MCPServers))
	status := "success"

	for name, spec := range body.MCPServers {
		if spec.Disabled {
			results[name] = result{Status: "skipped", Message: "server is disabled in configuration"}
			continue
		}
		if spec.Command == "" {
			results[name] = result{Status: "error", Message: "missing required 'command'"}
			status = "partial"
			continue
		}
		if _, err := s.sup.AddAndStart(r.Context(), name, spec); err != nil {
			results[name] = result{Status: "error", Message: err.Error()}
			status = "partial"
			continue
		}
		results[name] = result{Status: "success"}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": status, "servers": results})
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Delete(r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	count, err := s.sup.Restart(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "tool_count": count})
}

func (s *Server) handleRestartAll(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Reload(); err != nil {
		writeError(w, err)
		return
	}
	results := s.sup.RestartAll(r.Context())

	status := "success"
	servers := make(map[string]string, len(results))
	for name, err := range results {
		if err != nil {
			servers[name] = err.Error()
			status = "partial"
		} else {
			servers[name] = "success"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "servers": servers})
}

func (s *Server) handleToolsReload(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Reload(); err != nil {
		writeError(w, err)
		return
	}
	s.sup.ReloadTools(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.logBuffer.GetRecent(200))
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps a taxonomy error to its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := mcp.HTTPStatus(err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// corsMiddleware adds CORS headers and short-circuits preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var errSelfDeletion = errors.New("users cannot delete themselves")
