package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/pkg/auth"
	"github.com/toolgate/toolgate/pkg/jsonrpc"
	"github.com/toolgate/toolgate/pkg/logging"
)

// keepAliveInterval is how long a stream may stay idle before a comment
// frame is emitted.
const keepAliveInterval = 5 * time.Second

// SSETransport implements the SSE session transport: one long-lived event
// stream per session plus a POST endpoint for JSON-RPC messages. The first
// frame on every stream is the endpoint event carrying the session's
// message URI; all later frames are message events or keep-alive comments,
// delivered in FIFO order.
type SSETransport struct {
	router   *Router
	sessions *SessionManager
	info     ServerInfo
	logger   *slog.Logger

	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// NewSSETransport creates the transport.
func NewSSETransport(router *Router, info ServerInfo) *SSETransport {
	return &SSETransport{
		router:   router,
		sessions: NewSessionManager(),
		info:     info,
		logger:   logging.NewDiscardLogger(),
	}
}

// SetLogger sets the logger for transport operations.
func (t *SSETransport) SetLogger(logger *slog.Logger) {
	if logger != nil {
		t.logger = logger
	}
}

// Sessions exposes the session manager (for status reporting and metric
// wiring).
func (t *SSETransport) Sessions() *SessionManager { return t.sessions }

// ServeHTTP handles GET /mcp/sse: it opens the stream and pumps the
// session queue until the client disconnects or the transport shuts down.
func (t *SSETransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if t.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Reuse a well-formed client id, otherwise mint a fresh one.
	id := ""
	if raw := r.URL.Query().Get("client_id"); raw != "" {
		if parsed, err := uuid.Parse(raw); err == nil {
			id = parsed.String()
		} else {
			t.logger.Warn("invalid client_id, generating new session id", "client_id", raw)
		}
	}
	if id == "" {
		id = uuid.NewString()
	}

	session := t.sessions.Create(id)
	t.wg.Add(1)
	defer func() {
		t.sessions.Remove(id)
		t.wg.Done()
		t.logger.Info("sse stream closed", "session", id)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// The endpoint event is always the first frame.
	fmt.Fprintf(w, "event: endpoint\ndata: /mcp/message?session_id=%s\n\n", id)
	flusher.Flush()
	t.logger.Info("sse stream opened", "session", id)

	idle := time.NewTimer(keepAliveInterval)
	defer idle.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-session.done:
			return
		case msg := <-session.queue:
			payload, err := json.Marshal(msg)
			if err != nil {
				t.logger.Error("encoding sse message", "session", id, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
			flusher.Flush()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(keepAliveInterval)
		case <-idle.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
			idle.Reset(keepAliveInterval)
		}
	}
}

// HandleMessage handles POST /mcp/message: one JSON-RPC message per
// request. The response is returned on the POST and, for requests, also
// pushed onto the session's stream.
func (t *SSETransport) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	rawID := r.URL.Query().Get("session_id")
	parsed, err := uuid.Parse(rawID)
	if err != nil {
		writeRPC(w, jsonrpc.NewErrorResponse(nil, jsonrpc.InvalidParams, fmt.Sprintf("invalid session id: %s", rawID)))
		return
	}
	session, ok := t.sessions.Get(parsed.String())
	if !ok {
		writeRPC(w, jsonrpc.NewErrorResponse(nil, jsonrpc.InvalidParams, fmt.Sprintf("unknown session: %s", parsed.String())))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	var req jsonrpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, jsonrpc.NewErrorResponse(nil, jsonrpc.InvalidRequest, "invalid JSON-RPC envelope"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidRequest, "invalid JSON-RPC envelope"))
		return
	}

	principal := auth.FromContext(r.Context())
	resp, isNotification := t.dispatch(r, session, &req, principal)
	if isNotification {
		// Notifications get an empty JSON object; nothing goes on the stream
		// except what the handler itself queued.
		fmt.Fprint(w, "{}")
		return
	}

	// Requests are answered on the POST and mirrored onto the stream.
	session.Push(resp)
	writeRPC(w, resp)
}

// dispatch runs the JSON-RPC state machine for one message.
func (t *SSETransport) dispatch(r *http.Request, session *Session, req *jsonrpc.Request, principal *auth.Principal) (jsonrpc.Response, bool) {
	t.logger.Debug("dispatching message", "session", session.ID, "method", req.Method)

	switch req.Method {
	case "initialize":
		return t.handleInitialize(session, req), false

	case "initialized", "notifications/initialized":
		session.SetInitialized("", nil)
		session.Push(map[string]any{
			"jsonrpc": "2.0",
			"method":  "server/ready",
			"params":  map[string]any{},
		})
		t.logger.Info("session initialized", "session", session.ID)
		return jsonrpc.Response{}, true

	case "notifications/cancelled":
		var params struct {
			RequestID json.RawMessage `json:"requestId"`
			Reason    string          `json:"reason"`
		}
		if req.Params != nil {
			_ = json.Unmarshal(req.Params, &params)
		}
		session.RecordCancelled(params.RequestID)
		t.logger.Info("client cancelled request", "session", session.ID, "request_id", string(params.RequestID), "reason", params.Reason)
		return jsonrpc.Response{}, true

	case "tools/list":
		if !session.Initialized() {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NotInitialized, "client not initialized"), false
		}
		return t.handleToolsList(session, req, principal), false

	case "tools/call":
		if !session.Initialized() {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NotInitialized, "client not initialized"), false
		}
		return t.handleToolsCall(r, session, req, principal), false

	case "ping":
		return jsonrpc.NewSuccessResponse(req.ID, struct{}{}), false

	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound, fmt.Sprintf("unknown method: %s", req.Method)), false
	}
}

func (t *SSETransport) handleInitialize(session *Session, req *jsonrpc.Request) jsonrpc.Response {
	var params InitializeParams
	if req.Params != nil {
		_ = json.Unmarshal(req.Params, &params)
	}
	if params.ProtocolVersion == "" {
		params.ProtocolVersion = ProtocolVersion
	}
	// The session stays uninitialized until the client's initialized
	// notification arrives.
	session.SetClientInfo(params.ProtocolVersion, params.ClientInfo)

	result := InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      t.info,
		Capabilities: Capabilities{
			Tools: ToolsCapability{Execution: true, Streaming: true},
			Roots: RootsCapability{ListChanged: true},
		},
	}
	return jsonrpc.NewSuccessResponse(req.ID, result)
}

func (t *SSETransport) handleToolsList(session *Session, req *jsonrpc.Request, principal *auth.Principal) jsonrpc.Response {
	entries := t.router.ListTools(principal)
	tools := make([]Tool, 0, len(entries))
	for _, e := range entries {
		tools = append(tools, Tool{Name: e.Name, Description: e.Description, InputSchema: e.InputSchema})
	}
	return jsonrpc.NewSuccessResponse(req.ID, map[string]any{"tools": tools})
}

func (t *SSETransport) handleToolsCall(r *http.Request, session *Session, req *jsonrpc.Request, principal *auth.Principal) jsonrpc.Response {
	var params ToolCallParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "invalid tools/call params")
		}
	}
	if params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "invalid params: tool name not specified")
	}

	child, err := t.router.InvokeTool(r.Context(), params.Name, params.Arguments, principal, 0)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, RPCCode(err), err.Error())
	}

	// Child JSON-RPC errors pass through verbatim, code and message both.
	if child.Error != nil {
		return jsonrpc.Response{JSONRPC: "2.0", ID: req.ID, Error: child.Error}
	}

	var result ToolCallResult
	if err := json.Unmarshal(child.Result, &result); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, "invalid result from tool server")
	}
	return jsonrpc.NewSuccessResponse(req.ID, result)
}

// Shutdown refuses new streams, closes every session, and waits for the
// stream handlers to drain, up to the given budget.
func (t *SSETransport) Shutdown(budget time.Duration) error {
	t.shuttingDown.Store(true)
	t.sessions.CloseAll()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.logger.Info("sse transport shut down")
		return nil
	case <-time.After(budget):
		return fmt.Errorf("%w: sse streams still open after %s", ErrTimeout, budget)
	}
}

func writeRPC(w http.ResponseWriter, resp jsonrpc.Response) {
	_ = json.NewEncoder(w).Encode(resp)
}
