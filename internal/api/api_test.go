package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/jsonrpc"
	"github.com/toolgate/toolgate/pkg/mcp"
)

// fakeChild implements mcp.ChildClient for handler tests.
type fakeChild struct {
	mu      sync.Mutex
	running bool
	tools   []string
	starts  int
}

func (f *fakeChild) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	f.starts++
	return nil
}

func (f *fakeChild) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return nil, fmt.Errorf("%w: not running", mcp.ErrUnavailable)
	}
	switch method {
	case "tools/list":
		tools := make([]mcp.Tool, len(f.tools))
		for i, name := range f.tools {
			tools[i] = mcp.Tool{Name: name, InputSchema: json.RawMessage(`{"type":"object"}`)}
		}
		raw, _ := json.Marshal(mcp.ToolsListResult{Tools: tools})
		return &jsonrpc.Response{JSONRPC: "2.0", Result: raw}, nil
	default:
		raw, _ := json.Marshal(mcp.ToolCallResult{Content: json.RawMessage(`[{"type":"text","text":"{\"timezone\":\"Europe/Warsaw\",\"datetime\":\"2025-06-01T12:00:00+02:00\"}"}]`)})
		return &jsonrpc.Response{JSONRPC: "2.0", Result: raw}, nil
	}
}

func (f *fakeChild) Notify(ctx context.Context, method string, params any) error { return nil }

func (f *fakeChild) Stop(grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return nil
}

func (f *fakeChild) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeChild) PID() int               { return 4242 }
func (f *fakeChild) StartedAt() time.Time   { return time.Now() }
func (f *fakeChild) SetLogger(*slog.Logger) {}

type harness struct {
	store  *config.Store
	sup    *mcp.Supervisor
	priv   *mcp.PrivateManager
	server *httptest.Server

	mu       sync.Mutex
	children map[string]*fakeChild
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := config.NewStore(&config.Settings{
		StoragePath:   t.TempDir(),
		AdminPassword: "admin",
		Salt:          "pepper",
	})
	require.NoError(t, err)

	h := &harness{store: store, children: map[string]*fakeChild{}}

	h.sup = mcp.NewSupervisor(store, config.ToolFilter{}, 0)
	h.sup.SetClientFactory(func(name string, spec config.ServerSpec, limit int) mcp.ChildClient {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.children[name]; ok {
			return c
		}
		c := &fakeChild{tools: []string{"get_current_time"}}
		h.children[name] = c
		return c
	})

	h.priv = mcp.NewPrivateManager(h.sup, store)
	router := mcp.NewRouter(h.sup, h.priv)
	transport := mcp.NewSSETransport(router, mcp.ServerInfo{Name: "toolgate", Version: "test"})

	api := NewServer(h.sup, router, h.priv, transport, store, mcp.ServerInfo{Name: "toolgate", Version: "test"})
	h.server = httptest.NewServer(api.Handler())
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) scriptChild(name string, tools ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.children[name] = &fakeChild{tools: tools}
}

// request performs an HTTP request with optional API key and JSON body.
func (h *harness) request(t *testing.T, method, path, apiKey string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.server.URL+path, &buf)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

// adminKey logs in as the bootstrapped admin and returns an API key.
func (h *harness) adminKey(t *testing.T) string {
	t.Helper()
	resp, body := h.request(t, "POST", "/api/user/login", "", map[string]string{
		"username": "admin", "password": "admin",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out struct {
		APIKey string `json:"apiKey"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	return out.APIKey
}

func (h *harness) addServer(t *testing.T, key, name string) {
	t.Helper()
	resp, body := h.request(t, "POST", "/api/mcpserver", key, map[string]any{
		"mcpServers": map[string]any{
			name: map[string]any{"command": "uvx", "args": []string{"mcp-server-" + name}},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp, body := h.request(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ok")
}

func TestLogin(t *testing.T) {
	h := newHarness(t)

	key := h.adminKey(t)
	assert.NotEmpty(t, key)

	// The key authenticates /api/user/me.
	resp, body := h.request(t, "GET", "/api/user/me", key, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"username":"admin"`)

	// Wrong password is rejected.
	resp, _ = h.request(t, "POST", "/api/user/login", "", map[string]string{
		"username": "admin", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminEndpointsRequireAdmin(t *testing.T) {
	h := newHarness(t)

	// Anonymous: 401.
	resp, _ := h.request(t, "POST", "/api/mcpserver", "", map[string]any{"mcpServers": map[string]any{}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Non-admin: 403.
	key := h.adminKey(t)
	resp, _ = h.request(t, "POST", "/api/admin/user", key, map[string]any{
		"username": "donald", "password": "duck",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := h.request(t, "POST", "/api/user/login", "", map[string]string{
		"username": "donald", "password": "duck",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login struct {
		APIKey string `json:"apiKey"`
	}
	require.NoError(t, json.Unmarshal(body, &login))

	resp, _ = h.request(t, "POST", "/api/mcpserver", login.APIKey, map[string]any{"mcpServers": map[string]any{}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAddListInvokeServer(t *testing.T) {
	h := newHarness(t)
	key := h.adminKey(t)
	h.scriptChild("time", "get_current_time")
	h.addServer(t, key, "time")

	// Listing shows the running server with its tool count.
	resp, body := h.request(t, "GET", "/api/mcpservers", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var servers []mcp.InstanceInfo
	require.NoError(t, json.Unmarshal(body, &servers))
	require.Len(t, servers, 1)
	assert.Equal(t, "time", servers[0].Name)
	assert.Equal(t, mcp.StatusRunning, servers[0].Status)
	assert.Equal(t, 1, servers[0].ToolCount)

	// Anonymous REST invocation returns the raw JSON-RPC envelope.
	resp, body = h.request(t, "POST", "/tool/time/get_current_time", "", map[string]any{"timezone": "Europe/Warsaw"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var envelope jsonrpc.Response
	require.NoError(t, json.Unmarshal(body, &envelope))
	require.Nil(t, envelope.Error)
	var result mcp.ToolCallResult
	require.NoError(t, json.Unmarshal(envelope.Result, &result))

	var content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(result.Content, &content))
	require.NotEmpty(t, content)
	var payload struct {
		Timezone string `json:"timezone"`
		Datetime string `json:"datetime"`
	}
	require.NoError(t, json.Unmarshal([]byte(content[0].Text), &payload))
	assert.Equal(t, "Europe/Warsaw", payload.Timezone)
	assert.NotEmpty(t, payload.Datetime)
}

func TestInvokeUnknownServerOrTool(t *testing.T) {
	h := newHarness(t)
	key := h.adminKey(t)
	h.scriptChild("time", "get_current_time")
	h.addServer(t, key, "time")

	resp, _ := h.request(t, "POST", "/tool/ghost/get_current_time", "", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.request(t, "POST", "/tool/time/ghost_tool", "", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRestartPreservesToolCount(t *testing.T) {
	h := newHarness(t)
	key := h.adminKey(t)
	h.scriptChild("time", "get_current_time", "convert_time")
	h.addServer(t, key, "time")

	resp, body := h.request(t, "POST", "/api/mcpserver/time/restart", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out struct {
		Status    string `json:"status"`
		ToolCount int    `json:"tool_count"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "success", out.Status)
	assert.Equal(t, 2, out.ToolCount)

	// The endpoint still answers after the restart.
	resp, _ = h.request(t, "POST", "/tool/time/get_current_time", "", map[string]any{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeleteRemovesToolEndpoint(t *testing.T) {
	h := newHarness(t)
	key := h.adminKey(t)
	h.scriptChild("time", "get_current_time")
	h.addServer(t, key, "time")

	resp, _ := h.request(t, "DELETE", "/api/mcpserver/time", key, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = h.request(t, "POST", "/tool/time/get_current_time", "", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Cache and config entry are gone too.
	_, err := h.store.LoadCache("time")
	assert.Error(t, err)
	_, ok := h.store.GetServer("time")
	assert.False(t, ok)
}

func TestPrivateInstanceOnUserEnvOverride(t *testing.T) {
	h := newHarness(t)
	key := h.adminKey(t)
	h.scriptChild("calculator", "add")
	h.scriptChild("calculator-donald", "add")
	h.addServer(t, key, "calculator")

	// Create donald and set a global env override.
	resp, _ := h.request(t, "POST", "/api/admin/user", key, map[string]any{
		"username": "donald", "password": "duck",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := h.request(t, "POST", "/api/user/login", "", map[string]string{
		"username": "donald", "password": "duck",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login struct {
		APIKey string `json:"apiKey"`
	}
	require.NoError(t, json.Unmarshal(body, &login))

	resp, _ = h.request(t, "POST", "/api/user/env", login.APIKey, map[string]string{
		"CALCULATOR_MODE": "scientific",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// First authenticated call spawns the private instance.
	resp, body = h.request(t, "POST", "/tool/calculator/add", login.APIKey, map[string]any{"a": 1, "b": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	h.mu.Lock()
	private := h.children["calculator-donald"]
	h.mu.Unlock()
	require.NotNil(t, private, "private child was not spawned")
	assert.True(t, private.Running())

	// ListForUser reports it.
	resp, body = h.request(t, "GET", "/api/user/mcpservers", login.APIKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []mcp.InstanceInfo
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "calculator-donald", list[0].Name)
	assert.Equal(t, mcp.StatusRunning, list[0].Status)
	assert.Equal(t, "donald", list[0].Owner)

	// Anonymous calls still use the shared instance.
	resp, _ = h.request(t, "POST", "/tool/calculator/add", "", map[string]any{"a": 1})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// And the user can tear the private instance down.
	resp, _ = h.request(t, "DELETE", "/api/user/mcpserver/calculator", login.APIKey, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, private.Running())
}

func TestUserSelfDeletionRefused(t *testing.T) {
	h := newHarness(t)
	key := h.adminKey(t)

	resp, _ := h.request(t, "DELETE", "/api/admin/user/admin", key, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPIKeyLifecycle(t *testing.T) {
	h := newHarness(t)
	key := h.adminKey(t)

	resp, body := h.request(t, "POST", "/api/user/apikey", key, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		APIKey string `json:"apiKey"`
	}
	require.NoError(t, json.Unmarshal(body, &created))

	// The new key works.
	resp, _ = h.request(t, "GET", "/api/user/me", created.APIKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Deleting it makes it invalid.
	resp, _ = h.request(t, "DELETE", "/api/user/apikey/"+created.APIKey, key, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = h.request(t, "GET", "/api/user/me", created.APIKey, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	h := newHarness(t)
	key := h.adminKey(t)
	h.scriptChild("time", "get_current_time")
	h.addServer(t, key, "time")

	resp, body := h.request(t, "GET", "/api/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"name":"toolgate"`)
	assert.Contains(t, string(body), `"time"`)
	assert.Contains(t, string(body), `"sessions":0`)
}

func TestInvalidBodyRejected(t *testing.T) {
	h := newHarness(t)
	key := h.adminKey(t)
	h.scriptChild("time", "get_current_time")
	h.addServer(t, key, "time")

	req, err := http.NewRequest("POST", h.server.URL+"/tool/time/get_current_time", bytes.NewBufferString("not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
