package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/toolgate/toolgate/pkg/auth"
	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/mcp"
)

// handleLogin exchanges username/password for a fresh API key.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" {
		writeError(w, fmt.Errorf("%w: missing credentials", mcp.ErrInvalidArgument))
		return
	}

	rec, ok := s.store.GetUser(body.Username)
	if !ok || rec.Disabled || !s.store.Hasher().VerifyPassword(body.Password, rec.HashedPassword) {
		writeError(w, fmt.Errorf("%w: invalid username or password", mcp.ErrUnauthenticated))
		return
	}

	key := auth.NewAPIKey()
	rec.APIKeys = append(rec.APIKeys, key)
	if err := s.store.SaveUser(rec); err != nil {
		writeError(w, err)
		return
	}

	s.logger.Info("user logged in", "user", body.Username)
	writeJSON(w, http.StatusOK, map[string]any{"username": rec.Username, "admin": rec.Admin, "apiKey": key})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	rec, ok := s.store.GetUser(p.Username)
	if !ok {
		writeError(w, fmt.Errorf("%w: user %q", mcp.ErrNotFound, p.Username))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username":   rec.Username,
		"admin":      rec.Admin,
		"disabled":   rec.Disabled,
		"env":        rec.Env,
		"mcpServers": rec.MCPServers,
		"apiKeys":    len(rec.APIKeys),
	})
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	rec, ok := s.store.GetUser(p.Username)
	if !ok {
		writeError(w, fmt.Errorf("%w: user %q", mcp.ErrNotFound, p.Username))
		return
	}

	key := auth.NewAPIKey()
	rec.APIKeys = append(rec.APIKeys, key)
	if err := s.store.SaveUser(rec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"apiKey": key})
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	key := r.PathValue("key")

	rec, ok := s.store.GetUser(p.Username)
	if !ok {
		writeError(w, fmt.Errorf("%w: user %q", mcp.ErrNotFound, p.Username))
		return
	}

	kept := rec.APIKeys[:0]
	removed := false
	for _, k := range rec.APIKeys {
		if auth.KeyEqual(k, key) {
			removed = true
			continue
		}
		kept = append(kept, k)
	}
	if !removed {
		writeError(w, fmt.Errorf("%w: API key", mcp.ErrNotFound))
		return
	}
	rec.APIKeys = kept
	if err := s.store.SaveUser(rec); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetEnv(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	rec, _ := s.store.GetUser(p.Username)
	if rec == nil {
		writeError(w, fmt.Errorf("%w: user %q", mcp.ErrNotFound, p.Username))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"env": rec.Env, "mcpServers": rec.MCPServers})
}

// handleSetEnv merges the posted map into the user's global env overrides.
// Setting overrides is what makes the next tool call spawn a private
// instance.
func (s *Server) handleSetEnv(w http.ResponseWriter, r *http.Request) {
	var env map[string]string
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body", mcp.ErrInvalidArgument))
		return
	}

	p := auth.FromContext(r.Context())
	rec, ok := s.store.GetUser(p.Username)
	if !ok {
		writeError(w, fmt.Errorf("%w: user %q", mcp.ErrNotFound, p.Username))
		return
	}

	if rec.Env == nil {
		rec.Env = make(map[string]string, len(env))
	}
	for k, v := range env {
		rec.Env[k] = v
	}
	if err := s.store.SaveUser(rec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "env": rec.Env})
}

func (s *Server) handleDeleteEnv(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	key := r.PathValue("key")

	rec, ok := s.store.GetUser(p.Username)
	if !ok {
		writeError(w, fmt.Errorf("%w: user %q", mcp.ErrNotFound, p.Username))
		return
	}
	if _, exists := rec.Env[key]; !exists {
		writeError(w, fmt.Errorf("%w: env key %q", mcp.ErrNotFound, key))
		return
	}
	delete(rec.Env, key)
	if err := s.store.SaveUser(rec); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetServerEnv merges the posted map into the user's per-server
// override block for {base}.
func (s *Server) handleSetServerEnv(w http.ResponseWriter, r *http.Request) {
	base := r.PathValue("base")
	var env map[string]string
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body", mcp.ErrInvalidArgument))
		return
	}
	if _, ok := s.store.GetServer(base); !ok && !s.sup.Has(base) {
		writeError(w, fmt.Errorf("%w: server %q", mcp.ErrNotFound, base))
		return
	}

	p := auth.FromContext(r.Context())
	rec, ok := s.store.GetUser(p.Username)
	if !ok {
		writeError(w, fmt.Errorf("%w: user %q", mcp.ErrNotFound, p.Username))
		return
	}

	if rec.MCPServers == nil {
		rec.MCPServers = make(map[string]config.ServerOverride)
	}
	ov := rec.MCPServers[base]
	if ov.Env == nil {
		ov.Env = make(map[string]string, len(env))
	}
	for k, v := range env {
		ov.Env[k] = v
	}
	rec.MCPServers[base] = ov
	if err := s.store.SaveUser(rec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "mcpServers": rec.MCPServers})
}

func (s *Server) handleListPrivate(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	writeJSON(w, http.StatusOK, s.priv.ListForUser(p.Username))
}

func (s *Server) handleStopPrivate(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	if err := s.priv.StopPrivate(p.Username, r.PathValue("base")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateUser creates a user. The creating admin chooses the admin
// flag, except that the first user created in an empty store is always
// admin.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Admin    bool   `json:"admin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" || body.Password == "" {
		writeError(w, fmt.Errorf("%w: username and password required", mcp.ErrInvalidArgument))
		return
	}
	if _, exists := s.store.GetUser(body.Username); exists {
		writeError(w, fmt.Errorf("%w: user %q", mcp.ErrAlreadyExists, body.Username))
		return
	}

	hashed, err := s.store.Hasher().HashPassword(body.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	// The first user created in an empty store is implicitly admin.
	admin := body.Admin || s.store.UserCount() == 0

	rec := &config.UserRecord{Username: body.Username, HashedPassword: hashed, Admin: admin}
	if err := s.store.SaveUser(rec); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("user created", "user", body.Username, "admin", admin)
	writeJSON(w, http.StatusCreated, map[string]any{"username": body.Username, "admin": admin})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	type userView struct {
		Username string `json:"username"`
		Admin    bool   `json:"admin"`
		Disabled bool   `json:"disabled"`
	}
	var out []userView
	for _, rec := range s.store.ListUsers() {
		out = append(out, userView{Username: rec.Username, Admin: rec.Admin, Disabled: rec.Disabled})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	name := r.PathValue("name")

	if p.Username == name {
		writeError(w, fmt.Errorf("%w: %v", mcp.ErrPermission, errSelfDeletion))
		return
	}
	if _, ok := s.store.GetUser(name); !ok {
		writeError(w, fmt.Errorf("%w: user %q", mcp.ErrNotFound, name))
		return
	}
	if err := s.store.DeleteUser(name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
