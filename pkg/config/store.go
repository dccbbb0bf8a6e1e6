package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tailscale/hujson"

	"github.com/toolgate/toolgate/pkg/auth"
	"github.com/toolgate/toolgate/pkg/logging"
)

// Store is the persistent configuration store. Layout under the config
// directory:
//
//	config.json          mcpServers + tools filter
//	users/<name>.json    one UserRecord per file
//	cache/<name>.json    write-once tool cache per server
//
// Reads are served from an in-memory cache; all mutations rewrite the
// target file atomically (temp file + rename). config.json and user files
// may carry comments and trailing commas (they are hand-edited in the
// field); writes emit standard JSON.
type Store struct {
	dir           string
	mainPath      string
	hasher        *auth.Hasher
	adminPassword string
	logger        *slog.Logger

	mu          sync.RWMutex
	main        MainConfig
	serverOrder []string
	users       map[string]*UserRecord
}

// NewStore opens (and if necessary initializes) the store rooted at the
// settings' storage path and loads everything into memory.
func NewStore(s *Settings) (*Store, error) {
	st := &Store{
		dir:           s.ConfigDir(),
		mainPath:      s.MainConfigPath(),
		hasher:        auth.NewHasher(s.Salt),
		adminPassword: s.AdminPassword,
		logger:        logging.NewDiscardLogger(),
		users:         make(map[string]*UserRecord),
	}

	for _, d := range []string{st.dir, st.usersDir(), st.cacheDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("creating config directory %s: %w", d, err)
		}
	}

	if err := st.Reload(); err != nil {
		return nil, err
	}
	return st, nil
}

// SetLogger sets the logger for store operations.
func (st *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		st.logger = logger
	}
}

func (st *Store) usersDir() string { return filepath.Join(st.dir, "users") }
func (st *Store) cacheDir() string { return filepath.Join(st.dir, "cache") }

// Reload re-reads config.json and every user file into the in-memory
// cache. A missing or corrupt config.json is replaced with an empty one so
// later loads succeed.
func (st *Store) Reload() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := st.loadMainLocked(); err != nil {
		return err
	}
	return st.loadUsersLocked()
}

func (st *Store) loadMainLocked() error {
	data, err := os.ReadFile(st.mainPath)
	if err == nil {
		var main MainConfig
		if order, perr := parseMain(data, &main); perr == nil {
			st.main = main
			st.serverOrder = order
			return nil
		} else {
			st.logger.Error("corrupt config file, reinitializing", "path", st.mainPath, "error", perr)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading %s: %w", st.mainPath, err)
	}

	st.main = MainConfig{MCPServers: map[string]ServerSpec{}}
	st.serverOrder = nil
	if err := st.saveMainLocked(); err != nil {
		return fmt.Errorf("initializing %s: %w", st.mainPath, err)
	}
	st.logger.Info("created new config file", "path", st.mainPath)
	return nil
}

// parseMain decodes config.json (tolerating comments and trailing commas)
// and returns the mcpServers key order as it appears in the document.
func parseMain(data []byte, main *MainConfig) ([]string, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(std, main); err != nil {
		return nil, err
	}
	if main.MCPServers == nil {
		main.MCPServers = map[string]ServerSpec{}
	}

	// Resolve(tool) tie-breaks on configuration insertion order, so the
	// document's key order must survive the map decode.
	var doc struct {
		MCPServers json.RawMessage `json:"mcpServers"`
	}
	if err := json.Unmarshal(std, &doc); err != nil {
		return nil, err
	}
	return objectKeyOrder(doc.MCPServers)
}

func objectKeyOrder(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil
	}

	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return keys, nil
		}
		key, ok := tok.(string)
		if !ok {
			return keys, nil
		}
		keys = append(keys, key)
		// Skip the value.
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return keys, nil
		}
	}
	return keys, nil
}

func (st *Store) loadUsersLocked() error {
	st.users = make(map[string]*UserRecord)

	entries, err := os.ReadDir(st.usersDir())
	if err != nil {
		return fmt.Errorf("reading users directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		username := strings.TrimSuffix(e.Name(), ".json")
		data, err := os.ReadFile(filepath.Join(st.usersDir(), e.Name()))
		if err != nil {
			st.logger.Error("reading user file", "user", username, "error", err)
			continue
		}
		std, err := hujson.Standardize(data)
		if err != nil {
			st.logger.Error("parsing user file", "user", username, "error", err)
			continue
		}
		var rec UserRecord
		if err := json.Unmarshal(std, &rec); err != nil {
			st.logger.Error("decoding user file", "user", username, "error", err)
			continue
		}
		rec.Username = username
		st.users[username] = &rec
	}
	return nil
}

// Servers returns a copy of the configured server specs.
func (st *Store) Servers() map[string]ServerSpec {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make(map[string]ServerSpec, len(st.main.MCPServers))
	for k, v := range st.main.MCPServers {
		out[k] = v
	}
	return out
}

// ServerOrder returns server names in configuration insertion order.
// Servers added at runtime append to the order.
func (st *Store) ServerOrder() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append([]string(nil), st.serverOrder...)
}

// GetServer returns the spec for name, if configured.
func (st *Store) GetServer(name string) (ServerSpec, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	spec, ok := st.main.MCPServers[name]
	return spec, ok
}

// PutServer adds or replaces a server spec and persists the main document.
func (st *Store) PutServer(name string, spec ServerSpec) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.main.MCPServers[name]; !exists {
		st.serverOrder = append(st.serverOrder, name)
	}
	st.main.MCPServers[name] = spec
	return st.saveMainLocked()
}

// DeleteServer removes a server spec and persists the main document.
func (st *Store) DeleteServer(name string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.main.MCPServers, name)
	for i, n := range st.serverOrder {
		if n == name {
			st.serverOrder = append(st.serverOrder[:i], st.serverOrder[i+1:]...)
			break
		}
	}
	return st.saveMainLocked()
}

// Filter returns the config-file tool filter.
func (st *Store) Filter() ToolFilter {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.main.Tools
}

// SetFilter replaces the config-file tool filter and persists it.
func (st *Store) SetFilter(f ToolFilter) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.main.Tools = f
	return st.saveMainLocked()
}

func (st *Store) saveMainLocked() error {
	// Emit mcpServers in insertion order so the document stays stable
	// under hand edits and order-sensitive resolution survives restarts.
	var sb strings.Builder
	sb.WriteString("{\n  \"mcpServers\": {")
	wrote := 0
	for _, name := range st.serverOrder {
		spec, ok := st.main.MCPServers[name]
		if !ok {
			continue
		}
		if wrote > 0 {
			sb.WriteString(",")
		}
		wrote++
		key, _ := json.Marshal(name)
		val, err := json.MarshalIndent(spec, "    ", "  ")
		if err != nil {
			return fmt.Errorf("encoding server %s: %w", name, err)
		}
		sb.WriteString("\n    ")
		sb.Write(key)
		sb.WriteString(": ")
		sb.Write(val)
	}
	if wrote > 0 {
		sb.WriteString("\n  ")
	}
	sb.WriteString("},\n  \"tools\": ")
	tools, err := json.MarshalIndent(st.main.Tools, "  ", "  ")
	if err != nil {
		return fmt.Errorf("encoding tools filter: %w", err)
	}
	sb.Write(tools)
	sb.WriteString("\n}\n")

	return writeFileAtomic(st.mainPath, []byte(sb.String()))
}

// GetUser returns a user record. Reading "admin" when no admin file exists
// bootstraps one with the default password.
func (st *Store) GetUser(username string) (*UserRecord, bool) {
	st.mu.RLock()
	rec, ok := st.users[username]
	st.mu.RUnlock()
	if ok {
		return cloneUser(rec), true
	}

	if username != "admin" {
		return nil, false
	}

	hashed, err := st.hasher.HashPassword(st.adminPassword)
	if err != nil {
		st.logger.Error("bootstrapping admin user", "error", err)
		return nil, false
	}
	admin := &UserRecord{Username: "admin", HashedPassword: hashed, Admin: true}
	if err := st.SaveUser(admin); err != nil {
		st.logger.Error("persisting bootstrapped admin user", "error", err)
		return nil, false
	}
	st.logger.Info("bootstrapped admin user")
	return cloneUser(admin), true
}

// SaveUser persists a user record and refreshes the cache.
func (st *Store) SaveUser(rec *UserRecord) error {
	if rec.Username == "" {
		return fmt.Errorf("user record missing username")
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding user %s: %w", rec.Username, err)
	}
	path := filepath.Join(st.usersDir(), rec.Username+".json")
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("writing user %s: %w", rec.Username, err)
	}
	st.users[rec.Username] = cloneUser(rec)
	return nil
}

// DeleteUser removes a user record and its file.
func (st *Store) DeleteUser(username string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.users, username)
	path := filepath.Join(st.usersDir(), username+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing user file: %w", err)
	}
	return nil
}

// ListUsers returns all known user records.
func (st *Store) ListUsers() []*UserRecord {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*UserRecord, 0, len(st.users))
	for _, rec := range st.users {
		out = append(out, cloneUser(rec))
	}
	return out
}

// UserCount returns the number of persisted users.
func (st *Store) UserCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.users)
}

// FindUserByAPIKey returns the user owning the given API key.
func (st *Store) FindUserByAPIKey(key string) (*UserRecord, bool) {
	if key == "" {
		return nil, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, rec := range st.users {
		for _, k := range rec.APIKeys {
			if auth.KeyEqual(k, key) {
				return cloneUser(rec), true
			}
		}
	}
	return nil, false
}

// Hasher exposes the store's credential hasher.
func (st *Store) Hasher() *auth.Hasher {
	return st.hasher
}

func (st *Store) cachePath(name string) string {
	return filepath.Join(st.cacheDir(), name+".json")
}

// CacheExists reports whether a tool cache exists for name and still
// matches specHash. A hash mismatch counts as absent: the command line
// changed since discovery, so the cached tools are stale.
func (st *Store) CacheExists(name, specHash string) bool {
	cache, err := st.LoadCache(name)
	if err != nil {
		return false
	}
	return cache.SpecHash == "" || cache.SpecHash == specHash
}

// LoadCache reads the tool cache for name.
func (st *Store) LoadCache(name string) (*ToolCache, error) {
	data, err := os.ReadFile(st.cachePath(name))
	if err != nil {
		return nil, err
	}
	var cache ToolCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("decoding tool cache %s: %w", name, err)
	}
	return &cache, nil
}

// SaveCache writes the tool cache for name, only if absent (write-once).
func (st *Store) SaveCache(name string, cache *ToolCache) error {
	path := st.cachePath(name)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding tool cache %s: %w", name, err)
	}
	return writeFileAtomic(path, data)
}

// DeleteCache removes the tool cache for name.
func (st *Store) DeleteCache(name string) error {
	if err := os.Remove(st.cachePath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing tool cache: %w", err)
	}
	return nil
}

// SpecHash fingerprints a spec's command line for cache invalidation.
func SpecHash(spec ServerSpec) string {
	h := sha256.New()
	h.Write([]byte(spec.Command))
	for _, a := range spec.Args {
		h.Write([]byte{0})
		h.Write([]byte(a))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func cloneUser(rec *UserRecord) *UserRecord {
	out := *rec
	out.APIKeys = append([]string(nil), rec.APIKeys...)
	if rec.Env != nil {
		out.Env = make(map[string]string, len(rec.Env))
		for k, v := range rec.Env {
			out.Env[k] = v
		}
	}
	if rec.MCPServers != nil {
		out.MCPServers = make(map[string]ServerOverride, len(rec.MCPServers))
		for k, v := range rec.MCPServers {
			out.MCPServers[k] = v
		}
	}
	if rec.ServerTimeouts != nil {
		out.ServerTimeouts = make(map[string]int, len(rec.ServerTimeouts))
		for k, v := range rec.ServerTimeouts {
			out.ServerTimeouts[k] = v
		}
	}
	return &out
}

// writeFileAtomic writes data to path via a temp file and rename so readers
// never observe a partial document.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
