package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/jsonrpc"
	"github.com/toolgate/toolgate/pkg/logging"
)

// ChildClient is the supervisor's view of one child process. ProcessClient
// is the production implementation; tests substitute fakes via
// SetClientFactory.
type ChildClient interface {
	Start(ctx context.Context) error
	Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error)
	Notify(ctx context.Context, method string, params any) error
	Stop(grace time.Duration) error
	Running() bool
	PID() int
	StartedAt() time.Time
	SetLogger(*slog.Logger)
}

// instance is the supervisor's record of one child, shared or private.
// Exactly one instance exists per name.
type instance struct {
	name   string
	spec   config.ServerSpec
	owner  string // empty for shared instances
	base   string // base server name for private instances
	status Status
	tools  []Tool
	client ChildClient
}

// Supervisor manages the lifecycle of every child instance and is the only
// writer of the instance registry. Readers get snapshots.
type Supervisor struct {
	store       *config.Store
	envFilter   config.ToolFilter
	streamLimit int
	logger      *slog.Logger
	newClient   func(name string, spec config.ServerSpec, streamLimit int) ChildClient

	mu        sync.RWMutex
	instances map[string]*instance
	order     []string

	// deleteHook runs after an instance is removed, letting the private
	// instance manager drop its mapping.
	deleteHook func(name string)
}

// NewSupervisor creates a supervisor backed by the given store. envFilter
// is the environment-sourced tool filter (highest precedence).
func NewSupervisor(store *config.Store, envFilter config.ToolFilter, streamLimit int) *Supervisor {
	if streamLimit <= 0 {
		streamLimit = DefaultStreamLimit
	}
	return &Supervisor{
		store:       store,
		envFilter:   envFilter,
		streamLimit: streamLimit,
		logger:      logging.NewDiscardLogger(),
		newClient: func(name string, spec config.ServerSpec, streamLimit int) ChildClient {
			return NewProcessClient(name, spec, streamLimit)
		},
		instances: make(map[string]*instance),
	}
}

// SetClientFactory replaces how child clients are constructed. Test seam.
func (s *Supervisor) SetClientFactory(f func(name string, spec config.ServerSpec, streamLimit int) ChildClient) {
	if f != nil {
		s.newClient = f
	}
}

// SetLogger sets the logger for supervisor operations.
func (s *Supervisor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetDeleteHook registers a callback invoked after Delete removes an
// instance.
func (s *Supervisor) SetDeleteHook(hook func(name string)) {
	s.deleteHook = hook
}

func (s *Supervisor) filterPolicy() FilterPolicy {
	return FilterPolicy{Env: s.envFilter, Config: s.store.Filter(), Logger: s.logger}
}

// StartupLoad brings up every enabled server from the store. Servers with
// a valid tool cache are registered as cached and start lazily; the rest
// are spawned and discovered now. Individual failures are logged and do
// not abort startup.
func (s *Supervisor) StartupLoad(ctx context.Context) {
	for _, name := range s.store.ServerOrder() {
		spec, ok := s.store.GetServer(name)
		if !ok {
			continue
		}
		if spec.Disabled {
			s.logger.Info("skipping disabled server", "name", name)
			continue
		}

		hash := config.SpecHash(spec)
		if s.store.CacheExists(name, hash) {
			cache, err := s.store.LoadCache(name)
			if err == nil {
				s.registerCached(name, spec, cache)
				s.logger.Info("loaded server from cache", "name", name, "tools", len(cache.Tools))
				continue
			}
			s.logger.Warn("unreadable tool cache, rediscovering", "name", name, "error", err)
		}

		if _, err := s.addAndStart(ctx, name, spec, "", "", false); err != nil {
			s.logger.Error("starting server", "name", name, "error", err)
		}
	}
}

func (s *Supervisor) registerCached(name string, spec config.ServerSpec, cache *config.ToolCache) {
	tools := make([]Tool, 0, len(cache.Tools))
	for _, t := range cache.Tools {
		schema, _ := json.Marshal(t.InputSchema)
		tools = append(tools, Tool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	tools = s.filterPolicy().Apply(tools)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[name] = &instance{name: name, spec: spec, status: StatusCached, tools: tools}
	s.order = append(s.order, name)
}

// AddAndStart registers a new shared server: spawn, discover, persist the
// spec, and write the tool cache. Fails with ErrAlreadyExists for a live
// name and ErrInvalidArgument for names that collide with the private
// instance naming scheme.
func (s *Supervisor) AddAndStart(ctx context.Context, name string, spec config.ServerSpec) (*InstanceInfo, error) {
	if err := s.validateName(name); err != nil {
		return nil, err
	}
	return s.addAndStart(ctx, name, spec, "", "", true)
}

// StartPrivate registers and starts a private instance. The spec is the
// already-overlaid effective spec; it is not persisted to the store and no
// tool cache is written.
func (s *Supervisor) StartPrivate(ctx context.Context, name string, spec config.ServerSpec, owner, base string) (*InstanceInfo, error) {
	return s.addAndStart(ctx, name, spec, owner, base, false)
}

// validateName rejects names that would be ambiguous with a private
// instance of an existing user: "<base>-<username>".
func (s *Supervisor) validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty server name", ErrInvalidArgument)
	}
	for _, u := range s.store.ListUsers() {
		if strings.HasSuffix(name, "-"+u.Username) {
			return fmt.Errorf("%w: name %q collides with private instances of user %q", ErrInvalidArgument, name, u.Username)
		}
	}
	return nil
}

func (s *Supervisor) addAndStart(ctx context.Context, name string, spec config.ServerSpec, owner, base string, persist bool) (*InstanceInfo, error) {
	s.mu.Lock()
	if _, exists := s.instances[name]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: server %q", ErrAlreadyExists, name)
	}
	inst := &instance{name: name, spec: spec, owner: owner, base: base, status: StatusInitializing}
	s.instances[name] = inst
	s.order = append(s.order, name)
	s.mu.Unlock()

	if err := s.startInstance(ctx, inst); err != nil {
		if c := s.clientOf(inst); c == nil || !c.Running() {
			// Spawn failure: no registry entry survives.
			s.removeInstance(name)
			return nil, err
		}
		// Discovery failure after a successful spawn: keep the entry in
		// error state so an explicit restart can recover it.
		if persist {
			if perr := s.store.PutServer(name, spec); perr != nil {
				s.logger.Error("persisting server spec", "name", name, "error", perr)
			}
		}
		return nil, err
	}

	if persist {
		if err := s.store.PutServer(name, spec); err != nil {
			s.logger.Error("persisting server spec", "name", name, "error", err)
		}
	}

	return s.info(name), nil
}

// startInstance spawns the child and runs discovery. Caller must not hold
// the registry lock.
func (s *Supervisor) startInstance(ctx context.Context, inst *instance) error {
	s.mu.Lock()
	inst.status = StatusInitializing
	if inst.client == nil {
		inst.client = s.newClient(inst.name, inst.spec, s.streamLimit)
		inst.client.SetLogger(s.logger.With("server", inst.name))
	}
	client := inst.client
	s.mu.Unlock()

	if err := client.Start(ctx); err != nil {
		s.setStatus(inst, StatusError)
		return fmt.Errorf("spawning %s: %w", inst.name, err)
	}

	tools, err := s.discover(ctx, client)
	if err != nil {
		s.mu.Lock()
		inst.status = StatusError
		inst.tools = nil
		s.mu.Unlock()
		return fmt.Errorf("discovering %s: %w", inst.name, err)
	}

	s.mu.Lock()
	inst.status = StatusRunning
	inst.tools = tools
	s.mu.Unlock()

	// Tool cache is write-once: kept for fast startup, removed on Delete.
	// Private instances are ephemeral and not cached.
	if inst.owner == "" {
		cache := &config.ToolCache{SpecHash: config.SpecHash(inst.spec)}
		for _, t := range tools {
			var schema any
			if len(t.InputSchema) > 0 {
				_ = json.Unmarshal(t.InputSchema, &schema)
			}
			cache.Tools = append(cache.Tools, config.CachedTool{Name: t.Name, Description: t.Description, InputSchema: schema})
		}
		if err := s.store.SaveCache(inst.name, cache); err != nil {
			s.logger.Warn("writing tool cache", "name", inst.name, "error", err)
		}
	}

	s.logger.Info("server running", "name", inst.name, "tools", len(tools), "pid", client.PID())
	return nil
}

// discover performs the MCP handshake: the initialized notification
// followed by paginated tools/list requests, filtered through the policy.
func (s *Supervisor) discover(ctx context.Context, client ChildClient) ([]Tool, error) {
	if err := client.Notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, err
	}

	var tools []Tool
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		} else {
			params = map[string]any{}
		}

		resp, err := client.Call(ctx, "tools/list", params)
		if err != nil {
			return nil, err
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%w: tools/list: %s", ErrUnavailable, resp.Error.Message)
		}

		var page ToolsListResult
		if err := json.Unmarshal(resp.Result, &page); err != nil {
			return nil, fmt.Errorf("%w: invalid tools/list result: %v", ErrUnavailable, err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	return s.filterPolicy().Apply(tools), nil
}

// Start idempotently starts a cached or stopped instance. No-op when the
// instance is already running.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	inst, ok := s.get(name)
	if !ok {
		return fmt.Errorf("%w: server %q", ErrNotFound, name)
	}
	if c := s.clientOf(inst); c != nil && c.Running() {
		return nil
	}
	return s.startInstance(ctx, inst)
}

// Stop gracefully terminates an instance. Idempotent; the instance stays
// registered with status stopped.
func (s *Supervisor) Stop(name string, grace time.Duration) error {
	inst, ok := s.get(name)
	if !ok {
		return fmt.Errorf("%w: server %q", ErrNotFound, name)
	}
	client := s.clientOf(inst)
	if client == nil {
		s.setStatus(inst, StatusStopped)
		return nil
	}
	if err := client.Stop(grace); err != nil {
		s.setStatus(inst, StatusError)
		return fmt.Errorf("stopping %s: %w", name, err)
	}
	s.setStatus(inst, StatusStopped)
	s.logger.Info("server stopped", "name", name)
	return nil
}

// Restart stops an instance and starts it from the latest stored spec,
// falling back to the in-memory spec when the store no longer has it.
// Returns the resulting tool count.
func (s *Supervisor) Restart(ctx context.Context, name string) (int, error) {
	inst, ok := s.get(name)
	if !ok {
		return 0, fmt.Errorf("%w: server %q", ErrNotFound, name)
	}

	if inst.owner == "" {
		if spec, ok := s.store.GetServer(name); ok {
			s.mu.Lock()
			inst.spec = spec
			s.mu.Unlock()
		} else {
			s.logger.Warn("server missing from config, restarting with in-memory spec", "name", name)
		}
	}

	if err := s.Stop(name, DefaultStopGrace); err != nil {
		s.logger.Warn("stop failed during restart", "name", name, "error", err)
	}

	s.setClient(inst, nil) // force a fresh process

	if err := s.startInstance(ctx, inst); err != nil {
		return 0, err
	}

	s.mu.RLock()
	count := len(inst.tools)
	s.mu.RUnlock()
	return count, nil
}

// Delete stops an instance and removes it everywhere: registry, stored
// spec, and tool cache. The delete hook then drops any private mapping.
func (s *Supervisor) Delete(name string) error {
	inst, ok := s.get(name)
	if !ok {
		return fmt.Errorf("%w: server %q", ErrNotFound, name)
	}

	if c := s.clientOf(inst); c != nil && c.Running() {
		if err := c.Stop(DefaultStopGrace); err != nil {
			s.logger.Warn("stop failed during delete, continuing", "name", name, "error", err)
		}
	}

	s.removeInstance(name)

	if inst.owner == "" {
		if err := s.store.DeleteServer(name); err != nil {
			return fmt.Errorf("removing %s from config: %w", name, err)
		}
		if err := s.store.DeleteCache(name); err != nil {
			s.logger.Warn("removing tool cache", "name", name, "error", err)
		}
	}

	if s.deleteHook != nil {
		s.deleteHook(name)
	}

	s.logger.Info("server deleted", "name", name)
	return nil
}

// Invoke performs a JSON-RPC call against a named instance. Cached and
// stopped instances are lazily started first. A child found dead mid-call
// is restarted once and the call retried once.
func (s *Supervisor) Invoke(ctx context.Context, name, method string, params any, deadline time.Duration) (*jsonrpc.Response, error) {
	inst, ok := s.get(name)
	if !ok {
		return nil, fmt.Errorf("%w: server %q", ErrNotFound, name)
	}

	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	client := s.clientOf(inst)
	if client == nil || !client.Running() {
		status := s.status(inst)
		if status == StatusError {
			return nil, fmt.Errorf("%w: server %q failed discovery", ErrUnavailable, name)
		}
		s.logger.Info("lazy-starting server", "name", name, "status", string(status))
		s.setClient(inst, nil)
		if err := s.startInstance(ctx, inst); err != nil {
			return nil, err
		}
		client = s.clientOf(inst)
	}

	resp, err := client.Call(ctx, method, params)
	if err == nil || client.Running() {
		return resp, err
	}

	// Child exited under the call: restart from the stored spec and retry
	// once.
	s.logger.Warn("child died mid-call, restarting", "name", name)
	s.setStatus(inst, StatusStopped)
	s.setClient(inst, nil)
	if rerr := s.startInstance(ctx, inst); rerr != nil {
		return nil, fmt.Errorf("%w: restart after crash failed: %v", ErrUnavailable, rerr)
	}
	return s.clientOf(inst).Call(ctx, method, params)
}

func (s *Supervisor) clientOf(inst *instance) ChildClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return inst.client
}

func (s *Supervisor) setClient(inst *instance, c ChildClient) {
	s.mu.Lock()
	inst.client = c
	s.mu.Unlock()
}

// Tools returns the tool set of an instance.
func (s *Supervisor) Tools(name string) ([]Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[name]
	if !ok {
		return nil, false
	}
	return append([]Tool(nil), inst.tools...), true
}

// Has reports whether an instance with the given name exists.
func (s *Supervisor) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.instances[name]
	return ok
}

// IsAlive reports whether the named instance has a live process.
func (s *Supervisor) IsAlive(name string) bool {
	s.mu.RLock()
	inst, ok := s.instances[name]
	s.mu.RUnlock()
	return ok && inst.client != nil && inst.client.Running()
}

// sharedView is one entry of the ordered shared-instance snapshot.
type sharedView struct {
	Name   string
	Status Status
	Tools  []Tool
}

// sharedSnapshot returns shared instances in configuration insertion
// order.
func (s *Supervisor) sharedSnapshot() []sharedView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]sharedView, 0, len(s.order))
	for _, name := range s.order {
		inst, ok := s.instances[name]
		if !ok || inst.owner != "" {
			continue
		}
		out = append(out, sharedView{
			Name:   name,
			Status: inst.status,
			Tools:  append([]Tool(nil), inst.tools...),
		})
	}
	return out
}

// Statuses returns the management view of all shared instances.
func (s *Supervisor) Statuses() []InstanceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]InstanceInfo, 0, len(s.order))
	for _, name := range s.order {
		inst, ok := s.instances[name]
		if !ok || inst.owner != "" {
			continue
		}
		out = append(out, s.infoLocked(inst))
	}
	return out
}

func (s *Supervisor) info(name string) *InstanceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[name]
	if !ok {
		return nil
	}
	info := s.infoLocked(inst)
	return &info
}

func (s *Supervisor) infoLocked(inst *instance) InstanceInfo {
	info := InstanceInfo{
		Name:        inst.name,
		Description: inst.spec.Description,
		Status:      inst.status,
		ToolCount:   len(inst.tools),
		Owner:       inst.owner,
		BaseServer:  inst.base,
	}
	for _, t := range inst.tools {
		info.Tools = append(info.Tools, t.Name)
	}
	if inst.client != nil {
		if inst.client.Running() {
			info.PID = inst.client.PID()
		}
		if at := inst.client.StartedAt(); !at.IsZero() {
			info.StartedAt = &at
		}
	}
	return info
}

// RestartAll restarts every shared server from the current configuration.
func (s *Supervisor) RestartAll(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, v := range s.sharedSnapshot() {
		_, err := s.Restart(ctx, v.Name)
		results[v.Name] = err
	}
	return results
}

// ReloadTools re-runs discovery on every running shared server, picking up
// filter changes.
func (s *Supervisor) ReloadTools(ctx context.Context) {
	for _, v := range s.sharedSnapshot() {
		inst, ok := s.get(v.Name)
		if !ok {
			continue
		}
		client := s.clientOf(inst)
		if client == nil || !client.Running() {
			continue
		}
		tools, err := s.discover(ctx, client)
		if err != nil {
			s.logger.Warn("tool reload failed", "name", v.Name, "error", err)
			continue
		}
		s.mu.Lock()
		inst.tools = tools
		s.mu.Unlock()
	}
}

// StopAll stops every instance; used at shutdown.
func (s *Supervisor) StopAll(grace time.Duration) {
	s.mu.RLock()
	names := append([]string(nil), s.order...)
	s.mu.RUnlock()
	for _, name := range names {
		if err := s.Stop(name, grace); err != nil {
			s.logger.Warn("stopping server at shutdown", "name", name, "error", err)
		}
	}
}

func (s *Supervisor) get(name string) (*instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[name]
	return inst, ok
}

func (s *Supervisor) status(inst *instance) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return inst.status
}

func (s *Supervisor) setStatus(inst *instance, status Status) {
	s.mu.Lock()
	inst.status = status
	s.mu.Unlock()
}

func (s *Supervisor) removeInstance(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
