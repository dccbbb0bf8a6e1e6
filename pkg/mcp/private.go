package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/logging"
)

// DefaultIdleTimeout applies when a user sets no serverTimeout.
const DefaultIdleTimeout = 3600 * time.Second

// PrivateManager lazily materializes per-user child instances when a
// user's configuration makes the effective command line differ from the
// shared instance, and garbage-collects them once idle.
type PrivateManager struct {
	sup    *Supervisor
	store  *config.Store
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	mapping  map[string]map[string]string // user -> base -> instance name
	lastUsed map[string]time.Time         // instance name -> last successful use
}

// NewPrivateManager creates a private-instance manager. The supervisor's
// delete hook is wired so deleting any instance drops its mapping.
func NewPrivateManager(sup *Supervisor, store *config.Store) *PrivateManager {
	m := &PrivateManager{
		sup:      sup,
		store:    store,
		logger:   logging.NewDiscardLogger(),
		now:      time.Now,
		mapping:  make(map[string]map[string]string),
		lastUsed: make(map[string]time.Time),
	}
	sup.SetDeleteHook(m.dropByInstance)
	return m
}

// SetLogger sets the logger for private-instance operations.
func (m *PrivateManager) SetLogger(logger *slog.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// SetClock injects a clock for tests.
func (m *PrivateManager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// PrivateName returns the instance name for (user, base).
func PrivateName(base, user string) string {
	return base + "-" + user
}

// HasOverrides reports whether user configuration would change the
// effective spec of base.
func (m *PrivateManager) HasOverrides(username, base string) bool {
	rec, ok := m.store.GetUser(username)
	return ok && rec.HasOverridesFor(base)
}

// effectiveSpec overlays a user's overrides onto the shared spec: args
// replace when provided; env merges shared < user-global < per-server;
// a disabled override wins.
func effectiveSpec(shared config.ServerSpec, rec *config.UserRecord, base string) config.ServerSpec {
	spec := shared
	spec.Args = append([]string(nil), shared.Args...)

	env := make(map[string]string, len(shared.Env)+len(rec.Env))
	for k, v := range shared.Env {
		env[k] = v
	}
	for k, v := range rec.Env {
		env[k] = v
	}

	if ov, ok := rec.MCPServers[base]; ok {
		if len(ov.Args) > 0 {
			spec.Args = append([]string(nil), ov.Args...)
		}
		for k, v := range ov.Env {
			env[k] = v
		}
		if ov.Disabled != nil {
			spec.Disabled = *ov.Disabled
		}
	}

	if len(env) > 0 {
		spec.Env = env
	}
	return spec
}

// EnsurePrivate returns the name of the user's private instance of base,
// spawning it if necessary. Idempotent: an existing instance is returned
// as is.
func (m *PrivateManager) EnsurePrivate(ctx context.Context, username, base string) (string, error) {
	shared, ok := m.store.GetServer(base)
	if !ok {
		// Runtime-added servers may not be persisted yet; fall back to the
		// supervisor's registry.
		inst, found := m.sup.get(base)
		if !found || inst.owner != "" {
			return "", fmt.Errorf("%w: base server %q", ErrNotFound, base)
		}
		shared = inst.spec
	}

	rec, ok := m.store.GetUser(username)
	if !ok {
		return "", fmt.Errorf("%w: user %q", ErrNotFound, username)
	}

	name := PrivateName(base, username)

	m.mu.Lock()
	if byBase, ok := m.mapping[username]; ok {
		if existing, ok := byBase[base]; ok && m.sup.Has(existing) {
			m.mu.Unlock()
			return existing, nil
		}
	}
	m.mu.Unlock()

	spec := effectiveSpec(shared, rec, base)
	if spec.Disabled {
		return "", fmt.Errorf("%w: server %q is disabled for user %q", ErrPermission, base, username)
	}
	spec.Description = fmt.Sprintf("Private %s for %s", base, username)

	m.logger.Info("starting private instance", "user", username, "base", base, "name", name)
	if _, err := m.sup.StartPrivate(ctx, name, spec, username, base); err != nil {
		return "", fmt.Errorf("starting private instance %s: %w", name, err)
	}

	m.mu.Lock()
	if m.mapping[username] == nil {
		m.mapping[username] = make(map[string]string)
	}
	m.mapping[username][base] = name
	m.lastUsed[name] = m.now()
	m.mu.Unlock()

	return name, nil
}

// Touch records a successful invocation routed to the named instance.
// No-op for instances the manager does not track.
func (m *PrivateManager) Touch(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lastUsed[name]; ok {
		m.lastUsed[name] = m.now()
	}
}

// LiveInstanceFor returns the user's private instance exposing toolName,
// if one is alive.
func (m *PrivateManager) LiveInstanceFor(username, toolName string) (string, bool) {
	m.mu.Lock()
	names := make([]string, 0, len(m.mapping[username]))
	for _, n := range m.mapping[username] {
		names = append(names, n)
	}
	m.mu.Unlock()

	for _, n := range names {
		if !m.sup.IsAlive(n) {
			continue
		}
		tools, ok := m.sup.Tools(n)
		if !ok {
			continue
		}
		for _, t := range tools {
			if t.Name == toolName {
				return n, true
			}
		}
	}
	return "", false
}

// StopPrivate stops and removes the user's private instance of base.
func (m *PrivateManager) StopPrivate(username, base string) error {
	m.mu.Lock()
	name, ok := m.mapping[username][base]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no private instance of %q for user %q", ErrNotFound, base, username)
	}
	// Delete triggers the supervisor's delete hook, which drops the
	// mapping and idle record.
	return m.sup.Delete(name)
}

// ListForUser returns the management view of a user's private instances.
func (m *PrivateManager) ListForUser(username string) []InstanceInfo {
	m.mu.Lock()
	type pair struct{ base, name string }
	pairs := make([]pair, 0, len(m.mapping[username]))
	for base, name := range m.mapping[username] {
		pairs = append(pairs, pair{base, name})
	}
	used := make(map[string]time.Time, len(pairs))
	for _, p := range pairs {
		used[p.name] = m.lastUsed[p.name]
	}
	now := m.now()
	m.mu.Unlock()

	var out []InstanceInfo
	for _, p := range pairs {
		info := m.sup.info(p.name)
		if info == nil {
			continue
		}
		if at, ok := used[p.name]; ok && !at.IsZero() {
			idle := now.Sub(at).Seconds()
			info.IdleSeconds = &idle
		}
		out = append(out, *info)
	}
	return out
}

// timeout returns the idle timeout for (user, base): per-server setting,
// then the user's global setting, then the default.
func (m *PrivateManager) timeout(username, base string) time.Duration {
	rec, ok := m.store.GetUser(username)
	if !ok {
		return DefaultIdleTimeout
	}
	if t, ok := rec.ServerTimeouts[base]; ok {
		return time.Duration(t) * time.Second
	}
	if rec.ServerTimeout != nil {
		return time.Duration(*rec.ServerTimeout) * time.Second
	}
	return DefaultIdleTimeout
}

// CleanupIdle stops every private instance idle longer than its timeout
// and returns the names of the stopped instances.
func (m *PrivateManager) CleanupIdle(now time.Time) []string {
	type target struct{ user, base, name string }
	var targets []target

	m.mu.Lock()
	for user, byBase := range m.mapping {
		for base, name := range byBase {
			last, ok := m.lastUsed[name]
			if !ok {
				continue
			}
			if now.Sub(last) > m.timeout(user, base) {
				targets = append(targets, target{user, base, name})
			}
		}
	}
	m.mu.Unlock()

	var stopped []string
	for _, t := range targets {
		idle := now.Sub(m.lastUsedAt(t.name))
		m.logger.Info("stopping idle private instance", "name", t.name, "idle", idle)
		if err := m.StopPrivate(t.user, t.base); err != nil {
			m.logger.Warn("stopping idle private instance", "name", t.name, "error", err)
			continue
		}
		stopped = append(stopped, t.name)
	}
	return stopped
}

func (m *PrivateManager) lastUsedAt(name string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUsed[name]
}

// Run executes CleanupIdle on the given interval until ctx is cancelled.
func (m *PrivateManager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stopped := m.CleanupIdle(m.now()); len(stopped) > 0 {
				m.logger.Info("cleaned up idle private instances", "count", len(stopped))
			}
		}
	}
}

// dropByInstance removes bookkeeping for a deleted instance. Runs as the
// supervisor's delete hook, so a private instance deleted through any path
// also loses its mapping. Deleting a base server leaves the private
// instances of that base, and their mappings, in place.
func (m *PrivateManager) dropByInstance(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastUsed, name)
	for user, byBase := range m.mapping {
		for base, n := range byBase {
			if n == name {
				delete(byBase, base)
			}
		}
		if len(byBase) == 0 {
			delete(m.mapping, user)
		}
	}
}

// InstanceFor returns the mapped private instance name for (user, base).
func (m *PrivateManager) InstanceFor(username, base string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.mapping[username][base]
	return name, ok
}
