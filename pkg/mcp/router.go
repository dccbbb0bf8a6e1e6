package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/toolgate/toolgate/pkg/auth"
	"github.com/toolgate/toolgate/pkg/jsonrpc"
	"github.com/toolgate/toolgate/pkg/logging"
)

// Observer receives routing events; the metrics collector implements it.
type Observer interface {
	ObserveToolCall(server, tool string, duration time.Duration, isError bool)
}

// Router presents the effective registry view and resolves tool calls to a
// single child instance. For authenticated principals with overrides the
// private instance always shadows the shared one; anonymous callers always
// get the shared instance.
type Router struct {
	sup      *Supervisor
	priv     *PrivateManager
	logger   *slog.Logger
	observer Observer
}

// NewRouter creates a router over the supervisor and private manager.
func NewRouter(sup *Supervisor, priv *PrivateManager) *Router {
	return &Router{sup: sup, priv: priv, logger: logging.NewDiscardLogger()}
}

// SetLogger sets the logger for routing operations.
func (r *Router) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetObserver registers a call observer.
func (r *Router) SetObserver(o Observer) { r.observer = o }

// ListTools enumerates the tools of all shared instances that are running
// or cached (cached children lazily start on first call). For a principal
// with live private instances, private tools shadow shared tools of the
// same name.
func (r *Router) ListTools(principal *auth.Principal) []ToolListEntry {
	var entries []ToolListEntry
	shadowed := make(map[string]bool)

	if principal != nil && r.priv != nil {
		for _, p := range r.priv.ListForUser(principal.Username) {
			tools, ok := r.sup.Tools(p.Name)
			if !ok {
				continue
			}
			for _, t := range tools {
				entries = append(entries, ToolListEntry{
					Server:      p.Name,
					Name:        t.Name,
					Description: t.Description,
					InputSchema: t.InputSchema,
				})
				shadowed[t.Name] = true
			}
		}
	}

	seen := make(map[string]bool)
	for _, v := range r.sup.sharedSnapshot() {
		if v.Status != StatusRunning && v.Status != StatusCached {
			continue
		}
		for _, t := range v.Tools {
			if shadowed[t.Name] || seen[t.Name] {
				continue
			}
			seen[t.Name] = true
			entries = append(entries, ToolListEntry{
				Server:      v.Name,
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}
	return entries
}

// Resolve maps a tool name to the child instance that should serve it for
// the given principal. Search order: live private instance, then a private
// instance materialized on demand when the principal has overrides for the
// hosting base server, then the first shared owner in configuration
// insertion order.
func (r *Router) Resolve(ctx context.Context, toolName string, principal *auth.Principal) (string, error) {
	base := ""
	for _, v := range r.sup.sharedSnapshot() {
		if v.Status != StatusRunning && v.Status != StatusCached && v.Status != StatusStopped {
			continue
		}
		for _, t := range v.Tools {
			if t.Name == toolName {
				base = v.Name
				break
			}
		}
		if base != "" {
			break
		}
	}

	if principal != nil && r.priv != nil {
		// A live private instance wins outright.
		if name, ok := r.priv.LiveInstanceFor(principal.Username, toolName); ok {
			return name, nil
		}
		if base != "" && r.priv.HasOverrides(principal.Username, base) {
			name, err := r.priv.EnsurePrivate(ctx, principal.Username, base)
			if err != nil {
				return "", err
			}
			return name, nil
		}
	}

	if base == "" {
		return "", fmt.Errorf("%w: tool %q", ErrNotFound, toolName)
	}
	return base, nil
}

// InvokeTool routes one tools/call to the owning instance and returns the
// raw JSON-RPC response from the child. Successful private calls bump the
// instance's idle clock.
func (r *Router) InvokeTool(ctx context.Context, toolName string, arguments map[string]any, principal *auth.Principal, deadline time.Duration) (*jsonrpc.Response, error) {
	name, err := r.Resolve(ctx, toolName, principal)
	if err != nil {
		return nil, err
	}

	r.logger.Info("tool call started", "server", name, "tool", toolName, "user", principal.Name())
	start := time.Now()

	params := ToolCallParams{Name: toolName, Arguments: arguments}
	resp, err := r.sup.Invoke(ctx, name, "tools/call", params, deadline)
	elapsed := time.Since(start)

	if r.observer != nil {
		r.observer.ObserveToolCall(name, toolName, elapsed, err != nil || (resp != nil && resp.Error != nil))
	}

	if err != nil {
		r.logger.Warn("tool call failed", "server", name, "tool", toolName, "duration", elapsed, "error", err)
		return nil, err
	}

	if r.priv != nil {
		r.priv.Touch(name)
	}

	r.logger.Info("tool call finished", "server", name, "tool", toolName, "duration", elapsed, "is_error", resp.Error != nil)
	return resp, nil
}

// ResolveServer maps a base server name to the instance serving it for the
// given principal: the principal's live private instance, a freshly
// materialized one when overrides exist, or the shared instance.
func (r *Router) ResolveServer(ctx context.Context, base string, principal *auth.Principal) (string, error) {
	if principal != nil && r.priv != nil {
		if name, ok := r.priv.InstanceFor(principal.Username, base); ok && r.sup.Has(name) {
			return name, nil
		}
		if r.sup.Has(base) && r.priv.HasOverrides(principal.Username, base) {
			return r.priv.EnsurePrivate(ctx, principal.Username, base)
		}
	}
	if !r.sup.Has(base) {
		return "", fmt.Errorf("%w: server %q", ErrNotFound, base)
	}
	return base, nil
}

// InvokeOn routes one tools/call to a specific base server, going through
// the caller's private instance when one applies. The tool must be exposed
// by the resolved instance.
func (r *Router) InvokeOn(ctx context.Context, base, toolName string, arguments map[string]any, principal *auth.Principal, deadline time.Duration) (*jsonrpc.Response, error) {
	name, err := r.ResolveServer(ctx, base, principal)
	if err != nil {
		return nil, err
	}

	tools, ok := r.sup.Tools(name)
	if !ok {
		return nil, fmt.Errorf("%w: server %q", ErrNotFound, name)
	}
	found := false
	for _, t := range tools {
		if t.Name == toolName {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: tool %q on server %q", ErrNotFound, toolName, base)
	}

	r.logger.Info("tool call started", "server", name, "tool", toolName, "user", principal.Name())
	start := time.Now()

	params := ToolCallParams{Name: toolName, Arguments: arguments}
	resp, err := r.sup.Invoke(ctx, name, "tools/call", params, deadline)
	elapsed := time.Since(start)

	if r.observer != nil {
		r.observer.ObserveToolCall(name, toolName, elapsed, err != nil || (resp != nil && resp.Error != nil))
	}
	if err != nil {
		r.logger.Warn("tool call failed", "server", name, "tool", toolName, "duration", elapsed, "error", err)
		return nil, err
	}
	if r.priv != nil {
		r.priv.Touch(name)
	}
	r.logger.Info("tool call finished", "server", name, "tool", toolName, "duration", elapsed, "is_error", resp.Error != nil)
	return resp, nil
}
