package mcp

import (
	"log/slog"

	"github.com/toolgate/toolgate/pkg/config"
)

// FilterPolicy combines the environment-sourced tool filter with the one
// from the configuration file. The environment policy has precedence: a
// tool must pass it before the config policy is even consulted. Both apply
// during tools/list ingestion, never at call time.
type FilterPolicy struct {
	Env    config.ToolFilter
	Config config.ToolFilter
	Logger *slog.Logger
}

// Apply returns the tools passing both filters. Tools without a name never
// pass. A rejected tool is dropped with a warning; rejection never fails
// the discovery that produced it.
func (p FilterPolicy) Apply(tools []Tool) []Tool {
	var out []Tool
	for _, tool := range tools {
		if tool.Name == "" {
			p.warn("dropping tool without a name")
			continue
		}
		if !p.Env.Allows(tool.Name) {
			p.warn("dropping tool filtered by environment policy", "tool", tool.Name)
			continue
		}
		if !p.Config.Allows(tool.Name) {
			p.warn("dropping tool filtered by config policy", "tool", tool.Name)
			continue
		}
		out = append(out, tool)
	}
	return out
}

func (p FilterPolicy) warn(msg string, args ...any) {
	if p.Logger != nil {
		p.Logger.Warn(msg, args...)
	}
}
