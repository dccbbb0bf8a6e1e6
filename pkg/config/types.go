// Package config holds toolgate's runtime settings and its persistent
// configuration store: the main config.json document, one JSON document per
// user, and one tool-cache document per server.
package config

// ServerSpec is the declarative description of one MCP tool server.
type ServerSpec struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Description string            `json:"description,omitempty"`
	Disabled    bool              `json:"disabled,omitempty"`
}

// ToolFilter is the whitelist/blacklist pair applied to discovered tools.
// A tool passes when the whitelist is empty or contains it, and the
// blacklist does not.
type ToolFilter struct {
	WhiteList []string `json:"whiteList"`
	BlackList []string `json:"blackList"`
}

// Allows reports whether a tool name passes the filter.
func (f ToolFilter) Allows(name string) bool {
	for _, b := range f.BlackList {
		if b == name {
			return false
		}
	}
	if len(f.WhiteList) == 0 {
		return true
	}
	for _, w := range f.WhiteList {
		if w == name {
			return true
		}
	}
	return false
}

// MainConfig mirrors the layout of config.json.
type MainConfig struct {
	MCPServers map[string]ServerSpec `json:"mcpServers"`
	Tools      ToolFilter            `json:"tools"`
}

// ServerOverride is a user's per-server override block. Args replaces the
// shared args when present; Env is merged over the shared env; Disabled
// wins over the shared flag when non-nil.
type ServerOverride struct {
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Disabled *bool             `json:"disabled,omitempty"`
}

// UserRecord is one user principal, persisted as users/<username>.json.
type UserRecord struct {
	Username       string                    `json:"username"`
	HashedPassword string                    `json:"hashedPassword"`
	Admin          bool                      `json:"admin"`
	Disabled       bool                      `json:"disabled"`
	APIKeys        []string                  `json:"apiKeys,omitempty"`
	Env            map[string]string         `json:"env,omitempty"`
	MCPServers     map[string]ServerOverride `json:"mcpServers,omitempty"`
	ServerTimeout  *int                      `json:"serverTimeout,omitempty"`
	ServerTimeouts map[string]int            `json:"serverTimeouts,omitempty"`
}

// HasOverridesFor reports whether the user's configuration would make a
// private instance of base differ from the shared one.
func (u *UserRecord) HasOverridesFor(base string) bool {
	if u == nil {
		return false
	}
	if len(u.Env) > 0 {
		return true
	}
	ov, ok := u.MCPServers[base]
	if !ok {
		return false
	}
	return len(ov.Args) > 0 || len(ov.Env) > 0 || ov.Disabled != nil
}

// ToolCache mirrors the layout of cache/<name>.json. SpecHash fingerprints
// the command line the tools were discovered with; a mismatch at load time
// invalidates the cache.
type ToolCache struct {
	Tools    []CachedTool `json:"tools"`
	SpecHash string       `json:"specHash,omitempty"`
}

// CachedTool is one tool descriptor as persisted in a tool cache.
type CachedTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}
