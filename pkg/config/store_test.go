package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(&Settings{
		StoragePath:   t.TempDir(),
		AdminPassword: "admin",
		Salt:          "test-pepper",
	})
	require.NoError(t, err)
	return st
}

func TestNewStore_InitializesLayout(t *testing.T) {
	dir := t.TempDir()
	_, err := NewStore(&Settings{StoragePath: dir, AdminPassword: "admin"})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "config.json"))
	assert.DirExists(t, filepath.Join(dir, "users"))
	assert.DirExists(t, filepath.Join(dir, "cache"))
}

func TestStore_PutGetDeleteServer(t *testing.T) {
	st := newTestStore(t)

	spec := ServerSpec{Command: "uvx", Args: []string{"mcp-server-time"}}
	require.NoError(t, st.PutServer("time", spec))

	got, ok := st.GetServer("time")
	require.True(t, ok)
	assert.Equal(t, "uvx", got.Command)

	// Survives a reload from disk.
	require.NoError(t, st.Reload())
	_, ok = st.GetServer("time")
	assert.True(t, ok)

	require.NoError(t, st.DeleteServer("time"))
	_, ok = st.GetServer("time")
	assert.False(t, ok)
}

func TestStore_ServerOrderPreserved(t *testing.T) {
	st := newTestStore(t)

	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, st.PutServer(name, ServerSpec{Command: "cmd"}))
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, st.ServerOrder())

	// Order is serialized into config.json and restored on reload.
	require.NoError(t, st.Reload())
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, st.ServerOrder())
}

func TestStore_TolerantConfigParsing(t *testing.T) {
	dir := t.TempDir()
	cfg := `{
  // hand-edited config
  "mcpServers": {
    "time": {"command": "uvx", "args": ["mcp-server-time"],},
  },
  "tools": {"whiteList": [], "blackList": ["rm_rf"]},
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(cfg), 0o644))

	st, err := NewStore(&Settings{StoragePath: dir, AdminPassword: "admin"})
	require.NoError(t, err)

	_, ok := st.GetServer("time")
	assert.True(t, ok)
	assert.Equal(t, []string{"rm_rf"}, st.Filter().BlackList)
}

func TestStore_CorruptConfigReinitialized(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("not json at all"), 0o644))

	st, err := NewStore(&Settings{StoragePath: dir, AdminPassword: "admin"})
	require.NoError(t, err)
	assert.Empty(t, st.Servers())
}

func TestStore_AdminBootstrap(t *testing.T) {
	st := newTestStore(t)

	rec, ok := st.GetUser("admin")
	require.True(t, ok)
	assert.True(t, rec.Admin)
	assert.True(t, st.Hasher().VerifyPassword("admin", rec.HashedPassword))

	// Bootstrapped once, then persisted.
	require.NoError(t, st.Reload())
	assert.Equal(t, 1, st.UserCount())
}

func TestStore_UnknownUserNotBootstrapped(t *testing.T) {
	st := newTestStore(t)
	_, ok := st.GetUser("donald")
	assert.False(t, ok)
}

func TestStore_SaveUserRoundTrip(t *testing.T) {
	st := newTestStore(t)

	disabled := true
	rec := &UserRecord{
		Username: "donald",
		Env:      map[string]string{"CALCULATOR_MODE": "scientific"},
		MCPServers: map[string]ServerOverride{
			"calculator": {Args: []string{"--precise"}, Disabled: &disabled},
		},
		APIKeys: []string{"tg-key-1"},
	}
	require.NoError(t, st.SaveUser(rec))

	require.NoError(t, st.Reload())
	got, ok := st.GetUser("donald")
	require.True(t, ok)
	assert.Equal(t, "scientific", got.Env["CALCULATOR_MODE"])
	require.NotNil(t, got.MCPServers["calculator"].Disabled)
	assert.True(t, *got.MCPServers["calculator"].Disabled)

	byKey, ok := st.FindUserByAPIKey("tg-key-1")
	require.True(t, ok)
	assert.Equal(t, "donald", byKey.Username)
}

func TestStore_DeleteUser(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.SaveUser(&UserRecord{Username: "donald"}))
	require.NoError(t, st.DeleteUser("donald"))

	_, ok := st.GetUser("donald")
	assert.False(t, ok)
	require.NoError(t, st.Reload())
	_, ok = st.GetUser("donald")
	assert.False(t, ok)
}

func TestStore_CacheWriteOnce(t *testing.T) {
	st := newTestStore(t)

	first := &ToolCache{Tools: []CachedTool{{Name: "get_current_time"}}, SpecHash: "aaaa"}
	require.NoError(t, st.SaveCache("time", first))

	// Second save is a no-op: the cache is write-once until deleted.
	second := &ToolCache{Tools: []CachedTool{{Name: "other"}}, SpecHash: "aaaa"}
	require.NoError(t, st.SaveCache("time", second))

	got, err := st.LoadCache("time")
	require.NoError(t, err)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "get_current_time", got.Tools[0].Name)

	require.NoError(t, st.DeleteCache("time"))
	_, err = st.LoadCache("time")
	assert.Error(t, err)
}

func TestStore_CacheExists_HashInvalidation(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.SaveCache("time", &ToolCache{SpecHash: "aaaa"}))

	assert.True(t, st.CacheExists("time", "aaaa"))
	assert.False(t, st.CacheExists("time", "bbbb"), "changed command line must invalidate the cache")
	assert.False(t, st.CacheExists("missing", "aaaa"))
}

func TestSpecHash(t *testing.T) {
	a := SpecHash(ServerSpec{Command: "uvx", Args: []string{"mcp-server-time"}})
	b := SpecHash(ServerSpec{Command: "uvx", Args: []string{"mcp-server-time"}})
	c := SpecHash(ServerSpec{Command: "uvx", Args: []string{"mcp-server-fetch"}})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestToolFilter_Allows(t *testing.T) {
	tests := []struct {
		name   string
		filter ToolFilter
		tool   string
		want   bool
	}{
		{"empty filter allows all", ToolFilter{}, "anything", true},
		{"whitelist hit", ToolFilter{WhiteList: []string{"a"}}, "a", true},
		{"whitelist miss", ToolFilter{WhiteList: []string{"a"}}, "b", false},
		{"blacklist hit", ToolFilter{BlackList: []string{"a"}}, "a", false},
		{"blacklist beats whitelist", ToolFilter{WhiteList: []string{"a"}, BlackList: []string{"a"}}, "a", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Allows(tt.tool))
		})
	}
}
