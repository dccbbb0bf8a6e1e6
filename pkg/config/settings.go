package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Settings are the environment-driven knobs of the gateway. Persistent
// state (servers, users, filters) lives in the Store instead.
type Settings struct {
	StoragePath     string `koanf:"config_storage_path"`
	StreamLimit     int    `koanf:"subprocess_stream_limit"`
	CleanupInterval int    `koanf:"private_server_cleanup_interval"`
	ToolsWhitelist  string `koanf:"tools_whitelist"`
	ToolsBlacklist  string `koanf:"tools_blacklist"`
	AdminPassword   string `koanf:"admin_default_password"`
	Salt            string `koanf:"salt"`
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
	LogFile         string `koanf:"log_file"`
}

// Defaults for environment-driven settings.
const (
	DefaultStreamLimit     = 5 * 1024 * 1024 // bytes
	DefaultCleanupInterval = 300             // seconds
	DefaultAdminPassword   = "admin"
	DefaultPort            = 8000
)

// LoadSettings reads Settings from the process environment.
func LoadSettings() (*Settings, error) {
	k := koanf.New(".")

	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return nil, fmt.Errorf("unmarshaling settings: %w", err)
	}

	if s.StoragePath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		s.StoragePath = filepath.Join(cwd, "data", "config")
	}
	if s.StreamLimit <= 0 {
		s.StreamLimit = DefaultStreamLimit
	}
	if s.CleanupInterval <= 0 {
		s.CleanupInterval = DefaultCleanupInterval
	}
	if s.AdminPassword == "" {
		s.AdminPassword = DefaultAdminPassword
	}
	if s.Port <= 0 {
		s.Port = DefaultPort
	}

	return &s, nil
}

// EnvFilter derives the environment-sourced tool filter from the
// comma-separated TOOLS_WHITELIST and TOOLS_BLACKLIST values.
func (s *Settings) EnvFilter() ToolFilter {
	return ToolFilter{
		WhiteList: splitList(s.ToolsWhitelist),
		BlackList: splitList(s.ToolsBlacklist),
	}
}

// ConfigDir returns the directory holding config.json, users/ and cache/.
// CONFIG_STORAGE_PATH may point at either the directory or the config.json
// file itself.
func (s *Settings) ConfigDir() string {
	if strings.HasSuffix(s.StoragePath, ".json") {
		return filepath.Dir(s.StoragePath)
	}
	return s.StoragePath
}

// MainConfigPath returns the path of the main config.json document.
func (s *Settings) MainConfigPath() string {
	if strings.HasSuffix(s.StoragePath, ".json") {
		return s.StoragePath
	}
	return filepath.Join(s.StoragePath, "config.json")
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
