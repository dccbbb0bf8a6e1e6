package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelInfo, Format: FormatJSON, Output: &buf, Component: "gateway"})

	logger.Info("server started", "name", "time", "tools", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["msg"] != "server started" {
		t.Errorf("msg = %v, want %q", entry["msg"], "server started")
	}
	if entry["component"] != "gateway" {
		t.Errorf("component = %v, want %q", entry["component"], "gateway")
	}
	if _, ok := entry["ts"]; !ok {
		t.Error("missing ts field")
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelWarn, Format: FormatJSON, Output: &buf})

	logger.Info("hidden")
	logger.Warn("visible")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "visible") {
		t.Error("warn record should pass at warn level")
	}
}

func TestNew_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelInfo, Format: FormatJSON, Output: &buf})

	logger.Info("spawning child", "env", map[string]string{
		"API_TOKEN":       "sk-sensitive",
		"CALCULATOR_MODE": "scientific",
	})

	out := buf.String()
	if strings.Contains(out, "sk-sensitive") {
		t.Error("secret env value leaked into log output")
	}
	if !strings.Contains(out, "scientific") {
		t.Error("non-secret env value should survive redaction")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if ParseFormat("text") != FormatText {
		t.Error("text should parse to FormatText")
	}
	if ParseFormat("pretty") != FormatText {
		t.Error("pretty should parse to FormatText")
	}
	if ParseFormat("anything-else") != FormatJSON {
		t.Error("unknown format should default to FormatJSON")
	}
}
