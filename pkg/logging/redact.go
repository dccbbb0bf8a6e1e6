package logging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Patterns that match sensitive values in log output. Each pattern keeps the
// prefix (e.g. "Bearer ") via a capture group and replaces only the secret.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(Authorization:\s*)\S+(\s+\S+)?`),
	regexp.MustCompile(`(?i)(Bearer\s+)\S+`),
	regexp.MustCompile(`(?i)((?:password|passwd|secret|api[_-]?key|token|credentials?|salt)\s*[=:]\s*)\S+`),
}

var sensitiveKeyPattern = regexp.MustCompile(`(?i)(password|passwd|secret|token|key|credential|salt|auth)`)

// RedactingHandler is a slog.Handler that scrubs secret-looking values from
// records before forwarding them to an inner handler. User env overrides and
// server env blocks routinely carry credentials, so every map[string]string
// attr is filtered by key name as well.
type RedactingHandler struct {
	inner slog.Handler
}

// NewRedactingHandler wraps an inner handler with secret redaction.
func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	var redacted []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		redacted = append(redacted, redactAttr(a))
		return true
	})

	nr := slog.NewRecord(r.Time, r.Level, redactString(r.Message), r.PC)
	nr.AddAttrs(redacted...)
	return h.inner.Handle(ctx, nr)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = redactAttr(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(out)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		if isSensitiveKey(a.Key) {
			return slog.String(a.Key, "[REDACTED]")
		}
		return slog.String(a.Key, redactString(a.Value.String()))
	case slog.KindGroup:
		attrs := a.Value.Group()
		out := make([]any, len(attrs))
		for i, ga := range attrs {
			out[i] = redactAttr(ga)
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		switch val := a.Value.Any().(type) {
		case []string:
			out := make([]string, len(val))
			for i, s := range val {
				out[i] = redactString(s)
			}
			return slog.Any(a.Key, out)
		case map[string]string:
			return slog.Any(a.Key, RedactEnv(val))
		case error:
			return slog.String(a.Key, redactString(val.Error()))
		case fmt.Stringer:
			return slog.String(a.Key, redactString(val.String()))
		}
		return a
	default:
		return a
	}
}

func redactString(s string) string {
	for _, p := range redactPatterns {
		s = p.ReplaceAllString(s, "${1}[REDACTED]")
	}
	return s
}

// RedactEnv returns a copy of the env map with sensitive values replaced.
// Keys matching common secret patterns are masked wholesale.
func RedactEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if isSensitiveKey(k) {
			out[k] = "[REDACTED]"
		} else {
			out[k] = redactString(v)
		}
	}
	return out
}

func isSensitiveKey(key string) bool {
	return sensitiveKeyPattern.MatchString(strings.ToLower(key))
}
