package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// BufferedEntry is a log entry retained in memory for the admin log API.
type BufferedEntry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"ts"`
	Message   string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// LogBuffer keeps the most recent log entries in a fixed-size ring.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []BufferedEntry
	max     int
	next    int
	full    bool
}

// NewLogBuffer creates a buffer retaining up to maxSize entries.
func NewLogBuffer(maxSize int) *LogBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LogBuffer{entries: make([]BufferedEntry, maxSize), max: maxSize}
}

// Add appends an entry, evicting the oldest once the buffer is full.
func (b *LogBuffer) Add(entry BufferedEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.next] = entry
	b.next++
	if b.next == b.max {
		b.next = 0
		b.full = true
	}
}

// GetRecent returns up to n entries, oldest first.
func (b *LogBuffer) GetRecent(n int) []BufferedEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := b.next
	if b.full {
		count = b.max
	}
	if n <= 0 || n > count {
		n = count
	}
	if n == 0 {
		return nil
	}

	out := make([]BufferedEntry, 0, n)
	start := b.next - n
	if start < 0 {
		start += b.max
	}
	for i := 0; i < n; i++ {
		out = append(out, b.entries[(start+i)%b.max])
	}
	return out
}

// Count returns the number of retained entries.
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return b.max
	}
	return b.next
}

// BufferHandler is a slog.Handler that records into a LogBuffer and
// optionally forwards to an inner handler.
type BufferHandler struct {
	buffer *LogBuffer
	inner  slog.Handler
	attrs  []slog.Attr
}

// NewBufferHandler creates a handler writing to buffer and, when inner is
// non-nil, to inner as well.
func NewBufferHandler(buffer *LogBuffer, inner slog.Handler) *BufferHandler {
	return &BufferHandler{buffer: buffer, inner: inner}
}

func (h *BufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.inner != nil {
		return h.inner.Enabled(ctx, level)
	}
	return true
}

func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := BufferedEntry{
		Level:     r.Level.String(),
		Timestamp: r.Time.Format(time.RFC3339Nano),
		Message:   r.Message,
		Attrs:     make(map[string]any),
	}

	record := func(a slog.Attr) {
		if a.Key == "component" {
			entry.Component = a.Value.String()
			return
		}
		entry.Attrs[a.Key] = attrValue(a.Value)
	}
	for _, a := range h.attrs {
		record(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		record(a)
		return true
	})
	if len(entry.Attrs) == 0 {
		entry.Attrs = nil
	}

	h.buffer.Add(entry)

	if h.inner != nil {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &BufferHandler{buffer: h.buffer, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
	if h.inner != nil {
		nh.inner = h.inner.WithAttrs(attrs)
	}
	return nh
}

func (h *BufferHandler) WithGroup(name string) slog.Handler {
	nh := &BufferHandler{buffer: h.buffer, attrs: h.attrs}
	if h.inner != nil {
		nh.inner = h.inner.WithGroup(name)
	}
	return nh
}

// attrValue converts a slog.Value into a JSON-friendly Go value.
func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case slog.KindGroup:
		attrs := v.Group()
		m := make(map[string]any, len(attrs))
		for _, a := range attrs {
			m[a.Key] = attrValue(a.Value)
		}
		return m
	default:
		a := v.Any()
		if b, err := json.Marshal(a); err == nil {
			var out any
			if json.Unmarshal(b, &out) == nil {
				return out
			}
		}
		return a
	}
}
