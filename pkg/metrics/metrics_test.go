package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCollector_ToolCallsAndHandler(t *testing.T) {
	c := NewCollector()
	c.ObserveToolCall("time", "get_current_time", 50*time.Millisecond, false)
	c.ObserveToolCall("time", "get_current_time", 10*time.Millisecond, true)
	c.SessionOpened()
	c.SetChildren(map[string]int{"running": 2, "cached": 1})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`toolgate_tool_calls_total{outcome="ok",server="time",tool="get_current_time"} 1`,
		`toolgate_tool_calls_total{outcome="error",server="time",tool="get_current_time"} 1`,
		`toolgate_sse_sessions 1`,
		`toolgate_children{status="running"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
