package mcp

import (
	"encoding/json"
	"testing"
)

func TestSession_QueueFIFO(t *testing.T) {
	m := NewSessionManager()
	s := m.Create("sess-1")

	for i := 0; i < 5; i++ {
		if !s.Push(i) {
			t.Fatalf("Push(%d) failed", i)
		}
	}
	for i := 0; i < 5; i++ {
		got := <-s.queue
		if got != i {
			t.Fatalf("queue[%d] = %v, want %d", i, got, i)
		}
	}
}

func TestSession_QueueBounded(t *testing.T) {
	m := NewSessionManager()
	s := m.Create("sess-1")

	for i := 0; i < sessionQueueSize; i++ {
		if !s.Push(i) {
			t.Fatalf("Push(%d) on non-full queue failed", i)
		}
	}
	if s.Push("overflow") {
		t.Error("Push on a full queue must drop, not block")
	}
}

func TestSession_PushAfterCloseFails(t *testing.T) {
	m := NewSessionManager()
	s := m.Create("sess-1")
	m.Remove("sess-1")

	if s.Push("late") {
		t.Error("Push on a closed session must fail")
	}
	if s.Active() {
		t.Error("closed session still active")
	}
}

func TestSession_InitializedTransition(t *testing.T) {
	m := NewSessionManager()
	s := m.Create("sess-1")

	if s.Initialized() {
		t.Error("fresh session must not be initialized")
	}
	s.SetClientInfo("2024-11-05", json.RawMessage(`{"name":"client"}`))
	if s.Initialized() {
		t.Error("initialize alone must not flip the state")
	}
	s.SetInitialized("", nil)
	if !s.Initialized() {
		t.Error("initialized notification must flip the state")
	}
}

func TestSession_RecordCancelled(t *testing.T) {
	m := NewSessionManager()
	s := m.Create("sess-1")
	s.RecordCancelled(json.RawMessage(`42`))
	s.RecordCancelled(json.RawMessage(`"abc"`))
	if s.CancelledCount() != 2 {
		t.Errorf("CancelledCount = %d, want 2", s.CancelledCount())
	}
}

type countingObserver struct{ opened, closed int }

func (o *countingObserver) SessionOpened() { o.opened++ }
func (o *countingObserver) SessionClosed() { o.closed++ }

func TestSessionManager_Lifecycle(t *testing.T) {
	m := NewSessionManager()
	obs := &countingObserver{}
	m.SetObserver(obs)

	a := m.Create("a")
	m.Create("b")
	if m.Count() != 2 {
		t.Fatalf("Count = %d, want 2", m.Count())
	}

	got, ok := m.Get("a")
	if !ok || got != a {
		t.Error("Get returned wrong session")
	}

	m.Remove("a")
	if _, ok := m.Get("a"); ok {
		t.Error("removed session still retrievable")
	}

	m.CloseAll()
	if m.Count() != 0 {
		t.Errorf("Count after CloseAll = %d, want 0", m.Count())
	}
	if obs.opened != 2 || obs.closed != 2 {
		t.Errorf("observer saw %d/%d, want 2/2", obs.opened, obs.closed)
	}
}

func TestSessionManager_CreateReplacesStale(t *testing.T) {
	m := NewSessionManager()
	old := m.Create("same-id")
	fresh := m.Create("same-id")

	if old.Active() {
		t.Error("replaced session must be closed")
	}
	if !fresh.Active() {
		t.Error("replacement session must be active")
	}
	got, _ := m.Get("same-id")
	if got != fresh {
		t.Error("manager should hold the replacement session")
	}
}
