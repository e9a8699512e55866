package stream

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/legisearch/legisearch/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drain(c *Conn) []model.StreamEvent {
	var events []model.StreamEvent
	for ev := range c.Events() {
		events = append(events, ev)
	}
	return events
}

func TestSequenceStrictlyIncreasing(t *testing.T) {
	m := NewMux(testLogger(), WithHeartbeatInterval(0))
	c, err := m.Open("conn-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := c.Push(model.EventStart, model.StartPayload{SessionID: "s", Query: "q"}); err != nil {
		t.Fatalf("Push start failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := c.Push(model.EventContent, model.ContentPayload{Text: "chunk"}); err != nil {
			t.Fatalf("Push content failed: %v", err)
		}
	}
	if err := c.End(model.EndPayload{Reason: model.ReasonNoNewResults}); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	events := drain(c)
	if len(events) != 7 {
		t.Fatalf("expected 7 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != uint64(i+1) {
			t.Errorf("event %d has sequence %d", i, ev.Sequence)
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("event %d missing timestamp", i)
		}
	}
	if events[len(events)-1].Type != model.EventEnd {
		t.Errorf("last event is %s, want end", events[len(events)-1].Type)
	}
}

func TestNoEventsAfterEnd(t *testing.T) {
	m := NewMux(testLogger(), WithHeartbeatInterval(0))
	c, err := m.Open("conn-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := c.End(model.EndPayload{Reason: model.ReasonCancelled}); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if err := c.Push(model.EventContent, model.ContentPayload{Text: "late"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after end, got %v", err)
	}

	events := drain(c)
	if len(events) != 1 || events[0].Type != model.EventEnd {
		t.Errorf("expected only the end event, got %d events", len(events))
	}
}

func TestSlowClientTornDown(t *testing.T) {
	m := NewMux(testLogger(), WithBufferSize(2), WithHeartbeatInterval(0))
	c, err := m.Open("conn-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Nobody drains: the third push overflows the buffer.
	if err := c.Push(model.EventContent, model.ContentPayload{Text: "1"}); err != nil {
		t.Fatalf("push 1 failed: %v", err)
	}
	if err := c.Push(model.EventContent, model.ContentPayload{Text: "2"}); err != nil {
		t.Fatalf("push 2 failed: %v", err)
	}
	if err := c.Push(model.EventContent, model.ContentPayload{Text: "3"}); !errors.Is(err, ErrSlowClient) {
		t.Fatalf("expected ErrSlowClient, got %v", err)
	}
	if err := c.Push(model.EventContent, model.ContentPayload{Text: "4"}); !errors.Is(err, ErrSlowClient) {
		t.Errorf("pushes after teardown should keep returning ErrSlowClient, got %v", err)
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not torn down")
	}
	if m.Len() != 0 {
		t.Errorf("connection still registered after teardown")
	}
}

func TestHeartbeatOnIdle(t *testing.T) {
	m := NewMux(testLogger(), WithHeartbeatInterval(20*time.Millisecond))
	c, err := m.Open("conn-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close()

	select {
	case ev := <-c.Events():
		if ev.Type != model.EventHeartbeat {
			t.Fatalf("expected heartbeat, got %s", ev.Type)
		}
		if ev.Sequence != 1 {
			t.Errorf("heartbeat should share the sequence counter, got %d", ev.Sequence)
		}
	case <-time.After(time.Second):
		t.Fatal("no heartbeat on idle connection")
	}
}

func TestCloseIdempotent(t *testing.T) {
	m := NewMux(testLogger(), WithHeartbeatInterval(0))
	c, err := m.Open("conn-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	c.Close()
	c.Close()
	if err := c.Push(model.EventContent, model.ContentPayload{Text: "x"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestDuplicateConnectionRejected(t *testing.T) {
	m := NewMux(testLogger(), WithHeartbeatInterval(0))
	c, err := m.Open("conn-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := m.Open("conn-1"); !errors.Is(err, ErrDuplicateConnection) {
		t.Errorf("expected ErrDuplicateConnection, got %v", err)
	}
	c.Close()
	if _, err := m.Open("conn-1"); err != nil {
		t.Errorf("id should be reusable after close: %v", err)
	}
}

func TestLookup(t *testing.T) {
	m := NewMux(testLogger(), WithHeartbeatInterval(0))
	c, err := m.Open("conn-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close()

	got, ok := m.Lookup("conn-1")
	if !ok || got != c {
		t.Error("Lookup did not return the open connection")
	}
	if _, ok := m.Lookup("missing"); ok {
		t.Error("Lookup found a connection that was never opened")
	}
}
