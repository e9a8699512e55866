package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreateAndStop(t *testing.T) {
	r := NewRegistry(testLogger())
	ctx, s, err := r.Create(context.Background(), "sess-1", "conn-1", "water rights")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s.Query != "water rights" || s.ConnectionID != "conn-1" {
		t.Errorf("session fields wrong: %+v", s)
	}

	if !r.Stop("sess-1") {
		t.Error("Stop should acknowledge")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("stop did not cancel the session context")
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	r := NewRegistry(testLogger())
	if _, _, err := r.Create(context.Background(), "sess-1", "conn-1", "q"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, _, err := r.Create(context.Background(), "sess-1", "conn-2", "q"); !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("expected ErrDuplicateSession, got %v", err)
	}
}

func TestStopUnknownStillAcknowledged(t *testing.T) {
	r := NewRegistry(testLogger())
	if !r.Stop("never-existed") {
		t.Error("stop of a finished or unknown session must still acknowledge")
	}
}

func TestRemoveReleasesAndAllowsReuse(t *testing.T) {
	r := NewRegistry(testLogger())
	ctx, _, err := r.Create(context.Background(), "sess-1", "conn-1", "q")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	r.Remove("sess-1")
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("remove did not release the session context")
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
	if _, _, err := r.Create(context.Background(), "sess-1", "conn-1", "q"); err != nil {
		t.Errorf("id should be reusable after removal: %v", err)
	}

	r.Remove("sess-1")
	r.Remove("sess-1") // idempotent
}

func TestGet(t *testing.T) {
	r := NewRegistry(testLogger())
	_, s, err := r.Create(context.Background(), "sess-1", "conn-1", "q")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	got, ok := r.Get("sess-1")
	if !ok || got != s {
		t.Error("Get did not return the active session")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get found a session that was never created")
	}
}
