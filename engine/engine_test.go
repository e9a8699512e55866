package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/legisearch/legisearch/llm"
	"github.com/legisearch/legisearch/model"
	"github.com/legisearch/legisearch/search"
	"github.com/legisearch/legisearch/session"
	"github.com/legisearch/legisearch/storage"
	"github.com/legisearch/legisearch/stream"
	"github.com/legisearch/legisearch/tools"
)

// fixedSearcher answers every round with the same results, so the
// second round finds nothing new and the loop stops.
type fixedSearcher struct {
	results []model.ResultRecord
}

func (f *fixedSearcher) Search(ctx context.Context, args tools.SearchArgs, timeout time.Duration) (tools.SearchResponse, error) {
	return tools.SearchResponse{Results: f.results}, nil
}

// fakeProvider streams canned chunks.
type fakeProvider struct {
	chunks []string
}

func (f *fakeProvider) Name() string  { return "fake" }
func (f *fakeProvider) Model() string { return "fake-1" }

func (f *fakeProvider) Chat(ctx context.Context, messages []llm.ChatMessage) (llm.Response, error) {
	var all string
	for _, c := range f.chunks {
		all += c
	}
	return llm.Response{Content: all}, nil
}

func (f *fakeProvider) StreamChat(ctx context.Context, messages []llm.ChatMessage, chunks chan<- string) (*llm.TokenUsage, error) {
	for _, c := range f.chunks {
		select {
		case chunks <- c:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &llm.TokenUsage{TotalTokens: 2}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine(t *testing.T, provider llm.Provider, store *storage.RunStore) *Engine {
	t.Helper()
	searcher := &fixedSearcher{results: []model.ResultRecord{
		{ContentID: "hr-1", ContentType: model.ContentBill, Title: "Grid Act", Summary: "Funds grid work.", RelevanceScore: 0.9},
		{ContentID: "eo-2", ContentType: model.ContentExecutiveAction, Title: "Grid Order", Summary: "Directs grid reviews.", RelevanceScore: 0.7},
	}}
	mux := stream.NewMux(testLogger(), stream.WithHeartbeatInterval(0))
	return New(searcher, provider, mux, session.NewRegistry(testLogger()), store, search.Config{}, testLogger())
}

func collect(t *testing.T, conn *stream.Conn) []model.StreamEvent {
	t.Helper()
	var events []model.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream never finished")
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	e := testEngine(t, nil, nil)

	conn, err := e.StartSession(context.Background(), "sess-1", "conn-1", "grid funding")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	events := collect(t, conn)
	if events[0].Type != model.EventStart {
		t.Errorf("first event = %s, want start", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != model.EventEnd {
		t.Errorf("last event = %s, want end", last.Type)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence <= events[i-1].Sequence {
			t.Fatalf("sequence not strictly increasing at %d", i)
		}
	}

	citations := 0
	for _, ev := range events {
		if ev.Type == model.EventCitation {
			citations++
		}
	}
	if citations != 2 {
		t.Errorf("expected 2 citations, got %d", citations)
	}

	// Session is gone once the stream closes.
	deadline := time.Now().Add(time.Second)
	for e.ActiveSessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartSessionRejectsBlankQuery(t *testing.T) {
	e := testEngine(t, nil, nil)
	if _, err := e.StartSession(context.Background(), "sess-1", "conn-1", "  "); err == nil {
		t.Error("expected error for blank query")
	}
	if e.ActiveSessions() != 0 {
		t.Error("no session should be registered")
	}
}

// gatedSearcher blocks each call until released, keeping the session
// alive for the duration of a test.
type gatedSearcher struct {
	release chan struct{}
}

func (g *gatedSearcher) Search(ctx context.Context, args tools.SearchArgs, timeout time.Duration) (tools.SearchResponse, error) {
	select {
	case <-g.release:
		return tools.SearchResponse{}, nil
	case <-ctx.Done():
		return tools.SearchResponse{}, ctx.Err()
	}
}

func TestStartSessionRejectsDuplicate(t *testing.T) {
	gate := &gatedSearcher{release: make(chan struct{})}
	mux := stream.NewMux(testLogger(), stream.WithHeartbeatInterval(0))
	e := New(gate, nil, mux, session.NewRegistry(testLogger()), nil, search.Config{}, testLogger())

	conn, err := e.StartSession(context.Background(), "sess-1", "conn-1", "grid")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, err := e.StartSession(context.Background(), "sess-1", "conn-2", "grid"); err == nil {
		t.Error("expected duplicate session rejection")
	}
	close(gate.release)
	collect(t, conn)
}

func TestStopSessionAcknowledged(t *testing.T) {
	e := testEngine(t, nil, nil)
	if !e.StopSession("never-started") {
		t.Error("stop must acknowledge even for unknown sessions")
	}
}

func TestSynthesisProducesContent(t *testing.T) {
	e := testEngine(t, &fakeProvider{chunks: []string{"Grounded ", "answer."}}, nil)

	conn, err := e.StartSession(context.Background(), "sess-1", "conn-1", "grid funding")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	events := collect(t, conn)

	var text string
	for _, ev := range events {
		if ev.Type == model.EventContent {
			var p model.ContentPayload
			if err := json.Unmarshal(ev.Data, &p); err != nil {
				t.Fatalf("bad content payload: %v", err)
			}
			text += p.Text
		}
	}
	if text != "Grounded answer." {
		t.Errorf("streamed answer = %q", text)
	}
}

func TestRunAudited(t *testing.T) {
	store, err := storage.NewRunStoreInMemory()
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()
	e := testEngine(t, nil, store)

	conn, err := e.StartSession(context.Background(), "sess-1", "conn-1", "grid funding")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	collect(t, conn)

	// The audit write happens after the end event; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := store.LoadRun(context.Background(), "sess-1")
		if err != nil {
			t.Fatalf("LoadRun failed: %v", err)
		}
		if rec != nil {
			if rec.Query != "grid funding" {
				t.Errorf("audited query = %q", rec.Query)
			}
			if len(rec.Iterations) == 0 {
				t.Error("audited run has no iterations")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("run never audited")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGroundingPromptShape(t *testing.T) {
	cits := []model.Citation{
		{Title: "Grid Act", URL: "/legislation/bills/hr-1", Excerpt: "Funds grid work."},
	}
	p := groundingPrompt("grid funding", cits)
	for _, want := range []string{"Question: grid funding", "[1] Grid Act (/legislation/bills/hr-1)", "Funds grid work."} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}
}
