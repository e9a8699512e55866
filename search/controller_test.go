package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/legisearch/legisearch/mcp"
	"github.com/legisearch/legisearch/model"
	"github.com/legisearch/legisearch/tools"
)

// scriptedSearcher returns one scripted step per call. A step is either
// a response or an error.
type scriptedSearcher struct {
	steps []step
	calls int
	args  []tools.SearchArgs
}

type step struct {
	resp tools.SearchResponse
	err  error
}

func (s *scriptedSearcher) Search(ctx context.Context, args tools.SearchArgs, timeout time.Duration) (tools.SearchResponse, error) {
	s.args = append(s.args, args)
	if s.calls >= len(s.steps) {
		return tools.SearchResponse{}, fmt.Errorf("unscripted call %d", s.calls)
	}
	st := s.steps[s.calls]
	s.calls++
	return st.resp, st.err
}

// memSink records every pushed event.
type memSink struct {
	events []recordedEvent
}

type recordedEvent struct {
	Type    model.EventType
	Payload any
}

func (m *memSink) Push(eventType model.EventType, payload any) error {
	m.events = append(m.events, recordedEvent{Type: eventType, Payload: payload})
	return nil
}

func (m *memSink) ofType(t model.EventType) []recordedEvent {
	var out []recordedEvent
	for _, ev := range m.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (m *memSink) last() recordedEvent {
	return m.events[len(m.events)-1]
}

func results(ids ...string) []model.ResultRecord {
	out := make([]model.ResultRecord, 0, len(ids))
	for i, id := range ids {
		out = append(out, model.ResultRecord{
			ContentID:      id,
			ContentType:    model.ContentBill,
			Title:          "Bill " + id,
			Summary:        "Summary of " + id + ".",
			RelevanceScore: 1 - float64(i)*0.01,
		})
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(s Searcher, cfg Config) *Controller {
	return NewController(s, nil, cfg, testLogger())
}

func endPayload(t *testing.T, sink *memSink) model.EndPayload {
	t.Helper()
	last := sink.last()
	if last.Type != model.EventEnd {
		t.Fatalf("last event is %s, want end", last.Type)
	}
	p, ok := last.Payload.(model.EndPayload)
	if !ok {
		t.Fatalf("end payload has type %T", last.Payload)
	}
	return p
}

func TestRejectsBlankQuery(t *testing.T) {
	sink := &memSink{}
	c := newTestController(&scriptedSearcher{}, Config{})
	if _, err := c.Run(context.Background(), "s", "   ", sink); err == nil {
		t.Fatal("expected validation error")
	}
	if len(sink.events) != 0 {
		t.Errorf("no events should be emitted for a rejected query, got %d", len(sink.events))
	}
}

func TestEmptyCorpus(t *testing.T) {
	s := &scriptedSearcher{steps: []step{{resp: tools.SearchResponse{}}}}
	sink := &memSink{}
	c := newTestController(s, Config{})

	out, err := c.Run(context.Background(), "s", "obscure topic", sink)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Reason != model.ReasonNoNewResults {
		t.Errorf("reason = %s, want no_new_results", out.Reason)
	}
	if len(out.Iterations) != 1 {
		t.Errorf("expected 1 iteration, got %d", len(out.Iterations))
	}
	if len(out.Citations) != 0 {
		t.Errorf("expected no citations, got %d", len(out.Citations))
	}
	if got := endPayload(t, sink); got.Citations != 0 || got.Iterations != 1 {
		t.Errorf("end payload wrong: %+v", got)
	}
	if len(sink.ofType(model.EventStart)) != 1 {
		t.Error("expected exactly one start event")
	}
}

func TestImmediateSaturation(t *testing.T) {
	many := make([]string, 60)
	for i := range many {
		many[i] = fmt.Sprintf("hr-%d", i)
	}
	s := &scriptedSearcher{steps: []step{{resp: tools.SearchResponse{Results: results(many...)}}}}
	sink := &memSink{}
	c := newTestController(s, Config{ResultCap: 50})

	out, err := c.Run(context.Background(), "s", "popular topic", sink)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Reason != model.ReasonResultCap {
		t.Errorf("reason = %s, want result_cap", out.Reason)
	}
	if len(out.Iterations) != 1 {
		t.Errorf("expected 1 iteration, got %d", len(out.Iterations))
	}
	if got := out.Iterations[0].CumulativeCount; got != 50 {
		t.Errorf("cumulative = %d, want the cap", got)
	}
	// 60 raw results, but never more citations than the cap.
	cits := sink.ofType(model.EventCitation)
	if len(cits) != 50 {
		t.Fatalf("expected 50 citation events, got %d", len(cits))
	}
	if got := endPayload(t, sink); got.Citations != 50 {
		t.Errorf("end payload citations = %d, want 50", got.Citations)
	}
	prev := 2.0
	for i, ev := range cits {
		cit := ev.Payload.(model.Citation)
		if cit.RelevanceScore > prev {
			t.Fatalf("citation %d not in descending relevance", i)
		}
		prev = cit.RelevanceScore
		if cit.SearchContext.Rank != i+1 {
			t.Errorf("citation %d has rank %d", i, cit.SearchContext.Rank)
		}
	}
}

func TestDiminishingSequenceStopsOnNoNew(t *testing.T) {
	s := &scriptedSearcher{steps: []step{
		{resp: tools.SearchResponse{Results: results("a1", "a2", "a3", "a4", "a5")}},
		{resp: tools.SearchResponse{Results: results("b1", "b2")}},
		{resp: tools.SearchResponse{Results: results("c1")}},
		{resp: tools.SearchResponse{Results: results("a1")}}, // duplicate only
	}}
	sink := &memSink{}
	c := newTestController(s, Config{})

	out, err := c.Run(context.Background(), "s", "narrowing topic", sink)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Reason != model.ReasonNoNewResults {
		t.Errorf("reason = %s, want no_new_results", out.Reason)
	}
	if len(out.Iterations) != 4 {
		t.Fatalf("expected 4 iterations, got %d", len(out.Iterations))
	}
	wantNew := []int{5, 2, 1, 0}
	for i, it := range out.Iterations {
		if it.NewResultCount != wantNew[i] {
			t.Errorf("iteration %d new = %d, want %d", i+1, it.NewResultCount, wantNew[i])
		}
		if it.Number != i+1 {
			t.Errorf("iteration numbering broken: %+v", it)
		}
	}
	if last := out.Iterations[3]; last.CumulativeCount != 8 {
		t.Errorf("cumulative = %d, want 8 deduplicated", last.CumulativeCount)
	}
	if len(out.Citations) != 8 {
		t.Errorf("expected 8 citations, got %d", len(out.Citations))
	}
}

func TestDiminishingReturnsWithTunedThreshold(t *testing.T) {
	s := &scriptedSearcher{steps: []step{
		{resp: tools.SearchResponse{Results: results("a1", "a2", "a3", "a4", "a5", "a6")}},
		{resp: tools.SearchResponse{Results: results("b1")}},
		{resp: tools.SearchResponse{Results: results("c1")}},
		{resp: tools.SearchResponse{Results: results("d1")}},
	}}
	sink := &memSink{}
	c := newTestController(s, Config{Thresholds: Thresholds{DiminishingMean: 2}})

	out, err := c.Run(context.Background(), "s", "thinning topic", sink)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Reason != model.ReasonDiminishingReturns {
		t.Errorf("reason = %s, want diminishing_returns", out.Reason)
	}
	if len(out.Iterations) != 4 {
		t.Errorf("expected 4 iterations, got %d", len(out.Iterations))
	}
}

func TestTransientFailureRetriedOnce(t *testing.T) {
	s := &scriptedSearcher{steps: []step{
		{err: mcp.ErrTimeout},
		{resp: tools.SearchResponse{Results: results("a1")}},
		{resp: tools.SearchResponse{Results: results("a1")}},
	}}
	sink := &memSink{}
	c := newTestController(s, Config{})

	out, err := c.Run(context.Background(), "s", "flaky worker", sink)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Reason != model.ReasonNoNewResults {
		t.Errorf("reason = %s, want no_new_results", out.Reason)
	}
	// Iteration 1 used two attempts, iteration 2 one.
	if s.calls != 3 {
		t.Errorf("expected 3 search calls, got %d", s.calls)
	}
	if len(sink.ofType(model.EventError)) != 0 {
		t.Error("a recovered retry must not emit an error event")
	}
}

func TestSecondConsecutiveFailureEndsRun(t *testing.T) {
	s := &scriptedSearcher{steps: []step{
		{resp: tools.SearchResponse{Results: results("a1", "a2")}},
		{err: mcp.ErrProcessDied},
		{err: mcp.ErrProcessDied},
	}}
	sink := &memSink{}
	c := newTestController(s, Config{})

	out, err := c.Run(context.Background(), "s", "doomed worker", sink)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Reason != model.ReasonToolFailure {
		t.Errorf("reason = %s, want tool_failure", out.Reason)
	}
	if s.calls != 3 {
		t.Errorf("never more than two attempts per iteration: got %d calls", s.calls)
	}

	errs := sink.ofType(model.EventError)
	if len(errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(errs))
	}
	if p := errs[0].Payload.(model.ErrorPayload); !p.Recoverable {
		t.Error("tool failure should be reported recoverable")
	}
	// Accumulated citations from the successful round still go out,
	// before the error and end events.
	if got := len(sink.ofType(model.EventCitation)); got != 2 {
		t.Errorf("expected 2 citations despite failure, got %d", got)
	}
	lastCitation, errIdx := -1, -1
	for i, ev := range sink.events {
		switch ev.Type {
		case model.EventCitation:
			lastCitation = i
		case model.EventError:
			errIdx = i
		}
	}
	if errIdx < lastCitation {
		t.Errorf("error event at %d precedes a citation at %d", errIdx, lastCitation)
	}
	if errIdx != len(sink.events)-2 {
		t.Errorf("error event at %d must immediately precede end at %d", errIdx, len(sink.events)-1)
	}
	if got := endPayload(t, sink); got.Reason != model.ReasonToolFailure {
		t.Errorf("end payload reason = %s", got.Reason)
	}
}

func TestNonTransientFailureNotRetried(t *testing.T) {
	s := &scriptedSearcher{steps: []step{
		{err: &mcp.RPCError{Code: -32602, Message: "invalid params"}},
	}}
	sink := &memSink{}
	c := newTestController(s, Config{})

	out, err := c.Run(context.Background(), "s", "bad args", sink)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Reason != model.ReasonToolFailure {
		t.Errorf("reason = %s, want tool_failure", out.Reason)
	}
	if s.calls != 1 {
		t.Errorf("worker-level errors must not be retried, got %d calls", s.calls)
	}
}

// cancelOnCall cancels the session context when the nth call arrives,
// then answers normally.
type cancelOnCall struct {
	inner  *scriptedSearcher
	cancel context.CancelFunc
	n      int
}

func (c *cancelOnCall) Search(ctx context.Context, args tools.SearchArgs, timeout time.Duration) (tools.SearchResponse, error) {
	if c.inner.calls+1 == c.n {
		c.cancel()
	}
	return c.inner.Search(ctx, args, timeout)
}

func TestCancellationEmitsPartialCitations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inner := &scriptedSearcher{steps: []step{
		{resp: tools.SearchResponse{Results: results("a1", "a2", "a3", "a4", "a5", "a6")}},
		{resp: tools.SearchResponse{Results: results("b1", "b2", "b3", "b4", "b5", "b6")}},
	}}
	sink := &memSink{}
	c := newTestController(&cancelOnCall{inner: inner, cancel: cancel, n: 2}, Config{})

	out, err := c.Run(ctx, "s", "cancelled topic", sink)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Reason != model.ReasonCancelled {
		t.Errorf("reason = %s, want cancelled", out.Reason)
	}
	if len(out.Citations) == 0 {
		t.Error("partial citations should still be emitted")
	}
	if got := endPayload(t, sink); got.Reason != model.ReasonCancelled {
		t.Errorf("end payload reason = %s", got.Reason)
	}
}

func TestMaxIterations(t *testing.T) {
	var steps []step
	for i := 0; i < 10; i++ {
		steps = append(steps, step{resp: tools.SearchResponse{
			Results: results(fmt.Sprintf("r%d-1", i), fmt.Sprintf("r%d-2", i), fmt.Sprintf("r%d-3", i)),
		}})
	}
	s := &scriptedSearcher{steps: steps}
	sink := &memSink{}
	c := newTestController(s, Config{MaxIterations: 3, ResultCap: 1000})

	out, err := c.Run(context.Background(), "s", "endless topic", sink)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Reason != model.ReasonMaxIterations {
		t.Errorf("reason = %s, want max_iterations", out.Reason)
	}
	if len(out.Iterations) != 3 {
		t.Errorf("expected 3 iterations, got %d", len(out.Iterations))
	}
}

func TestTimeBudgetExceeded(t *testing.T) {
	s := &scriptedSearcher{steps: []step{
		{resp: tools.SearchResponse{Results: results("a1", "a2", "a3", "a4", "a5", "a6")}},
	}}
	sink := &memSink{}
	c := newTestController(s, Config{TimeBudget: time.Nanosecond})

	out, err := c.Run(context.Background(), "s", "slow session", sink)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Reason != model.ReasonTimeBudget {
		t.Errorf("reason = %s, want time_budget_exceeded", out.Reason)
	}
}

func TestPreviousResultIDsForwarded(t *testing.T) {
	s := &scriptedSearcher{steps: []step{
		{resp: tools.SearchResponse{Results: results("a1", "a2", "a3", "a4", "a5", "a6")}},
		{resp: tools.SearchResponse{Results: results("a1")}},
	}}
	sink := &memSink{}
	c := newTestController(s, Config{})

	if _, err := c.Run(context.Background(), "s", "some topic", sink); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(s.args) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(s.args))
	}
	first, second := s.args[0], s.args[1]
	if first.Iteration != 1 || len(first.PreviousResultIDs) != 0 {
		t.Errorf("first call args wrong: %+v", first)
	}
	if second.Iteration != 2 || len(second.PreviousResultIDs) != 6 {
		t.Errorf("second call should carry 6 previous ids: %+v", second)
	}
}

type chunkSynth struct {
	chunks []string
}

func (c chunkSynth) Synthesize(ctx context.Context, query string, citations []model.Citation, emit func(string) error) error {
	for _, chunk := range c.chunks {
		if err := emit(chunk); err != nil {
			return err
		}
	}
	return nil
}

func TestSynthesisStreamsContent(t *testing.T) {
	s := &scriptedSearcher{steps: []step{
		{resp: tools.SearchResponse{Results: results("a1")}},
		{resp: tools.SearchResponse{Results: results("a1")}},
	}}
	sink := &memSink{}
	c := NewController(s, chunkSynth{chunks: []string{"The ", "answer."}}, Config{}, testLogger())

	if _, err := c.Run(context.Background(), "s", "answerable topic", sink); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	content := sink.ofType(model.EventContent)
	if len(content) != 2 {
		t.Fatalf("expected 2 content chunks, got %d", len(content))
	}
	// Content must come after all citations and before end.
	lastCitation, firstContent := -1, -1
	for i, ev := range sink.events {
		switch ev.Type {
		case model.EventCitation:
			lastCitation = i
		case model.EventContent:
			if firstContent == -1 {
				firstContent = i
			}
		}
	}
	if firstContent < lastCitation {
		t.Error("content chunks must follow citations")
	}
}

func TestEventPayloadsMarshal(t *testing.T) {
	s := &scriptedSearcher{steps: []step{{resp: tools.SearchResponse{Results: results("a1")}}, {resp: tools.SearchResponse{}}}}
	sink := &memSink{}
	c := newTestController(s, Config{})

	if _, err := c.Run(context.Background(), "s", "marshal check", sink); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, ev := range sink.events {
		if _, err := json.Marshal(ev.Payload); err != nil {
			t.Errorf("payload for %s does not marshal: %v", ev.Type, err)
		}
	}
}
