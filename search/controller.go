// Package search runs the iterative retrieval loop.
//
// The controller drives one session through repeated rounds of the
// search tool, deduplicating results, choosing a refinement strategy
// between rounds, and deciding when the loop has converged. It emits
// progress and result events through a Sink and returns a full Outcome
// for auditing.
//
// Information Hiding: the controller knows nothing about transports,
// HTTP connections, or persistence. It sees a Searcher, a Sink, and an
// optional Synthesizer.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/legisearch/legisearch/citation"
	"github.com/legisearch/legisearch/mcp"
	"github.com/legisearch/legisearch/model"
	"github.com/legisearch/legisearch/tools"
)

// ErrEmptyQuery is returned by Run before any session state exists.
var ErrEmptyQuery = errors.New("search: query must not be empty")

// Searcher is the slice of the tool registry the controller calls.
type Searcher interface {
	Search(ctx context.Context, args tools.SearchArgs, timeout time.Duration) (tools.SearchResponse, error)
}

// Sink receives the session's stream events. *stream.Conn satisfies
// it.
type Sink interface {
	Push(eventType model.EventType, payload any) error
}

// Synthesizer streams answer text grounded in the emitted citations.
// The controller treats it as optional: with none configured the
// session is citations-only.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, citations []model.Citation, emit func(text string) error) error
}

// Config tunes one controller. Zero values take defaults.
type Config struct {
	MaxIterations int
	ResultCap     int
	CallTimeout   time.Duration
	TimeBudget    time.Duration
	Thresholds    Thresholds
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 20
	}
	if c.ResultCap <= 0 {
		c.ResultCap = 50
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.TimeBudget <= 0 {
		c.TimeBudget = 5 * time.Minute
	}
	c.Thresholds = c.Thresholds.withDefaults()
	return c
}

// Outcome summarizes a finished run.
type Outcome struct {
	Reason     model.CompletionReason
	Iterations []model.SearchIteration
	Citations  []model.Citation
	Duration   time.Duration
}

// Controller runs search sessions. Safe for concurrent use; all
// per-run state lives on the stack of Run.
type Controller struct {
	searcher Searcher
	synth    Synthesizer
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewController wires a controller. synth may be nil.
func NewController(searcher Searcher, synth Synthesizer, cfg Config, logger *slog.Logger) *Controller {
	return &Controller{
		searcher: searcher,
		synth:    synth,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// run carries the state of one session through the loop.
type run struct {
	c         *Controller
	ctx       context.Context
	sessionID string
	query     string
	sink      Sink
	sinkDead  bool
	failure   *model.ErrorPayload

	acc        *accumulator
	iterations []model.SearchIteration
	startedAt  time.Time
}

// Run executes one session to completion. A blank query is rejected
// before any event is emitted. Run always reaches a terminal end event
// on the sink and always returns an Outcome, even on tool failure or
// cancellation.
func (c *Controller) Run(ctx context.Context, sessionID, query string, sink Sink) (Outcome, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Outcome{}, ErrEmptyQuery
	}

	r := &run{
		c:         c,
		ctx:       ctx,
		sessionID: sessionID,
		query:     query,
		sink:      sink,
		acc:       newAccumulator(c.cfg.ResultCap),
		startedAt: c.now(),
	}
	r.push(model.EventStart, model.StartPayload{SessionID: sessionID, Query: query})

	reason := r.loop()
	return r.finalize(reason), nil
}

// loop is the Searching/Evaluating/Refining cycle. It returns the
// completion reason once any stop condition holds.
func (r *run) loop() model.CompletionReason {
	cfg := r.c.cfg
	ref := refiner{thresholds: cfg.Thresholds, now: r.c.now}

	strategy := model.StrategyInitial
	args := tools.SearchArgs{Query: r.query, Iteration: 1}

	for {
		if r.ctx.Err() != nil {
			return model.ReasonCancelled
		}

		number := len(r.iterations) + 1
		r.pushToolCall(model.StagePreparing, number, strategy, args.Query, "")

		roundStart := r.c.now()
		resp, err := r.searchOnce(number, strategy, args)
		if err != nil {
			r.c.logger.Error("search round failed",
				"session_id", r.sessionID, "iteration", number, "error", err)
			// Reported in finalize, after the accumulated citations.
			r.failure = &model.ErrorPayload{
				Message:     fmt.Sprintf("search failed on iteration %d: %v", number, err),
				Recoverable: true,
			}
			return model.ReasonToolFailure
		}

		r.pushToolCall(model.StageProcessing, number, strategy, args.Query, "")
		newCount := r.acc.add(resp.Results, number)
		r.iterations = append(r.iterations, model.SearchIteration{
			Number:          number,
			QueryUsed:       args.Query,
			Strategy:        strategy,
			ResultCount:     len(resp.Results),
			NewResultCount:  newCount,
			CumulativeCount: r.acc.len(),
			DurationMs:      r.c.now().Sub(roundStart).Milliseconds(),
		})
		r.c.logger.Info("search iteration complete",
			"session_id", r.sessionID, "iteration", number, "strategy", strategy,
			"results", len(resp.Results), "new", newCount, "cumulative", r.acc.len())

		// Evaluating.
		if r.ctx.Err() != nil {
			return model.ReasonCancelled
		}
		if r.c.now().Sub(r.startedAt) > cfg.TimeBudget {
			return model.ReasonTimeBudget
		}
		if r.acc.len() >= cfg.ResultCap {
			return model.ReasonResultCap
		}
		if newCount == 0 {
			return model.ReasonNoNewResults
		}
		if r.diminishing(cfg.Thresholds) {
			return model.ReasonDiminishingReturns
		}
		if len(r.iterations) >= cfg.MaxIterations {
			return model.ReasonMaxIterations
		}

		// Refining.
		strategy, args = ref.next(r.query, args, resp.Results, r.acc.len(), r.acc.ranked())
		args.Iteration = len(r.iterations) + 1
		args.PreviousResultIDs = r.acc.ids()
	}
}

// searchOnce performs one round's tool call with a single automatic
// retry on transient failure. A second consecutive failure, or any
// non-transient error, is returned to the caller.
func (r *run) searchOnce(number int, strategy model.Strategy, args tools.SearchArgs) (tools.SearchResponse, error) {
	r.pushToolCall(model.StageExecuting, number, strategy, args.Query, "")
	resp, err := r.c.searcher.Search(r.ctx, args, r.c.cfg.CallTimeout)
	if err == nil {
		return resp, nil
	}
	if !mcp.Transient(err) || r.ctx.Err() != nil {
		return tools.SearchResponse{}, err
	}

	r.c.logger.Warn("retrying search after transient failure",
		"session_id", r.sessionID, "iteration", number, "error", err)
	r.pushToolCall(model.StageExecuting, number, strategy, args.Query, "retrying after transient failure")
	return r.c.searcher.Search(r.ctx, args, r.c.cfg.CallTimeout)
}

// diminishing reports whether the trailing window's mean new-record
// count has fallen below the threshold.
func (r *run) diminishing(t Thresholds) bool {
	if len(r.iterations) < t.DiminishingWindow {
		return false
	}
	sum := 0
	for _, it := range r.iterations[len(r.iterations)-t.DiminishingWindow:] {
		sum += it.NewResultCount
	}
	return float64(sum)/float64(t.DiminishingWindow) < t.DiminishingMean
}

// finalize emits citations in descending relevance, streams the
// synthesized answer when a synthesizer is configured and the session
// was not cancelled, and terminates the stream. A tool failure is
// reported after the citations, immediately before end.
func (r *run) finalize(reason model.CompletionReason) Outcome {
	ranked := r.acc.ranked()
	citations := make([]model.Citation, 0, len(ranked))
	for i, e := range ranked {
		cit := citation.Normalize(e.record, r.query, i+1, e.iteration)
		citations = append(citations, cit)
		r.push(model.EventCitation, cit)
	}

	if r.c.synth != nil && r.failure == nil && r.ctx.Err() == nil && len(citations) > 0 {
		emit := func(text string) error {
			r.push(model.EventContent, model.ContentPayload{Text: text})
			return r.ctx.Err()
		}
		if err := r.c.synth.Synthesize(r.ctx, r.query, citations, emit); err != nil {
			r.c.logger.Warn("answer synthesis failed",
				"session_id", r.sessionID, "error", err)
		}
	}

	if r.failure != nil {
		r.push(model.EventError, *r.failure)
	}

	duration := r.c.now().Sub(r.startedAt)
	r.push(model.EventEnd, model.EndPayload{
		Reason:     reason,
		Iterations: len(r.iterations),
		Citations:  len(citations),
		DurationMs: duration.Milliseconds(),
	})
	r.c.logger.Info("session complete",
		"session_id", r.sessionID, "reason", reason,
		"iterations", len(r.iterations), "citations", len(citations),
		"duration_ms", duration.Milliseconds())

	return Outcome{
		Reason:     reason,
		Iterations: r.iterations,
		Citations:  citations,
		Duration:   duration,
	}
}

func (r *run) pushToolCall(stage model.ToolCallStage, iteration int, strategy model.Strategy, query, message string) {
	r.push(model.EventToolCall, model.ToolCallPayload{
		Tool:      tools.SearchToolName,
		Stage:     stage,
		Iteration: iteration,
		Strategy:  strategy,
		Query:     query,
		Message:   message,
	})
}

// push forwards one event. Once the sink rejects an event the client
// is gone and further pushes are dropped; the run still finishes so
// the outcome can be audited.
func (r *run) push(eventType model.EventType, payload any) {
	if r.sinkDead {
		return
	}
	if err := r.sink.Push(eventType, payload); err != nil {
		r.sinkDead = true
		r.c.logger.Debug("sink rejected event, dropping remainder",
			"session_id", r.sessionID, "event", eventType, "error", err)
	}
}
