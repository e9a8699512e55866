// Package engine is the facade that ties the retrieval loop together.
//
// It owns session lifecycle: validating a request, registering the
// session, opening its stream connection, launching the controller
// goroutine, and auditing the finished run. Transports (HTTP, CLI)
// talk only to the engine.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/legisearch/legisearch/llm"
	"github.com/legisearch/legisearch/search"
	"github.com/legisearch/legisearch/session"
	"github.com/legisearch/legisearch/storage"
	"github.com/legisearch/legisearch/stream"
)

// auditTimeout bounds the best-effort write of a finished run.
const auditTimeout = 5 * time.Second

// Engine coordinates sessions, streams, and the search controller.
type Engine struct {
	controller *search.Controller
	mux        *stream.Mux
	sessions   *session.Registry
	store      *storage.RunStore
	logger     *slog.Logger
}

// New wires an engine. provider and store may be nil: without a
// provider sessions are citations-only, without a store runs are not
// audited.
func New(searcher search.Searcher, provider llm.Provider, mux *stream.Mux, sessions *session.Registry, store *storage.RunStore, cfg search.Config, logger *slog.Logger) *Engine {
	var synth search.Synthesizer
	if provider != nil {
		synth = &providerSynthesizer{provider: provider}
		logger.Info("answer synthesis enabled", "provider", provider.Name(), "model", provider.Model())
	}
	return &Engine{
		controller: search.NewController(searcher, synth, cfg, logger),
		mux:        mux,
		sessions:   sessions,
		store:      store,
		logger:     logger,
	}
}

// StartSession validates the request, registers the session, opens the
// stream connection, and launches the run in the background. The
// returned connection is live immediately; events arrive as the run
// progresses.
func (e *Engine) StartSession(ctx context.Context, sessionID, connectionID, query string) (*stream.Conn, error) {
	if strings.TrimSpace(query) == "" {
		return nil, search.ErrEmptyQuery
	}

	runCtx, sess, err := e.sessions.Create(ctx, sessionID, connectionID, query)
	if err != nil {
		return nil, err
	}

	conn, err := e.mux.Open(connectionID)
	if err != nil {
		e.sessions.Remove(sessionID)
		return nil, err
	}

	go e.runSession(runCtx, sess, conn)
	return conn, nil
}

// StopSession cancels a session. Acknowledged even when the session
// already finished.
func (e *Engine) StopSession(sessionID string) bool {
	return e.sessions.Stop(sessionID)
}

// ActiveSessions reports how many sessions are running.
func (e *Engine) ActiveSessions() int {
	return e.sessions.Len()
}

func (e *Engine) runSession(ctx context.Context, sess *session.Session, conn *stream.Conn) {
	defer e.sessions.Remove(sess.ID)
	defer conn.Close()

	// A client disconnect tears the connection down; cancel the run so
	// the loop stops searching for nobody.
	go func() {
		select {
		case <-conn.Done():
			e.sessions.Stop(sess.ID)
		case <-ctx.Done():
		}
	}()

	outcome, err := e.controller.Run(ctx, sess.ID, sess.Query, conn)
	if err != nil {
		e.logger.Error("session run failed", "session_id", sess.ID, "error", err)
		return
	}
	e.audit(sess, outcome)
}

// audit records the finished run. Best effort: failures are logged and
// never affect the stream.
func (e *Engine) audit(sess *session.Session, outcome search.Outcome) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()

	err := e.store.SaveRun(ctx, storage.RunRecord{
		SessionID:  sess.ID,
		Query:      sess.Query,
		Reason:     outcome.Reason,
		Iterations: outcome.Iterations,
		Citations:  outcome.Citations,
		Duration:   outcome.Duration,
		FinishedAt: time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn("run audit failed", "session_id", sess.ID, "error", err)
	}
}
