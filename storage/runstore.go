// Package storage provides the SQLite audit store for completed runs.
//
// Sessions hold no state between requests; what lands here is a
// write-once record of each finished run, its iterations, and the
// citations it produced, for offline analysis of retrieval quality.
//
// Information Hiding:
// - SQLite connection management hidden behind the store
// - Schema and migration details encapsulated
// - Thread-safe via sql.DB's built-in connection pooling

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/legisearch/legisearch/model"
)

// RunRecord is one completed session run.
type RunRecord struct {
	SessionID  string
	Query      string
	Reason     model.CompletionReason
	Iterations []model.SearchIteration
	Citations  []model.Citation
	Duration   time.Duration
	FinishedAt time.Time
}

// RunStore persists completed runs to SQLite.
type RunStore struct {
	db *sql.DB
}

// OpenRunStore opens or creates the store at path, creating parent
// directories as needed.
func OpenRunStore(path string) (*RunStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	return initStore(db)
}

// NewRunStoreInMemory creates an in-memory store, useful for testing.
func NewRunStoreInMemory() (*RunStore, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory SQLite: %w", err)
	}
	return initStore(db)
}

func initStore(db *sql.DB) (*RunStore, error) {
	s := &RunStore{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *RunStore) Close() error {
	return s.db.Close()
}

func (s *RunStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			session_id TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			reason TEXT NOT NULL,
			iteration_count INTEGER NOT NULL,
			citation_count INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS run_iterations (
			session_id TEXT NOT NULL,
			number INTEGER NOT NULL,
			query_used TEXT NOT NULL,
			strategy TEXT NOT NULL,
			result_count INTEGER NOT NULL,
			new_result_count INTEGER NOT NULL,
			cumulative_count INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			PRIMARY KEY (session_id, number),
			FOREIGN KEY (session_id) REFERENCES runs(session_id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS run_citations (
			session_id TEXT NOT NULL,
			rank INTEGER NOT NULL,
			content_id TEXT NOT NULL,
			content_type TEXT NOT NULL,
			title TEXT NOT NULL,
			url TEXT NOT NULL,
			relevance_score REAL NOT NULL,
			excerpt_hash TEXT NOT NULL,
			metadata TEXT,
			PRIMARY KEY (session_id, rank),
			FOREIGN KEY (session_id) REFERENCES runs(session_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_run_citations_content
		ON run_citations(content_type, content_id);

		CREATE INDEX IF NOT EXISTS idx_runs_finished
		ON runs(finished_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveRun writes one completed run atomically. An existing run with
// the same session id is replaced.
func (s *RunStore) SaveRun(ctx context.Context, rec RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// Rollback after Commit is a no-op.
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
		(session_id, query, reason, iteration_count, citation_count, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID,
		rec.Query,
		string(rec.Reason),
		len(rec.Iterations),
		len(rec.Citations),
		rec.Duration.Milliseconds(),
		rec.FinishedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM run_iterations WHERE session_id = ?", rec.SessionID); err != nil {
		return fmt.Errorf("failed to clear old iterations: %w", err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM run_citations WHERE session_id = ?", rec.SessionID); err != nil {
		return fmt.Errorf("failed to clear old citations: %w", err)
	}

	iterStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_iterations
		(session_id, number, query_used, strategy, result_count, new_result_count, cumulative_count, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare iteration insert: %w", err)
	}
	defer iterStmt.Close()

	for _, it := range rec.Iterations {
		_, err = iterStmt.ExecContext(ctx,
			rec.SessionID, it.Number, it.QueryUsed, string(it.Strategy),
			it.ResultCount, it.NewResultCount, it.CumulativeCount, it.DurationMs)
		if err != nil {
			return fmt.Errorf("failed to insert iteration: %w", err)
		}
	}

	citStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_citations
		(session_id, rank, content_id, content_type, title, url, relevance_score, excerpt_hash, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare citation insert: %w", err)
	}
	defer citStmt.Close()

	for _, cit := range rec.Citations {
		var metadata interface{}
		if len(cit.SourceMetadata) > 0 {
			b, err := json.Marshal(cit.SourceMetadata)
			if err != nil {
				return fmt.Errorf("failed to marshal citation metadata: %w", err)
			}
			metadata = string(b)
		}
		_, err = citStmt.ExecContext(ctx,
			rec.SessionID, cit.SearchContext.Rank, cit.ID, string(cit.ContentType),
			cit.Title, cit.URL, cit.RelevanceScore, ExcerptHash(cit.Excerpt), metadata)
		if err != nil {
			return fmt.Errorf("failed to insert citation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadRun loads one run with its iterations. Returns nil, nil when the
// run does not exist.
func (s *RunStore) LoadRun(ctx context.Context, sessionID string) (*RunRecord, error) {
	var rec RunRecord
	var reason string
	var durationMs, finishedAt int64
	var iterCount, citCount int
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, query, reason, iteration_count, citation_count, duration_ms, finished_at
		FROM runs WHERE session_id = ?`,
		sessionID).Scan(&rec.SessionID, &rec.Query, &reason, &iterCount, &citCount, &durationMs, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	rec.Reason = model.CompletionReason(reason)
	rec.Duration = time.Duration(durationMs) * time.Millisecond
	rec.FinishedAt = time.Unix(finishedAt, 0).UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT number, query_used, strategy, result_count, new_result_count, cumulative_count, duration_ms
		FROM run_iterations WHERE session_id = ? ORDER BY number ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it model.SearchIteration
		var strategy string
		if err := rows.Scan(&it.Number, &it.QueryUsed, &strategy,
			&it.ResultCount, &it.NewResultCount, &it.CumulativeCount, &it.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		it.Strategy = model.Strategy(strategy)
		rec.Iterations = append(rec.Iterations, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating iterations: %w", err)
	}
	return &rec, nil
}

// RunSummary is one row of ListRuns.
type RunSummary struct {
	SessionID  string
	Query      string
	Reason     model.CompletionReason
	Iterations int
	Citations  int
	Duration   time.Duration
	FinishedAt time.Time
}

// ListRuns returns the most recent runs, newest first.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, query, reason, iteration_count, citation_count, duration_ms, finished_at
		FROM runs ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	summaries := []RunSummary{}
	for rows.Next() {
		var sum RunSummary
		var reason string
		var durationMs, finishedAt int64
		if err := rows.Scan(&sum.SessionID, &sum.Query, &reason,
			&sum.Iterations, &sum.Citations, &durationMs, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		sum.Reason = model.CompletionReason(reason)
		sum.Duration = time.Duration(durationMs) * time.Millisecond
		sum.FinishedAt = time.Unix(finishedAt, 0).UTC()
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return summaries, nil
}

// DeleteRun removes one run and its child rows.
func (s *RunStore) DeleteRun(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		"DELETE FROM run_citations WHERE session_id = ?",
		"DELETE FROM run_iterations WHERE session_id = ?",
		"DELETE FROM runs WHERE session_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, sessionID); err != nil {
			return fmt.Errorf("failed to delete run: %w", err)
		}
	}
	return tx.Commit()
}

// ExcerptHash is the content hash stored for citation excerpts:
// xxhash64 as fixed-width hex.
func ExcerptHash(excerpt string) string {
	return strconv.FormatUint(xxhash.Sum64String(excerpt), 16)
}
