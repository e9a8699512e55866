// Package model provides domain types shared across packages.
package model

import (
	"encoding/json"
	"time"
)

// ContentType identifies the kind of document a result refers to.
type ContentType string

const (
	ContentBill            ContentType = "bill"
	ContentExecutiveAction ContentType = "executive_action"
)

// Valid reports whether the content type is one of the known kinds.
func (c ContentType) Valid() bool {
	return c == ContentBill || c == ContentExecutiveAction
}

// RecordID uniquely identifies a retrieved document across iterations.
// Records with the same RecordID are the same document regardless of
// which search round returned them.
type RecordID struct {
	ContentType ContentType `json:"content_type"`
	ContentID   string      `json:"content_id"`
}

// String returns the canonical string representation.
func (id RecordID) String() string {
	return string(id.ContentType) + ":" + id.ContentID
}

// ResultRecord is a single document returned by the search tool.
// Immutable after creation; identity for deduplication is RecordID.
type ResultRecord struct {
	ContentID      string            `json:"content_id"`
	ContentType    ContentType       `json:"content_type"`
	Title          string            `json:"title"`
	Summary        string            `json:"summary"`
	RelevanceScore float64           `json:"relevance_score"`
	Date           time.Time         `json:"date,omitempty"`
	SourceMetadata map[string]string `json:"source_metadata,omitempty"`
}

// ID returns the record's deduplication identity.
func (r ResultRecord) ID() RecordID {
	return RecordID{ContentType: r.ContentType, ContentID: r.ContentID}
}

// SearchContext records how a citation was found.
type SearchContext struct {
	Query          string    `json:"query"`
	Rank           int       `json:"rank"`
	IterationsUsed int       `json:"iterations_used"`
	Timestamp      time.Time `json:"timestamp"`
}

// Citation is the client-facing provenance record derived 1:1 from a
// deduplicated ResultRecord. Never mutated after emission.
type Citation struct {
	ID             string            `json:"id"`
	ContentType    ContentType       `json:"content_type"`
	Title          string            `json:"title"`
	URL            string            `json:"url"`
	RelevanceScore float64           `json:"relevance_score"`
	Excerpt        string            `json:"excerpt"`
	SourceMetadata map[string]string `json:"source_metadata,omitempty"`
	SearchContext  SearchContext     `json:"search_context"`
}

// Strategy names a query refinement approach between search rounds.
type Strategy string

const (
	StrategyInitial         Strategy = "initial"
	StrategyExpandTerms     Strategy = "expand_terms"
	StrategyNarrowFocus     Strategy = "narrow_focus"
	StrategyChangeTimeframe Strategy = "change_timeframe"
	StrategyAdjustFilters   Strategy = "adjust_filters"
)

// SearchIteration describes one completed pass of the search loop.
// Iterations are append-only and ordered by Number.
type SearchIteration struct {
	Number          int      `json:"number"`
	QueryUsed       string   `json:"query_used"`
	Strategy        Strategy `json:"strategy"`
	ResultCount     int      `json:"result_count"`
	NewResultCount  int      `json:"new_result_count"`
	CumulativeCount int      `json:"cumulative_count"`
	DurationMs      int64    `json:"duration_ms"`
}

// CompletionReason explains why a session's loop terminated.
type CompletionReason string

const (
	ReasonMaxIterations      CompletionReason = "max_iterations"
	ReasonResultCap          CompletionReason = "result_cap"
	ReasonNoNewResults       CompletionReason = "no_new_results"
	ReasonDiminishingReturns CompletionReason = "diminishing_returns"
	ReasonCancelled          CompletionReason = "cancelled"
	ReasonToolFailure        CompletionReason = "tool_failure"
	ReasonTimeBudget         CompletionReason = "time_budget_exceeded"
)

// EventType classifies a stream event. Clients key their UI updates off
// this field, so the set of values is a compatibility-sensitive contract.
type EventType string

const (
	EventStart     EventType = "start"
	EventContent   EventType = "content"
	EventToolCall  EventType = "tool_call"
	EventCitation  EventType = "citation"
	EventError     EventType = "error"
	EventEnd       EventType = "end"
	EventHeartbeat EventType = "heartbeat"
)

// StreamEvent is one unit of incremental output pushed to a client
// connection. Within a connection, Sequence is strictly increasing and
// no event follows an EventEnd.
type StreamEvent struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
}

// StartPayload is the data carried by an EventStart.
type StartPayload struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

// ToolCallStage marks the phase of a tool invocation a progress event
// refers to.
type ToolCallStage string

const (
	StagePreparing  ToolCallStage = "preparing"
	StageExecuting  ToolCallStage = "executing"
	StageProcessing ToolCallStage = "processing"
)

// ToolCallPayload is the data carried by an EventToolCall progress event.
type ToolCallPayload struct {
	Tool      string        `json:"tool"`
	Stage     ToolCallStage `json:"stage"`
	Iteration int           `json:"iteration"`
	Strategy  Strategy      `json:"strategy"`
	Query     string        `json:"query"`
	Message   string        `json:"message,omitempty"`
}

// ContentPayload carries one chunk of generated answer text.
type ContentPayload struct {
	Text string `json:"text"`
}

// ErrorPayload is the data carried by an EventError. Recoverable tells
// the client whether retrying the whole request is worthwhile.
type ErrorPayload struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// EndPayload is the data carried by the terminal EventEnd.
type EndPayload struct {
	Reason     CompletionReason `json:"reason"`
	Iterations int              `json:"iterations"`
	Citations  int              `json:"citations"`
	DurationMs int64            `json:"duration_ms"`
}
