// Package tools exposes the worker's tool catalog as a typed facade.
//
// The registry performs no business logic: it discovers what the worker
// can do, keeps tool descriptions enriched with currently-valid filter
// values, and dispatches validated calls over the tool connection.
package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/legisearch/legisearch/model"
)

// Well-known worker tools. The search loop depends on these two; any
// other tools the worker advertises pass through untyped.
const (
	SearchToolName  = "search_legislation"
	ContextToolName = "search_context"
)

// Parameter describes one argument of a tool, extracted from its JSON
// schema.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Description is the caller-facing description of a tool.
type Description struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
}

// Filters narrows a search to documents matching structured criteria.
// Valid values for the list fields come from the context enrichment, not
// from caller invention.
type Filters struct {
	Statuses []string `json:"statuses,omitempty"`
	Sponsors []string `json:"sponsors,omitempty"`
	Topics   []string `json:"topics,omitempty"`
	DateFrom string   `json:"date_from,omitempty"`
	DateTo   string   `json:"date_to,omitempty"`
}

// SearchArgs are the typed arguments of the search tool.
type SearchArgs struct {
	Query             string   `json:"query"`
	Filters           Filters  `json:"filters"`
	Iteration         int      `json:"iteration"`
	PreviousResultIDs []string `json:"previous_result_ids,omitempty"`
}

// Validate rejects argument combinations the worker would refuse anyway.
func (a SearchArgs) Validate() error {
	if strings.TrimSpace(a.Query) == "" {
		return fmt.Errorf("search: query must not be empty")
	}
	if a.Iteration < 1 {
		return fmt.Errorf("search: iteration must be >= 1, got %d", a.Iteration)
	}
	return nil
}

// SearchResponse is the typed result of the search tool.
type SearchResponse struct {
	Results             []model.ResultRecord `json:"results"`
	NeedsRefinementHint bool                 `json:"needs_refinement_hint"`
}

// Enrichment holds the currently-valid filter vocabulary reported by the
// worker. Stale after the registry's TTL.
type Enrichment struct {
	Sponsors []string `json:"sponsors"`
	Statuses []string `json:"statuses"`
	Topics   []string `json:"topics"`
}

// describeLines renders the enrichment as description suffix lines.
func (e Enrichment) describeLines() string {
	var b strings.Builder
	writeList := func(label string, values []string) {
		if len(values) == 0 {
			return
		}
		fmt.Fprintf(&b, "\nValid %s: %s", label, strings.Join(values, ", "))
	}
	writeList("statuses", e.Statuses)
	writeList("sponsors", e.Sponsors)
	writeList("topics", e.Topics)
	return b.String()
}

// parseParameters extracts parameters from a tool's JSON input schema in
// sorted order for deterministic output.
func parseParameters(inputSchema json.RawMessage) []Parameter {
	var schema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(inputSchema, &schema); err != nil {
		return nil
	}

	required := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		required[r] = true
	}

	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]Parameter, 0, len(names))
	for _, name := range names {
		prop := schema.Properties[name]
		typ := prop.Type
		if typ == "" {
			typ = "string"
		}
		params = append(params, Parameter{
			Name:        name,
			Type:        typ,
			Description: prop.Description,
			Required:    required[name],
		})
	}
	return params
}
