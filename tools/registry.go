package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/legisearch/legisearch/internal/jsonx"
	"github.com/legisearch/legisearch/mcp"
)

// enrichmentTTL bounds how long cached filter vocabulary is served before
// it is re-fetched from the worker.
const enrichmentTTL = 5 * time.Minute

// Caller is the transport the registry dispatches through. Both
// *mcp.Client and *mcp.Pool satisfy it.
type Caller interface {
	CallTool(ctx context.Context, name string, arguments json.RawMessage, timeout time.Duration) (json.RawMessage, error)
	ListTools(ctx context.Context) ([]mcp.ToolInfo, error)
}

// Registry is the typed catalog of worker tools. It is created with the
// catalog discovered at startup and keeps the search tool's description
// enriched with current valid filter values so callers don't invent
// sponsor names or statuses.
type Registry struct {
	caller Caller
	logger *slog.Logger
	ttl    time.Duration

	mu        sync.RWMutex
	catalog   map[string]mcp.ToolInfo
	enrich    Enrichment
	enrichAt  time.Time
	hasEnrich bool
}

// NewRegistry discovers the worker's catalog and returns the registry.
// Discovery failure is fatal: without a catalog nothing can be called.
func NewRegistry(ctx context.Context, caller Caller, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		caller:  caller,
		logger:  logger,
		ttl:     enrichmentTTL,
		catalog: make(map[string]mcp.ToolInfo),
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh re-discovers the tool catalog.
func (r *Registry) Refresh(ctx context.Context) error {
	infos, err := r.caller.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("discover tools: %w", err)
	}

	catalog := make(map[string]mcp.ToolInfo, len(infos))
	for _, info := range infos {
		catalog[info.Name] = info
	}

	r.mu.Lock()
	r.catalog = catalog
	r.mu.Unlock()
	r.logger.Info("tool catalog discovered", "tools", len(infos))
	return nil
}

// Has reports whether the worker advertises the named tool.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.catalog[name]
	return ok
}

// List returns descriptions for all discovered tools, sorted by name.
func (r *Registry) List(ctx context.Context) []Description {
	r.mu.RLock()
	names := make([]string, 0, len(r.catalog))
	for name := range r.catalog {
		names = append(names, name)
	}
	r.mu.RUnlock()

	descs := make([]Description, 0, len(names))
	for _, name := range names {
		if d, ok := r.Describe(ctx, name); ok {
			descs = append(descs, d)
		}
	}
	sortDescriptions(descs)
	return descs
}

// Describe returns one tool's description. The search tool's description
// carries the enrichment suffix listing valid filter values.
func (r *Registry) Describe(ctx context.Context, name string) (Description, bool) {
	r.mu.RLock()
	info, ok := r.catalog[name]
	r.mu.RUnlock()
	if !ok {
		return Description{}, false
	}

	desc := Description{
		Name:        info.Name,
		Description: info.Description,
		Parameters:  parseParameters(info.InputSchema),
	}
	if name == SearchToolName {
		if e, err := r.Context(ctx); err == nil {
			desc.Description += e.describeLines()
		}
	}
	return desc, true
}

// Context returns the current filter vocabulary, served from a cache
// with a 5-minute TTL. A fetch failure falls back to the stale value
// when one exists.
func (r *Registry) Context(ctx context.Context) (Enrichment, error) {
	r.mu.RLock()
	cached := r.enrich
	fresh := r.hasEnrich && time.Since(r.enrichAt) < r.ttl
	has := r.hasEnrich
	r.mu.RUnlock()
	if fresh {
		return cached, nil
	}

	e, err := r.fetchContext(ctx)
	if err != nil {
		if has {
			r.logger.Warn("context refresh failed, serving stale", "error", err)
			return cached, nil
		}
		return Enrichment{}, err
	}

	r.mu.Lock()
	r.enrich = e
	r.enrichAt = time.Now()
	r.hasEnrich = true
	r.mu.Unlock()
	return e, nil
}

func (r *Registry) fetchContext(ctx context.Context) (Enrichment, error) {
	if !r.Has(ContextToolName) {
		return Enrichment{}, fmt.Errorf("worker does not advertise %s", ContextToolName)
	}
	raw, err := r.caller.CallTool(ctx, ContextToolName, json.RawMessage(`{}`), 0)
	if err != nil {
		return Enrichment{}, fmt.Errorf("fetch search context: %w", err)
	}
	return decodeToolResult[Enrichment](raw)
}

// Call dispatches a raw call to a known tool. Arguments must be valid
// JSON; schema validation is the worker's job.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if !r.Has(name) {
		return nil, fmt.Errorf("tool %q not in catalog", name)
	}
	if len(args) > 0 {
		var probe interface{}
		if err := json.Unmarshal(args, &probe); err != nil {
			return nil, fmt.Errorf("invalid JSON arguments for %q: %w", name, err)
		}
	}
	return r.caller.CallTool(ctx, name, args, timeout)
}

// Search invokes the search tool with typed arguments and decodes the
// typed response.
func (r *Registry) Search(ctx context.Context, args SearchArgs, timeout time.Duration) (SearchResponse, error) {
	if err := args.Validate(); err != nil {
		return SearchResponse{}, err
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return SearchResponse{}, fmt.Errorf("marshal search args: %w", err)
	}

	raw, err := r.caller.CallTool(ctx, SearchToolName, payload, timeout)
	if err != nil {
		return SearchResponse{}, err
	}
	return decodeToolResult[SearchResponse](raw)
}

// contentWrapper is the protocol shape workers use when they wrap their
// payload in content blocks instead of returning bare JSON.
type contentWrapper struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// decodeToolResult decodes a tool result that is either the bare payload
// or a content-block wrapper around JSON text. The wrapper is checked
// first: a bare decode of a wrapper would silently yield zero values.
func decodeToolResult[T any](raw json.RawMessage) (T, error) {
	var wrapper contentWrapper
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Content) > 0 {
		var b strings.Builder
		for _, block := range wrapper.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		return jsonx.ExtractInto[T](b.String())
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("undecodable tool result: %s", truncate(string(raw), 120))
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sortDescriptions(descs []Description) {
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
}
