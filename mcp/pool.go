package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pool parallelizes tool calls across a fixed set of worker processes.
// Each member follows the same supervision lifecycle as a standalone
// Client; members fail and restart independently.
type Pool struct {
	clients []*Client
	next    atomic.Uint64
}

// NewPool creates a pool of size workers. Size is clamped to at least 1.
func NewPool(size int, cfg Config, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	clients := make([]*Client, size)
	for i := range clients {
		clients[i] = NewClient(cfg, logger.With("worker", i))
	}
	return &Pool{clients: clients}
}

// Start launches every pool member and waits for all handshakes.
func (p *Pool) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range p.clients {
		g.Go(func() error { return c.Start(ctx) })
	}
	return g.Wait()
}

// pick returns the next member round-robin.
func (p *Pool) pick() *Client {
	n := p.next.Add(1)
	return p.clients[int(n)%len(p.clients)]
}

// Call routes a JSON-RPC call to the next pool member.
func (p *Pool) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	return p.pick().Call(ctx, method, params, timeout)
}

// CallTool routes a tool invocation to the next pool member.
func (p *Pool) CallTool(ctx context.Context, name string, arguments json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return p.pick().CallTool(ctx, name, arguments, timeout)
}

// ListTools fetches the catalog from one member. All members run the same
// worker command, so any member's catalog is authoritative.
func (p *Pool) ListTools(ctx context.Context) ([]ToolInfo, error) {
	return p.pick().ListTools(ctx)
}

// Close shuts down all members.
func (p *Pool) Close() error {
	var g errgroup.Group
	for _, c := range p.clients {
		g.Go(c.Close)
	}
	return g.Wait()
}
