// Package mcp maintains a reliable request/response channel to one
// external search worker speaking line-delimited JSON-RPC 2.0 over
// stdin/stdout.
//
// Information Hiding:
// - Process lifecycle and supervision hidden
// - JSON-RPC framing and request id correlation hidden
// - Restart backoff and circuit breaker hidden
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// State describes the supervision state of the worker connection.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateRestarting
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// maxDesyncs is how many consecutive unmatched or malformed responses are
// tolerated before the worker is treated as failed and restarted.
const maxDesyncs = 5

// protocolVersion is sent in the initialize handshake.
const protocolVersion = "2024-11-05"

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// response is any frame the worker writes: a call response carries an
// id, a server notification carries a method and no id.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

// ToolInfo describes a tool advertised by the worker.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []ToolInfo `json:"tools"`
}

// Client supervises one worker process and correlates concurrent JSON-RPC
// calls against it by request id. Safe for concurrent use; in-flight calls
// fail with ErrProcessDied when the worker exits, and a restart is
// scheduled with backoff unless the circuit is open.
type Client struct {
	cfg       Config
	logger    *slog.Logger
	newWorker func() worker

	writeMu sync.Mutex // serializes stdin writes so lines never interleave

	mu           sync.Mutex
	state        State
	gen          int // process generation, guards stale exit notifications
	stdin        io.WriteCloser
	current      worker
	nextID       uint64
	pending      map[uint64]chan callResult
	desyncs      int
	failures     int // consecutive rapid failures
	circuitUntil time.Time
	startedAt    time.Time
	closed       bool
}

// NewClient creates a client for the worker described by cfg. The worker
// is not launched until Start (or the first Call).
func NewClient(cfg Config, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[uint64]chan callResult),
	}
	c.newWorker = func() worker { return newExecWorker(cfg.Command, cfg.Args) }
	return c
}

// newClientWithWorker is the test seam: it builds a client whose processes
// come from the given factory instead of exec.Command.
func newClientWithWorker(cfg Config, logger *slog.Logger, factory func() worker) *Client {
	c := NewClient(cfg, logger)
	c.newWorker = factory
	return c
}

// State returns the current supervision state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start launches the worker, wires its streams, and performs the
// initialize handshake. It returns only after the worker has acknowledged
// readiness. Idempotent while the worker is starting or ready.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateReady || c.state == StateStarting {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateRestarting {
		// A backoff restart is already scheduled; don't race it.
		c.mu.Unlock()
		return ErrProcessDied
	}
	if time.Now().Before(c.circuitUntil) {
		c.mu.Unlock()
		return ErrCircuitOpen
	}
	if err := c.spawnLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	gen := c.gen
	c.mu.Unlock()

	params := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "legisearch",
			"version": "0.1.0",
		},
	}
	if _, err := c.call(ctx, "initialize", params, c.cfg.CallTimeout); err != nil {
		c.killGeneration(gen)
		return fmt.Errorf("initialize handshake: %w", err)
	}

	c.mu.Lock()
	if c.gen == gen && !c.closed {
		c.state = StateReady
		c.failures = 0
	}
	c.mu.Unlock()
	c.logger.Info("worker ready", "command", c.cfg.Command)
	return nil
}

// spawnLocked launches a fresh worker process. Caller holds c.mu.
func (c *Client) spawnLocked() error {
	w := c.newWorker()
	stdin, stdout, stderr, err := w.start()
	if err != nil {
		c.state = StateStopped
		return fmt.Errorf("start worker: %w", err)
	}

	c.gen++
	gen := c.gen
	c.state = StateStarting
	c.stdin = stdin
	c.current = w
	c.desyncs = 0
	c.startedAt = time.Now()

	go c.readLoop(gen, stdout)
	go c.drainStderr(stderr)
	go func() {
		err := w.wait()
		c.handleExit(gen, err)
	}()
	return nil
}

// Call sends one JSON-RPC request and waits for the matching response.
// A non-positive timeout uses the configured default. The worker is
// started lazily if it is not running.
func (c *Client) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	ready := c.state == StateReady
	circuitOpen := time.Now().Before(c.circuitUntil)
	c.mu.Unlock()

	if !ready {
		if circuitOpen {
			return nil, ErrCircuitOpen
		}
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
	}
	return c.call(ctx, method, params, timeout)
}

// ListTools fetches the worker's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	raw, err := c.Call(ctx, "tools/list", nil, 0)
	if err != nil {
		return nil, err
	}
	var out toolsListResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse tools list: %w", err)
	}
	return out.Tools, nil
}

// CallTool invokes a named tool on the worker.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	params := map[string]interface{}{
		"name":      name,
		"arguments": arguments,
	}
	return c.Call(ctx, "tools/call", params, timeout)
}

// call performs one exchange against the current process. Used directly
// by Start for the handshake, before the state is Ready.
func (c *Client) call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.CallTimeout
	}

	ch := make(chan callResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.stdin == nil {
		c.mu.Unlock()
		return nil, ErrProcessDied
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	stdin := c.stdin
	c.mu.Unlock()

	line, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.writeMu.Lock()
	_, werr := stdin.Write(append(line, '\n'))
	c.writeMu.Unlock()
	if werr != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("%w: write: %v", ErrProcessDied, werr)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.result, res.err
	case <-timer.C:
		c.dropPending(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

// readLoop consumes worker stdout for one process generation, matching
// responses to pending calls. Unmatched or malformed lines are dropped
// and logged; enough of them in a row forces a restart.
func (c *Client) readLoop(gen int, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			if c.recordDesync(gen, "malformed response") {
				return
			}
			continue
		}
		if resp.ID == 0 {
			if resp.Method != "" {
				// Server notification; nothing to correlate, nothing wrong.
				c.logger.Debug("worker notification", "method", resp.Method)
				continue
			}
			if c.recordDesync(gen, "response without id") {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
			c.desyncs = 0
		}
		c.mu.Unlock()

		if !ok {
			if c.recordDesync(gen, "unmatched response id") {
				return
			}
			continue
		}

		if resp.Error != nil {
			ch <- callResult{err: resp.Error}
		} else {
			ch <- callResult{result: resp.Result}
		}
	}
	// EOF: the exit path is handled by the wait goroutine.
}

// recordDesync counts a protocol desync and returns true when the worker
// was killed because the threshold was crossed.
func (c *Client) recordDesync(gen int, kind string) bool {
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return true
	}
	c.desyncs++
	count := c.desyncs
	c.mu.Unlock()

	c.logger.Warn("protocol desync", "kind", kind, "consecutive", count)
	if count >= maxDesyncs {
		c.logger.Warn("desync threshold crossed, restarting worker")
		c.killGeneration(gen)
		return true
	}
	return false
}

// drainStderr logs worker stderr line by line. Stderr is never parsed as
// protocol data.
func (c *Client) drainStderr(stderr io.Reader) {
	if stderr == nil {
		return
	}
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.logger.Warn("worker stderr", "line", scanner.Text())
	}
}

// handleExit reacts to the worker process exiting: all in-flight calls
// fail immediately, and a restart is scheduled after a fixed backoff.
// Rapid repeated failures open the circuit instead.
func (c *Client) handleExit(gen int, waitErr error) {
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}

	c.stdin = nil
	c.current = nil
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- callResult{err: ErrProcessDied}
	}

	rapid := time.Since(c.startedAt) < c.cfg.RapidFailureWindow
	if rapid {
		c.failures++
	} else {
		c.failures = 1
	}

	if c.failures >= c.cfg.CircuitThreshold {
		c.state = StateStopped
		c.circuitUntil = time.Now().Add(c.cfg.CircuitCooldown)
		cooldown := c.cfg.CircuitCooldown
		c.mu.Unlock()
		c.logger.Warn("worker circuit opened",
			"consecutive_failures", c.failures, "cooldown", cooldown, "exit_error", waitErr)
		return
	}

	c.state = StateRestarting
	backoff := c.cfg.RestartBackoff
	c.mu.Unlock()
	c.logger.Warn("worker exited, restart scheduled", "backoff", backoff, "exit_error", waitErr)

	time.AfterFunc(backoff, func() {
		c.mu.Lock()
		if c.closed || c.state != StateRestarting || c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.state = StateStopped // let Start proceed
		c.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
		defer cancel()
		if err := c.Start(ctx); err != nil {
			c.logger.Warn("worker restart failed", "error", err)
		}
	})
}

// killGeneration kills the process for gen if it is still current. The
// exit then flows through handleExit.
func (c *Client) killGeneration(gen int) {
	c.mu.Lock()
	var w worker
	if c.gen == gen {
		w = c.current
	}
	c.mu.Unlock()
	if w != nil {
		w.kill()
	}
}

// dropPending forgets a call that resolved locally (timeout, write error,
// context cancellation) so a late response is treated as a desync.
func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close stops the worker permanently. In-flight calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateStopped
	w := c.current
	c.current = nil
	stdin := c.stdin
	c.stdin = nil
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- callResult{err: ErrClosed}
	}
	c.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if w != nil {
		w.kill()
	}
	return nil
}
