// Package stream fans session output out to client connections.
//
// A Mux owns one Conn per client connection id. Producers push typed
// events; each connection assigns its own strictly increasing sequence
// numbers and guarantees that no event follows the terminal end event.
// Slow clients are torn down rather than allowed to block producers.
//
// Information Hiding: producers never see channels or buffering; they
// push through the Conn API. Consumers range over Events() and never
// see sequencing or heartbeat machinery.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/legisearch/legisearch/model"
)

const (
	// DefaultBufferSize is the per-connection event buffer. A client
	// that falls this far behind is disconnected.
	DefaultBufferSize = 64

	// DefaultHeartbeatInterval is how long a connection may sit idle
	// before a heartbeat event is emitted.
	DefaultHeartbeatInterval = 30 * time.Second
)

var (
	// ErrSlowClient is returned by Push after a connection was torn
	// down because its buffer filled.
	ErrSlowClient = errors.New("stream: slow client disconnected")

	// ErrClosed is returned by Push on a closed connection, including
	// after the end event.
	ErrClosed = errors.New("stream: connection closed")

	// ErrDuplicateConnection is returned by Open when the connection
	// id is already registered.
	ErrDuplicateConnection = errors.New("stream: connection id already open")
)

// Mux registers and looks up client connections.
type Mux struct {
	logger    *slog.Logger
	bufSize   int
	heartbeat time.Duration

	mu    sync.RWMutex
	conns map[string]*Conn
}

// Option configures a Mux.
type Option func(*Mux)

// WithBufferSize overrides the per-connection buffer size.
func WithBufferSize(n int) Option {
	return func(m *Mux) {
		if n > 0 {
			m.bufSize = n
		}
	}
}

// WithHeartbeatInterval overrides the idle heartbeat interval. Zero
// disables heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Mux) { m.heartbeat = d }
}

// NewMux returns an empty multiplexer.
func NewMux(logger *slog.Logger, opts ...Option) *Mux {
	m := &Mux{
		logger:    logger,
		bufSize:   DefaultBufferSize,
		heartbeat: DefaultHeartbeatInterval,
		conns:     make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open registers a connection and returns its handle. The id must be
// unique among open connections.
func (m *Mux) Open(connectionID string) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[connectionID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateConnection, connectionID)
	}

	c := &Conn{
		id:     connectionID,
		mux:    m,
		logger: m.logger,
		events: make(chan model.StreamEvent, m.bufSize),
		done:   make(chan struct{}),
	}
	if m.heartbeat > 0 {
		c.idle = time.AfterFunc(m.heartbeat, c.emitHeartbeat)
	}
	m.conns[connectionID] = c
	m.logger.Debug("connection opened", "connection_id", connectionID)
	return c, nil
}

// Lookup returns an open connection by id.
func (m *Mux) Lookup(connectionID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connectionID]
	return c, ok
}

// Len reports the number of open connections.
func (m *Mux) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *Mux) remove(connectionID string) {
	m.mu.Lock()
	delete(m.conns, connectionID)
	m.mu.Unlock()
}

// Conn is one client connection. Producers call Push and End;
// consumers drain Events.
type Conn struct {
	id     string
	mux    *Mux
	logger *slog.Logger
	events chan model.StreamEvent
	done   chan struct{}
	idle   *time.Timer

	mu     sync.Mutex
	seq    uint64
	ended  bool
	closed bool
	slow   bool
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Events is the consumer side. The channel is closed when the
// connection closes, after the end event when there is one.
func (c *Conn) Events() <-chan model.StreamEvent { return c.events }

// Done is closed when the connection is closed for any reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Push emits one event. Marshals the payload, assigns the next
// sequence number and timestamp, and enqueues without blocking: a full
// buffer tears the connection down and returns ErrSlowClient.
func (c *Conn) Push(eventType model.EventType, payload any) error {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		data = b
	}
	return c.push(eventType, data)
}

func (c *Conn) push(eventType model.EventType, data json.RawMessage) error {
	c.mu.Lock()
	if c.slow {
		c.mu.Unlock()
		return ErrSlowClient
	}
	if c.closed || c.ended {
		c.mu.Unlock()
		return ErrClosed
	}
	c.seq++
	ev := model.StreamEvent{
		Type:      eventType,
		Data:      data,
		Sequence:  c.seq,
		Timestamp: time.Now().UTC(),
	}
	if eventType == model.EventEnd {
		c.ended = true
	}
	if c.idle != nil {
		c.idle.Reset(c.mux.heartbeat)
	}

	select {
	case c.events <- ev:
	default:
		c.slow = true
		c.mu.Unlock()
		c.logger.Warn("slow client disconnected", "connection_id", c.id, "sequence", ev.Sequence)
		c.Close()
		return ErrSlowClient
	}

	ended := c.ended
	c.mu.Unlock()
	if ended {
		c.Close()
	}
	return nil
}

// End emits the terminal event. The connection closes once the event
// is enqueued; later pushes return ErrClosed.
func (c *Conn) End(payload model.EndPayload) error {
	return c.Push(model.EventEnd, payload)
}

// Close tears the connection down. Idempotent; safe from any
// goroutine. The events channel is closed so consumers finish their
// range loops.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.idle != nil {
		c.idle.Stop()
	}
	c.mu.Unlock()

	c.mux.remove(c.id)
	close(c.done)
	close(c.events)
	c.logger.Debug("connection closed", "connection_id", c.id)
}

// emitHeartbeat fires from the idle timer. Heartbeats share the
// sequence counter with application events so monotonicity covers the
// whole stream.
func (c *Conn) emitHeartbeat() {
	if err := c.push(model.EventHeartbeat, nil); err != nil {
		return
	}
}
