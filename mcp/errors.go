package mcp

import (
	"errors"
	"fmt"
)

// Sentinel errors for tool connection failures. Callers classify failures
// with errors.Is to decide between retry, restart, and surfacing.
var (
	// ErrTimeout means no response arrived within the call's timeout.
	ErrTimeout = errors.New("mcp: call timed out")

	// ErrProcessDied means the worker exited while the call was in flight
	// (or before it could be written).
	ErrProcessDied = errors.New("mcp: worker process died")

	// ErrCircuitOpen means repeated rapid worker failures have suspended
	// restart attempts for a cooldown window. Calls fail fast.
	ErrCircuitOpen = errors.New("mcp: circuit open")

	// ErrClosed means the client has been closed and will not restart.
	ErrClosed = errors.New("mcp: client closed")
)

// RPCError is a JSON-RPC error returned by the worker itself. It is a
// tool-level failure, not a transport failure: the connection stays up.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp: worker error %d: %s", e.Code, e.Message)
}

// Transient reports whether err is a transport-level failure worth one
// automatic retry (timeout or process death).
func Transient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrProcessDied)
}
