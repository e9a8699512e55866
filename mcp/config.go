package mcp

import "time"

// Config holds worker connection settings. The zero value is not usable;
// Command is required. All durations default via withDefaults.
type Config struct {
	// Command and Args launch the worker process.
	Command string
	Args    []string

	// CallTimeout bounds each request/response exchange (default 30s).
	CallTimeout time.Duration

	// RestartBackoff is the fixed delay before restarting a dead worker
	// (default 1s).
	RestartBackoff time.Duration

	// CircuitThreshold is the number of consecutive rapid failures that
	// opens the circuit (default 3).
	CircuitThreshold int

	// CircuitCooldown is how long the circuit stays open before a probe
	// restart is allowed (default 30s).
	CircuitCooldown time.Duration

	// RapidFailureWindow: a worker that exits sooner than this after
	// starting counts as a rapid failure (default 5s).
	RapidFailureWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = time.Second
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = 3
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = 30 * time.Second
	}
	if c.RapidFailureWindow <= 0 {
		c.RapidFailureWindow = 5 * time.Second
	}
	return c
}
