// Package config provides application settings loaded from environment
// variables.
//
// Settings are created via New() which handles:
// - Environment variable parsing with validation
// - Default value application
// - Provider-specific API key lookup

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings holds all application configuration.
type Settings struct {
	Worker Worker
	Search Search
	Stream Stream
	Server Server
	LLM    LLM
	DBPath string
}

// Worker configures the search worker subprocess.
type Worker struct {
	Command          string
	Args             []string
	PoolSize         int
	CallTimeout      time.Duration
	RestartBackoff   time.Duration
	CircuitThreshold int
	CircuitCooldown  time.Duration
}

// Search configures the iteration controller.
type Search struct {
	MaxIterations int
	ResultCap     int
	TimeBudget    time.Duration
}

// Stream configures the event stream multiplexer.
type Stream struct {
	BufferSize        int
	HeartbeatInterval time.Duration
}

// Server configures the HTTP listener.
type Server struct {
	Addr string
}

// LLM configures the optional answer-synthesis provider. An empty
// Provider means citations-only mode.
type LLM struct {
	Provider    string
	Model       string
	MaxTokens   uint32
	Temperature float64
}

// New loads settings from the environment. Returns an error when a
// variable holds an unparseable value.
func New() (Settings, error) {
	var s Settings
	var err error

	s.Worker.Command = os.Getenv("LEGI_WORKER_CMD")
	if args := os.Getenv("LEGI_WORKER_ARGS"); args != "" {
		s.Worker.Args = strings.Fields(args)
	}
	if s.Worker.PoolSize, err = getEnvInt("LEGI_WORKER_POOL", 1); err != nil {
		return Settings{}, err
	}
	if s.Worker.CallTimeout, err = getEnvDuration("LEGI_CALL_TIMEOUT", 30*time.Second); err != nil {
		return Settings{}, err
	}
	if s.Worker.RestartBackoff, err = getEnvDuration("LEGI_RESTART_BACKOFF", time.Second); err != nil {
		return Settings{}, err
	}
	if s.Worker.CircuitThreshold, err = getEnvInt("LEGI_CIRCUIT_THRESHOLD", 3); err != nil {
		return Settings{}, err
	}
	if s.Worker.CircuitCooldown, err = getEnvDuration("LEGI_CIRCUIT_COOLDOWN", 30*time.Second); err != nil {
		return Settings{}, err
	}

	if s.Search.MaxIterations, err = getEnvInt("LEGI_MAX_ITERATIONS", 20); err != nil {
		return Settings{}, err
	}
	if s.Search.ResultCap, err = getEnvInt("LEGI_RESULT_CAP", 50); err != nil {
		return Settings{}, err
	}
	if s.Search.TimeBudget, err = getEnvDuration("LEGI_TIME_BUDGET", 300*time.Second); err != nil {
		return Settings{}, err
	}

	if s.Stream.BufferSize, err = getEnvInt("LEGI_STREAM_BUFFER", 64); err != nil {
		return Settings{}, err
	}
	if s.Stream.HeartbeatInterval, err = getEnvDuration("LEGI_HEARTBEAT_INTERVAL", 30*time.Second); err != nil {
		return Settings{}, err
	}

	s.Server.Addr = getEnvString("LEGI_LISTEN_ADDR", ":8080")
	s.DBPath = getEnvString("LEGI_DB_PATH", "")

	s.LLM.Provider = strings.ToLower(os.Getenv("LEGI_LLM_PROVIDER"))
	s.LLM.Model = os.Getenv("LEGI_LLM_MODEL")
	if s.LLM.MaxTokens, err = getEnvUint32("LEGI_LLM_MAX_TOKENS", 4096); err != nil {
		return Settings{}, err
	}
	if s.LLM.Temperature, err = getEnvFloat64("LEGI_LLM_TEMPERATURE", 0.7); err != nil {
		return Settings{}, err
	}

	return s, nil
}

// MustNew loads settings and panics on invalid values. Use only where
// configuration errors should be fatal.
func MustNew() Settings {
	s, err := New()
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return s
}

// Validate checks cross-field requirements that depend on how the
// settings are used.
func (s Settings) Validate() error {
	if s.Worker.Command == "" {
		return fmt.Errorf("LEGI_WORKER_CMD must be set")
	}
	if s.Worker.PoolSize < 1 {
		return fmt.Errorf("LEGI_WORKER_POOL must be >= 1, got %d", s.Worker.PoolSize)
	}
	if s.Search.MaxIterations < 1 {
		return fmt.Errorf("LEGI_MAX_ITERATIONS must be >= 1, got %d", s.Search.MaxIterations)
	}
	return nil
}

// Environment variable helpers with proper error handling

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return i, nil
}

func getEnvUint32(key string, defaultVal uint32) (uint32, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return uint32(i), nil
}

func getEnvFloat64(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return f, nil
}

// getEnvDuration accepts Go duration syntax ("45s", "2m") or a bare
// integer interpreted as milliseconds.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	if ms, err := strconv.Atoi(val); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return d, nil
}
