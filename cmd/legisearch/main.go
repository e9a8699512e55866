// Package main provides the legisearch CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/legisearch/legisearch/config"
	"github.com/legisearch/legisearch/engine"
	"github.com/legisearch/legisearch/llm"
	"github.com/legisearch/legisearch/mcp"
	"github.com/legisearch/legisearch/model"
	"github.com/legisearch/legisearch/search"
	"github.com/legisearch/legisearch/server"
	"github.com/legisearch/legisearch/session"
	"github.com/legisearch/legisearch/storage"
	"github.com/legisearch/legisearch/stream"
	"github.com/legisearch/legisearch/tools"
)

var verbose bool

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "legisearch",
		Short: "Iterative retrieval over a legislative corpus",
		Long: `legisearch runs an iterative search loop against a legislative
document corpus served by a worker subprocess. Results are deduplicated
across rounds, normalized into citations, and streamed to clients.

Configuration comes from LEGI_* environment variables; LEGI_WORKER_CMD
is required. Set LEGI_LLM_PROVIDER to enable grounded answer synthesis.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(toolsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func workerConfig(cfg config.Settings) mcp.Config {
	return mcp.Config{
		Command:          cfg.Worker.Command,
		Args:             cfg.Worker.Args,
		CallTimeout:      cfg.Worker.CallTimeout,
		RestartBackoff:   cfg.Worker.RestartBackoff,
		CircuitThreshold: cfg.Worker.CircuitThreshold,
		CircuitCooldown:  cfg.Worker.CircuitCooldown,
	}
}

func searchConfig(cfg config.Settings) search.Config {
	return search.Config{
		MaxIterations: cfg.Search.MaxIterations,
		ResultCap:     cfg.Search.ResultCap,
		CallTimeout:   cfg.Worker.CallTimeout,
		TimeBudget:    cfg.Search.TimeBudget,
	}
}

// buildProvider creates the synthesis provider named in the settings, or
// nil when none is configured.
func buildProvider(cfg config.Settings) (llm.Provider, error) {
	if cfg.LLM.Provider == "" {
		return nil, nil
	}
	pt, err := llm.ParseProviderType(cfg.LLM.Provider)
	if err != nil {
		return nil, err
	}
	return llm.NewProviderBuilder(pt).
		Model(cfg.LLM.Model).
		MaxTokens(cfg.LLM.MaxTokens).
		Temperature(float32(cfg.LLM.Temperature)).
		FromEnv()
}

// buildRegistry starts the worker pool and discovers its tool catalog.
// The returned cleanup shuts the pool down.
func buildRegistry(ctx context.Context, cfg config.Settings, logger *slog.Logger) (*tools.Registry, func(), error) {
	pool := mcp.NewPool(cfg.Worker.PoolSize, workerConfig(cfg), logger)
	if err := pool.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("start worker: %w", err)
	}
	cleanup := func() {
		if err := pool.Close(); err != nil {
			logger.Warn("worker shutdown failed", "error", err)
		}
	}

	registry, err := tools.NewRegistry(ctx, pool, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return registry, cleanup, nil
}

func buildEngine(ctx context.Context, cfg config.Settings, logger *slog.Logger) (*engine.Engine, *tools.Registry, func(), error) {
	registry, stopPool, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := stopPool

	provider, err := buildProvider(cfg)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	var store *storage.RunStore
	if cfg.DBPath != "" {
		store, err = storage.OpenRunStore(cfg.DBPath)
		if err != nil {
			cleanup()
			return nil, nil, nil, fmt.Errorf("open run store: %w", err)
		}
		cleanup = func() {
			if err := store.Close(); err != nil {
				logger.Warn("run store close failed", "error", err)
			}
			stopPool()
		}
	}

	mux := stream.NewMux(logger,
		stream.WithBufferSize(cfg.Stream.BufferSize),
		stream.WithHeartbeatInterval(cfg.Stream.HeartbeatInterval))
	eng := engine.New(registry, provider, mux, session.NewRegistry(logger), store, searchConfig(cfg), logger)
	return eng, registry, cleanup, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server with the SSE search stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, registry, cleanup, err := buildEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			return server.New(cfg.Server.Addr, eng, registry, logger).Run(ctx)
		},
	}
}

func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask [query]",
		Short: "Run one search session and print its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, _, cleanup, err := buildEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			conn, err := eng.StartSession(ctx, uuid.NewString(), uuid.NewString(), args[0])
			if err != nil {
				return err
			}
			return printEvents(conn)
		},
	}
}

// printEvents renders a session's stream on stdout, one line per event
// except content chunks, which flow together as the answer text.
func printEvents(conn *stream.Conn) error {
	inAnswer := false
	endLine := func() {
		if inAnswer {
			fmt.Println()
			inAnswer = false
		}
	}

	for ev := range conn.Events() {
		switch ev.Type {
		case model.EventStart:
			var p model.StartPayload
			if err := json.Unmarshal(ev.Data, &p); err == nil {
				fmt.Printf("searching: %s\n", p.Query)
			}
		case model.EventToolCall:
			var p model.ToolCallPayload
			if err := json.Unmarshal(ev.Data, &p); err == nil && p.Stage == model.StageExecuting {
				fmt.Printf("  round %d (%s): %s\n", p.Iteration, p.Strategy, p.Query)
			}
		case model.EventCitation:
			var c model.Citation
			if err := json.Unmarshal(ev.Data, &c); err == nil {
				fmt.Printf("[%d] %s\n    %s\n", c.SearchContext.Rank, c.Title, c.URL)
			}
		case model.EventContent:
			var p model.ContentPayload
			if err := json.Unmarshal(ev.Data, &p); err == nil {
				inAnswer = true
				fmt.Print(p.Text)
			}
		case model.EventError:
			endLine()
			var p model.ErrorPayload
			if err := json.Unmarshal(ev.Data, &p); err == nil {
				fmt.Fprintf(os.Stderr, "error: %s\n", p.Message)
			}
		case model.EventEnd:
			endLine()
			var p model.EndPayload
			if err := json.Unmarshal(ev.Data, &p); err == nil {
				fmt.Printf("done: %s after %d iteration(s), %d citation(s) in %dms\n",
					p.Reason, p.Iterations, p.Citations, p.DurationMs)
			}
		}
	}
	return nil
}

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the worker's tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry, cleanup, err := buildRegistry(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			for _, desc := range registry.List(ctx) {
				fmt.Printf("%s\n  %s\n", desc.Name, desc.Description)
				if verbose {
					for _, p := range desc.Parameters {
						req := ""
						if p.Required {
							req = " (required)"
						}
						fmt.Printf("    - %s: %s%s\n", p.Name, p.Type, req)
					}
				}
			}
			return nil
		},
	}
}
