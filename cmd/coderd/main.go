// Package main provides the CLI entry point for coderd, the agent
// orchestration engine. coderd wires a model client, tool registry, the
// single- and dual-agent loops, the project supervisor, and the file-watch
// hub behind an HTTP/SSE front door.
//
// # Basic Usage
//
// Start the server:
//
//	coderd serve --config coderd.yaml
//
// Print version information:
//
//	coderd version
//
// # Environment Variables
//
//   - ENGINE_API_TOKEN: API token for the configured model endpoint
//   - ENGINE_ENDPOINT_URL: Override the model endpoint URL
//   - ENGINE_MODEL_NAME: Override the default model name
//   - ENGINE_SERVER_PORT: Override the HTTP listen port
//   - ENGINE_LOG_LEVEL: Override the slog level (debug|info|warn|error)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coderloop/engine/internal/agent"
	"github.com/coderloop/engine/internal/config"
	"github.com/coderloop/engine/internal/httpserver"
	"github.com/coderloop/engine/internal/metrics"
	"github.com/coderloop/engine/internal/modelclient"
	"github.com/coderloop/engine/internal/project"
	"github.com/coderloop/engine/internal/store"
	"github.com/coderloop/engine/internal/telemetry"
	"github.com/coderloop/engine/internal/tools"
	"github.com/coderloop/engine/internal/tools/exec"
	"github.com/coderloop/engine/internal/tools/files"
	projecttools "github.com/coderloop/engine/internal/tools/project"
	"github.com/coderloop/engine/internal/tools/websearch"
	"github.com/coderloop/engine/internal/watch"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing, matching the teacher's
// cmd/nexus/main.go split.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "coderd",
		Short:        "coderd - agent orchestration engine",
		Long:         "coderd turns a user message into a stream of typed chunks by driving a model client and a tool executor over a project directory.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "coderd %s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the coderd engine and its HTTP/SSE front door",
		Long: `Start the coderd engine.

The server will:
1. Load configuration from the specified file (or coderd.yaml)
2. Build the model client, tool registry, and agent loops
3. Start the project supervisor and file-watch hub
4. Start the HTTP server for turns, health checks, and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  coderd serve

  # Start with custom config
  coderd serve --config /etc/coderd/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "coderd.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting coderd", "version", version, "commit", commit, "config", configPath, "debug", debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Logging.Level != "" {
		if parsed, ok := parseLogLevel(cfg.Logging.Level); ok {
			level = parsed
		}
	}
	handler := buildLogHandler(cfg.Logging.Format, level)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("configuration loaded", "server_port", cfg.Server.Port, "model_name", cfg.Settings.ModelName)

	persistence := store.NewMemoryStore()
	model := modelclient.New()

	registry := tools.NewRegistry()
	execManager := exec.NewManager(".")
	registry.Register(exec.NewExecuteCommandTool(execManager))
	registry.Register(exec.NewRunTestTool(execManager))
	registry.Register(exec.NewInstallPackageTool(execManager))
	registry.Register(exec.NewRunDiagnosticsTool(execManager))
	registry.Register(files.NewReadTool("."))
	registry.Register(files.NewWriteTool("."))
	registry.Register(files.NewEditTool("."))
	registry.Register(files.NewListTool("."))
	registry.Register(files.NewSearchTool("."))
	registry.Register(files.NewCreateDirectoryTool("."))
	registry.Register(files.NewDeleteFileTool("."))
	registry.Register(files.NewReadMultipleTool("."))
	registry.Register(websearch.NewTool())

	supervisor := project.NewSupervisor(0)
	registry.Register(projecttools.NewStartServerTool(supervisor, "."))
	registry.Register(projecttools.NewStopServerTool(supervisor, "."))
	registry.Register(projecttools.NewReadLogsTool(supervisor, "."))

	executor := tools.NewExecutor(registry, tools.DefaultConfig())

	metricsBundle := metrics.New()
	tracer, shutdownTracer := telemetry.New(telemetry.Config{
		ServiceName:    "coderd",
		ServiceVersion: version,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			slog.Warn("tracer shutdown error", "error", err)
		}
	}()

	single := agent.NewLoop(persistence, model, registry, executor).
		WithSupervisor(supervisor).
		WithObservability(metricsBundle, tracer)
	dual := agent.NewDualLoop(single)

	watchHub := watch.NewHub()

	srv := httpserver.New(httpserver.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		Settings:      cfg.Settings,
		Conversations: persistence,
		Single:        single,
		Dual:          dual,
		WatchHub:      watchHub,
		Logger:        logger,
	})
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("coderd started", "addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))

	<-runCtx.Done()
	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	srv.Stop(shutdownCtx)

	slog.Info("coderd stopped gracefully")
	return nil
}

func parseLogLevel(level string) (slog.Level, bool) {
	switch level {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

func buildLogHandler(format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.NewJSONHandler(os.Stderr, opts)
}
