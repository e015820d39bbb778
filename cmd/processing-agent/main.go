// Package main runs the Processing role agent: it consumes data_ready work
// items, maintains per-run datasets in the data catalog, and submits a batch
// processing task when each run's dataset closes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/eumaka/swf-testbed/agent"
	"github.com/eumaka/swf-testbed/agent/procagent"
	"github.com/eumaka/swf-testbed/busclient"
	"github.com/eumaka/swf-testbed/config"
	"github.com/eumaka/swf-testbed/datacatalog"
	"github.com/eumaka/swf-testbed/metric"
	"github.com/eumaka/swf-testbed/pkg/retry"
	"github.com/eumaka/swf-testbed/registry"
)

const appName = "processing-agent"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Agent failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("SWF_CONFIG"), "Path to configuration file (env: SWF_CONFIG)")
	logLevel := flag.String("log-level", envOr("SWF_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	flag.Parse()

	logger := setupLogger(*logLevel, appName)
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	name := cfg.Agent.Name
	if name == "" {
		name = appName + "-1"
	}

	malformed, err := cfg.MalformedPolicy()
	if err != nil {
		return err
	}
	runFailure, err := cfg.RunFailurePolicy()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := busclient.NewClient(cfg.NATS.URL,
		busclient.WithClientName(name),
		busclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password),
	)
	if err != nil {
		return fmt.Errorf("create bus client: %w", err)
	}
	slog.Info("Connecting to message bus", "url", cfg.NATS.URL)
	if err := retry.Do(ctx, retry.Quick(), func() error {
		return bus.Connect(ctx)
	}); err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}
	defer bus.Close(context.Background())

	reg := registry.NewClient(cfg.Registry.URL, cfg.Registry.Token,
		registry.WithLogger(logger),
		registry.WithRetry(retry.DefaultConfig()))
	catalog := datacatalog.NewClient(cfg.Catalog.URL, cfg.Catalog.Token, cfg.Catalog.Scope,
		datacatalog.WithLogger(logger))
	batch := datacatalog.NewSubmitter(cfg.Batch.URL, cfg.Batch.Token, cfg.Batch.Queue,
		datacatalog.WithSubmitterLogger(logger))
	metricsRegistry := metric.NewRegistry()
	tracker := agent.NewTracker()

	handler, err := procagent.New(procagent.Config{
		Name:           name,
		ForwardSubject: cfg.Bus.DoneSubject,
		RunFailure:     runFailure,
	}, catalog, batch, reg, bus, tracker, logger, metricsRegistry)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	// the done queue must exist before the first forward; the processing
	// queue is ensured by the runner for its own consumption
	if cfg.Bus.DoneSubject != "" {
		if err := bus.EnsureWorkQueue(ctx, cfg.Bus.DoneStream, cfg.Bus.DoneSubject); err != nil {
			return fmt.Errorf("ensure done queue: %w", err)
		}
	}

	runner, err := agent.NewRunner(agent.RunnerConfig{
		Name:        name,
		AgentType:   "processing",
		Description: "Processing role: attaches files to datasets, submits batch tasks",
		Topic:       cfg.Bus.Topic,
		Queue: agent.QueueSource{
			Stream:  cfg.Bus.ProcessingStream,
			Subject: cfg.Bus.ProcessingSubject,
			Durable: name,
		},
		Malformed:         malformed,
		RunFailure:        runFailure,
		HeartbeatInterval: cfg.HeartbeatInterval(),
	}, bus, reg, handler, tracker, logger)
	if err != nil {
		return fmt.Errorf("create runner: %w", err)
	}

	slog.Info("Starting processing agent",
		"topic", cfg.Bus.Topic,
		"queue_subject", cfg.Bus.ProcessingSubject,
		"catalog_scope", cfg.Catalog.Scope)
	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	slog.Info("Agent stopped")
	return nil
}

func setupLogger(level, service string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	})
	return slog.New(handler).With("service", service, "pid", os.Getpid())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
