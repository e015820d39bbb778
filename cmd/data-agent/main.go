// Package main runs the Data role agent: it mirrors DAQ runs and STF files
// into the monitoring registry and forwards data_ready work items to the
// processing stage.
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
	"github.com/eumaka/swf-testbed/agent/dataagent"
	"github.com/eumaka/swf-testbed/busclient"
	"github.com/eumaka/swf-testbed/config"
	"github.com/eumaka/swf-testbed/metric"
	"github.com/eumaka/swf-testbed/pkg/retry"
	"github.com/eumaka/swf-testbed/registry"
)

const appName = "data-agent"

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
	metricsRegistry := metric.NewRegistry()
	tracker := agent.NewTracker()

	handler, err := dataagent.New(dataagent.Config{
		Name:           name,
		ForwardSubject: cfg.Bus.ProcessingSubject,
		RunFailure:     runFailure,
	}, reg, bus, tracker, logger, metricsRegistry)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	// the processing queue must exist before the first forward
	if err := bus.EnsureWorkQueue(ctx, cfg.Bus.ProcessingStream, cfg.Bus.ProcessingSubject); err != nil {
		return fmt.Errorf("ensure processing queue: %w", err)
	}

	runner, err := agent.NewRunner(agent.RunnerConfig{
		Name:              name,
		AgentType:         "data",
		Description:       "Data role: registers runs and STF files, forwards data_ready",
		Topic:             cfg.Bus.Topic,
		Malformed:         malformed,
		RunFailure:        runFailure,
		HeartbeatInterval: cfg.HeartbeatInterval(),
	}, bus, reg, handler, tracker, logger)
	if err != nil {
		return fmt.Errorf("create runner: %w", err)
	}

	slog.Info("Starting data agent", "topic", cfg.Bus.Topic,
		"forward_subject", cfg.Bus.ProcessingSubject)
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
