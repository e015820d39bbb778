// Package main runs the DAQ simulator: a virtual-clock state machine that
// broadcasts run lifecycle and STF events on the bus topic.
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

	"github.com/eumaka/swf-testbed/busclient"
	"github.com/eumaka/swf-testbed/config"
	"github.com/eumaka/swf-testbed/daqsim"
	"github.com/eumaka/swf-testbed/metric"
	"github.com/eumaka/swf-testbed/pkg/retry"
	"github.com/eumaka/swf-testbed/registry"
)

const appName = "daqsim"

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
		slog.Error("Simulator failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("SWF_CONFIG"), "Path to configuration file (env: SWF_CONFIG)")
	logLevel := flag.String("log-level", envOr("SWF_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	cycles := flag.Int("cycles", 0, "Override configured cycle count (0 = use config)")
	flag.Parse()

	logger := setupLogger(*logLevel, appName)
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *cycles > 0 {
		cfg.Simulator.Cycles = *cycles
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := busclient.NewClient(cfg.NATS.URL,
		busclient.WithClientName(cfg.Simulator.AgentName),
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

	sim, err := daqsim.New(cfg.Simulator, bus, reg, reg, logger, metricsRegistry)
	if err != nil {
		return fmt.Errorf("create simulator: %w", err)
	}

	slog.Info("Starting DAQ simulation",
		"cycles", cfg.Simulator.Cycles,
		"topic", cfg.Simulator.Topic,
		"stf_per_window", cfg.Simulator.StfPerWindow())
	if err := sim.Run(ctx); err != nil {
		return fmt.Errorf("simulation: %w", err)
	}
	slog.Info("Simulation complete")
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
