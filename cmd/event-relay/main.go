// Package main runs the event relay: a websocket bridge that fans the DAQ
// broadcast topic out to remote monitoring clients.
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
	"github.com/eumaka/swf-testbed/metric"
	"github.com/eumaka/swf-testbed/pkg/retry"
	"github.com/eumaka/swf-testbed/relay"
)

const appName = "event-relay"

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
		slog.Error("Relay failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("SWF_CONFIG"), "Path to configuration file (env: SWF_CONFIG)")
	logLevel := flag.String("log-level", envOr("SWF_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	listenAddr := flag.String("listen", "", "Override configured websocket listen address")
	flag.Parse()

	logger := setupLogger(*logLevel, appName)
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *listenAddr != "" {
		cfg.Relay.ListenAddr = *listenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := busclient.NewClient(cfg.NATS.URL,
		busclient.WithClientName(appName),
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

	metricsRegistry := metric.NewRegistry()
	r, err := relay.New(relay.Config{
		ListenAddr: cfg.Relay.ListenAddr,
		Topic:      cfg.Bus.Topic,
	}, bus, logger, metricsRegistry)
	if err != nil {
		return fmt.Errorf("create relay: %w", err)
	}

	if err := r.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
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
