// Package main runs the backtrack service: it consumes measurement change batches from a NATS
// JetStream stream, joins each created measurement with the device pose current at read time and
// writes the result to the configured location store.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/backtrack/config"
	"github.com/c360/backtrack/health"
	"github.com/c360/backtrack/metric"
	"github.com/c360/backtrack/natsclient"
	"github.com/c360/backtrack/pkg/retry"
	"github.com/c360/backtrack/pkg/tracing"
	"github.com/c360/backtrack/processor/locationjoin"
	"github.com/c360/backtrack/processor/poseingest"
	"github.com/c360/backtrack/storage"
)

// Build information
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "backtrack"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		printDetailedHelp(os.Stderr)
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(os.Stdout)
		return nil
	}

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	logger := setupLogger(os.Stdout, cfg.Service.LogLevel, cfg.Service.LogFormat, cfg.Service.Name)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	logger.Info("Starting backtrack",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"store", cfg.Store.Backend)

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(signalCtx, cfg, logger)
}

// loadConfig layers the CLI overrides on top of the loaded configuration.
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.LogLevel != "" {
		cfg.Service.LogLevel = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Service.LogFormat = cliCfg.LogFormat
	}
	if cliCfg.ShutdownTimeout > 0 {
		cfg.Service.ShutdownTimeout = cliCfg.ShutdownTimeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// serve runs the service until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := tracing.Setup(ctx, cfg.Service.Name, Version, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer flush(logger, "tracing", cfg.Service.ShutdownTimeout, shutdownTracing)

	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	client, err := connectNATS(ctx, cfg, registry, monitor, logger)
	if err != nil {
		return err
	}
	defer flush(logger, "nats", cfg.Service.ShutdownTimeout, client.Close)

	if err := ensureStream(ctx, client, cfg.NATS); err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, client, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close store", "error", err)
		}
	}()

	joiner, err := newJoiner(cfg, store, client, registry, logger)
	if err != nil {
		return err
	}
	defer joiner.Close()

	component, err := locationjoin.NewComponent(cfg.NATS.Durable, joiner, client, locationjoin.ComponentConfig{
		Consumer:  cfg.NATS.ConsumerConfig(),
		Workers:   cfg.Join.Workers,
		QueueSize: cfg.Join.QueueSize,
		NakDelay:  cfg.Join.NakDelay,
	}, locationjoin.Dependencies{Monitor: monitor, Registry: registry, Logger: logger})
	if err != nil {
		return fmt.Errorf("create location join component: %w", err)
	}

	var server *metric.Server
	if cfg.Metrics.Enabled {
		server = metric.NewServer(cfg.Metrics.Addr(), cfg.Metrics.Path, registry, monitor)
		if err := server.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		logger.Info("Metrics server listening", "addr", server.Addr(), "path", cfg.Metrics.Path)
	}

	var poses *poseingest.Component
	if cfg.NATS.PoseSubject != "" {
		poses, err = poseingest.New(store, client, natsclient.ConsumerConfig{
			Stream:        cfg.NATS.Stream,
			Durable:       cfg.NATS.Durable + "-poses",
			FilterSubject: cfg.NATS.PoseSubject,
			AckWait:       cfg.NATS.AckWait,
			MaxDeliver:    cfg.NATS.MaxDeliver,
			MaxAckPending: cfg.NATS.MaxAckPending,
		}, monitor, logger)
		if err != nil {
			return fmt.Errorf("create pose ingest: %w", err)
		}
		if err := poses.Start(ctx); err != nil {
			return fmt.Errorf("start pose ingest: %w", err)
		}
	}

	if err := component.Start(ctx); err != nil {
		if poses != nil {
			poses.Stop()
		}
		return fmt.Errorf("start location join component: %w", err)
	}
	logger.Info("backtrack started", "stream", cfg.NATS.Stream, "subject", cfg.NATS.Subject)

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	return shutdown(cfg.Service.ShutdownTimeout, component, poses, server, logger)
}

func connectNATS(ctx context.Context, cfg *config.Config, registry *metric.MetricsRegistry, monitor *health.Monitor, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.Service.Name),
		natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithTimeout(cfg.NATS.ConnectTimeout),
		natsclient.WithMetrics(registry),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				monitor.UpdateHealthy("nats", "connected")
				return
			}
			monitor.UpdateUnhealthy("nats", "disconnected")
		}),
	}
	if cfg.NATS.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(cfg.NATS.PingInterval))
	}
	if cfg.NATS.DrainTimeout > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(cfg.NATS.DrainTimeout))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if tls := cfg.NATS.TLS; tls.Enabled {
		opts = append(opts, natsclient.WithTLS(tls.CertFile, tls.KeyFile, tls.CAFile))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "urls", cfg.NATS.URLs)
	err = retry.Do(ctx, retry.Quick(), func() error {
		if err := client.Connect(ctx); err != nil {
			if stderrors.Is(err, natsclient.ErrCircuitOpen) {
				return retry.NonRetryable(err)
			}
			logger.Warn("NATS not reachable yet", "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, cfg.NATS.ConnectTimeout)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	monitor.UpdateHealthy("nats", "connected")
	return client, nil
}

// ensureStream creates the measurement stream, capturing the pose subject when one is configured.
func ensureStream(ctx context.Context, client *natsclient.Client, cfg config.NATSConfig) error {
	subjects := []string{cfg.Subject}
	if cfg.PoseSubject != "" && cfg.PoseSubject != cfg.Subject {
		subjects = append(subjects, cfg.PoseSubject)
	}
	_, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  subjects,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	return nil
}

func newJoiner(cfg *config.Config, store storage.Backend, client *natsclient.Client, registry *metric.MetricsRegistry, logger *slog.Logger) (*locationjoin.Joiner, error) {
	opts := []locationjoin.Option{
		locationjoin.WithLogger(logger),
		locationjoin.WithSchema(cfg.Store.Schema),
		locationjoin.WithMetrics(registry),
	}
	if cfg.Join.OutputSubject != "" {
		opts = append(opts, locationjoin.WithPublisher(client))
	}
	joiner, err := locationjoin.New(store, store, cfg.Join.Config, opts...)
	if err != nil {
		return nil, fmt.Errorf("create joiner: %w", err)
	}
	return joiner, nil
}

func shutdown(timeout time.Duration, component *locationjoin.Component, poses *poseingest.Component, server *metric.Server, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if poses != nil {
		poses.Stop()
	}
	if err := component.Stop(timeout); err != nil {
		logger.Error("Error stopping location join component", "error", err)
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if server != nil {
		if err := server.Stop(ctx); err != nil {
			logger.Warn("Error stopping metrics server", "error", err)
		}
	}

	stats := component.Stats()
	logger.Info("backtrack shutdown complete",
		"batches", stats.Batches,
		"records", stats.Records,
		"redelivered", stats.Redelivered,
		"discarded", stats.Discarded)
	return nil
}

func flush(logger *slog.Logger, what string, timeout time.Duration, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn("Shutdown step failed", "step", what, "error", err)
	}
}
