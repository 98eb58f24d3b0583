// Package main replays a JSONL file of poses and measurements onto the backtrack NATS subjects for
// local end-to-end runs.
//
//	backtrack-replay --config config.yaml --input testdata/walk.jsonl --rate 200
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/backtrack/config"
	"github.com/c360/backtrack/natsclient"
)

type cliConfig struct {
	ConfigPath string
	Input      string
	Rate       float64
	BatchSize  int
	Shift      time.Duration
	LogLevel   string
}

func parseFlags(args []string) (*cliConfig, error) {
	cfg := &cliConfig{}
	fs := flag.NewFlagSet("backtrack-replay", flag.ContinueOnError)
	fs.StringVar(&cfg.ConfigPath, "config", os.Getenv("BACKTRACK_CONFIG"), "Path to configuration file (env: BACKTRACK_CONFIG)")
	fs.StringVar(&cfg.Input, "input", "-", "JSONL file to replay, - for stdin")
	fs.Float64Var(&cfg.Rate, "rate", 0, "Messages per second, 0 for unlimited")
	fs.IntVar(&cfg.BatchSize, "batch-size", 25, "Measurements per change batch")
	fs.DurationVar(&cfg.Shift, "shift", 0, "Duration added to every timestamp")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.Input == "" {
		return nil, fmt.Errorf("input is required")
	}
	return cfg, nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("Replay failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(args)
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cli.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", cli.LogLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	in, err := openInput(cli.Input)
	if err != nil {
		return err
	}
	defer in.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close(context.Background()) }()

	replayer, err := NewReplayer(client, Options{
		MeasurementSubject: cfg.NATS.Subject,
		PoseSubject:        cfg.NATS.PoseSubject,
		BatchSize:          cli.BatchSize,
		Rate:               cli.Rate,
		Shift:              cli.Shift,
		Schema:             cfg.Store.Schema,
	}, logger)
	if err != nil {
		return err
	}

	start := time.Now()
	stats, err := replayer.Run(ctx, in)
	logger.Info("Replay finished",
		"lines", stats.Lines,
		"poses", stats.Poses,
		"measurements", stats.Measurements,
		"batches", stats.Batches,
		"elapsed", time.Since(start))
	return err
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return f, nil
}

func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName("backtrack-replay"),
		natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
		natsclient.WithTimeout(cfg.NATS.ConnectTimeout),
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
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	subjects := []string{cfg.NATS.Subject}
	if cfg.NATS.PoseSubject != cfg.NATS.Subject {
		subjects = append(subjects, cfg.NATS.PoseSubject)
	}
	if _, err := client.EnsureStream(ctx, jetstream.StreamConfig{Name: cfg.NATS.Stream, Subjects: subjects}); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.NATS.Stream, err)
	}
	return client, nil
}
