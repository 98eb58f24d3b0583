// Package main is the AWS Lambda entrypoint of backtrack. It is subscribed to the measurement
// table's DynamoDB stream, reads poses from and writes joined items to DynamoDB, and reports
// transiently failed records back to the event source for retry.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/c360/backtrack/config"
	"github.com/c360/backtrack/pkg/tracing"
	"github.com/c360/backtrack/processor/locationjoin"
	"github.com/c360/backtrack/storage/dynamo"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	ctx := context.Background()

	handler, cleanup, err := setup(ctx, os.Getenv("BACKTRACK_CONFIG"))
	if err != nil {
		slog.Error("Lambda setup failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	lambda.Start(handler.Handle)
}

// setup builds the handler once per execution environment.
func setup(ctx context.Context, configPath string) (*Handler, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Service.LogLevel).With("service", cfg.Service.Name, "version", Version)
	slog.SetDefault(logger)

	shutdownTracing, err := tracing.Setup(ctx, cfg.Service.Name, Version, cfg.Tracing)
	if err != nil {
		return nil, nil, fmt.Errorf("setup tracing: %w", err)
	}

	api, err := dynamo.NewClient(ctx, cfg.Store.Dynamo)
	if err != nil {
		return nil, nil, fmt.Errorf("create dynamodb client: %w", err)
	}
	store, err := dynamo.New(api, cfg.Store.Dynamo, cfg.Store.Schema, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open dynamodb store: %w", err)
	}

	joiner, err := locationjoin.New(store, store, cfg.Join.Config,
		locationjoin.WithLogger(logger),
		locationjoin.WithSchema(cfg.Store.Schema))
	if err != nil {
		return nil, nil, fmt.Errorf("create joiner: %w", err)
	}

	cleanup := func() {
		joiner.Close()
		_ = store.Close()
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("Failed to flush traces", "error", err)
		}
	}
	return NewHandler(joiner, logger), cleanup, nil
}

// newLogger writes JSON to stdout, which the Lambda runtime forwards to CloudWatch.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
