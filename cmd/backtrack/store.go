package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360/backtrack/config"
	"github.com/c360/backtrack/natsclient"
	"github.com/c360/backtrack/storage"
	"github.com/c360/backtrack/storage/dynamo"
	"github.com/c360/backtrack/storage/memory"
	"github.com/c360/backtrack/storage/natskv"
	"github.com/c360/backtrack/storage/sqlite"
)

// openStore opens the configured backend. It serves both as pose store and location queue.
func openStore(ctx context.Context, cfg *config.Config, client *natsclient.Client, logger *slog.Logger) (storage.Backend, error) {
	logger.Info("Opening store", "backend", cfg.Store.Backend)

	switch cfg.Store.Backend {
	case config.BackendMemory:
		return memory.New(), nil

	case config.BackendNATS:
		store, err := natskv.Open(ctx, client, cfg.Store.NATSKV, logger)
		if err != nil {
			return nil, fmt.Errorf("open nats kv store: %w", err)
		}
		return store, nil

	case config.BackendSQLite:
		store, err := sqlite.Open(ctx, cfg.Store.SQLite, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil

	case config.BackendDynamo:
		api, err := dynamo.NewClient(ctx, cfg.Store.Dynamo)
		if err != nil {
			return nil, fmt.Errorf("create dynamodb client: %w", err)
		}
		store, err := dynamo.New(api, cfg.Store.Dynamo, cfg.Store.Schema, logger)
		if err != nil {
			return nil, fmt.Errorf("open dynamodb store: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
