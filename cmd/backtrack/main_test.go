package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/backtrack/config"
	"github.com/c360/backtrack/storage/memory"
	"github.com/c360/backtrack/storage/sqlite"
)

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{"--config", "x.yaml", "--log-format", "text", "--debug", "--shutdown-timeout", "5s"})
	require.NoError(t, err)
	assert.Equal(t, "x.yaml", cfg.ConfigPath)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)

	_, err = parseFlags([]string{"--nope"})
	assert.Error(t, err)
}

func TestParseFlags_EnvFallback(t *testing.T) {
	t.Setenv("BACKTRACK_LOG_LEVEL", "warn")
	t.Setenv("BACKTRACK_SHUTDOWN_TIMEOUT", "7s")

	cfg, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 7*time.Second, cfg.ShutdownTimeout)
}

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name    string
		cfg     CLIConfig
		wantErr bool
	}{
		{"empty", CLIConfig{}, false},
		{"version skips checks", CLIConfig{ShowVersion: true, LogLevel: "loud"}, false},
		{"missing config file", CLIConfig{ConfigPath: "/does/not/exist.yaml"}, true},
		{"bad level", CLIConfig{LogLevel: "loud"}, true},
		{"bad format", CLIConfig{LogFormat: "xml"}, true},
		{"negative timeout", CLIConfig{ShutdownTimeout: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFlags(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadConfig_CLIOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  log_level: error\n"), 0o600))

	cfg, err := loadConfig(&CLIConfig{ConfigPath: path, LogFormat: "text", ShutdownTimeout: 3 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Service.LogLevel)
	assert.Equal(t, "text", cfg.Service.LogFormat)
	assert.Equal(t, 3*time.Second, cfg.Service.ShutdownTimeout)

	cfg, err = loadConfig(&CLIConfig{ConfigPath: path, LogLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Service.LogLevel)
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "info", "json", "backtrack")
	logger.Debug("hidden")
	logger.Info("hello", "component", "test")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "backtrack", rec["service"])
	assert.Equal(t, Version, rec["version"])
	assert.Contains(t, rec, "pid")

	buf.Reset()
	setupLogger(&buf, "debug", "text", "backtrack").Debug("shown")
	assert.Contains(t, buf.String(), "msg=shown")
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	logger := setupLogger(&bytes.Buffer{}, "error", "json", "backtrack")

	cfg := config.Default()
	store, err := openStore(ctx, cfg, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, store)

	cfg.Store.Backend = config.BackendSQLite
	cfg.Store.SQLite = sqlite.Config{Path: filepath.Join(t.TempDir(), "b.db"), BusyTimeout: time.Second}
	store, err = openStore(ctx, cfg, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Store{}, store)
	require.NoError(t, store.Close())

	cfg.Store.Backend = "cassandra"
	_, err = openStore(ctx, cfg, nil, logger)
	assert.Error(t, err)
}
