package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("BACKTRACK_CONFIG", ""),
		"Path to a YAML or JSON configuration file (env: BACKTRACK_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("BACKTRACK_CONFIG", ""),
		"Path to a YAML or JSON configuration file (env: BACKTRACK_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("BACKTRACK_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error; overrides the config file (env: BACKTRACK_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("BACKTRACK_LOG_FORMAT", ""),
		"Log format: json, text; overrides the config file (env: BACKTRACK_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("BACKTRACK_DEBUG", false),
		"Enable debug logging (env: BACKTRACK_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("BACKTRACK_SHUTDOWN_TIMEOUT", 0),
		"Graceful shutdown timeout; overrides the config file (env: BACKTRACK_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s - joins RFID measurements with device poses

Usage: %s [options]

Options:
  -c, --config PATH          configuration file, YAML or JSON (env: BACKTRACK_CONFIG)
      --log-level LEVEL      debug, info, warn, error (env: BACKTRACK_LOG_LEVEL)
      --log-format FORMAT    json, text (env: BACKTRACK_LOG_FORMAT)
      --debug                debug logging (env: BACKTRACK_DEBUG)
      --shutdown-timeout D   graceful shutdown timeout (env: BACKTRACK_SHUTDOWN_TIMEOUT)
      --validate             validate configuration and exit
  -v, --version              show version
  -h, --help                 show this help

Every configuration key can also be set from the environment, for example:
  BACKTRACK_NATS_URLS=nats://nats:4222
  BACKTRACK_STORE_BACKEND=sqlite
  BACKTRACK_JOIN_WINDOW_MS=10

Examples:
  # Run against a local NATS server with the in-memory store
  %s

  # Run with a config file and text logs
  %s --config=/etc/backtrack/config.yaml --log-format=text

Version: %s
Build: %s
`, appName, appName, appName, appName, Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
