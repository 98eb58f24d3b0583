// Package config holds the configuration of the backtrack binaries.
//
// Configuration is layered: built-in defaults, then an optional YAML or JSON file, then
// environment variables prefixed with BACKTRACK_ (BACKTRACK_NATS_URLS,
// BACKTRACK_JOIN_WINDOW_MS, BACKTRACK_STORE_BACKEND, ...). The result is validated before use.
//
//	cfg, err := config.Load("/etc/backtrack/config.yaml")
//	if err != nil {
//		return err
//	}
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/c360/backtrack/errors"
	"github.com/c360/backtrack/natsclient"
	"github.com/c360/backtrack/pkg/tracing"
	"github.com/c360/backtrack/processor/locationjoin"
	"github.com/c360/backtrack/schema"
	"github.com/c360/backtrack/storage/dynamo"
	"github.com/c360/backtrack/storage/natskv"
	"github.com/c360/backtrack/storage/sqlite"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendSQLite = "sqlite"
	BackendDynamo = "dynamodb"
)

// Config is the complete configuration of a backtrack process.
type Config struct {
	Service ServiceConfig  `json:"service" yaml:"service" envPrefix:"SERVICE_"`
	NATS    NATSConfig     `json:"nats"    yaml:"nats"    envPrefix:"NATS_"`
	Join    JoinConfig     `json:"join"    yaml:"join"    envPrefix:"JOIN_"`
	Store   StoreConfig    `json:"store"   yaml:"store"   envPrefix:"STORE_"`
	Metrics MetricsConfig  `json:"metrics" yaml:"metrics" envPrefix:"METRICS_"`
	Tracing tracing.Config `json:"tracing" yaml:"tracing" envPrefix:"TRACING_"`
}

// ServiceConfig identifies the process and controls its logging.
type ServiceConfig struct {
	Name            string        `json:"name"             yaml:"name"             env:"NAME"`
	LogLevel        string        `json:"log_level"        yaml:"log_level"        env:"LOG_LEVEL"`
	LogFormat       string        `json:"log_format"       yaml:"log_format"       env:"LOG_FORMAT"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// NATSConfig defines the connection and the measurement stream consumer.
type NATSConfig struct {
	URLs           []string      `json:"urls"            yaml:"urls"            env:"URLS" envSeparator:","`
	MaxReconnects  int           `json:"max_reconnects"  yaml:"max_reconnects"  env:"MAX_RECONNECTS"`
	ReconnectWait  time.Duration `json:"reconnect_wait"  yaml:"reconnect_wait"  env:"RECONNECT_WAIT"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	PingInterval   time.Duration `json:"ping_interval"   yaml:"ping_interval"   env:"PING_INTERVAL"`
	DrainTimeout   time.Duration `json:"drain_timeout"   yaml:"drain_timeout"   env:"DRAIN_TIMEOUT"`
	Username       string        `json:"username"        yaml:"username"        env:"USERNAME"`
	Password       string        `json:"password"        yaml:"password"        env:"PASSWORD"`
	Token          string        `json:"token"           yaml:"token"           env:"TOKEN"`
	TLS            TLSConfig     `json:"tls"             yaml:"tls"             envPrefix:"TLS_"`

	Stream        string        `json:"stream"          yaml:"stream"          env:"STREAM"`
	Subject       string        `json:"subject"         yaml:"subject"         env:"SUBJECT"`
	Durable       string        `json:"durable"         yaml:"durable"         env:"DURABLE"`
	PoseSubject   string        `json:"pose_subject"    yaml:"pose_subject"    env:"POSE_SUBJECT"`
	AckWait       time.Duration `json:"ack_wait"        yaml:"ack_wait"        env:"ACK_WAIT"`
	MaxDeliver    int           `json:"max_deliver"     yaml:"max_deliver"     env:"MAX_DELIVER"`
	MaxAckPending int           `json:"max_ack_pending" yaml:"max_ack_pending" env:"MAX_ACK_PENDING"`
}

// TLSConfig for secure NATS connections.
type TLSConfig struct {
	Enabled  bool   `json:"enabled"   yaml:"enabled"   env:"ENABLED"`
	CertFile string `json:"cert_file" yaml:"cert_file" env:"CERT_FILE"`
	KeyFile  string `json:"key_file"  yaml:"key_file"  env:"KEY_FILE"`
	CAFile   string `json:"ca_file"   yaml:"ca_file"   env:"CA_FILE"`
}

// ConsumerConfig returns the durable consumer definition for the measurement stream.
func (n NATSConfig) ConsumerConfig() natsclient.ConsumerConfig {
	return natsclient.ConsumerConfig{
		Stream:        n.Stream,
		Durable:       n.Durable,
		FilterSubject: n.Subject,
		AckWait:       n.AckWait,
		MaxDeliver:    n.MaxDeliver,
		MaxAckPending: n.MaxAckPending,
	}
}

// JoinConfig carries the joiner parameters and the size of the worker pool in front of it.
type JoinConfig struct {
	locationjoin.Config `yaml:",inline"`

	Workers   int           `json:"workers"    yaml:"workers"    env:"WORKERS"`
	QueueSize int           `json:"queue_size" yaml:"queue_size" env:"QUEUE_SIZE"`
	NakDelay  time.Duration `json:"nak_delay"  yaml:"nak_delay"  env:"NAK_DELAY"`
}

// StoreConfig selects the pose store and location queue backend.
type StoreConfig struct {
	Backend string         `json:"backend" yaml:"backend" env:"BACKEND"`
	Schema  schema.Schema  `json:"schema"  yaml:"schema"  envPrefix:"SCHEMA_"`
	NATSKV  natskv.Config  `json:"natskv"  yaml:"natskv"  envPrefix:"NATSKV_"`
	SQLite  sqlite.Config  `json:"sqlite"  yaml:"sqlite"  envPrefix:"SQLITE_"`
	Dynamo  dynamo.Config  `json:"dynamodb" yaml:"dynamodb" envPrefix:"DYNAMODB_"`
}

// MetricsConfig controls the Prometheus and health endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Port    int    `json:"port"    yaml:"port"    env:"PORT"`
	Path    string `json:"path"    yaml:"path"    env:"PATH"`
}

// Addr is the listen address of the metrics server.
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf(":%d", m.Port)
}

// Default returns a configuration that runs against a local NATS server with the in-memory store.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "backtrack",
			LogLevel:        "info",
			LogFormat:       "json",
			ShutdownTimeout: 30 * time.Second,
		},
		NATS: NATSConfig{
			URLs:           []string{"nats://localhost:4222"},
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
			ConnectTimeout: 10 * time.Second,
			PingInterval:   30 * time.Second,
			DrainTimeout:   30 * time.Second,
			Stream:         "MEASUREMENTS",
			Subject:        "backtrack.measurements",
			Durable:        "locationjoin",
			PoseSubject:    "backtrack.poses",
			AckWait:        30 * time.Second,
			MaxDeliver:     5,
			MaxAckPending:  256,
		},
		Join: JoinConfig{
			Config:    locationjoin.DefaultConfig(),
			Workers:   4,
			QueueSize: 64,
			NakDelay:  time.Second,
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			Schema:  schema.Default(),
			NATSKV:  natskv.DefaultConfig(),
			SQLite:  sqlite.DefaultConfig(),
			Dynamo:  dynamo.DefaultConfig(),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
			"Config", "Validate", "validate configuration")
	}

	if c.Service.Name == "" {
		return invalid("service.name is required")
	}
	switch strings.ToLower(c.Service.LogFormat) {
	case "json", "text":
	default:
		return invalid("service.log_format must be json or text, got %q", c.Service.LogFormat)
	}
	switch strings.ToLower(c.Service.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("service.log_level %q is not a level", c.Service.LogLevel)
	}

	if len(c.NATS.URLs) == 0 {
		return invalid("nats.urls is required")
	}
	if c.NATS.Stream == "" || c.NATS.Subject == "" || c.NATS.Durable == "" {
		return invalid("nats.stream, nats.subject and nats.durable are required")
	}
	if c.NATS.ReconnectWait < 0 || c.NATS.ConnectTimeout < 0 || c.NATS.PingInterval < 0 || c.NATS.DrainTimeout < 0 {
		return invalid("nats durations cannot be negative")
	}
	if c.NATS.TLS.Enabled && (c.NATS.TLS.CertFile == "") != (c.NATS.TLS.KeyFile == "") {
		return invalid("nats.tls.cert_file and nats.tls.key_file must be set together")
	}

	if err := c.Join.Config.Validate(); err != nil {
		return err
	}
	if c.Join.Workers < 1 || c.Join.QueueSize < 1 {
		return invalid("join.workers and join.queue_size must be positive")
	}

	if err := c.Store.Schema.Validate(); err != nil {
		return err
	}
	switch c.Store.Backend {
	case BackendMemory, BackendDynamo:
	case BackendNATS:
		if err := c.Store.NATSKV.Validate(); err != nil {
			return err
		}
	case BackendSQLite:
		if c.Store.SQLite.Path == "" {
			return invalid("store.sqlite.path is required")
		}
	default:
		return invalid("store.backend %q is not one of memory, nats, sqlite, dynamodb", c.Store.Backend)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 0 || c.Metrics.Port > 65535) {
		return invalid("metrics.port %d out of range", c.Metrics.Port)
	}
	return c.Tracing.Validate()
}

// String renders the configuration as JSON with credentials masked.
func (c *Config) String() string {
	redacted := *c
	redacted.NATS.Password = mask(c.NATS.Password)
	redacted.NATS.Token = mask(c.NATS.Token)
	data, err := json.Marshal(redacted)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "****"
}
