// Package poseingest feeds the pose history from a JetStream subject. Each message carries one
// JSON-encoded types.PoseRecord; it is written to the pose store and acked. Malformed records are
// terminated, store failures are nak'ed for redelivery.
package poseingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/backtrack/errors"
	"github.com/c360/backtrack/health"
	"github.com/c360/backtrack/natsclient"
	"github.com/c360/backtrack/storage"
	"github.com/c360/backtrack/types"
)

// Consumer delivers JetStream messages from a durable consumer.
type Consumer interface {
	Consume(ctx context.Context, cfg natsclient.ConsumerConfig, handler natsclient.MessageHandler) error
}

// Component writes consumed poses to a store.
type Component struct {
	name     string
	store    storage.PoseWriter
	consumer Consumer
	cfg      natsclient.ConsumerConfig
	monitor  *health.Monitor
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	written  atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64
}

// New creates the component. monitor and logger may be nil.
func New(store storage.PoseWriter, consumer Consumer, cfg natsclient.ConsumerConfig, monitor *health.Monitor, logger *slog.Logger) (*Component, error) {
	if store == nil || consumer == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "PoseIngest", "New", "store and consumer are required")
	}
	if cfg.Stream == "" || cfg.Durable == "" || cfg.FilterSubject == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "PoseIngest", "New", "stream, durable and subject are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		name:     "poseingest",
		store:    store,
		consumer: consumer,
		cfg:      cfg,
		monitor:  monitor,
		logger:   logger.With("component", "poseingest"),
	}, nil
}

// Start attaches the consumer.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "PoseIngest", "Start", "check running state")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := c.consumer.Consume(runCtx, c.cfg, c.handle); err != nil {
		cancel()
		c.report(health.NewUnhealthy(c.name, "consumer not attached"))
		return errors.WrapTransient(err, "PoseIngest", "Start", fmt.Sprintf("consume %s", c.cfg.FilterSubject))
	}
	c.cancel = cancel
	c.running = true
	c.report(health.NewHealthy(c.name, "consuming"))
	c.logger.Info("Pose ingest started", "stream", c.cfg.Stream, "subject", c.cfg.FilterSubject)
	return nil
}

// Stop detaches the consumer.
func (c *Component) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.cancel()
	c.running = false
	if c.monitor != nil {
		c.monitor.Remove(c.name)
	}
	c.logger.Info("Pose ingest stopped", "written", c.written.Load(), "rejected", c.rejected.Load())
}

func (c *Component) handle(ctx context.Context, msg jetstream.Msg) {
	rec, err := Decode(msg.Data())
	if err != nil {
		c.rejected.Add(1)
		c.logger.Warn("Rejecting pose", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return
	}

	if err := c.store.PutPose(ctx, rec); err != nil {
		c.failed.Add(1)
		c.report(health.NewDegraded(c.name, "pose store write failed"))
		c.logger.Error("Failed to store pose", "device_id", rec.DeviceID, "timestamp", rec.Timestamp, "error", err)
		_ = msg.Nak()
		return
	}

	c.written.Add(1)
	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ack pose", "error", err)
		return
	}
	c.report(health.NewHealthy(c.name, "consuming"))
}

func (c *Component) report(status health.Status) {
	if c.monitor == nil {
		return
	}
	c.monitor.Update(c.name, status.WithMetrics(&health.Metrics{
		MessagesProcessed: c.written.Load(),
		ErrorCount:        int(c.rejected.Load() + c.failed.Load()),
		LastActivity:      time.Now(),
	}))
}

// Written is the number of poses stored.
func (c *Component) Written() int64 {
	return c.written.Load()
}

// Rejected is the number of malformed messages terminated.
func (c *Component) Rejected() int64 {
	return c.rejected.Load()
}

// Decode parses a JSON pose record and checks its identity fields.
func Decode(data []byte) (types.PoseRecord, error) {
	var rec types.PoseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.PoseRecord{}, errors.WrapInvalid(err, "PoseIngest", "Decode", "unmarshal pose")
	}
	if rec.DeviceID == "" {
		return types.PoseRecord{}, errors.WrapInvalid(errors.ErrInvalidData, "PoseIngest", "Decode", "device_id is required")
	}
	if len(rec.Pose) == 0 {
		return types.PoseRecord{}, errors.WrapInvalid(errors.ErrInvalidData, "PoseIngest", "Decode", "updater_pose is required")
	}
	return rec, nil
}
