package locationjoin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/backtrack/changes"
	"github.com/c360/backtrack/errors"
	"github.com/c360/backtrack/health"
	"github.com/c360/backtrack/metric"
	"github.com/c360/backtrack/natsclient"
	"github.com/c360/backtrack/pkg/worker"
)

// Consumer delivers JetStream messages from a durable consumer.
type Consumer interface {
	Consume(ctx context.Context, cfg natsclient.ConsumerConfig, handler natsclient.MessageHandler) error
}

// ComponentConfig configures the stream consumer in front of the joiner.
type ComponentConfig struct {
	Consumer  natsclient.ConsumerConfig
	Workers   int
	QueueSize int
	NakDelay  time.Duration
}

// Dependencies are the shared services a component reports to. All fields are optional.
type Dependencies struct {
	Monitor  *health.Monitor
	Registry *metric.MetricsRegistry
	Logger   *slog.Logger
}

// Component consumes change batches from JetStream and hands each to the joiner on a worker pool.
// A batch is acked when every record was joined, skipped or failed permanently, nak'ed for
// redelivery when any record failed transiently and terminated when it cannot be decoded.
type Component struct {
	name     string
	joiner   *Joiner
	consumer Consumer
	cfg      ComponentConfig
	monitor  *health.Monitor
	registry *metric.MetricsRegistry
	core     *metric.Metrics
	logger   *slog.Logger

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	pool        *worker.Pool[jetstream.Msg]

	batches   atomic.Int64
	records   atomic.Int64
	redeliver atomic.Int64
	discarded atomic.Int64
}

// NewComponent wires a joiner to a consumer.
func NewComponent(name string, joiner *Joiner, consumer Consumer, cfg ComponentConfig, deps Dependencies) (*Component, error) {
	if joiner == nil || consumer == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "LocationJoinComponent", "NewComponent", "joiner and consumer are required")
	}
	if cfg.Consumer.Stream == "" || cfg.Consumer.Durable == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "LocationJoinComponent", "NewComponent", "stream and durable consumer name are required")
	}
	if name == "" {
		name = "locationjoin"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Component{
		name:     name,
		joiner:   joiner,
		consumer: consumer,
		cfg:      cfg,
		monitor:  deps.Monitor,
		registry: deps.Registry,
		logger:   logger.With("component", name),
	}
	if deps.Registry != nil {
		c.core = deps.Registry.CoreMetrics()
	}
	return c, nil
}

// Name returns the component name used for health and metrics.
func (c *Component) Name() string {
	return c.name
}

// Start launches the worker pool and attaches the durable consumer.
func (c *Component) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "LocationJoinComponent", "Start", "check running state")
	}

	runCtx, cancel := context.WithCancel(ctx)

	var opts []worker.Option[jetstream.Msg]
	if c.registry != nil {
		opts = append(opts, worker.WithMetricsRegistry[jetstream.Msg](c.registry, c.name+"_pool"))
	}
	pool := worker.NewPool(c.cfg.Workers, c.cfg.QueueSize, c.handleMessage, opts...)
	if err := pool.Start(runCtx); err != nil {
		cancel()
		return errors.WrapFatal(err, "LocationJoinComponent", "Start", "start worker pool")
	}

	err := c.consumer.Consume(runCtx, c.cfg.Consumer, func(ctx context.Context, msg jetstream.Msg) {
		if err := pool.SubmitWait(ctx, msg); err != nil {
			c.logger.Debug("Batch not queued, leaving it for redelivery", "error", err)
			_ = msg.Nak()
		}
	})
	if err != nil {
		cancel()
		_ = pool.Stop(time.Second)
		c.setHealth(health.NewUnhealthy(c.name, "consumer not attached"))
		return errors.WrapTransient(err, "LocationJoinComponent", "Start",
			fmt.Sprintf("consume %s/%s", c.cfg.Consumer.Stream, c.cfg.Consumer.Durable))
	}

	c.pool = pool
	c.cancel = cancel
	c.running = true
	c.setHealth(health.NewHealthy(c.name, "consuming"))

	c.logger.Info("Location join component started",
		"stream", c.cfg.Consumer.Stream,
		"durable", c.cfg.Consumer.Durable,
		"filter_subject", c.cfg.Consumer.FilterSubject,
		"workers", c.cfg.Workers)
	return nil
}

// Stop detaches the consumer and drains queued batches for up to timeout.
func (c *Component) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running {
		return nil
	}

	err := c.pool.Stop(timeout)
	c.cancel()
	c.running = false
	if c.monitor != nil {
		c.monitor.Remove(c.name)
	}

	if err != nil {
		return errors.WrapTransient(err, "LocationJoinComponent", "Stop", "drain worker pool")
	}
	c.logger.Info("Location join component stopped",
		"batches", c.batches.Load(),
		"records", c.records.Load())
	return nil
}

func (c *Component) handleMessage(ctx context.Context, msg jetstream.Msg) error {
	start := time.Now()
	c.batches.Add(1)

	batch, err := changes.DecodeBatch(msg.Data())
	if err != nil {
		c.discarded.Add(1)
		c.core.RecordBatch(c.name, "discarded", 0, time.Since(start))
		c.logger.Error("Discarding undecodable batch", "subject", msg.Subject(), "error", err)
		if termErr := msg.Term(); termErr != nil {
			c.logger.Warn("Failed to terminate message", "error", termErr)
		}
		return errors.WrapInvalid(err, "LocationJoinComponent", "handleMessage", "decode batch")
	}
	c.records.Add(int64(len(batch.Records)))

	result := c.joiner.ProcessBatch(ctx, batch)

	if retry := result.Retryable(); len(retry) > 0 {
		c.redeliver.Add(1)
		c.core.RecordBatch(c.name, "retry", len(batch.Records), time.Since(start))
		c.setHealth(health.NewDegraded(c.name, fmt.Sprintf("%d records failed transiently", len(retry))))
		c.logger.Warn("Batch will be redelivered",
			"records", len(batch.Records),
			"transient_failures", len(retry),
			"first_event_id", retry[0].EventID)
		if nakErr := c.nak(msg); nakErr != nil {
			c.logger.Warn("Failed to nak message", "error", nakErr)
		}
		return errors.WrapTransient(result.Err(), "LocationJoinComponent", "handleMessage", "process batch")
	}

	if failed := result.Failed(); len(failed) > 0 {
		c.logger.Warn("Batch had permanently failed records",
			"records", len(batch.Records),
			"failed", len(failed),
			"first_event_id", failed[0].EventID,
			"error", failed[0].Err)
	}

	if err := msg.Ack(); err != nil {
		c.core.RecordBatch(c.name, "ack_failed", len(batch.Records), time.Since(start))
		c.logger.Warn("Failed to ack message", "error", err)
		return errors.WrapTransient(err, "LocationJoinComponent", "handleMessage", "ack batch")
	}
	c.core.RecordBatch(c.name, "ok", len(batch.Records), time.Since(start))
	c.setHealth(health.NewHealthy(c.name, "consuming"))
	return nil
}

func (c *Component) nak(msg jetstream.Msg) error {
	if c.cfg.NakDelay > 0 {
		return msg.NakWithDelay(c.cfg.NakDelay)
	}
	return msg.Nak()
}

func (c *Component) setHealth(status health.Status) {
	if c.monitor == nil {
		return
	}
	status = status.WithMetrics(&health.Metrics{
		MessagesProcessed: c.records.Load(),
		ErrorCount:        int(c.redeliver.Load() + c.discarded.Load()),
		LastActivity:      time.Now(),
	})
	c.monitor.Update(c.name, status)
}

// Stats reports batch counters.
type Stats struct {
	Batches     int64 `json:"batches"`
	Records     int64 `json:"records"`
	Redelivered int64 `json:"redelivered"`
	Discarded   int64 `json:"discarded"`
}

// Stats returns the component counters.
func (c *Component) Stats() Stats {
	return Stats{
		Batches:     c.batches.Load(),
		Records:     c.records.Load(),
		Redelivered: c.redeliver.Load(),
		Discarded:   c.discarded.Load(),
	}
}
