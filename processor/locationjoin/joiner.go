// Package locationjoin turns measurement creation notifications into intermediate location items:
// each measurement is joined with the latest pose of its device inside a small window around the
// read and the result is written to the location queue.
package locationjoin

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	otelattr "go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/c360/backtrack/changes"
	"github.com/c360/backtrack/decoder"
	"github.com/c360/backtrack/errors"
	"github.com/c360/backtrack/metric"
	"github.com/c360/backtrack/poselookup"
	"github.com/c360/backtrack/schema"
	"github.com/c360/backtrack/storage"
	"github.com/c360/backtrack/types"
)

const tracerName = "github.com/c360/backtrack/processor/locationjoin"

// Config holds the join parameters.
type Config struct {
	WindowMs             int64   `json:"window_ms"             yaml:"window_ms"             env:"WINDOW_MS"`
	BatchConcurrency     int     `json:"batch_concurrency"     yaml:"batch_concurrency"     env:"BATCH_CONCURRENCY"`
	OutputSubject        string  `json:"output_subject"        yaml:"output_subject"        env:"OUTPUT_SUBJECT"`
	OrientationTolerance float64 `json:"orientation_tolerance" yaml:"orientation_tolerance" env:"ORIENTATION_TOLERANCE"`
}

// DefaultConfig returns a ±10ms window processed sequentially.
func DefaultConfig() Config {
	return Config{
		WindowMs:             poselookup.DefaultWindowMs,
		BatchConcurrency:     1,
		OrientationTolerance: 1e-3,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.WindowMs < 0 {
		return errors.WrapInvalid(poselookup.ErrNegativeWindow, "locationjoin", "Validate", "check window_ms")
	}
	if c.BatchConcurrency < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "locationjoin", "Validate", "batch_concurrency must be at least 1")
	}
	if c.OrientationTolerance < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "locationjoin", "Validate", "orientation_tolerance must not be negative")
	}
	return nil
}

// Publisher forwards joined items to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Joiner processes change notifications. It is safe for concurrent use.
type Joiner struct {
	cfg       Config
	schema    schema.Schema
	lookup    *poselookup.Lookup
	queue     storage.LocationQueue
	publisher Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *joinMetrics
	registry  metric.MetricsRegistrar
}

// Option configures a Joiner.
type Option func(*Joiner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Joiner) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// WithSchema overrides the attribute names used to decode images.
func WithSchema(s schema.Schema) Option {
	return func(j *Joiner) { j.schema = s }
}

// WithMetrics registers the joiner metrics with registry.
func WithMetrics(registry metric.MetricsRegistrar) Option {
	return func(j *Joiner) { j.registry = registry }
}

// WithTracer replaces the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(j *Joiner) { j.tracer = tracer }
}

// WithPublisher publishes every saved item to cfg.OutputSubject.
func WithPublisher(p Publisher) Option {
	return func(j *Joiner) { j.publisher = p }
}

// New creates a joiner reading poses from poses and writing items to queue.
func New(poses storage.PoseStore, queue storage.LocationQueue, cfg Config, opts ...Option) (*Joiner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if queue == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "locationjoin", "New", "location queue is required")
	}
	lookup, err := poselookup.New(poses, cfg.WindowMs)
	if err != nil {
		return nil, errors.WrapInvalid(err, "locationjoin", "New", "create pose lookup")
	}

	j := &Joiner{
		cfg:    cfg,
		schema: schema.Default(),
		lookup: lookup,
		queue:  queue,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(j)
	}
	if err := j.schema.Validate(); err != nil {
		return nil, err
	}
	j.logger = j.logger.With("component", "locationjoin")

	if j.registry != nil {
		m, err := newJoinMetrics(j.registry)
		if err != nil {
			j.logger.Warn("Joiner metrics disabled", "error", err)
		}
		j.metrics = m
	}
	return j, nil
}

// Close unregisters the joiner metrics.
func (j *Joiner) Close() {
	if j.metrics != nil && j.registry != nil {
		j.metrics.unregister(j.registry)
		j.metrics = nil
	}
}

// Process handles one notification. Notifications that are not creations return nil without side
// effects, even when their images were unreadable. A creation either writes exactly one item or
// returns a *JoinError.
func (j *Joiner) Process(ctx context.Context, n changes.Notification) error {
	_, err := j.process(ctx, n)
	return err
}

func (j *Joiner) process(ctx context.Context, n changes.Notification) (Status, error) {
	if !changes.IsCreation(n) {
		j.metrics.recordStatus(StatusSkipped)
		j.logger.Debug("Skipping notification", "event_id", n.EventID, "kind", n.Kind.String())
		return StatusSkipped, nil
	}

	ctx, span := j.tracer.Start(ctx, "locationjoin.Process",
		trace.WithAttributes(otelattr.String("backtrack.event_id", n.EventID)))
	defer span.End()

	item, err := j.join(ctx, n, span)
	if err != nil {
		var je *JoinError
		if stderrors.As(err, &je) {
			j.metrics.recordFailure(je.Kind)
		}
		j.metrics.recordStatus(StatusFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return StatusFailed, err
	}

	j.metrics.recordStatus(StatusJoined)
	j.publish(ctx, item)
	return StatusJoined, nil
}

func (j *Joiner) join(ctx context.Context, n changes.Notification, span trace.Span) (types.IntermediateLocationItem, error) {
	if n.DecodeErr != nil {
		j.logger.Debug("Unreadable notification", "event_id", n.EventID, "error", n.DecodeErr)
		return types.IntermediateLocationItem{}, &JoinError{Kind: KindDecode, EventID: n.EventID, Err: n.DecodeErr}
	}
	m, err := decoder.Decode(n.NewImage, j.schema.Attributes)
	if err != nil {
		j.logger.Debug("Undecodable measurement", "event_id", n.EventID, "error", err)
		return types.IntermediateLocationItem{}, &JoinError{Kind: KindDecode, EventID: n.EventID, Err: err}
	}
	span.SetAttributes(
		otelattr.String("backtrack.device_id", m.DeviceID),
		otelattr.String("backtrack.epc", m.EPC),
		otelattr.Int64("backtrack.timestamp", m.Timestamp),
	)

	fail := func(kind Kind, err error) (types.IntermediateLocationItem, error) {
		return types.IntermediateLocationItem{}, &JoinError{
			Kind: kind, EventID: n.EventID, DeviceID: m.DeviceID, EPC: m.EPC, Err: err,
		}
	}

	start := time.Now()
	res, err := j.lookup.FindNearest(ctx, m.DeviceID, m.Timestamp)
	j.metrics.recordLookup(time.Since(start), ignoreNotFound(err))
	switch {
	case stderrors.Is(err, poselookup.ErrNotFound):
		j.logger.Warn("No pose within window",
			"event_id", n.EventID,
			"device_id", m.DeviceID,
			"epc", m.EPC,
			"timestamp", m.Timestamp,
			"window_ms", j.lookup.WindowMs())
		return fail(KindNoPoseMatch, err)
	case err != nil:
		j.logger.Error("Pose lookup failed", "event_id", n.EventID, "device_id", m.DeviceID, "error", err)
		return fail(KindLookup, err)
	}

	offset := res.Offset(m.Timestamp)
	j.metrics.recordMatch(res.Candidates, offset)
	span.SetAttributes(
		otelattr.Int("backtrack.pose_candidates", res.Candidates),
		otelattr.Int64("backtrack.pose_offset_ms", offset),
	)

	pose := res.Record.Pose
	if pose.HasOrientation() && !pose.IsUnitOrientation(j.cfg.OrientationTolerance) {
		j.metrics.recordWarning("non_unit_orientation")
		j.logger.Warn("Pose orientation is not a unit quaternion",
			"device_id", m.DeviceID,
			"pose_timestamp", res.Record.Timestamp,
			"norm", pose.OrientationNorm())
	}

	item := types.NewIntermediateLocationItem(m, res.Record)

	start = time.Now()
	err = j.queue.Save(ctx, item)
	j.metrics.recordSave(time.Since(start), err)
	if err != nil {
		j.logger.Error("Failed to save location item",
			"event_id", n.EventID,
			"device_id", m.DeviceID,
			"epc", m.EPC,
			"error", err)
		return fail(KindPersist, err)
	}

	j.logger.Debug("Joined measurement",
		"event_id", n.EventID,
		"device_id", m.DeviceID,
		"epc", m.EPC,
		"pose_timestamp", res.Record.Timestamp,
		"candidates", res.Candidates)
	return item, nil
}

func ignoreNotFound(err error) error {
	if stderrors.Is(err, poselookup.ErrNotFound) {
		return nil
	}
	return err
}

// publish forwards a saved item. A failed publish is logged and counted; the item is already
// durable in the location queue.
func (j *Joiner) publish(ctx context.Context, item types.IntermediateLocationItem) {
	if j.publisher == nil || j.cfg.OutputSubject == "" {
		return
	}
	data, err := json.Marshal(item)
	if err == nil {
		err = j.publisher.Publish(ctx, j.cfg.OutputSubject, data)
	}
	if err != nil {
		j.metrics.recordWarning("publish")
		j.logger.Warn("Failed to publish location item",
			"subject", j.cfg.OutputSubject,
			"device_id", item.DeviceID,
			"epc", item.EPC,
			"error", err)
	}
}

// Status is the per-notification result of a batch.
type Status string

// Notification statuses.
const (
	StatusSkipped Status = "skipped"
	StatusJoined  Status = "joined"
	StatusFailed  Status = "failed"
)

// Outcome is the result for one notification of a batch.
type Outcome struct {
	EventID string
	Status  Status
	Err     error
}

// BatchResult holds one outcome per record, in batch order.
type BatchResult struct {
	Outcomes []Outcome
}

// Count returns how many outcomes have status.
func (r BatchResult) Count(status Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Failed returns the failed outcomes.
func (r BatchResult) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			out = append(out, o)
		}
	}
	return out
}

// Retryable returns the failed outcomes whose redelivery may succeed.
func (r BatchResult) Retryable() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed && IsRetryable(o.Err) {
			out = append(out, o)
		}
	}
	return out
}

// Err joins the errors of all failed outcomes, or nil.
func (r BatchResult) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return stderrors.Join(errs...)
}

// ProcessBatch processes every record of the batch. A failing record never stops its siblings.
// Up to Config.BatchConcurrency records are in flight at once.
func (j *Joiner) ProcessBatch(ctx context.Context, batch changes.Batch) BatchResult {
	outcomes := make([]Outcome, len(batch.Records))

	var g errgroup.Group
	g.SetLimit(j.cfg.BatchConcurrency)
	for i, n := range batch.Records {
		g.Go(func() error {
			status, err := j.process(ctx, n)
			outcomes[i] = Outcome{EventID: n.EventID, Status: status, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	result := BatchResult{Outcomes: outcomes}
	j.logger.Debug("Processed batch",
		"records", len(outcomes),
		"joined", result.Count(StatusJoined),
		"skipped", result.Count(StatusSkipped),
		"failed", result.Count(StatusFailed))
	return result
}
