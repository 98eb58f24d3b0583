package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/time/rate"

	"github.com/c360/backtrack/changes"
	"github.com/c360/backtrack/decoder"
	"github.com/c360/backtrack/pkg/timestamp"
	"github.com/c360/backtrack/schema"
	"github.com/c360/backtrack/types"
)

// Line kinds of a replay file.
const (
	KindPose        = "pose"
	KindMeasurement = "measurement"
)

const maxLineSize = 1 << 20

// Publisher sends one message to a JetStream subject.
type Publisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) error
}

// Options controls a replay.
type Options struct {
	MeasurementSubject string
	PoseSubject        string
	BatchSize          int
	// Rate is the publish limit in messages per second; zero or less is unlimited.
	Rate float64
	// Shift is added to every timestamp.
	Shift  time.Duration
	Schema schema.Schema
}

// Stats counts what a replay published.
type Stats struct {
	Lines        int `json:"lines"`
	Poses        int `json:"poses"`
	Measurements int `json:"measurements"`
	Batches      int `json:"batches"`
}

// line is one JSON object of a replay file. Timestamps are milliseconds or RFC3339 strings.
type line struct {
	Kind             string                  `json:"kind"`
	Event            string                  `json:"event,omitempty"`
	EventID          string                  `json:"event_id,omitempty"`
	DeviceID         string                  `json:"device_id"`
	EPC              string                  `json:"epc,omitempty"`
	AreaID           string                  `json:"area_id"`
	Timestamp        json.RawMessage         `json:"timestamp"`
	UpdaterPose      types.Pose              `json:"updater_pose,omitempty"`
	ChannelEstimates []types.ChannelEstimate `json:"channel_estimates,omitempty"`
}

// Replayer publishes the poses and measurements of a JSONL file. Measurements are grouped into
// change batches; a pose line flushes the pending batch first so file order is kept on the wire.
type Replayer struct {
	pub     Publisher
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
	newID   func() string

	pending []changes.Notification
	stats   Stats
}

// NewReplayer validates opts and creates a replayer.
func NewReplayer(pub Publisher, opts Options, logger *slog.Logger) (*Replayer, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if opts.MeasurementSubject == "" || opts.PoseSubject == "" {
		return nil, fmt.Errorf("measurement and pose subjects are required")
	}
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if err := opts.Schema.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	return &Replayer{
		pub:     pub,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With("component", "replay"),
		newID:   uuid.NewString,
	}, nil
}

// Run publishes every line of r. Blank lines and lines starting with # are ignored. The first
// malformed line stops the replay.
func (r *Replayer) Run(ctx context.Context, in io.Reader) (Stats, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	n := 0
	for scanner.Scan() {
		n++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		r.stats.Lines++

		if err := r.handle(ctx, raw); err != nil {
			return r.stats, fmt.Errorf("line %d: %w", n, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return r.stats, fmt.Errorf("read input: %w", err)
	}
	if err := r.flush(ctx); err != nil {
		return r.stats, err
	}
	return r.stats, nil
}

func (r *Replayer) handle(ctx context.Context, raw []byte) error {
	var l line
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&l); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if l.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	ts, err := parseTimestamp(l.Timestamp)
	if err != nil {
		return err
	}
	ts = timestamp.Shift(ts, r.opts.Shift)

	switch l.Kind {
	case KindPose:
		if len(l.UpdaterPose) == 0 {
			return fmt.Errorf("updater_pose is required")
		}
		if err := r.flush(ctx); err != nil {
			return err
		}
		return r.publishPose(ctx, types.PoseRecord{
			DeviceID:  l.DeviceID,
			Timestamp: ts,
			Pose:      l.UpdaterPose,
			AreaID:    l.AreaID,
		})

	case KindMeasurement:
		if l.EPC == "" {
			return fmt.Errorf("epc is required")
		}
		kind := changes.KindCreated
		if l.Event != "" {
			if kind = changes.ParseEventKind(l.Event); kind == changes.KindUnknown {
				return fmt.Errorf("unknown event %q", l.Event)
			}
		}
		id := l.EventID
		if id == "" {
			id = r.newID()
		}
		m := types.Measurement{
			EPC:              l.EPC,
			DeviceID:         l.DeviceID,
			Timestamp:        ts,
			AreaID:           l.AreaID,
			ChannelEstimates: l.ChannelEstimates,
		}
		r.pending = append(r.pending, changes.Notification{
			EventID:  id,
			Kind:     kind,
			NewImage: decoder.Encode(m, r.opts.Schema.Attributes),
		})
		r.stats.Measurements++
		if len(r.pending) >= r.opts.BatchSize {
			return r.flush(ctx)
		}
		return nil

	default:
		return fmt.Errorf("unknown kind %q", l.Kind)
	}
}

func (r *Replayer) publishPose(ctx context.Context, rec types.PoseRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal pose: %w", err)
	}
	msgID := rec.DeviceID + ":" + strconv.FormatInt(rec.Timestamp, 10)
	if err := r.publish(ctx, r.opts.PoseSubject, data, msgID); err != nil {
		return err
	}
	r.stats.Poses++
	return nil
}

func (r *Replayer) flush(ctx context.Context) error {
	if len(r.pending) == 0 {
		return nil
	}
	data, err := json.Marshal(changes.Batch{Records: r.pending})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	if err := r.publish(ctx, r.opts.MeasurementSubject, data, r.newID()); err != nil {
		return err
	}
	r.logger.Debug("Published batch", "records", len(r.pending))
	r.pending = r.pending[:0]
	r.stats.Batches++
	return nil
}

func (r *Replayer) publish(ctx context.Context, subject string, data []byte, msgID string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := r.pub.PublishToStream(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

func parseTimestamp(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("timestamp is required")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("timestamp: %w", err)
		}
		return timestamp.Parse(s)
	}
	return timestamp.Parse(string(raw))
}
