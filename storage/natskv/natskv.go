// Package natskv stores poses and joined items in NATS JetStream key-value buckets.
//
// Pose keys are "<device>.<timestamp>" with the timestamp biased and zero padded to twenty digits
// so lexical key order is time order. Location keys are "<device>.<epc>". Device and EPC tokens are
// base64url encoded so arbitrary identifiers stay within the KV key alphabet and never contain dots.
package natskv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/backtrack/errors"
	"github.com/c360/backtrack/natsclient"
	"github.com/c360/backtrack/storage"
	"github.com/c360/backtrack/types"
)

// Config names the buckets and bounds each operation.
type Config struct {
	PoseBucket     string             `json:"pose_bucket"     yaml:"pose_bucket"     env:"POSE_BUCKET"`
	LocationBucket string             `json:"location_bucket" yaml:"location_bucket" env:"LOCATION_BUCKET"`
	Replicas       int                `json:"replicas"        yaml:"replicas"        env:"REPLICAS"`
	PoseTTL        time.Duration      `json:"pose_ttl"        yaml:"pose_ttl"        env:"POSE_TTL"`
	Timeout        time.Duration      `json:"timeout"         yaml:"timeout"         env:"TIMEOUT"`
	Retry          errors.RetryConfig `json:"retry"           yaml:"retry"           envPrefix:"RETRY_"`
}

// DefaultConfig returns bucket names derived from the default table names.
func DefaultConfig() Config {
	return Config{
		PoseBucket:     "UPDATER_HISTORY",
		LocationBucket: "INTERMEDIATE_LOCATIONS",
		Replicas:       1,
		Timeout:        5 * time.Second,
		Retry:          errors.DefaultRetryConfig(),
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.PoseBucket == "" || c.LocationBucket == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "natskv", "Validate", "bucket names are required")
	}
	if c.PoseBucket == c.LocationBucket {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "natskv", "Validate", "pose and location buckets must differ")
	}
	if c.Timeout < 0 || c.PoseTTL < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "natskv", "Validate", "durations cannot be negative")
	}
	return nil
}

// KV is the part of natsclient.KVStore the backend uses.
type KV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Keys(ctx context.Context, filter string) ([]string, error)
}

// Store implements storage.Backend on two KV buckets.
type Store struct {
	poses     KV
	locations KV
	retry     errors.RetryConfig
	logger    *slog.Logger
	closed    atomic.Bool
}

var _ storage.Backend = (*Store)(nil)

// Open creates or attaches to the configured buckets.
func Open(ctx context.Context, client *natsclient.Client, cfg Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	replicas := cfg.Replicas
	if replicas < 1 {
		replicas = 1
	}

	poseBucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.PoseBucket,
		Description: "device pose history",
		History:     1,
		TTL:         cfg.PoseTTL,
		Replicas:    replicas,
	})
	if err != nil {
		return nil, err
	}
	locationBucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.LocationBucket,
		Description: "joined intermediate location items",
		History:     1,
		Replicas:    replicas,
	})
	if err != nil {
		return nil, err
	}

	return New(
		client.NewKVStore(poseBucket, cfg.Timeout),
		client.NewKVStore(locationBucket, cfg.Timeout),
		cfg.Retry,
		logger,
	), nil
}

// New builds a store over existing key-value handles.
func New(poses, locations KV, retry errors.RetryConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		poses:     poses,
		locations: locations,
		retry:     retry,
		logger:    logger.With("component", "natskv"),
	}
}

// emptyToken stands for the empty identifier. Unpadded base64 never produces '='.
const emptyToken = "="

// EncodeToken makes an identifier safe to use as a single, non-empty key token.
func EncodeToken(id string) string {
	if id == "" {
		return emptyToken
	}
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// EncodeTimestamp maps a signed millisecond timestamp onto a fixed-width, order-preserving token.
func EncodeTimestamp(ts int64) string {
	return fmt.Sprintf("%020d", uint64(ts)^(1<<63))
}

// DecodeTimestamp reverses EncodeTimestamp.
func DecodeTimestamp(token string) (int64, error) {
	u, err := strconv.ParseUint(token, 10, 64)
	if err != nil {
		return 0, err
	}
	return int64(u ^ (1 << 63)), nil
}

// PoseKey is the key of a pose record.
func PoseKey(deviceID string, ts int64) string {
	return EncodeToken(deviceID) + "." + EncodeTimestamp(ts)
}

// LocationKey is the key of a joined item.
func LocationKey(deviceID, epc string) string {
	return EncodeToken(deviceID) + "." + EncodeToken(epc)
}

// PosesInWindow lists the device's pose keys, keeps those inside [from, to] and reads them.
func (s *Store) PosesInWindow(ctx context.Context, deviceID string, from, to int64) ([]types.PoseRecord, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}

	var out []types.PoseRecord
	err := s.retry.Retry(ctx, func() error {
		recs, err := s.posesInWindow(ctx, deviceID, from, to)
		if err != nil {
			return err
		}
		out = recs
		return nil
	})
	if err != nil {
		if errors.IsInvalid(err) {
			return nil, err
		}
		return nil, errors.WrapTransient(err, "natskv", "PosesInWindow", fmt.Sprintf("query poses of %s", deviceID))
	}
	return out, nil
}

func (s *Store) posesInWindow(ctx context.Context, deviceID string, from, to int64) ([]types.PoseRecord, error) {
	prefix := EncodeToken(deviceID) + "."
	keys, err := s.poses.Keys(ctx, prefix+"*")
	if err != nil {
		return nil, err
	}

	out := make([]types.PoseRecord, 0)
	for _, key := range keys {
		ts, err := DecodeTimestamp(strings.TrimPrefix(key, prefix))
		if err != nil {
			s.logger.Warn("Skipping malformed pose key", "key", key, "error", err)
			continue
		}
		if ts < from || ts > to {
			continue
		}

		entry, err := s.poses.Get(ctx, key)
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			continue // deleted between list and get
		}
		if err != nil {
			return nil, err
		}

		var rec types.PoseRecord
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			return nil, errors.WrapInvalid(errors.ErrDataCorrupted, "natskv", "PosesInWindow",
				fmt.Sprintf("decode pose %s: %v", key, err))
		}
		out = append(out, rec)
	}
	return out, nil
}

// PutPose writes a pose, replacing one with the same device and timestamp.
func (s *Store) PutPose(ctx context.Context, rec types.PoseRecord) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "natskv", "PutPose", "encode pose")
	}
	return s.put(ctx, s.poses, "PutPose", PoseKey(rec.DeviceID, rec.Timestamp), data)
}

// Save writes a joined item, overwriting the previous one with the same identity.
func (s *Store) Save(ctx context.Context, item types.IntermediateLocationItem) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	data, err := json.Marshal(item)
	if err != nil {
		return errors.WrapInvalid(err, "natskv", "Save", "encode location item")
	}
	return s.put(ctx, s.locations, "Save", LocationKey(item.DeviceID, item.EPC), data)
}

func (s *Store) put(ctx context.Context, kv KV, method, key string, data []byte) error {
	err := s.retry.Retry(ctx, func() error {
		_, err := kv.Put(ctx, key, data)
		return err
	})
	if err != nil {
		return errors.WrapTransient(err, "natskv", method, fmt.Sprintf("put %s", key))
	}
	return nil
}

// Location reads a joined item.
func (s *Store) Location(ctx context.Context, deviceID, epc string) (types.IntermediateLocationItem, error) {
	var item types.IntermediateLocationItem
	if s.closed.Load() {
		return item, storage.ErrClosed
	}

	entry, err := s.locations.Get(ctx, LocationKey(deviceID, epc))
	if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
		return item, fmt.Errorf("location %s/%s: %w", deviceID, epc, errors.ErrKeyNotFound)
	}
	if err != nil {
		return item, errors.WrapTransient(err, "natskv", "Location", "get location")
	}
	if err := json.Unmarshal(entry.Value, &item); err != nil {
		return item, errors.WrapInvalid(errors.ErrDataCorrupted, "natskv", "Location", err.Error())
	}
	return item, nil
}

// Close detaches the store; the NATS client stays open.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}
