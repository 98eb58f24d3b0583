// Package storage defines the contracts between the joiner and the stores it reads poses from and
// writes joined items to. Backends live in sub-packages:
//   - memory: in-process maps, for tests and dry runs
//   - natskv: NATS JetStream key-value buckets
//   - sqlite: an embedded SQLite database with versioned migrations
//   - dynamo: the DynamoDB tables the measurement stream originates from
//
// All implementations must be safe for concurrent use from multiple goroutines.
package storage

import (
	"context"
	"errors"

	"github.com/c360/backtrack/types"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("store closed")

// PoseStore is read-only access to the pose history.
type PoseStore interface {
	// PosesInWindow returns every pose of deviceID whose timestamp t satisfies from <= t <= to,
	// read with strong consistency so poses written before the call are visible. The order of the
	// result is unspecified. No match is an empty slice, not an error.
	PosesInWindow(ctx context.Context, deviceID string, from, to int64) ([]types.PoseRecord, error)
}

// PoseWriter records poses. The joiner never writes poses; the replay tool and tests do.
type PoseWriter interface {
	PutPose(ctx context.Context, rec types.PoseRecord) error
}

// LocationQueue receives joined items.
type LocationQueue interface {
	// Save creates or overwrites the item keyed by (DeviceID, EPC). Saving the same item twice
	// leaves one record.
	Save(ctx context.Context, item types.IntermediateLocationItem) error
}

// LocationReader reads joined items back by identity.
type LocationReader interface {
	// Location returns the item for (deviceID, epc) or an error wrapping errors.ErrKeyNotFound.
	Location(ctx context.Context, deviceID, epc string) (types.IntermediateLocationItem, error)
}

// Backend bundles everything a storage implementation offers.
type Backend interface {
	PoseStore
	PoseWriter
	LocationQueue
	LocationReader
	Close() error
}
