// Package memory is an in-process storage backend. It keeps poses in insertion order per device and
// joined items keyed by (device, epc). Hooks let tests inject store failures.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/backtrack/errors"
	"github.com/c360/backtrack/storage"
	"github.com/c360/backtrack/types"
)

type locationKey struct {
	deviceID string
	epc      string
}

// Store implements storage.Backend in memory.
type Store struct {
	mu        sync.RWMutex
	poses     map[string][]types.PoseRecord
	locations map[locationKey]types.IntermediateLocationItem
	closed    bool

	// QueryErr, when set, is returned by PosesInWindow.
	QueryErr error
	// SaveErr, when set, is returned by Save.
	SaveErr error

	queries int
	saves   int
}

var _ storage.Backend = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		poses:     make(map[string][]types.PoseRecord),
		locations: make(map[locationKey]types.IntermediateLocationItem),
	}
}

// PosesInWindow returns the device's poses with from <= Timestamp <= to in insertion order.
func (s *Store) PosesInWindow(ctx context.Context, deviceID string, from, to int64) ([]types.PoseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.queries++
	queryErr := s.QueryErr
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return nil, storage.ErrClosed
	}
	if queryErr != nil {
		return nil, queryErr
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.PoseRecord, 0)
	for _, rec := range s.poses[deviceID] {
		if rec.Timestamp >= from && rec.Timestamp <= to {
			rec.Pose = rec.Pose.Clone()
			out = append(out, rec)
		}
	}
	return out, nil
}

// PutPose appends a pose. A pose with the same (device, timestamp) replaces the earlier one in place.
func (s *Store) PutPose(ctx context.Context, rec types.PoseRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	rec.Pose = rec.Pose.Clone()
	list := s.poses[rec.DeviceID]
	for i := range list {
		if list[i].Timestamp == rec.Timestamp {
			list[i] = rec
			return nil
		}
	}
	s.poses[rec.DeviceID] = append(list, rec)
	return nil
}

// Save creates or overwrites the item.
func (s *Store) Save(ctx context.Context, item types.IntermediateLocationItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.saves++
	if s.closed {
		return storage.ErrClosed
	}
	if s.SaveErr != nil {
		return s.SaveErr
	}

	item.UpdaterPose = item.UpdaterPose.Clone()
	item.ChannelEstimates = types.CloneChannelEstimates(item.ChannelEstimates)
	s.locations[locationKey{item.DeviceID, item.EPC}] = item
	return nil
}

// Location returns a stored item.
func (s *Store) Location(_ context.Context, deviceID, epc string) (types.IntermediateLocationItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.locations[locationKey{deviceID, epc}]
	if !ok {
		return types.IntermediateLocationItem{}, fmt.Errorf("location %s/%s: %w", deviceID, epc, errors.ErrKeyNotFound)
	}
	return item, nil
}

// Locations returns every stored item.
func (s *Store) Locations() []types.IntermediateLocationItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.IntermediateLocationItem, 0, len(s.locations))
	for _, item := range s.locations {
		out = append(out, item)
	}
	return out
}

// SaveCalls counts Save invocations, failed ones included.
func (s *Store) SaveCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// QueryCalls counts PosesInWindow invocations.
func (s *Store) QueryCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
