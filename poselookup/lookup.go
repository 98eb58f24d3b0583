// Package poselookup finds the device pose that was current when a measurement was taken.
//
// The lookup queries the pose store for every pose of the device within [t-w, t+w] and keeps the
// one with the largest timestamp. Ties keep the first candidate returned by the store. An empty
// window is ErrNotFound.
package poselookup

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360/backtrack/storage"
	"github.com/c360/backtrack/types"
)

// DefaultWindowMs is the half-width of the search window in milliseconds.
const DefaultWindowMs int64 = 10

// ErrNotFound means no pose of the device fell inside the window.
var ErrNotFound = errors.New("no pose in window")

// ErrNegativeWindow is returned when a lookup is configured with a window below zero.
var ErrNegativeWindow = errors.New("pose window must not be negative")

// Result is the selected pose together with how many candidates were considered.
type Result struct {
	Record     types.PoseRecord
	Candidates int
}

// Offset is the selected pose's timestamp minus the target, in milliseconds.
func (r Result) Offset(target int64) int64 {
	return r.Record.Timestamp - target
}

// Lookup selects poses from a store.
type Lookup struct {
	store    storage.PoseStore
	windowMs int64
}

// New creates a lookup with the given half-width in milliseconds.
func New(store storage.PoseStore, windowMs int64) (*Lookup, error) {
	if store == nil {
		return nil, errors.New("poselookup: nil store")
	}
	if windowMs < 0 {
		return nil, ErrNegativeWindow
	}
	return &Lookup{store: store, windowMs: windowMs}, nil
}

// WindowMs returns the configured half-width.
func (l *Lookup) WindowMs() int64 {
	return l.windowMs
}

// FindNearest returns the latest pose of deviceID within [target-windowMs, target+windowMs].
// Store failures are returned as they are; an empty window is ErrNotFound.
func (l *Lookup) FindNearest(ctx context.Context, deviceID string, target int64) (Result, error) {
	return l.find(ctx, deviceID, target, l.windowMs)
}

// FindNearestWithin is FindNearest with an explicit half-width.
func (l *Lookup) FindNearestWithin(ctx context.Context, deviceID string, target, windowMs int64) (Result, error) {
	if windowMs < 0 {
		return Result{}, ErrNegativeWindow
	}
	return l.find(ctx, deviceID, target, windowMs)
}

func (l *Lookup) find(ctx context.Context, deviceID string, target, windowMs int64) (Result, error) {
	from, to := Window(target, windowMs)

	candidates, err := l.store.PosesInWindow(ctx, deviceID, from, to)
	if err != nil {
		return Result{}, err
	}

	best, n, ok := Latest(candidates, deviceID, from, to)
	if !ok {
		return Result{Candidates: n}, fmt.Errorf("device %s at %d (+/-%dms): %w", deviceID, target, windowMs, ErrNotFound)
	}
	return Result{Record: best, Candidates: n}, nil
}

// Window returns the inclusive bounds around target, saturating at the int64 limits.
func Window(target, windowMs int64) (from, to int64) {
	const maxInt64 = int64(^uint64(0) >> 1)
	const minInt64 = -maxInt64 - 1

	from = target - windowMs
	if from > target {
		from = minInt64
	}
	to = target + windowMs
	if to < target {
		to = maxInt64
	}
	return from, to
}

// Latest folds candidates to the one with the greatest timestamp. Records for other devices or
// outside [from, to] are ignored; the count reports how many were eligible. Among equal timestamps
// the first eligible record wins.
func Latest(candidates []types.PoseRecord, deviceID string, from, to int64) (types.PoseRecord, int, bool) {
	var best types.PoseRecord
	n := 0
	for _, c := range candidates {
		if c.DeviceID != deviceID || c.Timestamp < from || c.Timestamp > to {
			continue
		}
		if n == 0 || c.Timestamp > best.Timestamp {
			best = c
		}
		n++
	}
	return best, n, n > 0
}
