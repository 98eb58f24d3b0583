package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/backtrack/errors"
	"github.com/c360/backtrack/types"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "backtrack.db")
	s, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_Migrates(t *testing.T) {
	s := openTemp(t)

	version, dirty, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := Open(ctx, Config{Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, s.PutPose(ctx, types.PoseRecord{DeviceID: "D1", Timestamp: 1, Pose: types.Pose{"x": 1}}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Path: path}, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.PosesInWindow(ctx, "D1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestStore_PosesInWindow(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	for _, ts := range []int64{989, 990, 1000, 1010, 1011} {
		require.NoError(t, s.PutPose(ctx, types.PoseRecord{
			DeviceID: "D1", Timestamp: ts, AreaID: "A1",
			Pose: types.Pose{types.PoseX: float64(ts), types.PoseQW: 1},
		}))
	}
	require.NoError(t, s.PutPose(ctx, types.PoseRecord{DeviceID: "D2", Timestamp: 1000, Pose: types.Pose{}}))
	// Same key replaces.
	require.NoError(t, s.PutPose(ctx, types.PoseRecord{DeviceID: "D1", Timestamp: 1000, AreaID: "A2", Pose: types.Pose{types.PoseX: -1}}))

	got, err := s.PosesInWindow(ctx, "D1", 990, 1010)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(990), got[0].Timestamp)
	assert.Equal(t, "A2", got[1].AreaID)
	assert.Equal(t, types.Pose{types.PoseX: -1}, got[1].Pose)
	assert.Equal(t, int64(1010), got[2].Timestamp)

	none, err := s.PosesInWindow(ctx, "D3", 0, 5000)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestStore_SaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	item := types.IntermediateLocationItem{
		DeviceID:         "D1",
		EPC:              "E1",
		AreaID:           "A1",
		Timestamp:        1000,
		UpdaterPose:      types.Pose{types.PoseX: 0.1, types.PoseQW: 1},
		ChannelEstimates: []types.ChannelEstimate{{Real: 0.1, Imag: -0.2}, {Real: 1e-300, Imag: 3}},
	}
	require.NoError(t, s.Save(ctx, item))
	require.NoError(t, s.Save(ctx, item))

	n, err := s.CountLocations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Location(ctx, "D1", "E1")
	require.NoError(t, err)
	if diff := cmp.Diff(item, got); diff != "" {
		t.Errorf("location mismatch (-want +got):\n%s", diff)
	}

	_, err = s.Location(ctx, "D1", "nope")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestStore_InMemory(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{Path: ":memory:"}, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, types.IntermediateLocationItem{DeviceID: "D", EPC: "E"}))
	n, err := s.CountLocations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
