package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360/backtrack/changes"
	"github.com/c360/backtrack/decoder"
	"github.com/c360/backtrack/schema"
	"github.com/c360/backtrack/storage"
	"github.com/c360/backtrack/types"
)

// IdentityPose is a pose at (x, y, 0) with no rotation.
func IdentityPose(x, y float64) types.Pose {
	return types.Pose{
		types.PoseX: x, types.PoseY: y, types.PoseZ: 0,
		types.PoseQX: 0, types.PoseQY: 0, types.PoseQZ: 0, types.PoseQW: 1,
	}
}

// Measurement builds a measurement in area A1 with two channel estimates.
func Measurement(device, epc string, ts int64) types.Measurement {
	return types.Measurement{
		EPC:              epc,
		DeviceID:         device,
		Timestamp:        ts,
		AreaID:           "A1",
		ChannelEstimates: []types.ChannelEstimate{{Real: 1, Imag: 2}, {Real: 3, Imag: 4}},
	}
}

// PoseRecord builds a pose record in area A1.
func PoseRecord(device string, ts int64, pose types.Pose) types.PoseRecord {
	return types.PoseRecord{DeviceID: device, Timestamp: ts, Pose: pose, AreaID: "A1"}
}

// Created wraps m in a creation notification using the default attribute names.
func Created(eventID string, m types.Measurement) changes.Notification {
	return changes.Notification{
		EventID:  eventID,
		Kind:     changes.KindCreated,
		NewImage: decoder.Encode(m, schema.Default().Attributes),
	}
}

// Batch bundles notifications.
func Batch(records ...changes.Notification) changes.Batch {
	return changes.Batch{Records: records}
}

// SeedPoses writes every record to w.
func SeedPoses(t testing.TB, w storage.PoseWriter, recs ...types.PoseRecord) {
	t.Helper()
	for _, rec := range recs {
		require.NoError(t, w.PutPose(context.Background(), rec))
	}
}
