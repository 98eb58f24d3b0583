package locationjoin

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/backtrack/attribute"
	"github.com/c360/backtrack/changes"
	"github.com/c360/backtrack/decoder"
	"github.com/c360/backtrack/errors"
	"github.com/c360/backtrack/metric"
	"github.com/c360/backtrack/poselookup"
	"github.com/c360/backtrack/schema"
	"github.com/c360/backtrack/storage/memory"
	"github.com/c360/backtrack/testutil"
	"github.com/c360/backtrack/types"
)

var (
	poseP1 = types.Pose{"x": 1, "y": 1, "z": 0, "qx": 0, "qy": 0, "qz": 0, "qw": 1}
	poseP2 = types.Pose{"x": 2, "y": 2, "z": 0, "qx": 0, "qy": 0, "qz": 0, "qw": 1}
)

func newFixture(t *testing.T, opts ...Option) (*Joiner, *memory.Store) {
	t.Helper()
	store := memory.New()
	testutil.SeedPoses(t, store,
		testutil.PoseRecord("D1", 995, poseP1),
		testutil.PoseRecord("D1", 1005, poseP2),
	)

	j, err := New(store, store, DefaultConfig(), opts...)
	require.NoError(t, err)
	return j, store
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.WindowMs = -1
	assert.ErrorIs(t, cfg.Validate(), poselookup.ErrNegativeWindow)

	cfg = DefaultConfig()
	cfg.BatchConcurrency = 0
	assert.True(t, errors.IsInvalid(cfg.Validate()))
}

func TestNew_RequiresStores(t *testing.T) {
	_, err := New(memory.New(), nil, DefaultConfig())
	assert.Error(t, err)

	_, err = New(nil, memory.New(), DefaultConfig())
	assert.Error(t, err)
}

// Scenario A: the later of two in-window poses is selected.
func TestProcess_SelectsLatestPoseInWindow(t *testing.T) {
	j, store := newFixture(t)

	require.NoError(t, j.Process(context.Background(), testutil.Created("ev-1", testutil.Measurement("D1", "E1", 1000))))

	got, err := store.Location(context.Background(), "D1", "E1")
	require.NoError(t, err)
	want := types.IntermediateLocationItem{
		DeviceID:         "D1",
		EPC:              "E1",
		AreaID:           "A1",
		Timestamp:        1000,
		UpdaterPose:      poseP2,
		ChannelEstimates: []types.ChannelEstimate{{Real: 1.0, Imag: 2.0}, {Real: 3.0, Imag: 4.0}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("location item mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, store.SaveCalls())
}

// Scenario B: nothing within [990, 1010].
func TestProcess_NoPoseMatch(t *testing.T) {
	j, store := newFixture(t)

	err := j.Process(context.Background(), testutil.Created("ev-2", testutil.Measurement("D2", "E1", 1000)))
	require.Error(t, err)

	var je *JoinError
	require.True(t, stderrors.As(err, &je))
	assert.Equal(t, KindNoPoseMatch, je.Kind)
	assert.Equal(t, "ev-2", je.EventID)
	assert.Equal(t, "D2", je.DeviceID)
	assert.ErrorIs(t, err, poselookup.ErrNotFound)
	assert.False(t, IsRetryable(err))
	assert.Zero(t, store.SaveCalls())
}

func TestProcess_WindowBoundaries(t *testing.T) {
	tests := []struct {
		name     string
		target   int64
		wantPose types.Pose
		match    bool
	}{
		{"upper bound includes earlier pose", 1005, poseP2, true},
		{"lower bound at window edge", 985, poseP1, true},
		{"one past lower bound", 984, nil, false},
		{"one past upper bound", 1016, nil, false},
		{"upper edge of later pose", 1015, poseP2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, store := newFixture(t)
			err := j.Process(context.Background(), testutil.Created("ev", testutil.Measurement("D1", "E1", tt.target)))
			if !tt.match {
				assert.ErrorIs(t, err, poselookup.ErrNotFound)
				assert.Empty(t, store.Locations())
				return
			}
			require.NoError(t, err)
			got, err := store.Location(context.Background(), "D1", "E1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantPose, got.UpdaterPose)
		})
	}
}

func TestProcess_NonCreationIsSkipped(t *testing.T) {
	j, store := newFixture(t)

	for _, kind := range []changes.EventKind{changes.KindModified, changes.KindRemoved, changes.KindUnknown} {
		n := testutil.Created("ev", testutil.Measurement("D1", "E1", 1000))
		n.Kind = kind
		assert.NoError(t, j.Process(context.Background(), n))
	}
	assert.Zero(t, store.SaveCalls())
	assert.Zero(t, store.QueryCalls())
}

// Scenario C: a missing Timestamp is a decode failure that does not stop the rest of the batch.
func TestProcessBatch_DecodeFailureIsolated(t *testing.T) {
	j, store := newFixture(t)

	broken := testutil.Created("ev-bad", testutil.Measurement("D1", "E9", 1000))
	delete(broken.NewImage, "Timestamp")

	result := j.ProcessBatch(context.Background(), changes.Batch{Records: []changes.Notification{
		broken,
		testutil.Created("ev-ok", testutil.Measurement("D1", "E1", 1000)),
	}})

	require.Len(t, result.Outcomes, 2)
	assert.Equal(t, StatusFailed, result.Outcomes[0].Status)
	assert.ErrorIs(t, result.Outcomes[0].Err, decoder.ErrDecode)
	var je *JoinError
	require.True(t, stderrors.As(result.Outcomes[0].Err, &je))
	assert.Equal(t, KindDecode, je.Kind)

	assert.Equal(t, StatusJoined, result.Outcomes[1].Status)
	assert.Equal(t, 1, result.Count(StatusJoined))
	assert.Empty(t, result.Retryable())
	assert.Len(t, result.Failed(), 1)
	assert.Error(t, result.Err())

	_, err := store.Location(context.Background(), "D1", "E9")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
	assert.Equal(t, 1, store.SaveCalls())
}

// Scenario D: the same (device, epc) twice in one batch gives two writes; the last one wins.
func TestProcessBatch_SameKeyLastWriteWins(t *testing.T) {
	j, store := newFixture(t)

	result := j.ProcessBatch(context.Background(), changes.Batch{Records: []changes.Notification{
		testutil.Created("ev-1", testutil.Measurement("D1", "E1", 995)),
		testutil.Created("ev-2", testutil.Measurement("D1", "E1", 1010)),
	}})
	require.NoError(t, result.Err())
	assert.Equal(t, 2, store.SaveCalls())

	got, err := store.Location(context.Background(), "D1", "E1")
	require.NoError(t, err)
	assert.Equal(t, int64(1010), got.Timestamp)
	assert.Equal(t, poseP2, got.UpdaterPose)
}

func TestProcessBatch_Concurrent(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.PutPose(ctx, types.PoseRecord{DeviceID: "D1", Timestamp: 1000, Pose: poseP1, AreaID: "A1"}))

	cfg := DefaultConfig()
	cfg.BatchConcurrency = 4
	j, err := New(store, store, cfg)
	require.NoError(t, err)

	var batch changes.Batch
	for _, epc := range []string{"E1", "E2", "E3", "E4", "E5", "E6", "E7", "E8"} {
		batch.Records = append(batch.Records, testutil.Created("ev-"+epc, testutil.Measurement("D1", epc, 1000)))
	}
	result := j.ProcessBatch(ctx, batch)
	require.NoError(t, result.Err())
	assert.Equal(t, 8, result.Count(StatusJoined))
	for i, o := range result.Outcomes {
		assert.Equal(t, batch.Records[i].EventID, o.EventID)
	}
	assert.Len(t, store.Locations(), 8)
}

func TestProcess_StoreFailuresAreRetryable(t *testing.T) {
	j, store := newFixture(t)

	store.SaveErr = errors.WrapTransient(stderrors.New("throttled"), "test", "Save", "write")
	err := j.Process(context.Background(), testutil.Created("ev-1", testutil.Measurement("D1", "E1", 1000)))
	var je *JoinError
	require.True(t, stderrors.As(err, &je))
	assert.Equal(t, KindPersist, je.Kind)
	assert.True(t, IsRetryable(err))

	store.SaveErr = nil
	store.QueryErr = stderrors.New("connection reset")
	err = j.Process(context.Background(), testutil.Created("ev-2", testutil.Measurement("D1", "E2", 1000)))
	require.True(t, stderrors.As(err, &je))
	assert.Equal(t, KindLookup, je.Kind)
	assert.Equal(t, errors.ErrorTransient, Classify(err))
}

func TestProcess_InvalidStoreFailureIsPermanent(t *testing.T) {
	j, store := newFixture(t)

	store.SaveErr = errors.WrapInvalid(stderrors.New("json: unsupported value"), "test", "Save", "encode location item")
	err := j.Process(context.Background(), testutil.Created("ev-1", testutil.Measurement("D1", "E1", 1000)))
	var je *JoinError
	require.True(t, stderrors.As(err, &je))
	assert.Equal(t, KindPersist, je.Kind)
	assert.Equal(t, errors.ErrorInvalid, Classify(err))
	assert.False(t, IsRetryable(err))

	store.SaveErr = nil
	store.QueryErr = errors.WrapInvalid(errors.ErrDataCorrupted, "test", "PosesInWindow", "decode pose")
	err = j.Process(context.Background(), testutil.Created("ev-2", testutil.Measurement("D1", "E2", 1000)))
	require.True(t, stderrors.As(err, &je))
	assert.Equal(t, KindLookup, je.Kind)
	assert.False(t, IsRetryable(err))
}

func TestProcessBatch_UnreadableRecordIsolated(t *testing.T) {
	j, store := newFixture(t)

	result := j.ProcessBatch(context.Background(), changes.Batch{Records: []changes.Notification{
		{EventID: "ev-bad", Kind: changes.KindCreated, DecodeErr: stderrors.New(`unsupported type tag "SS"`)},
		{EventID: "ev-mod", Kind: changes.KindModified, DecodeErr: stderrors.New(`unsupported type tag "BS"`)},
		testutil.Created("ev-ok", testutil.Measurement("D1", "E1", 1000)),
	}})

	require.Len(t, result.Outcomes, 3)
	assert.Equal(t, StatusFailed, result.Outcomes[0].Status)
	var je *JoinError
	require.True(t, stderrors.As(result.Outcomes[0].Err, &je))
	assert.Equal(t, KindDecode, je.Kind)
	assert.False(t, IsRetryable(result.Outcomes[0].Err))

	assert.Equal(t, StatusSkipped, result.Outcomes[1].Status)
	assert.NoError(t, result.Outcomes[1].Err)
	assert.Equal(t, StatusJoined, result.Outcomes[2].Status)
	assert.Equal(t, 1, store.SaveCalls())
}

func TestProcess_NonFiniteEstimateIsDecodeFailure(t *testing.T) {
	j, store := newFixture(t)

	n := testutil.Created("ev-nan", testutil.Measurement("D1", "E1", 1000))
	n.NewImage["Channel_estimates"] = attribute.List(attribute.List(attribute.Number("NaN"), attribute.Number("1")))

	err := j.Process(context.Background(), n)
	assert.ErrorIs(t, err, decoder.ErrDecode)
	assert.False(t, IsRetryable(err))
	assert.Zero(t, store.SaveCalls())
}

func TestProcess_PublishesSavedItem(t *testing.T) {
	pub := testutil.NewMockPublisher()
	store := memory.New()
	require.NoError(t, store.PutPose(context.Background(), types.PoseRecord{DeviceID: "D1", Timestamp: 1000, Pose: poseP1}))

	cfg := DefaultConfig()
	cfg.OutputSubject = "backtrack.locations"
	j, err := New(store, store, cfg, WithPublisher(pub))
	require.NoError(t, err)

	require.NoError(t, j.Process(context.Background(), testutil.Created("ev-1", testutil.Measurement("D1", "E1", 1000))))
	payloads := pub.Messages("backtrack.locations")
	require.Len(t, payloads, 1)

	var item types.IntermediateLocationItem
	require.NoError(t, json.Unmarshal(payloads[0], &item))
	assert.Equal(t, "E1", item.EPC)
	assert.Equal(t, poseP1, item.UpdaterPose)

	pub.Err = stderrors.New("no responders")
	assert.NoError(t, j.Process(context.Background(), testutil.Created("ev-2", testutil.Measurement("D1", "E2", 1000))))
	assert.Len(t, store.Locations(), 2)
}

func TestProcess_OutputDoesNotAliasPose(t *testing.T) {
	j, store := newFixture(t)
	require.NoError(t, j.Process(context.Background(), testutil.Created("ev-1", testutil.Measurement("D1", "E1", 1000))))

	got, err := store.Location(context.Background(), "D1", "E1")
	require.NoError(t, err)
	got.UpdaterPose["x"] = 99

	again, err := store.Location(context.Background(), "D1", "E1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, again.UpdaterPose["x"])
}

func TestProcess_CustomSchema(t *testing.T) {
	s := schema.Default()
	s.Attributes.DeviceID = "device"
	store := memory.New()
	require.NoError(t, store.PutPose(context.Background(), types.PoseRecord{DeviceID: "D1", Timestamp: 1000, Pose: poseP1}))

	j, err := New(store, store, DefaultConfig(), WithSchema(s))
	require.NoError(t, err)

	n := changes.Notification{
		EventID:  "ev-1",
		Kind:     changes.KindCreated,
		NewImage: decoder.Encode(testutil.Measurement("D1", "E1", 1000), s.Attributes),
	}
	require.NoError(t, j.Process(context.Background(), n))

	n.NewImage = attribute.Map{"Device_id": attribute.String("D1")}
	assert.ErrorIs(t, j.Process(context.Background(), n), decoder.ErrDecode)
}

func TestMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	j, _ := newFixture(t, WithMetrics(registry))

	ctx := context.Background()
	require.NoError(t, j.Process(ctx, testutil.Created("ev-1", testutil.Measurement("D1", "E1", 1000))))
	require.Error(t, j.Process(ctx, testutil.Created("ev-2", testutil.Measurement("D7", "E1", 1000))))
	n := testutil.Created("ev-3", testutil.Measurement("D1", "E1", 1000))
	n.Kind = changes.KindRemoved
	require.NoError(t, j.Process(ctx, n))

	m := j.metrics
	require.NotNil(t, m)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.notifications.WithLabelValues("joined")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.notifications.WithLabelValues("failed")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.notifications.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.failures.WithLabelValues("no_pose_match")))
	assert.Equal(t, 1, promtest.CollectAndCount(m.candidates))
	assert.Equal(t, 1, promtest.CollectAndCount(m.poseOffset))

	other := testutil.Measurement("D1", "E2", 1000)
	other.AreaID = "A9"
	require.NoError(t, j.Process(ctx, testutil.Created("ev-4", other)))
	assert.Equal(t, 1, promtest.CollectAndCount(m.candidates))

	j.Close()
	again, err := New(memory.New(), memory.New(), DefaultConfig(), WithMetrics(registry))
	require.NoError(t, err)
	assert.NotNil(t, again.metrics)
}

func TestProcess_NonUnitOrientationStillJoins(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	store := memory.New()
	skewed := types.Pose{"x": 0, "y": 0, "z": 0, "qx": 0, "qy": 0, "qz": 0, "qw": 2}
	require.NoError(t, store.PutPose(context.Background(), types.PoseRecord{DeviceID: "D1", Timestamp: 1000, Pose: skewed}))

	j, err := New(store, store, DefaultConfig(), WithMetrics(registry))
	require.NoError(t, err)
	require.NoError(t, j.Process(context.Background(), testutil.Created("ev-1", testutil.Measurement("D1", "E1", 1000))))
	assert.Equal(t, 1.0, promtest.ToFloat64(j.metrics.warnings.WithLabelValues("non_unit_orientation")))
}

func TestJoinError_Message(t *testing.T) {
	err := &JoinError{Kind: KindPersist, EventID: "ev-1", DeviceID: "D1", EPC: "E1", Err: stderrors.New("boom")}
	assert.Equal(t, `locationjoin: persist failed for event "ev-1" (device D1, epc E1): boom`, err.Error())
	assert.Equal(t, errors.ErrorTransient, KindPersist.Class())
	assert.Equal(t, errors.ErrorInvalid, KindDecode.Class())
}
