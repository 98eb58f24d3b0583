package dynamo

import (
	"context"
	stderrors "errors"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/backtrack/attribute"
	"github.com/c360/backtrack/errors"
	"github.com/c360/backtrack/schema"
	"github.com/c360/backtrack/storage"
	"github.com/c360/backtrack/types"
)

// fakeAPI serves one query page per call and keeps put items keyed by table.
type fakeAPI struct {
	pages    [][]map[string]ddbtypes.AttributeValue
	queries  []*dynamodb.QueryInput
	queryErr error

	puts   map[string][]map[string]ddbtypes.AttributeValue
	putErr error
	getOut map[string]ddbtypes.AttributeValue
	gets   []*dynamodb.GetItemInput
}

func (f *fakeAPI) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queries = append(f.queries, in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	page := len(f.queries) - 1
	if page >= len(f.pages) {
		return &dynamodb.QueryOutput{}, nil
	}
	out := &dynamodb.QueryOutput{Items: f.pages[page]}
	if page < len(f.pages)-1 {
		out.LastEvaluatedKey = map[string]ddbtypes.AttributeValue{
			"page": &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(page)},
		}
	}
	return out, nil
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	if f.puts == nil {
		f.puts = make(map[string][]map[string]ddbtypes.AttributeValue)
	}
	table := aws.ToString(in.TableName)
	f.puts[table] = append(f.puts[table], in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.gets = append(f.gets, in)
	return &dynamodb.GetItemOutput{Item: f.getOut}, nil
}

func poseItem(device string, ts int64, x string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"Device_id": &ddbtypes.AttributeValueMemberS{Value: device},
		"Timestamp": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(ts, 10)},
		"Area_id":   &ddbtypes.AttributeValueMemberS{Value: "A1"},
		"Updater_pose": &ddbtypes.AttributeValueMemberM{Value: map[string]ddbtypes.AttributeValue{
			"x": &ddbtypes.AttributeValueMemberN{Value: x},
		}},
	}
}

func newStore(t *testing.T, api API) *Store {
	t.Helper()
	s, err := New(api, DefaultConfig(), schema.Default(), nil)
	require.NoError(t, err)
	return s
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, DefaultConfig(), schema.Default(), nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = New(&fakeAPI{}, DefaultConfig(), schema.Schema{}, nil)
	assert.Error(t, err)
}

func TestPosesInWindow_Query(t *testing.T) {
	api := &fakeAPI{pages: [][]map[string]ddbtypes.AttributeValue{
		{poseItem("D1", 995, "1")},
		{poseItem("D1", 1004, "2.5")},
	}}
	s := newStore(t, api)

	got, err := s.PosesInWindow(context.Background(), "D1", 990, 1010)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(995), got[0].Timestamp)
	assert.Equal(t, 2.5, got[1].Pose["x"])
	assert.Equal(t, "A1", got[1].AreaID)

	require.Len(t, api.queries, 2)
	in := api.queries[0]
	assert.Equal(t, "UpdaterHistoricalTable", aws.ToString(in.TableName))
	assert.Equal(t, "#device = :device AND #ts BETWEEN :from AND :to", aws.ToString(in.KeyConditionExpression))
	assert.Equal(t, map[string]string{"#device": "Device_id", "#ts": "Timestamp"}, in.ExpressionAttributeNames)
	assert.True(t, aws.ToBool(in.ConsistentRead))
	assert.Equal(t, &ddbtypes.AttributeValueMemberS{Value: "D1"}, in.ExpressionAttributeValues[":device"])
	assert.Equal(t, &ddbtypes.AttributeValueMemberN{Value: "990"}, in.ExpressionAttributeValues[":from"])
	assert.Equal(t, &ddbtypes.AttributeValueMemberN{Value: "1010"}, in.ExpressionAttributeValues[":to"])

	assert.Nil(t, in.ExclusiveStartKey)
	assert.NotNil(t, api.queries[1].ExclusiveStartKey)
}

func TestPosesInWindow_Empty(t *testing.T) {
	s := newStore(t, &fakeAPI{})
	got, err := s.PosesInWindow(context.Background(), "D1", 0, 10)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestPosesInWindow_Errors(t *testing.T) {
	s := newStore(t, &fakeAPI{queryErr: stderrors.New("throttled")})
	_, err := s.PosesInWindow(context.Background(), "D1", 0, 10)
	assert.True(t, errors.IsTransient(err))

	s = newStore(t, &fakeAPI{queryErr: &ddbtypes.ResourceNotFoundException{Message: aws.String("no table")}})
	_, err = s.PosesInWindow(context.Background(), "D1", 0, 10)
	assert.True(t, errors.IsFatal(err))

	bad := poseItem("D1", 1, "1")
	delete(bad, "Area_id")
	s = newStore(t, &fakeAPI{pages: [][]map[string]ddbtypes.AttributeValue{{bad}}})
	_, err = s.PosesInWindow(context.Background(), "D1", 0, 10)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrDataCorrupted)
}

func TestSaveAndLocation(t *testing.T) {
	api := &fakeAPI{}
	s := newStore(t, api)
	ctx := context.Background()

	item := types.IntermediateLocationItem{
		EPC:              "E1",
		DeviceID:         "D1",
		AreaID:           "A1",
		Timestamp:        1000,
		UpdaterPose:      types.Pose{"x": 1.5},
		ChannelEstimates: []types.ChannelEstimate{{Real: 0.25, Imag: -1}},
	}
	require.NoError(t, s.Save(ctx, item))

	saved := api.puts["IntermediateLocationsQueue"]
	require.Len(t, saved, 1)
	assert.Equal(t, &ddbtypes.AttributeValueMemberS{Value: "D1"}, saved[0]["Device_id"])
	assert.Equal(t, &ddbtypes.AttributeValueMemberN{Value: "1000"}, saved[0]["Timestamp"])

	api.getOut = saved[0]
	got, err := s.Location(ctx, "D1", "E1")
	require.NoError(t, err)
	assert.Equal(t, item, got)

	require.Len(t, api.gets, 1)
	assert.True(t, aws.ToBool(api.gets[0].ConsistentRead))
	assert.Equal(t, &ddbtypes.AttributeValueMemberS{Value: "E1"}, api.gets[0].Key["Epc"])

	api.getOut = nil
	_, err = s.Location(ctx, "D1", "E2")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestPutPose(t *testing.T) {
	api := &fakeAPI{}
	s := newStore(t, api)

	rec := types.PoseRecord{DeviceID: "D1", Timestamp: 7, AreaID: "A1", Pose: types.Pose{"x": 2}}
	require.NoError(t, s.PutPose(context.Background(), rec))
	require.Len(t, api.puts["UpdaterHistoricalTable"], 1)

	api.pages = [][]map[string]ddbtypes.AttributeValue{{api.puts["UpdaterHistoricalTable"][0]}}
	got, err := s.PosesInWindow(context.Background(), "D1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []types.PoseRecord{rec}, got)
}

func TestSave_Error(t *testing.T) {
	s := newStore(t, &fakeAPI{putErr: stderrors.New("timeout")})
	err := s.Save(context.Background(), types.IntermediateLocationItem{DeviceID: "D1", EPC: "E1"})
	assert.True(t, errors.IsTransient(err))
}

func TestClosed(t *testing.T) {
	s := newStore(t, &fakeAPI{})
	require.NoError(t, s.Close())

	_, err := s.PosesInWindow(context.Background(), "D1", 0, 1)
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, s.Save(context.Background(), types.IntermediateLocationItem{}), storage.ErrClosed)
}

func TestConvert_RoundTrip(t *testing.T) {
	v := attribute.MapValue(attribute.Map{
		"s": attribute.String("a"),
		"n": attribute.Number("1.5"),
		"b": attribute.Bool(true),
		"z": attribute.Null(),
		"l": attribute.List(attribute.Number("1"), attribute.String("x")),
	})
	av, err := ToAttributeValue(v)
	require.NoError(t, err)

	back, err := FromAttributeValue(av)
	require.NoError(t, err)
	assert.True(t, v.Equal(back))

	_, err = FromAttributeValue(&ddbtypes.AttributeValueMemberSS{Value: []string{"a"}})
	assert.Error(t, err)
}
