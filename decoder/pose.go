package decoder

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/c360/backtrack/attribute"
	"github.com/c360/backtrack/schema"
	"github.com/c360/backtrack/types"
)

// DecodePoseRecord extracts a pose record from a pose-history image.
func DecodePoseRecord(image attribute.Map, attrs schema.Attributes) (types.PoseRecord, error) {
	var rec types.PoseRecord
	var err error

	if rec.DeviceID, err = requireIdentifier(image, attrs.DeviceID); err != nil {
		return types.PoseRecord{}, err
	}
	if rec.Timestamp, err = requireTimestamp(image, attrs.Timestamp); err != nil {
		return types.PoseRecord{}, err
	}
	if rec.AreaID, err = requireString(image, attrs.AreaID); err != nil {
		return types.PoseRecord{}, err
	}

	raw, ok := image[attrs.UpdaterPose]
	if !ok {
		return types.PoseRecord{}, fieldErr(attrs.UpdaterPose, "missing", nil)
	}
	if rec.Pose, err = DecodePose(raw); err != nil {
		return types.PoseRecord{}, fieldErr(attrs.UpdaterPose, "malformed", err)
	}
	return rec, nil
}

// EncodePoseRecord builds the pose-history image for rec.
func EncodePoseRecord(rec types.PoseRecord, attrs schema.Attributes) attribute.Map {
	return attribute.Map{
		attrs.DeviceID:    attribute.String(rec.DeviceID),
		attrs.Timestamp:   attribute.Number(strconv.FormatInt(rec.Timestamp, 10)),
		attrs.AreaID:      attribute.String(rec.AreaID),
		attrs.UpdaterPose: EncodePose(rec.Pose),
	}
}

// DecodePose parses a map of named numeric pose components.
func DecodePose(v attribute.Value) (types.Pose, error) {
	entries, ok := v.AsMap()
	if !ok {
		return nil, fmt.Errorf("expected map, got %s", v.Kind())
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pose := make(types.Pose, len(entries))
	for _, k := range keys {
		f, err := parseFloat(entries[k])
		if err != nil {
			return nil, fmt.Errorf("component %s: %w", k, err)
		}
		pose[k] = f
	}
	return pose, nil
}

// EncodePose renders a pose as a map of numbers.
func EncodePose(p types.Pose) attribute.Value {
	m := make(attribute.Map, len(p))
	for k, f := range p {
		m[k] = formatFloat(f)
	}
	return attribute.MapValue(m)
}

// EncodeLocationItem builds the output image for a joined item.
func EncodeLocationItem(item types.IntermediateLocationItem, attrs schema.Attributes) attribute.Map {
	return attribute.Map{
		attrs.DeviceID:         attribute.String(item.DeviceID),
		attrs.EPC:              attribute.String(item.EPC),
		attrs.AreaID:           attribute.String(item.AreaID),
		attrs.Timestamp:        attribute.Number(strconv.FormatInt(item.Timestamp, 10)),
		attrs.UpdaterPose:      EncodePose(item.UpdaterPose),
		attrs.ChannelEstimates: EncodeChannelEstimates(item.ChannelEstimates),
	}
}

// DecodeLocationItem is the inverse of EncodeLocationItem.
func DecodeLocationItem(image attribute.Map, attrs schema.Attributes) (types.IntermediateLocationItem, error) {
	m, err := Decode(image, attrs)
	if err != nil {
		return types.IntermediateLocationItem{}, err
	}
	raw, ok := image[attrs.UpdaterPose]
	if !ok {
		return types.IntermediateLocationItem{}, fieldErr(attrs.UpdaterPose, "missing", nil)
	}
	pose, err := DecodePose(raw)
	if err != nil {
		return types.IntermediateLocationItem{}, fieldErr(attrs.UpdaterPose, "malformed", err)
	}
	return types.IntermediateLocationItem{
		DeviceID:         m.DeviceID,
		EPC:              m.EPC,
		AreaID:           m.AreaID,
		Timestamp:        m.Timestamp,
		UpdaterPose:      pose,
		ChannelEstimates: m.ChannelEstimates,
	}, nil
}
