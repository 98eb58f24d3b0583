package types

// IntermediateLocationItem joins a measurement with the device pose current at the time of the read.
// It is identified by (DeviceID, EPC) and is never mutated after creation.
type IntermediateLocationItem struct {
	DeviceID         string            `json:"device_id"`
	EPC              string            `json:"epc"`
	AreaID           string            `json:"area_id"`
	Timestamp        int64             `json:"timestamp"`
	UpdaterPose      Pose              `json:"updater_pose"`
	ChannelEstimates []ChannelEstimate `json:"channel_estimates"`
}

// NewIntermediateLocationItem builds the joined record. Identity, area and timestamp come from the
// measurement; the pose is copied from the selected record.
func NewIntermediateLocationItem(m Measurement, pose PoseRecord) IntermediateLocationItem {
	return IntermediateLocationItem{
		DeviceID:         m.DeviceID,
		EPC:              m.EPC,
		AreaID:           m.AreaID,
		Timestamp:        m.Timestamp,
		UpdaterPose:      pose.Pose.Clone(),
		ChannelEstimates: CloneChannelEstimates(m.ChannelEstimates),
	}
}

// Key is the composite identity of the item.
func (i IntermediateLocationItem) Key() (deviceID, epc string) {
	return i.DeviceID, i.EPC
}
