package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360/backtrack/errors"
)

func TestDefault(t *testing.T) {
	s := Default()

	assert.Equal(t, "UpdaterHistoricalTable", s.Tables.Poses)
	assert.Equal(t, "IntermediateLocationsQueue", s.Tables.Locations)
	assert.Equal(t, "Epc", s.Attributes.EPC)
	assert.Equal(t, "Device_id", s.Attributes.DeviceID)
	assert.Equal(t, "Timestamp", s.Attributes.Timestamp)
	assert.Equal(t, "Area_id", s.Attributes.AreaID)
	assert.Equal(t, "Channel_estimates", s.Attributes.ChannelEstimates)
	assert.Equal(t, "Updater_pose", s.Attributes.UpdaterPose)
	assert.NoError(t, s.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Schema)
	}{
		{"empty poses table", func(s *Schema) { s.Tables.Poses = "" }},
		{"empty epc", func(s *Schema) { s.Attributes.EPC = "" }},
		{"duplicate attribute", func(s *Schema) { s.Attributes.AreaID = s.Attributes.DeviceID }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(&s)

			err := s.Validate()
			assert.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}
