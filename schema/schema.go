// Package schema is the single descriptor of the table and attribute names used by the joiner and
// its storage backends. Nothing else in the module spells these names out.
package schema

import (
	"fmt"

	"github.com/c360/backtrack/errors"
)

// Attributes names the fields of measurement, pose and location records.
type Attributes struct {
	EPC              string `json:"epc"               yaml:"epc"               env:"EPC"`
	DeviceID         string `json:"device_id"         yaml:"device_id"         env:"DEVICE_ID"`
	Timestamp        string `json:"timestamp"         yaml:"timestamp"         env:"TIMESTAMP"`
	AreaID           string `json:"area_id"           yaml:"area_id"           env:"AREA_ID"`
	ChannelEstimates string `json:"channel_estimates" yaml:"channel_estimates" env:"CHANNEL_ESTIMATES"`
	UpdaterPose      string `json:"updater_pose"      yaml:"updater_pose"      env:"UPDATER_POSE"`
}

// Tables names the pose history and output stores.
type Tables struct {
	Poses     string `json:"poses"     yaml:"poses"     env:"POSES"`
	Locations string `json:"locations" yaml:"locations" env:"LOCATIONS"`
}

// Schema bundles table and attribute names.
type Schema struct {
	Tables     Tables     `json:"tables"     yaml:"tables"     envPrefix:"TABLE_"`
	Attributes Attributes `json:"attributes" yaml:"attributes" envPrefix:"ATTR_"`
}

// Default returns the names used by the deployed tables.
func Default() Schema {
	return Schema{
		Tables: Tables{
			Poses:     "UpdaterHistoricalTable",
			Locations: "IntermediateLocationsQueue",
		},
		Attributes: Attributes{
			EPC:              "Epc",
			DeviceID:         "Device_id",
			Timestamp:        "Timestamp",
			AreaID:           "Area_id",
			ChannelEstimates: "Channel_estimates",
			UpdaterPose:      "Updater_pose",
		},
	}
}

// Validate checks that every name is set and attribute names are distinct.
func (s Schema) Validate() error {
	named := []struct{ field, value string }{
		{"tables.poses", s.Tables.Poses},
		{"tables.locations", s.Tables.Locations},
		{"attributes.epc", s.Attributes.EPC},
		{"attributes.device_id", s.Attributes.DeviceID},
		{"attributes.timestamp", s.Attributes.Timestamp},
		{"attributes.area_id", s.Attributes.AreaID},
		{"attributes.channel_estimates", s.Attributes.ChannelEstimates},
		{"attributes.updater_pose", s.Attributes.UpdaterPose},
	}

	if s.Tables.Poses != "" && s.Tables.Poses == s.Tables.Locations {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Schema", "Validate",
			"poses and locations must be different tables")
	}

	seen := make(map[string]string, len(named))
	for i, n := range named {
		if n.value == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Schema", "Validate",
				fmt.Sprintf("%s is empty", n.field))
		}
		if i < 2 {
			continue
		}
		if prev, dup := seen[n.value]; dup {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Schema", "Validate",
				fmt.Sprintf("%s and %s share the name %q", prev, n.field, n.value))
		}
		seen[n.value] = n.field
	}
	return nil
}
