// Package types contains the domain records shared by the joiner, the decoder and the storage
// backends: RFID measurements, device poses and the joined intermediate location item.
package types

import "fmt"

// ChannelEstimate is one complex channel estimate reported by a reader antenna.
type ChannelEstimate struct {
	Real float64 `json:"real"`
	Imag float64 `json:"imag"`
}

// String renders the estimate as a+bi for logs.
func (c ChannelEstimate) String() string {
	return fmt.Sprintf("%g%+gi", c.Real, c.Imag)
}

// Measurement is a single RFID tag read taken by a device.
type Measurement struct {
	EPC              string            `json:"epc"`
	DeviceID         string            `json:"device_id"`
	Timestamp        int64             `json:"timestamp"` // milliseconds since epoch
	AreaID           string            `json:"area_id"`
	ChannelEstimates []ChannelEstimate `json:"channel_estimates"`
}

// CloneChannelEstimates returns a copy of the estimate slice so callers can hand it to records
// that must not alias the measurement.
func CloneChannelEstimates(in []ChannelEstimate) []ChannelEstimate {
	if in == nil {
		return nil
	}
	out := make([]ChannelEstimate, len(in))
	copy(out, in)
	return out
}
