// Package decoder converts change-stream record images into domain records and back.
//
// Decoding is strict: every required field must be present with the expected attribute kind, the
// identifiers must be non-empty, the timestamp must parse as a base-10 integer and every channel
// estimate must be a pair of finite numbers.
// Any deviation is a *FieldError wrapping ErrDecode.
package decoder

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/c360/backtrack/attribute"
	"github.com/c360/backtrack/schema"
	"github.com/c360/backtrack/types"
)

// ErrDecode is the sentinel wrapped by every decoding failure.
var ErrDecode = errors.New("decode failed")

// FieldError describes which field of an image could not be decoded.
type FieldError struct {
	Field  string
	Reason string
	Err    error
}

func (e *FieldError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Field, e.Reason)
}

// Unwrap exposes ErrDecode and the underlying cause.
func (e *FieldError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDecode, e.Err}
	}
	return []error{ErrDecode}
}

func fieldErr(field, reason string, cause error) error {
	return &FieldError{Field: field, Reason: reason, Err: cause}
}

// Decode extracts a measurement from a creation image.
func Decode(image attribute.Map, attrs schema.Attributes) (types.Measurement, error) {
	var m types.Measurement
	var err error

	if m.EPC, err = requireIdentifier(image, attrs.EPC); err != nil {
		return types.Measurement{}, err
	}
	if m.DeviceID, err = requireIdentifier(image, attrs.DeviceID); err != nil {
		return types.Measurement{}, err
	}
	if m.Timestamp, err = requireTimestamp(image, attrs.Timestamp); err != nil {
		return types.Measurement{}, err
	}
	if m.AreaID, err = requireString(image, attrs.AreaID); err != nil {
		return types.Measurement{}, err
	}

	raw, ok := image[attrs.ChannelEstimates]
	if !ok {
		return types.Measurement{}, fieldErr(attrs.ChannelEstimates, "missing", nil)
	}
	if m.ChannelEstimates, err = DecodeChannelEstimates(raw); err != nil {
		return types.Measurement{}, fieldErr(attrs.ChannelEstimates, "malformed", err)
	}

	return m, nil
}

// Encode builds the creation image for a measurement. It is the inverse of Decode.
func Encode(m types.Measurement, attrs schema.Attributes) attribute.Map {
	return attribute.Map{
		attrs.EPC:              attribute.String(m.EPC),
		attrs.DeviceID:         attribute.String(m.DeviceID),
		attrs.Timestamp:        attribute.Number(strconv.FormatInt(m.Timestamp, 10)),
		attrs.AreaID:           attribute.String(m.AreaID),
		attrs.ChannelEstimates: EncodeChannelEstimates(m.ChannelEstimates),
	}
}

// DecodeChannelEstimates parses a list of [real, imaginary] number pairs.
func DecodeChannelEstimates(v attribute.Value) ([]types.ChannelEstimate, error) {
	pairs, ok := v.AsList()
	if !ok {
		return nil, fmt.Errorf("expected list, got %s", v.Kind())
	}

	out := make([]types.ChannelEstimate, 0, len(pairs))
	for i, p := range pairs {
		parts, ok := p.AsList()
		if !ok {
			return nil, fmt.Errorf("estimate %d: expected list, got %s", i, p.Kind())
		}
		if len(parts) != 2 {
			return nil, fmt.Errorf("estimate %d: expected 2 components, got %d", i, len(parts))
		}
		re, err := parseFloat(parts[0])
		if err != nil {
			return nil, fmt.Errorf("estimate %d real: %w", i, err)
		}
		im, err := parseFloat(parts[1])
		if err != nil {
			return nil, fmt.Errorf("estimate %d imaginary: %w", i, err)
		}
		out = append(out, types.ChannelEstimate{Real: re, Imag: im})
	}
	return out, nil
}

// EncodeChannelEstimates renders estimates as number pairs. Numbers use the shortest
// representation that parses back to the same float64.
func EncodeChannelEstimates(estimates []types.ChannelEstimate) attribute.Value {
	pairs := make([]attribute.Value, len(estimates))
	for i, e := range estimates {
		pairs[i] = attribute.List(formatFloat(e.Real), formatFloat(e.Imag))
	}
	return attribute.List(pairs...)
}

func requireString(image attribute.Map, name string) (string, error) {
	v, ok := image[name]
	if !ok {
		return "", fieldErr(name, "missing", nil)
	}
	s, ok := v.AsString()
	if !ok {
		return "", fieldErr(name, fmt.Sprintf("expected string, got %s", v.Kind()), nil)
	}
	return s, nil
}

// requireIdentifier is requireString for key fields, which must not be empty.
func requireIdentifier(image attribute.Map, name string) (string, error) {
	s, err := requireString(image, name)
	if err == nil && s == "" {
		return "", fieldErr(name, "empty", nil)
	}
	return s, err
}

func requireTimestamp(image attribute.Map, name string) (int64, error) {
	v, ok := image[name]
	if !ok {
		return 0, fieldErr(name, "missing", nil)
	}
	text, ok := v.Text()
	if !ok {
		return 0, fieldErr(name, fmt.Sprintf("expected numeric text, got %s", v.Kind()), nil)
	}
	ts, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fieldErr(name, "not an integer", err)
	}
	return ts, nil
}

func parseFloat(v attribute.Value) (float64, error) {
	text, ok := v.AsNumber()
	if !ok {
		return 0, fmt.Errorf("expected number, got %s", v.Kind())
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite number %q", text)
	}
	return f, nil
}

func formatFloat(f float64) attribute.Value {
	return attribute.Number(strconv.FormatFloat(f, 'g', -1, 64))
}
