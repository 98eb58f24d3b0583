// Package timestamp handles the int64 millisecond timestamps carried by measurements and poses.
//
// All timestamps are milliseconds since the Unix epoch (UTC). Integers are never reinterpreted as
// seconds: the joiner compares raw values, so a replay file must carry the same unit as the store.
package timestamp

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// FromTime converts t to Unix milliseconds.
func FromTime(t time.Time) int64 {
	return t.UnixMilli()
}

// ToTime converts Unix milliseconds to a UTC time.
func ToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Format renders ms as RFC3339 with millisecond precision.
func Format(ms int64) string {
	return ToTime(ms).Format("2006-01-02T15:04:05.000Z07:00")
}

// Parse reads a timestamp written either as base-10 milliseconds or as an RFC3339 time.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("timestamp %q is neither milliseconds nor RFC3339", s)
	}
	return t.UnixMilli(), nil
}

// Shift moves ms by d, truncated to whole milliseconds.
func Shift(ms int64, d time.Duration) int64 {
	return ms + d.Milliseconds()
}
