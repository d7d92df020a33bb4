package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Time is a timestamp with one second resolution. It is encoded in JSON as an
// RFC 3339 string in UTC, which is what existing data directories contain.
type Time int64

// isoLocal is the layout written for timestamps without a zone offset.
const isoLocal = "2006-01-02T15:04:05.999999999"

// Now returns the current time truncated to the second.
func Now() Time {
	return ToTime(time.Now())
}

// AsTime returns the time as UTC so its string value doesn't depend on the local time zone.
func (t Time) AsTime() time.Time {
	return time.Unix(int64(t), 0).UTC()
}

// IsZero reports whether t is unset.
func (t Time) IsZero() bool {
	return t == 0
}

// String formats t as RFC 3339.
func (t Time) String() string {
	return t.AsTime().Format(time.RFC3339)
}

// ToTime converts a time.Time to a storage.Time, dropping sub-second precision.
func ToTime(v time.Time) Time {
	return Time(v.Unix())
}

// ParseTime parses an RFC 3339 timestamp. Timestamps without a zone offset
// are taken as UTC.
func ParseTime(s string) (Time, error) {
	v, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		var err2 error
		if v, err2 = time.Parse(isoLocal, s); err2 != nil {
			return 0, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
	}
	return ToTime(v), nil
}

// MarshalText implements encoding.TextMarshaler.
func (t Time) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes RFC 3339 strings and, for older manifests, unix
// timestamps. Float64 timestamps are rounded.
func (t *Time) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := ParseTime(s)
		if err != nil {
			return err
		}
		*t = v
		return nil
	}
	var i int64
	if err := json.Unmarshal(b, &i); err == nil {
		*t = Time(i)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("timestamp must be a string or a number: %w", err)
	}
	*t = Time(int64(math.Round(f)))
	return nil
}
