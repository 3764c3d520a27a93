package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WireTimeLayout is the layout used for timestamps this client writes.
const WireTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// localLayouts are accepted for timestamps that carry no zone offset, as the
// backend serialises local date-times without one.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTime parses a wire timestamp. Zone-less values are interpreted in loc
// (UTC when loc is nil). The result is truncated to millisecond precision so
// that ids derived from REST and socket copies of a message agree.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("chat: empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.Truncate(time.Millisecond), nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.Truncate(time.Millisecond), nil
		}
	}
	return time.Time{}, fmt.Errorf("chat: unrecognised timestamp %q", s)
}

// FormatTime renders t in the layout this client writes on the wire.
func FormatTime(t time.Time) string {
	return t.UTC().Format(WireTimeLayout)
}

// Timestamp is a time.Time that decodes any timestamp ParseTime accepts.
// Zone-less values decode in Location.
type Timestamp struct {
	time.Time
}

// Location is used for zone-less timestamps decoded through Timestamp.
var Location = time.UTC

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		ts.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("chat: decode timestamp: %w", err)
	}
	if s == "" {
		ts.Time = time.Time{}
		return nil
	}
	t, err := ParseTime(s, Location)
	if err != nil {
		return err
	}
	ts.Time = t
	return nil
}

// MarshalJSON implements json.Marshaler.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(FormatTime(ts.Time))
}
