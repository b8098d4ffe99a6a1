package types

import "time"

// TimeFormat is the wire timestamp layout. Timestamps must round-trip
// through this format exactly.
const TimeFormat = "2006-01-02T15:04:05"

// FormatTime renders t in the wire format.
func FormatTime(t time.Time) string {
	return t.Format(TimeFormat)
}

// ParseTime parses a wire timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}
