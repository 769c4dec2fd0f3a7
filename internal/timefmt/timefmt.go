// Package timefmt formats timestamps consistently across the job
// pipeline's persisted records and SSE payloads.
package timefmt

import "time"

// ISO8601 is the ISO-8601 format used for timestamp serialization.
const ISO8601 = "2006-01-02T15:04:05.000Z"

// Format formats a time.Time to the standard string representation.
func Format(t time.Time) string {
	return t.UTC().Format(ISO8601)
}

// NowNano returns the current time in nanoseconds since the Unix
// epoch, the publisher clock unit spec §3 uses for Event.Timestamp.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// FormatNow returns the current time in UTC, truncated to the
// precision Format serializes, so round-tripping through storage
// never produces a value that looks like it moved backwards.
func FormatNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Parse parses a timestamp previously produced by Format.
func Parse(s string) (time.Time, error) {
	return time.Parse(ISO8601, s)
}
