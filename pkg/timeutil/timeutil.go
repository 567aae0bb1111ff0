// Package timeutil converts between wall-clock time and the decimicrosecond
// timestamps used internally (100 ns ticks since the Unix epoch). All actor
// and storage timestamps are decimicroseconds; milliseconds appear only at
// external boundaries (AMQP metadata, device-facing events, DB columns).
package timeutil

import "time"

// TicksPerMillisecond is the number of decimicrosecond ticks in a millisecond.
const TicksPerMillisecond = 10_000

// NowDecimicro returns the current time in decimicroseconds since the epoch.
func NowDecimicro() int64 {
	return time.Now().UnixNano() / 100
}

// FromTime converts a time.Time to decimicroseconds since the epoch.
func FromTime(t time.Time) int64 {
	return t.UnixNano() / 100
}

// ToMillis truncates a decimicrosecond timestamp to milliseconds.
func ToMillis(decimicro int64) int64 {
	return decimicro / TicksPerMillisecond
}

// SubmillisTicks returns the sub-millisecond remainder in decimicrosecond
// ticks, as stored in reception_timestamp_submillis.
func SubmillisTicks(decimicro int64) int64 {
	return decimicro % TicksPerMillisecond
}

// FromMillis converts a millisecond timestamp to decimicroseconds.
func FromMillis(ms int64) int64 {
	return ms * TicksPerMillisecond
}

// ToTime converts a decimicrosecond timestamp to a time.Time in UTC.
func ToTime(decimicro int64) time.Time {
	return time.Unix(0, decimicro*100).UTC()
}
