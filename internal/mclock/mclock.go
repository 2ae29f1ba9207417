// Package mclock provides the microsecond timestamps connections are
// stamped with when they start and end.
package mclock

import "time"

// Unset is the sentinel for "not yet stamped".
const Unset int64 = -1

// NowMicro returns the current time as microseconds since the Unix epoch.
func NowMicro() int64 {
	return time.Now().UnixMicro()
}
