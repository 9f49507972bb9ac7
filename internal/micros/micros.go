// Package micros provides the free-running microsecond counter every
// timestamp source shares: microseconds since process start, truncated
// to uint32 (wraps at ~71.6 min), modeling a device's micros()
// register. Keeping all producers on this one epoch is what makes
// cross-task timestamp arithmetic (filter deltas, rotation idle time)
// meaningful.
package micros

import "time"

var start = time.Now()

// Now returns microseconds since process start, truncated to uint32.
func Now() uint32 {
	return uint32(time.Since(start).Microseconds())
}
