// Package monoclock reads a monotonic clock that is unaffected by wall-clock
// adjustments.
package monoclock

import "time"

var origin = time.Now()

// sinceOrigin uses the monotonic reading embedded in time.Time.
func sinceOrigin() time.Duration { return time.Since(origin) }
