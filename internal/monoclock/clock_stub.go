//go:build !linux

package monoclock

import "time"

// Now returns time elapsed since process start on a monotonic clock.
func Now() time.Duration { return sinceOrigin() }
