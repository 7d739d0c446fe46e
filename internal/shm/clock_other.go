//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package shm

import "time"

// MonotonicMillis falls back to wall-clock milliseconds where no host-wide monotonic
// clock is reachable.
func MonotonicMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
