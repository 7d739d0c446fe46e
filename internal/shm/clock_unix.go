//go:build linux || darwin || freebsd || netbsd || openbsd

package shm

import "golang.org/x/sys/unix"

// MonotonicMillis returns CLOCK_MONOTONIC in milliseconds. The clock is shared by every
// process on the host, so values written by one process can be compared by another.
func MonotonicMillis() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Sec)*1000 + uint64(ts.Nsec)/1e6
}
