package shm

import (
	"errors"

	"github.com/shirou/gopsutil/v3/disk"
)

// ErrNoSpaceLeft is returned when the filesystem holding the backing objects is too full.
var ErrNoSpaceLeft = errors.New("not enough free space for shared memory object")

// canCreateIn reports whether size bytes fit into the filesystem holding dir. When usage
// cannot be read the answer is optimistic and ftruncate/mmap get the final say.
func canCreateIn(dir string, size uint64) bool {
	stat, err := disk.Usage(dir)
	if err != nil {
		return true
	}
	return stat.Free >= size
}
