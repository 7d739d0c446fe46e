//go:build linux

package shm

// DevShm is where glibc's shm_open keeps POSIX shared memory objects.
const DevShm = "/dev/shm"

// DefaultBackend returns the backend used when none is configured. On Linux a region
// named "foo" lives at /dev/shm/fooMMF, the same object as shm_open("/fooMMF").
func DefaultBackend() Backend {
	return &DirBackend{Dir: DevShm, Suffix: "MMF"}
}

// DefaultLockDir returns the directory holding gate lock files.
func DefaultLockDir() string {
	return DevShm
}
