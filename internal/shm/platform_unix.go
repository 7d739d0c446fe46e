//go:build unix && !linux

package shm

import "os"

// DefaultBackend returns the backend used when none is configured. Hosts without a
// browsable shm namespace keep the object as <tmp>/<name>.mmf.
func DefaultBackend() Backend {
	return &DirBackend{Dir: os.TempDir(), Suffix: ".mmf"}
}

// DefaultLockDir returns the directory holding gate lock files.
func DefaultLockDir() string {
	return os.TempDir()
}
