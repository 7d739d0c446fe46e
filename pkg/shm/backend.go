package shm

import (
	"github.com/srediag/shmregion/internal/gate"
	internalshm "github.com/srediag/shmregion/internal/shm"
)

// Backend creates, maps and removes the OS objects backing regions. Implement it to place
// regions somewhere other than the host default.
type Backend = internalshm.Backend

// MapOptions is passed to Backend.MapRegion.
type MapOptions = internalshm.MapOptions

// Mapping is a region mapped by a Backend.
type Mapping = internalshm.MappedRegion

// DirBackend keeps each backing object as a file inside a directory.
type DirBackend = internalshm.DirBackend

// Gate is the named mutual-exclusion primitive taken around every header access.
// Acquire must block until the caller holds name or fail; release frees it.
type Gate = gate.Gate

// FileGate is the default Gate, an advisory file lock per name.
type FileGate = gate.FileGate

// DefaultBackend returns the host backend: /dev/shm/<name>MMF on Linux and
// <tmp>/<name>.mmf on other unix hosts.
func DefaultBackend() Backend {
	return internalshm.DefaultBackend()
}

// NewFileGate returns a gate keeping its lock files in conf.LockDir.
func NewFileGate(conf *Config) *FileGate {
	return gate.NewFileGate(conf.LockDir, conf.GateTimeout, conf.Mode)
}

// RemoveLockFile deletes the gate lock file kept for name by the default FileGate of conf.
// Lock files outlive regions, so the caller owns their cleanup: call it only after the last
// creator and every user of name have exited. With a Gate other than a FileGate it does
// nothing.
func RemoveLockFile(conf *Config, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	conf = withDefaults(conf)
	switch g := conf.Gate.(type) {
	case nil:
		return gate.Shared(conf.LockDir, conf.GateTimeout, conf.Mode).Remove(name)
	case *FileGate:
		return g.Remove(name)
	default:
		return nil
	}
}
