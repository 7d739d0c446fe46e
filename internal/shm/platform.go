// Package shm contains the host-specific backends that create, map and remove the named
// objects backing a shared region.
package shm

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
)

// ErrUnsupported is returned by the backend of hosts without a shared-object strategy.
var ErrUnsupported = errors.New("shared memory is not supported on this platform")

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	Fd   int
	Size int
	Name string
	Path string
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name string
	Size int
	// Create creates the backing object if it is missing and sizes it to Size.
	// Without Create the object must exist and its size must equal Size.
	Create bool
	// Exclusive makes Create fail when the object already exists.
	Exclusive bool
	Mode      fs.FileMode
}

// Backend is the named shared region capability. Implementations must release any
// partially acquired descriptor or mapping before returning an error from MapRegion.
type Backend interface {
	MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error)
	UnmapRegion(ctx context.Context, region *MappedRegion) error
	RemoveRegion(ctx context.Context, name string) error
	Path(name string) string
}

// DirBackend keeps each backing object as a file named Prefix+name+Suffix inside Dir.
// With Dir set to /dev/shm this is the object shm_open would create.
type DirBackend struct {
	Dir    string
	Prefix string
	Suffix string
	// SkipSpaceCheck disables the free-space probe done before sizing a new object.
	SkipSpaceCheck bool
}

var _ Backend = (*DirBackend)(nil)

// Path returns the file backing name.
func (b *DirBackend) Path(name string) string {
	return filepath.Join(b.Dir, b.Prefix+name+b.Suffix)
}

// Operation names reported in OpError.
const (
	OpOpen      = "open"
	OpStat      = "stat"
	OpTruncate  = "ftruncate"
	OpMmap      = "mmap"
	OpMunmap    = "munmap"
	OpClose     = "close"
	OpUnlink    = "unlink"
	OpSpace     = "space"
	OpSizeCheck = "size"
)

// OpError records the backend step that failed.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

// IsNotExist reports whether err means the backing object does not exist.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// IsExist reports whether err means the backing object already exists.
func IsExist(err error) bool {
	return errors.Is(err, fs.ErrExist)
}

// OpOf returns the failed operation recorded in err, or "" if err carries none.
func OpOf(err error) string {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Op
	}
	return ""
}
