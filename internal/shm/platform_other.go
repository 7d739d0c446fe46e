//go:build !unix

package shm

import (
	"context"
	"os"
	"path/filepath"
)

type unsupportedBackend struct{}

// DefaultBackend returns a backend that fails every mapping with ErrUnsupported.
func DefaultBackend() Backend {
	return unsupportedBackend{}
}

// DefaultLockDir returns the directory holding gate lock files.
func DefaultLockDir() string {
	return os.TempDir()
}

func (unsupportedBackend) MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, &OpError{Op: OpOpen, Path: opts.Name, Err: ErrUnsupported}
}

func (unsupportedBackend) UnmapRegion(ctx context.Context, region *MappedRegion) error {
	return nil
}

func (unsupportedBackend) RemoveRegion(ctx context.Context, name string) error {
	return nil
}

func (unsupportedBackend) Path(name string) string {
	return filepath.Join(os.TempDir(), name+".mmf")
}

func (b *DirBackend) MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, &OpError{Op: OpOpen, Path: b.Path(opts.Name), Err: ErrUnsupported}
}

func (b *DirBackend) UnmapRegion(ctx context.Context, region *MappedRegion) error {
	return nil
}

func (b *DirBackend) RemoveRegion(ctx context.Context, name string) error {
	return &OpError{Op: OpUnlink, Path: b.Path(name), Err: ErrUnsupported}
}

// Orphaned is not available without a unix backend.
func Orphaned(region *MappedRegion) (bool, error) {
	return false, ErrUnsupported
}
