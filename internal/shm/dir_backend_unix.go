//go:build unix

package shm

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// MapRegion maps or creates a shared memory region.
func (b *DirBackend) MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	path := b.Path(opts.Name)
	if opts.Size <= 0 {
		return nil, &OpError{Op: OpSizeCheck, Path: path, Err: fmt.Errorf("invalid size %d", opts.Size)}
	}
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.Create {
		if !b.SkipSpaceCheck && !canCreateIn(b.Dir, uint64(opts.Size)) {
			return nil, &OpError{Op: OpSpace, Path: path, Err: ErrNoSpaceLeft}
		}
		flags |= unix.O_CREAT
		if opts.Exclusive {
			flags |= unix.O_EXCL
		}
	}
	mode := uint32(opts.Mode.Perm())
	if mode == 0 {
		mode = 0600
	}
	fd, err := unix.Open(path, flags, mode)
	if err != nil {
		return nil, &OpError{Op: OpOpen, Path: path, Err: err}
	}
	if opts.Create {
		if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
			_ = unix.Close(fd)
			return nil, &OpError{Op: OpTruncate, Path: path, Err: err}
		}
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			_ = unix.Close(fd)
			return nil, &OpError{Op: OpStat, Path: path, Err: err}
		}
		if st.Size != int64(opts.Size) {
			_ = unix.Close(fd)
			return nil, &OpError{Op: OpSizeCheck, Path: path,
				Err: fmt.Errorf("object is %d bytes, expected %d", st.Size, opts.Size)}
		}
	}
	addr, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, &OpError{Op: OpMmap, Path: path, Err: err}
	}
	return &MappedRegion{
		Addr: addr,
		Fd:   fd,
		Size: opts.Size,
		Name: opts.Name,
		Path: path,
	}, nil
}

// UnmapRegion unmaps and closes the shared memory region. The backing object is kept.
func (b *DirBackend) UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil {
		return nil
	}
	var firstErr error
	if region.Addr != nil {
		if err := unix.Munmap(region.Addr); err != nil {
			firstErr = &OpError{Op: OpMunmap, Path: region.Path, Err: err}
		}
		region.Addr = nil
	}
	if region.Fd >= 0 {
		if err := unix.Close(region.Fd); err != nil && firstErr == nil {
			firstErr = &OpError{Op: OpClose, Path: region.Path, Err: err}
		}
		region.Fd = -1
	}
	return firstErr
}

// RemoveRegion unlinks the backing object so the name can be reused.
func (b *DirBackend) RemoveRegion(ctx context.Context, name string) error {
	path := b.Path(name)
	if err := unix.Unlink(path); err != nil {
		return &OpError{Op: OpUnlink, Path: path, Err: err}
	}
	return nil
}

// Orphaned reports whether the object mapped by region is no longer the one reachable
// through its path, because it was unlinked or replaced by a newer creator.
func Orphaned(region *MappedRegion) (bool, error) {
	if region == nil || region.Fd < 0 {
		return false, &OpError{Op: OpStat, Err: unix.EBADF}
	}
	var held, current unix.Stat_t
	if err := unix.Fstat(region.Fd, &held); err != nil {
		return false, &OpError{Op: OpStat, Path: region.Path, Err: err}
	}
	if err := unix.Stat(region.Path, &current); err != nil {
		if IsNotExist(err) {
			return true, nil
		}
		return false, &OpError{Op: OpStat, Path: region.Path, Err: err}
	}
	return held.Dev != current.Dev || held.Ino != current.Ino, nil
}
