//go:build unix

package gate

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// open must be called with e.mu held.
func (e *lockEntry) open(mode os.FileMode) error {
	if e.fd >= 0 {
		return nil
	}
	fd, err := unix.Open(e.path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, uint32(mode.Perm()))
	if err != nil {
		return err
	}
	e.fd = fd
	return nil
}

// close must be called with e.mu held.
func (e *lockEntry) close() error {
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}

func tryLockFile(fd int) error {
	for {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EWOULDBLOCK):
			return errWouldBlock
		default:
			return err
		}
	}
}

func unlockFile(fd int) error {
	return unix.Flock(fd, unix.LOCK_UN)
}
