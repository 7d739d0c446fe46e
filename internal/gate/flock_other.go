//go:build !unix

package gate

import "os"

// Without flock the gate only serializes goroutines of the calling process.

func (e *lockEntry) open(mode os.FileMode) error {
	if e.fd >= 0 {
		return nil
	}
	f, err := os.OpenFile(e.path, os.O_RDWR|os.O_CREATE, mode)
	if err != nil {
		return err
	}
	_ = f.Close()
	e.fd = 0
	return nil
}

func (e *lockEntry) close() error {
	e.fd = -1
	return nil
}

func tryLockFile(fd int) error { return nil }

func unlockFile(fd int) error { return nil }
