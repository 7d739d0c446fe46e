package shm

import (
	"errors"
	"fmt"

	internalshm "github.com/srediag/shmregion/internal/shm"
)

var (
	// ErrNoName is returned by Create and Open when the region has no name.
	ErrNoName = errors.New("shm region has no name")
	// ErrInvalidName is returned for names the backing object namespace cannot hold.
	ErrInvalidName = errors.New("invalid shm region name")
	// ErrInvalidConfig wraps the violations reported by VerifyConfig.
	ErrInvalidConfig = errors.New("invalid shm region config")
	// ErrInvalidPayload is returned by NewRegion for payload types that cannot live in
	// shared memory.
	ErrInvalidPayload = errors.New("invalid shm payload type")
	// ErrGateUnavailable means the named mutual-exclusion gate could not be established or
	// acquired.
	ErrGateUnavailable = errors.New("shm gate unavailable")
	// ErrBackingObject means the OS object could not be created, sized or removed.
	ErrBackingObject = errors.New("shm backing object error")
	// ErrMapping means the object could not be mapped into the address space.
	ErrMapping = errors.New("shm mapping error")
	// ErrNotFound is returned by Open when no creator has published the name yet.
	ErrNotFound = errors.New("shm region not found")
	// ErrLayoutMismatch is returned by Open when the object size does not match the
	// payload type of the opening region.
	ErrLayoutMismatch = errors.New("shm region layout mismatch")
	// ErrAlreadyExists is returned by an exclusive Create when the object already exists.
	ErrAlreadyExists = errors.New("shm region already exists")
	// ErrNotAttached is returned by accessors of a region that is neither created nor opened.
	ErrNotAttached = errors.New("shm region not attached")
	// ErrUnsupported is returned on hosts without a shared memory backend.
	ErrUnsupported = internalshm.ErrUnsupported
)

// classify maps a backend failure onto the error taxonomy.
func classify(err error, create bool) error {
	var kind error
	switch {
	case errors.Is(err, internalshm.ErrUnsupported):
		return err
	case !create && internalshm.IsNotExist(err):
		kind = ErrNotFound
	case create && internalshm.IsExist(err):
		kind = ErrAlreadyExists
	default:
		switch internalshm.OpOf(err) {
		case internalshm.OpMmap:
			kind = ErrMapping
		case internalshm.OpSizeCheck:
			if create {
				kind = ErrBackingObject
			} else {
				kind = ErrLayoutMismatch
			}
		default:
			kind = ErrBackingObject
		}
	}
	return fmt.Errorf("%w: %w", kind, err)
}
