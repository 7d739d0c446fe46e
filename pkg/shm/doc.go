// Package shm publishes a fixed-size typed payload in named shared memory visible to other
// processes on the same host, next to a small control header.
//
// The header holds a liveness timestamp, a 32-bit request-code bitmask whose RequestDirty
// and RequestReset bits are reserved, and ChangeFlagCapacity independent one-byte change
// flags. Every header access is serialized across processes by a named Gate; payload
// access is the caller's to gate, with Update or Lock.
//
// Example usage:
//
//	type Status struct {
//		Value int32
//	}
//
//	creator, err := shm.NewRegion[Status]("status", nil)
//	// ...
//	if err := creator.Create(ctx); err != nil {
//		// ...
//	}
//	defer creator.Destroy()
//	_ = creator.Update(func(s *Status) error { s.Value = 42; return nil })
//	_ = creator.Touch()
//
//	// in another process
//	user, err := shm.NewRegion[Status]("status", nil)
//	// ...
//	if err := user.Open(ctx); errors.Is(err, shm.ErrNotFound) {
//		// no creator yet
//	}
//	value := user.Payload().Value
//
// On Linux the object is /dev/shm/<name>MMF and the gate lock file /dev/shm/<name>.gate.
//
// The creator's Destroy removes the object but never the lock file, which stays behind
// after every process has exited. Callers own that cleanup: once the last creator and all
// users of a name are gone, remove it with RemoveLockFile.
package shm
