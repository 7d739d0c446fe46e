package shm

import (
	"fmt"
	"reflect"
	"unsafe"

	internalshm "github.com/srediag/shmregion/internal/shm"
)

// Region layout. Every process mapping a name must agree on it byte for byte:
//
//	[0, 8)            systemTime, monotonic milliseconds
//	[8, 16)           userRequestCode, low 32 bits significant
//	[16, 272)         change flags, one byte each
//	[272, 272+size T) payload
const (
	ChangeFlagCapacity = 256

	systemTimeOffset  = 0
	requestCodeOffset = 8
	changeFlagsOffset = 16

	// HeaderSize is the offset of the payload.
	HeaderSize = changeFlagsOffset + ChangeFlagCapacity
)

// Reserved request-code bits. All other bits are defined by callers.
const (
	RequestDirty uint32 = 1 << 1
	RequestReset uint32 = 1 << 2
)

type controlHeader struct {
	systemTime  uint64
	requestCode uint64
	changeFlags [ChangeFlagCapacity]byte
}

// The header struct must match the published offsets exactly.
var (
	_ [HeaderSize - unsafe.Sizeof(controlHeader{})]struct{}
	_ [unsafe.Sizeof(controlHeader{}) - HeaderSize]struct{}
	_ [requestCodeOffset - unsafe.Offsetof(controlHeader{}.requestCode)]struct{}
	_ [unsafe.Offsetof(controlHeader{}.requestCode) - requestCodeOffset]struct{}
	_ [changeFlagsOffset - unsafe.Offsetof(controlHeader{}.changeFlags)]struct{}
	_ [unsafe.Offsetof(controlHeader{}.changeFlags) - changeFlagsOffset]struct{}
	_ [HeaderSize % 8]struct{}
)

func headerAt(mem []byte) *controlHeader {
	return (*controlHeader)(unsafe.Pointer(&mem[0]))
}

func (h *controlHeader) loadSystemTime() uint64 {
	return internalshm.AtomicLoadUint64(unsafe.Pointer(&h.systemTime))
}

func (h *controlHeader) storeSystemTime(v uint64) {
	internalshm.AtomicStoreUint64(unsafe.Pointer(&h.systemTime), v)
}

func (h *controlHeader) loadRequestCode() uint32 {
	return uint32(internalshm.AtomicLoadUint64(unsafe.Pointer(&h.requestCode)))
}

func (h *controlHeader) storeRequestCode(v uint32) {
	internalshm.AtomicStoreUint64(unsafe.Pointer(&h.requestCode), uint64(v))
}

// updateRequestCode applies fn in a compare-and-swap loop, so that a concurrent store is
// never overwritten by a stale read-modify-write.
func (h *controlHeader) updateRequestCode(fn func(uint32) uint32) uint32 {
	addr := unsafe.Pointer(&h.requestCode)
	for {
		old := internalshm.AtomicLoadUint64(addr)
		next := uint64(fn(uint32(old)))
		if internalshm.AtomicCompareAndSwapUint64(addr, old, next) {
			return uint32(next)
		}
	}
}

func validFlagIndex(index int) bool {
	return index >= 0 && index < ChangeFlagCapacity
}

// payloadSize returns the size of T after checking that T can be shared between
// processes: fixed-width, pointer-free and at most 8-byte aligned.
func payloadSize[T any]() (int, error) {
	var zero T
	t := reflect.TypeOf(&zero).Elem()
	if err := checkPayloadType(t, t.String()); err != nil {
		return 0, err
	}
	if unsafe.Alignof(zero) > 8 {
		return 0, fmt.Errorf("%w: %s needs %d-byte alignment", ErrInvalidPayload, t, unsafe.Alignof(zero))
	}
	return int(unsafe.Sizeof(zero)), nil
}

func checkPayloadType(t reflect.Type, path string) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Array:
		return checkPayloadType(t.Elem(), path+"[]")
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if err := checkPayloadType(f.Type, path+"."+f.Name); err != nil {
				return err
			}
		}
		return nil
	case reflect.Int, reflect.Uint, reflect.Uintptr:
		return fmt.Errorf("%w: %s is %s, whose size depends on the process", ErrInvalidPayload, path, t.Kind())
	default:
		return fmt.Errorf("%w: %s is %s, which does not survive a process boundary", ErrInvalidPayload, path, t.Kind())
	}
}
