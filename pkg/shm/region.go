package shm

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/Workiva/go-datastructures/bitarray"

	"github.com/srediag/shmregion/internal/gate"
	internalshm "github.com/srediag/shmregion/internal/shm"
)

// ElapsedUnknown is returned by ElapsedSinceLastUpdate when the timestamp cannot be read.
const ElapsedUnknown = time.Duration(math.MaxInt64)

// MaxNameLen bounds region names so that backend prefixes and suffixes still fit in a
// file name.
const MaxNameLen = 200

// Region is one named shared memory region holding a control header and a payload of
// type T. A Region is safe for concurrent use by multiple goroutines.
//
// Header accessors take the region's gate for the duration of a single call. The payload
// returned by Payload is not gated: use Update, or Lock, when several fields must change
// together.
//
// Every process mapping the same name must use the same T. Open rejects objects whose
// size differs from HeaderSize+sizeof(T), but two payload types of equal size cannot be
// told apart.
type Region[T any] struct {
	mu sync.RWMutex

	name        string
	conf        *Config
	log         Logger
	gate        Gate
	backend     Backend
	size        int
	instruments instruments

	role    Role
	mapping *Mapping
	header  *controlHeader
	payload *T
}

// NewRegion returns an unattached region handle for name. It checks that T can be shared
// between processes but does not touch the OS; call Create or Open next. A nil conf uses
// DefaultConfig.
func NewRegion[T any](name string, conf *Config) (*Region[T], error) {
	conf = withDefaults(conf)
	if err := VerifyConfig(conf); err != nil {
		return nil, err
	}
	payload, err := payloadSize[T]()
	if err != nil {
		return nil, err
	}
	g := conf.Gate
	if g == nil {
		g = gate.Shared(conf.LockDir, conf.GateTimeout, conf.Mode)
	}
	return &Region[T]{
		name:        name,
		conf:        conf,
		log:         conf.Logger,
		gate:        g,
		backend:     conf.Backend,
		size:        HeaderSize + payload,
		instruments: newInstruments(conf, conf.Logger),
	}, nil
}

// Name returns the logical name of the region.
func (r *Region[T]) Name() string { return r.name }

// Size returns the size of the mapped object: header plus payload.
func (r *Region[T]) Size() int { return r.size }

// Path returns where the backend keeps the object for this name.
func (r *Region[T]) Path() string { return r.backend.Path(r.name) }

// Role returns whether the handle created the object, opened it, or neither.
func (r *Region[T]) Role() Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.role
}

func checkName(name string) error {
	if name == "" {
		return ErrNoName
	}
	if len(name) > MaxNameLen || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Create creates (or takes over) the backing object, maps it and zeroes it. Any mapping
// already held by this handle is destroyed first. On failure nothing stays mapped or open.
func (r *Region[T]) Create(ctx context.Context) (err error) {
	ctx, span := r.instruments.start(ctx, opCreate, r.name)
	defer func() { r.instruments.finish(ctx, span, opCreate, err) }()
	return r.attach(ctx, Creator)
}

// Open maps the object published by a creator without modifying it. It fails with
// ErrNotFound when there is none and with ErrLayoutMismatch when the object was sized
// for another payload type.
func (r *Region[T]) Open(ctx context.Context) (err error) {
	ctx, span := r.instruments.start(ctx, opOpen, r.name)
	defer func() { r.instruments.finish(ctx, span, opOpen, err) }()
	return r.attach(ctx, User)
}

func (r *Region[T]) attach(ctx context.Context, role Role) error {
	if err := checkName(r.name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyLocked(ctx)

	release, err := r.acquire()
	if err != nil {
		return err
	}
	defer release()

	create := role == Creator
	m, err := r.backend.MapRegion(ctx, MapOptions{
		Name:      r.name,
		Size:      r.size,
		Create:    create,
		Exclusive: create && r.conf.Exclusive,
		Mode:      r.conf.Mode,
	})
	if err != nil {
		err = classify(err, create)
		r.log.Warnf("shmregion: %s %s failed: %v", role, r.name, err)
		return err
	}
	if len(m.Addr) < r.size {
		_ = r.backend.UnmapRegion(ctx, m)
		return fmt.Errorf("%w: mapped %d bytes, need %d", ErrMapping, len(m.Addr), r.size)
	}
	if create {
		clear(m.Addr[:r.size])
	}

	r.mapping = m
	r.header = headerAt(m.Addr)
	r.payload = (*T)(unsafe.Pointer(&m.Addr[HeaderSize]))
	r.role = role
	attachedRegions.WithLabelValues(role.String()).Inc()
	r.log.Infof("shmregion: %s attached as %s at %s (%d bytes)", r.name, role, m.Path, r.size)
	return nil
}

// Destroy unmaps and closes the local mapping and, for the creator only, removes the
// backing object so the name can be reused. It is idempotent, never fails, and is a
// no-op on an unattached handle. Users still attached elsewhere keep their now orphaned
// mapping; see IsOrphaned.
//
// Pointers returned by Payload are invalid after Destroy.
func (r *Region[T]) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.role == Unattached && r.mapping == nil {
		return
	}
	ctx, span := r.instruments.start(context.Background(), opDestroy, r.name)
	r.destroyLocked(ctx)
	r.instruments.finish(ctx, span, opDestroy, nil)
}

// Close calls Destroy. It always returns nil.
func (r *Region[T]) Close() error {
	r.Destroy()
	return nil
}

func (r *Region[T]) destroyLocked(ctx context.Context) {
	if r.role == Unattached && r.mapping == nil {
		return
	}
	release, err := r.acquire()
	if err != nil {
		r.log.Warnf("shmregion: destroying %s without the gate: %v", r.name, err)
	} else {
		defer release()
	}

	if err := r.backend.UnmapRegion(ctx, r.mapping); err != nil {
		r.log.Warnf("shmregion: unmap %s: %v", r.name, err)
	}
	if r.role == Creator {
		if err := r.backend.RemoveRegion(ctx, r.name); err != nil && !internalshm.IsNotExist(err) {
			r.log.Warnf("shmregion: remove %s: %v", r.name, err)
		} else {
			r.log.Infof("shmregion: removed %s", r.name)
		}
	}
	if r.role != Unattached {
		attachedRegions.WithLabelValues(r.role.String()).Dec()
	}

	r.mapping = nil
	r.header = nil
	r.payload = nil
	r.role = Unattached
}

// IsAttached reports whether the handle holds a live mapping. Every other accessor fails
// with ErrNotAttached otherwise.
func (r *Region[T]) IsAttached() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attachedLocked()
}

func (r *Region[T]) attachedLocked() bool {
	return r.role != Unattached &&
		r.name != "" &&
		r.mapping != nil &&
		r.mapping.Addr != nil &&
		r.mapping.Fd >= 0 &&
		r.header != nil &&
		r.payload != nil
}

func (r *Region[T]) acquire() (func(), error) {
	start := time.Now()
	release, err := r.gate.Acquire(r.name)
	gateWaitSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		gateFailures.Inc()
		return nil, fmt.Errorf("%w: %w", ErrGateUnavailable, err)
	}
	return release, nil
}

// withHeader runs fn on the header while holding the gate.
func (r *Region[T]) withHeader(fn func(h *controlHeader)) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.attachedLocked() {
		return ErrNotAttached
	}
	release, err := r.acquire()
	if err != nil {
		return err
	}
	defer release()
	fn(r.header)
	return nil
}

// Touch records the current monotonic time as the last update of the region.
func (r *Region[T]) Touch() error {
	return r.withHeader(func(h *controlHeader) {
		h.storeSystemTime(internalshm.MonotonicMillis())
	})
}

// ElapsedSinceLastUpdate returns the time since the last Touch by any process. It
// returns ElapsedUnknown with the error when the timestamp cannot be read.
func (r *Region[T]) ElapsedSinceLastUpdate() (time.Duration, error) {
	var last uint64
	if err := r.withHeader(func(h *controlHeader) { last = h.loadSystemTime() }); err != nil {
		return ElapsedUnknown, err
	}
	now := internalshm.MonotonicMillis()
	if last >= now {
		return 0, nil
	}
	return time.Duration(now-last) * time.Millisecond, nil
}

// IsDirty reports whether the RequestDirty bit is set.
func (r *Region[T]) IsDirty() (bool, error) {
	code, err := r.RequestCode()
	return code&RequestDirty != 0, err
}

// IsResetRequested reports whether the RequestReset bit is set.
func (r *Region[T]) IsResetRequested() (bool, error) {
	code, err := r.RequestCode()
	return code&RequestReset != 0, err
}

// RequestReset sets the RequestReset bit, keeping the others.
func (r *Region[T]) RequestReset() error {
	return r.updateRequestCode(func(code uint32) uint32 { return code | RequestReset })
}

// MarkDirty sets the RequestDirty bit, keeping the others.
func (r *Region[T]) MarkDirty() error {
	return r.updateRequestCode(func(code uint32) uint32 { return code | RequestDirty })
}

// ClearRequestBits clears the bits of mask, keeping the others.
func (r *Region[T]) ClearRequestBits(mask uint32) error {
	return r.updateRequestCode(func(code uint32) uint32 { return code &^ mask })
}

func (r *Region[T]) updateRequestCode(fn func(uint32) uint32) error {
	return r.withHeader(func(h *controlHeader) { h.updateRequestCode(fn) })
}

// RequestCode returns the whole request-code bitmask.
func (r *Region[T]) RequestCode() (uint32, error) {
	var code uint32
	err := r.withHeader(func(h *controlHeader) { code = h.loadRequestCode() })
	return code, err
}

// SetRequestCode replaces the whole request-code bitmask.
func (r *Region[T]) SetRequestCode(code uint32) error {
	return r.withHeader(func(h *controlHeader) { h.storeRequestCode(code) })
}

// SetChangeFlag raises flag index. Indexes outside [0, ChangeFlagCapacity) are ignored.
func (r *Region[T]) SetChangeFlag(index int) error {
	return r.withFlag(index, func(h *controlHeader) { h.changeFlags[index] = 1 })
}

// CheckChangeFlag reports whether flag index is raised. Indexes outside
// [0, ChangeFlagCapacity) report false.
func (r *Region[T]) CheckChangeFlag(index int) (bool, error) {
	var set bool
	err := r.withFlag(index, func(h *controlHeader) { set = h.changeFlags[index] != 0 })
	return set, err
}

// ResetChangeFlag clears flag index. Indexes outside [0, ChangeFlagCapacity) are ignored.
func (r *Region[T]) ResetChangeFlag(index int) error {
	return r.withFlag(index, func(h *controlHeader) { h.changeFlags[index] = 0 })
}

// ResetAllChangeFlags clears every flag under a single gate hold.
func (r *Region[T]) ResetAllChangeFlags() error {
	return r.withHeader(func(h *controlHeader) { clear(h.changeFlags[:]) })
}

// ConsumeChangeFlags returns the raised flags and clears them under a single gate hold,
// so a flag raised concurrently is either returned now or by the next call.
func (r *Region[T]) ConsumeChangeFlags() (bitarray.BitArray, error) {
	set := bitarray.NewBitArray(ChangeFlagCapacity)
	err := r.withHeader(func(h *controlHeader) {
		for i, f := range h.changeFlags {
			if f != 0 {
				_ = set.SetBit(uint64(i))
				h.changeFlags[i] = 0
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

func (r *Region[T]) withFlag(index int, fn func(h *controlHeader)) error {
	if !validFlagIndex(index) {
		if !r.IsAttached() {
			return ErrNotAttached
		}
		return nil
	}
	return r.withHeader(fn)
}

// Payload returns the shared payload, or nil when the handle is not attached. Access
// through the pointer is not gated and the pointer dies with Destroy.
func (r *Region[T]) Payload() *T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.attachedLocked() {
		return nil
	}
	return r.payload
}

// Update runs fn on the payload while holding the region's gate, so that processes using
// Update never observe each other's partial writes.
func (r *Region[T]) Update(fn func(p *T) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.attachedLocked() {
		return ErrNotAttached
	}
	release, err := r.acquire()
	if err != nil {
		return err
	}
	defer release()
	return fn(r.payload)
}

// Lock takes the region's gate until unlock is called. Use it to gate payload access
// that does not fit Update; header accessors must not be called while it is held.
func (r *Region[T]) Lock() (unlock func(), err error) {
	if !r.IsAttached() {
		return nil, ErrNotAttached
	}
	return r.acquire()
}

// IsOrphaned reports whether the object this handle maps has been removed or replaced
// since it was attached, typically because its creator called Destroy. An orphaned
// mapping stays readable and writable but nobody else sees it; Open again to follow a
// new creator.
func (r *Region[T]) IsOrphaned() (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.attachedLocked() {
		return false, ErrNotAttached
	}
	return internalshm.Orphaned(r.mapping)
}

// Snapshot copies the header under the gate.
func (r *Region[T]) Snapshot() (*HeaderSnapshot, error) {
	var s *HeaderSnapshot
	err := r.withHeader(func(h *controlHeader) {
		s = snapshotHeader(h)
	})
	if err != nil {
		return nil, err
	}
	s.Name = r.name
	s.Path = r.Path()
	s.Size = r.size
	return s, nil
}
