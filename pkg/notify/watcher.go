// Package notify turns a region's change flags into callbacks.
//
// A Watcher consumes the raised flags of one region at a fixed interval and runs the
// handler registered for each raised index on a goroutine pool. It assigns no meaning to
// the indexes: producers and consumers agree on them out of band.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Workiva/go-datastructures/bitarray"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmregion/pkg/shm"
)

const (
	DefaultInterval = 10 * time.Millisecond
	DefaultPoolSize = 8
)

// ErrInvalidIndex is returned by Handle for indexes outside [0, shm.ChangeFlagCapacity).
var ErrInvalidIndex = errors.New("change flag index out of range")

var dispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "shmregion_watcher_dispatched_total",
	Help: "Change flags handed to a handler, by region.",
}, []string{"region"})

func init() {
	prometheus.MustRegister(dispatched)
}

// Source is the view of a region a Watcher needs. *shm.Region satisfies it.
type Source interface {
	Name() string
	ConsumeChangeFlags() (bitarray.BitArray, error)
	SetChangeFlag(index int) error
}

// Handler is called with the index of a raised flag.
type Handler func(index int)

// Options configures a Watcher. Zero values select the defaults.
type Options struct {
	Interval time.Duration
	PoolSize int
	// Fallback receives indexes without a registered handler. When nil they are dropped.
	Fallback Handler
	// Nonblocking makes Poll fail instead of waiting when every worker is busy. The
	// undispatched flags are raised again for the next Poll.
	Nonblocking bool
	Logger      shm.Logger
}

// Watcher dispatches the change flags of one region.
type Watcher struct {
	src      Source
	interval time.Duration
	fallback Handler
	log      shm.Logger

	handlers cmap.ConcurrentMap[int, Handler]
	pool     *ants.Pool
}

// NewWatcher returns a watcher for src. Close releases its pool.
func NewWatcher(src Source, opts Options) (*Watcher, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.Logger == nil {
		opts.Logger = shm.LogFunc(nil)
	}
	w := &Watcher{
		src:      src,
		interval: opts.Interval,
		fallback: opts.Fallback,
		log:      opts.Logger,
		handlers: cmap.NewWithCustomShardingFunction[int, Handler](func(key int) uint32 {
			return uint32(key)
		}),
	}
	pool, err := ants.NewPool(opts.PoolSize,
		ants.WithNonblocking(opts.Nonblocking),
		ants.WithPanicHandler(func(p interface{}) {
			w.log.Errorf("shmregion: change flag handler of %s panicked: %v", src.Name(), p)
		}))
	if err != nil {
		return nil, fmt.Errorf("notify: create pool: %w", err)
	}
	w.pool = pool
	return w, nil
}

// Handle registers h for index, replacing any previous handler.
func (w *Watcher) Handle(index int, h Handler) error {
	if index < 0 || index >= shm.ChangeFlagCapacity {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	if h == nil {
		w.handlers.Remove(index)
		return nil
	}
	w.handlers.Set(index, h)
	return nil
}

// Remove unregisters the handler of index.
func (w *Watcher) Remove(index int) {
	w.handlers.Remove(index)
}

// Poll consumes the raised flags once and submits their handlers. It returns the number
// of handlers submitted; they may still be running when Poll returns. A closed watcher
// consumes nothing and returns ants.ErrPoolClosed. Flags that could not be submitted are
// raised again in the region.
func (w *Watcher) Poll() (int, error) {
	if w.pool.IsClosed() {
		return 0, ants.ErrPoolClosed
	}
	set, err := w.src.ConsumeChangeFlags()
	if err != nil {
		return 0, err
	}
	nums := set.ToNums()
	n := 0
	for i, idx := range nums {
		index := int(idx)
		h, ok := w.handlers.Get(index)
		if !ok {
			h = w.fallback
		}
		if h == nil {
			w.log.Debugf("shmregion: no handler for change flag %d of %s", index, w.src.Name())
			continue
		}
		if err := w.pool.Submit(func() { h(index) }); err != nil {
			w.raise(nums[i:])
			return n, fmt.Errorf("notify: dispatch flag %d: %w", index, err)
		}
		dispatched.WithLabelValues(w.src.Name()).Inc()
		n++
	}
	return n, nil
}

// raise sets the given flags again so the next Poll sees them.
func (w *Watcher) raise(nums []uint64) {
	for _, idx := range nums {
		if err := w.src.SetChangeFlag(int(idx)); err != nil {
			w.log.Errorf("shmregion: change flag %d of %s lost: %v", idx, w.src.Name(), err)
		}
	}
}

// Run polls every interval until ctx is done or the watcher is closed. Other poll
// failures are logged and polling continues.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.Poll(); err != nil {
			if errors.Is(err, ants.ErrPoolClosed) {
				return err
			}
			w.log.Warnf("shmregion: watching %s: %v", w.src.Name(), err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close waits up to timeout for running handlers and releases the pool.
func (w *Watcher) Close(timeout time.Duration) error {
	return w.pool.ReleaseTimeout(timeout)
}
