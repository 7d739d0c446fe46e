// Package lifecycle keeps a region's liveness timestamp current on behalf of its creator.
//
// Stopping a heartbeat and destroying the region do not remove the region's gate lock
// file. The process that knows it is the last user of a name removes it with
// shm.RemoveLockFile.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmregion/pkg/shm"
)

// DefaultInterval is used when NewHeartbeat gets a non-positive interval.
const DefaultInterval = time.Second

// ErrStarted is returned by Start on a heartbeat that is already running or stopped.
var ErrStarted = errors.New("heartbeat already started")

var heartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "shmregion_heartbeat_total",
	Help: "Heartbeat touches by outcome.",
}, []string{"region", "result"})

func init() {
	prometheus.MustRegister(heartbeats)
}

// Toucher is the view of a region a Heartbeat needs. *shm.Region satisfies it.
type Toucher interface {
	Name() string
	Touch() error
}

// Heartbeat calls Touch on a region from one goroutine at a fixed interval.
type Heartbeat struct {
	src      Toucher
	interval time.Duration
	log      shm.Logger

	beats    atomic.Uint64
	failures atomic.Uint64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewHeartbeat returns a stopped heartbeat for src. A nil log discards failures.
func NewHeartbeat(src Toucher, interval time.Duration, log shm.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = shm.LogFunc(nil)
	}
	return &Heartbeat{
		src:      src,
		interval: interval,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Start touches the region once and then every interval until Stop is called or ctx is
// done. A heartbeat can be started only once.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return ErrStarted
	}
	h.started = true
	ctx, h.cancel = context.WithCancel(ctx)
	go h.run(ctx)
	return nil
}

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	h.beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

func (h *Heartbeat) beat() {
	if err := h.src.Touch(); err != nil {
		h.failures.Add(1)
		heartbeats.WithLabelValues(h.src.Name(), "error").Inc()
		h.log.Warnf("shmregion: heartbeat of %s failed: %v", h.src.Name(), err)
		return
	}
	h.beats.Add(1)
	heartbeats.WithLabelValues(h.src.Name(), "ok").Inc()
}

// Stop ends the heartbeat and waits for its goroutine. It is safe to call more than
// once and before Start.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.started {
		h.started = true
		close(h.done)
	}
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-h.done
}

// Done is closed when the heartbeat goroutine has exited.
func (h *Heartbeat) Done() <-chan struct{} { return h.done }

// Beats returns the number of successful touches.
func (h *Heartbeat) Beats() uint64 { return h.beats.Load() }

// Failures returns the number of failed touches.
func (h *Heartbeat) Failures() uint64 { return h.failures.Load() }
