// Package gate provides the named, cross-process mutual exclusion used around every access
// to a shared region's control header.
package gate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// DefaultTimeout bounds a single acquisition.
const DefaultTimeout = 3 * time.Second

const lockSuffix = ".gate"

var (
	// ErrUnavailable is returned when the gate for a name cannot be established or
	// acquired within the timeout.
	ErrUnavailable = errors.New("gate unavailable")
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("gate closed")

	errWouldBlock = errors.New("gate held")
)

// Gate grants exclusive access to the resource called name. release must be called
// exactly once when Acquire succeeds.
type Gate interface {
	Acquire(name string) (release func(), err error)
}

// FileGate serializes holders of the same name with an advisory lock on
// <Dir>/<name>.gate. Goroutines of one process share a descriptor per name and are
// serialized by an in-process mutex before the file lock is taken. Lock files are never
// removed: unlinking one while another process holds it would split the lock.
type FileGate struct {
	dir     string
	timeout time.Duration
	mode    os.FileMode

	entries cmap.ConcurrentMap[string, *lockEntry]

	closeMu sync.RWMutex
	closed  bool
}

type lockEntry struct {
	path string
	mu   sync.Mutex
	fd   int
}

// NewFileGate creates a gate whose lock files live in dir.
func NewFileGate(dir string, timeout time.Duration, mode os.FileMode) *FileGate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if mode == 0 {
		mode = 0600
	}
	return &FileGate{
		dir:     dir,
		timeout: timeout,
		mode:    mode,
		entries: cmap.New[*lockEntry](),
	}
}

// LockPath returns the lock file used for name.
func (g *FileGate) LockPath(name string) string {
	return filepath.Join(g.dir, name+lockSuffix)
}

// Acquire blocks until name is held by the caller or the timeout expires.
func (g *FileGate) Acquire(name string) (func(), error) {
	g.closeMu.RLock()
	defer g.closeMu.RUnlock()
	if g.closed {
		return nil, ErrClosed
	}
	e := g.entry(name)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Microsecond
	b.MaxInterval = 5 * time.Millisecond
	b.MaxElapsedTime = g.timeout

	var lastErr error
	op := func() error {
		if !e.mu.TryLock() {
			lastErr = errWouldBlock
			return lastErr
		}
		if err := e.open(g.mode); err != nil {
			e.mu.Unlock()
			return backoff.Permanent(err)
		}
		if err := tryLockFile(e.fd); err != nil {
			e.mu.Unlock()
			if errors.Is(err, errWouldBlock) {
				lastErr = err
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, errWouldBlock) {
			return nil, fmt.Errorf("%w: %s still held after %s", ErrUnavailable, name, g.timeout)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, e.path, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = unlockFile(e.fd)
			e.mu.Unlock()
		})
	}, nil
}

// Close releases the cached lock file descriptors. Held locks must be released first.
func (g *FileGate) Close() error {
	g.closeMu.Lock()
	defer g.closeMu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	var firstErr error
	for item := range g.entries.IterBuffered() {
		e := item.Val
		e.mu.Lock()
		if err := e.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.mu.Unlock()
		g.entries.Remove(item.Key)
	}
	return firstErr
}

// Remove deletes the lock file of name and drops its cached descriptor. Only call it once
// no process uses name any more: a process still holding the old file would not exclude
// one that creates a new file.
func (g *FileGate) Remove(name string) error {
	g.closeMu.RLock()
	defer g.closeMu.RUnlock()
	if e, ok := g.entries.Pop(name); ok {
		e.mu.Lock()
		_ = e.close()
		e.mu.Unlock()
	}
	if err := os.Remove(g.LockPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (g *FileGate) entry(name string) *lockEntry {
	if e, ok := g.entries.Get(name); ok {
		return e
	}
	g.entries.SetIfAbsent(name, &lockEntry{path: g.LockPath(name), fd: -1})
	e, _ := g.entries.Get(name)
	return e
}

var (
	defaultGates = cmap.New[*FileGate]()
)

// Shared returns the process-wide gate for lock directory dir, creating it on first use.
// Regions that agree on dir share descriptors and in-process mutexes.
func Shared(dir string, timeout time.Duration, mode os.FileMode) *FileGate {
	key := fmt.Sprintf("%s|%s|%o", dir, timeout, mode)
	if g, ok := defaultGates.Get(key); ok {
		return g
	}
	defaultGates.SetIfAbsent(key, NewFileGate(dir, timeout, mode))
	g, _ := defaultGates.Get(key)
	return g
}
