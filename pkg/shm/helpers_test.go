package shm

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

type testPayload struct {
	Value int32
	Pad   [256]byte
}

type otherPayload struct {
	Value int64
	Pad   [512]byte
}

func testName() string {
	return "shmregion_test_" + uuid.NewString()
}

func testConfig(t testing.TB) *Config {
	conf := DefaultConfig()
	b := &DirBackend{Dir: t.TempDir()}
	if def, ok := DefaultBackend().(*DirBackend); ok {
		b.Prefix, b.Suffix = def.Prefix, def.Suffix
	}
	conf.Backend = b
	conf.LockDir = t.TempDir()
	conf.GateTimeout = 2 * time.Second
	return conf
}

func newTestRegion[T any](t testing.TB, name string, conf *Config) *Region[T] {
	r, err := NewRegion[T](name, conf)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	t.Cleanup(r.Destroy)
	return r
}

var errGateDown = errors.New("gate down")

// switchGate fails every acquisition while down is set.
type switchGate struct {
	inner Gate
	down  atomic.Bool
}

func (g *switchGate) Acquire(name string) (func(), error) {
	if g.down.Load() {
		return nil, errGateDown
	}
	return g.inner.Acquire(name)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
