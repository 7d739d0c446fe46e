package shm

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type RegionTestSuite struct {
	suite.Suite
	ctx     context.Context
	conf    *Config
	name    string
	creator *Region[testPayload]
	user    *Region[testPayload]
}

func (s *RegionTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.conf = testConfig(s.T())
	s.name = testName()
	s.creator = newTestRegion[testPayload](s.T(), s.name, s.conf)
	s.user = newTestRegion[testPayload](s.T(), s.name, s.conf)
}

func (s *RegionTestSuite) createAndOpen() {
	s.Require().NoError(s.creator.Create(s.ctx))
	s.Require().NoError(s.user.Open(s.ctx))
}

func (s *RegionTestSuite) TestCreateThenOpen() {
	s.createAndOpen()
	s.True(s.creator.IsAttached())
	s.True(s.user.IsAttached())
	s.Equal(Creator, s.creator.Role())
	s.Equal(User, s.user.Role())
	s.Equal(HeaderSize+int(unsafe.Sizeof(testPayload{})), s.creator.Size())

	a, err := s.creator.Snapshot()
	s.Require().NoError(err)
	b, err := s.user.Snapshot()
	s.Require().NoError(err)
	s.Equal(a, b)
	s.Zero(a.RequestCode)
	s.Empty(a.ChangeFlags)
}

func (s *RegionTestSuite) TestCreateDestroyLeavesNothing() {
	s.Require().NoError(s.creator.Create(s.ctx))
	path := s.creator.Path()
	_, err := os.Stat(path)
	s.Require().NoError(err)

	s.Require().NoError(s.creator.Update(func(p *testPayload) error {
		p.Value = 42
		return nil
	}))
	s.Require().NoError(s.creator.SetRequestCode(0xff))
	s.creator.Destroy()
	s.False(s.creator.IsAttached())
	s.Equal(Unattached, s.creator.Role())
	_, err = os.Stat(path)
	s.True(os.IsNotExist(err))

	next := newTestRegion[testPayload](s.T(), s.name, s.conf)
	s.Require().NoError(next.Create(s.ctx))
	s.Equal(int32(0), next.Payload().Value)
	code, err := next.RequestCode()
	s.Require().NoError(err)
	s.Zero(code)
}

func (s *RegionTestSuite) TestCreateTakesOverStaleObject() {
	s.Require().NoError(s.creator.Create(s.ctx))
	s.creator.Payload().Value = 7
	// a crashed creator leaves its object behind; the next creator must start from zero
	stale := s.creator.mapping
	s.creator.mapping = nil
	s.creator.role = Unattached
	s.creator.header, s.creator.payload = nil, nil
	s.Require().NoError(s.conf.Backend.UnmapRegion(s.ctx, stale))

	s.Require().NoError(s.creator.Create(s.ctx))
	s.Equal(int32(0), s.creator.Payload().Value)
}

func (s *RegionTestSuite) TestRecreateOnSameHandle() {
	s.Require().NoError(s.creator.Create(s.ctx))
	fds := openFds()
	for i := 0; i < 5; i++ {
		s.Require().NoError(s.creator.Create(s.ctx))
		s.True(s.creator.IsAttached())
	}
	if fds >= 0 {
		s.Equal(fds, openFds())
	}
	s.Require().NoError(s.user.Open(s.ctx))
	s.Require().NoError(s.user.Open(s.ctx))
	if fds >= 0 {
		s.Equal(fds+1, openFds())
	}
}

func (s *RegionTestSuite) TestPayloadVisibleToUser() {
	s.Require().NoError(s.creator.Create(s.ctx))
	s.Require().NoError(s.creator.Update(func(p *testPayload) error {
		p.Value = 42
		return nil
	}))
	s.Require().NoError(s.user.Open(s.ctx))
	s.Equal(int32(42), s.user.Payload().Value)

	s.user.Payload().Value = 99
	s.Equal(int32(99), s.creator.Payload().Value)
}

func (s *RegionTestSuite) TestRequestCodeRoundTrip() {
	s.createAndOpen()
	for _, v := range []uint32{0, 1, RequestDirty, RequestReset, RequestDirty | RequestReset, 0xdeadbeef, 0xffffffff, 1 << 31} {
		s.Require().NoError(s.creator.SetRequestCode(v))
		got, err := s.creator.RequestCode()
		s.Require().NoError(err)
		s.Equal(v, got)
		got, err = s.user.RequestCode()
		s.Require().NoError(err)
		s.Equal(v, got)
	}
}

func (s *RegionTestSuite) TestReservedBits() {
	s.createAndOpen()
	s.Require().NoError(s.creator.SetRequestCode(1 << 8))

	dirty, err := s.user.IsDirty()
	s.Require().NoError(err)
	s.False(dirty)
	s.Require().NoError(s.user.MarkDirty())
	dirty, err = s.creator.IsDirty()
	s.Require().NoError(err)
	s.True(dirty)

	reset, err := s.creator.IsResetRequested()
	s.Require().NoError(err)
	s.False(reset)
	s.Require().NoError(s.user.RequestReset())
	reset, err = s.creator.IsResetRequested()
	s.Require().NoError(err)
	s.True(reset)

	code, err := s.creator.RequestCode()
	s.Require().NoError(err)
	s.Equal(uint32(1<<8)|RequestDirty|RequestReset, code)

	s.Require().NoError(s.creator.ClearRequestBits(RequestReset))
	code, err = s.user.RequestCode()
	s.Require().NoError(err)
	s.Equal(uint32(1<<8)|RequestDirty, code)
}

func (s *RegionTestSuite) TestChangeFlagsAreIndependent() {
	s.createAndOpen()
	for i := 0; i < ChangeFlagCapacity; i++ {
		s.Require().NoError(s.creator.SetChangeFlag(i))
		set, err := s.user.CheckChangeFlag(i)
		s.Require().NoError(err)
		s.True(set, "flag %d", i)
		other := (i + 1) % ChangeFlagCapacity
		set, err = s.user.CheckChangeFlag(other)
		s.Require().NoError(err)
		s.False(set, "flag %d after setting %d", other, i)

		s.Require().NoError(s.user.ResetChangeFlag(i))
		set, err = s.creator.CheckChangeFlag(i)
		s.Require().NoError(err)
		s.False(set, "flag %d", i)
	}
}

func (s *RegionTestSuite) TestResetOneKeepsOthers() {
	s.createAndOpen()
	s.Require().NoError(s.creator.SetChangeFlag(1))
	s.Require().NoError(s.creator.SetChangeFlag(2))
	s.Require().NoError(s.user.ResetChangeFlag(1))
	set, err := s.user.CheckChangeFlag(2)
	s.Require().NoError(err)
	s.True(set)
}

func (s *RegionTestSuite) TestResetAllChangeFlags() {
	s.createAndOpen()
	for i := 0; i < ChangeFlagCapacity; i += 3 {
		s.Require().NoError(s.creator.SetChangeFlag(i))
	}
	s.Require().NoError(s.user.ResetAllChangeFlags())
	for i := 0; i < ChangeFlagCapacity; i++ {
		set, err := s.creator.CheckChangeFlag(i)
		s.Require().NoError(err)
		s.False(set, "flag %d", i)
	}
}

func (s *RegionTestSuite) TestChangeFlagOutOfRange() {
	s.createAndOpen()
	for _, i := range []int{-1, ChangeFlagCapacity, ChangeFlagCapacity + 1, 1 << 20} {
		s.NoError(s.creator.SetChangeFlag(i))
		set, err := s.creator.CheckChangeFlag(i)
		s.NoError(err)
		s.False(set)
		s.NoError(s.creator.ResetChangeFlag(i))
	}
	snap, err := s.user.Snapshot()
	s.Require().NoError(err)
	s.Empty(snap.ChangeFlags)
}

func (s *RegionTestSuite) TestConsumeChangeFlags() {
	s.createAndOpen()
	s.Require().NoError(s.creator.SetChangeFlag(3))
	s.Require().NoError(s.creator.SetChangeFlag(200))

	set, err := s.user.ConsumeChangeFlags()
	s.Require().NoError(err)
	s.Equal([]uint64{3, 200}, set.ToNums())

	set, err = s.user.ConsumeChangeFlags()
	s.Require().NoError(err)
	s.True(set.IsEmpty())
}

func (s *RegionTestSuite) TestTouchAndElapsed() {
	s.createAndOpen()
	s.Require().NoError(s.creator.Touch())
	elapsed, err := s.user.ElapsedSinceLastUpdate()
	s.Require().NoError(err)
	s.Less(elapsed, 5*time.Second)

	snap, err := s.user.Snapshot()
	s.Require().NoError(err)
	s.NotZero(snap.SystemTime)
}

func (s *RegionTestSuite) TestUnattachedAccessors() {
	s.False(s.creator.IsAttached())
	s.Nil(s.creator.Payload())

	elapsed, err := s.creator.ElapsedSinceLastUpdate()
	s.ErrorIs(err, ErrNotAttached)
	s.Equal(ElapsedUnknown, elapsed)
	_, err = s.creator.RequestCode()
	s.ErrorIs(err, ErrNotAttached)
	s.ErrorIs(s.creator.SetRequestCode(1), ErrNotAttached)
	_, err = s.creator.IsDirty()
	s.ErrorIs(err, ErrNotAttached)
	s.ErrorIs(s.creator.RequestReset(), ErrNotAttached)
	_, err = s.creator.CheckChangeFlag(0)
	s.ErrorIs(err, ErrNotAttached)
	_, err = s.creator.CheckChangeFlag(-1)
	s.ErrorIs(err, ErrNotAttached)
	s.ErrorIs(s.creator.ResetAllChangeFlags(), ErrNotAttached)
	_, err = s.creator.ConsumeChangeFlags()
	s.ErrorIs(err, ErrNotAttached)
	s.ErrorIs(s.creator.Update(func(*testPayload) error { return nil }), ErrNotAttached)
	_, err = s.creator.Lock()
	s.ErrorIs(err, ErrNotAttached)
	_, err = s.creator.IsOrphaned()
	s.ErrorIs(err, ErrNotAttached)
	_, err = s.creator.Snapshot()
	s.ErrorIs(err, ErrNotAttached)
}

func (s *RegionTestSuite) TestDestroyIsIdempotent() {
	s.creator.Destroy()
	s.creator.Destroy()
	s.Require().NoError(s.creator.Create(s.ctx))
	s.Require().NoError(s.creator.Close())
	s.creator.Destroy()
	s.False(s.creator.IsAttached())
}

func (s *RegionTestSuite) TestOpenMissing() {
	err := s.user.Open(s.ctx)
	s.ErrorIs(err, ErrNotFound)
	s.False(s.user.IsAttached())
	s.Equal(Unattached, s.user.Role())
}

func (s *RegionTestSuite) TestOpenLayoutMismatch() {
	s.Require().NoError(s.creator.Create(s.ctx))
	other := newTestRegion[otherPayload](s.T(), s.name, s.conf)
	err := other.Open(s.ctx)
	s.ErrorIs(err, ErrLayoutMismatch)
	s.False(other.IsAttached())
}

func (s *RegionTestSuite) TestNames() {
	r := newTestRegion[testPayload](s.T(), "", s.conf)
	s.ErrorIs(r.Create(s.ctx), ErrNoName)
	s.ErrorIs(r.Open(s.ctx), ErrNoName)

	for _, name := range []string{"a/b", "nul\x00", strings.Repeat("a", MaxNameLen+1)} {
		r := newTestRegion[testPayload](s.T(), name, s.conf)
		s.ErrorIs(r.Create(s.ctx), ErrInvalidName)
	}
}

func (s *RegionTestSuite) TestLockFileOutlivesRegion() {
	s.createAndOpen()
	lock := NewFileGate(s.conf).LockPath(s.name)
	s.user.Destroy()
	s.creator.Destroy()
	_, err := os.Stat(lock)
	s.Require().NoError(err, "lock file is left for the caller")

	s.Require().NoError(RemoveLockFile(s.conf, s.name))
	_, err = os.Stat(lock)
	s.True(os.IsNotExist(err))
	s.NoError(RemoveLockFile(s.conf, s.name))
	s.ErrorIs(RemoveLockFile(s.conf, ""), ErrNoName)

	// the name stays usable
	s.Require().NoError(s.creator.Create(s.ctx))
	s.Require().NoError(s.creator.Touch())
}

func (s *RegionTestSuite) TestUserDestroyKeepsObject() {
	s.createAndOpen()
	s.user.Destroy()
	_, err := os.Stat(s.creator.Path())
	s.NoError(err)
	s.True(s.creator.IsAttached())
	s.Require().NoError(s.user.Open(s.ctx))
}

func (s *RegionTestSuite) TestCreatorDestroyOrphansUser() {
	s.createAndOpen()
	orphaned, err := s.user.IsOrphaned()
	s.Require().NoError(err)
	s.False(orphaned)

	s.creator.Destroy()
	s.True(s.user.IsAttached())
	orphaned, err = s.user.IsOrphaned()
	s.Require().NoError(err)
	s.True(orphaned)
	s.user.Payload().Value = 5

	next := newTestRegion[testPayload](s.T(), s.name, s.conf)
	s.Require().NoError(next.Create(s.ctx))
	s.Equal(int32(0), next.Payload().Value)

	s.Require().NoError(s.user.Open(s.ctx))
	orphaned, err = s.user.IsOrphaned()
	s.Require().NoError(err)
	s.False(orphaned)
	s.Equal(int32(0), s.user.Payload().Value)
}

func (s *RegionTestSuite) TestExclusiveCreate() {
	conf := *s.conf
	conf.Exclusive = true
	first := newTestRegion[testPayload](s.T(), s.name, &conf)
	s.Require().NoError(first.Create(s.ctx))
	second := newTestRegion[testPayload](s.T(), s.name, &conf)
	s.ErrorIs(second.Create(s.ctx), ErrAlreadyExists)
	s.False(second.IsAttached())
	s.True(first.IsAttached())
}

func (s *RegionTestSuite) TestGateUnavailable() {
	g := &switchGate{inner: NewFileGate(s.conf)}
	conf := *s.conf
	conf.Gate = g
	r := newTestRegion[testPayload](s.T(), s.name, &conf)

	g.down.Store(true)
	s.ErrorIs(r.Create(s.ctx), ErrGateUnavailable)
	s.False(r.IsAttached())
	_, err := os.Stat(r.Path())
	s.True(os.IsNotExist(err))

	g.down.Store(false)
	s.Require().NoError(r.Create(s.ctx))

	g.down.Store(true)
	elapsed, err := r.ElapsedSinceLastUpdate()
	s.ErrorIs(err, ErrGateUnavailable)
	s.Equal(ElapsedUnknown, elapsed)
	s.ErrorIs(r.SetRequestCode(1), ErrGateUnavailable)
	_, err = r.CheckChangeFlag(0)
	s.ErrorIs(err, ErrGateUnavailable)

	// teardown proceeds without the gate
	r.Destroy()
	s.False(r.IsAttached())
	_, err = os.Stat(r.Path())
	s.True(os.IsNotExist(err))
}

func (s *RegionTestSuite) TestUpdateError() {
	s.Require().NoError(s.creator.Create(s.ctx))
	err := s.creator.Update(func(p *testPayload) error {
		p.Value = 1
		return assert.AnError
	})
	s.ErrorIs(err, assert.AnError)
	// the gate was released
	s.Require().NoError(s.creator.Touch())
}

func (s *RegionTestSuite) TestLockSerializesPayload() {
	s.createAndOpen()
	var wg sync.WaitGroup
	for _, r := range []*Region[testPayload]{s.creator, s.user} {
		wg.Add(1)
		go func(r *Region[testPayload]) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				unlock, err := r.Lock()
				if !assert.NoError(s.T(), err) {
					return
				}
				p := r.Payload()
				v := p.Value
				p.Pad[0]++
				p.Value = v + 1
				unlock()
			}
		}(r)
	}
	wg.Wait()
	s.Equal(int32(1000), s.creator.Payload().Value)
}

func (s *RegionTestSuite) TestConcurrentRequestCodeWrites() {
	s.createAndOpen()
	const a, b = uint32(0xaaaaaaaa), uint32(0x55555555)
	var wg sync.WaitGroup
	write := func(r *Region[testPayload], v uint32) {
		defer wg.Done()
		for i := 0; i < 300; i++ {
			assert.NoError(s.T(), r.SetRequestCode(v))
		}
	}
	wg.Add(3)
	go write(s.creator, a)
	go write(s.user, b)
	go func() {
		defer wg.Done()
		for i := 0; i < 300; i++ {
			v, err := s.creator.RequestCode()
			assert.NoError(s.T(), err)
			assert.Contains(s.T(), []uint32{0, a, b}, v)
		}
	}()
	wg.Wait()
}

func (s *RegionTestSuite) TestSnapshotAndInspect() {
	s.createAndOpen()
	s.Require().NoError(s.creator.MarkDirty())
	s.Require().NoError(s.creator.SetChangeFlag(9))
	s.Require().NoError(s.creator.Touch())

	snap, err := s.user.Snapshot()
	s.Require().NoError(err)
	s.Equal(s.name, snap.Name)
	s.True(snap.Dirty)
	s.False(snap.ResetRequested)
	s.Equal([]int{9}, snap.ChangeFlags)

	inspected, err := InspectRegion(s.creator.Path())
	s.Require().NoError(err)
	s.Equal(snap.SystemTime, inspected.SystemTime)
	s.Equal(snap.RequestCode, inspected.RequestCode)
	s.Equal(snap.ChangeFlags, inspected.ChangeFlags)
	s.Equal(s.creator.Size(), inspected.Size)

	js, err := snap.JSON()
	s.Require().NoError(err)
	s.Contains(string(js), `"change_flags":[9]`)
	s.Contains(string(js), `"dirty":true`)
}

func TestRegionTestSuite(t *testing.T) {
	suite.Run(t, new(RegionTestSuite))
}

func TestNewRegionRejectsInvalidConfig(t *testing.T) {
	conf := testConfig(t)
	conf.Mode = 01000
	_, err := NewRegion[testPayload]("x", conf)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewRegionRejectsPointerPayload(t *testing.T) {
	_, err := NewRegion[struct{ P *int32 }]("x", testConfig(t))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestInspectShortFile(t *testing.T) {
	path := t.TempDir() + "/short"
	require.NoError(t, os.WriteFile(path, make([]byte, 10), 0600))
	_, err := InspectRegion(path)
	assert.ErrorIs(t, err, ErrLayoutMismatch)
}

// openFds returns the number of descriptors of this process, or -1 when unknown.
func openFds() int {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return -1
	}
	return len(entries)
}
