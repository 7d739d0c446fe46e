package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/heptiolabs/healthcheck"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmregion/pkg/shm"
)

type heartbeatData struct {
	Seq uint64
}

func newRegion(t *testing.T) *shm.Region[heartbeatData] {
	t.Helper()
	conf := shm.DefaultConfig()
	conf.Backend = &shm.DirBackend{Dir: t.TempDir()}
	conf.LockDir = t.TempDir()
	r, err := shm.NewRegion[heartbeatData]("health_"+uuid.NewString(), conf)
	require.NoError(t, err)
	t.Cleanup(r.Destroy)
	return r
}

func serve(h healthcheck.Handler, path string) *httptest.ResponseRecorder {
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, path+"?full=1", nil))
	return rw
}

func TestStalenessCheck(t *testing.T) {
	r := newRegion(t)
	check := StalenessCheck(r, time.Hour)
	assert.ErrorIs(t, check(), ErrDetached)

	require.NoError(t, r.Create(context.Background()))
	require.NoError(t, r.Touch())
	assert.NoError(t, check())

	strict := StalenessCheck(r, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.ErrorIs(t, strict(), ErrStale)

	require.NoError(t, r.Touch())
	assert.NoError(t, check())
}

func TestAttachedCheck(t *testing.T) {
	r := newRegion(t)
	check := AttachedCheck(r)
	assert.ErrorIs(t, check(), ErrDetached)
	require.NoError(t, r.Create(context.Background()))
	assert.NoError(t, check())
	r.Destroy()
	assert.ErrorIs(t, check(), ErrDetached)
}

func TestRegister(t *testing.T) {
	r := newRegion(t)
	h := healthcheck.NewHandler()
	Register(h, r, time.Hour)

	assert.Equal(t, http.StatusServiceUnavailable, serve(h, "/ready").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(h, "/live").Code)

	require.NoError(t, r.Create(context.Background()))
	require.NoError(t, r.Touch())
	rw := serve(h, "/ready")
	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Contains(t, rw.Body.String(), "shm-"+r.Name()+"-attached")
	assert.Equal(t, http.StatusOK, serve(h, "/live").Code)
}

type brokenSource struct{}

func (brokenSource) Name() string     { return "broken" }
func (brokenSource) IsAttached() bool { return true }
func (brokenSource) ElapsedSinceLastUpdate() (time.Duration, error) {
	return shm.ElapsedUnknown, shm.ErrGateUnavailable
}

func TestStalenessCheckGateFailure(t *testing.T) {
	err := StalenessCheck(brokenSource{}, time.Hour)()
	assert.ErrorIs(t, err, shm.ErrGateUnavailable)
}
