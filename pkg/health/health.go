// Package health exposes the liveness of shared regions as heptiolabs/healthcheck checks.
//
// A creator that calls Touch periodically (see lifecycle.Heartbeat) is live as long as
// the region's last update is recent. Users register the same check to notice a creator
// that stopped publishing.
package health

import (
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
)

var (
	// ErrStale is returned by StalenessCheck when the region was not updated within maxAge.
	ErrStale = errors.New("shm region is stale")
	// ErrDetached is returned when the region handle holds no mapping.
	ErrDetached = errors.New("shm region is not attached")
)

// DefaultCheckTimeout bounds each check, which may wait for the region's gate.
const DefaultCheckTimeout = 5 * time.Second

// Source is the view of a region the checks need. *shm.Region satisfies it.
type Source interface {
	Name() string
	IsAttached() bool
	ElapsedSinceLastUpdate() (time.Duration, error)
}

// StalenessCheck fails when src was last updated more than maxAge ago, or when the
// update time cannot be read.
func StalenessCheck(src Source, maxAge time.Duration) healthcheck.Check {
	return func() error {
		if !src.IsAttached() {
			return fmt.Errorf("%w: %s", ErrDetached, src.Name())
		}
		elapsed, err := src.ElapsedSinceLastUpdate()
		if err != nil {
			return fmt.Errorf("%s: %w", src.Name(), err)
		}
		if elapsed > maxAge {
			return fmt.Errorf("%w: %s last updated %s ago (max %s)",
				ErrStale, src.Name(), elapsed.Truncate(time.Millisecond), maxAge)
		}
		return nil
	}
}

// AttachedCheck fails when src holds no mapping.
func AttachedCheck(src Source) healthcheck.Check {
	return func() error {
		if !src.IsAttached() {
			return fmt.Errorf("%w: %s", ErrDetached, src.Name())
		}
		return nil
	}
}

// Register adds the staleness check of src as a liveness check and the attached check as
// a readiness check of h, both named after the region.
func Register(h healthcheck.Handler, src Source, maxAge time.Duration) {
	h.AddLivenessCheck("shm-"+src.Name()+"-fresh", healthcheck.Timeout(StalenessCheck(src, maxAge), DefaultCheckTimeout))
	h.AddReadinessCheck("shm-"+src.Name()+"-attached", AttachedCheck(src))
}
