// Package admission bounds the number of concurrent encrypt and upload tasks.
package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kenneth/skytransfer/internal/metrics"
)

// Controller admits at most MaxParallel tasks at a time. Callers past the
// limit block until a slot frees up or their context is cancelled. Each
// Controller is independent; there is no process-wide state.
type Controller struct {
	sem      *semaphore.Weighted
	max      int64
	inFlight atomic.Int64
	metrics  *metrics.Metrics
}

// New creates a controller with maxParallel slots.
func New(maxParallel int, m *metrics.Metrics) (*Controller, error) {
	if maxParallel < 1 {
		return nil, fmt.Errorf("max parallel must be at least 1, got %d", maxParallel)
	}
	return &Controller{
		sem:     semaphore.NewWeighted(int64(maxParallel)),
		max:     int64(maxParallel),
		metrics: m,
	}, nil
}

// Admit blocks until a slot is available. The returned release function
// must be called exactly once; extra calls are ignored.
func (c *Controller) Admit(ctx context.Context) (release func(), err error) {
	start := time.Now()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("admission cancelled: %w", err)
	}
	c.metrics.ObserveAdmissionWait(time.Since(start))
	c.metrics.SetAdmissionInFlight(c.inFlight.Add(1))

	var once sync.Once
	return func() {
		once.Do(func() {
			c.metrics.SetAdmissionInFlight(c.inFlight.Add(-1))
			c.sem.Release(1)
		})
	}, nil
}

// TryAdmit admits without blocking. ok is false when no slot is free.
func (c *Controller) TryAdmit() (release func(), ok bool) {
	if !c.sem.TryAcquire(1) {
		return nil, false
	}
	c.metrics.SetAdmissionInFlight(c.inFlight.Add(1))
	var once sync.Once
	return func() {
		once.Do(func() {
			c.metrics.SetAdmissionInFlight(c.inFlight.Add(-1))
			c.sem.Release(1)
		})
	}, true
}

// Do runs fn inside an admitted slot and releases it on every exit path,
// including panics.
func (c *Controller) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := c.Admit(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// InFlight returns the number of admitted tasks.
func (c *Controller) InFlight() int64 { return c.inFlight.Load() }

// MaxParallel returns the admission limit.
func (c *Controller) MaxParallel() int64 { return c.max }
