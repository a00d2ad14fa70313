package syncer

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrSyncInProgress is returned by TryAcquire while another sync holds the
// gate.
var ErrSyncInProgress = errors.New("another sync is in progress")

// Gate decides whether a sync may run now. Share one Gate between every
// Syncer that must not overlap.
type Gate struct {
	sem *semaphore.Weighted
}

func NewGate() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the gate is free or ctx is done. Call release
// exactly once.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return g.releaser(), nil
}

// TryAcquire takes the gate without waiting.
func (g *Gate) TryAcquire() (release func(), err error) {
	if !g.sem.TryAcquire(1) {
		return nil, ErrSyncInProgress
	}
	return g.releaser(), nil
}

func (g *Gate) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() { g.sem.Release(1) })
	}
}
