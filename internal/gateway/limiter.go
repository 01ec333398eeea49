package gateway

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Limiter caps the number of one-shot executions running at once.
// Persistent sessions are not counted; each is limited to one run by its
// worker.
type Limiter struct {
	sem    *semaphore.Weighted
	active atomic.Int64
}

// NewLimiter creates a Limiter allowing up to maxConcurrent executions.
func NewLimiter(maxConcurrent int64) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for execution slot: %w", err)
	}
	l.active.Add(1)
	return nil
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	l.active.Add(-1)
	l.sem.Release(1)
}

// Active returns the number of executions holding a slot.
func (l *Limiter) Active() int64 {
	return l.active.Load()
}

// WaitIdle blocks until no executions hold a slot, or the timeout
// expires. Returns true if idle, false if timed out.
func (l *Limiter) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if l.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}
