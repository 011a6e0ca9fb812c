// Copyright 2025 Certen Protocol
//
// Bounded-Concurrency Limiter
// Thin wrapper over a weighted semaphore. Waiters are served in FIFO order,
// which keeps per-user work from starving under sustained load.

package retry

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds the number of concurrently running tasks.
type Limiter struct {
	sem *semaphore.Weighted
}

// NewLimiter creates a limiter admitting up to n concurrent holders.
// A non-positive n is treated as 1.
func NewLimiter(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n))}
}

// Acquire blocks until a permit is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// Release returns a permit, waking the longest-waiting acquirer.
func (l *Limiter) Release() {
	l.sem.Release(1)
}
